package session

import "sync"

// Owner is whatever a connection worker exposes to the registry so it can
// be woken out of a blocked read during pre-emption (spec.md 4.F). In this
// port "signal" becomes "force the blocked Read to return", typically by
// setting a past read deadline on the socket — in-band, portable, and
// equivalent in effect to the EINTR the source implementation relies on.
type Owner interface {
	Interrupt()
}

// Registry is the single owned object modeling the two locks, the
// shutdown flag, and the playing-owner identity described in spec.md 4.F
// and the design note preferring an owned object over process-wide
// statics.
type Registry struct {
	mu          sync.Mutex
	sessionHeld bool

	playerMu sync.Mutex
	playing  Owner

	shutdownMu sync.Mutex
	shutdown   bool
}

// NewRegistry constructs an empty registry: no session held, no player.
func NewRegistry() *Registry {
	return &Registry{}
}

// AcquireSession implements spec.md 4.E's acquisition rule: take the
// session lock if free; if held and preemptionEnabled (the configured
// session timeout is zero), take it anyway on the assumption the holder is
// about to be torn down via SETUP's player pre-emption; otherwise refuse.
func (r *Registry) AcquireSession(preemptionEnabled bool) (acquired bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.sessionHeld {
		r.sessionHeld = true
		return true
	}
	if preemptionEnabled {
		r.sessionHeld = true
		return true
	}
	return false
}

// ReleaseSession releases the session-exclusivity lock. Callers must only
// call this if they actually hold it (tracked explicitly by the caller);
// calling it when not held is a harmless no-op, never a double-unlock.
func (r *Registry) ReleaseSession() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessionHeld = false
}

// SessionHeld reports whether any connection currently holds the session
// lock.
func (r *Registry) SessionHeld() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionHeld
}

// IsPlaying reports whether o is the current player-lock holder. This may
// be called without holding the player lock, as an optimistic "is it me"
// check per spec.md 4.F's ordering guarantee; it must never be used to
// infer that no one else holds the lock.
func (r *Registry) IsPlaying(o Owner) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.playing == o
}

// AcquirePlayer elevates o to player-owning, implementing the three-step
// protocol of spec.md 4.F: no-op if o already owns it; a non-blocking
// try; on contention, request the incumbent's shutdown, interrupt its
// blocked read, and then block until it releases.
func (r *Registry) AcquirePlayer(o Owner) {
	if r.IsPlaying(o) {
		return
	}

	if r.playerMu.TryLock() {
		r.setPlaying(o)
		return
	}

	r.setShutdown(true)
	r.mu.Lock()
	incumbent := r.playing
	r.mu.Unlock()
	if incumbent != nil {
		incumbent.Interrupt()
	}

	r.playerMu.Lock()
	r.setPlaying(o)
}

func (r *Registry) setPlaying(o Owner) {
	r.mu.Lock()
	r.playing = o
	r.mu.Unlock()
}

// ReleasePlayer releases the player lock held by o. It is idempotent: a
// worker that never acquired the player lock may call it safely. Clearing
// the shutdown flag here (rather than in the new owner) matches spec.md
// 4.F: the interrupted worker is the one that unwinds and clears it.
func (r *Registry) ReleasePlayer(o Owner) {
	if !r.IsPlaying(o) {
		return
	}
	r.mu.Lock()
	r.playing = nil
	r.mu.Unlock()

	r.setShutdown(false)
	r.playerMu.Unlock()
}

// ShutdownRequested reports the process-wide (registry-wide) shutdown
// flag. Workers must re-check this at every opportunity inside their read
// loop, not only once, per spec.md 4.F.
func (r *Registry) ShutdownRequested() bool {
	r.shutdownMu.Lock()
	defer r.shutdownMu.Unlock()
	return r.shutdown
}

func (r *Registry) setShutdown(v bool) {
	r.shutdownMu.Lock()
	r.shutdown = v
	r.shutdownMu.Unlock()
}
