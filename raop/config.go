package raop

import (
	"crypto/rsa"
	"time"

	"github.com/airplay-go/raop/collab"
	"github.com/rs/zerolog"
)

// Config is process-wide state: read-only once ListenAndServe starts.
// Loading it from a file/flags is out of scope (spec.md 1); this is just
// the struct callers populate.
type Config struct {
	Port     int
	Password string // empty disables the digest gate
	HWAddr   [6]byte

	PrivateKey *rsa.PrivateKey

	LatencyITunes      int
	LatencyAirPlay     int
	LatencyForkedDaapd int
	LatencyDefault     int
	UserLatency        *int // explicit override; wins over everything

	// SessionTimeout == 0 enables pre-emption on ANNOUNCE (spec.md 4.E);
	// any positive value simply refuses a second ANNOUNCE. Whether a
	// positive timeout should instead be time-gated is an open question
	// the source leaves unresolved; this receiver does not infer it
	// (spec.md 9).
	SessionTimeout time.Duration

	// NewRTP/NewPlayer construct a fresh collaborator façade per SETUP
	// (each session gets its own RTP/player instance). Metadata and MDNS
	// are long-lived singletons, consistent with "the metadata sink is
	// assumed serialising itself" (spec.md 5).
	NewRTP   func() collab.RTP
	NewPlayer func() collab.Player
	Metadata collab.Metadata
	MDNS     collab.MDNS

	Logger zerolog.Logger
}

func (c *Config) preemptionEnabled() bool {
	return c.SessionTimeout == 0
}

func defaultLatency(cfg *Config, userAgent string) int {
	if cfg.UserLatency != nil {
		return *cfg.UserLatency
	}
	switch {
	case hasPrefixFold(userAgent, "iTunes"):
		return cfg.LatencyITunes
	case hasPrefixFold(userAgent, "AirPlay"):
		return cfg.LatencyAirPlay
	case hasPrefixFold(userAgent, "forked-daapd"):
		return cfg.LatencyForkedDaapd
	default:
		return cfg.LatencyDefault
	}
}

func hasPrefixFold(s, prefix string) bool {
	if len(s) < len(prefix) {
		return false
	}
	for i := 0; i < len(prefix); i++ {
		a, b := s[i], prefix[i]
		if 'A' <= a && a <= 'Z' {
			a += 'a' - 'A'
		}
		if 'A' <= b && b <= 'Z' {
			b += 'a' - 'A'
		}
		if a != b {
			return false
		}
	}
	return true
}
