package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/icholy/digest"
)

// Realm is the fixed realm advertised in every WWW-Authenticate challenge;
// spec.md 4.D treats it as a constant string, not per-connection state.
const Realm = "raop"

var (
	// ErrNoChallenge means the request carried no Authorization header at
	// all; the caller should issue a fresh 401 challenge.
	ErrNoChallenge = errors.New("auth: no authorization header")
	// ErrBadCredentials means the Authorization header was present but
	// malformed or its response did not match.
	ErrBadCredentials = errors.New("auth: bad credentials")
)

// Gate implements the digest-auth challenge/verify cycle of spec.md 4.D. It
// is per-connection state: the last issued nonce is cached and checked for
// every request on the connection until Challenge replaces it.
type Gate struct {
	Password string

	mu    sync.Mutex
	nonce string
}

// NewGate constructs a gate for a single connection's lifetime.
func NewGate(password string) *Gate {
	return &Gate{Password: password}
}

// Challenge issues (or reissues) a fresh nonce and returns the
// WWW-Authenticate header value to send back with a 401.
func (g *Gate) Challenge() (string, error) {
	nonceBytes := make([]byte, 8)
	if _, err := rand.Read(nonceBytes); err != nil {
		return "", fmt.Errorf("auth: generating nonce: %w", err)
	}
	nonce := base64.StdEncoding.EncodeToString(nonceBytes)

	g.mu.Lock()
	g.nonce = nonce
	g.mu.Unlock()

	chal := digest.Challenge{
		Realm:     Realm,
		Nonce:     nonce,
		Algorithm: "MD5",
	}
	return chal.String(), nil
}

// Verify checks an incoming request's Authorization header against the
// cached nonce. method comes from the request line; the URI used in HA2 is
// the client's quoted "uri" field per RFC 2617.
func (g *Gate) Verify(authHeader, method string) error {
	if authHeader == "" {
		return ErrNoChallenge
	}
	cred, ok := parseDigestHeader(authHeader)
	if !ok {
		return ErrBadCredentials
	}
	if cred.username == "" || cred.realm == "" || cred.response == "" || cred.uri == "" {
		return ErrBadCredentials
	}

	g.mu.Lock()
	nonce := g.nonce
	g.mu.Unlock()

	if nonce == "" || cred.nonce != nonce {
		return ErrBadCredentials
	}

	ha1 := md5HexUpper(cred.username + ":" + cred.realm + ":" + g.Password)
	ha2 := md5HexUpper(method + ":" + cred.uri)
	want := md5Hex(ha1 + ":" + cred.nonce + ":" + ha2)

	if want != cred.response {
		return ErrBadCredentials
	}
	return nil
}

type digestCredentials struct {
	username string
	realm    string
	nonce    string
	uri      string
	response string
}

// parseDigestHeader extracts the quoted-string fields from an
// `Authorization: Digest ...` header value. It is intentionally permissive
// about field order and about unrecognized fields (qop, cnonce, nc, opaque,
// algorithm), which spec.md 4.D does not require this receiver to enforce.
func parseDigestHeader(value string) (digestCredentials, bool) {
	const prefix = "Digest "
	if !strings.HasPrefix(value, prefix) {
		return digestCredentials{}, false
	}
	fields := splitDigestFields(value[len(prefix):])

	var cred digestCredentials
	for k, v := range fields {
		switch strings.ToLower(k) {
		case "username":
			cred.username = v
		case "realm":
			cred.realm = v
		case "nonce":
			cred.nonce = v
		case "uri":
			cred.uri = v
		case "response":
			cred.response = v
		}
	}
	return cred, true
}

// splitDigestFields parses `name="value", name2="value2", ...` into a map,
// respecting quoted strings so commas inside a uri value don't split fields.
func splitDigestFields(s string) map[string]string {
	out := make(map[string]string)
	i := 0
	for i < len(s) {
		for i < len(s) && (s[i] == ' ' || s[i] == ',') {
			i++
		}
		start := i
		for i < len(s) && s[i] != '=' {
			i++
		}
		if i >= len(s) {
			break
		}
		name := strings.TrimSpace(s[start:i])
		i++ // skip '='
		if i < len(s) && s[i] == '"' {
			i++
			vstart := i
			for i < len(s) && s[i] != '"' {
				i++
			}
			out[name] = s[vstart:i]
			i++ // skip closing quote
		} else {
			vstart := i
			for i < len(s) && s[i] != ',' {
				i++
			}
			out[name] = strings.TrimSpace(s[vstart:i])
		}
	}
	return out
}
