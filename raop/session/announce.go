package session

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
)

// ErrMissingAttribute means one of the three required SDP attribute lines
// (fmtp/aesiv/rsaaeskey) was absent from the ANNOUNCE body.
var ErrMissingAttribute = errors.New("session: missing sdp attribute")

// ErrBadKeyLength means a decoded/decrypted attribute did not yield the
// exact length spec.md 4.E requires (16 bytes for both IV and AES key).
var ErrBadKeyLength = errors.New("session: decoded attribute has wrong length")

const (
	fmtpPrefix      = "a=fmtp:"
	aesivPrefix     = "a=aesiv:"
	rsaaeskeyPrefix = "a=rsaaeskey:"
)

// ParseAnnounceSDP extracts fmtp/aesiv/rsaaeskey from an SDP body by
// case-sensitive line prefix match and decrypts the AES key with priv using
// OAEP ("key" mode). Any missing attribute or length mismatch is
// ErrMissingAttribute / ErrBadKeyLength; per spec.md 4.E the caller must
// respond 400 and must not take the session lock on either error.
func ParseAnnounceSDP(body []byte, priv *rsa.PrivateKey) (*StreamConfig, error) {
	cfg := &StreamConfig{}

	var haveFmtp, haveIV, haveKey bool
	var encKey []byte

	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimRight(line, "\r")

		switch {
		case strings.HasPrefix(line, fmtpPrefix):
			vals, err := parseFmtp(line[len(fmtpPrefix):])
			if err != nil {
				return nil, err
			}
			cfg.Fmtp = vals
			cfg.FmtpLen = len(fmtpFields(line[len(fmtpPrefix):]))
			haveFmtp = true

		case strings.HasPrefix(line, aesivPrefix):
			iv, err := base64.StdEncoding.DecodeString(strings.TrimSpace(line[len(aesivPrefix):]))
			if err != nil {
				return nil, err
			}
			if len(iv) != 16 {
				return nil, ErrBadKeyLength
			}
			copy(cfg.AESIV[:], iv)
			haveIV = true

		case strings.HasPrefix(line, rsaaeskeyPrefix):
			k, err := base64.StdEncoding.DecodeString(strings.TrimSpace(line[len(rsaaeskeyPrefix):]))
			if err != nil {
				return nil, err
			}
			encKey = k
			haveKey = true
		}
	}

	if !haveFmtp || !haveIV || !haveKey {
		return nil, ErrMissingAttribute
	}

	key, err := rsa.DecryptOAEP(sha1.New(), rand.Reader, priv, encKey, nil)
	if err != nil {
		return nil, err
	}
	if len(key) != 16 {
		return nil, ErrBadKeyLength
	}
	copy(cfg.AESKey[:], key)

	return cfg, nil
}

// parseFmtp fills a fixed [MaxFmtp]int array left-to-right from a
// whitespace-separated integer list.
func parseFmtp(s string) ([MaxFmtp]int, error) {
	var out [MaxFmtp]int
	fields := fmtpFields(s)
	for i, f := range fields {
		if i >= MaxFmtp {
			break
		}
		n, err := strconv.Atoi(f)
		if err != nil {
			return out, err
		}
		out[i] = n
	}
	return out, nil
}

func fmtpFields(s string) []string {
	return strings.Fields(s)
}
