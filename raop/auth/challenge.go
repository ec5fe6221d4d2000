package auth

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"net"
)

// ErrChallengeTooLarge is returned when a decoded Apple-Challenge exceeds 16
// bytes; the connection is refused this response but otherwise left alone.
var ErrChallengeTooLarge = errors.New("auth: apple challenge too large")

// challengeBufferSize is the working buffer's capacity. It holds the
// largest possible challenge (16 bytes) + local address (4 or 16 bytes) +
// hardware id (6 bytes), which adds up to at most 38 bytes.
const challengeBufferSize = 48

// minSignedBufferSize is the minimum number of leading bytes that must be
// signed; a shorter challenge+address+MAC is zero-padded up to this length
// before signing, matching original_source/rtsp.c's apple_challenge buflen
// clamp.
const minSignedBufferSize = 32

// Responder signs the Apple challenge-response handshake with the
// receiver's RSA private key (AirPlay historically uses a 1024-bit,
// 128-byte-modulus key; any key large enough to hold challengeBufferSize
// of PKCS#1 v1.5 padding works).
type Responder struct {
	PrivateKey *rsa.PrivateKey
	HWAddr     [6]byte
}

// Respond builds the Apple-Response value for a base64-encoded challenge
// and the local socket address the connection was accepted on. Exactly
// len(challenge)+len(address)+6 bytes are signed, clamped up to
// minSignedBufferSize with zero padding if shorter; the signature uses
// PKCS#1 v1.5 signature padding applied directly to the buffer
// (crypto.Hash(0): no DigestInfo prefix), i.e. "auth" mode, and the result
// is base64-encoded with '=' padding stripped.
func (r *Responder) Respond(challengeB64 string, localAddr net.Addr) (string, error) {
	challenge, err := decodeBase64(challengeB64)
	if err != nil {
		return "", err
	}
	if len(challenge) > 16 {
		return "", ErrChallengeTooLarge
	}

	buf := make([]byte, challengeBufferSize)
	n := copy(buf, challenge)

	addrBytes, err := localAddrBytes(localAddr)
	if err != nil {
		return "", err
	}
	n += copy(buf[n:], addrBytes)
	n += copy(buf[n:], r.HWAddr[:])

	if n < minSignedBufferSize {
		n = minSignedBufferSize
	}

	sig, err := rsa.SignPKCS1v15(rand.Reader, r.PrivateKey, crypto.Hash(0), buf[:n])
	if err != nil {
		return "", err
	}

	return encodeBase64NoPad(sig), nil
}

// localAddrBytes extracts the IP portion of addr in network byte order: 16
// bytes for an IPv6 address, 4 bytes for IPv4.
func localAddrBytes(addr net.Addr) ([]byte, error) {
	var ip net.IP
	switch a := addr.(type) {
	case *net.TCPAddr:
		ip = a.IP
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return nil, err
		}
		ip = net.ParseIP(host)
	}
	if ip == nil {
		return nil, errors.New("auth: could not determine local address")
	}
	if v4 := ip.To4(); v4 != nil {
		return v4, nil
	}
	if v6 := ip.To16(); v6 != nil {
		return v6, nil
	}
	return nil, errors.New("auth: unrecognized local address family")
}
