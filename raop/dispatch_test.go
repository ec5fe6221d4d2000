package raop

import (
	"crypto/md5"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/airplay-go/raop/collab"
	"github.com/airplay-go/raop/session"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fakeRTP struct {
	flushed uint32
	stopped bool
}

func (f *fakeRTP) Setup(remote net.Addr, controlPort, timingPort int, activeRemote uint32) (int, int, int, error) {
	return 6000, 6001, 6002, nil
}
func (f *fakeRTP) Shutdown()            { f.stopped = true }
func (f *fakeRTP) Flush(rtptime uint32) { f.flushed = rtptime }

type fakePlayer struct {
	played bool
	stopped bool
	volume float64
}

func (p *fakePlayer) Play(cfg *session.StreamConfig) { p.played = true }
func (p *fakePlayer) Stop()                          { p.stopped = true }
func (p *fakePlayer) Volume(v float64)                { p.volume = v }

func testConfig(t *testing.T) *Config {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)
	return &Config{
		PrivateKey:         key,
		LatencyITunes:      99400,
		LatencyAirPlay:     88200,
		LatencyForkedDaapd: 88200,
		LatencyDefault:     88200,
		NewRTP:             func() collab.RTP { return &fakeRTP{} },
		NewPlayer:          func() collab.Player { return &fakePlayer{} },
		Logger:             zerolog.Nop(),
	}
}

// pipePair wires a connection worker to an in-memory socket pair so tests
// can drive it without real TCP.
func pipePair(t *testing.T, cfg *Config, reg *session.Registry) (client net.Conn, c *connection) {
	t.Helper()
	server, client := net.Pipe()
	c = newConnection(server, cfg, reg)
	go c.serve()
	return client, c
}

func sendRequest(t *testing.T, client net.Conn, raw string) string {
	t.Helper()
	done := make(chan string, 1)
	go func() {
		buf := make([]byte, 4096)
		n, _ := client.Read(buf)
		done <- string(buf[:n])
	}()
	_, err := client.Write([]byte(raw))
	require.NoError(t, err)
	select {
	case resp := <-done:
		return resp
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for response")
		return ""
	}
}

func announceSDP(t *testing.T, priv *rsa.PrivateKey) string {
	t.Helper()
	aesKey := make([]byte, 16)
	aesIV := make([]byte, 16)
	encKey, err := rsa.EncryptOAEP(sha1.New(), rand.Reader, &priv.PublicKey, aesKey, nil)
	require.NoError(t, err)

	body := "v=0\r\no=iTunes 1 0 IN IP4 0.0.0.0\r\ns=iTunes\r\nc=IN IP4 127.0.0.1\r\nt=0 0\r\n" +
		"a=fmtp:96 352 0 16 40 10 14 2 255 0 0 44100\r\n" +
		"a=aesiv:" + base64.StdEncoding.EncodeToString(aesIV) + "\r\n" +
		"a=rsaaeskey:" + base64.StdEncoding.EncodeToString(encKey) + "\r\n"

	return "ANNOUNCE rtsp://127.0.0.1/1 RTSP/1.0\r\nCSeq: 2\r\nContent-Type: application/sdp\r\n" +
		"Content-Length: " + itoa(len(body)) + "\r\n\r\n" + body
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := ""
	for n > 0 {
		digits = string(rune('0'+n%10)) + digits
		n /= 10
	}
	return digits
}

func TestHappyPath(t *testing.T) {
	cfg := testConfig(t)
	reg := session.NewRegistry()
	client, _ := pipePair(t, cfg, reg)
	defer client.Close()

	opts := sendRequest(t, client, "OPTIONS * RTSP/1.0\r\nCSeq: 1\r\n\r\n")
	require.Contains(t, opts, "RTSP/1.0 200")
	require.Contains(t, opts, "Public:")

	ann := sendRequest(t, client, announceSDP(t, cfg.PrivateKey))
	require.Contains(t, ann, "RTSP/1.0 200")

	setup := sendRequest(t, client, "SETUP rtsp://127.0.0.1/1 RTSP/1.0\r\nCSeq: 3\r\n"+
		"Transport: RTP/AVP/UDP;unicast;interleaved=0-1;mode=record;control_port=6001;timing_port=6002\r\n\r\n")
	require.Contains(t, setup, "RTSP/1.0 200")
	require.Contains(t, setup, "server_port=6000")
	require.Contains(t, setup, "control_port=6001")
	require.Contains(t, setup, "timing_port=6002")
	require.Contains(t, setup, "Session: 1")

	record := sendRequest(t, client, "RECORD rtsp://127.0.0.1/1 RTSP/1.0\r\nCSeq: 4\r\n\r\n")
	require.Contains(t, record, "RTSP/1.0 200")
	require.Contains(t, record, "Audio-Latency: 88200")

	teardown := sendRequest(t, client, "TEARDOWN rtsp://127.0.0.1/1 RTSP/1.0\r\nCSeq: 5\r\n\r\n")
	require.Contains(t, teardown, "RTSP/1.0 200")
	require.Contains(t, teardown, "Connection: close")
}

func TestMissingFmtpThenRecovers(t *testing.T) {
	cfg := testConfig(t)
	reg := session.NewRegistry()
	client, _ := pipePair(t, cfg, reg)
	defer client.Close()

	bad := "ANNOUNCE rtsp://127.0.0.1/1 RTSP/1.0\r\nCSeq: 2\r\nContent-Type: application/sdp\r\n" +
		"Content-Length: 5\r\n\r\nv=0\r\n"
	resp := sendRequest(t, client, bad)
	require.Contains(t, resp, "RTSP/1.0 400")
	require.False(t, reg.SessionHeld())

	good := sendRequest(t, client, announceSDP(t, cfg.PrivateKey))
	require.Contains(t, good, "RTSP/1.0 200")
	require.True(t, reg.SessionHeld())
}

func TestAuthChallengeThenAccept(t *testing.T) {
	cfg := testConfig(t)
	cfg.Password = "secret"
	reg := session.NewRegistry()
	client, _ := pipePair(t, cfg, reg)
	defer client.Close()

	resp := sendRequest(t, client, "OPTIONS * RTSP/1.0\r\nCSeq: 1\r\n\r\n")
	require.Contains(t, resp, "RTSP/1.0 401")
	require.Contains(t, resp, "WWW-Authenticate: Digest")

	realm := quotedField(resp, "realm")
	nonce := quotedField(resp, "nonce")
	require.NotEmpty(t, realm)
	require.NotEmpty(t, nonce)

	// HA1 and HA2 are upper-case hex; the final response is lower-case hex.
	ha1 := md5.Sum([]byte("iTunes:" + realm + ":secret"))
	ha2 := md5.Sum([]byte("OPTIONS:*"))
	response := md5.Sum([]byte(fmt.Sprintf("%X:%s:%X", ha1[:], nonce, ha2[:])))
	authHdr := fmt.Sprintf(`Digest username="iTunes", realm="%s", nonce="%s", uri="*", response="%x"`,
		realm, nonce, response[:])

	resp = sendRequest(t, client, "OPTIONS * RTSP/1.0\r\nCSeq: 2\r\nAuthorization: "+authHdr+"\r\n\r\n")
	require.Contains(t, resp, "RTSP/1.0 200")
}

func quotedField(header, field string) string {
	idx := strings.Index(header, field+`="`)
	if idx < 0 {
		return ""
	}
	rest := header[idx+len(field)+2:]
	end := strings.Index(rest, `"`)
	if end < 0 {
		return ""
	}
	return rest[:end]
}

func TestPreemption(t *testing.T) {
	reg := session.NewRegistry()

	cfg1 := testConfig(t)
	client1, conn1 := pipePair(t, cfg1, reg)
	defer client1.Close()

	sendRequest(t, client1, "OPTIONS * RTSP/1.0\r\nCSeq: 1\r\n\r\n")
	sendRequest(t, client1, announceSDP(t, cfg1.PrivateKey))
	setup1 := sendRequest(t, client1, "SETUP rtsp://127.0.0.1/1 RTSP/1.0\r\nCSeq: 3\r\n"+
		"Transport: RTP/AVP/UDP;unicast;control_port=6001;timing_port=6002\r\n\r\n")
	require.Contains(t, setup1, "RTSP/1.0 200")
	require.True(t, reg.IsPlaying(conn1))

	cfg2 := testConfig(t)
	cfg2.PrivateKey = cfg1.PrivateKey
	client2, _ := pipePair(t, cfg2, reg)
	defer client2.Close()

	sendRequest(t, client2, announceSDP(t, cfg2.PrivateKey))
	setup2 := sendRequest(t, client2, "SETUP rtsp://127.0.0.1/1 RTSP/1.0\r\nCSeq: 3\r\n"+
		"Transport: RTP/AVP/UDP;unicast;control_port=7001;timing_port=7002\r\n\r\n")
	require.Contains(t, setup2, "RTSP/1.0 200")

	require.Eventually(t, func() bool { return !conn1.Running() }, 2*time.Second, 10*time.Millisecond)
}

func TestTooManyHeadersGetsResponseNotSilentClose(t *testing.T) {
	cfg := testConfig(t)
	reg := session.NewRegistry()
	client, conn := pipePair(t, cfg, reg)
	defer client.Close()

	var sb []byte
	sb = append(sb, []byte("OPTIONS * RTSP/1.0\r\n")...)
	for i := 0; i < 17; i++ {
		sb = append(sb, []byte("X-H: v\r\n")...)
	}
	sb = append(sb, []byte("\r\n")...)

	resp := sendRequest(t, client, string(sb))
	require.Contains(t, resp, "RTSP/1.0 400")
	require.Eventually(t, func() bool { return !conn.Running() }, time.Second, 10*time.Millisecond)
}

func TestLatencySelection(t *testing.T) {
	cfg := testConfig(t)
	reg := session.NewRegistry()
	client, conn := pipePair(t, cfg, reg)
	defer client.Close()

	sendRequest(t, client, announceSDP(t, cfg.PrivateKey))
	sendRequest(t, client, "SETUP rtsp://127.0.0.1/1 RTSP/1.0\r\nCSeq: 3\r\n"+
		"User-Agent: iTunes/12.3\r\n"+
		"Transport: RTP/AVP/UDP;unicast;control_port=6001;timing_port=6002\r\n\r\n")

	require.Equal(t, 99400, conn.latency)
}
