package raop

import (
	"strconv"
	"strings"

	"github.com/airplay-go/raop/collab"
	"github.com/airplay-go/raop/rtsp"
	"github.com/airplay-go/raop/session"
)

// supportedMethods is the Public header value for OPTIONS. It also lists
// PAUSE, which has no entry in handlerTable and so gets the default 400.
var supportedMethods = []string{
	"ANNOUNCE", "SETUP", "RECORD", "PAUSE", "FLUSH", "TEARDOWN",
	"OPTIONS", "GET_PARAMETER", "SET_PARAMETER",
}

type handlerFunc func(c *connection, req *rtsp.Message, resp *rtsp.Message)

var handlerTable = map[string]handlerFunc{
	"OPTIONS":        handleOptions,
	"ANNOUNCE":       handleAnnounce,
	"SETUP":          handleSetup,
	"RECORD":         handleRecord,
	"FLUSH":          handleFlush,
	"TEARDOWN":       handleTeardown,
	"GET_PARAMETER":  handleGetParameter,
	"SET_PARAMETER":  handleSetParameter,
}

// handleMessage runs the full per-request pipeline component H
// describes: default to 400, copy CSeq through, stamp Audio-Jack-Status,
// run the challenge responder, run the digest gate, dispatch, and always
// emit exactly one response.
func (c *connection) handleMessage(req *rtsp.Message) *rtsp.Message {
	resp := rtsp.NewResponse(400)

	if cseq, ok := req.Header("CSeq"); ok {
		resp.SetHeader("CSeq", cseq)
	}
	resp.SetHeader("Audio-Jack-Status", "connected; type=analog")

	if challenge, ok := req.Header("Apple-Challenge"); ok {
		appleResp, err := c.resp.Respond(challenge, c.conn.LocalAddr())
		if err != nil {
			c.log.Debug().Err(err).Msg("apple challenge response failed")
		} else {
			resp.SetHeader("Apple-Response", appleResp)
		}
	}

	if c.cfg.Password != "" {
		authHeader, _ := req.Header("Authorization")
		if err := c.gate.Verify(authHeader, req.Method); err != nil {
			hdr, cErr := c.gate.Challenge()
			if cErr != nil {
				resp.Code = 500
				return resp
			}
			resp.Code = 401
			resp.SetHeader("WWW-Authenticate", hdr)
			return resp
		}
	}

	if h, ok := handlerTable[req.Method]; ok {
		h(c, req, resp)
	}

	return resp
}

func handleOptions(c *connection, req *rtsp.Message, resp *rtsp.Message) {
	resp.Code = 200
	resp.SetHeader("Public", strings.Join(supportedMethods, ", "))
}

func handleAnnounce(c *connection, req *rtsp.Message, resp *rtsp.Message) {
	cfg, err := session.ParseAnnounceSDP(req.Content, c.cfg.PrivateKey)
	if err != nil {
		resp.Code = 400
		return
	}

	if ua, ok := req.Header("Active-Remote"); ok {
		if v, perr := strconv.ParseUint(ua, 10, 32); perr == nil {
			cfg.ActiveRemote = uint32(v)
		}
	}
	if name, ok := req.Header("X-Apple-Client-Name"); ok {
		cfg.ClientName = name
	}
	cfg.RemoteAddr = c.conn.RemoteAddr()

	acquired := c.reg.AcquireSession(c.cfg.preemptionEnabled())
	if !acquired {
		resp.Code = 453
		return
	}

	c.sessionHeldByMe = true
	c.stream = cfg
	resp.Code = 200
}

func handleSetup(c *connection, req *rtsp.Message, resp *rtsp.Message) {
	transport, ok := req.Header("Transport")
	if !ok {
		resp.Code = 451
		releaseSessionOnFailure(c)
		return
	}

	fields := strings.Split(transport, ";")
	var controlPort, timingPort int
	var haveControl, haveTiming bool
	var kept []string

	for _, f := range fields {
		switch {
		case strings.HasPrefix(f, "control_port="):
			n, err := strconv.Atoi(f[len("control_port="):])
			if err != nil {
				resp.Code = 451
				releaseSessionOnFailure(c)
				return
			}
			controlPort, haveControl = n, true
		case strings.HasPrefix(f, "timing_port="):
			n, err := strconv.Atoi(f[len("timing_port="):])
			if err != nil {
				resp.Code = 451
				releaseSessionOnFailure(c)
				return
			}
			timingPort, haveTiming = n, true
		default:
			kept = append(kept, f)
		}
	}

	if !haveControl || !haveTiming || c.stream == nil {
		resp.Code = 451
		releaseSessionOnFailure(c)
		return
	}

	if c.cfg.NewRTP == nil {
		resp.Code = 451
		releaseSessionOnFailure(c)
		return
	}
	rtp := c.cfg.NewRTP()
	serverPort, cport, tport, err := rtp.Setup(c.stream.RemoteAddr, controlPort, timingPort, c.stream.ActiveRemote)
	if err != nil || serverPort == 0 {
		resp.Code = 451
		releaseSessionOnFailure(c)
		return
	}
	c.rtp = rtp

	ua, _ := req.Header("User-Agent")
	c.latency = defaultLatency(c.cfg, ua)

	if c.cfg.NewPlayer != nil {
		c.player = c.cfg.NewPlayer()
	}

	c.reg.AcquirePlayer(c)

	kept = append(kept,
		"server_port="+strconv.Itoa(serverPort),
		"control_port="+strconv.Itoa(cport),
		"timing_port="+strconv.Itoa(tport),
	)
	resp.SetHeader("Transport", strings.Join(kept, ";"))
	resp.SetHeader("Session", "1")
	resp.Code = 200
}

func releaseSessionOnFailure(c *connection) {
	if c.sessionHeldByMe {
		c.reg.ReleaseSession()
		c.sessionHeldByMe = false
	}
}

func handleRecord(c *connection, req *rtsp.Message, resp *rtsp.Message) {
	if c.player != nil && c.stream != nil {
		c.player.Play(c.stream)
	}
	resp.Code = 200
	resp.SetHeader("Audio-Latency", "88200")
}

func handleFlush(c *connection, req *rtsp.Message, resp *rtsp.Message) {
	if rtpInfo, ok := req.Header("RTP-Info"); ok {
		if n, ok := parseRTPTime(rtpInfo); ok && c.rtp != nil {
			c.rtp.Flush(n)
		}
	}
	resp.Code = 200
}

func parseRTPTime(rtpInfo string) (uint32, bool) {
	const prefix = "rtptime="
	idx := strings.Index(rtpInfo, prefix)
	if idx < 0 {
		return 0, false
	}
	rest := rtpInfo[idx+len(prefix):]
	if semi := strings.Index(rest, ";"); semi >= 0 {
		rest = rest[:semi]
	}
	n, err := strconv.ParseUint(strings.TrimSpace(rest), 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}

func handleTeardown(c *connection, req *rtsp.Message, resp *rtsp.Message) {
	resp.Code = 200
	resp.SetHeader("Connection", "close")
}

func handleGetParameter(c *connection, req *rtsp.Message, resp *rtsp.Message) {
	resp.Code = 200
}

func handleSetParameter(c *connection, req *rtsp.Message, resp *rtsp.Message) {
	resp.Code = 200
	if c.cfg.Metadata == nil {
		return
	}
	framer := collab.NewFramer(c.cfg.Metadata)

	ct, _ := req.Header("Content-Type")
	switch {
	case ct == "application/x-dmap-tagged":
		if err := framer.Batch(req.Content); err != nil {
			c.log.Debug().Err(err).Msg("malformed dmap-tagged body")
		}

	case strings.HasPrefix(ct, "image/"):
		if err := framer.CoverArt(req.Content); err != nil {
			c.log.Debug().Err(err).Msg("malformed cover art frame")
		}

	case ct == "text/parameters":
		volume, haveVolume, progress, haveProgress, err := collab.ParseTextParameters(req.Content)
		if err != nil {
			c.log.Debug().Err(err).Msg("malformed text/parameters body")
			return
		}
		if haveVolume && c.player != nil {
			c.player.Volume(volume)
		}
		if haveProgress {
			c.log.Debug().Int("start", progress.Start).Int("current", progress.Current).
				Int("end", progress.End).Msg("playback progress")
		}
	}
}
