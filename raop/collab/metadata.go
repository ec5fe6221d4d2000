package collab

import (
	"encoding/binary"
	"errors"
	"strconv"
	"strings"
)

// Frame type tags (spec.md 4.J).
const (
	TypeCore = "core" // source-supplied
	TypeSSNC = "ssnc" // self-generated
)

// Self-generated codes used to bracket a metadata batch and to carry cover
// art, per spec.md 4.J.
const (
	CodeBatchStart = "strt"
	CodeBatchStop  = "stop"
	CodePicture    = "PICT"
)

// ErrBadFrame means type4/code4 was not exactly 4 ASCII bytes.
var ErrBadFrame = errors.New("collab: type/code must be exactly 4 bytes")

// Framer emits length-prefixed metadata frames to a Metadata sink:
// 4-byte type, 4-byte code, 32-bit big-endian length, then payload.
type Framer struct {
	sink Metadata
}

// NewFramer wraps a Metadata collaborator.
func NewFramer(sink Metadata) *Framer {
	return &Framer{sink: sink}
}

// Emit sends one frame. type4 and code4 must each be exactly 4 bytes.
func (f *Framer) Emit(type4, code4 string, payload []byte) error {
	if len(type4) != 4 || len(code4) != 4 {
		return ErrBadFrame
	}
	f.sink.Process(type4, code4, payload)
	return nil
}

// dmapItemHeaderLen is the 4-byte tag plus 4-byte big-endian length that
// precedes each item in an application/x-dmap-tagged body.
const dmapItemHeaderLen = 8

// ErrTruncatedDMAPItem means a dmap-tagged body's declared item length ran
// past the end of the body.
var ErrTruncatedDMAPItem = errors.New("collab: truncated dmap item")

// Batch walks an application/x-dmap-tagged SET_PARAMETER body item by item
// (tag(4) + length(4, big-endian) + value) and emits one core/<tag> frame
// per item, bracketed by ssnc/strt and ssnc/stop, matching
// original_source/rtsp.c's handle_set_parameter_metadata.
func (f *Framer) Batch(payload []byte) error {
	if err := f.Emit(TypeSSNC, CodeBatchStart, nil); err != nil {
		return err
	}

	off := dmapItemHeaderLen // leading 8 bytes are not an item, per the source
	for off < len(payload) {
		if len(payload)-off < dmapItemHeaderLen {
			return ErrTruncatedDMAPItem
		}
		tag := string(payload[off : off+4])
		length := binary.BigEndian.Uint32(payload[off+4 : off+8])
		off += dmapItemHeaderLen

		if uint64(off)+uint64(length) > uint64(len(payload)) {
			return ErrTruncatedDMAPItem
		}
		value := payload[off : off+int(length)]
		off += int(length)

		if err := f.Emit(TypeCore, tag, value); err != nil {
			return err
		}
	}

	return f.Emit(TypeSSNC, CodeBatchStop, nil)
}

// CoverArt emits a singleton ssnc/PICT frame.
func (f *Framer) CoverArt(payload []byte) error {
	return f.Emit(TypeSSNC, CodePicture, payload)
}

// EncodeFrameHeader renders the 4+4+4 byte frame header a wire
// implementation of Metadata would prepend before payload; exposed so a
// real sink can reuse the exact on-wire layout spec.md 4.J specifies.
func EncodeFrameHeader(type4, code4 string, payloadLen int) ([]byte, error) {
	if len(type4) != 4 || len(code4) != 4 {
		return nil, ErrBadFrame
	}
	hdr := make([]byte, 12)
	copy(hdr[0:4], type4)
	copy(hdr[4:8], code4)
	binary.BigEndian.PutUint32(hdr[8:12], uint32(payloadLen))
	return hdr, nil
}

// Progress is a `progress: <start>/<cur>/<end>` line of a `text/parameters`
// SET_PARAMETER body, parsed by ParseTextParameters into fields for
// structured debug logging (SPEC_FULL.md supplements the bare "debug-log
// the string" behavior with parsed fields, grounded in
// original_source/rtsp.c's handling of the same line).
type Progress struct {
	Start, Current, End int
}

// ParseTextParameters walks body line by line and reports a volume value
// (if present) and a parsed Progress (if present).
func ParseTextParameters(body []byte) (volume float64, haveVolume bool, progress Progress, haveProgress bool, err error) {
	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "volume:"):
			v, perr := strconv.ParseFloat(strings.TrimSpace(line[len("volume:"):]), 64)
			if perr != nil {
				return 0, false, Progress{}, false, perr
			}
			volume, haveVolume = v, true

		case strings.HasPrefix(line, "progress:"):
			parts := strings.Split(strings.TrimSpace(line[len("progress:"):]), "/")
			if len(parts) != 3 {
				return 0, false, Progress{}, false, errors.New("collab: malformed progress triplet")
			}
			vals := [3]int{}
			for i, p := range parts {
				n, perr := strconv.Atoi(strings.TrimSpace(p))
				if perr != nil {
					return 0, false, Progress{}, false, perr
				}
				vals[i] = n
			}
			progress = Progress{Start: vals[0], Current: vals[1], End: vals[2]}
			haveProgress = true
		}
	}
	return volume, haveVolume, progress, haveProgress, nil
}
