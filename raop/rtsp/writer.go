package rtsp

import (
	"fmt"
	"io"
	"strings"
)

// WriteMessage emits a response: status line, headers, blank line, then
// Content verbatim. Headers that would push the header block past
// MaxMessageSize are rejected before anything is written, since a partial
// write would itself be a protocol violation on the wire.
func WriteMessage(w io.Writer, m *Message) error {
	var sb strings.Builder

	reason := m.Reason
	if reason == "" {
		if m.Code >= 200 && m.Code < 300 {
			reason = "OK"
		} else {
			reason = "Error"
		}
	}
	fmt.Fprintf(&sb, "RTSP/1.0 %d %s\r\n", m.Code, reason)

	for _, h := range m.Headers {
		fmt.Fprintf(&sb, "%s: %s\r\n", h.Name, h.Value)
	}
	sb.WriteString("\r\n")

	if sb.Len() > MaxMessageSize {
		return ErrMessageTooLarge
	}

	if _, err := io.WriteString(w, sb.String()); err != nil {
		return err
	}
	if len(m.Content) > 0 {
		if _, err := w.Write(m.Content); err != nil {
			return err
		}
	}
	return nil
}
