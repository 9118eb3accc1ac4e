// File: internal/rewrite/sniff.go
package rewrite

import "bytes"

// sniffDecision is the outcome of the HTML-or-not heuristic. Once a
// decision is reached it never flips for the remainder of the request.
type sniffDecision int

const (
	sniffUndetermined sniffDecision = iota
	sniffHTML
	sniffNotHTML
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// sniffer buffers leading body bytes until it can decide whether the
// response is HTML. The heuristic skips a UTF-8 BOM and whitespace and
// inspects the first meaningful byte: '<' means HTML. A body that stays
// whitespace past maxBytes, or ends before a meaningful byte arrives, is
// treated as not HTML.
type sniffer struct {
	maxBytes int
	buf      []byte
	decision sniffDecision
}

func newSniffer(maxBytes int) *sniffer {
	if maxBytes <= 0 {
		maxBytes = 512
	}
	return &sniffer{maxBytes: maxBytes}
}

// Feed appends b and returns the current decision. Fed bytes are retained
// in the buffer so they can be replayed once a decision is made.
func (s *sniffer) Feed(b []byte) sniffDecision {
	if s.decision != sniffUndetermined {
		return s.decision
	}
	s.buf = append(s.buf, b...)

	probe := s.buf
	if bytes.HasPrefix(probe, utf8BOM) {
		probe = probe[len(utf8BOM):]
	}
	for _, c := range probe {
		switch c {
		case ' ', '\t', '\r', '\n', '\f':
			continue
		case '<':
			s.decision = sniffHTML
		default:
			s.decision = sniffNotHTML
		}
		return s.decision
	}
	if len(s.buf) >= s.maxBytes {
		// Whitespace past the probe window; stop buffering.
		s.decision = sniffNotHTML
	}
	return s.decision
}

// FinishStream forces a decision at end of stream. A body that never
// produced a meaningful byte degrades to pass-through.
func (s *sniffer) FinishStream() sniffDecision {
	if s.decision == sniffUndetermined {
		s.decision = sniffNotHTML
	}
	return s.decision
}

// TakeBuffered returns every byte fed so far and releases the buffer.
func (s *sniffer) TakeBuffered() []byte {
	b := s.buf
	s.buf = nil
	return b
}
