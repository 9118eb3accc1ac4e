// File: internal/rewrite/htmlpipe/htmlpipe.go

// Package htmlpipe is the HTML rewrite pipeline: it tokenizes buffered
// body bytes, runs each tag through a swappable filter chain and emits
// the result downstream. All methods are invoked from the request's
// sequence, one at a time, so the pipeline holds no locks.
//
// Unmodified tokens are emitted from the tokenizer's raw bytes, so output
// is byte-identical to input wherever no filter touches a tag. Script,
// style and textarea content in particular is never re-escaped.
package htmlpipe

import (
	"bytes"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/net/html"
)

// Sink is the downstream receiver of rewritten output. Satisfied by the
// client writer of the serving layer.
type Sink interface {
	Write(b []byte)
	Flush()
}

// Pipeline implements the rewrite pipeline contract. Input accumulates in
// a buffer; a flush tokenizes the longest prefix that ends on a safe
// token boundary and leaves the remainder queued, so a flush landing in
// the middle of a tag or a <script> body never splits a token.
type Pipeline struct {
	logger  *zap.Logger
	sink    Sink
	filters []Filter

	url            string
	buf            bytes.Buffer
	flushRequested bool
	finished       bool
}

// New builds a pipeline emitting to sink through the given filter chain.
func New(sink Sink, filters []Filter, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		logger:  logger.Named("htmlpipe"),
		sink:    sink,
		filters: filters,
	}
}

// StartParse begins a new document.
func (p *Pipeline) StartParse(url string) {
	p.url = url
	p.logger.Debug("Parse started", zap.String("url", url))
}

// ParseText appends the next run of body bytes.
func (p *Pipeline) ParseText(b []byte) {
	p.buf.Write(b)
}

// RequestFlush marks a flush point after the bytes fed so far.
func (p *Pipeline) RequestFlush() {
	p.flushRequested = true
}

// ExecuteFlushIfRequestedAsync emits everything up to the last safe token
// boundary, flushes the sink and invokes done. With no flush requested,
// done is invoked immediately.
func (p *Pipeline) ExecuteFlushIfRequestedAsync(done func()) {
	if p.flushRequested {
		p.flushRequested = false
		p.emit(false)
		p.sink.Flush()
	}
	done()
}

// FinishParseAsync emits all remaining bytes and invokes done.
func (p *Pipeline) FinishParseAsync(done func()) {
	if !p.finished {
		p.finished = true
		p.emit(true)
	}
	done()
}

// emit tokenizes and writes buffered input. When final is false only the
// prefix ending on a safe boundary is consumed; the rest stays buffered
// for the next flush.
func (p *Pipeline) emit(final bool) {
	input := p.buf.Bytes()
	n := len(input)
	if !final {
		n = safeSplit(input)
	}
	if n == 0 {
		return
	}
	segment := input[:n]
	p.rewriteSegment(segment)
	p.buf.Next(n)
}

// rewriteSegment tokenizes one safe segment and writes it through the
// filter chain.
func (p *Pipeline) rewriteSegment(segment []byte) {
	tz := html.NewTokenizer(bytes.NewReader(segment))
	for {
		tt := tz.Next()
		if tt == html.ErrorToken {
			// End of segment; safeSplit guarantees no token was cut.
			return
		}
		raw := tz.Raw()
		if tt != html.StartTagToken && tt != html.SelfClosingTagToken {
			p.sink.Write(raw)
			continue
		}

		tok := tz.Token()
		inject, changed := p.applyFilters(&tok)
		if changed {
			p.sink.Write(renderTag(&tok))
		} else {
			p.sink.Write(raw)
		}
		if len(inject) > 0 {
			p.sink.Write(inject)
		}
	}
}

// applyFilters runs every filter over one tag token. A filter's failure,
// error or panic alike, is isolated: its change is discarded and the
// chain continues with the token as the previous filter left it.
func (p *Pipeline) applyFilters(tok *html.Token) (inject []byte, changed bool) {
	for _, f := range p.filters {
		before := cloneToken(tok)
		add, tagChanged, err := p.runFilter(f, tok)
		if err != nil {
			p.logger.Warn("Filter failed, skipping its rewrite",
				zap.String("filter", f.Name()),
				zap.String("url", p.url),
				zap.Error(err))
			*tok = before
			continue
		}
		if tagChanged {
			changed = true
		}
		inject = append(inject, add...)
	}
	return inject, changed
}

func (p *Pipeline) runFilter(f Filter, tok *html.Token) (inject []byte, changed bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &filterPanicError{filter: f.Name(), value: r}
		}
	}()
	return f.RewriteTag(tok)
}

func cloneToken(tok *html.Token) html.Token {
	cp := *tok
	cp.Attr = make([]html.Attribute, len(tok.Attr))
	copy(cp.Attr, tok.Attr)
	return cp
}

// renderTag serializes a (possibly mutated) start or self-closing tag.
func renderTag(tok *html.Token) []byte {
	var b bytes.Buffer
	b.WriteByte('<')
	b.WriteString(tok.Data)
	for _, attr := range tok.Attr {
		b.WriteByte(' ')
		b.WriteString(attr.Key)
		b.WriteString(`="`)
		b.WriteString(html.EscapeString(attr.Val))
		b.WriteByte('"')
	}
	if tok.Type == html.SelfClosingTagToken {
		b.WriteByte('/')
	}
	b.WriteByte('>')
	return b.Bytes()
}

type filterPanicError struct {
	filter string
	value  any
}

func (e *filterPanicError) Error() string {
	return fmt.Sprintf("filter %s panicked: %v", e.filter, e.value)
}
