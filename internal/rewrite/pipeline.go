// File: internal/rewrite/pipeline.go
package rewrite

import "net/http"

// Pipeline is the HTML rewrite pipeline driven by a ProxyFetch. All calls
// are made from the request's sequence, one at a time, so implementations
// need no internal locking. Once StartParse has been called the pipeline
// owns delivery of the (rewritten) body to the downstream writer; the
// ClientWriter's Write is only used for pass-through responses.
type Pipeline interface {
	// StartParse begins a new document for the given URL.
	StartParse(url string)
	// ParseText feeds the next run of body bytes, in receipt order.
	ParseText(b []byte)
	// RequestFlush marks a flush point after the bytes fed so far.
	RequestFlush()
	// ExecuteFlushIfRequestedAsync performs any requested flush and invokes
	// done when the flushed output has been delivered. If no flush was
	// requested, done is invoked immediately. done may be called
	// synchronously.
	ExecuteFlushIfRequestedAsync(done func())
	// FinishParseAsync completes the document, emits any remaining output
	// and invokes done. done may be called synchronously.
	FinishParseAsync(done func())
}

// ClientWriter is the downstream side of one proxied response.
type ClientWriter interface {
	// HeadersComplete signals that response headers are final; it is called
	// after cross-domain sanitization and before any body byte.
	HeadersComplete()
	Write(b []byte)
	Flush()
	// Done terminates the response. success=false before HeadersComplete
	// means the origin failed outright and the client should receive a
	// generic not-found response.
	Done(success bool)
}

// sensitiveHeaders must never cross a domain boundary: when the rewriter
// serves origin content under a different domain, forwarding these would
// leak credentials to the wrong scope.
var sensitiveHeaders = []string{
	"Set-Cookie",
	"Set-Cookie2",
	"Authorization",
	"WWW-Authenticate",
	"Proxy-Authenticate",
}

// SanitizeCrossDomainHeaders strips cookie and auth headers from a
// response served across a domain boundary.
func SanitizeCrossDomainHeaders(h http.Header) {
	for _, name := range sensitiveHeaders {
		h.Del(name)
	}
}
