// File: internal/network/bridge.go
package network

import (
	"io"

	"go.uber.org/zap"

	"github.com/xkilldash9x/htmlforge/internal/rewrite"
)

// pipeClientWriter adapts an io.PipeWriter to the client writer surface of
// the rewrite core. The pipe's read side becomes the proxied response
// body, so pipe backpressure is the client's own read pace.
type pipeClientWriter struct {
	pw     *io.PipeWriter
	logger *zap.Logger
}

func newPipeClientWriter(pw *io.PipeWriter, logger *zap.Logger) *pipeClientWriter {
	return &pipeClientWriter{pw: pw, logger: logger}
}

// HeadersComplete is a no-op: the response headers were already handed to
// the proxy when the bridge was built.
func (w *pipeClientWriter) HeadersComplete() {}

func (w *pipeClientWriter) Write(b []byte) {
	if _, err := w.pw.Write(b); err != nil {
		// The client went away; the pump will observe the closed pipe.
		w.logger.Debug("Client write failed", zap.Error(err))
	}
}

// Flush is a no-op; the pipe delivers bytes as they are written.
func (w *pipeClientWriter) Flush() {}

// Done terminates the response body. Failure surfaces to the client as a
// truncated body rather than a hung connection.
func (w *pipeClientWriter) Done(success bool) {
	if success {
		w.pw.Close()
		return
	}
	w.pw.CloseWithError(io.ErrUnexpectedEOF)
}

// pumpOriginBody drives the ProxyFetch write/done callbacks from an
// origin response body on its own goroutine. HandleHeadersComplete must
// already have run on the hook goroutine: header sanitization has to
// finish before the proxy starts writing the response. The body is always
// closed.
func pumpOriginBody(fetch *rewrite.ProxyFetch, body io.ReadCloser) {
	defer body.Close()

	buf := make([]byte, 32*1024)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			fetch.HandleWrite(buf[:n])
		}
		if err == io.EOF {
			fetch.HandleDone(true)
			return
		}
		if err != nil {
			fetch.HandleDone(false)
			return
		}
	}
}
