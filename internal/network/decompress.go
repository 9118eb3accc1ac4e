// File: internal/network/decompress.go
package network

import (
	"compress/gzip"
	"compress/zlib"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"go.uber.org/zap"
)

// closeWrapper closes both the decompression reader and the underlying
// body.
type closeWrapper struct {
	io.ReadCloser
	originalBody io.ReadCloser
}

func (w *closeWrapper) Close() error {
	err1 := w.ReadCloser.Close()
	err2 := w.originalBody.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// DecompressResponse replaces a compressed response body with a reader
// that transparently decompresses it, so sniffing and the HTML pipeline
// always see plain bytes. Supported encodings are gzip, deflate and
// brotli. On success the encoding and length headers are removed, since
// the decompressed length is unknown. An unrecognized encoding or a
// failed reader leaves the response untouched.
func DecompressResponse(resp *http.Response, logger *zap.Logger) bool {
	if resp == nil || resp.Body == nil {
		return false
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	encoding := strings.ToLower(resp.Header.Get("Content-Encoding"))
	var reader io.ReadCloser
	switch encoding {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			logger.Warn("Failed to create gzip reader, serving body as-is", zap.Error(err))
			return false
		}
		reader = &closeWrapper{ReadCloser: gz, originalBody: resp.Body}
	case "deflate":
		zr, err := zlib.NewReader(resp.Body)
		if err != nil {
			logger.Warn("Failed to create deflate reader, serving body as-is", zap.Error(err))
			return false
		}
		reader = &closeWrapper{ReadCloser: zr, originalBody: resp.Body}
	case "br":
		reader = &closeWrapper{
			ReadCloser:   io.NopCloser(brotli.NewReader(resp.Body)),
			originalBody: resp.Body,
		}
	default:
		return false
	}

	resp.Body = reader
	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.ContentLength = -1
	return true
}
