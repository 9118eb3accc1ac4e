// File: internal/network/proxy.go
package network

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/elazarl/goproxy"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/htmlforge/internal/config"
	"github.com/xkilldash9x/htmlforge/internal/observability"
	"github.com/xkilldash9x/htmlforge/internal/propcache"
	"github.com/xkilldash9x/htmlforge/internal/rewrite"
	"github.com/xkilldash9x/htmlforge/internal/rewrite/collector"
	"github.com/xkilldash9x/htmlforge/internal/rewrite/htmlpipe"
	"github.com/xkilldash9x/htmlforge/internal/rewrite/sequence"
)

var (
	mitmInitOnce  sync.Once
	mitmInitError error
	isMITMEnabled bool
)

// ProxyOptions wires the rewriting proxy's collaborators.
type ProxyOptions struct {
	RewriterConfig config.RewriterConfig
	OriginConfig   config.OriginConfig
	// CACert and CAKey enable MITM interception of HTTPS traffic; with
	// either missing the proxy tunnels TLS connections untouched.
	CACert []byte
	CAKey  []byte

	Cache    *propcache.Cache
	Cohorts  []*propcache.Cohort
	Pool     *sequence.Pool
	Statuses *StatusRecorder
	Metrics  observability.Metrics
	Logger   *zap.Logger
}

// RewritingProxy is the serving layer: a forward proxy that streams HTML
// origin responses through the rewrite core and passes everything else
// through untouched.
type RewritingProxy struct {
	proxy       *goproxy.ProxyHttpServer
	server      *http.Server
	serverMutex sync.Mutex

	rewriterCfg config.RewriterConfig
	cache       *propcache.Cache
	cohorts     []*propcache.Cohort
	pool        *sequence.Pool
	statuses    *StatusRecorder
	metrics     observability.Metrics
	limiter     *rate.Limiter
	logger      *zap.Logger
}

// NewRewritingProxy creates and configures the proxy.
func NewRewritingProxy(opts ProxyOptions) (*RewritingProxy, error) {
	if opts.Cache == nil || opts.Pool == nil {
		return nil, errors.New("rewriting proxy requires a property cache and a sequence pool")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	log := logger.Named("rewriting_proxy")

	metrics := opts.Metrics
	if metrics == nil {
		metrics = observability.NopMetrics{}
	}
	statuses := opts.Statuses
	if statuses == nil {
		statuses = NewStatusRecorder()
	}

	proxy := goproxy.NewProxyHttpServer()
	proxy.Tr = NewHTTPTransport(NewClientConfigFromOrigin(opts.OriginConfig, log))

	if len(opts.CACert) > 0 && len(opts.CAKey) > 0 {
		if err := configureMITM(opts.CACert, opts.CAKey); err != nil {
			return nil, fmt.Errorf("failed to configure MITM capabilities: %w", err)
		}
		log.Info("MITM capabilities initialized")
	} else {
		log.Warn("CA certificate or key missing, HTTPS responses will be tunneled without rewriting")
	}

	var limiter *rate.Limiter
	if opts.OriginConfig.RequestsPerSecond > 0 {
		burst := opts.OriginConfig.RequestBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.OriginConfig.RequestsPerSecond), burst)
	}

	rp := &RewritingProxy{
		proxy:       proxy,
		rewriterCfg: opts.RewriterConfig,
		cache:       opts.Cache,
		cohorts:     opts.Cohorts,
		pool:        opts.Pool,
		statuses:    statuses,
		metrics:     metrics,
		limiter:     limiter,
		logger:      log,
	}
	rp.setupHandlers()
	return rp, nil
}

func (rp *RewritingProxy) setupHandlers() {
	rp.proxy.OnRequest().HandleConnect(goproxy.FuncHttpsHandler(func(host string, ctx *goproxy.ProxyCtx) (*goproxy.ConnectAction, string) {
		if isMITMEnabled {
			return goproxy.MitmConnect, host
		}
		return goproxy.OkConnect, host
	}))

	rp.proxy.OnRequest().DoFunc(rp.handleRequest)
	rp.proxy.OnResponse().DoFunc(rp.handleResponse)
}

// handleRequest tags the request and applies the origin throttle.
func (rp *RewritingProxy) handleRequest(r *http.Request, ctx *goproxy.ProxyCtx) (*http.Request, *http.Response) {
	if r.Header.Get("X-Request-Id") == "" {
		r.Header.Set("X-Request-Id", uuid.NewString())
	}
	if rp.limiter != nil {
		if err := rp.limiter.Wait(r.Context()); err != nil {
			rp.logger.Warn("Origin throttle rejected request",
				zap.String("url", r.URL.String()), zap.Error(err))
			return r, goproxy.NewResponse(r, goproxy.ContentTypeText,
				http.StatusServiceUnavailable, "origin throttled")
		}
	}
	return r, nil
}

// handleResponse routes eligible origin responses through the rewrite
// core. An origin failure with no response at all becomes a generic
// not-found answer.
func (rp *RewritingProxy) handleResponse(resp *http.Response, ctx *goproxy.ProxyCtx) *http.Response {
	reqURL := getRequestURL(ctx)

	if resp == nil {
		errorMsg := "unknown error"
		if ctx.Error != nil {
			errorMsg = ctx.Error.Error()
		}
		rp.logger.Warn("Origin fetch failed before headers",
			zap.String("url", reqURL), zap.String("error", errorMsg))
		rp.statuses.PersistStatus(reqURL, http.StatusNotFound)
		rp.metrics.IncFetch("error")
		if ctx.Req == nil {
			return &http.Response{
				StatusCode: http.StatusNotFound,
				ProtoMajor: 1,
				ProtoMinor: 1,
				Header:     make(http.Header),
				Body:       io.NopCloser(strings.NewReader("origin fetch failed")),
			}
		}
		return goproxy.NewResponse(ctx.Req, goproxy.ContentTypeText,
			http.StatusNotFound, "origin fetch failed")
	}

	if !rp.shouldRewrite(ctx.Req, resp) {
		return resp
	}
	return rp.rewriteResponse(resp, ctx, reqURL)
}

// shouldRewrite gates which responses enter the rewrite core. Anything
// else flows through the proxy untouched.
func (rp *RewritingProxy) shouldRewrite(req *http.Request, resp *http.Response) bool {
	if req == nil || resp.Body == nil {
		return false
	}
	if req.Method != http.MethodGet {
		return false
	}
	return resp.StatusCode == http.StatusOK
}

// rewriteResponse builds the per-request machinery: property lookups, the
// sequence, the pipeline and the proxy fetch, bridged to the client via a
// pipe that becomes the response body.
func (rp *RewritingProxy) rewriteResponse(resp *http.Response, ctx *goproxy.ProxyCtx, reqURL string) *http.Response {
	logger := rp.logger.With(zap.String("url", reqURL))

	DecompressResponse(resp, logger)

	coll := collector.New(reqURL, rp.statuses, logger)
	for _, cohort := range rp.cohorts {
		lookup := coll.AddLookup(cohort.Name())
		rp.cache.Get(ctx.Req.Context(), cohort, reqURL, func(page *propcache.Page, ok bool) {
			lookup.Done(ok, page)
		})
	}
	coll.Release()

	pr, pw := io.Pipe()
	cw := newPipeClientWriter(pw, logger)
	filters := []htmlpipe.Filter{
		htmlpipe.NewCriticalCSSFilter(coll.Page),
		htmlpipe.LazyLoadFilter{},
	}

	fetch := rewrite.NewProxyFetch(rewrite.FetchOptions{
		URL:         reqURL,
		CrossDomain: isCrossDomain(ctx.Req, resp),
		Config:      rp.rewriterCfg,
		Pipeline:    htmlpipe.New(cw, filters, logger),
		Client:      cw,
		Sequence:    rp.pool.NewSequence(),
		Collector:   coll,
		Metrics:     rp.metrics,
		Logger:      logger,
	})

	// Sanitization must finish before the proxy writes headers, so the
	// headers event runs on this goroutine; only the body pump is async.
	fetch.HandleHeadersComplete(resp.StatusCode, resp.Header)
	go pumpOriginBody(fetch, resp.Body)

	out := *resp
	out.Body = pr
	out.ContentLength = -1
	out.Header.Del("Content-Length")
	return &out
}

// isCrossDomain reports whether the response is being served under a
// different host than the one it was fetched from, e.g. through domain
// mapping.
func isCrossDomain(req *http.Request, resp *http.Response) bool {
	if req == nil || resp.Request == nil || resp.Request.URL == nil || req.URL == nil {
		return false
	}
	return !strings.EqualFold(req.URL.Host, resp.Request.URL.Host)
}

// Start runs the proxy server and blocks until the context is cancelled
// or a fatal error occurs.
func (rp *RewritingProxy) Start(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	rp.serverMutex.Lock()
	if rp.server != nil {
		rp.serverMutex.Unlock()
		return errors.New("proxy server already started")
	}
	if shutdownTimeout <= 0 {
		shutdownTimeout = 15 * time.Second
	}

	server := &http.Server{
		Addr:        addr,
		Handler:     rp.proxy,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
		ErrorLog:    zap.NewStdLog(rp.logger.Named("http_server")),
	}
	rp.server = server
	rp.serverMutex.Unlock()

	shutdownErr := make(chan error)
	go func() {
		<-ctx.Done()
		rp.logger.Info("Shutdown signal received, stopping rewriting proxy...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		shutdownErr <- server.Shutdown(shutdownCtx)
	}()

	rp.logger.Info("Starting rewriting proxy", zap.String("address", addr))
	err := server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		err = <-shutdownErr
	}

	rp.serverMutex.Lock()
	if rp.server == server {
		rp.server = nil
	}
	rp.serverMutex.Unlock()

	if err != nil {
		rp.logger.Error("Proxy server stopped with an error", zap.Error(err))
		return fmt.Errorf("proxy server failed: %w", err)
	}
	rp.logger.Info("Rewriting proxy stopped gracefully")
	return nil
}

// configureMITM installs the certificate authority into goproxy's global
// state; sync.Once keeps repeated proxy construction from re-initializing
// it.
func configureMITM(caCert, caKey []byte) error {
	mitmInitOnce.Do(func() {
		ca, err := tls.X509KeyPair(caCert, caKey)
		if err != nil {
			mitmInitError = fmt.Errorf("invalid CA certificate/key pair: %w", err)
			return
		}
		if len(ca.Certificate) == 0 {
			mitmInitError = errors.New("CA certificate chain is empty")
			return
		}
		if ca.Leaf, err = x509.ParseCertificate(ca.Certificate[0]); err != nil {
			mitmInitError = fmt.Errorf("failed to parse CA certificate leaf: %w", err)
			return
		}

		goproxy.GoproxyCa = ca
		tlsConfig := goproxy.TLSConfigFromCA(&ca)
		goproxy.OkConnect = &goproxy.ConnectAction{Action: goproxy.ConnectAccept, TLSConfig: tlsConfig}
		goproxy.MitmConnect = &goproxy.ConnectAction{Action: goproxy.ConnectMitm, TLSConfig: tlsConfig}
		goproxy.HTTPMitmConnect = &goproxy.ConnectAction{Action: goproxy.ConnectHTTPMitm, TLSConfig: tlsConfig}
		goproxy.RejectConnect = &goproxy.ConnectAction{Action: goproxy.ConnectReject, TLSConfig: tlsConfig}

		isMITMEnabled = true
	})
	return mitmInitError
}

func getRequestURL(ctx *goproxy.ProxyCtx) string {
	if ctx != nil && ctx.Req != nil && ctx.Req.URL != nil {
		return ctx.Req.URL.String()
	}
	return "unknown"
}
