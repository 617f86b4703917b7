// Package upstream forwards admitted requests to the product API.
//
// The edge terminates admission control only; everything that survives
// the limiter is handed to the upstream unchanged, with the forwarding
// chain preserved so the API still sees the original client.
package upstream

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/loveledger/edge/internal/log"
	"github.com/loveledger/edge/internal/xerrors"
)

const (
	defaultDialTimeout   = 5 * time.Second
	defaultHeaderTimeout = 30 * time.Second
)

type Options struct {
	// Target is the upstream API base URL. Required.
	Target string

	// PassHostHeader forwards the client's Host header instead of the
	// target's. The API routes some tenants on Host.
	PassHostHeader bool

	// DialTimeout bounds the TCP connect to the upstream. Zero means 5s.
	DialTimeout time.Duration

	// ResponseHeaderTimeout bounds the wait for upstream response
	// headers. Zero means 30s. Uploads stream after headers, so this
	// does not cap transfer time.
	ResponseHeaderTimeout time.Duration

	// OnError fires once per failed upstream round trip.
	OnError func()

	Logger log.Logger
}

// Proxy is an http.Handler that relays requests to the upstream API.
type Proxy struct {
	target  *url.URL
	rp      *httputil.ReverseProxy
	client  *http.Client
	onError func()
	logger  log.Logger
}

func New(o Options) (*Proxy, error) {
	if o.Target == "" {
		return nil, xerrors.New("upstream: target URL required")
	}
	target, err := url.Parse(o.Target)
	if err != nil {
		return nil, xerrors.Wrapf(err, "upstream: parse target %q", o.Target)
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return nil, xerrors.Newf("upstream: target %q must be http or https", o.Target)
	}
	if target.Host == "" {
		return nil, xerrors.Newf("upstream: target %q has no host", o.Target)
	}

	logger := o.Logger
	if logger == nil {
		logger = log.Nop()
	}
	dialTimeout := o.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = defaultDialTimeout
	}
	headerTimeout := o.ResponseHeaderTimeout
	if headerTimeout <= 0 {
		headerTimeout = defaultHeaderTimeout
	}

	transport := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: dialTimeout}).DialContext,
		ResponseHeaderTimeout: headerTimeout,
		ForceAttemptHTTP2:     true,
	}

	p := &Proxy{
		target:  target,
		client:  &http.Client{Transport: transport},
		onError: o.OnError,
		logger:  logger,
	}
	p.rp = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			// Keep the inbound forwarding chain, then append our hop.
			pr.Out.Header["X-Forwarded-For"] = pr.In.Header["X-Forwarded-For"]
			pr.SetXForwarded()
			if o.PassHostHeader {
				pr.Out.Host = pr.In.Host
			}
		},
		Transport:    transport,
		ErrorHandler: p.handleError,
	}
	return p, nil
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.rp.ServeHTTP(w, r)
}

// Target returns the configured upstream base URL.
func (p *Proxy) Target() string { return p.target.String() }

func (p *Proxy) handleError(w http.ResponseWriter, r *http.Request, err error) {
	if r.Context().Err() != nil {
		// Client went away mid-flight; nothing useful to write.
		return
	}

	p.logger.Error(r.Context(), err, "upstream request failed",
		"http.request.method", r.Method,
		"url.path", r.URL.Path,
		"upstream.address", p.target.Host,
	)
	if p.onError != nil {
		p.onError()
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusBadGateway)
	if err := json.NewEncoder(w).Encode(map[string]string{"error": "upstream unavailable"}); err != nil {
		p.logger.Warn(r.Context(), "failed to encode upstream error response", "error", err)
	}
}

// Ping reports whether the upstream answers HTTP at all. Any status
// counts; readiness only cares that the backend is reachable.
func (p *Proxy) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.target.String(), http.NoBody)
	if err != nil {
		return xerrors.Wrap(err, "upstream: build ping request")
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return xerrors.Wrap(err, "upstream: ping")
	}
	resp.Body.Close()
	return nil
}
