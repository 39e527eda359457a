// Package fetch provides the network side of the offline layer:
// fetchers that send requests to the origin, either over HTTP or to an in-process handler.
package fetch

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	tee "github.com/always-cache/offline-cache/pkg/response-writer-tee"

	"github.com/rs/zerolog"
)

// ErrNetwork wraps transport level failures.
var ErrNetwork = errors.New("network failure")

// Fetcher performs requests against the network.
// Requests are in origin-form or absolute form; the fetcher resolves them against its origin.
// A returned error means the network could not be reached. Non-success statuses are not errors.
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*http.Response, error)
}

// FetcherFunc adapts an ordinary function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, req *http.Request) (*http.Response, error)

func (f FetcherFunc) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	return f(ctx, req)
}

// OriginFetcher sends requests to the origin server.
// It imposes no timeout of its own; the transport's behavior applies.
type OriginFetcher struct {
	origin     url.URL
	originHost string
	client     *http.Client
	log        zerolog.Logger
}

// NewOriginFetcher creates a fetcher for the origin.
// If originHost is given, it is used as the Host header and for TLS negotiation,
// e.g. when the origin URL is just an IP address.
func NewOriginFetcher(origin url.URL, originHost string, logger zerolog.Logger) *OriginFetcher {
	f := &OriginFetcher{
		origin:     origin,
		originHost: originHost,
		log:        logger,
		client: &http.Client{
			// do not follow redirects
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
	// use provided hostname for origin if configured
	if originHost != "" {
		f.client.Transport = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{
				ServerName: originHost,
			},
		}
	}
	return f
}

// Origin returns the URL of the origin server.
func (f *OriginFetcher) Origin() url.URL {
	return f.origin
}

// Fetch the resource specified in the request from the origin.
func (f *OriginFetcher) Fetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	uri := strings.TrimSuffix(f.origin.String(), "/") + r.URL.RequestURI()
	// need to specifically set body to nil on the outgoing request if content is zero length
	// see https://github.com/golang/go/issues/16036
	body := r.Body
	if r.ContentLength == 0 {
		body = nil
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, uri, body)
	if err != nil {
		return nil, err
	}
	req.ContentLength = r.ContentLength
	req.Header = ForwardHeader(r.Header)
	if f.originHost != "" {
		req.Host = f.originHost
	}
	f.log.Trace().Str("method", req.Method).Str("uri", uri).Msg("Executing request")

	res, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNetwork, err)
	}
	// as per https://www.rfc-editor.org/rfc/rfc9110#section-6.6.1-8
	if res.Header.Get("Date") == "" {
		res.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	}
	return res, nil
}

// HandlerFetcher serves requests with an in-process handler,
// which makes the offline layer usable as middleware.
type HandlerFetcher struct {
	Handler http.Handler
}

func (h HandlerFetcher) Fetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	req := r.Clone(ctx)
	req.RequestURI = ""
	rw := tee.NewResponseSaver(nil)
	h.Handler.ServeHTTP(rw, req)
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNetwork, err)
	}
	return rw.Result(req), nil
}

var hopByHopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"TE",
	"Transfer-Encoding",
	"Upgrade",
}

// ForwardHeader returns a copy of the header without hop-by-hop fields,
// suitable for sending on to the next hop or for storing.
func ForwardHeader(header http.Header) http.Header {
	h := header.Clone()
	if h == nil {
		return make(http.Header)
	}
	for _, field := range header.Values("Connection") {
		for _, name := range strings.Split(field, ",") {
			h.Del(strings.TrimSpace(name))
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
	return h
}
