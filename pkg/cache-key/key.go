package cachekey

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

var ErrorForeignOrigin = fmt.Errorf("URL does not belong to origin")

// Keyer derives cache keys for requests made against a single origin.
// A key is the origin-relative request URI, query included.
type Keyer struct {
	// Origin all keys are relative to.
	Origin url.URL
	// Additional host names that are considered to be the origin,
	// e.g. the address the proxy itself listens on.
	Aliases []string
}

func NewKeyer(origin url.URL, aliases ...string) Keyer {
	return Keyer{
		Origin:  origin,
		Aliases: aliases,
	}
}

// SameOrigin reports whether the request targets the origin.
// Requests in origin-form (i.e. just a path) always do.
func (k Keyer) SameOrigin(r *http.Request) bool {
	if r.URL == nil {
		return false
	}
	if !r.URL.IsAbs() && r.URL.Host == "" {
		return true
	}
	return k.isOriginHost(r.URL.Host)
}

func (k Keyer) isOriginHost(host string) bool {
	if strings.EqualFold(host, k.Origin.Host) {
		return true
	}
	for _, alias := range k.Aliases {
		if strings.EqualFold(host, alias) {
			return true
		}
	}
	return false
}

// Key returns the cache key for the request.
func (k Keyer) Key(r *http.Request) string {
	return r.URL.RequestURI()
}

// Canonical turns a manifest entry or other configured location into a cache key.
// Absolute URLs are accepted as long as they point to the origin.
func (k Keyer) Canonical(location string) (string, error) {
	u, err := url.Parse(location)
	if err != nil {
		return "", err
	}
	if u.Host != "" && !k.isOriginHost(u.Host) {
		return "", fmt.Errorf("%w: %s", ErrorForeignOrigin, location)
	}
	if u.Path == "" {
		u.Path = "/"
	}
	if !strings.HasPrefix(u.Path, "/") {
		u.Path = "/" + u.Path
	}
	return u.RequestURI(), nil
}

// Request creates a GET request for the resource identified by the key.
// The request is in origin-form; fetchers resolve it against the origin.
func (k Keyer) Request(key string) (*http.Request, error) {
	if !strings.HasPrefix(key, "/") {
		return nil, fmt.Errorf("Malformed key: %s", key)
	}
	return http.NewRequest(http.MethodGet, key, nil)
}
