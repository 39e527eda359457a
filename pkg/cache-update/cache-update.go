package cacheupdate

import (
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var delayDirective = regexp.MustCompile(`(?i)\bdelay=(\d+)`)

// CacheUpdate represents a single `Cache-Update` entry.
type CacheUpdate struct {
	// Fully resolved relative path to the resource.
	// Equivalent to `url.URL.RequestURI()`.
	Path string
	// Update delay, i.e. delay update by this duration.
	Delay time.Duration
}

// GetCacheUpdates gets the updates an origin asked for when answering a mutating request.
// The request is used in order to resolve potentially relative update paths.
func GetCacheUpdates(req *http.Request, res *http.Response) []CacheUpdate {
	if req == nil || res == nil || !unsafeMethod(req.Method) {
		return nil
	}
	updates := make([]CacheUpdate, 0)
	for _, update := range res.Header.Values("Cache-Update") {
		if strings.TrimSpace(update) == "" {
			continue
		}
		updates = append(updates, CacheUpdate{
			Path:  getURL(req, update).RequestURI(),
			Delay: getDelay(update),
		})
	}
	return updates
}

func unsafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return false
	}
	return true
}

// getURL returns the URL to update the cache for from the `Cache-Update` header parameter.
// The URL is the first parameter in the header value (separated by a semicolon).
func getURL(r *http.Request, update string) *url.URL {
	possiblyRelativeURL := strings.TrimSpace(update)
	if i := strings.Index(possiblyRelativeURL, ";"); i != -1 {
		possiblyRelativeURL = strings.TrimSpace(possiblyRelativeURL[:i])
	}
	ref, err := url.Parse(possiblyRelativeURL)
	if err != nil {
		ref = &url.URL{Path: possiblyRelativeURL}
	}
	return r.URL.ResolveReference(ref)
}

// getDelay returns the delay to wait before updating the cache for from the `Cache-Update` header parameter.
// The delay directive syntax is `delay=N`, where N is the number of seconds to wait.
// Directives are separated by a semicolon.
// If no delay directive is found, it returns 0.
func getDelay(update string) time.Duration {
	if matches := delayDirective.FindStringSubmatch(update); matches != nil {
		if delay, err := strconv.Atoi(matches[1]); err == nil {
			return time.Duration(delay) * time.Second
		}
	}
	return 0
}
