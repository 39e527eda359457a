package policy

import (
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"

	cachekey "github.com/always-cache/offline-cache/pkg/cache-key"
)

// Kind classifies what a request is for.
type Kind int

const (
	// Static assets: stylesheets, scripts, images and everything else.
	KindAsset Kind = iota
	// Page navigations, i.e. requests accepting HTML.
	KindNavigation
	// Data requests against the API.
	KindAPI
)

func (k Kind) String() string {
	switch k {
	case KindNavigation:
		return "navigation"
	case KindAPI:
		return "api"
	}
	return "asset"
}

// Destination is the kind of content an asset request expects.
type Destination string

const (
	DestinationOther  Destination = ""
	DestinationStyle  Destination = "style"
	DestinationScript Destination = "script"
)

// InterceptedRequest is a read-only view of a request and its classification.
type InterceptedRequest struct {
	Method      string
	URL         *url.URL
	Key         string
	Kind        Kind
	Destination Destination
	// False for requests targeting another origin.
	SameOrigin bool
}

// Navigation reports whether the request is a page navigation.
func (ir InterceptedRequest) Navigation() bool {
	return ir.Kind == KindNavigation
}

// Classify builds the intercepted view of the request.
// Requests under apiPrefix or accepting JSON are API requests,
// unless they accept HTML, which makes them navigations.
func Classify(r *http.Request, keyer cachekey.Keyer, apiPrefix string) InterceptedRequest {
	ir := InterceptedRequest{
		Method:     r.Method,
		URL:        r.URL,
		Key:        keyer.Key(r),
		SameOrigin: keyer.SameOrigin(r),
	}
	accept := mediaRanges(r.Header)
	switch {
	case r.Header.Get("Sec-Fetch-Mode") == "navigate" || accepts(accept, "text/html"):
		ir.Kind = KindNavigation
	case apiPrefix != "" && strings.HasPrefix(r.URL.Path, apiPrefix):
		ir.Kind = KindAPI
	case acceptsJSON(accept):
		ir.Kind = KindAPI
	default:
		ir.Kind = KindAsset
	}
	ir.Destination = destination(r, accept)
	return ir
}

func destination(r *http.Request, accept []string) Destination {
	switch r.Header.Get("Sec-Fetch-Dest") {
	case "style":
		return DestinationStyle
	case "script", "worker", "sharedworker", "serviceworker":
		return DestinationScript
	case "", "empty":
	default:
		return DestinationOther
	}
	if len(accept) > 0 {
		switch first := accept[0]; {
		case first == "text/css":
			return DestinationStyle
		case strings.Contains(first, "javascript") || strings.Contains(first, "ecmascript"):
			return DestinationScript
		}
	}
	switch strings.ToLower(path.Ext(r.URL.Path)) {
	case ".css":
		return DestinationStyle
	case ".js", ".mjs":
		return DestinationScript
	}
	return DestinationOther
}

// mediaRanges returns the media types listed in the Accept header, in order, without parameters.
func mediaRanges(header http.Header) []string {
	ranges := make([]string, 0)
	for _, field := range header.Values("Accept") {
		for _, part := range strings.Split(field, ",") {
			mediaType, _, err := mime.ParseMediaType(strings.TrimSpace(part))
			if err != nil {
				continue
			}
			ranges = append(ranges, mediaType)
		}
	}
	return ranges
}

func accepts(ranges []string, mediaType string) bool {
	for _, r := range ranges {
		if r == mediaType {
			return true
		}
	}
	return false
}

func acceptsJSON(ranges []string) bool {
	for _, r := range ranges {
		if r == "application/json" || strings.HasSuffix(r, "+json") {
			return true
		}
	}
	return false
}
