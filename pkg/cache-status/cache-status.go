// Package cachestatus renders the Cache-Status response header (RFC 9211)
// describing how the offline layer handled a request.
package cachestatus

import (
	"fmt"
	"strings"
)

const HeaderName = "Cache-Status"

// Cache identifier used as the first list member of the header.
const cacheName = "Offline-Cache"

type FwdReason string

const (
	// The cache was configured to not handle this request.
	FwdBypass FwdReason = "bypass"
	// The request method's semantics require the request to be forwarded.
	FwdMethod FwdReason = "method"
	// The cache did not contain a response for the request URI.
	FwdUriMiss FwdReason = "uri-miss"
	// The cache had a response but the strategy prefers the network.
	FwdRequest FwdReason = "request"
)

type CacheStatus struct {
	hit       bool
	fwdReason FwdReason
	fwdStatus int
	stored    bool
	detail    string
}

// Hit marks the response as served from the cache.
func (cs *CacheStatus) Hit() {
	cs.hit = true
	cs.fwdReason = ""
}

// Forward marks the request as forwarded to the network.
func (cs *CacheStatus) Forward(reason FwdReason) {
	cs.hit = false
	cs.fwdReason = reason
}

// ForwardStatus records the status code the network answered with.
func (cs *CacheStatus) ForwardStatus(status int) {
	cs.fwdStatus = status
}

// Stored marks the network response as written to the cache.
func (cs *CacheStatus) Stored() {
	cs.stored = true
}

func (cs *CacheStatus) Detail(detail string) {
	cs.detail = detail
}

func (cs CacheStatus) IsHit() bool {
	return cs.hit
}

func (cs CacheStatus) Reason() FwdReason {
	return cs.fwdReason
}

func (cs CacheStatus) String() string {
	parts := []string{cacheName}
	if cs.hit {
		parts = append(parts, "hit")
	} else if cs.fwdReason != "" {
		parts = append(parts, "fwd="+string(cs.fwdReason))
		if cs.fwdStatus != 0 {
			parts = append(parts, fmt.Sprintf("fwd-status=%d", cs.fwdStatus))
		}
	}
	if cs.stored {
		parts = append(parts, "stored")
	}
	if cs.detail != "" {
		parts = append(parts, "detail="+cs.detail)
	}
	return strings.Join(parts, "; ")
}
