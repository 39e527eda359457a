package policy

import (
	"context"
	"net/http"
	"net/url"
)

// invalidatedKeys returns the keys a successful unsafe request makes stale:
// the target URI and the Location and Content-Location of the response,
// as long as they belong to the origin (RFC 9111, section 4.4).
func (p *Policy) invalidatedKeys(req *http.Request, res *http.Response) []string {
	if res.StatusCode < 200 || res.StatusCode >= 400 {
		return nil
	}
	keys := []string{req.URL.RequestURI()}
	for _, name := range []string{"Location", "Content-Location"} {
		location := res.Header.Get(name)
		if location == "" {
			continue
		}
		ref, err := url.Parse(location)
		if err != nil {
			continue
		}
		key, err := p.keyer.Canonical(req.URL.ResolveReference(ref).String())
		if err != nil {
			continue
		}
		keys = append(keys, key)
	}
	return keys
}

// revalidate refreshes the stored responses the unsafe request made stale.
// Keys without a stored response in the current generation are left alone.
func (p *Policy) revalidate(ctx context.Context, req *http.Request, res *http.Response) {
	generation := p.current()
	if generation == "" {
		return
	}
	for _, key := range p.invalidatedKeys(req, res) {
		key := key
		_, ok, err := p.store.Lookup(ctx, generation, key)
		if err != nil || !ok {
			continue
		}
		p.log.Trace().Str("key", key).Msg("Revalidating stored response")
		p.background(ctx, func(ctx context.Context) error {
			return p.Refresh(ctx, key)
		})
	}
}
