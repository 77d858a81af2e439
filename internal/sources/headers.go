package sources

import "maps"

// HeaderProvider returns the extra headers for a request URL, or nil for none.
// It is called once per request, immediately before the request is issued.
type HeaderProvider func(url string) map[string]string

// StaticHeaders returns a provider that sends the same headers on every request
func StaticHeaders(headers map[string]string) HeaderProvider {
	if len(headers) == 0 {
		return nil
	}
	fixed := maps.Clone(headers)
	return func(string) map[string]string {
		return maps.Clone(fixed)
	}
}

// MergeHeaders combines providers; later providers win on conflicting keys.
// Nil providers are skipped. The result returns nil when no provider
// contributes a header.
func MergeHeaders(providers ...HeaderProvider) HeaderProvider {
	return func(url string) map[string]string {
		var merged map[string]string
		for _, p := range providers {
			if p == nil {
				continue
			}
			h := p(url)
			if len(h) == 0 {
				continue
			}
			if merged == nil {
				merged = make(map[string]string, len(h))
			}
			maps.Copy(merged, h)
		}
		return merged
	}
}
