package feeds

import (
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// Hosts that serve feeds on behalf of other domains. A redirect into or out
// of one of these is not treated as a host change.
var feedProxyHosts = map[string]bool{
	"feedburner.com":       true,
	"feeds.feedburner.com": true,
	"feedpress.me":         true,
	"feedpress.com":        true,
	"feedproxy.google.com": true,
}

// SameHost reports whether two URLs point at the same site: hostnames are
// compared case-insensitively, a leading www. is ignored, and subdomains of
// the same registrable parent domain match. Known feed-proxy hosts are
// accepted regardless of the other side.
func SameHost(a, b string) bool {
	ha := hostname(a)
	hb := hostname(b)
	if ha == "" || hb == "" {
		return false
	}
	if ha == hb {
		return true
	}
	if feedProxyHosts[ha] || feedProxyHosts[hb] {
		return true
	}
	da, erra := publicsuffix.EffectiveTLDPlusOne(ha)
	db, errb := publicsuffix.EffectiveTLDPlusOne(hb)
	if erra != nil || errb != nil {
		return false
	}
	return da == db
}

func hostname(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	h := strings.ToLower(u.Hostname())
	return strings.TrimPrefix(h, "www.")
}
