package capture

import (
	"encoding/json"
	"net/url"
	"strings"
)

// skippedResourceTypes never carry data worth scraping.
var skippedResourceTypes = map[string]bool{
	"image":      true,
	"stylesheet": true,
	"script":     true,
	"font":       true,
	"media":      true,
}

// deniedHosts are analytics, tracking and CDN hosts. A host matches when it
// equals an entry or is a subdomain of it.
var deniedHosts = []string{
	"google-analytics.com",
	"analytics.google.com",
	"googletagmanager.com",
	"googleadservices.com",
	"googlesyndication.com",
	"doubleclick.net",
	"adservice.google.com",
	"connect.facebook.net",
	"facebook.net",
	"hotjar.com",
	"hotjar.io",
	"segment.io",
	"segment.com",
	"mixpanel.com",
	"amplitude.com",
	"heap.io",
	"heapanalytics.com",
	"fullstory.com",
	"clarity.ms",
	"bat.bing.com",
	"sentry.io",
	"ingest.sentry.io",
	"nr-data.net",
	"newrelic.com",
	"datadoghq.com",
	"browser-intake-datadoghq.com",
	"intercom.io",
	"intercomcdn.com",
	"hs-analytics.net",
	"hs-scripts.com",
	"hubspot.com",
	"optimizely.com",
	"cloudflareinsights.com",
	"plausible.io",
	"posthog.com",
	"i.posthog.com",
	"analytics.tiktok.com",
	"px.ads.linkedin.com",
	"snap.licdn.com",
	"analytics.twitter.com",
	"ads-twitter.com",
	"static.ads-twitter.com",
	"quantserve.com",
	"scorecardresearch.com",
	"criteo.com",
	"criteo.net",
	"taboola.com",
	"outbrain.com",
	"cdn.jsdelivr.net",
	"unpkg.com",
	"cdnjs.cloudflare.com",
	"fonts.googleapis.com",
	"fonts.gstatic.com",
	"gstatic.com",
	"recaptcha.net",
	"stripe.network",
}

// deniedURLFragments catch beacons served from first-party hosts.
var deniedURLFragments = []string{
	"facebook.com/tr",
	"/g/collect",
	"/j/collect",
	"/gtag/js",
	"/pixel",
	"/beacon",
	"/cdn-cgi/rum",
	"/_vercel/insights",
	"/_vercel/speed-insights",
}

// ShouldSkip reports whether a response must not be recorded.
func ShouldSkip(resourceType, method, rawURL string) bool {
	if skippedResourceTypes[strings.ToLower(resourceType)] {
		return true
	}
	if strings.EqualFold(method, "OPTIONS") {
		return true
	}
	return IsDenied(rawURL)
}

// IsDenied reports whether rawURL matches the analytics/tracking denylist.
func IsDenied(rawURL string) bool {
	lower := strings.ToLower(rawURL)
	for _, frag := range deniedURLFragments {
		if strings.Contains(lower, frag) {
			return true
		}
	}

	u, err := url.Parse(lower)
	if err != nil {
		return false
	}
	host := u.Hostname()
	for _, d := range deniedHosts {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// ParseBody classifies a response body by content type. JSON bodies are
// decoded; text bodies are kept verbatim. ok is false for anything else, or
// for JSON that does not decode.
func ParseBody(contentType string, raw []byte) (body any, ok bool) {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "json"):
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, false
		}
		return v, true
	case strings.Contains(ct, "text"):
		return string(raw), true
	}
	return nil, false
}
