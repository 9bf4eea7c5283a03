// Package rewriter rewrites proxied HTML so that every embedded URL loops back
// through the proxy, and injects the payment monitoring scripts.
//
// Rewriting is deliberately string/regex based: the proxied checkout pages do
// not have a stable DOM shape and malformed markup must pass through
// untouched. The functions here perform no I/O.
package rewriter

import (
	"net/url"
	"regexp"
	"strings"
)

// ProxyParam is the query parameter carrying the original URL in rewritten links.
const ProxyParam = "proxyUrl"

// PaymentData seeds the auto-fill script on the checkout page.
type PaymentData struct {
	Amount    float64 `json:"amount"`
	PaymentID string  `json:"paymentId"`
}

// Options describes where a page came from and where the proxy lives.
type Options struct {
	// BaseURL is the URL the HTML was fetched from.
	BaseURL string
	// ProxyOrigin is scheme://host of the proxy, without trailing slash.
	ProxyOrigin string
	// ProxyPath is the path of the proxy endpoint, e.g. "/proxy".
	ProxyPath string
	// TrackURL is the absolute URL of the event tracking endpoint.
	TrackURL string
	// CheckoutHost is the host of the third-party checkout service.
	CheckoutHost string
	// Payment, when set on a checkout page, enables the auto-fill scripts.
	Payment *PaymentData
}

// attrRegex matches href/src/action/url/endpoint attributes with a quoted or bare value.
var attrRegex = regexp.MustCompile(`(?i)\b(href|src|action|url|endpoint)=(?:"([^"]*)"|'([^']*)'|([^\s"'>]+))`)

var absoluteRegex = regexp.MustCompile(`(?i)^https?://`)

// skipPrefixes are attribute values that never resolve to a fetchable resource.
var skipPrefixes = []string{"#", "javascript:", "data:", "mailto:", "tel:", "blob:", "about:"}

// Rewrite returns html with URLs routed through the proxy and scripts injected.
func Rewrite(html string, opts Options) string {
	base, err := url.Parse(opts.BaseURL)
	if err != nil || !base.IsAbs() {
		base = nil
	}

	out := RewriteURLs(html, base, opts.ProxyOrigin, opts.ProxyPath)

	if opts.Payment != nil && base != nil && IsCheckoutHost(base.Hostname(), opts.CheckoutHost) {
		if block, err := renderPaymentScripts(opts); err == nil {
			out = injectBefore(out, []string{"</body>", "</head>"}, block)
		}
	}

	if interceptor, err := renderInterceptor(opts); err == nil {
		out = injectBefore(out, []string{"</head>"}, interceptor)
	}
	return out
}

// RewriteURLs rewrites absolute attribute URLs and quoted relative ones resolved against base.
func RewriteURLs(html string, base *url.URL, proxyOrigin, proxyPath string) string {
	return attrRegex.ReplaceAllStringFunc(html, func(match string) string {
		idx := attrRegex.FindStringSubmatchIndex(match)
		attr := match[idx[2]:idx[3]]

		var value, quote string
		switch {
		case idx[4] != -1:
			value, quote = match[idx[4]:idx[5]], `"`
		case idx[6] != -1:
			value, quote = match[idx[6]:idx[7]], `'`
		default:
			value = match[idx[8]:idx[9]]
		}

		target, ok := resolveTarget(value, quote != "", base)
		if !ok {
			return match
		}
		return attr + "=" + quote + ProxyURL(proxyOrigin, proxyPath, target) + quote
	})
}

// ProxyURL builds the proxy-relative form of target.
func ProxyURL(proxyOrigin, proxyPath, target string) string {
	return proxyOrigin + proxyPath + "?" + ProxyParam + "=" + url.QueryEscape(target)
}

// IsCheckoutHost reports whether host is the checkout host or one of its subdomains.
func IsCheckoutHost(host, checkoutHost string) bool {
	if host == "" || checkoutHost == "" {
		return false
	}
	host = strings.ToLower(host)
	checkoutHost = strings.ToLower(checkoutHost)
	return host == checkoutHost || strings.HasSuffix(host, "."+checkoutHost)
}

func resolveTarget(value string, quoted bool, base *url.URL) (string, bool) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", false
	}
	if absoluteRegex.MatchString(trimmed) {
		return trimmed, true
	}
	// Bare relative values are too ambiguous (e.g. meta refresh content) to touch.
	if !quoted || base == nil {
		return "", false
	}
	lower := strings.ToLower(trimmed)
	for _, prefix := range skipPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return "", false
		}
	}
	ref, err := url.Parse(trimmed)
	if err != nil {
		return "", false
	}
	return base.ResolveReference(ref).String(), true
}

// injectBefore inserts snippet before the last occurrence of the first tag found.
// Documents without any of the tags are returned unchanged.
func injectBefore(html string, tags []string, snippet string) string {
	lower := asciiLower(html)
	for _, tag := range tags {
		if idx := strings.LastIndex(lower, tag); idx >= 0 {
			return html[:idx] + snippet + html[idx:]
		}
	}
	return html
}

// asciiLower lowercases A-Z only, so byte offsets stay valid for the original.
func asciiLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if 'A' <= c && c <= 'Z' {
			b[i] = c + 'a' - 'A'
		}
	}
	return string(b)
}
