package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"subzz/internal/rewriter"
)

func proxyPathFor(target string) string {
	return "/proxy?url=" + url.QueryEscape(target)
}

func TestHandleProxyValidation(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		name string
		path string
	}{
		{"missing url", "/proxy"},
		{"empty url", "/proxy?url="},
		{"non-http scheme", proxyPathFor("ftp://example.com/file")},
		{"relative target", proxyPathFor("/just/a/path")},
		{"javascript target", proxyPathFor("javascript:alert(1)")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, "GET", tt.path, nil)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
			if _, ok := decodeBody(t, w)["error"]; !ok {
				t.Error("expected error field")
			}
		})
	}
}

func TestHandleProxyRewritesHTML(t *testing.T) {
	var upstream *httptest.Server
	upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/start":
			http.Redirect(w, r, "/dir/page", http.StatusFound)
		case "/dir/page":
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("Content-Security-Policy", "frame-ancestors 'none'")
			w.Header().Set("X-Upstream", "yes")
			fmt.Fprint(w, `<html><head><title>pay</title></head><body>`+
				`<a href="next">next</a>`+
				`<img src="https://cdn.example.com/logo.png">`+
				`</body></html>`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer upstream.Close()

	env := newTestEnv(t)
	w := env.do(t, "GET", proxyPathFor(upstream.URL+"/start"), nil)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	for _, h := range []string{"X-Frame-Options", "Content-Security-Policy", "Content-Length"} {
		if v := w.Header().Get(h); v != "" {
			t.Errorf("%s = %q, want stripped", h, v)
		}
	}
	if v := w.Header().Get("X-Upstream"); v != "yes" {
		t.Errorf("X-Upstream = %q, want upstream header passed through", v)
	}
	if v := w.Header().Get("Access-Control-Allow-Origin"); v != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want *", v)
	}

	body := w.Body.String()
	origin := "http://example.com"
	wantRelative := rewriter.ProxyURL(origin, "/proxy", upstream.URL+"/dir/next")
	if !strings.Contains(body, wantRelative) {
		t.Errorf("relative link not resolved against final URL; want %q in %s", wantRelative, body)
	}
	wantAbsolute := rewriter.ProxyURL(origin, "/proxy", "https://cdn.example.com/logo.png")
	if !strings.Contains(body, wantAbsolute) {
		t.Errorf("absolute URL not rewritten; want %q in %s", wantAbsolute, body)
	}
	if !strings.Contains(body, `data-subzz="interceptor"`) {
		t.Error("interceptor script not injected")
	}
	if strings.Contains(body, `data-subzz="autofill"`) {
		t.Error("autofill script injected off the checkout host")
	}
}

func TestHandleProxyPaymentScripts(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><head></head><body><form><input name="amount"></form></body></html>`)
	}))
	defer upstream.Close()

	env := newTestEnv(t, func(c *SubzzConfig) { c.CheckoutHost = "127.0.0.1" })

	payment := url.QueryEscape(`{"amount":1000,"paymentId":"track-1"}`)
	w := env.do(t, "GET", proxyPathFor(upstream.URL+"/checkout")+"&paymentData="+payment, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	body := w.Body.String()
	for _, want := range []string{`data-subzz="autofill"`, `data-subzz="iframe-watch"`, `"track-1"`, "http://example.com/pay/track"} {
		if !strings.Contains(body, want) {
			t.Errorf("response missing %q", want)
		}
	}

	// Malformed paymentData only disables auto-fill.
	w = env.do(t, "GET", proxyPathFor(upstream.URL+"/checkout")+"&paymentData=%7Bnot-json", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if strings.Contains(w.Body.String(), `data-subzz="autofill"`) {
		t.Error("autofill injected for malformed paymentData")
	}
}

func TestHandleProxyForwardsRequest(t *testing.T) {
	type echo struct {
		Method         string `json:"method"`
		Body           string `json:"body"`
		Origin         string `json:"origin"`
		Host           string `json:"host"`
		Custom         string `json:"custom"`
		AcceptEncoding string `json:"accept_encoding"`
		Cookie         string `json:"cookie"`
	}
	var upstream *httptest.Server
	upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Access-Control-Allow-Origin", "https://only.example")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(echo{
			Method:         r.Method,
			Body:           string(body),
			Origin:         r.Header.Get("Origin"),
			Host:           r.Host,
			Custom:         r.Header.Get("X-Custom"),
			AcceptEncoding: r.Header.Get("Accept-Encoding"),
			Cookie:         r.Header.Get("Cookie"),
		})
	}))
	defer upstream.Close()

	env := newTestEnv(t)
	req := httptest.NewRequest("POST", "/proxy?proxyUrl="+url.QueryEscape(upstream.URL+"/api/verify"), strings.NewReader(`{"tx_ref":"abc"}`))
	req.Header.Set("X-Custom", "kept")
	req.Header.Set("Accept-Encoding", "br")
	req.Header.Set("Cookie", "session=1")
	req.Header.Set("Origin", "http://example.com")
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want upstream 201", w.Code)
	}
	if v := w.Header().Get("Access-Control-Allow-Origin"); v != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want * over upstream value", v)
	}

	var got echo
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("non-HTML body should pass through unchanged: %v (%s)", err, w.Body.String())
	}
	u, _ := url.Parse(upstream.URL)
	if got.Method != "POST" || got.Body != `{"tx_ref":"abc"}` {
		t.Errorf("upstream saw %s %q, want POST with body", got.Method, got.Body)
	}
	if got.Origin != upstream.URL {
		t.Errorf("Origin = %q, want %q", got.Origin, upstream.URL)
	}
	if got.Host != u.Host {
		t.Errorf("Host = %q, want %q", got.Host, u.Host)
	}
	if got.Custom != "kept" || got.Cookie != "session=1" {
		t.Errorf("custom headers not forwarded: %+v", got)
	}
	if got.AcceptEncoding == "br" {
		t.Error("client Accept-Encoding should not be forwarded")
	}
}

func TestHandleProxyRedirectLimit(t *testing.T) {
	var hits int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&hits, 1)
		http.Redirect(w, r, fmt.Sprintf("/hop/%d", n), http.StatusFound)
	}))
	defer upstream.Close()

	env := newTestEnv(t)
	w := env.do(t, "GET", proxyPathFor(upstream.URL+"/hop/0"), nil)

	if w.Code != http.StatusFound {
		t.Errorf("status = %d, want the last 302 returned as-is", w.Code)
	}
	if n := atomic.LoadInt32(&hits); n != maxProxyRedirects {
		t.Errorf("upstream hits = %d, want %d", n, maxProxyRedirects)
	}
}

func TestHandleProxyUpstreamErrorStatus(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, "maintenance")
	}))
	defer upstream.Close()

	env := newTestEnv(t)
	w := env.do(t, "GET", proxyPathFor(upstream.URL), nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want upstream 503", w.Code)
	}
	if w.Body.String() != "maintenance" {
		t.Errorf("body = %q, want upstream body", w.Body.String())
	}
}

func TestHandleProxyNetworkError(t *testing.T) {
	env := newTestEnv(t)
	target := "http://127.0.0.1:1/unreachable"
	w := env.do(t, "GET", proxyPathFor(target), nil)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	var resp proxyErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Error == "" {
		t.Error("expected error message")
	}
	if resp.Details.Kind != "network" || resp.Details.Method != "GET" || resp.Details.URL != target {
		t.Errorf("details = %+v, want network failure for GET %s", resp.Details, target)
	}
	if resp.Details.Message == "" {
		t.Error("expected details.message")
	}
}

func TestHandleProxyTimeout(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer upstream.Close()

	env := newTestEnv(t, func(c *SubzzConfig) { c.ProxyTimeout = 50 * time.Millisecond })
	w := env.do(t, "GET", proxyPathFor(upstream.URL), nil)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	var resp proxyErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Details.Kind != "timeout" {
		t.Errorf("kind = %q, want timeout", resp.Details.Kind)
	}
}

func TestHandleProxyClientCancel(t *testing.T) {
	started := make(chan struct{})
	cancelled := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		select {
		case <-r.Context().Done():
			close(cancelled)
		case <-time.After(2 * time.Second):
		}
	}))
	defer upstream.Close()

	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest("GET", proxyPathFor(upstream.URL), nil).WithContext(ctx)

	done := make(chan struct{})
	go func() {
		env.handler.ServeHTTP(httptest.NewRecorder(), req)
		close(done)
	}()

	<-started
	cancel()

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Error("upstream request was not cancelled with the client")
	}
	<-done
}

func TestClassifyProxyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"dns", &url.Error{Op: "Get", URL: "http://nowhere.invalid", Err: &net.DNSError{Err: "no such host", Name: "nowhere.invalid"}}, "dns"},
		{"deadline", fmt.Errorf("wrapped: %w", context.DeadlineExceeded), "timeout"},
		{"net timeout", &net.OpError{Op: "dial", Err: timeoutErr{}}, "timeout"},
		{"refused", errors.New("connection refused"), "network"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifyProxyError(tt.err); got != tt.want {
				t.Errorf("classifyProxyError() = %q, want %q", got, tt.want)
			}
		})
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestIsHTML(t *testing.T) {
	tests := []struct {
		contentType string
		want        bool
	}{
		{"text/html", true},
		{"text/html; charset=utf-8", true},
		{"TEXT/HTML", true},
		{"application/json", false},
		{"text/plain", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := isHTML(tt.contentType); got != tt.want {
			t.Errorf("isHTML(%q) = %v, want %v", tt.contentType, got, tt.want)
		}
	}
}

func TestHandleProxyOversizedHTMLPassesThrough(t *testing.T) {
	page := `<html><head></head><body><a href="https://cdn.example.com/a">a</a>` + strings.Repeat("x", 256) + `</body></html>`
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, page)
	}))
	defer upstream.Close()

	saved := maxRewriteBody
	maxRewriteBody = 64
	defer func() { maxRewriteBody = saved }()

	env := newTestEnv(t)
	w := env.do(t, "GET", proxyPathFor(upstream.URL), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if w.Body.String() != page {
		t.Errorf("body length = %d, want the complete %d byte page unmodified", w.Body.Len(), len(page))
	}
}

func TestHandleProxyBodyReadFailureKeepsUpstreamStatus(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Header().Set("Content-Length", "4096")
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprint(w, "<html><body>partial")
		w.(http.Flusher).Flush()
		panic(http.ErrAbortHandler)
	}))
	defer upstream.Close()

	env := newTestEnv(t)
	w := env.do(t, "GET", proxyPathFor(upstream.URL), nil)

	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want upstream 502", w.Code)
	}
	var resp proxyErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v (%s)", err, w.Body.String())
	}
	if resp.Details.Kind != "http" {
		t.Errorf("kind = %q, want http", resp.Details.Kind)
	}
}
