package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"subzz/internal/rewriter"
)

const (
	proxyPath         = "/proxy"
	trackPath         = "/pay/track"
	maxProxyRedirects = 5
)

// maxRewriteBody caps HTML bodies buffered for rewriting; larger ones pass through.
var maxRewriteBody int64 = 10 << 20

// requestDenyHeaders are never forwarded upstream. Accept-Encoding is dropped
// so the transport negotiates compression and hands us decoded bodies.
var requestDenyHeaders = map[string]bool{
	"Host":              true,
	"Connection":        true,
	"Content-Length":    true,
	"Transfer-Encoding": true,
	"Accept-Encoding":   true,
}

// responseDenyHeaders are stripped from upstream responses. The framing
// headers would prevent the checkout from rendering inside our iframe.
var responseDenyHeaders = map[string]bool{
	"Connection":                          true,
	"Keep-Alive":                          true,
	"Content-Length":                      true,
	"Content-Encoding":                    true,
	"Transfer-Encoding":                   true,
	"X-Frame-Options":                     true,
	"Content-Security-Policy":             true,
	"Content-Security-Policy-Report-Only": true,
}

// ProxyErrorDetails describes why an upstream fetch failed
type ProxyErrorDetails struct {
	Method  string `json:"method"`
	URL     string `json:"url"`
	Kind    string `json:"kind"` // "network", "timeout", "dns", "http"
	Message string `json:"message"`
}

type proxyErrorResponse struct {
	Error   string            `json:"error"`
	Details ProxyErrorDetails `json:"details"`
}

func newProxyClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxProxyRedirects {
				return http.ErrUseLastResponse
			}
			return nil
		},
	}
}

// handleProxy forwards any request to the url/proxyUrl target and rewrites HTML responses.
//
// Observed HTTP behaviors:
//   - upstream status and body, with text/html rewritten.
//   - 400: missing or non-http(s) target.
//   - 500: upstream could not be reached or read; body carries details.
//     A body read failure on an upstream 4xx/5xx keeps that status.
func (s *SubzzServer) handleProxy(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	target := q.Get("url")
	if target == "" {
		target = q.Get(rewriter.ProxyParam)
	}
	if target == "" {
		proxyRequests.WithLabelValues("bad_request").Inc()
		writeError(w, http.StatusBadRequest, "Missing url parameter")
		return
	}
	targetURL, err := url.Parse(target)
	if err != nil || (targetURL.Scheme != "http" && targetURL.Scheme != "https") || targetURL.Host == "" {
		proxyRequests.WithLabelValues("bad_request").Inc()
		writeError(w, http.StatusBadRequest, "Invalid url parameter")
		return
	}

	payment := s.parsePaymentData(q.Get("paymentData"))

	ctx, cancel := context.WithTimeout(r.Context(), s.config.ProxyTimeout)
	defer cancel()

	var body io.Reader
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		body = r.Body
	}
	upstreamReq, err := http.NewRequestWithContext(ctx, r.Method, targetURL.String(), body)
	if err != nil {
		s.writeProxyError(w, http.StatusInternalServerError, r.Method, target, "network", err)
		return
	}
	for name, values := range r.Header {
		if requestDenyHeaders[http.CanonicalHeaderKey(name)] {
			continue
		}
		for _, v := range values {
			upstreamReq.Header.Add(name, v)
		}
	}
	upstreamReq.Host = targetURL.Host
	upstreamReq.Header.Set("Origin", targetURL.Scheme+"://"+targetURL.Host)
	if r.ContentLength > 0 {
		upstreamReq.ContentLength = r.ContentLength
	}

	resp, err := s.proxyClient.Do(upstreamReq)
	if err != nil {
		s.writeProxyError(w, http.StatusInternalServerError, r.Method, target, classifyProxyError(err), err)
		return
	}
	defer resp.Body.Close()

	header := w.Header()
	for name, values := range resp.Header {
		if responseDenyHeaders[http.CanonicalHeaderKey(name)] {
			continue
		}
		header[name] = values
	}
	setCORSHeaders(header)

	if !isHTML(resp.Header.Get("Content-Type")) || r.Method == http.MethodHead {
		proxyRequests.WithLabelValues("passthrough").Inc()
		w.WriteHeader(resp.StatusCode)
		io.Copy(w, resp.Body)
		return
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxRewriteBody+1))
	if err != nil {
		for name := range header {
			header.Del(name)
		}
		setCORSHeaders(header)
		status := http.StatusInternalServerError
		if resp.StatusCode >= http.StatusBadRequest {
			status = resp.StatusCode
		}
		s.writeProxyError(w, status, r.Method, target, "http", err)
		return
	}
	if int64(len(raw)) > maxRewriteBody {
		// Too large to buffer: relay it untouched rather than rewrite a truncated page.
		proxyRequests.WithLabelValues("oversized").Inc()
		s.logger.Warn("HTML response too large to rewrite", zap.String("url", target))
		w.WriteHeader(resp.StatusCode)
		w.Write(raw)
		io.Copy(w, resp.Body)
		return
	}

	origin := s.publicOrigin(r)
	rewritten := rewriter.Rewrite(string(raw), rewriter.Options{
		BaseURL:      resp.Request.URL.String(),
		ProxyOrigin:  origin,
		ProxyPath:    proxyPath,
		TrackURL:     origin + trackPath,
		CheckoutHost: s.config.CheckoutHost,
		Payment:      payment,
	})

	proxyRequests.WithLabelValues("rewritten").Inc()
	w.WriteHeader(resp.StatusCode)
	io.WriteString(w, rewritten)
}

// parsePaymentData decodes the optional paymentData query parameter.
// A malformed value only disables the auto-fill scripts.
func (s *SubzzServer) parsePaymentData(raw string) *rewriter.PaymentData {
	if raw == "" {
		return nil
	}
	var payment rewriter.PaymentData
	if err := json.Unmarshal([]byte(raw), &payment); err != nil {
		s.logger.Debug("Ignoring malformed paymentData", zap.Error(err))
		return nil
	}
	return &payment
}

func (s *SubzzServer) writeProxyError(w http.ResponseWriter, status int, method, target, kind string, err error) {
	proxyRequests.WithLabelValues(kind).Inc()
	s.logger.Warn("Proxy request failed",
		zap.String("method", method),
		zap.String("url", target),
		zap.String("kind", kind),
		zap.Error(err),
	)
	writeJSON(w, status, proxyErrorResponse{
		Error: "Proxy request failed",
		Details: ProxyErrorDetails{
			Method:  method,
			URL:     target,
			Kind:    kind,
			Message: err.Error(),
		},
	})
}

// classifyProxyError reports whether a transport error came from DNS, a timeout or the network.
func classifyProxyError(err error) string {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "dns"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	return "network"
}

func isHTML(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.HasPrefix(strings.ToLower(strings.TrimSpace(contentType)), "text/html")
	}
	return mediaType == "text/html"
}
