package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

var (
	// ErrRedirectNotFound means the checkout answered without the expected
	// JavaScript redirect, i.e. its markup changed under us.
	ErrRedirectNotFound = errors.New("redirect URL not found in checkout response")
	// ErrCheckoutUnavailable is returned while the circuit breaker is open.
	ErrCheckoutUnavailable = errors.New("checkout temporarily unavailable")
)

// maxCheckoutBody caps how much of the checkout response is scanned.
const maxCheckoutBody = 2 << 20

// CheckoutRequest is the form submitted to the hosted checkout.
type CheckoutRequest struct {
	Amount    float64
	Currency  string
	FirstName string
	TxRef     string
}

// CheckoutClient submits hosted checkout forms server to server
type CheckoutClient struct {
	checkoutURL string
	subaccount  string
	httpClient  *http.Client
	breaker     *CircuitBreaker
	logger      *zap.Logger
}

// NewCheckoutClient creates a checkout client. The breaker opens after 5
// consecutive failures and retries after 30 seconds.
func NewCheckoutClient(checkoutURL, subaccount string, timeout time.Duration, logger *zap.Logger) *CheckoutClient {
	return &CheckoutClient{
		checkoutURL: checkoutURL,
		subaccount:  subaccount,
		httpClient:  &http.Client{Timeout: timeout},
		breaker:     NewCircuitBreaker(5, 30*time.Second),
		logger:      logger,
	}
}

// Initiate posts the checkout form and returns the redirect URL found in the
// response markup. It does not retry.
func (c *CheckoutClient) Initiate(ctx context.Context, req CheckoutRequest) (string, error) {
	if !c.breaker.Allow() {
		return "", ErrCheckoutUnavailable
	}

	form := url.Values{}
	form.Set("amount", strconv.FormatFloat(req.Amount, 'f', -1, 64))
	form.Set("currency", req.Currency)
	form.Set("first_name", req.FirstName)
	form.Set("tx_ref", req.TxRef)
	if c.subaccount != "" {
		form.Set("subaccount", c.subaccount)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.checkoutURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("Accept", "text/html")

	c.logger.Debug("Submitting checkout form",
		zap.String("url", c.checkoutURL),
		zap.String("tx_ref", req.TxRef),
		zap.Float64("amount", req.Amount),
	)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.breaker.RecordFailure()
		return "", fmt.Errorf("checkout request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		c.breaker.RecordFailure()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("checkout returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	c.breaker.RecordSuccess()

	redirect, ok := ExtractRedirect(io.LimitReader(resp.Body, maxCheckoutBody))
	if !ok {
		return "", fmt.Errorf("%w (status %d)", ErrRedirectNotFound, resp.StatusCode)
	}
	return redirect, nil
}

// redirectRegex matches window.location.href='...' with either quote style.
var redirectRegex = regexp.MustCompile(`window\.location\.href\s*=\s*(?:'([^']*)'|"([^"]*)")`)

// ExtractRedirect returns the first window.location.href assignment in the
// response. Script text is searched first; the rest of the body (bare JS,
// event handler attributes) is the fallback.
func ExtractRedirect(r io.Reader) (string, bool) {
	body, err := io.ReadAll(r)
	if err != nil && len(body) == 0 {
		return "", false
	}
	if target, ok := scriptRedirect(body); ok {
		return target, true
	}
	for _, m := range redirectRegex.FindAllSubmatch(body, -1) {
		if target := redirectTarget(m); target != "" {
			return target, true
		}
	}
	return "", false
}

func scriptRedirect(body []byte) (string, bool) {
	z := html.NewTokenizer(bytes.NewReader(body))
	inScript := false
	for {
		switch z.Next() {
		case html.ErrorToken:
			return "", false
		case html.StartTagToken:
			name, _ := z.TagName()
			inScript = atom.Lookup(name) == atom.Script
		case html.EndTagToken:
			inScript = false
		case html.TextToken:
			if !inScript {
				continue
			}
			for _, m := range redirectRegex.FindAllSubmatch(z.Text(), -1) {
				if target := redirectTarget(m); target != "" {
					return target, true
				}
			}
		}
	}
}

func redirectTarget(m [][]byte) string {
	if m[2] != nil {
		return string(m[2])
	}
	return string(m[1])
}

// Probe checks that the checkout host is reachable
func (c *CheckoutClient) Probe(ctx context.Context) Health {
	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	req, err := http.NewRequestWithContext(checkCtx, http.MethodHead, c.checkoutURL, nil)
	if err != nil {
		return Health{
			Status:      "down",
			Message:     fmt.Sprintf("Failed to create request: %v", err),
			LastChecked: time.Now().UTC().Format(time.RFC3339),
		}
	}

	resp, err := c.httpClient.Do(req)
	latency := time.Since(start)
	latencyStr := latency.String()
	if err != nil {
		c.logger.Warn("Checkout health check failed",
			zap.Error(err),
			zap.String("checkout_url", c.checkoutURL),
		)
		return Health{
			Status:      "down",
			Message:     fmt.Sprintf("Unreachable: %v", err),
			LastChecked: time.Now().UTC().Format(time.RFC3339),
		}
	}
	resp.Body.Close()

	// Any response counts as reachable; only latency and the breaker degrade it.
	status, message := "up", "Reachable"
	if latency > 2*time.Second {
		status, message = "degraded", "Slow response time"
	}
	if c.breaker.State() == string(breakerOpen) {
		status, message = "degraded", "Circuit breaker open"
	}
	return Health{
		Status:      status,
		Latency:     &latencyStr,
		Message:     message,
		LastChecked: time.Now().UTC().Format(time.RFC3339),
	}
}
