package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"subzz/internal/paytoken"
	"subzz/internal/provision"
	"subzz/internal/store"
	"subzz/internal/tracking"
)

// IPRateLimiter manages per-IP rate limiters with automatic cleanup
type IPRateLimiter struct {
	limiters map[string]*rateLimiterEntry
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
}

type rateLimiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Maximum number of IP rate limiters kept in memory
const maxIPRateLimiters = 10000

// NewIPRateLimiter creates a new per-IP rate limiter
func NewIPRateLimiter(r rate.Limit, b int) *IPRateLimiter {
	return &IPRateLimiter{
		limiters: make(map[string]*rateLimiterEntry),
		rate:     r,
		burst:    b,
	}
}

// GetLimiter returns the rate limiter for the given IP, creating one if needed.
// At capacity the least recently seen IP is dropped first.
func (i *IPRateLimiter) GetLimiter(ip string) *rate.Limiter {
	i.mu.Lock()
	defer i.mu.Unlock()

	now := time.Now()
	if entry, ok := i.limiters[ip]; ok {
		entry.lastSeen = now
		return entry.limiter
	}

	if len(i.limiters) >= maxIPRateLimiters {
		var oldestIP string
		var oldest time.Time
		for candidate, entry := range i.limiters {
			if oldestIP == "" || entry.lastSeen.Before(oldest) {
				oldestIP, oldest = candidate, entry.lastSeen
			}
		}
		delete(i.limiters, oldestIP)
	}

	limiter := rate.NewLimiter(i.rate, i.burst)
	i.limiters[ip] = &rateLimiterEntry{limiter: limiter, lastSeen: now}
	return limiter
}

// Cleanup removes rate limiters that haven't been used within maxAge
func (i *IPRateLimiter) Cleanup(maxAge time.Duration) int {
	i.mu.Lock()
	defer i.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	cleaned := 0
	for ip, entry := range i.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(i.limiters, ip)
			cleaned++
		}
	}
	return cleaned
}

type breakerState string

const (
	breakerClosed   breakerState = "closed"
	breakerOpen     breakerState = "open"
	breakerHalfOpen breakerState = "half-open"
)

// CircuitBreaker stops calls to a failing dependency until resetTimeout has passed
type CircuitBreaker struct {
	mu              sync.Mutex
	failures        int
	lastFailure     time.Time
	state           breakerState
	threshold       int
	resetTimeout    time.Duration
	halfOpenMaxReqs int
	halfOpenReqs    int
}

// NewCircuitBreaker opens after threshold consecutive failures
func NewCircuitBreaker(threshold int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		threshold:       threshold,
		resetTimeout:    resetTimeout,
		state:           breakerClosed,
		halfOpenMaxReqs: 3,
	}
}

// Allow checks if a request should be allowed through
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case breakerClosed:
		return true
	case breakerOpen:
		if time.Since(cb.lastFailure) > cb.resetTimeout {
			cb.state = breakerHalfOpen
			cb.halfOpenReqs = 1
			return true
		}
		return false
	case breakerHalfOpen:
		if cb.halfOpenReqs < cb.halfOpenMaxReqs {
			cb.halfOpenReqs++
			return true
		}
		return false
	}
	return false
}

// RecordSuccess closes a half-open breaker and clears consecutive failures.
// A success reported while open is ignored.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case breakerHalfOpen:
		cb.state = breakerClosed
		cb.failures = 0
	case breakerClosed:
		cb.failures = 0
	}
}

// RecordFailure records a failed request
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailure = time.Now()
	if cb.state == breakerHalfOpen || cb.failures >= cb.threshold {
		cb.state = breakerOpen
	}
}

// State returns the current circuit breaker state
func (cb *CircuitBreaker) State() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return string(cb.state)
}

type tokenVerifier interface {
	Verify(token string) (*paytoken.Claims, error)
}

type dataStore interface {
	GetCreator(ctx context.Context, id string) (*store.Creator, error)
	ActiveSubscription(ctx context.Context, userID, creatorID string) (*store.Subscription, error)
	Ping(ctx context.Context) error
}

type subscriptionProvisioner interface {
	Provision(ctx context.Context, userID, creatorID string) (*provision.Result, error)
}

// serverDeps are the collaborators injected into the server.
type serverDeps struct {
	Tokens      tokenVerifier
	Store       dataStore
	Provisioner subscriptionProvisioner
}

// SubzzServer encapsulates all server state
type SubzzServer struct {
	config        *SubzzConfig
	logger        *zap.Logger
	tokens        tokenVerifier
	store         dataStore
	provisioner   subscriptionProvisioner
	tracking      *tracking.Store
	priceCache    *PriceCache
	checkout      *CheckoutClient
	proxyClient   *http.Client
	ipRateLimiter *IPRateLimiter
	shutdownChan  chan struct{}
	shutdownOnce  sync.Once
}

func newServer(config *SubzzConfig, logger *zap.Logger, deps serverDeps) *SubzzServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SubzzServer{
		config:      config,
		logger:      logger,
		tokens:      deps.Tokens,
		store:       deps.Store,
		provisioner: deps.Provisioner,
		tracking: tracking.NewStore(
			tracking.WithTTL(config.TrackingTTL),
			tracking.WithMaxEntries(config.TrackingMaxEntries),
		),
		priceCache:    NewPriceCache(config.PriceCacheTTL),
		checkout:      NewCheckoutClient(config.CheckoutURL, config.CheckoutSubaccount, config.CheckoutTimeout, logger),
		proxyClient:   newProxyClient(config.ProxyTimeout),
		ipRateLimiter: NewIPRateLimiter(config.IPRateLimit, config.IPBurstLimit),
		shutdownChan:  make(chan struct{}),
	}
}

// routes builds the HTTP handler. The proxy is not rate limited because a
// single checkout page load fans out into many asset requests. Event
// reporting is not limited either: it must always be acknowledged with 200.
func (s *SubzzServer) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.panicRecoveryMiddleware)
	r.Use(corsMiddleware)

	r.Get("/health", handleHealth)
	r.Get("/readiness", s.handleReadiness)
	r.Handle("/metrics", promhttp.Handler())

	r.Handle("/proxy", metricsMiddleware("proxy", http.HandlerFunc(s.handleProxy)))
	r.Get("/pay/bridge.js", handleBridgeScript)
	r.Method(http.MethodPost, "/pay/track", metricsMiddleware("track", http.HandlerFunc(s.handleTrack)))

	r.Group(func(r chi.Router) {
		r.Use(s.rateLimitMiddleware)
		r.Method(http.MethodPost, "/pay", metricsMiddleware("pay", http.HandlerFunc(s.handlePay)))
		r.Method(http.MethodGet, "/pay/track", metricsMiddleware("track_status", http.HandlerFunc(s.handleTrackStatus)))
		r.Method(http.MethodPost, "/verify-payment-token", metricsMiddleware("verify", http.HandlerFunc(s.handleVerifyPaymentToken)))
	})
	return r
}

// publicOrigin returns scheme://host under which clients reach this service.
func (s *SubzzServer) publicOrigin(r *http.Request) string {
	if s.config.PublicBaseURL != "" {
		return s.config.PublicBaseURL
	}
	scheme := "http"
	if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

// panicRecoveryMiddleware catches panics in HTTP handlers and logs them.
func (s *SubzzServer) panicRecoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				if err == http.ErrAbortHandler {
					panic(err)
				}
				panicsRecovered.Inc()
				s.logger.Error("panic recovered in HTTP handler",
					zap.Any("error", err),
					zap.String("path", r.URL.Path),
					zap.String("method", r.Method),
					zap.String("stack", string(debug.Stack())),
				)
				writeError(w, http.StatusInternalServerError, "Internal Server Error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware allows any origin and answers preflight requests directly.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setCORSHeaders(w.Header())
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func setCORSHeaders(h http.Header) {
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "*")
}

// metricsMiddleware wraps HTTP handlers with request metrics
func metricsMiddleware(endpoint string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		httpRequestsTotal.WithLabelValues(endpoint, r.Method, fmt.Sprintf("%d", rw.statusCode)).Inc()
		httpRequestDuration.WithLabelValues(endpoint, r.Method).Observe(time.Since(start).Seconds())
	})
}

// getClientIP extracts the real client IP, honouring proxy headers
func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if ip := strings.TrimSpace(strings.Split(xff, ",")[0]); ip != "" {
			return ip
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// rateLimitMiddleware applies per-IP token bucket rate limiting.
// Returns 429 Too Many Requests if the rate limit is exceeded for the client's IP.
func (s *SubzzServer) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientIP := getClientIP(r)
		if !s.ipRateLimiter.GetLimiter(clientIP).Allow() {
			rateLimitRejected.WithLabelValues(r.URL.Path).Inc()
			s.logger.Warn("Per-IP rate limit exceeded",
				zap.String("client_ip", clientIP),
				zap.String("endpoint", r.URL.Path),
			)
			writeError(w, http.StatusTooManyRequests, "Too Many Requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// HealthResponse is the readiness probe body
type HealthResponse struct {
	Status       string            `json:"status"` // "healthy", "degraded", "unhealthy"
	Timestamp    string            `json:"timestamp"`
	Version      string            `json:"version"`
	Uptime       string            `json:"uptime"`
	Dependencies map[string]Health `json:"dependencies"`
	Metrics      HealthMetrics     `json:"metrics"`
}

type Health struct {
	Status      string  `json:"status"` // "up", "down", "degraded"
	Latency     *string `json:"latency,omitempty"`
	Message     string  `json:"message,omitempty"`
	LastChecked string  `json:"last_checked"`
}

type HealthMetrics struct {
	TrackingEntries  int     `json:"tracking_entries"`
	TrackingCapacity int     `json:"tracking_capacity"`
	CapacityUsed     float64 `json:"capacity_used_percent"`
	CheckoutBreaker  string  `json:"checkout_breaker"`
}

var (
	serverStartTime = time.Now()
	appVersion      = "dev"
)

// GET /health - Liveness probe
func handleHealth(w http.ResponseWriter, r *http.Request) {
	healthChecks.WithLabelValues("liveness", "healthy").Inc()
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"uptime":    time.Since(serverStartTime).String(),
	})
}

// GET /readiness - Readiness probe (database, checkout reachability, tracking capacity)
func (s *SubzzServer) handleReadiness(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	deps := make(map[string]Health)
	overallStatus := "healthy"

	dbHealth := s.checkDatabase(ctx)
	deps["database"] = dbHealth
	if dbHealth.Status != "up" {
		overallStatus = "unhealthy"
	}

	checkoutHealth := s.checkout.Probe(ctx)
	deps["checkout"] = checkoutHealth
	if checkoutHealth.Status != "up" && overallStatus == "healthy" {
		overallStatus = "degraded"
	}

	entries := s.tracking.Len()
	capacity := s.tracking.Capacity()
	var capacityPercent float64
	if capacity > 0 {
		capacityPercent = float64(entries) / float64(capacity) * 100
	}
	capacityHealth := Health{
		Status:      "up",
		Message:     "Capacity available",
		LastChecked: time.Now().UTC().Format(time.RFC3339),
	}
	if capacityPercent >= 90 {
		// Full stores still accept events by evicting the stalest entry.
		capacityHealth.Status = "degraded"
		capacityHealth.Message = "Near capacity limit"
		if overallStatus == "healthy" {
			overallStatus = "degraded"
		}
	}
	deps["tracking_capacity"] = capacityHealth

	statusCode := http.StatusOK
	if overallStatus == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, HealthResponse{
		Status:       overallStatus,
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
		Version:      appVersion,
		Uptime:       time.Since(serverStartTime).String(),
		Dependencies: deps,
		Metrics: HealthMetrics{
			TrackingEntries:  entries,
			TrackingCapacity: capacity,
			CapacityUsed:     capacityPercent,
			CheckoutBreaker:  s.checkout.breaker.State(),
		},
	})

	healthChecks.WithLabelValues("readiness", overallStatus).Inc()
	for name, dep := range deps {
		var value float64
		switch dep.Status {
		case "up":
			value = 1.0
		case "degraded":
			value = 0.5
		}
		dependencyStatus.WithLabelValues(name).Set(value)
	}

	if overallStatus != "healthy" {
		s.logger.Warn("Readiness check failed",
			zap.String("status", overallStatus),
			zap.Any("dependencies", deps),
		)
	}
}

func (s *SubzzServer) checkDatabase(ctx context.Context) Health {
	checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	start := time.Now()
	err := s.store.Ping(checkCtx)
	latency := time.Since(start).String()
	if err != nil {
		return Health{
			Status:      "down",
			Message:     fmt.Sprintf("Ping failed: %v", err),
			LastChecked: time.Now().UTC().Format(time.RFC3339),
		}
	}
	return Health{
		Status:      "up",
		Latency:     &latency,
		Message:     "Reachable",
		LastChecked: time.Now().UTC().Format(time.RFC3339),
	}
}

// runCleanup periodically sweeps expired tracking entries, idle rate limiters
// and stale cached prices until shutdown.
func (s *SubzzServer) runCleanup() {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdownChan:
			s.logger.Info("Cleanup goroutine received shutdown signal")
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *SubzzServer) cleanup() {
	swept := s.tracking.CleanupExpired()
	remaining := s.tracking.Len()
	trackingEntriesGauge.Set(float64(remaining))
	if swept > 0 {
		trackingEntriesSwept.Add(float64(swept))
		s.logger.Info("Cleanup completed",
			zap.Int("tracking_removed", swept),
			zap.Int("tracking_remaining", remaining),
		)
	}

	if n := s.ipRateLimiter.Cleanup(10 * time.Minute); n > 0 {
		s.logger.Debug("Cleaned up stale IP rate limiters", zap.Int("count", n))
	}
	if n := s.priceCache.CleanupExpired(); n > 0 {
		s.logger.Debug("Cleaned up expired creator prices", zap.Int("count", n))
	}
}

// shutdown stops background work. Safe to call more than once.
func (s *SubzzServer) shutdown() {
	s.shutdownOnce.Do(func() { close(s.shutdownChan) })
}

// serve runs the HTTP server until SIGINT/SIGTERM, then drains it.
func (s *SubzzServer) serve() error {
	go s.runCleanup()
	defer s.shutdown()

	httpServer := &http.Server{
		Addr:        s.config.Port,
		Handler:     s.routes(),
		ReadTimeout: 30 * time.Second,
		// Proxied responses may take up to the proxy timeout to arrive.
		WriteTimeout: s.config.ProxyTimeout + 10*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.logger.Info("Subzz server starting",
		zap.String("port", s.config.Port),
		zap.String("public_base_url", s.config.PublicBaseURL),
		zap.String("checkout_url", s.config.CheckoutURL),
		zap.Duration("tracking_ttl", s.config.TrackingTTL),
		zap.Int("tracking_max_entries", s.config.TrackingMaxEntries),
		zap.Float64("ip_rate_limit", float64(s.config.IPRateLimit)),
		zap.Int("ip_burst_limit", s.config.IPBurstLimit),
	)
	s.logger.Info("Endpoints registered",
		zap.Strings("endpoints", []string{
			"ANY /proxy?url=TARGET - Checkout proxy with HTML rewriting",
			"POST /pay - Start a checkout",
			"POST /pay/track - Record a payment event",
			"GET /pay/track?trackingId=ID - Payment attempt status",
			"GET /pay/bridge.js - Parent window message dispatcher",
			"POST /verify-payment-token - Verify token / activate subscription",
			"GET /health - Liveness probe",
			"GET /readiness - Readiness probe",
			"GET /metrics - Prometheus metrics",
		}),
	)

	serverErr := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
		close(serverErr)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case sig := <-sigChan:
		s.logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	}

	s.shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("Server shutdown error", zap.Error(err))
	}
	<-serverErr

	s.logger.Info("Server shutdown complete")
	return nil
}
