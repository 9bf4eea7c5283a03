package main

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"subzz/internal/store"
)

// SubzzConfig holds all server configuration
type SubzzConfig struct {
	Port string
	// PublicBaseURL is the externally visible origin of this service. When
	// empty it is derived from each request's Host header.
	PublicBaseURL string

	DatabaseDriver string
	DatabaseURL    string

	// Checkout service (Chapa hosted payment page)
	CheckoutURL        string
	CheckoutHost       string
	CheckoutSubaccount string
	CheckoutCurrency   string
	CheckoutTimeout    time.Duration

	TokenSecret string
	TokenTTL    time.Duration

	TelegramBotToken string

	ProxyTimeout       time.Duration
	TrackingTTL        time.Duration
	TrackingMaxEntries int
	PriceCacheTTL      time.Duration
	CleanupInterval    time.Duration

	// Rate limiting configuration (per-IP)
	IPRateLimit  rate.Limit
	IPBurstLimit int
}

// loadConfig reads configuration from the environment. Unset values fall
// back to defaults; malformed values are errors.
func loadConfig() (*SubzzConfig, error) {
	config := &SubzzConfig{
		Port:               envString("PORT", "8080"),
		PublicBaseURL:      strings.TrimRight(os.Getenv("PUBLIC_BASE_URL"), "/"),
		DatabaseDriver:     envString("DATABASE_DRIVER", store.DriverSQLite),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		CheckoutURL:        envString("CHECKOUT_URL", "https://api.chapa.co/v1/hosted/pay"),
		CheckoutHost:       envString("CHECKOUT_HOST", "chapa.co"),
		CheckoutSubaccount: os.Getenv("CHECKOUT_SUBACCOUNT"),
		CheckoutCurrency:   envString("CHECKOUT_CURRENCY", "ETB"),
		TokenSecret:        os.Getenv("PAYMENT_TOKEN_SECRET"),
		TelegramBotToken:   os.Getenv("TELEGRAM_BOT_TOKEN"),
	}

	var err error
	if config.CheckoutTimeout, err = envSeconds("CHECKOUT_TIMEOUT_SECONDS", 15*time.Second); err != nil {
		return nil, err
	}
	if config.TokenTTL, err = envSeconds("PAYMENT_TOKEN_TTL_SECONDS", time.Hour); err != nil {
		return nil, err
	}
	if config.ProxyTimeout, err = envSeconds("PROXY_TIMEOUT_SECONDS", 30*time.Second); err != nil {
		return nil, err
	}
	if config.TrackingTTL, err = envSeconds("TRACKING_TTL_SECONDS", 30*time.Minute); err != nil {
		return nil, err
	}
	if config.PriceCacheTTL, err = envSeconds("PRICE_CACHE_TTL_SECONDS", time.Minute); err != nil {
		return nil, err
	}
	if config.CleanupInterval, err = envSeconds("CLEANUP_INTERVAL_SECONDS", 2*time.Minute); err != nil {
		return nil, err
	}
	if config.TrackingMaxEntries, err = envInt("TRACKING_MAX_ENTRIES", 10000); err != nil {
		return nil, err
	}

	// Default: 10 requests/second per IP with burst of 20
	ipRateLimit := 10.0
	if v := os.Getenv("IP_RATE_LIMIT"); v != "" {
		if _, err := fmt.Sscanf(v, "%f", &ipRateLimit); err != nil || ipRateLimit <= 0 {
			return nil, fmt.Errorf("invalid IP_RATE_LIMIT %q", v)
		}
	}
	config.IPRateLimit = rate.Limit(ipRateLimit)
	if config.IPBurstLimit, err = envInt("IP_BURST_LIMIT", 20); err != nil {
		return nil, err
	}

	if config.DatabaseDriver != store.DriverSQLite && config.DatabaseDriver != store.DriverPostgres {
		return nil, fmt.Errorf("DATABASE_DRIVER must be %q or %q, got %q", store.DriverSQLite, store.DriverPostgres, config.DatabaseDriver)
	}
	if u, err := url.Parse(config.CheckoutURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("invalid CHECKOUT_URL %q", config.CheckoutURL)
	}
	if config.PublicBaseURL != "" {
		if u, err := url.Parse(config.PublicBaseURL); err != nil || !u.IsAbs() {
			return nil, fmt.Errorf("PUBLIC_BASE_URL must be an absolute URL, got %q", config.PublicBaseURL)
		}
	}
	config.Port = ":" + strings.TrimPrefix(config.Port, ":")

	return config, nil
}

// requireTokenSecret reports a configuration error when no signing secret is set.
func (c *SubzzConfig) requireTokenSecret() error {
	if c.TokenSecret == "" {
		return fmt.Errorf("PAYMENT_TOKEN_SECRET environment variable not set")
	}
	return nil
}

func envString(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func envInt(name string, def int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s %q", name, v)
	}
	return n, nil
}

func envSeconds(name string, def time.Duration) (time.Duration, error) {
	n, err := envInt(name, int(def/time.Second))
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}
