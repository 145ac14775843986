// Package config provides application configuration loaded from environment variables.
// Use the package-level Get() function to obtain the singleton Config instance.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"
)

// ──────────────────────────────────────────────────────────────────────────────
// Sub-config structs
// ──────────────────────────────────────────────────────────────────────────────

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port         string        // e.g. "8080"
	Env          string        // "development" | "production"
	ReadTimeout  time.Duration // default 10s
	WriteTimeout time.Duration // default 10s
}

// DBConfig holds PostgreSQL connection settings.
type DBConfig struct {
	DSN             string        // full postgres DSN
	MaxOpenConns    int           // default 25
	MaxIdleConns    int           // default 10
	ConnMaxLifetime time.Duration // default 5m
}

// JWTConfig holds admin-token signing settings.
type JWTConfig struct {
	AccessSecret string        // must be set
	AccessTTL    time.Duration // default 15m
}

// MpesaConfig holds Daraja B2C API settings.
type MpesaConfig struct {
	Production         bool          // false = sandbox endpoints
	BaseURL            string        // derived from Production unless overridden
	ConsumerKey        string
	ConsumerSecret     string
	InitiatorName      string        // default "testapi"
	InitiatorPassword  string        // raw initiator password, encrypted at boot
	CertPath           string        // provider public certificate (PEM) for the encryption
	SecurityCredential string        // pre-encrypted initiator password (base64); wins over InitiatorPassword
	Shortcode          string        // paybill / org shortcode, default "600000"
	CallbackURL        string        // where Daraja posts B2C results
	RequestTimeout     time.Duration // default 30s
	TokenMaxAge        time.Duration // refresh window, default 59m (provider TTL is 60m)
	UseMock            bool          // true = in-process mock gateway
}

// SettlementConfig holds payout-pipeline policy settings.
type SettlementConfig struct {
	FeeRate        float64       // pari-mutuel platform fee, e.g. 0.05 = 5%
	MinPayout      float64       // payouts under this are not disbursed (KES)
	MaxAttempts    int           // settlement retries before fatal alert, default 3
	RetryBaseDelay time.Duration // first settlement retry delay, doubles per attempt
}

// QueueConfig holds background task-queue settings.
type QueueConfig struct {
	Workers           int           // concurrent task workers, default 4
	DispatchAttempts  int           // gateway dispatch attempts, default 5
	DispatchBaseDelay time.Duration // first dispatch retry delay, doubles per attempt
}

// RetryConfig holds the periodic sweep settings.
type RetryConfig struct {
	WindowHours int           // retry FAILED payouts created in the trailing window
	StuckAfter  time.Duration // re-enqueue PENDING payouts unacked for this long
}

// ──────────────────────────────────────────────────────────────────────────────
// Top-level Config
// ──────────────────────────────────────────────────────────────────────────────

// Config is the root configuration object for the entire application.
type Config struct {
	Server     ServerConfig
	DB         DBConfig
	JWT        JWTConfig
	Mpesa      MpesaConfig
	Settlement SettlementConfig
	Queue      QueueConfig
	Retry      RetryConfig
}

// IsProd returns true when running in the production environment.
func (c *Config) IsProd() bool {
	return c.Server.Env == "production"
}

// Validate checks that all required configuration values are present and valid.
// Returns all validation errors joined together.
func (c *Config) Validate() error {
	var errs []error

	if c.JWT.AccessSecret == "" {
		errs = append(errs, errors.New("JWT_ACCESS_SECRET must be set"))
	}

	if c.IsProd() && c.DB.DSN == "" {
		errs = append(errs, errors.New("DATABASE_DSN must be set in production"))
	}

	if !c.Mpesa.UseMock {
		if c.Mpesa.ConsumerKey == "" || c.Mpesa.ConsumerSecret == "" {
			errs = append(errs, errors.New("MPESA_CONSUMER_KEY and MPESA_CONSUMER_SECRET must be set unless MPESA_USE_MOCK=true"))
		}
		if c.Mpesa.CallbackURL == "" {
			errs = append(errs, errors.New("MPESA_CALLBACK_URL must be set unless MPESA_USE_MOCK=true"))
		}
		if c.Mpesa.SecurityCredential == "" && (c.Mpesa.InitiatorPassword == "" || c.Mpesa.CertPath == "") {
			errs = append(errs, errors.New("either MPESA_SECURITY_CREDENTIAL or MPESA_INITIATOR_PASSWORD plus MPESA_CERT_PATH must be set unless MPESA_USE_MOCK=true"))
		}
	}

	if c.Settlement.FeeRate < 0 || c.Settlement.FeeRate >= 1 {
		errs = append(errs, fmt.Errorf(
			"SETTLEMENT_FEE_RATE must be in [0, 1), got %.4f", c.Settlement.FeeRate))
	}
	if c.Settlement.MinPayout < 0 {
		errs = append(errs, fmt.Errorf(
			"SETTLEMENT_MIN_PAYOUT must be non-negative, got %.2f", c.Settlement.MinPayout))
	}
	if c.Settlement.MaxAttempts < 1 {
		errs = append(errs, errors.New("SETTLEMENT_MAX_ATTEMPTS must be at least 1"))
	}
	if c.Queue.Workers < 1 {
		errs = append(errs, errors.New("QUEUE_WORKERS must be at least 1"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Singleton
// ──────────────────────────────────────────────────────────────────────────────

var (
	instance *Config
	once     sync.Once
	loadErr  error
)

// Get returns the singleton Config, loading it once from environment variables.
// Panics if loading fails — call this early in main() to catch misconfigurations
// at startup.
func Get() *Config {
	once.Do(func() {
		instance, loadErr = load()
	})
	if loadErr != nil {
		panic(fmt.Sprintf("config: failed to load: %v", loadErr))
	}
	return instance
}

// MustLoad loads and validates configuration. Intended for use in main().
// Panics on any error so misconfiguration is caught immediately at boot.
func MustLoad() *Config {
	cfg := Get()
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("config: validation failed: %v", err))
	}
	return cfg
}

// ──────────────────────────────────────────────────────────────────────────────
// Internal loader
// ──────────────────────────────────────────────────────────────────────────────

const (
	sandboxBaseURL = "https://sandbox.safaricom.co.ke"
	prodBaseURL    = "https://api.safaricom.co.ke"
)

func load() (*Config, error) {
	cfg := &Config{}

	// ── Server ────────────────────────────────────────────────────────────────
	cfg.Server = ServerConfig{
		Port:         getEnv("SERVER_PORT", "8080"),
		Env:          getEnv("ENVIRONMENT", "development"),
		ReadTimeout:  getDuration("SERVER_READ_TIMEOUT", 10*time.Second),
		WriteTimeout: getDuration("SERVER_WRITE_TIMEOUT", 10*time.Second),
	}

	// ── Database ──────────────────────────────────────────────────────────────
	dsn := os.Getenv("DATABASE_DSN")
	if dsn == "" {
		// Build DSN from individual components for convenience in dev
		dsn = fmt.Sprintf(
			"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
			getEnv("DB_HOST", "localhost"),
			getEnv("DB_PORT", "5432"),
			getEnv("DB_USER", "postgres"),
			getEnv("DB_PASSWORD", ""),
			getEnv("DB_NAME", "kasoko_settlement"),
			getEnv("DB_SSLMODE", "disable"),
		)
	}

	maxOpen, err := getInt("DB_MAX_OPEN_CONNS", 25)
	if err != nil {
		return nil, fmt.Errorf("DB_MAX_OPEN_CONNS: %w", err)
	}
	maxIdle, err := getInt("DB_MAX_IDLE_CONNS", 10)
	if err != nil {
		return nil, fmt.Errorf("DB_MAX_IDLE_CONNS: %w", err)
	}

	cfg.DB = DBConfig{
		DSN:             dsn,
		MaxOpenConns:    maxOpen,
		MaxIdleConns:    maxIdle,
		ConnMaxLifetime: getDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
	}

	// ── JWT ───────────────────────────────────────────────────────────────────
	cfg.JWT = JWTConfig{
		AccessSecret: getEnv("JWT_ACCESS_SECRET", ""),
		AccessTTL:    getDuration("JWT_ACCESS_TTL", 15*time.Minute),
	}

	// ── M-Pesa / Daraja ───────────────────────────────────────────────────────
	production := getBool("MPESA_PRODUCTION", false)
	baseURL := os.Getenv("MPESA_BASE_URL")
	if baseURL == "" {
		if production {
			baseURL = prodBaseURL
		} else {
			baseURL = sandboxBaseURL
		}
	}
	cfg.Mpesa = MpesaConfig{
		Production:         production,
		BaseURL:            baseURL,
		ConsumerKey:        getEnv("MPESA_CONSUMER_KEY", ""),
		ConsumerSecret:     getEnv("MPESA_CONSUMER_SECRET", ""),
		InitiatorName:      getEnv("MPESA_INITIATOR_NAME", "testapi"),
		InitiatorPassword:  getEnv("MPESA_INITIATOR_PASSWORD", ""),
		CertPath:           getEnv("MPESA_CERT_PATH", ""),
		SecurityCredential: getEnv("MPESA_SECURITY_CREDENTIAL", ""),
		Shortcode:          getEnv("MPESA_PAYBILL", "600000"),
		CallbackURL:        getEnv("MPESA_CALLBACK_URL", ""),
		RequestTimeout:     getDuration("MPESA_REQUEST_TIMEOUT", 30*time.Second),
		TokenMaxAge:        getDuration("MPESA_TOKEN_MAX_AGE", 59*time.Minute),
		UseMock:            getBool("MPESA_USE_MOCK", !production),
	}

	// ── Settlement policy ─────────────────────────────────────────────────────
	feeRate, err := getFloat("SETTLEMENT_FEE_RATE", 0.05)
	if err != nil {
		return nil, fmt.Errorf("SETTLEMENT_FEE_RATE: %w", err)
	}
	minPayout, err := getFloat("SETTLEMENT_MIN_PAYOUT", 10)
	if err != nil {
		return nil, fmt.Errorf("SETTLEMENT_MIN_PAYOUT: %w", err)
	}
	maxAttempts, err := getInt("SETTLEMENT_MAX_ATTEMPTS", 3)
	if err != nil {
		return nil, fmt.Errorf("SETTLEMENT_MAX_ATTEMPTS: %w", err)
	}
	cfg.Settlement = SettlementConfig{
		FeeRate:        feeRate,
		MinPayout:      minPayout,
		MaxAttempts:    maxAttempts,
		RetryBaseDelay: getDuration("SETTLEMENT_RETRY_BASE_DELAY", 5*time.Second),
	}

	// ── Queue ─────────────────────────────────────────────────────────────────
	workers, err := getInt("QUEUE_WORKERS", 4)
	if err != nil {
		return nil, fmt.Errorf("QUEUE_WORKERS: %w", err)
	}
	dispatchAttempts, err := getInt("QUEUE_DISPATCH_ATTEMPTS", 5)
	if err != nil {
		return nil, fmt.Errorf("QUEUE_DISPATCH_ATTEMPTS: %w", err)
	}
	cfg.Queue = QueueConfig{
		Workers:           workers,
		DispatchAttempts:  dispatchAttempts,
		DispatchBaseDelay: getDuration("QUEUE_DISPATCH_BASE_DELAY", 2*time.Minute),
	}

	// ── Retry sweeps ──────────────────────────────────────────────────────────
	windowHours, err := getInt("RETRY_WINDOW_HOURS", 24)
	if err != nil {
		return nil, fmt.Errorf("RETRY_WINDOW_HOURS: %w", err)
	}
	cfg.Retry = RetryConfig{
		WindowHours: windowHours,
		StuckAfter:  getDuration("RETRY_STUCK_AFTER", 15*time.Minute),
	}

	return cfg, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Helper functions
// ──────────────────────────────────────────────────────────────────────────────

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q", v)
	}
	return n, nil
}

func getFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float %q", v)
	}
	return f, nil
}

func getBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

// getDuration parses an env var as a Go duration string (e.g. "15m", "2s").
// Falls back to defaultVal if the variable is unset or empty.
func getDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
