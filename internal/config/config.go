package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the API process.
// All values must come from env (or env-file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App      AppConfig
	DB       DBConfig
	Redis    RedisConfig
	Auth     AuthConfig
	Provider ProviderConfig
	Dispatch DispatchConfig
}

type AppConfig struct {
	Env  string
	Port int
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// SSLMode is kept explicit for AWS-ready posture.
	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

type RedisConfig struct {
	Host string
	Port int
}

type AuthConfig struct {
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

// ProviderConfig is the outbound telephony provider account.
type ProviderConfig struct {
	AccountSID string
	AuthToken  string

	// BaseURL is the provider API root, e.g. https://example.signalwire.com/api/laml/2010-04-01
	BaseURL string

	// AnswerURL is fetched by the provider when the callee answers.
	AnswerURL string

	// CallbackBaseURL is this service's public base URL; the status webhook
	// path is appended to it.
	CallbackBaseURL string
}

// DispatchConfig bounds the dispatch engine. All optional; the engine
// applies safe defaults for zero values.
type DispatchConfig struct {
	MaxRepeatCount     int
	InterAttemptDelay  time.Duration
	MaxTalkTime        time.Duration
	WatchdogTimeout    time.Duration
	RetryAvoidWindow   time.Duration
	RingTimeoutSeconds int

	// ConcurrencyCap limits simultaneously running dispatch requests per
	// workspace (enforced via Redis).
	ConcurrencyCap int

	// DefaultDestination is the pricing bucket assumed when a dispatch
	// request does not name one.
	DefaultDestination string
}

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	{
		n, err := mustInt("DB_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))
	if c.DB.SSLMode == "" && !isProductionEnv(c.App.Env) {
		// Local-friendly default; production must be explicit.
		c.DB.SSLMode = "disable"
	}

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	{
		n, err := mustInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	// Duration env vars are optional; defaults applied below.
	c.Auth.AccessTokenTTL = optDuration("JWT_ACCESS_TTL", 15*time.Minute)
	c.Auth.RefreshTokenTTL = optDuration("JWT_REFRESH_TTL", 30*24*time.Hour)

	c.Provider.AccountSID = strings.TrimSpace(os.Getenv("PROVIDER_ACCOUNT_SID"))
	c.Provider.AuthToken = os.Getenv("PROVIDER_AUTH_TOKEN")
	c.Provider.BaseURL = strings.TrimSpace(os.Getenv("PROVIDER_BASE_URL"))
	c.Provider.AnswerURL = strings.TrimSpace(os.Getenv("PROVIDER_ANSWER_URL"))
	c.Provider.CallbackBaseURL = strings.TrimSpace(os.Getenv("PROVIDER_CALLBACK_BASE_URL"))

	c.Dispatch.MaxRepeatCount = optInt("DISPATCH_MAX_REPEAT", 10)
	c.Dispatch.InterAttemptDelay = optDuration("DISPATCH_INTER_ATTEMPT_DELAY", 5*time.Second)
	c.Dispatch.MaxTalkTime = optDuration("DISPATCH_MAX_TALK_TIME", 15*time.Second)
	c.Dispatch.WatchdogTimeout = optDuration("DISPATCH_WATCHDOG_TIMEOUT", 60*time.Second)
	c.Dispatch.RetryAvoidWindow = optDuration("DISPATCH_RETRY_AVOID_WINDOW", 60*time.Second)
	c.Dispatch.RingTimeoutSeconds = optInt("DISPATCH_RING_TIMEOUT_SECONDS", 30)
	c.Dispatch.ConcurrencyCap = optInt("DISPATCH_CONCURRENCY_CAP", 5)
	c.Dispatch.DefaultDestination = strings.TrimSpace(os.Getenv("DISPATCH_DEFAULT_DESTINATION"))

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if c.DB.SSLMode == "" {
		errs = append(errs, errors.New("DB_SSLMODE is required in production"))
	} else if !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}

	if c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required"))
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}

	if c.Provider.AccountSID == "" {
		errs = append(errs, errors.New("PROVIDER_ACCOUNT_SID is required"))
	}
	if c.Provider.AuthToken == "" {
		errs = append(errs, errors.New("PROVIDER_AUTH_TOKEN is required"))
	}
	if c.Provider.BaseURL == "" {
		errs = append(errs, errors.New("PROVIDER_BASE_URL is required"))
	}
	if c.Provider.CallbackBaseURL == "" {
		errs = append(errs, errors.New("PROVIDER_CALLBACK_BASE_URL is required"))
	}

	if c.Dispatch.MaxRepeatCount < 1 || c.Dispatch.MaxRepeatCount > 100 {
		errs = append(errs, fmt.Errorf("DISPATCH_MAX_REPEAT must be 1..100, got %d", c.Dispatch.MaxRepeatCount))
	}
	if c.Dispatch.MaxTalkTime <= 0 {
		errs = append(errs, errors.New("DISPATCH_MAX_TALK_TIME must be positive"))
	}
	if c.Dispatch.WatchdogTimeout <= c.Dispatch.MaxTalkTime {
		errs = append(errs, errors.New("DISPATCH_WATCHDOG_TIMEOUT must exceed DISPATCH_MAX_TALK_TIME"))
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// StatusCallbackURL is where the provider posts call status events.
func (c Config) StatusCallbackURL() string {
	return strings.TrimRight(c.Provider.CallbackBaseURL, "/") + "/webhooks/provider/status"
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func optInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func optDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isProductionEnv(v string) bool { return v == "production" }

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	out := make([]error, 0, len(errs))
	for _, e := range errs {
		if e != nil {
			out = append(out, e)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return errors.Join(out...)
}
