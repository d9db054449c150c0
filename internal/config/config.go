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
	Log      LogConfig
	DB       DBConfig
	Redis    RedisConfig
	Auth     AuthConfig
	Provider string
	Telnyx   TelnyxConfig
	Twilio   TwilioConfig
	Queue    QueueConfig
	Sync     SyncConfig
	Notify   NotifyConfig
}

type AppConfig struct {
	Env  string
	Port int

	// PublicBaseURL is where the provider can reach our webhooks,
	// e.g. https://calls.example.com. Required for Twilio callbacks.
	PublicBaseURL string
}

type LogConfig struct {
	File string
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

// RedisConfig is optional. An empty Host runs the process in single-instance
// mode: in-memory dialer slots and local-only websocket fan-out.
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

type TelnyxConfig struct {
	APIKey    string
	BaseURL   string
	TeXMLApp  string
	Timeout   time.Duration
	RateLimit float64 // requests per second
}

type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	// ValidateSignatures rejects status callbacks without a valid X-Twilio-Signature.
	ValidateSignatures bool
}

type QueueConfig struct {
	DefaultMaxConcurrent int
	DefaultDelay         time.Duration
	Stagger              time.Duration
	BatchLimit           int
	SlotTTL              time.Duration
}

type SyncConfig struct {
	RecordingWindow time.Duration
	EventsPageSize  int
	EventsMaxPages  int
	RetryDelays     []time.Duration
}

type NotifyConfig struct {
	RedisChannel string
}

const (
	ProviderTelnyx = "telnyx"
	ProviderTwilio = "twilio"
)

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}
	c.App.PublicBaseURL = strings.TrimRight(strings.TrimSpace(os.Getenv("PUBLIC_BASE_URL")), "/")
	c.Log.File = strings.TrimSpace(os.Getenv("LOG_FILE"))

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

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	if c.Redis.Host != "" {
		n, err := mustInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	// Duration env vars are optional; defaults applied in Validate() based on env.
	c.Auth.AccessTokenTTL = mustDuration("JWT_ACCESS_TTL")
	c.Auth.RefreshTokenTTL = mustDuration("JWT_REFRESH_TTL")

	c.Provider = strings.ToLower(strings.TrimSpace(os.Getenv("PROVIDER")))

	c.Telnyx.APIKey = os.Getenv("TELNYX_API_KEY")
	c.Telnyx.BaseURL = strings.TrimRight(strings.TrimSpace(os.Getenv("TELNYX_BASE_URL")), "/")
	c.Telnyx.TeXMLApp = strings.TrimSpace(os.Getenv("TELNYX_TEXML_APP_ID"))
	c.Telnyx.Timeout = mustDuration("TELNYX_TIMEOUT")
	{
		f, err := optionalFloat("TELNYX_RATE_LIMIT")
		if err != nil {
			parseErrs = append(parseErrs, err)
		}
		c.Telnyx.RateLimit = f
	}

	c.Twilio.AccountSID = strings.TrimSpace(os.Getenv("TWILIO_ACCOUNT_SID"))
	c.Twilio.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	c.Twilio.ValidateSignatures = strings.EqualFold(strings.TrimSpace(os.Getenv("TWILIO_VALIDATE_SIGNATURES")), "true")

	{
		n, err := optionalInt("QUEUE_MAX_CONCURRENT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Queue.DefaultMaxConcurrent = n
	}
	c.Queue.DefaultDelay = mustDuration("QUEUE_DELAY")
	c.Queue.Stagger = mustDuration("QUEUE_STAGGER")
	{
		n, err := optionalInt("QUEUE_BATCH_LIMIT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Queue.BatchLimit = n
	}
	c.Queue.SlotTTL = mustDuration("QUEUE_SLOT_TTL")

	c.Sync.RecordingWindow = mustDuration("SYNC_RECORDING_WINDOW")
	{
		n, err := optionalInt("SYNC_EVENTS_PAGE_SIZE")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Sync.EventsPageSize = n
	}
	{
		n, err := optionalInt("SYNC_EVENTS_MAX_PAGES")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Sync.EventsMaxPages = n
	}
	{
		ds, err := durationList("SYNC_RETRY_DELAYS")
		if err != nil {
			parseErrs = append(parseErrs, err)
		}
		c.Sync.RetryDelays = ds
	}

	c.Notify.RedisChannel = strings.TrimSpace(os.Getenv("NOTIFY_REDIS_CHANNEL"))

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks required values and fills defaults in place.
func (c *Config) Validate() error {
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
	if strings.TrimSpace(c.DB.SSLMode) == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			// Local-friendly default; production must be explicit.
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}

	if c.Redis.Host != "" && (c.Redis.Port <= 0 || c.Redis.Port > 65535) {
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
	if c.Auth.AccessTokenTTL <= 0 {
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		c.Auth.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}

	if c.Provider == "" {
		c.Provider = ProviderTelnyx
	}
	switch c.Provider {
	case ProviderTelnyx:
		if c.Telnyx.APIKey == "" {
			errs = append(errs, errors.New("TELNYX_API_KEY is required when PROVIDER=telnyx"))
		}
		if c.Telnyx.TeXMLApp == "" {
			errs = append(errs, errors.New("TELNYX_TEXML_APP_ID is required when PROVIDER=telnyx"))
		}
	case ProviderTwilio:
		if c.Twilio.AccountSID == "" || c.Twilio.AuthToken == "" {
			errs = append(errs, errors.New("TWILIO_ACCOUNT_SID and TWILIO_AUTH_TOKEN are required when PROVIDER=twilio"))
		}
		if c.App.PublicBaseURL == "" {
			errs = append(errs, errors.New("PUBLIC_BASE_URL is required when PROVIDER=twilio"))
		}
	default:
		errs = append(errs, fmt.Errorf("PROVIDER must be one of telnyx, twilio, got %q", c.Provider))
	}
	if c.Telnyx.BaseURL == "" {
		c.Telnyx.BaseURL = "https://api.telnyx.com/v2"
	}
	if c.Telnyx.Timeout <= 0 {
		c.Telnyx.Timeout = 15 * time.Second
	}
	if c.Telnyx.RateLimit <= 0 {
		c.Telnyx.RateLimit = 10
	}

	if c.Queue.DefaultMaxConcurrent <= 0 {
		c.Queue.DefaultMaxConcurrent = 5
	}
	if c.Queue.DefaultDelay <= 0 {
		c.Queue.DefaultDelay = 5 * time.Second
	}
	if c.Queue.Stagger <= 0 {
		c.Queue.Stagger = time.Second
	}
	if c.Queue.BatchLimit <= 0 {
		c.Queue.BatchLimit = 100
	}
	if c.Queue.SlotTTL <= 0 {
		c.Queue.SlotTTL = 2 * time.Hour
	}

	if c.Sync.RecordingWindow <= 0 {
		c.Sync.RecordingWindow = 20 * time.Minute
	}
	if c.Sync.EventsPageSize <= 0 {
		c.Sync.EventsPageSize = 50
	}
	if c.Sync.EventsMaxPages <= 0 {
		c.Sync.EventsMaxPages = 5
	}
	if len(c.Sync.RetryDelays) == 0 {
		c.Sync.RetryDelays = []time.Duration{3 * time.Second, time.Minute, 3 * time.Minute, 5 * time.Minute}
	}

	if c.Notify.RedisChannel == "" {
		c.Notify.RedisChannel = "call_updates"
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HasRedis() bool {
	return c.Redis.Host != ""
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

func optionalInt(key string) (int, error) {
	if strings.TrimSpace(os.Getenv(key)) == "" {
		return 0, nil
	}
	return mustInt(key)
}

func optionalFloat(key string) (float64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a number, got %q", key, v)
	}
	return f, nil
}

func mustDuration(key string) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}

// durationList parses a comma separated list such as "3s,1m,3m,5m".
func durationList(key string) ([]time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil, nil
	}
	parts := strings.Split(v, ",")
	out := make([]time.Duration, 0, len(parts))
	for _, p := range parts {
		d, err := time.ParseDuration(strings.TrimSpace(p))
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("%s must be a comma separated list of positive durations, got %q", key, v)
		}
		out = append(out, d)
	}
	return out, nil
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

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
