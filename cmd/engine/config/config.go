// Package config parses the engine configuration from command-line flags with
// environment variable fallbacks. Flags win over the environment, which wins
// over the defaults.
//
// Settings of the data source are passed as SOURCE_* variables and handed to
// the source factory as a map with lowerCamelCase keys (SOURCE_TIME_FORMAT
// becomes timeFormat).
//
// Safety thresholds and profile limits can be overridden with a YAML profile
// file; keys absent from the file keep their defaults.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/HatiCode/microdose/pkg/safety"
	"github.com/HatiCode/microdose/pkg/storage"
	"github.com/HatiCode/microdose/pkg/tls"
)

// Config holds all engine configuration.
type Config struct {
	Listen     string
	GRPCListen string
	LogFormat  string
	LogLevel   string

	Session      string
	Source       string
	SourceConfig map[string]string
	Interval     time.Duration
	Timezone     string

	Predictor          string
	ConstantDose       float64
	ModelPath          string
	PredictorURL       string
	PredictorValuePath string
	PredictTimeout     time.Duration

	MaxIOB            float64
	MaxSMB            float64
	TargetBG          float64
	FullEveningBucket bool
	ProfileFile       string
	Policy            safety.Policy

	AuditCSV         string
	AuditSQLite      string
	AuditRedis       bool
	AuditRedisMaxLen int64

	Storage       string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTTL      time.Duration

	// TLS secures the HTTP and gRPC listeners.
	TLS tls.Config
	// PredictorTLS is presented to the remote model server.
	PredictorTLS tls.Config
}

// Profile is the YAML profile file layout.
type Profile struct {
	MaxIOB            *float64       `yaml:"maxIob"`
	MaxSMB            *float64       `yaml:"maxSmb"`
	TargetBG          *float64       `yaml:"targetBg"`
	FullEveningBucket *bool          `yaml:"fullEveningBucket"`
	Safety            *safety.Policy `yaml:"safety"`
}

// ParseFlags parses os.Args and the environment, applies the profile file and
// validates the result.
func ParseFlags() (*Config, error) {
	cfg := &Config{Policy: safety.DefaultPolicy()}

	flag.StringVar(&cfg.Listen, "listen", getEnv("LISTEN", ":8081"), "HTTP listen address")
	flag.StringVar(&cfg.GRPCListen, "grpc-listen", getEnv("GRPC_LISTEN", ":9091"), "gRPC health listen address")
	flag.StringVar(&cfg.LogFormat, "log-format", getEnv("LOG_FORMAT", "text"), "Log format: text or json")
	flag.StringVar(&cfg.LogLevel, "log-level", getEnv("LOG_LEVEL", "info"), "Log level: debug, info, warn, error")

	flag.StringVar(&cfg.Session, "session", getEnv("SESSION", ""), "Session (patient) name (required)")
	flag.StringVar(&cfg.Source, "source", getEnv("SOURCE", ""), "Data source: http, file or prometheus (required)")
	flag.DurationVar(&cfg.Interval, "interval", getEnvDuration("INTERVAL", 5*time.Minute), "Decision interval")
	flag.StringVar(&cfg.Timezone, "timezone", getEnv("TIMEZONE", "Local"), "IANA time zone for hour-of-day features")

	flag.StringVar(&cfg.Predictor, "predictor", getEnv("PREDICTOR", "none"), "Predictor: none, constant, file or remote")
	flag.Float64Var(&cfg.ConstantDose, "constant-dose", getEnvFloat("CONSTANT_DOSE", 0), "Dose proposed by the constant predictor")
	flag.StringVar(&cfg.ModelPath, "model-path", getEnv("MODEL_PATH", ""), "Model artifact path (predictor=file)")
	flag.StringVar(&cfg.PredictorURL, "predictor-url", getEnv("PREDICTOR_URL", ""), "Model server URL (predictor=remote)")
	flag.StringVar(&cfg.PredictorValuePath, "predictor-value-path", getEnv("PREDICTOR_VALUE_PATH", "smb"), "gjson path of the dose in the model server response")
	flag.DurationVar(&cfg.PredictTimeout, "predict-timeout", getEnvDuration("PREDICT_TIMEOUT", 10*time.Second), "Predictor call timeout")

	flag.Float64Var(&cfg.MaxIOB, "max-iob", getEnvFloat("MAX_IOB", 5.0), "Maximum insulin on board (U)")
	flag.Float64Var(&cfg.MaxSMB, "max-smb", getEnvFloat("MAX_SMB", 1.0), "Maximum single micro-bolus (U)")
	flag.Float64Var(&cfg.TargetBG, "target-bg", getEnvFloat("TARGET_BG", 100), "Profile target glucose (mg/dL)")
	flag.BoolVar(&cfg.FullEveningBucket, "full-evening-bucket", getEnvBool("FULL_EVENING_BUCKET", false), "Let the 18-20 bucket cover hours 18 to 20")
	flag.StringVar(&cfg.ProfileFile, "profile-file", getEnv("PROFILE_FILE", ""), "YAML profile overriding limits and safety thresholds")

	flag.StringVar(&cfg.AuditCSV, "audit-csv", getEnv("AUDIT_CSV", ""), "CSV audit log path")
	flag.StringVar(&cfg.AuditSQLite, "audit-sqlite", getEnv("AUDIT_SQLITE", ""), "SQLite audit database path")
	flag.BoolVar(&cfg.AuditRedis, "audit-redis", getEnvBool("AUDIT_REDIS", false), "Append decisions to a Redis stream")
	flag.Int64Var(&cfg.AuditRedisMaxLen, "audit-redis-maxlen", int64(getEnvInt("AUDIT_REDIS_MAXLEN", 10000)), "Approximate Redis stream length")

	flag.StringVar(&cfg.Storage, "storage", getEnv("STORAGE", "memory"), "Latest command storage: memory or redis")
	flag.StringVar(&cfg.RedisAddr, "redis-addr", getEnv("REDIS_ADDR", "localhost:6379"), "Redis server address")
	flag.StringVar(&cfg.RedisPassword, "redis-password", getEnv("REDIS_PASSWORD", ""), "Redis password")
	flag.IntVar(&cfg.RedisDB, "redis-db", getEnvInt("REDIS_DB", 0), "Redis database number")
	flag.DurationVar(&cfg.RedisTTL, "redis-ttl", getEnvDuration("REDIS_TTL", 30*time.Minute), "Latest command TTL")

	flag.BoolVar(&cfg.TLS.Enabled, "tls-enabled", getEnvBool("TLS_ENABLED", false), "Enable mTLS on the HTTP and gRPC listeners")
	flag.StringVar(&cfg.TLS.CertFile, "tls-cert-file", getEnv("TLS_CERT_FILE", ""), "Server certificate file")
	flag.StringVar(&cfg.TLS.KeyFile, "tls-key-file", getEnv("TLS_KEY_FILE", ""), "Server private key file")
	flag.StringVar(&cfg.TLS.CAFile, "tls-ca-file", getEnv("TLS_CA_FILE", ""), "CA file for client verification")

	flag.BoolVar(&cfg.PredictorTLS.Enabled, "predictor-tls-enabled", getEnvBool("PREDICTOR_TLS_ENABLED", false), "Use mTLS towards the model server")
	flag.StringVar(&cfg.PredictorTLS.CertFile, "predictor-tls-cert-file", getEnv("PREDICTOR_TLS_CERT_FILE", ""), "Client certificate file")
	flag.StringVar(&cfg.PredictorTLS.KeyFile, "predictor-tls-key-file", getEnv("PREDICTOR_TLS_KEY_FILE", ""), "Client private key file")
	flag.StringVar(&cfg.PredictorTLS.CAFile, "predictor-tls-ca-file", getEnv("PREDICTOR_TLS_CA_FILE", ""), "CA file for server verification")

	flag.Parse()

	cfg.SourceConfig = parseSourceConfig(os.Environ())

	if cfg.ProfileFile != "" {
		if err := cfg.ApplyProfile(cfg.ProfileFile); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyProfile overrides limits and thresholds with the values present in the
// YAML file at path.
func (c *Config) ApplyProfile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read profile: %w", err)
	}

	// Unmarshal into a copy so absent safety keys keep the current values.
	policy := c.Policy
	p := Profile{Safety: &policy}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("parse profile %s: %w", path, err)
	}
	if p.MaxIOB != nil {
		c.MaxIOB = *p.MaxIOB
	}
	if p.MaxSMB != nil {
		c.MaxSMB = *p.MaxSMB
	}
	if p.TargetBG != nil {
		c.TargetBG = *p.TargetBG
	}
	if p.FullEveningBucket != nil {
		c.FullEveningBucket = *p.FullEveningBucket
	}
	if p.Safety != nil {
		c.Policy = *p.Safety
	}
	return nil
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error

	if err := storage.ValidateSession(c.Session); err != nil {
		errs = append(errs, fmt.Errorf("session: %w", err))
	}
	switch c.Source {
	case "http", "file", "prometheus":
	case "":
		errs = append(errs, errors.New("source is required"))
	default:
		errs = append(errs, fmt.Errorf("unknown source %q (must be http, file or prometheus)", c.Source))
	}
	if c.Interval <= 0 {
		errs = append(errs, errors.New("interval must be > 0"))
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("timezone: %w", err))
	}

	switch c.Predictor {
	case "none", "constant":
	case "file":
		if c.ModelPath == "" {
			errs = append(errs, errors.New("model path is required when predictor=file"))
		}
	case "remote":
		if c.PredictorURL == "" {
			errs = append(errs, errors.New("predictor url is required when predictor=remote"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown predictor %q (must be none, constant, file or remote)", c.Predictor))
	}
	if c.PredictTimeout <= 0 {
		errs = append(errs, errors.New("predict timeout must be > 0"))
	}

	if c.MaxIOB <= 0 {
		errs = append(errs, fmt.Errorf("max iob must be > 0, got %v", c.MaxIOB))
	}
	if c.MaxSMB <= 0 {
		errs = append(errs, fmt.Errorf("max smb must be > 0, got %v", c.MaxSMB))
	}
	if c.TargetBG <= 0 {
		errs = append(errs, fmt.Errorf("target bg must be > 0, got %v", c.TargetBG))
	}
	if err := c.Policy.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("safety policy: %w", err))
	}

	switch c.Storage {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("unknown storage %q (must be memory or redis)", c.Storage))
	}
	if (c.Storage == "redis" || c.AuditRedis) && c.RedisAddr == "" {
		errs = append(errs, errors.New("redis address is required"))
	}

	if err := c.TLS.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("tls: %w", err))
	}
	if err := c.PredictorTLS.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("predictor tls: %w", err))
	}

	return errors.Join(errs...)
}

// UsesRedis reports whether any component needs the Redis client.
func (c *Config) UsesRedis() bool {
	return c.Storage == "redis" || c.AuditRedis
}

// Location returns the configured time zone. It assumes Validate passed.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// StaleAfter is the age past which the latest command counts as stale.
func (c *Config) StaleAfter() time.Duration {
	return 2 * c.Interval
}

const sourcePrefix = "SOURCE_"

// parseSourceConfig collects SOURCE_* variables from environ.
func parseSourceConfig(environ []string) map[string]string {
	config := make(map[string]string)
	for _, env := range environ {
		key, value, ok := strings.Cut(env, "=")
		if !ok || !strings.HasPrefix(key, sourcePrefix) || len(key) == len(sourcePrefix) {
			continue
		}
		config[toLowerCamelCase(key[len(sourcePrefix):])] = value
	}
	return config
}

func toLowerCamelCase(s string) string {
	var b strings.Builder
	for _, part := range strings.Split(strings.ToLower(s), "_") {
		if part == "" {
			continue
		}
		if b.Len() > 0 {
			part = strings.ToUpper(part[:1]) + part[1:]
		}
		b.WriteString(part)
	}
	return b.String()
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1"
	}
	return defaultValue
}
