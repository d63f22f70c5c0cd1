package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ConfigPath is the default location of the YAML config file.
const ConfigPath = "config.yaml"

// Change feed backends.
const (
	ChangeFeedMemory = "memory"
	ChangeFeedRedis  = "redis"
	ChangeFeedAMQP   = "amqp"
)

// FileConfig represents configuration loaded from YAML. Every field can be
// overridden by the environment variable named in its env tag.
type FileConfig struct {
	Port          string `yaml:"port" env:"PHOTOSHARE_PORT"`
	LogLevel      string `yaml:"logLevel" env:"PHOTOSHARE_LOG_LEVEL"`
	PublicBaseURL string `yaml:"publicBaseURL" env:"PHOTOSHARE_PUBLIC_BASE_URL"`

	DatabaseURL   string `yaml:"databaseURL" env:"DATABASE_URL"`
	RedisAddr     string `yaml:"redisAddr" env:"REDIS_ADDR"`
	RedisPassword string `yaml:"redisPassword" env:"REDIS_PASSWORD"`

	ChangeFeed   string `yaml:"changeFeed" env:"PHOTOSHARE_CHANGE_FEED"`
	AMQPURL      string `yaml:"amqpURL" env:"AMQP_URL"`
	AMQPExchange string `yaml:"amqpExchange" env:"AMQP_EXCHANGE"`

	MinioEndpoint      string `yaml:"minioEndpoint" env:"MINIO_ENDPOINT"`
	MinioAccessKey     string `yaml:"minioAccessKey" env:"MINIO_ACCESS_KEY"`
	MinioSecretKey     string `yaml:"minioSecretKey" env:"MINIO_SECRET_KEY"`
	MinioBucket        string `yaml:"minioBucket" env:"MINIO_BUCKET"`
	MinioRegion        string `yaml:"minioRegion" env:"MINIO_REGION"`
	MinioUseSSL        bool   `yaml:"minioUseSSL" env:"MINIO_USE_SSL"`
	MinioPublicBaseURL string `yaml:"minioPublicBaseURL" env:"MINIO_PUBLIC_BASE_URL"`
	MinioPublicRead    bool   `yaml:"minioPublicRead" env:"MINIO_PUBLIC_READ"`
	PresignExpiry      string `yaml:"presignExpiry" env:"MINIO_PRESIGN_EXPIRY"`

	JWTPrivateKeyPath string            `yaml:"jwtPrivateKeyPath" env:"JWT_PRIVATE_KEY_PATH"`
	JWTPublicKeyPath  string            `yaml:"jwtPublicKeyPath" env:"JWT_PUBLIC_KEY_PATH"`
	JWTKeyID          string            `yaml:"jwtKeyId" env:"JWT_KEY_ID"`
	JWTVerifyKeys     map[string]string `yaml:"jwtVerifyKeys" env:"JWT_VERIFY_KEYS"`
	JWTIssuer         string            `yaml:"jwtIssuer" env:"JWT_ISSUER"`
	JWTAudience       string            `yaml:"jwtAudience" env:"JWT_AUDIENCE"`
	JWTLeeway         string            `yaml:"jwtLeeway" env:"JWT_LEEWAY"`
	AccessTokenTTL    string            `yaml:"accessTokenTTL" env:"ACCESS_TOKEN_TTL"`
	RefreshTokenTTL   string            `yaml:"refreshTokenTTL" env:"REFRESH_TOKEN_TTL"`

	OIDCIssuerURL    string `yaml:"oidcIssuerURL" env:"OIDC_ISSUER_URL"`
	OIDCClientID     string `yaml:"oidcClientID" env:"OIDC_CLIENT_ID"`
	OIDCClientSecret string `yaml:"oidcClientSecret" env:"OIDC_CLIENT_SECRET"`
	OIDCRedirectURL  string `yaml:"oidcRedirectURL" env:"OIDC_REDIRECT_URL"`

	TrustedProxyCIDRs         []string `yaml:"trustedProxyCidrs" env:"PHOTOSHARE_TRUSTED_PROXY_CIDRS" envSeparator:","`
	AllowedOrigins            []string `yaml:"allowedOrigins" env:"PHOTOSHARE_ALLOWED_ORIGINS" envSeparator:","`
	SignupRateLimitPerMinute  int      `yaml:"signupRateLimitPerMinute" env:"PHOTOSHARE_SIGNUP_RATE_LIMIT_PER_MINUTE"`
	LoginRateLimitPerMinute   int      `yaml:"loginRateLimitPerMinute" env:"PHOTOSHARE_LOGIN_RATE_LIMIT_PER_MINUTE"`
	RefreshRateLimitPerMinute int      `yaml:"refreshRateLimitPerMinute" env:"PHOTOSHARE_REFRESH_RATE_LIMIT_PER_MINUTE"`
	UploadRateLimitPerMinute  int      `yaml:"uploadRateLimitPerMinute" env:"PHOTOSHARE_UPLOAD_RATE_LIMIT_PER_MINUTE"`
	MaxUploadBytes            int64    `yaml:"maxUploadBytes" env:"PHOTOSHARE_MAX_UPLOAD_BYTES"`
}

// Load reads config from path (defaults to config.yaml). A .env file next
// to the config file is loaded first; variables already set in the process
// environment win over it.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	if err := godotenv.Load(filepath.Join(filepath.Dir(path), ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return cfg, fmt.Errorf("read .env: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env overrides: %w", err)
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *FileConfig) {
	cfg.ChangeFeed = strings.ToLower(strings.TrimSpace(cfg.ChangeFeed))
	if cfg.ChangeFeed == "" {
		cfg.ChangeFeed = ChangeFeedMemory
		if strings.TrimSpace(cfg.RedisAddr) != "" {
			cfg.ChangeFeed = ChangeFeedRedis
		}
	}
	if cfg.AMQPExchange == "" {
		cfg.AMQPExchange = "photoshare.images"
	}
	if cfg.MinioBucket == "" {
		cfg.MinioBucket = "photoshare"
	}
	if cfg.AccessTokenTTL == "" {
		cfg.AccessTokenTTL = "15m"
	}
	if cfg.RefreshTokenTTL == "" {
		cfg.RefreshTokenTTL = "720h"
	}
	if cfg.MaxUploadBytes == 0 {
		cfg.MaxUploadBytes = 10 << 20
	}
}

func validateConfig(cfg FileConfig) error {
	if strings.TrimSpace(cfg.Port) == "" {
		return errors.New("config: port is required (set in config.yaml or PHOTOSHARE_PORT)")
	}
	switch cfg.ChangeFeed {
	case ChangeFeedMemory:
	case ChangeFeedRedis:
		if strings.TrimSpace(cfg.RedisAddr) == "" {
			return errors.New("config: redisAddr is required for the redis change feed")
		}
	case ChangeFeedAMQP:
		if strings.TrimSpace(cfg.AMQPURL) == "" {
			return errors.New("config: amqpURL is required for the amqp change feed")
		}
	default:
		return fmt.Errorf("config: unknown changeFeed %q (memory, redis or amqp)", cfg.ChangeFeed)
	}
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		if cfg.MinioAccessKey == "" || cfg.MinioSecretKey == "" {
			return errors.New("config: minioAccessKey and minioSecretKey are required with minioEndpoint")
		}
	}
	if cfg.JWTPublicKeyPath != "" && cfg.JWTPrivateKeyPath == "" {
		return errors.New("config: jwtPrivateKeyPath is required when jwtPublicKeyPath is set")
	}
	if strings.TrimSpace(cfg.OIDCIssuerURL) != "" {
		if cfg.OIDCClientID == "" {
			return errors.New("config: oidcClientID is required with oidcIssuerURL")
		}
		if cfg.OIDCRedirectURL == "" {
			return errors.New("config: oidcRedirectURL is required with oidcIssuerURL")
		}
	}
	if cfg.SignupRateLimitPerMinute < 0 || cfg.LoginRateLimitPerMinute < 0 || cfg.RefreshRateLimitPerMinute < 0 || cfg.UploadRateLimitPerMinute < 0 {
		return errors.New("config: rate limits must be >= 0")
	}
	if cfg.MaxUploadBytes < 0 {
		return errors.New("config: maxUploadBytes must be >= 0")
	}
	for name, value := range map[string]string{
		"jwtLeeway":       cfg.JWTLeeway,
		"accessTokenTTL":  cfg.AccessTokenTTL,
		"refreshTokenTTL": cfg.RefreshTokenTTL,
		"presignExpiry":   cfg.PresignExpiry,
	} {
		if _, err := ParseDuration(value); err != nil {
			return fmt.Errorf("config: invalid %s: %w", name, err)
		}
	}
	return nil
}

// ParseDuration parses an optional duration string; empty means zero.
func ParseDuration(value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(value)
	if err != nil {
		return 0, err
	}
	if dur < 0 {
		return 0, fmt.Errorf("duration %q must not be negative", value)
	}
	return dur, nil
}

// MustDuration returns the parsed duration of an already validated value.
func MustDuration(value string) time.Duration {
	dur, _ := ParseDuration(value)
	return dur
}
