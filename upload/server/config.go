package server

import (
	"fmt"
	"time"

	"github.com/bitrise-io/go-steputils/stepconf"

	"github.com/bitrise-io/go-multipart-upload/upload/network"
)

// Object store backends.
const (
	BackendS3    = "s3"
	BackendMinio = "minio"
)

// Config of the control-plane server.
type Config struct {
	ListenAddr string          `env:"UPLOAD_LISTEN_ADDR"`
	JWTSecret  stepconf.Secret `env:"UPLOAD_JWT_SECRET,required"`

	// Backend selects the object store, "s3" or "minio".
	Backend         string          `env:"UPLOAD_BACKEND"`
	Bucket          string          `env:"S3_BUCKET_NAME,required"`
	Region          string          `env:"AWS_REGION"`
	Endpoint        string          `env:"S3_ENDPOINT"`
	AccessKeyID     stepconf.Secret `env:"AWS_ACCESS_KEY_ID"`
	SecretAccessKey stepconf.Secret `env:"AWS_SECRET_ACCESS_KEY"`
	Secure          bool            `env:"S3_SECURE"`

	// PartURLTTLSeconds is the validity of signed part URLs.
	PartURLTTLSeconds int `env:"UPLOAD_PART_URL_TTL"`

	// RedisURL addresses the dedup index. Deduplication is off without it.
	RedisURL string `env:"UPLOAD_REDIS_URL"`
	// DedupTTLHours expires dedup entries, 0 keeps them forever.
	DedupTTLHours int `env:"UPLOAD_DEDUP_TTL_HOURS"`
}

// ParseConfig reads the server configuration from the environment.
func ParseConfig() (Config, error) {
	var config Config
	if err := stepconf.Parse(&config); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	if config.ListenAddr == "" {
		config.ListenAddr = ":8080"
	}
	switch config.Backend {
	case "":
		config.Backend = BackendS3
	case BackendS3, BackendMinio:
	default:
		return Config{}, fmt.Errorf("unknown backend: %s", config.Backend)
	}
	return config, nil
}

// PartURLTTL ...
func (c Config) PartURLTTL() time.Duration {
	if c.PartURLTTLSeconds <= 0 {
		return network.DefaultPartURLTTL
	}
	return time.Duration(c.PartURLTTLSeconds) * time.Second
}

// DedupTTL ...
func (c Config) DedupTTL() time.Duration {
	return time.Duration(c.DedupTTLHours) * time.Hour
}
