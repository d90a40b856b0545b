package upload

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/bitrise-io/go-steputils/stepconf"

	"github.com/bitrise-io/go-multipart-upload/upload/network/partuploader"
)

// DefaultAccept is the accepted MIME type pattern when none is configured.
const DefaultAccept = "video/*"

// Config is the orchestrator configuration, usually parsed from the environment by ParseConfig.
type Config struct {
	// APIBaseURL and APIAccessToken address the control-plane API.
	// Not needed when Dependencies.ControlPlane is set.
	APIBaseURL     string          `env:"UPLOAD_API_URL"`
	APIAccessToken stepconf.Secret `env:"UPLOAD_API_TOKEN"`
	// SessionDBPath is the bbolt file sessions and the offline retry queue are kept in.
	SessionDBPath string `env:"UPLOAD_SESSION_DB"`
	// Concurrency is the initial number of parallel part transfers, 0 picks a default from the CPU count.
	Concurrency int `env:"UPLOAD_CONCURRENCY"`
	// Accept lists doublestar patterns matched against the file MIME type, separated by `|`.
	Accept []string `env:"UPLOAD_ACCEPT"`
	// Checksums enables CRC32C checksums on parts.
	Checksums bool `env:"UPLOAD_CHECKSUMS"`
	// NetworkClass is the initial connection class (slow-2g, 2g, 3g, 4g, wifi, ethernet).
	NetworkClass string `env:"UPLOAD_NETWORK_CLASS"`
	// Analytics enables the default analytics tracker when Dependencies.Tracker is nil.
	Analytics bool `env:"UPLOAD_ANALYTICS"`
}

// ParseConfig reads the configuration from the environment.
func ParseConfig() (Config, error) {
	var config Config
	if err := stepconf.Parse(&config); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	return config.withDefaults(), nil
}

func (c Config) withDefaults() Config {
	if len(c.Accept) == 0 {
		c.Accept = []string{DefaultAccept}
	}
	if c.SessionDBPath == "" {
		c.SessionDBPath = filepath.Join(os.TempDir(), "multipart-upload.db")
	}
	if c.Concurrency <= 0 {
		c.Concurrency = partuploader.DefaultConcurrency()
	}
	return c
}
