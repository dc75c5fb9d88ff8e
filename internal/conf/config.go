package conf

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v2"

	"mailhub/internal/blobstorage"
)

type Config struct {
	ListenAddr     string             `yaml:"listen_addr"`
	DatabasePath   string             `yaml:"database_path"`
	JWTSecret      string             `yaml:"jwt_secret"`
	TokenTTLHours  int                `yaml:"token_ttl_hours"`
	AllowedOrigins []string           `yaml:"allowed_origins"`
	BlobStorage    blobstorage.Config `yaml:"blob_storage"`
}

// TokenTTL returns the session token lifetime.
func (c *Config) TokenTTL() time.Duration {
	return time.Duration(c.TokenTTLHours) * time.Hour
}

// LoadConfig reads the first config file found among the usual paths.
func LoadConfig() (*Config, error) {
	configPaths := []string{
		"/etc/mailhub/mailhub.yaml",
		"./config/mailhub.yaml",
		"./mailhub.yaml",
		"config/mailhub.yaml",
	}

	var data []byte
	var err error
	for _, path := range configPaths {
		data, err = os.ReadFile(filepath.Clean(path))
		if err == nil {
			break
		}
	}
	if err != nil {
		return nil, err
	}

	return parse(data)
}

// LoadConfigFile reads a config file from an explicit path.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	return parse(data)
}

func parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = "./data/mailhub.db"
	}
	if cfg.TokenTTLHours == 0 {
		cfg.TokenTTLHours = 24
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("jwt_secret is required")
	}

	return &cfg, nil
}
