package objectstore

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/animus-labs/flowgate/internal/platform/env"
)

type Config struct {
	Endpoint       string
	AccessKey      string
	SecretKey      string
	Region         string
	UseSSL         bool
	BucketVersions string
	RequestTimeout time.Duration
}

func ConfigFromEnv() (Config, error) {
	useSSL, err := env.Bool("FLOWGATE_MINIO_USE_SSL", false)
	if err != nil {
		return Config{}, err
	}
	timeout, err := env.Duration("FLOWGATE_STORE_TIMEOUT", 10*time.Second)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Endpoint:       env.String("FLOWGATE_MINIO_ENDPOINT", "localhost:9000"),
		AccessKey:      env.String("FLOWGATE_MINIO_ACCESS_KEY", "flowgate"),
		SecretKey:      env.String("FLOWGATE_MINIO_SECRET_KEY", "flowgateminio"),
		Region:         env.String("FLOWGATE_MINIO_REGION", "us-east-1"),
		UseSSL:         useSSL,
		BucketVersions: env.String("FLOWGATE_MINIO_BUCKET", "flowgate-versions"),
		RequestTimeout: timeout,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("access key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("secret key is required")
	}
	if strings.TrimSpace(c.Region) == "" {
		return errors.New("region is required")
	}
	if strings.TrimSpace(c.BucketVersions) == "" {
		return errors.New("versions bucket is required")
	}
	if c.RequestTimeout <= 0 {
		return errors.New("FLOWGATE_STORE_TIMEOUT must be positive")
	}
	return nil
}
