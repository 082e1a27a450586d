package s3

import (
	"errors"
	"strings"
)

// MinIOConfig holds MinIO-specific configuration.
type MinIOConfig struct {
	Endpoint   string // e.g. "localhost:9000" or "https://minio.example.com"
	BucketName string
	AccessKey  string
	SecretKey  string
	UseSSL     bool
	Prefix     string
}

// Config converts to a Store configuration. MinIO requires path-style URLs
// and ignores the region.
func (c MinIOConfig) Config() (Config, error) {
	endpoint, err := ParseMinIOEndpoint(c.Endpoint, c.UseSSL)
	if err != nil {
		return Config{}, err
	}
	return Config{
		Bucket:          c.BucketName,
		Region:          DefaultRegion,
		Endpoint:        endpoint,
		AccessKeyID:     c.AccessKey,
		SecretAccessKey: c.SecretKey,
		Prefix:          c.Prefix,
		UsePathStyle:    true,
	}, nil
}

// MinIODefaultCredentials returns the default MinIO credentials.
// Only for local development.
func MinIODefaultCredentials() (accessKey, secretKey string) {
	return "minioadmin", "minioadmin"
}

// MinIOLocalEndpoint returns the default local MinIO endpoint.
func MinIOLocalEndpoint() string {
	return "localhost:9000"
}

// ParseMinIOEndpoint returns endpoint with a scheme and without a trailing slash.
func ParseMinIOEndpoint(endpoint string, useSSL bool) (string, error) {
	if endpoint == "" {
		return "", errors.New("endpoint cannot be empty")
	}
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		if useSSL {
			endpoint = "https://" + endpoint
		} else {
			endpoint = "http://" + endpoint
		}
	}
	return strings.TrimSuffix(endpoint, "/"), nil
}
