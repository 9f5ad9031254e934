// Package s3 holds the connection configuration shared by every S3-compatible
// storage.Backend, split out from the backend implementation so config
// validation can be unit tested without a MinIO client.
package s3

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
)

var (
	// ErrBucketRequired is returned if the bucket name is missing.
	ErrBucketRequired = errors.New("bucket name is required")

	// ErrEndpointRequired is returned if the endpoint is missing.
	ErrEndpointRequired = errors.New("endpoint is required")

	// ErrAccessKeyIDRequired is returned if the access key ID is missing.
	ErrAccessKeyIDRequired = errors.New("access key ID is required")

	// ErrSecretAccessKeyRequired is returned if the secret access key is missing.
	ErrSecretAccessKeyRequired = errors.New("secret access key is required")

	// ErrInvalidEndpointScheme is returned if the endpoint scheme is missing or invalid.
	ErrInvalidEndpointScheme = errors.New("S3 endpoint must include scheme (http:// or https://)")
)

// Config holds the configuration for an S3-compatible storage.Backend.
type Config struct {
	// Name is the cache-unique back-end name.
	Name string
	// Bucket is the S3 bucket name.
	Bucket string
	// Region is the AWS region (optional).
	Region string
	// Endpoint is the S3-compatible endpoint URL with scheme (http:// or https://).
	Endpoint string
	// AccessKeyID is the access key for authentication.
	AccessKeyID string
	// SecretAccessKey is the secret key for authentication.
	SecretAccessKey string
	// ForcePathStyle forces path-style addressing; true for MinIO and other
	// S3-compatible services, false for AWS S3.
	ForcePathStyle bool
	// Prefix is an optional key prefix applied to every object.
	Prefix string
	// Transport is the HTTP transport to use (optional, used for testing).
	Transport http.RoundTripper
}

// ValidateConfig validates the S3 configuration.
func ValidateConfig(cfg Config) error {
	if cfg.Bucket == "" {
		return ErrBucketRequired
	}

	if cfg.Endpoint == "" {
		return ErrEndpointRequired
	}

	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return fmt.Errorf("invalid endpoint URL: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: %s", ErrInvalidEndpointScheme, cfg.Endpoint)
	}

	if cfg.AccessKeyID == "" {
		return ErrAccessKeyIDRequired
	}

	if cfg.SecretAccessKey == "" {
		return ErrSecretAccessKeyRequired
	}

	return nil
}

// GetEndpointWithoutScheme returns the endpoint without its scheme prefix,
// since the MinIO SDK expects a bare host[:port].
func GetEndpointWithoutScheme(endpoint string) string {
	u, _ := url.Parse(endpoint)

	return u.Host
}

// IsHTTPS returns true if the endpoint uses HTTPS.
func IsHTTPS(endpoint string) bool {
	u, _ := url.Parse(endpoint)

	return u.Scheme == "https"
}
