// Package s3 implements provider.Provider for AWS S3 and S3-compatible
// stores used as object-store transfer endpoints.
package s3

// Config configures an S3 endpoint.
//
// Credentials come from the AWS SDK default chain (environment, shared
// config and credentials files, instance or task roles) unless an explicit
// key pair is given. Profile selects a shared config profile.
//
// For S3-compatible stores (MinIO, Wasabi) set Endpoint and usually
// ForcePathStyle. No default region is applied when Endpoint is set.
type Config struct {
	Bucket string

	// Prefix is prepended to every key, so one bucket can host several
	// endpoints.
	Prefix string

	Region          string
	Endpoint        string
	Profile         string
	AccessKeyID     string
	SecretAccessKey string
	ForcePathStyle  bool

	// MaxKeys is the List page size. Zero means DefaultMaxKeys; values
	// above MaxAllowedKeys are clamped.
	MaxKeys int
}

const (
	DefaultMaxKeys   = 1000
	MaxAllowedKeys   = 1000
	DefaultAWSRegion = "us-east-1"
)

func (c *Config) Validate() error {
	if c.Bucket == "" {
		return &ConfigError{Field: "bucket", Message: "bucket name is required"}
	}
	if (c.AccessKeyID != "") != (c.SecretAccessKey != "") {
		return &ConfigError{
			Field:   "access_key_id/secret_access_key",
			Message: "access key id and secret access key must be set together",
		}
	}
	return nil
}

// ConfigError is a configuration validation failure.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "s3 endpoint config: " + e.Field + ": " + e.Message
}
