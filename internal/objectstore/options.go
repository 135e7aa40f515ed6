package objectstore

import "strings"

const (
	metadataFileName = "ro-crate-metadata.json"
	reportFileName   = "validation_status.json"

	defaultMaxBytes int64 = 1 << 30
)

type ClientOpts func(c *clientConfig)

type clientConfig struct {
	endpoint  string
	bucket    string
	accessKey string
	secretKey string
	region    string
	useSSL    bool
	maxBytes  int64
}

func newConfig(opts ...ClientOpts) *clientConfig {
	cfg := &clientConfig{
		useSSL:   false,
		maxBytes: defaultMaxBytes,
	}

	for _, o := range opts {
		o(cfg)
	}

	// minio expects host:port; a scheme decides TLS.
	switch {
	case strings.HasPrefix(cfg.endpoint, "https://"):
		cfg.endpoint = strings.TrimPrefix(cfg.endpoint, "https://")
		cfg.useSSL = true
	case strings.HasPrefix(cfg.endpoint, "http://"):
		cfg.endpoint = strings.TrimPrefix(cfg.endpoint, "http://")
	}
	cfg.endpoint = strings.TrimSuffix(cfg.endpoint, "/")

	return cfg
}

func WithEndpoint(endpoint string) ClientOpts {
	return func(c *clientConfig) {
		c.endpoint = endpoint
	}
}

func WithBucket(bucket string) ClientOpts {
	return func(c *clientConfig) {
		c.bucket = bucket
	}
}

func WithAccessKey(accessKey string) ClientOpts {
	return func(c *clientConfig) {
		c.accessKey = accessKey
	}
}

func WithSecretKey(secretKey string) ClientOpts {
	return func(c *clientConfig) {
		c.secretKey = secretKey
	}
}

func WithRegion(region string) ClientOpts {
	return func(c *clientConfig) {
		c.region = region
	}
}

func WithSSL(useSSL bool) ClientOpts {
	return func(c *clientConfig) {
		c.useSSL = useSSL
	}
}

// WithMaxBytes bounds the size of the content returned by FetchContent.
func WithMaxBytes(n int64) ClientOpts {
	return func(c *clientConfig) {
		if n > 0 {
			c.maxBytes = n
		}
	}
}
