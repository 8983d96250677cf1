// Package objstore builds clients for S3-compatible object storage.
package objstore

import (
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Config holds S3-compatible storage connection settings.
type Config struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
}

// NewClient returns a path-style S3 client. Static credentials are used when
// both keys are set; otherwise the SDK's default chain is left to resolve them.
func NewClient(cfg Config) *s3.Client {
	opts := s3.Options{
		Region:       cfg.Region,
		UsePathStyle: true,
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts.Credentials = credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	return s3.New(opts)
}
