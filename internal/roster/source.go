package roster

import (
	"context"
	"fmt"
	"os"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/gryphonracing/rosterlink/internal/objstore"
)

// Source yields the current roster snapshot.
type Source interface {
	Load(ctx context.Context) (Snapshot, error)
	String() string
}

// FileSource reads a snapshot from the local filesystem.
type FileSource struct {
	Path string
}

func (s FileSource) Load(_ context.Context) (Snapshot, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("open roster: %w", err)
	}
	defer f.Close()
	return Read(s.Path, f)
}

func (s FileSource) String() string { return "file:" + s.Path }

// s3Client is an interface for testability.
type s3Client interface {
	GetObject(ctx context.Context, input *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Config locates the roster object.
type S3Config struct {
	objstore.Config
	Bucket string
	Key    string
}

// S3Source reads a snapshot object from S3-compatible storage.
type S3Source struct {
	bucket string
	key    string
	client s3Client
}

func NewS3Source(cfg S3Config) *S3Source {
	return &S3Source{bucket: cfg.Bucket, key: cfg.Key, client: objstore.NewClient(cfg.Config)}
}

func (s *S3Source) Load(ctx context.Context) (Snapshot, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("get roster object: %w", err)
	}
	defer out.Body.Close()
	return Read(path.Base(s.key), out.Body)
}

func (s *S3Source) String() string { return "s3://" + s.bucket + "/" + s.key }
