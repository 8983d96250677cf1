package roster

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/gryphonracing/rosterlink/internal/objstore"
)

// mockS3Client implements s3Client for testing.
type mockS3Client struct {
	objects map[string]string
	getErr  error
}

func (m *mockS3Client) GetObject(_ context.Context, input *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	data, ok := m.objects[*input.Bucket+"/"+*input.Key]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(data))}, nil
}

func TestS3SourceLoad(t *testing.T) {
	src := &S3Source{
		bucket: "club",
		key:    "exports/roster.csv",
		client: &mockS3Client{objects: map[string]string{"club/exports/roster.csv": sampleCSV}},
	}

	snap, err := src.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(snap.Records) != 2 {
		t.Errorf("records = %d, want 2", len(snap.Records))
	}
	if got := src.String(); got != "s3://club/exports/roster.csv" {
		t.Errorf("String() = %q", got)
	}
}

func TestS3SourceError(t *testing.T) {
	src := &S3Source{bucket: "club", key: "roster.csv", client: &mockS3Client{getErr: errors.New("denied")}}

	if _, err := src.Load(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestNewS3SourceConfigures(t *testing.T) {
	src := NewS3Source(S3Config{
		Config: objstore.Config{Region: "us-east-1", Endpoint: "http://localhost:9000"},
		Bucket: "b",
		Key:    "k.xlsx",
	})
	if src.client == nil {
		t.Fatal("client not configured")
	}
	if got := src.String(); got != "s3://b/k.xlsx" {
		t.Errorf("String() = %q", got)
	}
}

func TestFileSourceLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roster.csv")
	if err := os.WriteFile(path, []byte(sampleCSV), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	snap, err := FileSource{Path: path}.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(snap.Records) != 2 {
		t.Errorf("records = %d, want 2", len(snap.Records))
	}
}

func TestFileSourceMissing(t *testing.T) {
	_, err := FileSource{Path: filepath.Join(t.TempDir(), "nope.xlsx")}.Load(context.Background())
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("err = %v, want not exist", err)
	}
}
