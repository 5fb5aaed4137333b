package artifacts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// BackendType selects which Store implementation NewStoreFromEnv builds.
type BackendType string

const (
	BackendFile BackendType = "file"
	BackendS3   BackendType = "s3"
	BackendGCS  BackendType = "gcs"
)

// NewStoreFromEnv builds a Store from environment variables, the way a
// deployment picks its PersistentStore driver (pkg/config) without a code
// change:
//
//   - COUNCIL_ARTIFACT_STORE: "file" (default), "s3", or "gcs"
//   - COUNCIL_ARTIFACT_DIR: base dir for the file backend (default "data/artifacts")
//   - COUNCIL_ARTIFACT_S3_BUCKET / _REGION / _ENDPOINT / _PREFIX
//   - COUNCIL_ARTIFACT_GCS_BUCKET / _PREFIX (requires the gcp build tag)
func NewStoreFromEnv(ctx context.Context) (Store, error) {
	backend := BackendType(os.Getenv("COUNCIL_ARTIFACT_STORE"))
	if backend == "" {
		backend = BackendFile
	}

	switch backend {
	case BackendFile:
		dir := os.Getenv("COUNCIL_ARTIFACT_DIR")
		if dir == "" {
			dir = filepath.Join("data", "artifacts")
		}
		return NewFileStore(dir)
	case BackendS3:
		bucket := os.Getenv("COUNCIL_ARTIFACT_S3_BUCKET")
		if bucket == "" {
			return nil, fmt.Errorf("artifacts: COUNCIL_ARTIFACT_S3_BUCKET is required for s3 backend")
		}
		region := os.Getenv("COUNCIL_ARTIFACT_S3_REGION")
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Store(ctx, S3StoreConfig{
			Bucket:   bucket,
			Region:   region,
			Endpoint: os.Getenv("COUNCIL_ARTIFACT_S3_ENDPOINT"),
			Prefix:   os.Getenv("COUNCIL_ARTIFACT_S3_PREFIX"),
		})
	case BackendGCS:
		return newGCSStoreFromEnv(ctx)
	default:
		return nil, fmt.Errorf("artifacts: unsupported backend %q", backend)
	}
}
