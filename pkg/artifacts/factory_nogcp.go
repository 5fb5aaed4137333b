//go:build !gcp

package artifacts

import (
	"context"
	"fmt"
)

func newGCSStoreFromEnv(ctx context.Context) (Store, error) {
	_ = ctx
	return nil, fmt.Errorf("artifacts: gcs backend not enabled in this build (rebuild with -tags gcp)")
}
