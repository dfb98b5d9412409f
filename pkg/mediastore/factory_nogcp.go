//go:build !gcp

package mediastore

import (
	"context"
	"fmt"
)

func newGCSStoreFromEnv(_ context.Context) (Store, error) {
	return nil, fmt.Errorf("GCS storage is not enabled in this build (use -tags gcp)")
}
