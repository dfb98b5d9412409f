//go:build gcp

package mediastore

import "context"

func newGCSStoreFromEnv(ctx context.Context) (Store, error) {
	return NewGCSStore(ctx)
}
