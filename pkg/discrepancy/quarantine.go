package discrepancy

import (
	"context"

	"github.com/hlekkr/hlekkr/pkg/fault"
	"github.com/hlekkr/hlekkr/pkg/mediastore"
)

// defaultQuarantinePrefix isolates copied objects under one key prefix.
const defaultQuarantinePrefix = "quarantine/"

// Quarantiner copies flagged objects into an isolated prefix so distribution
// paths cannot reach them while review proceeds. The source object stays in
// place as evidence.
type Quarantiner struct {
	store  mediastore.Store
	bucket string
	prefix string
}

// NewQuarantiner writes quarantine copies into bucket; an empty bucket keeps
// copies in the source bucket.
func NewQuarantiner(store mediastore.Store, bucket string) *Quarantiner {
	return &Quarantiner{store: store, bucket: bucket, prefix: defaultQuarantinePrefix}
}

// WithPrefix overrides the destination key prefix.
func (q *Quarantiner) WithPrefix(prefix string) *Quarantiner {
	q.prefix = prefix
	return q
}

// Quarantine copies the object and returns the destination key.
func (q *Quarantiner) Quarantine(ctx context.Context, srcBucket, srcKey string) (string, error) {
	if srcBucket == "" || srcKey == "" {
		return "", fault.New(fault.CodeInputInvalid, "quarantine needs the object location")
	}
	dstBucket := q.bucket
	if dstBucket == "" {
		dstBucket = srcBucket
	}
	dstKey := q.prefix + srcKey
	if err := q.store.Copy(ctx, srcBucket, srcKey, dstBucket, dstKey); err != nil {
		return "", err
	}
	return dstKey, nil
}
