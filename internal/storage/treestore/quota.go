package treestore

import (
	"context"
	"database/sql"

	"github.com/avandras/cellar/internal/storage/treestore/metadatastore"
)

// quotaGuard decides whether a prospective write still fits under the
// bucket and owner storage quotas. The decision is advisory: no
// reservation is taken, so concurrent admits against the same bucket or
// owner can both pass before either write commits.
type quotaGuard struct {
	metadataStore metadatastore.MetadataStore
}

func newQuotaGuard(metadataStore metadatastore.MetadataStore) *quotaGuard {
	return &quotaGuard{
		metadataStore: metadataStore,
	}
}

// Admit reports whether n additional bytes fit under both quotas.
// A quota of -1 means unlimited. n may be negative when an overwrite
// shrinks an object.
func (qg *quotaGuard) Admit(ctx context.Context, tx *sql.Tx, bucket *metadatastore.Bucket, owner *metadatastore.User, n int64) (bool, error) {
	if bucket.StorageQuota != -1 {
		used, err := qg.metadataStore.SumObjectSizesByBucketId(ctx, tx, *bucket.Id)
		if err != nil {
			return false, err
		}
		if used+n > bucket.StorageQuota {
			return false, nil
		}
	}
	if owner.StorageQuota != -1 {
		used, err := qg.metadataStore.SumObjectSizesByOwnerId(ctx, tx, *owner.Id)
		if err != nil {
			return false, err
		}
		if used+n > owner.StorageQuota {
			return false, nil
		}
	}
	return true, nil
}
