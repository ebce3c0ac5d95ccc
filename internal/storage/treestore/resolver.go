package treestore

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/avandras/cellar/internal/checksumutils"
	"github.com/avandras/cellar/internal/storage/treestore/metadatastore"
	"github.com/avandras/cellar/internal/storage/treestore/sessionstore"
	"github.com/oklog/ulid/v2"
)

// pathResolver walks the object tree one segment at a time. Buckets with
// PathCacheTtlSeconds > 0 get a read-through cache in the session store;
// cache entries are never invalidated on writes, they age out.
type pathResolver struct {
	metadataStore metadatastore.MetadataStore
	sessionStore  sessionstore.SessionStore
}

func newPathResolver(metadataStore metadatastore.MetadataStore, sessionStore sessionstore.SessionStore) *pathResolver {
	return &pathResolver{
		metadataStore: metadataStore,
		sessionStore:  sessionStore,
	}
}

func pathCacheKey(bucketName metadatastore.BucketName, segments []string) string {
	return checksumutils.Sha256Hex([]byte(bucketName.String() + "/" + strings.Join(segments, "/")))
}

// Resolve maps a bucket name and path segments to the terminal object.
// An empty segment list addresses the bucket root and resolves to
// (bucket, nil, nil), which is distinct from a missing path. A missing
// bucket returns ErrNoSuchBucket, a missing or unreachable path
// ErrNoSuchKey.
func (pr *pathResolver) Resolve(ctx context.Context, tx *sql.Tx, bucketName metadatastore.BucketName, segments []string) (*metadatastore.Bucket, *metadatastore.Object, error) {
	bucket, err := pr.metadataStore.HeadBucket(ctx, tx, bucketName)
	if err != nil {
		return nil, nil, err
	}
	if len(segments) == 0 {
		return bucket, nil, nil
	}

	cacheTtl := time.Duration(bucket.PathCacheTtlSeconds) * time.Second
	cacheKey := ""
	if cacheTtl > 0 {
		cacheKey = pathCacheKey(bucketName, segments)
		entry, err := pr.sessionStore.GetPathCacheEntry(ctx, cacheKey)
		if err != nil {
			return nil, nil, err
		}
		if entry != nil && entry.Object != nil {
			object := *entry.Object
			bucketSnapshot := entry.Bucket
			return &bucketSnapshot, &object, nil
		}
	}

	object, err := pr.walk(ctx, tx, *bucket.Id, segments)
	if err != nil {
		return nil, nil, err
	}

	if cacheTtl > 0 {
		err = pr.sessionStore.PutPathCacheEntry(ctx, cacheKey, &sessionstore.PathCacheEntry{
			Object: object,
			Bucket: *bucket,
		}, cacheTtl)
		if err != nil {
			return nil, nil, err
		}
	}
	return bucket, object, nil
}

// ResolveFresh bypasses the path cache. Mutating operations use it so
// they never act on stale entries.
func (pr *pathResolver) ResolveFresh(ctx context.Context, tx *sql.Tx, bucketName metadatastore.BucketName, segments []string) (*metadatastore.Bucket, *metadatastore.Object, error) {
	bucket, err := pr.metadataStore.HeadBucket(ctx, tx, bucketName)
	if err != nil {
		return nil, nil, err
	}
	if len(segments) == 0 {
		return bucket, nil, nil
	}
	object, err := pr.walk(ctx, tx, *bucket.Id, segments)
	if err != nil {
		return nil, nil, err
	}
	return bucket, object, nil
}

// walk descends the tree segment by segment. A path cannot descend
// through a file, so a non-folder match with segments remaining fails
// the whole resolution.
func (pr *pathResolver) walk(ctx context.Context, tx *sql.Tx, bucketId ulid.ULID, segments []string) (*metadatastore.Object, error) {
	var parentId *ulid.ULID
	var current *metadatastore.Object
	for _, segment := range segments {
		if current != nil && !current.IsFolder() {
			return nil, metadatastore.ErrNoSuchKey
		}
		child, err := pr.metadataStore.GetChildObject(ctx, tx, bucketId, parentId, segment)
		if err != nil {
			return nil, err
		}
		if child == nil {
			return nil, metadatastore.ErrNoSuchKey
		}
		current = child
		parentId = child.Id
	}
	return current, nil
}
