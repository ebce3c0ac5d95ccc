package treestore

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/avandras/cellar/internal/lifecycle"
	"github.com/avandras/cellar/internal/sliceutils"
	"github.com/avandras/cellar/internal/storage"
	"github.com/avandras/cellar/internal/storage/database"
	"github.com/avandras/cellar/internal/storage/treestore/contentstore"
	"github.com/avandras/cellar/internal/storage/treestore/gc"
	"github.com/avandras/cellar/internal/storage/treestore/metadatastore"
	"github.com/avandras/cellar/internal/storage/treestore/sessionstore"
	"github.com/avandras/cellar/internal/task"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// treeStorage maps the flat S3 key space onto a hierarchical object
// tree. Keys resolve segment by segment through the metadata store,
// content lives flat in the content store addressed by object id, and
// multipart upload state sits in the session store until completion.
type treeStorage struct {
	*lifecycle.ValidatedLifecycle
	db            database.Database
	metadataStore metadatastore.MetadataStore
	contentStore  contentstore.ContentStore
	sessionStore  sessionstore.SessionStore
	resolver      *pathResolver
	quotaGuard    *quotaGuard
	contentGC     gc.ContentGarbageCollector
	gcTaskHandle  *task.TaskHandle
	tracer        trace.Tracer
}

// Compile-time check to ensure treeStorage implements storage.Storage
var _ storage.Storage = (*treeStorage)(nil)

func NewStorage(db database.Database, metadataStore metadatastore.MetadataStore, contentStore contentstore.ContentStore, sessionStore sessionstore.SessionStore) (storage.Storage, error) {
	validatedLifecycle, err := lifecycle.NewValidatedLifecycle("TreeStorage")
	if err != nil {
		return nil, err
	}
	contentGC, err := gc.New(db, metadataStore, contentStore, sessionStore)
	if err != nil {
		return nil, err
	}
	return &treeStorage{
		ValidatedLifecycle: validatedLifecycle,
		db:                 db,
		metadataStore:      metadataStore,
		contentStore:       contentStore,
		sessionStore:       sessionStore,
		resolver:           newPathResolver(metadataStore, sessionStore),
		quotaGuard:         newQuotaGuard(metadataStore),
		contentGC:          contentGC,
		tracer:             otel.Tracer("internal/storage/treestore"),
	}, nil
}

func (ts *treeStorage) Start(ctx context.Context) error {
	ctx, span := ts.tracer.Start(ctx, "TreeStorage.Start")
	defer span.End()
	err := ts.ValidatedLifecycle.Start(ctx)
	if err != nil {
		return err
	}
	err = ts.metadataStore.Start(ctx)
	if err != nil {
		return err
	}
	err = ts.contentStore.Start(ctx)
	if err != nil {
		return err
	}
	err = ts.sessionStore.Start(ctx)
	if err != nil {
		return err
	}
	ts.gcTaskHandle = task.Start(ts.contentGC.RunGCLoop)
	return nil
}

func (ts *treeStorage) Stop(ctx context.Context) error {
	ctx, span := ts.tracer.Start(ctx, "TreeStorage.Stop")
	defer span.End()
	err := ts.ValidatedLifecycle.Stop(ctx)
	if err != nil {
		return err
	}
	ts.gcTaskHandle.Cancel()
	slog.Debug("Stopping GCLoop task")
	timedOut := ts.gcTaskHandle.JoinWithTimeout(30 * time.Second)
	if timedOut {
		slog.Debug("GCLoop joined with timeout")
	} else {
		slog.Debug("GCLoop joined without timeout")
	}
	err = ts.sessionStore.Stop(ctx)
	if err != nil {
		return err
	}
	err = ts.contentStore.Stop(ctx)
	if err != nil {
		return err
	}
	err = ts.metadataStore.Stop(ctx)
	if err != nil {
		return err
	}
	return nil
}

func convertBucket(bucket *metadatastore.Bucket) *storage.Bucket {
	return &storage.Bucket{
		Id:                  bucket.Id,
		Name:                bucket.Name,
		Access:              bucket.Access,
		StorageQuota:        bucket.StorageQuota,
		PathCacheTtlSeconds: bucket.PathCacheTtlSeconds,
		OwnerId:             bucket.OwnerId,
		CreationDate:        bucket.CreatedAt,
	}
}

func convertUser(user *metadatastore.User) *storage.User {
	return &storage.User{
		Id:           user.Id,
		Name:         user.Name,
		StorageQuota: user.StorageQuota,
		CreationDate: user.CreatedAt,
	}
}

func (ts *treeStorage) CreateBucket(ctx context.Context, bucket *storage.Bucket) error {
	ctx, span := ts.tracer.Start(ctx, "TreeStorage.CreateBucket")
	defer span.End()
	unblockGC := ts.contentGC.PreventGCFromRunning(ctx)
	defer unblockGC()

	tx, err := ts.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: false})
	if err != nil {
		return err
	}
	_, err = ts.metadataStore.HeadUserById(ctx, tx, bucket.OwnerId)
	if err != nil {
		tx.Rollback()
		return err
	}
	metadataBucket := metadatastore.Bucket{
		Name:                bucket.Name,
		Access:              bucket.Access,
		StorageQuota:        bucket.StorageQuota,
		PathCacheTtlSeconds: bucket.PathCacheTtlSeconds,
		OwnerId:             bucket.OwnerId,
	}
	err = ts.metadataStore.CreateBucket(ctx, tx, &metadataBucket)
	if err != nil {
		tx.Rollback()
		return err
	}
	err = tx.Commit()
	if err != nil {
		return err
	}
	bucket.Id = metadataBucket.Id
	bucket.Access = metadataBucket.Access
	bucket.CreationDate = metadataBucket.CreatedAt
	return nil
}

func (ts *treeStorage) DeleteBucket(ctx context.Context, bucketName storage.BucketName) error {
	ctx, span := ts.tracer.Start(ctx, "TreeStorage.DeleteBucket")
	defer span.End()
	unblockGC := ts.contentGC.PreventGCFromRunning(ctx)
	defer unblockGC()

	tx, err := ts.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: false})
	if err != nil {
		return err
	}
	err = ts.metadataStore.DeleteBucket(ctx, tx, bucketName)
	if err != nil {
		tx.Rollback()
		return err
	}
	err = tx.Commit()
	if err != nil {
		return err
	}
	return nil
}

func (ts *treeStorage) ListBuckets(ctx context.Context) ([]storage.Bucket, error) {
	ctx, span := ts.tracer.Start(ctx, "TreeStorage.ListBuckets")
	defer span.End()

	tx, err := ts.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, err
	}
	buckets, err := ts.metadataStore.ListBuckets(ctx, tx)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	err = tx.Commit()
	if err != nil {
		return nil, err
	}
	return sliceutils.Map(func(bucket metadatastore.Bucket) storage.Bucket {
		return *convertBucket(&bucket)
	}, buckets), nil
}

func (ts *treeStorage) ListBucketsByOwnerId(ctx context.Context, ownerId ulid.ULID) ([]storage.Bucket, error) {
	ctx, span := ts.tracer.Start(ctx, "TreeStorage.ListBucketsByOwnerId")
	defer span.End()

	tx, err := ts.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, err
	}
	buckets, err := ts.metadataStore.ListBucketsByOwnerId(ctx, tx, ownerId)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	err = tx.Commit()
	if err != nil {
		return nil, err
	}
	return sliceutils.Map(func(bucket metadatastore.Bucket) storage.Bucket {
		return *convertBucket(&bucket)
	}, buckets), nil
}

func (ts *treeStorage) HeadBucket(ctx context.Context, bucketName storage.BucketName) (*storage.Bucket, error) {
	ctx, span := ts.tracer.Start(ctx, "TreeStorage.HeadBucket")
	defer span.End()

	tx, err := ts.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, err
	}
	bucket, err := ts.metadataStore.HeadBucket(ctx, tx, bucketName)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	err = tx.Commit()
	if err != nil {
		return nil, err
	}
	return convertBucket(bucket), nil
}

func (ts *treeStorage) CreateUser(ctx context.Context, user *storage.User) error {
	ctx, span := ts.tracer.Start(ctx, "TreeStorage.CreateUser")
	defer span.End()
	unblockGC := ts.contentGC.PreventGCFromRunning(ctx)
	defer unblockGC()

	tx, err := ts.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: false})
	if err != nil {
		return err
	}
	metadataUser := metadatastore.User{
		Name:         user.Name,
		StorageQuota: user.StorageQuota,
	}
	err = ts.metadataStore.CreateUser(ctx, tx, &metadataUser)
	if err != nil {
		tx.Rollback()
		return err
	}
	err = tx.Commit()
	if err != nil {
		return err
	}
	user.Id = metadataUser.Id
	user.CreationDate = metadataUser.CreatedAt
	return nil
}

func (ts *treeStorage) HeadUserByName(ctx context.Context, name string) (*storage.User, error) {
	ctx, span := ts.tracer.Start(ctx, "TreeStorage.HeadUserByName")
	defer span.End()

	tx, err := ts.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, err
	}
	user, err := ts.metadataStore.HeadUserByName(ctx, tx, name)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	err = tx.Commit()
	if err != nil {
		return nil, err
	}
	return convertUser(user), nil
}

func (ts *treeStorage) ListUsers(ctx context.Context) ([]storage.User, error) {
	ctx, span := ts.tracer.Start(ctx, "TreeStorage.ListUsers")
	defer span.End()

	tx, err := ts.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, err
	}
	users, err := ts.metadataStore.ListUsers(ctx, tx)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	err = tx.Commit()
	if err != nil {
		return nil, err
	}
	return sliceutils.Map(func(user metadatastore.User) storage.User {
		return *convertUser(&user)
	}, users), nil
}
