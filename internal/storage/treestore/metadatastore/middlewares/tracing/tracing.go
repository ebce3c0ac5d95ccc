package tracing

import (
	"context"
	"database/sql"

	"go.opentelemetry.io/otel"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/avandras/cellar/internal/storage/treestore/metadatastore"
	"github.com/oklog/ulid/v2"
)

type tracingMetadataStoreMiddleware struct {
	regionName         string
	innerMetadataStore metadatastore.MetadataStore
	tracer             oteltrace.Tracer
}

var _ metadatastore.MetadataStore = (*tracingMetadataStoreMiddleware)(nil)

func New(regionName string, innerMetadataStore metadatastore.MetadataStore) (metadatastore.MetadataStore, error) {
	return &tracingMetadataStoreMiddleware{
		regionName:         regionName,
		innerMetadataStore: innerMetadataStore,
		tracer:             otel.Tracer("internal/storage/treestore/metadatastore/middlewares/tracing"),
	}, nil
}

func (tmsm *tracingMetadataStoreMiddleware) Start(ctx context.Context) error {
	ctx, span := tmsm.tracer.Start(ctx, tmsm.regionName+".Start")
	defer span.End()
	return tmsm.innerMetadataStore.Start(ctx)
}

func (tmsm *tracingMetadataStoreMiddleware) Stop(ctx context.Context) error {
	ctx, span := tmsm.tracer.Start(ctx, tmsm.regionName+".Stop")
	defer span.End()
	return tmsm.innerMetadataStore.Stop(ctx)
}

func (tmsm *tracingMetadataStoreMiddleware) CreateBucket(ctx context.Context, tx *sql.Tx, bucket *metadatastore.Bucket) error {
	ctx, span := tmsm.tracer.Start(ctx, tmsm.regionName+".CreateBucket")
	defer span.End()

	return tmsm.innerMetadataStore.CreateBucket(ctx, tx, bucket)
}

func (tmsm *tracingMetadataStoreMiddleware) SaveBucket(ctx context.Context, tx *sql.Tx, bucket *metadatastore.Bucket) error {
	ctx, span := tmsm.tracer.Start(ctx, tmsm.regionName+".SaveBucket")
	defer span.End()

	return tmsm.innerMetadataStore.SaveBucket(ctx, tx, bucket)
}

func (tmsm *tracingMetadataStoreMiddleware) DeleteBucket(ctx context.Context, tx *sql.Tx, bucketName metadatastore.BucketName) error {
	ctx, span := tmsm.tracer.Start(ctx, tmsm.regionName+".DeleteBucket")
	defer span.End()

	return tmsm.innerMetadataStore.DeleteBucket(ctx, tx, bucketName)
}

func (tmsm *tracingMetadataStoreMiddleware) ListBuckets(ctx context.Context, tx *sql.Tx) ([]metadatastore.Bucket, error) {
	ctx, span := tmsm.tracer.Start(ctx, tmsm.regionName+".ListBuckets")
	defer span.End()

	return tmsm.innerMetadataStore.ListBuckets(ctx, tx)
}

func (tmsm *tracingMetadataStoreMiddleware) ListBucketsByOwnerId(ctx context.Context, tx *sql.Tx, ownerId ulid.ULID) ([]metadatastore.Bucket, error) {
	ctx, span := tmsm.tracer.Start(ctx, tmsm.regionName+".ListBucketsByOwnerId")
	defer span.End()

	return tmsm.innerMetadataStore.ListBucketsByOwnerId(ctx, tx, ownerId)
}

func (tmsm *tracingMetadataStoreMiddleware) HeadBucket(ctx context.Context, tx *sql.Tx, bucketName metadatastore.BucketName) (*metadatastore.Bucket, error) {
	ctx, span := tmsm.tracer.Start(ctx, tmsm.regionName+".HeadBucket")
	defer span.End()

	return tmsm.innerMetadataStore.HeadBucket(ctx, tx, bucketName)
}

func (tmsm *tracingMetadataStoreMiddleware) CreateUser(ctx context.Context, tx *sql.Tx, user *metadatastore.User) error {
	ctx, span := tmsm.tracer.Start(ctx, tmsm.regionName+".CreateUser")
	defer span.End()

	return tmsm.innerMetadataStore.CreateUser(ctx, tx, user)
}

func (tmsm *tracingMetadataStoreMiddleware) SaveUser(ctx context.Context, tx *sql.Tx, user *metadatastore.User) error {
	ctx, span := tmsm.tracer.Start(ctx, tmsm.regionName+".SaveUser")
	defer span.End()

	return tmsm.innerMetadataStore.SaveUser(ctx, tx, user)
}

func (tmsm *tracingMetadataStoreMiddleware) HeadUserById(ctx context.Context, tx *sql.Tx, userId ulid.ULID) (*metadatastore.User, error) {
	ctx, span := tmsm.tracer.Start(ctx, tmsm.regionName+".HeadUserById")
	defer span.End()

	return tmsm.innerMetadataStore.HeadUserById(ctx, tx, userId)
}

func (tmsm *tracingMetadataStoreMiddleware) HeadUserByName(ctx context.Context, tx *sql.Tx, name string) (*metadatastore.User, error) {
	ctx, span := tmsm.tracer.Start(ctx, tmsm.regionName+".HeadUserByName")
	defer span.End()

	return tmsm.innerMetadataStore.HeadUserByName(ctx, tx, name)
}

func (tmsm *tracingMetadataStoreMiddleware) ListUsers(ctx context.Context, tx *sql.Tx) ([]metadatastore.User, error) {
	ctx, span := tmsm.tracer.Start(ctx, tmsm.regionName+".ListUsers")
	defer span.End()

	return tmsm.innerMetadataStore.ListUsers(ctx, tx)
}

func (tmsm *tracingMetadataStoreMiddleware) GetChildObject(ctx context.Context, tx *sql.Tx, bucketId ulid.ULID, parentId *ulid.ULID, filename string) (*metadatastore.Object, error) {
	ctx, span := tmsm.tracer.Start(ctx, tmsm.regionName+".GetChildObject")
	defer span.End()

	return tmsm.innerMetadataStore.GetChildObject(ctx, tx, bucketId, parentId, filename)
}

func (tmsm *tracingMetadataStoreMiddleware) ListChildObjects(ctx context.Context, tx *sql.Tx, bucketId ulid.ULID, parentId *ulid.ULID) ([]metadatastore.Object, error) {
	ctx, span := tmsm.tracer.Start(ctx, tmsm.regionName+".ListChildObjects")
	defer span.End()

	return tmsm.innerMetadataStore.ListChildObjects(ctx, tx, bucketId, parentId)
}

func (tmsm *tracingMetadataStoreMiddleware) ListObjectsByBucketId(ctx context.Context, tx *sql.Tx, bucketId ulid.ULID) ([]metadatastore.Object, error) {
	ctx, span := tmsm.tracer.Start(ctx, tmsm.regionName+".ListObjectsByBucketId")
	defer span.End()

	return tmsm.innerMetadataStore.ListObjectsByBucketId(ctx, tx, bucketId)
}

func (tmsm *tracingMetadataStoreMiddleware) HeadObjectById(ctx context.Context, tx *sql.Tx, objectId ulid.ULID) (*metadatastore.Object, error) {
	ctx, span := tmsm.tracer.Start(ctx, tmsm.regionName+".HeadObjectById")
	defer span.End()

	return tmsm.innerMetadataStore.HeadObjectById(ctx, tx, objectId)
}

func (tmsm *tracingMetadataStoreMiddleware) PutObject(ctx context.Context, tx *sql.Tx, object *metadatastore.Object) error {
	ctx, span := tmsm.tracer.Start(ctx, tmsm.regionName+".PutObject")
	defer span.End()

	return tmsm.innerMetadataStore.PutObject(ctx, tx, object)
}

func (tmsm *tracingMetadataStoreMiddleware) DeleteObjectById(ctx context.Context, tx *sql.Tx, objectId ulid.ULID) error {
	ctx, span := tmsm.tracer.Start(ctx, tmsm.regionName+".DeleteObjectById")
	defer span.End()

	return tmsm.innerMetadataStore.DeleteObjectById(ctx, tx, objectId)
}

func (tmsm *tracingMetadataStoreMiddleware) SumObjectSizesByBucketId(ctx context.Context, tx *sql.Tx, bucketId ulid.ULID) (int64, error) {
	ctx, span := tmsm.tracer.Start(ctx, tmsm.regionName+".SumObjectSizesByBucketId")
	defer span.End()

	return tmsm.innerMetadataStore.SumObjectSizesByBucketId(ctx, tx, bucketId)
}

func (tmsm *tracingMetadataStoreMiddleware) SumObjectSizesByOwnerId(ctx context.Context, tx *sql.Tx, ownerId ulid.ULID) (int64, error) {
	ctx, span := tmsm.tracer.Start(ctx, tmsm.regionName+".SumObjectSizesByOwnerId")
	defer span.End()

	return tmsm.innerMetadataStore.SumObjectSizesByOwnerId(ctx, tx, ownerId)
}
