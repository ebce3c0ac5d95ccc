package tracing

import (
	"context"
	"io"
	"runtime/trace"

	"github.com/avandras/cellar/internal/lifecycle"
	"github.com/avandras/cellar/internal/storage"
	"github.com/oklog/ulid/v2"
)

type tracingStorageMiddleware struct {
	*lifecycle.ValidatedLifecycle
	regionName   string
	innerStorage storage.Storage
}

// Compile-time check to ensure tracingStorageMiddleware implements storage.Storage
var _ storage.Storage = (*tracingStorageMiddleware)(nil)

func NewStorageMiddleware(regionName string, innerStorage storage.Storage) (storage.Storage, error) {
	lifecycle, err := lifecycle.NewValidatedLifecycle("TracingStorageMiddleware")
	if err != nil {
		return nil, err
	}

	return &tracingStorageMiddleware{
		ValidatedLifecycle: lifecycle,
		regionName:         regionName,
		innerStorage:       innerStorage,
	}, nil
}

func (tsm *tracingStorageMiddleware) Start(ctx context.Context) error {
	defer trace.StartRegion(ctx, tsm.regionName+".Start()").End()

	if err := tsm.ValidatedLifecycle.Start(ctx); err != nil {
		return err
	}

	return tsm.innerStorage.Start(ctx)
}

func (tsm *tracingStorageMiddleware) Stop(ctx context.Context) error {
	defer trace.StartRegion(ctx, tsm.regionName+".Stop()").End()

	if err := tsm.ValidatedLifecycle.Stop(ctx); err != nil {
		return err
	}

	return tsm.innerStorage.Stop(ctx)
}

func (tsm *tracingStorageMiddleware) CreateBucket(ctx context.Context, bucket *storage.Bucket) error {
	defer trace.StartRegion(ctx, tsm.regionName+".CreateBucket()").End()

	return tsm.innerStorage.CreateBucket(ctx, bucket)
}

func (tsm *tracingStorageMiddleware) DeleteBucket(ctx context.Context, bucketName storage.BucketName) error {
	defer trace.StartRegion(ctx, tsm.regionName+".DeleteBucket()").End()

	return tsm.innerStorage.DeleteBucket(ctx, bucketName)
}

func (tsm *tracingStorageMiddleware) ListBuckets(ctx context.Context) ([]storage.Bucket, error) {
	defer trace.StartRegion(ctx, tsm.regionName+".ListBuckets()").End()

	return tsm.innerStorage.ListBuckets(ctx)
}

func (tsm *tracingStorageMiddleware) ListBucketsByOwnerId(ctx context.Context, ownerId ulid.ULID) ([]storage.Bucket, error) {
	defer trace.StartRegion(ctx, tsm.regionName+".ListBucketsByOwnerId()").End()

	return tsm.innerStorage.ListBucketsByOwnerId(ctx, ownerId)
}

func (tsm *tracingStorageMiddleware) HeadBucket(ctx context.Context, bucketName storage.BucketName) (*storage.Bucket, error) {
	defer trace.StartRegion(ctx, tsm.regionName+".HeadBucket()").End()

	return tsm.innerStorage.HeadBucket(ctx, bucketName)
}

func (tsm *tracingStorageMiddleware) CreateUser(ctx context.Context, user *storage.User) error {
	defer trace.StartRegion(ctx, tsm.regionName+".CreateUser()").End()

	return tsm.innerStorage.CreateUser(ctx, user)
}

func (tsm *tracingStorageMiddleware) HeadUserByName(ctx context.Context, name string) (*storage.User, error) {
	defer trace.StartRegion(ctx, tsm.regionName+".HeadUserByName()").End()

	return tsm.innerStorage.HeadUserByName(ctx, name)
}

func (tsm *tracingStorageMiddleware) ListUsers(ctx context.Context) ([]storage.User, error) {
	defer trace.StartRegion(ctx, tsm.regionName+".ListUsers()").End()

	return tsm.innerStorage.ListUsers(ctx)
}

func (tsm *tracingStorageMiddleware) ListObjects(ctx context.Context, bucketName storage.BucketName, opts storage.ListObjectsOptions) (*storage.ListBucketResult, error) {
	defer trace.StartRegion(ctx, tsm.regionName+".ListObjects()").End()

	return tsm.innerStorage.ListObjects(ctx, bucketName, opts)
}

func (tsm *tracingStorageMiddleware) HeadObject(ctx context.Context, bucketName storage.BucketName, key storage.ObjectKey) (*storage.Object, error) {
	defer trace.StartRegion(ctx, tsm.regionName+".HeadObject()").End()

	return tsm.innerStorage.HeadObject(ctx, bucketName, key)
}

func (tsm *tracingStorageMiddleware) GetObject(ctx context.Context, bucketName storage.BucketName, key storage.ObjectKey, byteRange *storage.ByteRange) (*storage.Object, io.ReadCloser, error) {
	defer trace.StartRegion(ctx, tsm.regionName+".GetObject()").End()

	return tsm.innerStorage.GetObject(ctx, bucketName, key, byteRange)
}

func (tsm *tracingStorageMiddleware) PutObject(ctx context.Context, bucketName storage.BucketName, key storage.ObjectKey, contentType *string, data io.Reader) (*storage.PutObjectResult, error) {
	defer trace.StartRegion(ctx, tsm.regionName+".PutObject()").End()

	return tsm.innerStorage.PutObject(ctx, bucketName, key, contentType, data)
}

func (tsm *tracingStorageMiddleware) CopyObject(ctx context.Context, srcBucketName storage.BucketName, srcKey storage.ObjectKey, destBucketName storage.BucketName, destKey storage.ObjectKey, contentType *string) (*storage.CopyObjectResult, error) {
	defer trace.StartRegion(ctx, tsm.regionName+".CopyObject()").End()

	return tsm.innerStorage.CopyObject(ctx, srcBucketName, srcKey, destBucketName, destKey, contentType)
}

func (tsm *tracingStorageMiddleware) DeleteObject(ctx context.Context, bucketName storage.BucketName, key storage.ObjectKey) error {
	defer trace.StartRegion(ctx, tsm.regionName+".DeleteObject()").End()

	return tsm.innerStorage.DeleteObject(ctx, bucketName, key)
}

func (tsm *tracingStorageMiddleware) CreateMultipartUpload(ctx context.Context, bucketName storage.BucketName, key storage.ObjectKey, contentType *string) (*storage.InitiateMultipartUploadResult, error) {
	defer trace.StartRegion(ctx, tsm.regionName+".CreateMultipartUpload()").End()

	return tsm.innerStorage.CreateMultipartUpload(ctx, bucketName, key, contentType)
}

func (tsm *tracingStorageMiddleware) UploadPart(ctx context.Context, bucketName storage.BucketName, key storage.ObjectKey, uploadId storage.UploadId, partNumber int32, data io.Reader) (*storage.UploadPartResult, error) {
	defer trace.StartRegion(ctx, tsm.regionName+".UploadPart()").End()

	return tsm.innerStorage.UploadPart(ctx, bucketName, key, uploadId, partNumber, data)
}

func (tsm *tracingStorageMiddleware) CompleteMultipartUpload(ctx context.Context, bucketName storage.BucketName, key storage.ObjectKey, uploadId storage.UploadId) (*storage.CompleteMultipartUploadResult, error) {
	defer trace.StartRegion(ctx, tsm.regionName+".CompleteMultipartUpload()").End()

	return tsm.innerStorage.CompleteMultipartUpload(ctx, bucketName, key, uploadId)
}

func (tsm *tracingStorageMiddleware) AbortMultipartUpload(ctx context.Context, bucketName storage.BucketName, key storage.ObjectKey, uploadId storage.UploadId) error {
	defer trace.StartRegion(ctx, tsm.regionName+".AbortMultipartUpload()").End()

	return tsm.innerStorage.AbortMultipartUpload(ctx, bucketName, key, uploadId)
}

func (tsm *tracingStorageMiddleware) ListMultipartUploads(ctx context.Context, bucketName storage.BucketName, opts storage.ListMultipartUploadsOptions) (*storage.ListMultipartUploadsResult, error) {
	defer trace.StartRegion(ctx, tsm.regionName+".ListMultipartUploads()").End()

	return tsm.innerStorage.ListMultipartUploads(ctx, bucketName, opts)
}

func (tsm *tracingStorageMiddleware) ListParts(ctx context.Context, bucketName storage.BucketName, key storage.ObjectKey, uploadId storage.UploadId, opts storage.ListPartsOptions) (*storage.ListPartsResult, error) {
	defer trace.StartRegion(ctx, tsm.regionName+".ListParts()").End()

	return tsm.innerStorage.ListParts(ctx, bucketName, key, uploadId, opts)
}
