package prometheus

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/avandras/cellar/internal/ioutils"
	"github.com/avandras/cellar/internal/lifecycle"
	"github.com/avandras/cellar/internal/storage"
	"github.com/avandras/cellar/internal/task"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
)

type prometheusStorageMiddleware struct {
	*lifecycle.ValidatedLifecycle
	registerer                   prometheus.Registerer
	failedApiOpsCounter          *prometheus.CounterVec
	successfulApiOpsCounter      *prometheus.CounterVec
	totalSizeByBucket            *prometheus.GaugeVec
	totalBytesUploadedByBucket   *prometheus.CounterVec
	totalBytesDownloadedByBucket *prometheus.CounterVec
	metricsMeasuringTaskHandle   *task.TaskHandle
	innerStorage                 storage.Storage
}

// Compile-time check to ensure prometheusStorageMiddleware implements storage.Storage
var _ storage.Storage = (*prometheusStorageMiddleware)(nil)

func NewStorageMiddleware(innerStorage storage.Storage, registerer prometheus.Registerer) (storage.Storage, error) {
	failedApiOpsCounter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cellar",
			Subsystem: "storage",
			Name:      "failed_api_ops_total",
			Help:      "No of failed api operations handled by Cellar partitioned by type",
		},
		[]string{"type"},
	)

	successfulApiOpsCounter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cellar",
			Subsystem: "storage",
			Name:      "successful_api_ops_total",
			Help:      "No of successful api operations handled by Cellar partitioned by type",
		},
		[]string{"type"},
	)

	totalSizeByBucket := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "cellar",
			Subsystem: "storage",
			Name:      "total_size",
			Help:      "Total size by bucket",
		},
		[]string{"bucket"},
	)

	totalBytesUploadedByBucket := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cellar",
			Subsystem: "storage",
			Name:      "bytes_uploaded_total",
			Help:      "Total bytes uploaded by bucket",
		},
		[]string{"bucket"},
	)

	totalBytesDownloadedByBucket := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cellar",
			Subsystem: "storage",
			Name:      "bytes_downloaded_total",
			Help:      "Total bytes downloaded by bucket",
		},
		[]string{"bucket"},
	)

	lifecycle, err := lifecycle.NewValidatedLifecycle("PrometheusStorageMiddleware")
	if err != nil {
		return nil, err
	}

	return &prometheusStorageMiddleware{
		ValidatedLifecycle:           lifecycle,
		registerer:                   registerer,
		failedApiOpsCounter:          failedApiOpsCounter,
		successfulApiOpsCounter:      successfulApiOpsCounter,
		totalSizeByBucket:            totalSizeByBucket,
		totalBytesUploadedByBucket:   totalBytesUploadedByBucket,
		totalBytesDownloadedByBucket: totalBytesDownloadedByBucket,
		innerStorage:                 innerStorage,
	}, nil
}

func (psm *prometheusStorageMiddleware) measureMetrics(ctx context.Context) {
	buckets, err := psm.innerStorage.ListBuckets(ctx)
	if err != nil {
		return
	}
	for _, bucket := range buckets {
		totalSize, err := psm.getTotalSizeByBucket(ctx, bucket)
		if err != nil {
			return
		}
		psm.totalSizeByBucket.With(prometheus.Labels{"bucket": bucket.Name.String()}).Set(float64(*totalSize))
	}
}

func (psm *prometheusStorageMiddleware) getTotalSizeByBucket(ctx context.Context, bucket storage.Bucket) (*int64, error) {
	var totalSize int64 = 0
	var startAfter *string
	truncated := true

	for truncated {
		listBucketResult, err := psm.innerStorage.ListObjects(ctx, bucket.Name, storage.ListObjectsOptions{
			StartAfter: startAfter,
			MaxKeys:    1000,
		})
		if err != nil {
			return nil, err
		}
		for _, object := range listBucketResult.Objects {
			totalSize += object.Size
		}
		truncated = listBucketResult.IsTruncated
		startAfter = listBucketResult.NextContinuationToken
	}
	return &totalSize, nil
}

func (psm *prometheusStorageMiddleware) measureMetricsLoop(cancelMetricsMeasuring *atomic.Bool) {
	ctx := context.Background()
	for {
		psm.measureMetrics(ctx)
		for range 30 * 4 {
			time.Sleep(250 * time.Millisecond)
			if cancelMetricsMeasuring.Load() {
				return
			}
		}
	}
}

func (psm *prometheusStorageMiddleware) Start(ctx context.Context) error {
	if err := psm.ValidatedLifecycle.Start(ctx); err != nil {
		return err
	}
	psm.registerer.MustRegister(psm.failedApiOpsCounter)
	psm.registerer.MustRegister(psm.successfulApiOpsCounter)
	psm.registerer.MustRegister(psm.totalSizeByBucket)
	psm.registerer.MustRegister(psm.totalBytesUploadedByBucket)
	psm.registerer.MustRegister(psm.totalBytesDownloadedByBucket)

	psm.metricsMeasuringTaskHandle = task.Start(func(cancelTask *atomic.Bool) {
		psm.measureMetricsLoop(cancelTask)
	})

	return psm.innerStorage.Start(ctx)
}

func (psm *prometheusStorageMiddleware) Stop(ctx context.Context) error {
	if err := psm.ValidatedLifecycle.Stop(ctx); err != nil {
		return err
	}

	psm.registerer.Unregister(psm.totalBytesDownloadedByBucket)
	psm.registerer.Unregister(psm.totalBytesUploadedByBucket)
	psm.registerer.Unregister(psm.totalSizeByBucket)
	psm.registerer.Unregister(psm.successfulApiOpsCounter)
	psm.registerer.Unregister(psm.failedApiOpsCounter)

	if psm.metricsMeasuringTaskHandle != nil && !psm.metricsMeasuringTaskHandle.IsCancelled() {
		psm.metricsMeasuringTaskHandle.Cancel()
		joinedWithTimeout := psm.metricsMeasuringTaskHandle.JoinWithTimeout(30 * time.Second)
		if joinedWithTimeout {
			slog.Debug("PrometheusStorageMiddleware.metricsMeasuringTaskHandle joined with timeout of 30s")
		} else {
			slog.Debug("PrometheusStorageMiddleware.metricsMeasuringTaskHandle joined without timeout")
		}
	}

	return psm.innerStorage.Stop(ctx)
}

func (psm *prometheusStorageMiddleware) CreateBucket(ctx context.Context, bucket *storage.Bucket) error {
	err := psm.innerStorage.CreateBucket(ctx, bucket)
	if err != nil {
		psm.failedApiOpsCounter.With(prometheus.Labels{"type": "CreateBucket"}).Inc()

		return err
	}

	psm.successfulApiOpsCounter.With(prometheus.Labels{"type": "CreateBucket"}).Inc()

	return nil
}

func (psm *prometheusStorageMiddleware) DeleteBucket(ctx context.Context, bucketName storage.BucketName) error {
	err := psm.innerStorage.DeleteBucket(ctx, bucketName)
	if err != nil {
		psm.failedApiOpsCounter.With(prometheus.Labels{"type": "DeleteBucket"}).Inc()
		return err
	}

	psm.successfulApiOpsCounter.With(prometheus.Labels{"type": "DeleteBucket"}).Inc()

	return nil
}

func (psm *prometheusStorageMiddleware) ListBuckets(ctx context.Context) ([]storage.Bucket, error) {
	mBuckets, err := psm.innerStorage.ListBuckets(ctx)
	if err != nil {
		psm.failedApiOpsCounter.With(prometheus.Labels{"type": "ListBuckets"}).Inc()
		return nil, err
	}

	psm.successfulApiOpsCounter.With(prometheus.Labels{"type": "ListBuckets"}).Inc()

	return mBuckets, nil
}

func (psm *prometheusStorageMiddleware) ListBucketsByOwnerId(ctx context.Context, ownerId ulid.ULID) ([]storage.Bucket, error) {
	mBuckets, err := psm.innerStorage.ListBucketsByOwnerId(ctx, ownerId)
	if err != nil {
		psm.failedApiOpsCounter.With(prometheus.Labels{"type": "ListBucketsByOwnerId"}).Inc()
		return nil, err
	}

	psm.successfulApiOpsCounter.With(prometheus.Labels{"type": "ListBucketsByOwnerId"}).Inc()

	return mBuckets, nil
}

func (psm *prometheusStorageMiddleware) HeadBucket(ctx context.Context, bucketName storage.BucketName) (*storage.Bucket, error) {
	mBucket, err := psm.innerStorage.HeadBucket(ctx, bucketName)
	if err != nil {
		psm.failedApiOpsCounter.With(prometheus.Labels{"type": "HeadBucket"}).Inc()
		return nil, err
	}

	psm.successfulApiOpsCounter.With(prometheus.Labels{"type": "HeadBucket"}).Inc()

	return mBucket, err
}

func (psm *prometheusStorageMiddleware) CreateUser(ctx context.Context, user *storage.User) error {
	err := psm.innerStorage.CreateUser(ctx, user)
	if err != nil {
		psm.failedApiOpsCounter.With(prometheus.Labels{"type": "CreateUser"}).Inc()
		return err
	}

	psm.successfulApiOpsCounter.With(prometheus.Labels{"type": "CreateUser"}).Inc()

	return nil
}

func (psm *prometheusStorageMiddleware) HeadUserByName(ctx context.Context, name string) (*storage.User, error) {
	mUser, err := psm.innerStorage.HeadUserByName(ctx, name)
	if err != nil {
		psm.failedApiOpsCounter.With(prometheus.Labels{"type": "HeadUserByName"}).Inc()
		return nil, err
	}

	psm.successfulApiOpsCounter.With(prometheus.Labels{"type": "HeadUserByName"}).Inc()

	return mUser, nil
}

func (psm *prometheusStorageMiddleware) ListUsers(ctx context.Context) ([]storage.User, error) {
	mUsers, err := psm.innerStorage.ListUsers(ctx)
	if err != nil {
		psm.failedApiOpsCounter.With(prometheus.Labels{"type": "ListUsers"}).Inc()
		return nil, err
	}

	psm.successfulApiOpsCounter.With(prometheus.Labels{"type": "ListUsers"}).Inc()

	return mUsers, nil
}

func (psm *prometheusStorageMiddleware) ListObjects(ctx context.Context, bucketName storage.BucketName, opts storage.ListObjectsOptions) (*storage.ListBucketResult, error) {
	mListBucketResult, err := psm.innerStorage.ListObjects(ctx, bucketName, opts)
	if err != nil {
		psm.failedApiOpsCounter.With(prometheus.Labels{"type": "ListObjects"}).Inc()
		return nil, err
	}

	psm.successfulApiOpsCounter.With(prometheus.Labels{"type": "ListObjects"}).Inc()

	return mListBucketResult, nil
}

func (psm *prometheusStorageMiddleware) HeadObject(ctx context.Context, bucketName storage.BucketName, key storage.ObjectKey) (*storage.Object, error) {
	mObject, err := psm.innerStorage.HeadObject(ctx, bucketName, key)
	if err != nil {
		psm.failedApiOpsCounter.With(prometheus.Labels{"type": "HeadObject"}).Inc()
		return nil, err
	}

	psm.successfulApiOpsCounter.With(prometheus.Labels{"type": "HeadObject"}).Inc()

	return mObject, nil
}

func (psm *prometheusStorageMiddleware) GetObject(ctx context.Context, bucketName storage.BucketName, key storage.ObjectKey, byteRange *storage.ByteRange) (*storage.Object, io.ReadCloser, error) {
	mObject, reader, err := psm.innerStorage.GetObject(ctx, bucketName, key, byteRange)
	if err != nil {
		psm.failedApiOpsCounter.With(prometheus.Labels{"type": "GetObject"}).Inc()
		return nil, nil, err
	}

	reader = ioutils.NewStatsReadCloser(reader, func(n int) {
		psm.totalBytesDownloadedByBucket.With(prometheus.Labels{"bucket": bucketName.String()}).Add(float64(n))
	})

	psm.successfulApiOpsCounter.With(prometheus.Labels{"type": "GetObject"}).Inc()

	return mObject, reader, nil
}

func (psm *prometheusStorageMiddleware) PutObject(ctx context.Context, bucketName storage.BucketName, key storage.ObjectKey, contentType *string, data io.Reader) (*storage.PutObjectResult, error) {
	data = ioutils.NewStatsReadCloser(io.NopCloser(data), func(n int) {
		psm.totalBytesUploadedByBucket.With(prometheus.Labels{"bucket": bucketName.String()}).Add(float64(n))
	})

	putObjectResult, err := psm.innerStorage.PutObject(ctx, bucketName, key, contentType, data)
	if err != nil {
		psm.failedApiOpsCounter.With(prometheus.Labels{"type": "PutObject"}).Inc()
		return nil, err
	}

	psm.successfulApiOpsCounter.With(prometheus.Labels{"type": "PutObject"}).Inc()

	return putObjectResult, nil
}

func (psm *prometheusStorageMiddleware) CopyObject(ctx context.Context, srcBucketName storage.BucketName, srcKey storage.ObjectKey, destBucketName storage.BucketName, destKey storage.ObjectKey, contentType *string) (*storage.CopyObjectResult, error) {
	copyObjectResult, err := psm.innerStorage.CopyObject(ctx, srcBucketName, srcKey, destBucketName, destKey, contentType)
	if err != nil {
		psm.failedApiOpsCounter.With(prometheus.Labels{"type": "CopyObject"}).Inc()
		return nil, err
	}

	psm.successfulApiOpsCounter.With(prometheus.Labels{"type": "CopyObject"}).Inc()

	return copyObjectResult, nil
}

func (psm *prometheusStorageMiddleware) DeleteObject(ctx context.Context, bucketName storage.BucketName, key storage.ObjectKey) error {
	err := psm.innerStorage.DeleteObject(ctx, bucketName, key)
	if err != nil {
		psm.failedApiOpsCounter.With(prometheus.Labels{"type": "DeleteObject"}).Inc()
		return err
	}

	psm.successfulApiOpsCounter.With(prometheus.Labels{"type": "DeleteObject"}).Inc()

	return nil
}

func (psm *prometheusStorageMiddleware) CreateMultipartUpload(ctx context.Context, bucketName storage.BucketName, key storage.ObjectKey, contentType *string) (*storage.InitiateMultipartUploadResult, error) {
	initiateMultipartUploadResult, err := psm.innerStorage.CreateMultipartUpload(ctx, bucketName, key, contentType)
	if err != nil {
		psm.failedApiOpsCounter.With(prometheus.Labels{"type": "CreateMultipartUpload"}).Inc()
		return nil, err
	}

	psm.successfulApiOpsCounter.With(prometheus.Labels{"type": "CreateMultipartUpload"}).Inc()

	return initiateMultipartUploadResult, nil
}

func (psm *prometheusStorageMiddleware) UploadPart(ctx context.Context, bucketName storage.BucketName, key storage.ObjectKey, uploadId storage.UploadId, partNumber int32, data io.Reader) (*storage.UploadPartResult, error) {
	bytesUploaded := 0
	data = ioutils.NewStatsReadCloser(io.NopCloser(data), func(n int) {
		bytesUploaded += n
	})

	uploadPartResult, err := psm.innerStorage.UploadPart(ctx, bucketName, key, uploadId, partNumber, data)
	if err != nil {
		psm.failedApiOpsCounter.With(prometheus.Labels{"type": "UploadPart"}).Inc()
		return nil, err
	}

	psm.successfulApiOpsCounter.With(prometheus.Labels{"type": "UploadPart"}).Inc()
	psm.totalBytesUploadedByBucket.With(prometheus.Labels{"bucket": bucketName.String()}).Add(float64(bytesUploaded))

	return uploadPartResult, nil
}

func (psm *prometheusStorageMiddleware) CompleteMultipartUpload(ctx context.Context, bucketName storage.BucketName, key storage.ObjectKey, uploadId storage.UploadId) (*storage.CompleteMultipartUploadResult, error) {
	completeMultipartUploadResult, err := psm.innerStorage.CompleteMultipartUpload(ctx, bucketName, key, uploadId)
	if err != nil {
		psm.failedApiOpsCounter.With(prometheus.Labels{"type": "CompleteMultipartUpload"}).Inc()
		return nil, err
	}

	psm.successfulApiOpsCounter.With(prometheus.Labels{"type": "CompleteMultipartUpload"}).Inc()

	return completeMultipartUploadResult, nil
}

func (psm *prometheusStorageMiddleware) AbortMultipartUpload(ctx context.Context, bucketName storage.BucketName, key storage.ObjectKey, uploadId storage.UploadId) error {
	err := psm.innerStorage.AbortMultipartUpload(ctx, bucketName, key, uploadId)
	if err != nil {
		psm.failedApiOpsCounter.With(prometheus.Labels{"type": "AbortMultipartUpload"}).Inc()
		return err
	}

	psm.successfulApiOpsCounter.With(prometheus.Labels{"type": "AbortMultipartUpload"}).Inc()

	return nil
}

func (psm *prometheusStorageMiddleware) ListMultipartUploads(ctx context.Context, bucketName storage.BucketName, opts storage.ListMultipartUploadsOptions) (*storage.ListMultipartUploadsResult, error) {
	listMultipartUploadsResult, err := psm.innerStorage.ListMultipartUploads(ctx, bucketName, opts)
	if err != nil {
		psm.failedApiOpsCounter.With(prometheus.Labels{"type": "ListMultipartUploads"}).Inc()
		return nil, err
	}

	psm.successfulApiOpsCounter.With(prometheus.Labels{"type": "ListMultipartUploads"}).Inc()
	return listMultipartUploadsResult, nil
}

func (psm *prometheusStorageMiddleware) ListParts(ctx context.Context, bucketName storage.BucketName, key storage.ObjectKey, uploadId storage.UploadId, opts storage.ListPartsOptions) (*storage.ListPartsResult, error) {
	listPartsResult, err := psm.innerStorage.ListParts(ctx, bucketName, key, uploadId, opts)
	if err != nil {
		psm.failedApiOpsCounter.With(prometheus.Labels{"type": "ListParts"}).Inc()
		return nil, err
	}

	psm.successfulApiOpsCounter.With(prometheus.Labels{"type": "ListParts"}).Inc()
	return listPartsResult, nil
}
