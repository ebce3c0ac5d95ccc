package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strconv"
	"time"

	"github.com/avandras/cellar/internal/ioutils"
	"github.com/avandras/cellar/internal/lifecycle"
	"github.com/avandras/cellar/internal/ptrutils"
	"github.com/avandras/cellar/internal/storage/treestore/metadatastore"
	"github.com/oklog/ulid/v2"
)

type Bucket struct {
	Id                  *ulid.ULID
	Name                BucketName
	Access              BucketAccess
	StorageQuota        int64
	PathCacheTtlSeconds int64
	OwnerId             ulid.ULID
	CreationDate        time.Time
}

type User struct {
	Id           *ulid.ULID
	Name         string
	StorageQuota int64
	CreationDate time.Time
}

type Object struct {
	Key          ObjectKey
	ContentType  *string
	LastModified time.Time
	ETag         string
	Size         int64
}

// ByteRange represents a byte range for GetObject operations.
// Start and End use exclusive end indexing (End points one past the last byte).
// Examples:
//   - Start=0, End=10: bytes 0-9 (10 bytes)
//   - Start=nil, End=nil: entire object
//   - Start=nil, End=500: suffix range - last 500 bytes (will be converted to an absolute range)
//
// Suffix ranges (Start=nil, End=N) are converted to absolute ranges by the storage layer.
type ByteRange struct {
	Start *int64
	End   *int64
}

// NormalizeByteRange converts a requested range into absolute start/end
// offsets (end exclusive) against an object of the given size. A nil
// range selects the whole object. Ranges that select nothing return
// ErrInvalidRange.
func NormalizeByteRange(byteRange *ByteRange, size int64) (int64, int64, error) {
	if byteRange == nil || (byteRange.Start == nil && byteRange.End == nil) {
		return 0, size, nil
	}
	var startByte, endByte int64
	if byteRange.Start == nil {
		suffixLength := *byteRange.End
		if suffixLength <= 0 {
			return 0, 0, ErrInvalidRange
		}
		startByte = size - suffixLength
		if startByte < 0 {
			startByte = 0
		}
		endByte = size
	} else {
		startByte = *byteRange.Start
		endByte = size
		if byteRange.End != nil {
			endByte = min(*byteRange.End, size)
		}
	}
	if startByte < 0 || startByte >= size || endByte <= startByte {
		return 0, 0, ErrInvalidRange
	}
	return startByte, endByte, nil
}

type ListBucketResult struct {
	Objects        []Object
	CommonPrefixes []string
	IsTruncated    bool
	// NextContinuationToken is the key or common prefix to continue
	// after when IsTruncated is set.
	NextContinuationToken *string
}

type PutObjectResult struct {
	ETag *string
}

type CopyObjectResult struct {
	ETag         string
	LastModified time.Time
}

type InitiateMultipartUploadResult struct {
	UploadId UploadId
}

type UploadPartResult struct {
	ETag string
}

type CompleteMultipartUploadResult struct {
	Location string
	ETag     string
}

type Upload struct {
	Key       ObjectKey
	UploadId  UploadId
	Initiated time.Time
}

type ListMultipartUploadsResult struct {
	BucketName         BucketName
	KeyMarker          string
	UploadIdMarker     string
	NextKeyMarker      string
	Prefix             string
	Delimiter          string
	NextUploadIdMarker string
	MaxUploads         int32
	CommonPrefixes     []string
	Uploads            []Upload
	IsTruncated        bool
}

type Part struct {
	ETag         string
	LastModified time.Time
	PartNumber   int32
	Size         int64
}

type ListPartsResult struct {
	BucketName           BucketName
	Key                  ObjectKey
	UploadId             UploadId
	PartNumberMarker     *int32
	NextPartNumberMarker *int32
	MaxParts             int32
	IsTruncated          bool
	Parts                []Part
}

type BucketAccess = metadatastore.BucketAccess

const (
	BucketAccessPrivate     = metadatastore.BucketAccessPrivate
	BucketAccessPublicRead  = metadatastore.BucketAccessPublicRead
	BucketAccessPublicWrite = metadatastore.BucketAccessPublicWrite
)

var ParseBucketAccess = metadatastore.ParseBucketAccess

type BucketName = metadatastore.BucketName

var NewBucketName = metadatastore.NewBucketName
var MustNewBucketName = metadatastore.MustNewBucketName

var ErrNoSuchBucket error = metadatastore.ErrNoSuchBucket
var ErrBucketAlreadyExists error = metadatastore.ErrBucketAlreadyExists
var ErrBucketNotEmpty error = metadatastore.ErrBucketNotEmpty
var ErrNoSuchKey error = metadatastore.ErrNoSuchKey
var ErrNoSuchUser error = metadatastore.ErrNoSuchUser
var ErrUserAlreadyExists error = metadatastore.ErrUserAlreadyExists
var ErrInvalidBucketName error = metadatastore.ErrInvalidBucketName
var ErrInvalidBucketAccess error = metadatastore.ErrInvalidBucketAccess
var ErrNoSuchUpload error = errors.New("NoSuchUpload")
var ErrQuotaExceeded error = errors.New("QuotaExceeded")
var ErrInvalidRange error = errors.New("InvalidRange")
var ErrNotImplemented error = errors.New("NotImplemented")
var ErrEntityTooLarge error = errors.New("EntityTooLarge")

var MaxEntitySize int64 = 900 * 1000 * 1000 // 900 MB

// ListObjectsOptions defines options for listing objects
type ListObjectsOptions struct {
	// Prefix limits the response to keys that begin with the specified prefix.
	Prefix *string
	// Delimiter is a character you use to group keys.
	Delimiter *string
	// StartAfter is where you want the listing to start from. Listing starts after this specified key.
	StartAfter *string
	// MaxKeys sets the maximum number of keys returned in the response. Zero or negative means no limit.
	MaxKeys int32
}

// ListMultipartUploadsOptions defines options for listing multipart uploads
type ListMultipartUploadsOptions struct {
	// Prefix limits the response to keys that begin with the specified prefix.
	Prefix *string
	// Delimiter is a character you use to group keys.
	Delimiter *string
	// KeyMarker specifies the key-marker query parameter in the request.
	KeyMarker *string
	// UploadIdMarker specifies the upload-id-marker query parameter in the request.
	UploadIdMarker *string
	// MaxUploads sets the maximum number of multipart uploads returned in the response. Zero or negative means no limit.
	MaxUploads int32
}

// ListPartsOptions defines options for listing parts
type ListPartsOptions struct {
	// PartNumberMarker specifies the part number to continue listing after.
	PartNumberMarker *int32
	// MaxParts sets the maximum number of parts returned in the response. Zero or negative means no limit.
	MaxParts int32
}

// BucketManager manages bucket operations
type BucketManager interface {
	CreateBucket(ctx context.Context, bucket *Bucket) error
	DeleteBucket(ctx context.Context, bucketName BucketName) error
	ListBuckets(ctx context.Context) ([]Bucket, error)
	ListBucketsByOwnerId(ctx context.Context, ownerId ulid.ULID) ([]Bucket, error)
	HeadBucket(ctx context.Context, bucketName BucketName) (*Bucket, error)
}

// UserManager manages the user accounts that own buckets
type UserManager interface {
	CreateUser(ctx context.Context, user *User) error
	HeadUserByName(ctx context.Context, name string) (*User, error)
	ListUsers(ctx context.Context) ([]User, error)
}

// ObjectManager manages object operations
type ObjectManager interface {
	ListObjects(ctx context.Context, bucketName BucketName, opts ListObjectsOptions) (*ListBucketResult, error)
	HeadObject(ctx context.Context, bucketName BucketName, key ObjectKey) (*Object, error)
	// GetObject retrieves an object with an optional byte range.
	// If byteRange is nil, the entire object is returned.
	// The caller is responsible for closing the returned reader.
	GetObject(ctx context.Context, bucketName BucketName, key ObjectKey, byteRange *ByteRange) (*Object, io.ReadCloser, error)
	PutObject(ctx context.Context, bucketName BucketName, key ObjectKey, contentType *string, data io.Reader) (*PutObjectResult, error)
	// CopyObject duplicates the content of the source object under the
	// destination key. A nil contentType copies the source content type.
	CopyObject(ctx context.Context, srcBucketName BucketName, srcKey ObjectKey, destBucketName BucketName, destKey ObjectKey, contentType *string) (*CopyObjectResult, error)
	DeleteObject(ctx context.Context, bucketName BucketName, key ObjectKey) error
}

// MultipartUploadManager manages multipart upload operations
type MultipartUploadManager interface {
	CreateMultipartUpload(ctx context.Context, bucketName BucketName, key ObjectKey, contentType *string) (*InitiateMultipartUploadResult, error)
	UploadPart(ctx context.Context, bucketName BucketName, key ObjectKey, uploadId UploadId, partNumber int32, data io.Reader) (*UploadPartResult, error)
	CompleteMultipartUpload(ctx context.Context, bucketName BucketName, key ObjectKey, uploadId UploadId) (*CompleteMultipartUploadResult, error)
	AbortMultipartUpload(ctx context.Context, bucketName BucketName, key ObjectKey, uploadId UploadId) error
	ListMultipartUploads(ctx context.Context, bucketName BucketName, opts ListMultipartUploadsOptions) (*ListMultipartUploadsResult, error)
	ListParts(ctx context.Context, bucketName BucketName, key ObjectKey, uploadId UploadId, opts ListPartsOptions) (*ListPartsResult, error)
}

// Storage is a composite interface that combines all storage operations
type Storage interface {
	lifecycle.Manager
	BucketManager
	UserManager
	ObjectManager
	MultipartUploadManager
}

func ListAllObjectsOfBucket(ctx context.Context, storage Storage, bucketName BucketName) ([]Object, error) {
	allObjects := []Object{}
	var startAfter *string
	for {
		listBucketResult, err := storage.ListObjects(ctx, bucketName, ListObjectsOptions{
			StartAfter: startAfter,
			MaxKeys:    1000,
		})
		if err != nil {
			return nil, err
		}
		allObjects = append(allObjects, listBucketResult.Objects...)
		if !listBucketResult.IsTruncated {
			break
		}
		startAfter = ptrutils.ToPtr(listBucketResult.Objects[len(listBucketResult.Objects)-1].Key.String())
	}
	return allObjects, nil
}

func Tester(storage Storage, bucketNames []BucketName, content []byte) error {
	ctx := context.Background()
	err := storage.Start(ctx)
	if err != nil {
		return err
	}
	defer storage.Stop(ctx)

	owner := User{
		Name:         "tester",
		StorageQuota: -1,
	}
	err = storage.CreateUser(ctx, &owner)
	if err != nil {
		return err
	}

	for _, bucketName := range bucketNames {
		key := MustNewObjectKey("test")
		data := ioutils.NewByteReadSeekCloser(content)

		err = storage.CreateBucket(ctx, &Bucket{
			Name:         bucketName,
			Access:       BucketAccessPrivate,
			StorageQuota: -1,
			OwnerId:      *owner.Id,
		})
		if err != nil {
			return err
		}

		bucket, err := storage.HeadBucket(ctx, bucketName)
		if err != nil {
			return err
		}

		if !bucketName.Equals(bucket.Name) {
			return errors.New("invalid bucketName")
		}

		buckets, err := storage.ListBuckets(ctx)
		if err != nil {
			return err
		}

		if len(buckets) != 1 {
			return errors.New("expected 1 bucket got " + strconv.Itoa(len(buckets)))
		}

		if !bucketName.Equals(buckets[0].Name) {
			return errors.New("invalid bucketName")
		}

		ownedBuckets, err := storage.ListBucketsByOwnerId(ctx, *owner.Id)
		if err != nil {
			return err
		}

		if len(ownedBuckets) != 1 {
			return errors.New("expected 1 owned bucket got " + strconv.Itoa(len(ownedBuckets)))
		}

		_, err = storage.PutObject(ctx, bucketName, key, nil, data)
		if err != nil {
			return err
		}

		object, err := storage.HeadObject(ctx, bucketName, key)
		if err != nil {
			return err
		}

		if object.Size != int64(len(content)) {
			return errors.New("invalid content length")
		}

		_, reader, err := storage.GetObject(ctx, bucketName, key, nil)
		if err != nil {
			return err
		}
		readContent, err := io.ReadAll(reader)
		reader.Close()
		if err != nil {
			return err
		}
		if !bytes.Equal(content, readContent) {
			return errors.New("read result returned invalid content")
		}

		listBucketResult, err := storage.ListObjects(ctx, bucketName, ListObjectsOptions{
			MaxKeys: 1000,
		})
		if err != nil {
			return err
		}

		if len(listBucketResult.Objects) != 1 {
			return errors.New("invalid objects length")
		}

		if !key.Equals(listBucketResult.Objects[0].Key) {
			return errors.New("invalid object key")
		}

		err = storage.DeleteObject(ctx, bucketName, key)
		if err != nil {
			return err
		}

		initiateMultipartUploadResult, err := storage.CreateMultipartUpload(ctx, bucketName, key, nil)
		if err != nil {
			return err
		}

		_, err = data.Seek(0, io.SeekStart)
		if err != nil {
			return err
		}

		_, err = storage.UploadPart(ctx, bucketName, key, initiateMultipartUploadResult.UploadId, 1, data)
		if err != nil {
			return err
		}

		_, err = storage.CompleteMultipartUpload(ctx, bucketName, key, initiateMultipartUploadResult.UploadId)
		if err != nil {
			return err
		}

		err = storage.DeleteObject(ctx, bucketName, key)
		if err != nil {
			return err
		}

		initiateMultipartUploadResult, err = storage.CreateMultipartUpload(ctx, bucketName, key, nil)
		if err != nil {
			return err
		}

		_, err = data.Seek(0, io.SeekStart)
		if err != nil {
			return err
		}

		_, err = storage.UploadPart(ctx, bucketName, key, initiateMultipartUploadResult.UploadId, 1, data)
		if err != nil {
			return err
		}

		err = storage.AbortMultipartUpload(ctx, bucketName, key, initiateMultipartUploadResult.UploadId)
		if err != nil {
			return err
		}

		err = storage.DeleteBucket(ctx, bucketName)
		if err != nil {
			return err
		}

		buckets, err = storage.ListBuckets(ctx)
		if err != nil {
			return err
		}

		if len(buckets) != 0 {
			return errors.New("expected 0 bucket got " + strconv.Itoa(len(buckets)))
		}
	}

	return nil
}
