package authorization

import "context"

// Authorization describes the authentication outcome of the request:
// which access key signed it (empty for anonymous requests), whether
// the signature verified, and whether the credential is granted the
// addressed bucket.
type Authorization struct {
	AccessKeyId   string
	Authenticated bool
	BucketGranted bool
}

const (
	OperationListBuckets             = "ListBuckets"
	OperationHeadBucket              = "HeadBucket"
	OperationListMultipartUploads    = "ListMultipartUploads"
	OperationListObjects             = "ListObjects"
	OperationCreateBucket            = "CreateBucket"
	OperationDeleteBucket            = "DeleteBucket"
	OperationHeadObject              = "HeadObject"
	OperationListParts               = "ListParts"
	OperationGetObject               = "GetObject"
	OperationCreateMultipartUpload   = "CreateMultipartUpload"
	OperationCompleteMultipartUpload = "CompleteMultipartUpload"
	OperationUploadPart              = "UploadPart"
	OperationPutObject               = "PutObject"
	OperationAbortMultipartUpload    = "AbortMultipartUpload"
	OperationDeleteObject            = "DeleteObject"
)

// Bucket access levels, mirroring the values stored on the bucket.
const (
	BucketAccessPrivate     = "private"
	BucketAccessPublicRead  = "public-read"
	BucketAccessPublicWrite = "public-write"
)

type Request struct {
	Operation     string
	Authorization Authorization
	Bucket        *string
	Key           *string
	BucketAccess  *string
}

type RequestAuthorizer interface {
	AuthorizeRequest(ctx context.Context, request *Request) (bool, error)
}

// IsReadOnlyOperation reports whether the operation only reads state.
func IsReadOnlyOperation(operation string) bool {
	switch operation {
	case OperationListBuckets, OperationHeadBucket, OperationHeadObject,
		OperationListMultipartUploads, OperationListObjects,
		OperationListParts, OperationGetObject:
		return true
	}
	return false
}
