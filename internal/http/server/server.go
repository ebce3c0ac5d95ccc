package server

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"runtime/trace"
	"strconv"
	"strings"
	"time"

	"github.com/avandras/cellar/internal/config"
	"github.com/avandras/cellar/internal/http/middlewares"
	"github.com/avandras/cellar/internal/http/server/authentication"
	"github.com/avandras/cellar/internal/http/server/authorization"
	"github.com/avandras/cellar/internal/identity"
	"github.com/avandras/cellar/internal/ioutils"
	"github.com/avandras/cellar/internal/ptrutils"
	"github.com/avandras/cellar/internal/sliceutils"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	storage "github.com/avandras/cellar/internal/storage"
)

type Server struct {
	requestAuthorizer authorization.RequestAuthorizer
	storage           storage.Storage
}

// SetupServer wires the gateway handler chain: the signature middleware
// runs first so path detection sees the request before the virtual-host
// rewrite, then the rewrite, then optional response compression, then
// the route table.
func SetupServer(identityProvider identity.Provider, region string, domain string, requestAuthorizer authorization.RequestAuthorizer, store storage.Storage, compressionEnabled bool) http.Handler {
	server := &Server{
		requestAuthorizer: requestAuthorizer,
		storage:           store,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /", server.listBucketsHandler)
	mux.HandleFunc("HEAD /{bucket}", server.headBucketHandler)
	mux.HandleFunc("GET /{bucket}", server.listObjectsOrListMultipartUploadsHandler)
	mux.HandleFunc("PUT /{bucket}", server.createBucketHandler)
	mux.HandleFunc("DELETE /{bucket}", server.deleteBucketHandler)
	mux.HandleFunc("HEAD /{bucket}/{key...}", server.headObjectHandler)
	mux.HandleFunc("GET /{bucket}/{key...}", server.getObjectOrListPartsHandler)
	mux.HandleFunc("POST /{bucket}/{key...}", server.createMultipartUploadOrCompleteMultipartUploadHandler)
	mux.HandleFunc("PUT /{bucket}/{key...}", server.uploadPartOrPutObjectHandler)
	mux.HandleFunc("DELETE /{bucket}/{key...}", server.abortMultipartUploadOrDeleteObjectHandler)
	var rootHandler http.Handler = mux
	if compressionEnabled {
		rootHandler = middlewares.MakeDeflateMiddleware(rootHandler)
		rootHandler = middlewares.MakeGzipMiddleware(rootHandler)
	}
	rootHandler = middlewares.MakeVirtualHostBucketAddressingMiddleware(domain, rootHandler)
	rootHandler = authentication.MakeSignatureMiddleware(identityProvider, region, rootHandler)
	return rootHandler
}

func makeHealthCheckHandler(dbs []config.Db) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		for _, db := range dbs {
			err := db.PingContext(ctx)
			if err != nil {
				w.WriteHeader(503)
				w.Write([]byte("Unhealthy"))
				return
			}
		}
		w.WriteHeader(200)
		w.Write([]byte("Healthy"))
	}
}

func SetupMonitoringServer(dbs []config.Db) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /health", makeHealthCheckHandler(dbs))
	var rootHandler http.Handler = mux
	return rootHandler
}

const bucketPath = "bucket"
const keyPath = "key"

// chunks buffered between the content store reader and the response
// writer on downloads (io.Copy chunks, 32KiB each)
const downloadPipeChunks = 16

const listTypeQuery = "list-type"
const prefixQuery = "prefix"
const delimiterQuery = "delimiter"
const startAfterQuery = "start-after"
const continuationTokenQuery = "continuation-token"
const maxKeysQuery = "max-keys"
const uploadIdQuery = "uploadId"
const uploadsQuery = "uploads"
const partNumberQuery = "partNumber"
const keyMarkerQuery = "key-marker"
const uploadIdMarkerQuery = "upload-id-marker"
const partNumberMarkerQuery = "part-number-marker"
const maxUploadsQuery = "max-uploads"
const maxPartsQuery = "max-parts"

const acceptRangesHeader = "Accept-Ranges"
const expectHeader = "Expect"
const contentRangeHeader = "Content-Range"
const contentLengthHeader = "Content-Length"
const rangeHeader = "Range"
const etagHeader = "ETag"
const lastModifiedHeader = "Last-Modified"
const contentTypeHeader = "Content-Type"
const locationHeader = "Location"
const amzAclHeader = "x-amz-acl"
const amzCopySourceHeader = "x-amz-copy-source"

const applicationXmlContentType = "application/xml"
const octetStreamContentType = "application/octet-stream"

const storageClassStandard = "STANDARD"

const s3Xmlns = "http://s3.amazonaws.com/doc/2006-03-01/"

const defaultMaxKeys = 1000
const maxPartNumber = 10000

type BucketResult struct {
	XMLName      xml.Name `xml:"Bucket"`
	CreationDate string   `xml:"CreationDate"`
	Name         string   `xml:"Name"`
}

type OwnerResult struct {
	XMLName     xml.Name `xml:"Owner"`
	DisplayName string   `xml:"DisplayName"`
	Id          string   `xml:"ID"`
}

type ListAllMyBucketsResult struct {
	XMLName xml.Name        `xml:"ListAllMyBucketsResult"`
	Xmlns   string          `xml:"xmlns,attr"`
	Buckets []*BucketResult `xml:">Buckets"`
	Owner   *OwnerResult    `xml:"Owner"`
}

type ContentResult struct {
	Key          string `xml:"Key"`
	LastModified string `xml:"LastModified"`
	ETag         string `xml:"ETag"`
	Size         int64  `xml:"Size"`
	StorageClass string `xml:"StorageClass"`
}

type CommonPrefixResult struct {
	Prefix string `xml:"Prefix"`
}

type ListBucketResult struct {
	XMLName               xml.Name              `xml:"ListBucketResult"`
	Xmlns                 string                `xml:"xmlns,attr"`
	IsTruncated           bool                  `xml:"IsTruncated"`
	Contents              []*ContentResult      `xml:"Contents"`
	Name                  string                `xml:"Name"`
	Prefix                string                `xml:"Prefix"`
	Delimiter             string                `xml:"Delimiter,omitempty"`
	MaxKeys               int32                 `xml:"MaxKeys"`
	CommonPrefixes        []*CommonPrefixResult `xml:"CommonPrefixes"`
	KeyCount              int32                 `xml:"KeyCount"`
	StartAfter            string                `xml:"StartAfter,omitempty"`
	ContinuationToken     string                `xml:"ContinuationToken,omitempty"`
	NextContinuationToken *string               `xml:"NextContinuationToken,omitempty"`
}

type InitiateMultipartUploadResult struct {
	XMLName  xml.Name `xml:"InitiateMultipartUploadResult"`
	Xmlns    string   `xml:"xmlns,attr"`
	Bucket   string   `xml:"Bucket"`
	Key      string   `xml:"Key"`
	UploadId string   `xml:"UploadId"`
}

type Part struct {
	ETag       string `xml:"ETag"`
	PartNumber int32  `xml:"PartNumber"`
}

type CompleteMultipartUploadRequest struct {
	XMLName xml.Name `xml:"CompleteMultipartUpload"`
	Parts   []*Part  `xml:"Part"`
}

type CompleteMultipartUploadResult struct {
	XMLName  xml.Name `xml:"CompleteMultipartUploadResult"`
	Xmlns    string   `xml:"xmlns,attr"`
	Location string   `xml:"Location"`
	Bucket   string   `xml:"Bucket"`
	Key      string   `xml:"Key"`
	ETag     string   `xml:"ETag"`
}

type CopyObjectResult struct {
	XMLName      xml.Name `xml:"CopyObjectResult"`
	Xmlns        string   `xml:"xmlns,attr"`
	ETag         string   `xml:"ETag"`
	LastModified string   `xml:"LastModified"`
}

type UploadResult struct {
	Key          string `xml:"Key"`
	UploadId     string `xml:"UploadId"`
	Initiated    string `xml:"Initiated"`
	StorageClass string `xml:"StorageClass"`
}

type ListMultipartUploadsResult struct {
	XMLName            xml.Name              `xml:"ListMultipartUploadsResult"`
	Xmlns              string                `xml:"xmlns,attr"`
	Bucket             string                `xml:"Bucket"`
	KeyMarker          string                `xml:"KeyMarker"`
	UploadIdMarker     string                `xml:"UploadIdMarker"`
	NextKeyMarker      string                `xml:"NextKeyMarker"`
	NextUploadIdMarker string                `xml:"NextUploadIdMarker"`
	MaxUploads         int32                 `xml:"MaxUploads"`
	IsTruncated        bool                  `xml:"IsTruncated"`
	Delimiter          string                `xml:"Delimiter,omitempty"`
	Prefix             string                `xml:"Prefix"`
	Uploads            []*UploadResult       `xml:"Upload"`
	CommonPrefixes     []*CommonPrefixResult `xml:"CommonPrefixes"`
}

type PartResult struct {
	ETag         string `xml:"ETag"`
	LastModified string `xml:"LastModified"`
	PartNumber   int32  `xml:"PartNumber"`
	Size         int64  `xml:"Size"`
}

type ListPartsResult struct {
	XMLName              xml.Name      `xml:"ListPartsResult"`
	Xmlns                string        `xml:"xmlns,attr"`
	Bucket               string        `xml:"Bucket"`
	Key                  string        `xml:"Key"`
	UploadId             string        `xml:"UploadId"`
	PartNumberMarker     *int32        `xml:"PartNumberMarker,omitempty"`
	NextPartNumberMarker *int32        `xml:"NextPartNumberMarker,omitempty"`
	MaxParts             int32         `xml:"MaxParts"`
	IsTruncated          bool          `xml:"IsTruncated"`
	Parts                []*PartResult `xml:"Part"`
	StorageClass         string        `xml:"StorageClass"`
}

type ErrorResponse struct {
	XMLName   xml.Name `xml:"Error"`
	Code      string   `xml:"Code"`
	Message   string   `xml:"Message"`
	Resource  string   `xml:"Resource"`
	RequestId string   `xml:"RequestId"`
}

func xmlMarshalWithDocType(v any) ([]byte, error) {
	xmlResponse, err := xml.MarshalIndent(v, "", "  ")
	if err != nil {
		slog.Error("Failed to marshal xml response", "error", err)
		return nil, err
	}
	xmlResponse = []byte(xml.Header + string(xmlResponse))
	return xmlResponse, nil
}

func getHeaderAsPtr(headers http.Header, name string) *string {
	val := headers.Get(name)
	if val == "" {
		return nil
	}
	return &val
}

func writeErrorResponse(w http.ResponseWriter, r *http.Request, statusCode int, code string, message string) {
	errResponse := ErrorResponse{
		Code:     code,
		Message:  message,
		Resource: r.URL.Path,
	}
	xmlErrorResponse, err := xmlMarshalWithDocType(errResponse)
	if err != nil {
		w.WriteHeader(statusCode)
		return
	}
	w.Header().Set(contentTypeHeader, applicationXmlContentType)
	w.WriteHeader(statusCode)
	w.Write(xmlErrorResponse)
}

func handleError(err error, w http.ResponseWriter, r *http.Request) {
	var statusCode int
	var code string
	switch {
	case errors.Is(err, storage.ErrNoSuchBucket):
		statusCode, code = 404, "NoSuchBucket"
	case errors.Is(err, storage.ErrNoSuchKey):
		statusCode, code = 404, "NoSuchKey"
	case errors.Is(err, storage.ErrNoSuchUpload):
		statusCode, code = 404, "NoSuchUpload"
	case errors.Is(err, storage.ErrInvalidUploadId):
		// an id that never was a valid upload id names no upload
		statusCode, code = 404, "NoSuchUpload"
	case errors.Is(err, storage.ErrBucketAlreadyExists):
		statusCode, code = 409, "BucketAlreadyExists"
	case errors.Is(err, storage.ErrBucketNotEmpty):
		statusCode, code = 409, "BucketNotEmpty"
	case errors.Is(err, storage.ErrQuotaExceeded):
		statusCode, code = 507, "QuotaExceeded"
	case errors.Is(err, storage.ErrInvalidRange):
		statusCode, code = 416, "InvalidRange"
	case errors.Is(err, storage.ErrEntityTooLarge):
		statusCode, code = 400, "EntityTooLarge"
	case errors.Is(err, storage.ErrInvalidBucketName):
		statusCode, code = 400, "InvalidBucketName"
	case errors.Is(err, storage.ErrInvalidObjectKey):
		statusCode, code = 400, "InvalidArgument"
	case errors.Is(err, storage.ErrInvalidBucketAccess):
		statusCode, code = 400, "InvalidArgument"
	case errors.Is(err, storage.ErrNotImplemented):
		statusCode, code = 501, "NotImplemented"
	default:
		slog.Error("Internal error while handling request", "path", r.URL.Path, "error", err)
		writeErrorResponse(w, r, 500, "InternalError", "InternalError")
		return
	}
	writeErrorResponse(w, r, statusCode, code, err.Error())
}

// authorizeRequest resolves the bucket's access level and the caller's
// grant, then asks the request authorizer. It returns true when the
// request was already answered and the handler must stop.
func (s *Server) authorizeRequest(ctx context.Context, operation string, bucket *string, key *string, w http.ResponseWriter, r *http.Request) bool {
	credential := authentication.CredentialFromContext(ctx)
	auth := authorization.Authorization{}
	if credential != nil {
		auth.AccessKeyId = credential.AccessKeyId
		auth.Authenticated = true
	}
	var bucketAccess *string
	if bucket != nil {
		bucketName, err := storage.NewBucketName(*bucket)
		if err != nil {
			handleError(err, w, r)
			return true
		}
		existingBucket, err := s.storage.HeadBucket(ctx, bucketName)
		switch {
		case err == nil:
			bucketAccess = ptrutils.ToPtr(string(existingBucket.Access))
			if credential != nil && existingBucket.Id != nil {
				auth.BucketGranted = credential.MayAccessBucket(*existingBucket.Id)
			}
		case errors.Is(err, storage.ErrNoSuchBucket):
			// The bucket does not exist (yet): authenticated callers get
			// through so the handler can answer NoSuchBucket or create it.
			auth.BucketGranted = auth.Authenticated
		default:
			handleError(err, w, r)
			return true
		}
	}
	request := &authorization.Request{
		Operation:     operation,
		Authorization: auth,
		Bucket:        bucket,
		Key:           key,
		BucketAccess:  bucketAccess,
	}
	authorized, err := s.requestAuthorizer.AuthorizeRequest(ctx, request)
	if err != nil {
		slog.Error("Authorization error", "operation", operation, "error", err)
		handleError(err, w, r)
		return true
	}
	if !authorized {
		slog.Warn("Unauthorized request", "operation", operation, "accessKeyId", auth.AccessKeyId)
		writeErrorResponse(w, r, 403, "AccessDenied", "Access Denied")
		return true
	}
	return false
}

func (s *Server) listBucketsHandler(w http.ResponseWriter, r *http.Request) {
	ctx, task := trace.NewTask(r.Context(), "Server.listBucketsHandler()")
	defer task.End()
	shouldReturn := s.authorizeRequest(ctx, authorization.OperationListBuckets, nil, nil, w, r)
	if shouldReturn {
		return
	}
	credential := authentication.CredentialFromContext(ctx)
	if credential == nil {
		writeErrorResponse(w, r, 403, "AccessDenied", "Access Denied")
		return
	}
	slog.Debug("Listing buckets", "accessKeyId", credential.AccessKeyId)
	var buckets []storage.Bucket
	var err error
	if credential.AllBuckets {
		buckets, err = s.storage.ListBuckets(ctx)
	} else {
		buckets, err = s.storage.ListBucketsByOwnerId(ctx, credential.UserId)
	}
	if err != nil {
		handleError(err, w, r)
		return
	}
	listAllMyBucketsResult := ListAllMyBucketsResult{
		Xmlns:   s3Xmlns,
		Buckets: []*BucketResult{},
		Owner: &OwnerResult{
			DisplayName: credential.AccessKeyId,
			Id:          credential.UserId.String(),
		},
	}
	for _, bucket := range buckets {
		listAllMyBucketsResult.Buckets = append(listAllMyBucketsResult.Buckets, &BucketResult{
			Name:         bucket.Name.String(),
			CreationDate: bucket.CreationDate.UTC().Format(time.RFC3339),
		})
	}
	w.Header().Set(contentTypeHeader, applicationXmlContentType)
	w.WriteHeader(200)
	out, _ := xmlMarshalWithDocType(listAllMyBucketsResult)
	w.Write(out)
}

func (s *Server) headBucketHandler(w http.ResponseWriter, r *http.Request) {
	ctx, task := trace.NewTask(r.Context(), "Server.headBucketHandler()")
	defer task.End()
	bucket := r.PathValue(bucketPath)
	shouldReturn := s.authorizeRequest(ctx, authorization.OperationHeadBucket, ptrutils.ToPtr(bucket), nil, w, r)
	if shouldReturn {
		return
	}
	bucketName, err := storage.NewBucketName(bucket)
	if err != nil {
		handleError(err, w, r)
		return
	}
	slog.Debug("Head bucket", "bucket", bucket)
	_, err = s.storage.HeadBucket(ctx, bucketName)
	if err != nil {
		handleError(err, w, r)
		return
	}
	w.WriteHeader(200)
}

func (s *Server) listObjectsOrListMultipartUploadsHandler(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if query.Has(uploadsQuery) {
		s.listMultipartUploadsHandler(w, r)
		return
	}
	s.listObjectsHandler(w, r)
}

func parseMaxResults(value string) int32 {
	parsed, err := strconv.ParseInt(value, 10, 32)
	if err != nil || parsed < 0 {
		return defaultMaxKeys
	}
	return int32(min(parsed, defaultMaxKeys))
}

func (s *Server) listMultipartUploadsHandler(w http.ResponseWriter, r *http.Request) {
	ctx, task := trace.NewTask(r.Context(), "Server.listMultipartUploadsHandler()")
	defer task.End()
	bucket := r.PathValue(bucketPath)

	shouldReturn := s.authorizeRequest(ctx, authorization.OperationListMultipartUploads, ptrutils.ToPtr(bucket), nil, w, r)
	if shouldReturn {
		return
	}

	bucketName, err := storage.NewBucketName(bucket)
	if err != nil {
		handleError(err, w, r)
		return
	}

	query := r.URL.Query()
	opts := storage.ListMultipartUploadsOptions{
		MaxUploads: parseMaxResults(query.Get(maxUploadsQuery)),
	}
	if query.Has(prefixQuery) {
		opts.Prefix = ptrutils.ToPtr(query.Get(prefixQuery))
	}
	if query.Has(delimiterQuery) {
		opts.Delimiter = ptrutils.ToPtr(query.Get(delimiterQuery))
	}
	if query.Has(keyMarkerQuery) {
		opts.KeyMarker = ptrutils.ToPtr(query.Get(keyMarkerQuery))
	}
	if query.Has(uploadIdMarkerQuery) {
		opts.UploadIdMarker = ptrutils.ToPtr(query.Get(uploadIdMarkerQuery))
	}

	slog.Debug("Listing multipart uploads", "bucket", bucket)
	result, err := s.storage.ListMultipartUploads(ctx, bucketName, opts)
	if err != nil {
		handleError(err, w, r)
		return
	}
	listMultipartUploadsResult := ListMultipartUploadsResult{
		Xmlns:              s3Xmlns,
		Bucket:             result.BucketName.String(),
		KeyMarker:          result.KeyMarker,
		UploadIdMarker:     result.UploadIdMarker,
		NextKeyMarker:      result.NextKeyMarker,
		NextUploadIdMarker: result.NextUploadIdMarker,
		MaxUploads:         result.MaxUploads,
		IsTruncated:        result.IsTruncated,
		Delimiter:          result.Delimiter,
		Prefix:             result.Prefix,
		Uploads: sliceutils.Map(func(upload storage.Upload) *UploadResult {
			return &UploadResult{
				Key:          upload.Key.String(),
				UploadId:     upload.UploadId.String(),
				Initiated:    upload.Initiated.UTC().Format(time.RFC3339),
				StorageClass: storageClassStandard,
			}
		}, result.Uploads),
		CommonPrefixes: sliceutils.Map(func(commonPrefix string) *CommonPrefixResult {
			return &CommonPrefixResult{Prefix: commonPrefix}
		}, result.CommonPrefixes),
	}

	w.Header().Set(contentTypeHeader, applicationXmlContentType)
	w.WriteHeader(200)
	out, _ := xmlMarshalWithDocType(listMultipartUploadsResult)
	w.Write(out)
}

func (s *Server) listObjectsHandler(w http.ResponseWriter, r *http.Request) {
	ctx, task := trace.NewTask(r.Context(), "Server.listObjectsHandler()")
	defer task.End()
	bucket := r.PathValue(bucketPath)

	shouldReturn := s.authorizeRequest(ctx, authorization.OperationListObjects, ptrutils.ToPtr(bucket), nil, w, r)
	if shouldReturn {
		return
	}

	query := r.URL.Query()
	if query.Get(listTypeQuery) != "2" {
		writeErrorResponse(w, r, 400, "InvalidArgument", "only ListObjectsV2 (list-type=2) is supported")
		return
	}

	bucketName, err := storage.NewBucketName(bucket)
	if err != nil {
		handleError(err, w, r)
		return
	}

	prefix := query.Get(prefixQuery)
	delimiter := query.Get(delimiterQuery)
	startAfter := query.Get(startAfterQuery)
	continuationToken := query.Get(continuationTokenQuery)
	maxKeys := parseMaxResults(query.Get(maxKeysQuery))

	opts := storage.ListObjectsOptions{
		MaxKeys: maxKeys,
	}
	if query.Has(prefixQuery) {
		opts.Prefix = &prefix
	}
	if query.Has(delimiterQuery) {
		opts.Delimiter = &delimiter
	}
	// the continuation token is the last key of the previous page and
	// takes precedence over start-after
	if continuationToken != "" {
		opts.StartAfter = &continuationToken
	} else if query.Has(startAfterQuery) {
		opts.StartAfter = &startAfter
	}

	slog.Debug("Listing objects", "bucket", bucket, "prefix", prefix, "delimiter", delimiter)
	result, err := s.storage.ListObjects(ctx, bucketName, opts)
	if err != nil {
		handleError(err, w, r)
		return
	}
	listBucketResult := ListBucketResult{
		Xmlns:                 s3Xmlns,
		Name:                  bucket,
		Prefix:                prefix,
		Delimiter:             delimiter,
		StartAfter:            startAfter,
		ContinuationToken:     continuationToken,
		NextContinuationToken: result.NextContinuationToken,
		KeyCount:              int32(len(result.Objects) + len(result.CommonPrefixes)),
		MaxKeys:               maxKeys,
		IsTruncated:           result.IsTruncated,
		Contents: sliceutils.Map(func(object storage.Object) *ContentResult {
			return &ContentResult{
				Key:          object.Key.String(),
				LastModified: object.LastModified.UTC().Format(time.RFC3339),
				ETag:         object.ETag,
				Size:         object.Size,
				StorageClass: storageClassStandard,
			}
		}, result.Objects),
		CommonPrefixes: sliceutils.Map(func(commonPrefix string) *CommonPrefixResult {
			return &CommonPrefixResult{Prefix: commonPrefix}
		}, result.CommonPrefixes),
	}

	w.Header().Set(contentTypeHeader, applicationXmlContentType)
	w.WriteHeader(200)
	out, _ := xmlMarshalWithDocType(listBucketResult)
	w.Write(out)
}

func (s *Server) createBucketHandler(w http.ResponseWriter, r *http.Request) {
	ctx, task := trace.NewTask(r.Context(), "Server.createBucketHandler()")
	defer task.End()
	bucket := r.PathValue(bucketPath)

	shouldReturn := s.authorizeRequest(ctx, authorization.OperationCreateBucket, ptrutils.ToPtr(bucket), nil, w, r)
	if shouldReturn {
		return
	}

	credential := authentication.CredentialFromContext(ctx)
	if credential == nil {
		writeErrorResponse(w, r, 403, "AccessDenied", "Access Denied")
		return
	}

	bucketName, err := storage.NewBucketName(bucket)
	if err != nil {
		handleError(err, w, r)
		return
	}

	access := storage.BucketAccessPrivate
	if aclValue := r.Header.Get(amzAclHeader); aclValue != "" {
		access, err = storage.ParseBucketAccess(aclValue)
		if err != nil {
			handleError(err, w, r)
			return
		}
	}

	slog.Info("Creating bucket", "bucket", bucket, "access", string(access))
	err = s.storage.CreateBucket(ctx, &storage.Bucket{
		Name:         bucketName,
		Access:       access,
		StorageQuota: -1,
		OwnerId:      credential.UserId,
	})
	if err != nil {
		handleError(err, w, r)
		return
	}
	w.Header().Set(locationHeader, "/"+bucket)
	w.WriteHeader(200)
}

func (s *Server) deleteBucketHandler(w http.ResponseWriter, r *http.Request) {
	ctx, task := trace.NewTask(r.Context(), "Server.deleteBucketHandler()")
	defer task.End()
	bucket := r.PathValue(bucketPath)

	shouldReturn := s.authorizeRequest(ctx, authorization.OperationDeleteBucket, ptrutils.ToPtr(bucket), nil, w, r)
	if shouldReturn {
		return
	}

	bucketName, err := storage.NewBucketName(bucket)
	if err != nil {
		handleError(err, w, r)
		return
	}

	slog.Info("Deleting bucket", "bucket", bucket)
	err = s.storage.DeleteBucket(ctx, bucketName)
	if err != nil {
		handleError(err, w, r)
		return
	}
	w.WriteHeader(204)
}

func (s *Server) headObjectHandler(w http.ResponseWriter, r *http.Request) {
	ctx, task := trace.NewTask(r.Context(), "Server.headObjectHandler()")
	defer task.End()
	bucket := r.PathValue(bucketPath)
	key := r.PathValue(keyPath)

	shouldReturn := s.authorizeRequest(ctx, authorization.OperationHeadObject, ptrutils.ToPtr(bucket), ptrutils.ToPtr(key), w, r)
	if shouldReturn {
		return
	}

	bucketName, objectKey, err := parseBucketAndKey(bucket, key)
	if err != nil {
		handleError(err, w, r)
		return
	}

	slog.Debug("Head object", "bucket", bucket, "key", key)
	object, err := s.storage.HeadObject(ctx, bucketName, objectKey)
	if err != nil {
		handleError(err, w, r)
		return
	}

	contentType := octetStreamContentType
	if object.ContentType != nil {
		contentType = *object.ContentType
	}
	w.Header().Set(contentTypeHeader, contentType)
	w.Header().Set(etagHeader, object.ETag)
	w.Header().Set(acceptRangesHeader, "bytes")
	w.Header().Set(lastModifiedHeader, object.LastModified.UTC().Format(http.TimeFormat))
	w.Header().Set(contentLengthHeader, strconv.FormatInt(object.Size, 10))
	w.WriteHeader(200)
}

func parseBucketAndKey(bucket string, key string) (storage.BucketName, storage.ObjectKey, error) {
	bucketName, err := storage.NewBucketName(bucket)
	if err != nil {
		return storage.BucketName{}, storage.ObjectKey{}, err
	}
	objectKey, err := storage.NewObjectKey(key)
	if err != nil {
		return storage.BucketName{}, storage.ObjectKey{}, err
	}
	return bucketName, objectKey, nil
}

// parseRangeHeader parses a single-range Range header into a ByteRange.
// Unknown units and multi-range requests are ignored (the whole object
// is served), matching how S3 treats ranges it does not support.
func parseRangeHeader(value string) (*storage.ByteRange, error) {
	if value == "" {
		return nil, nil
	}
	rangesValue, found := strings.CutPrefix(value, "bytes=")
	if !found {
		return nil, nil
	}
	if strings.Contains(rangesValue, ",") {
		return nil, nil
	}
	startValue, endValue, found := strings.Cut(strings.TrimSpace(rangesValue), "-")
	if !found {
		return nil, storage.ErrInvalidRange
	}
	byteRange := &storage.ByteRange{}
	if startValue == "" {
		// suffix range: the last N bytes
		suffixLength, err := strconv.ParseInt(endValue, 10, 64)
		if err != nil {
			return nil, storage.ErrInvalidRange
		}
		byteRange.End = &suffixLength
		return byteRange, nil
	}
	start, err := strconv.ParseInt(startValue, 10, 64)
	if err != nil {
		return nil, storage.ErrInvalidRange
	}
	byteRange.Start = &start
	if endValue != "" {
		endInclusive, err := strconv.ParseInt(endValue, 10, 64)
		if err != nil || endInclusive < start {
			return nil, storage.ErrInvalidRange
		}
		byteRange.End = ptrutils.ToPtr(endInclusive + 1)
	}
	return byteRange, nil
}

func (s *Server) getObjectOrListPartsHandler(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if query.Has(uploadIdQuery) {
		s.listPartsHandler(w, r)
		return
	}
	s.getObjectHandler(w, r)
}

func (s *Server) listPartsHandler(w http.ResponseWriter, r *http.Request) {
	ctx, task := trace.NewTask(r.Context(), "Server.listPartsHandler()")
	defer task.End()

	query := r.URL.Query()

	bucket := r.PathValue(bucketPath)
	key := r.PathValue(keyPath)

	shouldReturn := s.authorizeRequest(ctx, authorization.OperationListParts, ptrutils.ToPtr(bucket), ptrutils.ToPtr(key), w, r)
	if shouldReturn {
		return
	}

	bucketName, objectKey, err := parseBucketAndKey(bucket, key)
	if err != nil {
		handleError(err, w, r)
		return
	}
	uploadId, err := storage.NewUploadId(query.Get(uploadIdQuery))
	if err != nil {
		handleError(err, w, r)
		return
	}

	opts := storage.ListPartsOptions{
		MaxParts: parseMaxResults(query.Get(maxPartsQuery)),
	}
	if query.Has(partNumberMarkerQuery) {
		partNumberMarker, err := strconv.ParseInt(query.Get(partNumberMarkerQuery), 10, 32)
		if err != nil {
			writeErrorResponse(w, r, 400, "InvalidArgument", "invalid part-number-marker")
			return
		}
		opts.PartNumberMarker = ptrutils.ToPtr(int32(partNumberMarker))
	}

	result, err := s.storage.ListParts(ctx, bucketName, objectKey, uploadId, opts)
	if err != nil {
		handleError(err, w, r)
		return
	}

	listPartsResult := ListPartsResult{
		Xmlns:                s3Xmlns,
		Bucket:               result.BucketName.String(),
		Key:                  result.Key.String(),
		UploadId:             result.UploadId.String(),
		PartNumberMarker:     result.PartNumberMarker,
		NextPartNumberMarker: result.NextPartNumberMarker,
		MaxParts:             result.MaxParts,
		IsTruncated:          result.IsTruncated,
		Parts: sliceutils.Map(func(part storage.Part) *PartResult {
			return &PartResult{
				ETag:         part.ETag,
				LastModified: part.LastModified.UTC().Format(time.RFC3339),
				PartNumber:   part.PartNumber,
				Size:         part.Size,
			}
		}, result.Parts),
		StorageClass: storageClassStandard,
	}

	w.Header().Set(contentTypeHeader, applicationXmlContentType)
	w.WriteHeader(200)
	out, _ := xmlMarshalWithDocType(listPartsResult)
	w.Write(out)
}

func (s *Server) getObjectHandler(w http.ResponseWriter, r *http.Request) {
	ctx, task := trace.NewTask(r.Context(), "Server.getObjectHandler()")
	defer task.End()
	bucket := r.PathValue(bucketPath)
	key := r.PathValue(keyPath)

	shouldReturn := s.authorizeRequest(ctx, authorization.OperationGetObject, ptrutils.ToPtr(bucket), ptrutils.ToPtr(key), w, r)
	if shouldReturn {
		return
	}

	bucketName, objectKey, err := parseBucketAndKey(bucket, key)
	if err != nil {
		handleError(err, w, r)
		return
	}

	byteRange, err := parseRangeHeader(r.Header.Get(rangeHeader))
	if err != nil {
		handleError(err, w, r)
		return
	}

	slog.Debug("Getting object", "bucket", bucket, "key", key)
	object, reader, err := s.storage.GetObject(ctx, bucketName, objectKey, byteRange)
	if err != nil {
		handleError(err, w, r)
		return
	}

	contentType := octetStreamContentType
	if object.ContentType != nil {
		contentType = *object.ContentType
	}
	w.Header().Set(contentTypeHeader, contentType)
	w.Header().Set(etagHeader, object.ETag)
	w.Header().Set(lastModifiedHeader, object.LastModified.UTC().Format(http.TimeFormat))
	w.Header().Set(acceptRangesHeader, "bytes")

	if byteRange != nil {
		start, end, err := storage.NormalizeByteRange(byteRange, object.Size)
		if err != nil {
			reader.Close()
			handleError(err, w, r)
			return
		}
		w.Header().Set(contentRangeHeader, fmt.Sprintf("bytes %d-%d/%d", start, end-1, object.Size))
		w.Header().Set(contentLengthHeader, strconv.FormatInt(end-start, 10))
		w.WriteHeader(206)
	} else {
		w.Header().Set(contentLengthHeader, strconv.FormatInt(object.Size, 10))
		w.WriteHeader(200)
	}

	// The content store read runs in its own goroutine behind a bounded
	// pipe so a slow client only buffers downloadPipeChunks chunks.
	// Closing the read end unblocks the producer when the client
	// disconnects mid-download.
	pipeReader, pipeWriter := ioutils.NewBoundedPipe(ctx, downloadPipeChunks)
	go func() {
		_, copyErr := io.Copy(pipeWriter, reader)
		reader.Close()
		pipeWriter.CloseWithError(copyErr)
	}()
	defer pipeReader.Close()
	_, err = io.Copy(w, pipeReader)
	if err != nil {
		slog.Warn("Aborted object download", "bucket", bucket, "key", key, "error", err)
	}
}

func (s *Server) createMultipartUploadHandler(w http.ResponseWriter, r *http.Request) {
	ctx, task := trace.NewTask(r.Context(), "Server.createMultipartUploadHandler()")
	defer task.End()
	bucket := r.PathValue(bucketPath)
	key := r.PathValue(keyPath)

	shouldReturn := s.authorizeRequest(ctx, authorization.OperationCreateMultipartUpload, ptrutils.ToPtr(bucket), ptrutils.ToPtr(key), w, r)
	if shouldReturn {
		return
	}

	bucketName, objectKey, err := parseBucketAndKey(bucket, key)
	if err != nil {
		handleError(err, w, r)
		return
	}

	contentType := getHeaderAsPtr(r.Header, contentTypeHeader)
	slog.Debug("CreateMultipartUpload", "bucket", bucket, "key", key)
	result, err := s.storage.CreateMultipartUpload(ctx, bucketName, objectKey, contentType)
	if err != nil {
		handleError(err, w, r)
		return
	}

	initiateMultipartUploadResult := InitiateMultipartUploadResult{
		Xmlns:    s3Xmlns,
		Bucket:   bucket,
		Key:      key,
		UploadId: result.UploadId.String(),
	}

	w.Header().Set(contentTypeHeader, applicationXmlContentType)
	w.WriteHeader(200)
	out, _ := xmlMarshalWithDocType(initiateMultipartUploadResult)
	w.Write(out)
}

func (s *Server) completeMultipartUploadHandler(w http.ResponseWriter, r *http.Request) {
	ctx, task := trace.NewTask(r.Context(), "Server.completeMultipartUploadHandler()")
	defer task.End()
	bucket := r.PathValue(bucketPath)
	key := r.PathValue(keyPath)

	shouldReturn := s.authorizeRequest(ctx, authorization.OperationCompleteMultipartUpload, ptrutils.ToPtr(bucket), ptrutils.ToPtr(key), w, r)
	if shouldReturn {
		return
	}

	bucketName, objectKey, err := parseBucketAndKey(bucket, key)
	if err != nil {
		handleError(err, w, r)
		return
	}
	uploadId, err := storage.NewUploadId(r.URL.Query().Get(uploadIdQuery))
	if err != nil {
		handleError(err, w, r)
		return
	}

	// The part manifest in the body is accepted but not used for
	// validation: parts are assembled in part-number order from the
	// upload session itself.
	data, err := io.ReadAll(r.Body)
	if err != nil {
		handleError(err, w, r)
		return
	}
	if len(data) > 0 {
		completeMultipartUploadRequest := CompleteMultipartUploadRequest{}
		err = xml.Unmarshal(data, &completeMultipartUploadRequest)
		if err != nil {
			writeErrorResponse(w, r, 400, "MalformedXML", "could not parse CompleteMultipartUpload body")
			return
		}
	}

	slog.Debug("CompleteMultipartUpload", "bucket", bucket, "key", key, "uploadId", uploadId.String())
	result, err := s.storage.CompleteMultipartUpload(ctx, bucketName, objectKey, uploadId)
	if err != nil {
		handleError(err, w, r)
		return
	}

	completeMultipartUploadResult := CompleteMultipartUploadResult{
		Xmlns:    s3Xmlns,
		Location: result.Location,
		Bucket:   bucket,
		Key:      key,
		ETag:     result.ETag,
	}

	w.Header().Set(contentTypeHeader, applicationXmlContentType)
	w.WriteHeader(200)
	out, _ := xmlMarshalWithDocType(completeMultipartUploadResult)
	w.Write(out)
}

func (s *Server) createMultipartUploadOrCompleteMultipartUploadHandler(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	// CreateMultipartUpload
	if query.Has(uploadsQuery) {
		s.createMultipartUploadHandler(w, r)
		return
	}

	// CompleteMultipartUpload
	if query.Has(uploadIdQuery) {
		s.completeMultipartUploadHandler(w, r)
		return
	}

	w.WriteHeader(404)
}

func (s *Server) uploadPartHandler(w http.ResponseWriter, r *http.Request) {
	ctx, task := trace.NewTask(r.Context(), "Server.uploadPartHandler()")
	defer task.End()
	bucket := r.PathValue(bucketPath)
	key := r.PathValue(keyPath)

	shouldReturn := s.authorizeRequest(ctx, authorization.OperationUploadPart, ptrutils.ToPtr(bucket), ptrutils.ToPtr(key), w, r)
	if shouldReturn {
		return
	}

	query := r.URL.Query()
	if !query.Has(uploadIdQuery) || !query.Has(partNumberQuery) {
		writeErrorResponse(w, r, 400, "InvalidArgument", "uploadId and partNumber are required")
		return
	}

	bucketName, objectKey, err := parseBucketAndKey(bucket, key)
	if err != nil {
		handleError(err, w, r)
		return
	}
	uploadId, err := storage.NewUploadId(query.Get(uploadIdQuery))
	if err != nil {
		handleError(err, w, r)
		return
	}
	partNumber, err := strconv.ParseInt(query.Get(partNumberQuery), 10, 32)
	if err != nil || partNumber < 1 || partNumber > maxPartNumber {
		writeErrorResponse(w, r, 400, "InvalidArgument", fmt.Sprintf("partNumber must be between 1 and %d", maxPartNumber))
		return
	}

	slog.Debug("UploadPart", "bucket", bucket, "key", key, "uploadId", uploadId.String(), "partNumber", partNumber)
	if r.Header.Get(expectHeader) == "100-continue" {
		w.WriteHeader(100)
	}
	uploadPartResult, err := s.storage.UploadPart(ctx, bucketName, objectKey, uploadId, int32(partNumber), r.Body)
	if err != nil {
		handleError(err, w, r)
		return
	}
	w.Header().Set(etagHeader, uploadPartResult.ETag)
	w.WriteHeader(200)
}

var errInvalidCopySource = errors.New("invalid copy source")

// parseCopySource splits an x-amz-copy-source value of the form
// [/]{bucket}/{key} into its parts. Percent-encoded values are decoded
// first.
func parseCopySource(copySource string) (string, string, error) {
	unescaped, err := url.PathUnescape(copySource)
	if err != nil {
		unescaped = copySource
	}
	trimmed := strings.TrimPrefix(unescaped, "/")
	bucket, key, found := strings.Cut(trimmed, "/")
	if !found || bucket == "" || key == "" {
		return "", "", errInvalidCopySource
	}
	return bucket, key, nil
}

func (s *Server) copyObjectHandler(w http.ResponseWriter, r *http.Request) {
	ctx, task := trace.NewTask(r.Context(), "Server.copyObjectHandler()")
	defer task.End()
	bucket := r.PathValue(bucketPath)
	key := r.PathValue(keyPath)

	srcBucket, srcKey, err := parseCopySource(r.Header.Get(amzCopySourceHeader))
	if err != nil {
		writeErrorResponse(w, r, 400, "InvalidArgument", "invalid x-amz-copy-source")
		return
	}

	// the caller needs write access to the destination and read access
	// to the source
	shouldReturn := s.authorizeRequest(ctx, authorization.OperationPutObject, ptrutils.ToPtr(bucket), ptrutils.ToPtr(key), w, r)
	if shouldReturn {
		return
	}
	shouldReturn = s.authorizeRequest(ctx, authorization.OperationGetObject, ptrutils.ToPtr(srcBucket), ptrutils.ToPtr(srcKey), w, r)
	if shouldReturn {
		return
	}

	destBucketName, destObjectKey, err := parseBucketAndKey(bucket, key)
	if err != nil {
		handleError(err, w, r)
		return
	}
	srcBucketName, srcObjectKey, err := parseBucketAndKey(srcBucket, srcKey)
	if err != nil {
		handleError(err, w, r)
		return
	}

	contentType := getHeaderAsPtr(r.Header, contentTypeHeader)
	slog.Debug("CopyObject", "srcBucket", srcBucket, "srcKey", srcKey, "bucket", bucket, "key", key)
	result, err := s.storage.CopyObject(ctx, srcBucketName, srcObjectKey, destBucketName, destObjectKey, contentType)
	if err != nil {
		handleError(err, w, r)
		return
	}

	copyObjectResult := CopyObjectResult{
		Xmlns:        s3Xmlns,
		ETag:         result.ETag,
		LastModified: result.LastModified.UTC().Format(time.RFC3339),
	}

	w.Header().Set(contentTypeHeader, applicationXmlContentType)
	w.WriteHeader(200)
	out, _ := xmlMarshalWithDocType(copyObjectResult)
	w.Write(out)
}

func (s *Server) putObjectHandler(w http.ResponseWriter, r *http.Request) {
	ctx, task := trace.NewTask(r.Context(), "Server.putObjectHandler()")
	defer task.End()
	bucket := r.PathValue(bucketPath)
	key := r.PathValue(keyPath)

	shouldReturn := s.authorizeRequest(ctx, authorization.OperationPutObject, ptrutils.ToPtr(bucket), ptrutils.ToPtr(key), w, r)
	if shouldReturn {
		return
	}

	bucketName, objectKey, err := parseBucketAndKey(bucket, key)
	if err != nil {
		handleError(err, w, r)
		return
	}

	contentType := getHeaderAsPtr(r.Header, contentTypeHeader)

	slog.Debug("Putting object", "bucket", bucket, "key", key)
	if r.Header.Get(expectHeader) == "100-continue" {
		w.WriteHeader(100)
	}
	putObjectResult, err := s.storage.PutObject(ctx, bucketName, objectKey, contentType, r.Body)
	if err != nil {
		handleError(err, w, r)
		return
	}

	if putObjectResult.ETag != nil {
		w.Header().Set(etagHeader, *putObjectResult.ETag)
	}
	w.WriteHeader(200)
}

func (s *Server) uploadPartOrPutObjectHandler(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	// UploadPart
	if query.Has(uploadIdQuery) || query.Has(partNumberQuery) {
		s.uploadPartHandler(w, r)
		return
	}

	// CopyObject
	if r.Header.Get(amzCopySourceHeader) != "" {
		s.copyObjectHandler(w, r)
		return
	}

	// PutObject
	s.putObjectHandler(w, r)
}

func (s *Server) abortMultipartUploadHandler(w http.ResponseWriter, r *http.Request) {
	ctx, task := trace.NewTask(r.Context(), "Server.abortMultipartUploadHandler()")
	defer task.End()
	bucket := r.PathValue(bucketPath)
	key := r.PathValue(keyPath)

	shouldReturn := s.authorizeRequest(ctx, authorization.OperationAbortMultipartUpload, ptrutils.ToPtr(bucket), ptrutils.ToPtr(key), w, r)
	if shouldReturn {
		return
	}

	bucketName, objectKey, err := parseBucketAndKey(bucket, key)
	if err != nil {
		handleError(err, w, r)
		return
	}
	uploadId, err := storage.NewUploadId(r.URL.Query().Get(uploadIdQuery))
	if err != nil {
		handleError(err, w, r)
		return
	}

	slog.Debug("AbortMultipartUpload", "bucket", bucket, "key", key, "uploadId", uploadId.String())
	err = s.storage.AbortMultipartUpload(ctx, bucketName, objectKey, uploadId)
	if err != nil {
		handleError(err, w, r)
		return
	}
	w.WriteHeader(204)
}

func (s *Server) deleteObjectHandler(w http.ResponseWriter, r *http.Request) {
	ctx, task := trace.NewTask(r.Context(), "Server.deleteObjectHandler()")
	defer task.End()
	bucket := r.PathValue(bucketPath)
	key := r.PathValue(keyPath)

	shouldReturn := s.authorizeRequest(ctx, authorization.OperationDeleteObject, ptrutils.ToPtr(bucket), ptrutils.ToPtr(key), w, r)
	if shouldReturn {
		return
	}

	bucketName, objectKey, err := parseBucketAndKey(bucket, key)
	if err != nil {
		handleError(err, w, r)
		return
	}

	slog.Debug("Deleting object", "bucket", bucket, "key", key)
	err = s.storage.DeleteObject(ctx, bucketName, objectKey)
	if err != nil {
		handleError(err, w, r)
		return
	}
	w.WriteHeader(204)
}

func (s *Server) abortMultipartUploadOrDeleteObjectHandler(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	// AbortMultipartUpload
	if query.Has(uploadIdQuery) {
		s.abortMultipartUploadHandler(w, r)
		return
	}

	// DeleteObject
	s.deleteObjectHandler(w, r)
}
