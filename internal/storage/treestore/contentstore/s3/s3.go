package s3

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/avandras/cellar/internal/lifecycle"
	"github.com/avandras/cellar/internal/storage/treestore/contentstore"
)

// s3ContentStore keeps content in an upstream S3 bucket. Keys are
// "<keyPrefix>/<contentId>", so several stores can share a bucket.
type s3ContentStore struct {
	*lifecycle.ValidatedLifecycle
	s3Client  *s3.Client
	uploader  *manager.Uploader
	bucket    string
	keyPrefix string
}

var _ contentstore.ContentStore = (*s3ContentStore)(nil)

func New(s3Client *s3.Client, bucket string, keyPrefix string) (contentstore.ContentStore, error) {
	validatedLifecycle, err := lifecycle.NewValidatedLifecycle("s3ContentStore")
	if err != nil {
		return nil, err
	}
	return &s3ContentStore{
		ValidatedLifecycle: validatedLifecycle,
		s3Client:           s3Client,
		uploader:           manager.NewUploader(s3Client),
		bucket:             bucket,
		keyPrefix:          keyPrefix,
	}, nil
}

func (cs *s3ContentStore) getKey(contentId contentstore.ContentId) string {
	return path.Join(cs.keyPrefix, contentId)
}

func (cs *s3ContentStore) PutContent(ctx context.Context, tx *sql.Tx, contentId contentstore.ContentId, reader io.Reader) error {
	// The uploader splits the stream into parts, so the body does not need to be seekable.
	_, err := cs.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(cs.bucket),
		Key:    aws.String(cs.getKey(contentId)),
		Body:   reader,
	})
	return err
}

func (cs *s3ContentStore) GetContent(ctx context.Context, tx *sql.Tx, contentId contentstore.ContentId) (io.ReadCloser, error) {
	getObjectResult, err := cs.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(cs.bucket),
		Key:    aws.String(cs.getKey(contentId)),
	})
	var noSuchKeyError *types.NoSuchKey
	if err != nil && errors.As(err, &noSuchKeyError) {
		return nil, contentstore.ErrContentNotFound
	}
	if err != nil {
		return nil, err
	}
	return getObjectResult.Body, nil
}

func (cs *s3ContentStore) GetContentIds(ctx context.Context, tx *sql.Tx) ([]contentstore.ContentId, error) {
	keyPrefix := cs.keyPrefix
	if keyPrefix != "" {
		keyPrefix += "/"
	}
	contentIds := []contentstore.ContentId{}
	paginator := s3.NewListObjectsV2Paginator(cs.s3Client, &s3.ListObjectsV2Input{
		Bucket: aws.String(cs.bucket),
		Prefix: aws.String(keyPrefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, object := range page.Contents {
			contentIds = append(contentIds, strings.TrimPrefix(*object.Key, keyPrefix))
		}
	}
	return contentIds, nil
}

func (cs *s3ContentStore) RenameContent(ctx context.Context, tx *sql.Tx, oldContentId contentstore.ContentId, newContentId contentstore.ContentId) error {
	oldKey := cs.getKey(oldContentId)
	_, err := cs.s3Client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(cs.bucket),
		CopySource: aws.String(cs.bucket + "/" + oldKey),
		Key:        aws.String(cs.getKey(newContentId)),
	})
	var ae smithy.APIError
	if err != nil && errors.As(err, &ae) && ae.ErrorCode() == "NoSuchKey" {
		return contentstore.ErrContentNotFound
	}
	if err != nil {
		return err
	}
	_, err = cs.s3Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(cs.bucket),
		Key:    aws.String(oldKey),
	})
	return err
}

func (cs *s3ContentStore) DeleteContent(ctx context.Context, tx *sql.Tx, contentId contentstore.ContentId) error {
	// S3 deletes are idempotent, a missing key does not fail here.
	_, err := cs.s3Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(cs.bucket),
		Key:    aws.String(cs.getKey(contentId)),
	})
	return err
}
