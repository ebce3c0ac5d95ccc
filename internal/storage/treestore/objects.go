package treestore

import (
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"errors"
	"io"
	"strconv"

	"github.com/avandras/cellar/internal/checksumutils"
	"github.com/avandras/cellar/internal/ioutils"
	"github.com/avandras/cellar/internal/storage"
	"github.com/avandras/cellar/internal/storage/treestore/contentstore"
	"github.com/avandras/cellar/internal/storage/treestore/metadatastore"
	"github.com/oklog/ulid/v2"
)

const defaultMimeType = "application/octet-stream"

// folderMimeType is what folder nodes report on the API surface; the
// internal sentinel never leaves the storage layer.
const folderMimeType = "application/x-directory"

// normalizeMimeType defaults the content type and keeps the folder
// sentinel reserved for tree nodes.
func normalizeMimeType(contentType *string) string {
	if contentType == nil || *contentType == "" || *contentType == metadatastore.MimeTypeFolder {
		return defaultMimeType
	}
	return *contentType
}

// objectETag derives a stable ETag from the object identity and its last
// mutation, so reads and listings never re-hash content. PutObject and
// UploadPart report the true md5 of the bytes they streamed instead.
func objectETag(object *metadatastore.Object) string {
	sum := md5.Sum([]byte(object.Id.String() + ":" + strconv.FormatInt(object.UpdatedAt.UnixNano(), 10)))
	return "\"" + hex.EncodeToString(sum[:]) + "\""
}

func convertObject(object *metadatastore.Object, key storage.ObjectKey) *storage.Object {
	mimeType := object.MimeType
	if object.IsFolder() {
		mimeType = folderMimeType
	}
	return &storage.Object{
		Key:          key,
		ContentType:  &mimeType,
		LastModified: object.UpdatedAt,
		ETag:         objectETag(object),
		Size:         object.Size,
	}
}

// ensureFolderChain walks the folder chain for segments, creating
// missing folder nodes along the way. It returns the id of the last
// folder (nil for the bucket root). An existing node that is not a
// folder blocks the chain.
func (ts *treeStorage) ensureFolderChain(ctx context.Context, tx *sql.Tx, bucketId ulid.ULID, segments []string) (*ulid.ULID, error) {
	var parentId *ulid.ULID
	for _, segment := range segments {
		child, err := ts.metadataStore.GetChildObject(ctx, tx, bucketId, parentId, segment)
		if err != nil {
			return nil, err
		}
		if child == nil {
			child = &metadatastore.Object{
				BucketId: bucketId,
				ParentId: parentId,
				Filename: segment,
				Size:     0,
				MimeType: metadatastore.MimeTypeFolder,
			}
			err = ts.metadataStore.PutObject(ctx, tx, child)
			if err != nil {
				return nil, err
			}
		} else if !child.IsFolder() {
			return nil, storage.ErrNoSuchKey
		}
		parentId = child.Id
	}
	return parentId, nil
}

func (ts *treeStorage) HeadObject(ctx context.Context, bucketName storage.BucketName, key storage.ObjectKey) (*storage.Object, error) {
	ctx, span := ts.tracer.Start(ctx, "TreeStorage.HeadObject")
	defer span.End()

	tx, err := ts.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, err
	}
	_, object, err := ts.resolver.Resolve(ctx, tx, bucketName, key.Segments())
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	err = tx.Commit()
	if err != nil {
		return nil, err
	}
	if object == nil || object.IsFolder() != key.IsFolderKey() {
		return nil, storage.ErrNoSuchKey
	}
	return convertObject(object, key), nil
}

func (ts *treeStorage) GetObject(ctx context.Context, bucketName storage.BucketName, key storage.ObjectKey, byteRange *storage.ByteRange) (*storage.Object, io.ReadCloser, error) {
	ctx, span := ts.tracer.Start(ctx, "TreeStorage.GetObject")
	defer span.End()

	tx, err := ts.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, nil, err
	}
	// Safe to call multiple times
	defer tx.Rollback()

	_, object, err := ts.resolver.Resolve(ctx, tx, bucketName, key.Segments())
	if err != nil {
		return nil, nil, err
	}
	if object == nil || object.IsFolder() != key.IsFolderKey() {
		return nil, nil, storage.ErrNoSuchKey
	}

	if object.IsFolder() {
		if byteRange != nil {
			return nil, nil, storage.ErrInvalidRange
		}
		return convertObject(object, key), ioutils.NewByteReadSeekCloser([]byte{}), nil
	}

	startByte, endByte, err := storage.NormalizeByteRange(byteRange, object.Size)
	if err != nil {
		return nil, nil, err
	}

	reader, err := ts.contentStore.GetContent(ctx, tx, contentstore.ContentIdForObject(bucketName, *object.Id))
	if err != nil {
		return nil, nil, err
	}
	if startByte > 0 {
		_, err = ioutils.SkipNBytes(reader, startByte)
		if err != nil {
			reader.Close()
			return nil, nil, err
		}
	}
	if endByte < object.Size {
		reader = ioutils.NewLimitedEndReadCloser(reader, endByte-startByte)
	}

	err = tx.Commit()
	if err != nil {
		reader.Close()
		return nil, nil, err
	}
	return convertObject(object, key), reader, nil
}

func (ts *treeStorage) PutObject(ctx context.Context, bucketName storage.BucketName, key storage.ObjectKey, contentType *string, data io.Reader) (*storage.PutObjectResult, error) {
	ctx, span := ts.tracer.Start(ctx, "TreeStorage.PutObject")
	defer span.End()
	unblockGC := ts.contentGC.PreventGCFromRunning(ctx)
	defer unblockGC()

	tx, err := ts.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: false})
	if err != nil {
		return nil, err
	}

	bucket, err := ts.metadataStore.HeadBucket(ctx, tx, bucketName)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	segments := key.Segments()
	if key.IsFolderKey() {
		_, err = ts.ensureFolderChain(ctx, tx, *bucket.Id, segments)
		if err != nil {
			tx.Rollback()
			return nil, err
		}
		// Folder markers carry no content, but the body (usually empty)
		// is drained so its ETag can be reported.
		_, etag, err := checksumutils.CalculateETagStreaming(ctx, data, func(reader io.Reader) error {
			_, err := io.Copy(io.Discard, reader)
			return err
		})
		if err != nil {
			tx.Rollback()
			return nil, err
		}
		err = tx.Commit()
		if err != nil {
			return nil, err
		}
		return &storage.PutObjectResult{ETag: &etag}, nil
	}

	owner, err := ts.metadataStore.HeadUserById(ctx, tx, bucket.OwnerId)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	parentId, err := ts.ensureFolderChain(ctx, tx, *bucket.Id, segments[:len(segments)-1])
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	filename := segments[len(segments)-1]
	existing, err := ts.metadataStore.GetChildObject(ctx, tx, *bucket.Id, parentId, filename)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if existing != nil && existing.IsFolder() {
		tx.Rollback()
		return nil, storage.ErrNoSuchKey
	}

	tempContentId := contentstore.NewTempContentId(bucketName)
	size, etag, err := checksumutils.CalculateETagStreaming(ctx, data, func(reader io.Reader) error {
		return ts.contentStore.PutContent(ctx, tx, tempContentId, reader)
	})
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if size > storage.MaxEntitySize {
		ts.contentStore.DeleteContent(ctx, tx, tempContentId)
		tx.Rollback()
		return nil, storage.ErrEntityTooLarge
	}

	var existingSize int64
	if existing != nil {
		existingSize = existing.Size
	}
	admitted, err := ts.quotaGuard.Admit(ctx, tx, bucket, owner, size-existingSize)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if !admitted {
		ts.contentStore.DeleteContent(ctx, tx, tempContentId)
		tx.Rollback()
		return nil, storage.ErrQuotaExceeded
	}

	object := existing
	if object == nil {
		object = &metadatastore.Object{
			BucketId: *bucket.Id,
			ParentId: parentId,
			Filename: filename,
		}
	}
	object.Size = size
	object.MimeType = normalizeMimeType(contentType)
	err = ts.metadataStore.PutObject(ctx, tx, object)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	err = ts.contentStore.RenameContent(ctx, tx, tempContentId, contentstore.ContentIdForObject(bucketName, *object.Id))
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	err = tx.Commit()
	if err != nil {
		return nil, err
	}
	return &storage.PutObjectResult{ETag: &etag}, nil
}

func (ts *treeStorage) CopyObject(ctx context.Context, srcBucketName storage.BucketName, srcKey storage.ObjectKey, destBucketName storage.BucketName, destKey storage.ObjectKey, contentType *string) (*storage.CopyObjectResult, error) {
	ctx, span := ts.tracer.Start(ctx, "TreeStorage.CopyObject")
	defer span.End()
	unblockGC := ts.contentGC.PreventGCFromRunning(ctx)
	defer unblockGC()

	tx, err := ts.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: false})
	if err != nil {
		return nil, err
	}

	if srcKey.IsFolderKey() || destKey.IsFolderKey() {
		tx.Rollback()
		return nil, storage.ErrNoSuchKey
	}

	_, srcObject, err := ts.resolver.ResolveFresh(ctx, tx, srcBucketName, srcKey.Segments())
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if srcObject == nil || srcObject.IsFolder() {
		tx.Rollback()
		return nil, storage.ErrNoSuchKey
	}

	destBucket, err := ts.metadataStore.HeadBucket(ctx, tx, destBucketName)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	destOwner, err := ts.metadataStore.HeadUserById(ctx, tx, destBucket.OwnerId)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	destSegments := destKey.Segments()
	destParentId, err := ts.ensureFolderChain(ctx, tx, *destBucket.Id, destSegments[:len(destSegments)-1])
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	destFilename := destSegments[len(destSegments)-1]
	existing, err := ts.metadataStore.GetChildObject(ctx, tx, *destBucket.Id, destParentId, destFilename)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if existing != nil && existing.IsFolder() {
		tx.Rollback()
		return nil, storage.ErrNoSuchKey
	}

	srcReader, err := ts.contentStore.GetContent(ctx, tx, contentstore.ContentIdForObject(srcBucketName, *srcObject.Id))
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	tempContentId := contentstore.NewTempContentId(destBucketName)
	size, etag, err := checksumutils.CalculateETagStreaming(ctx, srcReader, func(reader io.Reader) error {
		return ts.contentStore.PutContent(ctx, tx, tempContentId, reader)
	})
	srcReader.Close()
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	var existingSize int64
	if existing != nil {
		existingSize = existing.Size
	}
	admitted, err := ts.quotaGuard.Admit(ctx, tx, destBucket, destOwner, size-existingSize)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if !admitted {
		ts.contentStore.DeleteContent(ctx, tx, tempContentId)
		tx.Rollback()
		return nil, storage.ErrQuotaExceeded
	}

	object := existing
	if object == nil {
		object = &metadatastore.Object{
			BucketId: *destBucket.Id,
			ParentId: destParentId,
			Filename: destFilename,
		}
	}
	object.Size = size
	if contentType != nil {
		object.MimeType = normalizeMimeType(contentType)
	} else {
		object.MimeType = srcObject.MimeType
	}
	err = ts.metadataStore.PutObject(ctx, tx, object)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	err = ts.contentStore.RenameContent(ctx, tx, tempContentId, contentstore.ContentIdForObject(destBucketName, *object.Id))
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	err = tx.Commit()
	if err != nil {
		return nil, err
	}
	return &storage.CopyObjectResult{
		ETag:         etag,
		LastModified: object.UpdatedAt,
	}, nil
}

func (ts *treeStorage) DeleteObject(ctx context.Context, bucketName storage.BucketName, key storage.ObjectKey) error {
	ctx, span := ts.tracer.Start(ctx, "TreeStorage.DeleteObject")
	defer span.End()
	unblockGC := ts.contentGC.PreventGCFromRunning(ctx)
	defer unblockGC()

	tx, err := ts.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: false})
	if err != nil {
		return err
	}
	_, object, err := ts.resolver.ResolveFresh(ctx, tx, bucketName, key.Segments())
	if err != nil {
		tx.Rollback()
		return err
	}
	if object == nil || object.IsFolder() != key.IsFolderKey() {
		tx.Rollback()
		return storage.ErrNoSuchKey
	}

	if object.IsFolder() {
		err = ts.deleteObjectTree(ctx, tx, object)
		if err != nil {
			tx.Rollback()
			return err
		}
	} else {
		err = ts.contentStore.DeleteContent(ctx, tx, contentstore.ContentIdForObject(bucketName, *object.Id))
		if err != nil && !errors.Is(err, contentstore.ErrContentNotFound) {
			tx.Rollback()
			return err
		}
		err = ts.metadataStore.DeleteObjectById(ctx, tx, *object.Id)
		if err != nil {
			tx.Rollback()
			return err
		}
	}
	err = tx.Commit()
	if err != nil {
		return err
	}
	return nil
}

// deleteObjectTree removes the subtree rooted at object, children
// first. Folder deletion is logical: payloads of deleted files stay in
// the content store until the garbage collector reclaims them.
func (ts *treeStorage) deleteObjectTree(ctx context.Context, tx *sql.Tx, object *metadatastore.Object) error {
	children, err := ts.metadataStore.ListChildObjects(ctx, tx, object.BucketId, object.Id)
	if err != nil {
		return err
	}
	for _, child := range children {
		err = ts.deleteObjectTree(ctx, tx, &child)
		if err != nil {
			return err
		}
	}
	return ts.metadataStore.DeleteObjectById(ctx, tx, *object.Id)
}
