package treestore

import (
	"cmp"
	"context"
	"database/sql"
	"errors"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/avandras/cellar/internal/checksumutils"
	"github.com/avandras/cellar/internal/ptrutils"
	"github.com/avandras/cellar/internal/sliceutils"
	"github.com/avandras/cellar/internal/storage"
	"github.com/avandras/cellar/internal/storage/treestore/contentstore"
	"github.com/avandras/cellar/internal/storage/treestore/metadatastore"
	"github.com/avandras/cellar/internal/storage/treestore/sessionstore"
	"github.com/oklog/ulid/v2"
)

// CreateMultipartUpload opens an upload session for the given key. It only
// validates: the bucket must exist and no file may sit on the folder chain
// leading to the key. Folders that don't exist yet are not created here,
// they come into existence when the upload completes. Neither metadata nor
// quota usage change until then.
func (ts *treeStorage) CreateMultipartUpload(ctx context.Context, bucketName storage.BucketName, key storage.ObjectKey, contentType *string) (*storage.InitiateMultipartUploadResult, error) {
	ctx, span := ts.tracer.Start(ctx, "TreeStorage.CreateMultipartUpload")
	defer span.End()
	unblockGC := ts.contentGC.PreventGCFromRunning(ctx)
	defer unblockGC()

	if key.IsFolderKey() {
		return nil, storage.ErrInvalidObjectKey
	}

	tx, err := ts.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, err
	}
	bucket, err := ts.metadataStore.HeadBucket(ctx, tx, bucketName)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	owner, err := ts.metadataStore.HeadUserById(ctx, tx, bucket.OwnerId)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	segments := key.Segments()
	parentId, err := ts.validateFolderChain(ctx, tx, *bucket.Id, segments[:len(segments)-1])
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	err = tx.Commit()
	if err != nil {
		return nil, err
	}

	uploadId := storage.NewRandomUploadId()
	session := &sessionstore.UploadSession{
		UploadId:       uploadId.String(),
		Bucket:         *bucket,
		Owner:          *owner,
		TargetKey:      key.String(),
		TargetFilename: segments[len(segments)-1],
		ParentId:       parentId,
		ContentType:    normalizeMimeType(contentType),
		Parts:          []sessionstore.Part{},
		CreatedAt:      time.Now(),
	}
	_, err = ts.sessionStore.SaveUploadSession(ctx, session)
	if err != nil {
		return nil, err
	}
	return &storage.InitiateMultipartUploadResult{
		UploadId: uploadId,
	}, nil
}

// validateFolderChain checks that no file occupies a segment of the folder
// chain. Missing folders are fine. Returns the id of the deepest existing
// folder when the whole chain resolved, nil otherwise.
func (ts *treeStorage) validateFolderChain(ctx context.Context, tx *sql.Tx, bucketId ulid.ULID, segments []string) (*ulid.ULID, error) {
	var parentId *ulid.ULID
	for _, segment := range segments {
		child, err := ts.metadataStore.GetChildObject(ctx, tx, bucketId, parentId, segment)
		if err != nil {
			return nil, err
		}
		if child == nil {
			return nil, nil
		}
		if !child.IsFolder() {
			return nil, storage.ErrNoSuchKey
		}
		parentId = child.Id
	}
	return parentId, nil
}

// UploadPart stages the part bytes under a temporary content id and installs
// the part descriptor in the session. Re-uploading a part number replaces the
// earlier attempt and releases its staged bytes. Parts may arrive in any
// order and concurrently; each successful save extends the session TTL.
func (ts *treeStorage) UploadPart(ctx context.Context, bucketName storage.BucketName, key storage.ObjectKey, uploadId storage.UploadId, partNumber int32, data io.Reader) (*storage.UploadPartResult, error) {
	ctx, span := ts.tracer.Start(ctx, "TreeStorage.UploadPart")
	defer span.End()
	unblockGC := ts.contentGC.PreventGCFromRunning(ctx)
	defer unblockGC()

	session, err := ts.loadSession(ctx, bucketName, key, uploadId)
	if err != nil {
		return nil, err
	}

	tx, err := ts.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: false})
	if err != nil {
		return nil, err
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

	// Advisory check against the session snapshots. The final size is only
	// known at completion, which checks again against fresh state.
	admitted, err := ts.quotaGuard.Admit(ctx, tx, &session.Bucket, &session.Owner, session.TempBytes+size)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if !admitted {
		ts.contentStore.DeleteContent(ctx, tx, tempContentId)
		tx.Rollback()
		return nil, storage.ErrQuotaExceeded
	}

	replacedContentId, err := ts.savePart(ctx, session, sessionstore.Part{
		PartNumber: partNumber,
		ContentId:  tempContentId,
		ETag:       etag,
		Size:       size,
		UploadedAt: time.Now(),
	})
	if err != nil {
		ts.contentStore.DeleteContent(ctx, tx, tempContentId)
		tx.Rollback()
		return nil, err
	}
	if replacedContentId != "" {
		err = ts.contentStore.DeleteContent(ctx, tx, replacedContentId)
		if err != nil && !errors.Is(err, contentstore.ErrContentNotFound) {
			tx.Rollback()
			return nil, err
		}
	}
	err = tx.Commit()
	if err != nil {
		return nil, err
	}
	return &storage.UploadPartResult{
		ETag: etag,
	}, nil
}

// savePart swaps the part into the session document. Concurrent uploads race
// on the document version, so a mismatch reloads the session and retries.
// Returns the content id of a replaced earlier attempt at the same part
// number, if any.
func (ts *treeStorage) savePart(ctx context.Context, session *sessionstore.UploadSession, part sessionstore.Part) (contentstore.ContentId, error) {
	for {
		replacedContentId := contentstore.ContentId("")
		parts := make([]sessionstore.Part, 0, len(session.Parts)+1)
		for _, existingPart := range session.Parts {
			if existingPart.PartNumber == part.PartNumber {
				replacedContentId = existingPart.ContentId
				continue
			}
			parts = append(parts, existingPart)
		}
		parts = append(parts, part)
		session.Parts = parts
		session.TempBytes = 0
		for _, p := range parts {
			session.TempBytes += p.Size
		}
		savedSession, err := ts.sessionStore.SaveUploadSession(ctx, session)
		if err == nil {
			*session = *savedSession
			return replacedContentId, nil
		}
		if !errors.Is(err, sessionstore.ErrVersionMismatch) {
			return "", err
		}
		freshSession, err := ts.sessionStore.GetUploadSession(ctx, session.UploadId)
		if err != nil {
			return "", err
		}
		if freshSession == nil {
			return "", storage.ErrNoSuchUpload
		}
		*session = *freshSession
	}
}

// CompleteMultipartUpload assembles the object from the staged parts in part
// number order. No contiguity or minimum part count is enforced. The folder
// chain is created here, quota is checked against the final size and fresh
// usage, and each staged segment is released as soon as it has been copied
// into the final content. Assembly is not atomic: a failure mid-way can lose
// staged segments, and the winner of two concurrent completions for the same
// session is undefined.
func (ts *treeStorage) CompleteMultipartUpload(ctx context.Context, bucketName storage.BucketName, key storage.ObjectKey, uploadId storage.UploadId) (*storage.CompleteMultipartUploadResult, error) {
	ctx, span := ts.tracer.Start(ctx, "TreeStorage.CompleteMultipartUpload")
	defer span.End()
	unblockGC := ts.contentGC.PreventGCFromRunning(ctx)
	defer unblockGC()

	session, err := ts.loadSession(ctx, bucketName, key, uploadId)
	if err != nil {
		return nil, err
	}
	parts := slices.Clone(session.Parts)
	slices.SortFunc(parts, func(a, b sessionstore.Part) int {
		return cmp.Compare(a.PartNumber, b.PartNumber)
	})
	etag, err := checksumutils.CombineETags(sliceutils.Map(func(part sessionstore.Part) string {
		return part.ETag
	}, parts))
	if err != nil {
		return nil, err
	}

	tx, err := ts.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: false})
	if err != nil {
		return nil, err
	}
	bucket, err := ts.metadataStore.HeadBucket(ctx, tx, bucketName)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	owner, err := ts.metadataStore.HeadUserById(ctx, tx, bucket.OwnerId)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	segments := key.Segments()
	parentId, err := ts.ensureFolderChain(ctx, tx, *bucket.Id, segments[:len(segments)-1])
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	filename := segments[len(segments)-1]
	existingObject, err := ts.metadataStore.GetChildObject(ctx, tx, *bucket.Id, parentId, filename)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if existingObject != nil && existingObject.IsFolder() {
		tx.Rollback()
		return nil, storage.ErrNoSuchKey
	}

	var finalSize int64
	for _, part := range parts {
		finalSize += part.Size
	}
	if finalSize > storage.MaxEntitySize {
		tx.Rollback()
		return nil, storage.ErrEntityTooLarge
	}
	var existingSize int64
	if existingObject != nil {
		existingSize = existingObject.Size
	}
	admitted, err := ts.quotaGuard.Admit(ctx, tx, bucket, owner, finalSize-existingSize)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if !admitted {
		// The session and its staged parts stay untouched, the client can
		// still abort or retry after freeing space.
		tx.Rollback()
		return nil, storage.ErrQuotaExceeded
	}

	finalContentId := contentstore.NewTempContentId(bucketName)
	concatReader := newPartConcatReader(ctx, tx, ts.contentStore, parts)
	err = ts.contentStore.PutContent(ctx, tx, finalContentId, concatReader)
	closeErr := concatReader.Close()
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if closeErr != nil {
		tx.Rollback()
		return nil, closeErr
	}

	object := existingObject
	if object == nil {
		object = &metadatastore.Object{
			BucketId: *bucket.Id,
			ParentId: parentId,
			Filename: filename,
		}
	}
	object.Size = finalSize
	object.MimeType = session.ContentType
	err = ts.metadataStore.PutObject(ctx, tx, object)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	err = ts.contentStore.RenameContent(ctx, tx, finalContentId, contentstore.ContentIdForObject(bucketName, *object.Id))
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	err = tx.Commit()
	if err != nil {
		return nil, err
	}

	// The session dies only after the object committed. If this delete fails
	// the session lingers until its TTL expires; its segments are already
	// consumed.
	err = ts.sessionStore.DeleteUploadSession(ctx, session.UploadId)
	if err != nil {
		return nil, err
	}
	return &storage.CompleteMultipartUploadResult{
		Location: "/" + bucketName.String() + "/" + key.String(),
		ETag:     etag,
	}, nil
}

// AbortMultipartUpload drops the session and releases its staged segments.
func (ts *treeStorage) AbortMultipartUpload(ctx context.Context, bucketName storage.BucketName, key storage.ObjectKey, uploadId storage.UploadId) error {
	ctx, span := ts.tracer.Start(ctx, "TreeStorage.AbortMultipartUpload")
	defer span.End()
	unblockGC := ts.contentGC.PreventGCFromRunning(ctx)
	defer unblockGC()

	session, err := ts.loadSession(ctx, bucketName, key, uploadId)
	if err != nil {
		return err
	}
	tx, err := ts.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: false})
	if err != nil {
		return err
	}
	for _, part := range session.Parts {
		err = ts.contentStore.DeleteContent(ctx, tx, part.ContentId)
		if err != nil && !errors.Is(err, contentstore.ErrContentNotFound) {
			tx.Rollback()
			return err
		}
	}
	err = tx.Commit()
	if err != nil {
		return err
	}
	return ts.sessionStore.DeleteUploadSession(ctx, session.UploadId)
}

// loadSession fetches the session and checks that the caller addresses it
// under the bucket and key it was initiated for. Expired, aborted and unknown
// upload ids are indistinguishable.
func (ts *treeStorage) loadSession(ctx context.Context, bucketName storage.BucketName, key storage.ObjectKey, uploadId storage.UploadId) (*sessionstore.UploadSession, error) {
	session, err := ts.sessionStore.GetUploadSession(ctx, uploadId.String())
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, storage.ErrNoSuchUpload
	}
	if !session.Bucket.Name.Equals(bucketName) || session.TargetKey != key.String() {
		return nil, storage.ErrNoSuchUpload
	}
	return session, nil
}

// ListMultipartUploads lists the in-flight sessions of a bucket ordered by
// (key, upload id), with the same prefix, delimiter, marker and truncation
// treatment as object listings.
func (ts *treeStorage) ListMultipartUploads(ctx context.Context, bucketName storage.BucketName, opts storage.ListMultipartUploadsOptions) (*storage.ListMultipartUploadsResult, error) {
	ctx, span := ts.tracer.Start(ctx, "TreeStorage.ListMultipartUploads")
	defer span.End()

	tx, err := ts.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, err
	}
	_, err = ts.metadataStore.HeadBucket(ctx, tx, bucketName)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	err = tx.Commit()
	if err != nil {
		return nil, err
	}

	sessions, err := ts.sessionStore.ListUploadSessionsByBucketName(ctx, bucketName)
	if err != nil {
		return nil, err
	}
	slices.SortFunc(sessions, func(a, b sessionstore.UploadSession) int {
		if c := strings.Compare(a.TargetKey, b.TargetKey); c != 0 {
			return c
		}
		return strings.Compare(a.UploadId, b.UploadId)
	})

	prefix := ptrutils.ValueOr(opts.Prefix, "")
	delimiter := ptrutils.ValueOr(opts.Delimiter, "")
	keyMarker := ptrutils.ValueOr(opts.KeyMarker, "")
	uploadIdMarker := ptrutils.ValueOr(opts.UploadIdMarker, "")

	result := &storage.ListMultipartUploadsResult{
		BucketName:     bucketName,
		KeyMarker:      keyMarker,
		UploadIdMarker: uploadIdMarker,
		Prefix:         prefix,
		Delimiter:      delimiter,
		MaxUploads:     opts.MaxUploads,
		CommonPrefixes: []string{},
		Uploads:        []storage.Upload{},
	}

	count := int32(0)
	lastKey := ""
	lastUploadId := ""
	lastCommonPrefix := ""
	for _, session := range sessions {
		if !strings.HasPrefix(session.TargetKey, prefix) {
			continue
		}
		if keyMarker != "" {
			if session.TargetKey < keyMarker {
				continue
			}
			if session.TargetKey == keyMarker && (uploadIdMarker == "" || session.UploadId <= uploadIdMarker) {
				continue
			}
			// A marker naming a common prefix skips the whole group it
			// closed over.
			if delimiter != "" && strings.HasSuffix(keyMarker, delimiter) && strings.HasPrefix(session.TargetKey, keyMarker) {
				continue
			}
		}

		if delimiter != "" {
			rest := session.TargetKey[len(prefix):]
			if idx := strings.Index(rest, delimiter); idx >= 0 {
				commonPrefix := prefix + rest[:idx+len(delimiter)]
				if commonPrefix == lastCommonPrefix {
					continue
				}
				if opts.MaxUploads > 0 && count >= opts.MaxUploads {
					result.IsTruncated = true
					result.NextKeyMarker = lastKey
					result.NextUploadIdMarker = lastUploadId
					return result, nil
				}
				result.CommonPrefixes = append(result.CommonPrefixes, commonPrefix)
				lastCommonPrefix = commonPrefix
				lastKey = commonPrefix
				lastUploadId = ""
				count++
				continue
			}
		}

		if opts.MaxUploads > 0 && count >= opts.MaxUploads {
			result.IsTruncated = true
			result.NextKeyMarker = lastKey
			result.NextUploadIdMarker = lastUploadId
			return result, nil
		}
		key, err := storage.NewObjectKey(session.TargetKey)
		if err != nil {
			return nil, err
		}
		sessionUploadId, err := storage.NewUploadId(session.UploadId)
		if err != nil {
			return nil, err
		}
		result.Uploads = append(result.Uploads, storage.Upload{
			Key:       key,
			UploadId:  sessionUploadId,
			Initiated: session.CreatedAt,
		})
		lastKey = session.TargetKey
		lastUploadId = session.UploadId
		count++
	}
	return result, nil
}

// ListParts lists the staged parts of a session in part number order.
func (ts *treeStorage) ListParts(ctx context.Context, bucketName storage.BucketName, key storage.ObjectKey, uploadId storage.UploadId, opts storage.ListPartsOptions) (*storage.ListPartsResult, error) {
	ctx, span := ts.tracer.Start(ctx, "TreeStorage.ListParts")
	defer span.End()

	session, err := ts.loadSession(ctx, bucketName, key, uploadId)
	if err != nil {
		return nil, err
	}
	parts := slices.Clone(session.Parts)
	slices.SortFunc(parts, func(a, b sessionstore.Part) int {
		return cmp.Compare(a.PartNumber, b.PartNumber)
	})

	result := &storage.ListPartsResult{
		BucketName:       bucketName,
		Key:              key,
		UploadId:         uploadId,
		PartNumberMarker: opts.PartNumberMarker,
		MaxParts:         opts.MaxParts,
		Parts:            []storage.Part{},
	}
	marker := ptrutils.ValueOr(opts.PartNumberMarker, 0)
	for _, part := range parts {
		if part.PartNumber <= marker {
			continue
		}
		if opts.MaxParts > 0 && int32(len(result.Parts)) >= opts.MaxParts {
			result.IsTruncated = true
			lastPartNumber := result.Parts[len(result.Parts)-1].PartNumber
			result.NextPartNumberMarker = &lastPartNumber
			return result, nil
		}
		result.Parts = append(result.Parts, storage.Part{
			ETag:         part.ETag,
			LastModified: part.UploadedAt,
			PartNumber:   part.PartNumber,
			Size:         part.Size,
		})
	}
	return result, nil
}

// partConcatReader streams the sorted parts back to back, deleting each temp
// segment as soon as it has been fully consumed.
type partConcatReader struct {
	ctx          context.Context
	tx           *sql.Tx
	contentStore contentstore.ContentStore
	parts        []sessionstore.Part
	current      io.ReadCloser
}

func newPartConcatReader(ctx context.Context, tx *sql.Tx, contentStore contentstore.ContentStore, parts []sessionstore.Part) *partConcatReader {
	return &partConcatReader{
		ctx:          ctx,
		tx:           tx,
		contentStore: contentStore,
		parts:        parts,
	}
}

func (pcr *partConcatReader) Read(p []byte) (int, error) {
	for {
		if pcr.current == nil {
			if len(pcr.parts) == 0 {
				return 0, io.EOF
			}
			reader, err := pcr.contentStore.GetContent(pcr.ctx, pcr.tx, pcr.parts[0].ContentId)
			if err != nil {
				return 0, err
			}
			pcr.current = reader
		}
		n, err := pcr.current.Read(p)
		if err == io.EOF {
			closeErr := pcr.current.Close()
			pcr.current = nil
			if closeErr != nil {
				return n, closeErr
			}
			err = pcr.contentStore.DeleteContent(pcr.ctx, pcr.tx, pcr.parts[0].ContentId)
			if err != nil {
				return n, err
			}
			pcr.parts = pcr.parts[1:]
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (pcr *partConcatReader) Close() error {
	if pcr.current != nil {
		err := pcr.current.Close()
		pcr.current = nil
		return err
	}
	return nil
}
