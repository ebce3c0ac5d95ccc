package treestore

import (
	"context"
	"database/sql"
	"slices"
	"testing"
	"time"

	"github.com/avandras/cellar/internal/ioutils"
	"github.com/avandras/cellar/internal/ptrutils"
	"github.com/avandras/cellar/internal/storage"
	"github.com/avandras/cellar/internal/storage/treestore/sessionstore"
	"github.com/stretchr/testify/assert"
)

func initiateTestUpload(t *testing.T, h *testHarness, bucketName storage.BucketName, key string, contentType *string) storage.UploadId {
	t.Helper()
	result, err := h.storage.CreateMultipartUpload(context.Background(), bucketName, storage.MustNewObjectKey(key), contentType)
	if err != nil {
		t.Fatalf("Could not create multipart upload for %s: %s", key, err)
	}
	return result.UploadId
}

func uploadTestPart(t *testing.T, h *testHarness, bucketName storage.BucketName, key string, uploadId storage.UploadId, partNumber int32, content string) *storage.UploadPartResult {
	t.Helper()
	result, err := h.storage.UploadPart(context.Background(), bucketName, storage.MustNewObjectKey(key), uploadId, partNumber, ioutils.NewByteReadSeekCloser([]byte(content)))
	if err != nil {
		t.Fatalf("Could not upload part %d of %s: %s", partNumber, key, err)
	}
	return result
}

func countContents(t *testing.T, h *testHarness) int {
	t.Helper()
	tx, err := h.db.BeginTx(context.Background(), &sql.TxOptions{ReadOnly: true})
	if err != nil {
		t.Fatalf("Could not begin transaction: %s", err)
	}
	defer tx.Rollback()
	contentIds, err := h.contentStore.GetContentIds(context.Background(), tx)
	if err != nil {
		t.Fatalf("Could not list content ids: %s", err)
	}
	return len(contentIds)
}

func TestMultipartUploadLifecycle(t *testing.T) {
	h := newTestHarness(t, sessionstore.DefaultUploadSessionTtl)
	ctx := context.Background()
	owner := createTestUser(t, h, "uploader", -1)
	bucketName := createTestBucket(t, h, owner, "mp-bucket", -1, 0)

	uploadId := initiateTestUpload(t, h, bucketName, "mp/data.bin", ptrutils.ToPtr("application/zip"))

	// Parts may arrive in any order.
	secondPart := uploadTestPart(t, h, bucketName, "mp/data.bin", uploadId, 2, "BBBB")
	assert.Equal(t, quotedMd5("BBBB"), secondPart.ETag)
	firstPart := uploadTestPart(t, h, bucketName, "mp/data.bin", uploadId, 1, "AAAA")
	assert.Equal(t, quotedMd5("AAAA"), firstPart.ETag)

	listPartsResult, err := h.storage.ListParts(ctx, bucketName, storage.MustNewObjectKey("mp/data.bin"), uploadId, storage.ListPartsOptions{})
	assert.Nil(t, err)
	assert.Len(t, listPartsResult.Parts, 2)
	assert.Equal(t, int32(1), listPartsResult.Parts[0].PartNumber)
	assert.Equal(t, int64(4), listPartsResult.Parts[0].Size)
	assert.Equal(t, int32(2), listPartsResult.Parts[1].PartNumber)
	assert.False(t, listPartsResult.IsTruncated)

	// The target does not exist before completion.
	_, err = h.storage.HeadObject(ctx, bucketName, storage.MustNewObjectKey("mp/data.bin"))
	assert.ErrorIs(t, err, storage.ErrNoSuchKey)
	_, err = h.storage.HeadObject(ctx, bucketName, storage.MustNewObjectKey("mp/"))
	assert.ErrorIs(t, err, storage.ErrNoSuchKey)

	completeResult, err := h.storage.CompleteMultipartUpload(ctx, bucketName, storage.MustNewObjectKey("mp/data.bin"), uploadId)
	assert.Nil(t, err)
	assert.Equal(t, "/"+bucketName.String()+"/mp/data.bin", completeResult.Location)
	assert.Contains(t, completeResult.ETag, "-2")

	object, data := getTestObject(t, h, bucketName, "mp/data.bin", nil)
	assert.Equal(t, "AAAABBBB", data)
	assert.Equal(t, int64(8), object.Size)
	assert.Equal(t, "application/zip", *object.ContentType)
	_, err = h.storage.HeadObject(ctx, bucketName, storage.MustNewObjectKey("mp/"))
	assert.Nil(t, err)

	// The session is gone once completion succeeded.
	_, err = h.storage.CompleteMultipartUpload(ctx, bucketName, storage.MustNewObjectKey("mp/data.bin"), uploadId)
	assert.ErrorIs(t, err, storage.ErrNoSuchUpload)
	_, err = h.storage.ListParts(ctx, bucketName, storage.MustNewObjectKey("mp/data.bin"), uploadId, storage.ListPartsOptions{})
	assert.ErrorIs(t, err, storage.ErrNoSuchUpload)
}

func TestUploadPartReplacement(t *testing.T) {
	h := newTestHarness(t, sessionstore.DefaultUploadSessionTtl)
	ctx := context.Background()
	owner := createTestUser(t, h, "replacer", -1)
	bucketName := createTestBucket(t, h, owner, "replace-bucket", -1, 0)

	uploadId := initiateTestUpload(t, h, bucketName, "data.bin", nil)
	uploadTestPart(t, h, bucketName, "data.bin", uploadId, 1, "XXXX")
	uploadTestPart(t, h, bucketName, "data.bin", uploadId, 2, "TAIL")
	staged := countContents(t, h)

	// Re-uploading a part number replaces the earlier attempt and frees
	// its staged bytes.
	uploadTestPart(t, h, bucketName, "data.bin", uploadId, 1, "YY")
	assert.Equal(t, staged, countContents(t, h))

	listPartsResult, err := h.storage.ListParts(ctx, bucketName, storage.MustNewObjectKey("data.bin"), uploadId, storage.ListPartsOptions{})
	assert.Nil(t, err)
	assert.Len(t, listPartsResult.Parts, 2)
	assert.Equal(t, int64(2), listPartsResult.Parts[0].Size)

	_, err = h.storage.CompleteMultipartUpload(ctx, bucketName, storage.MustNewObjectKey("data.bin"), uploadId)
	assert.Nil(t, err)
	_, data := getTestObject(t, h, bucketName, "data.bin", nil)
	assert.Equal(t, "YYTAIL", data)
}

func TestAbortMultipartUpload(t *testing.T) {
	h := newTestHarness(t, sessionstore.DefaultUploadSessionTtl)
	ctx := context.Background()
	owner := createTestUser(t, h, "aborter", -1)
	bucketName := createTestBucket(t, h, owner, "abort-bucket", -1, 0)

	uploadId := initiateTestUpload(t, h, bucketName, "gone.bin", nil)
	uploadTestPart(t, h, bucketName, "gone.bin", uploadId, 1, "ABCD")
	assert.Equal(t, 1, countContents(t, h))

	err := h.storage.AbortMultipartUpload(ctx, bucketName, storage.MustNewObjectKey("gone.bin"), uploadId)
	assert.Nil(t, err)
	assert.Equal(t, 0, countContents(t, h))

	_, err = h.storage.HeadObject(ctx, bucketName, storage.MustNewObjectKey("gone.bin"))
	assert.ErrorIs(t, err, storage.ErrNoSuchKey)
	_, err = h.storage.UploadPart(ctx, bucketName, storage.MustNewObjectKey("gone.bin"), uploadId, 2, ioutils.NewByteReadSeekCloser([]byte("EF")))
	assert.ErrorIs(t, err, storage.ErrNoSuchUpload)
	_, err = h.storage.CompleteMultipartUpload(ctx, bucketName, storage.MustNewObjectKey("gone.bin"), uploadId)
	assert.ErrorIs(t, err, storage.ErrNoSuchUpload)
	err = h.storage.AbortMultipartUpload(ctx, bucketName, storage.MustNewObjectKey("gone.bin"), uploadId)
	assert.ErrorIs(t, err, storage.ErrNoSuchUpload)

	err = h.storage.AbortMultipartUpload(ctx, bucketName, storage.MustNewObjectKey("gone.bin"), storage.NewRandomUploadId())
	assert.ErrorIs(t, err, storage.ErrNoSuchUpload)
}

func TestCreateMultipartUploadValidation(t *testing.T) {
	h := newTestHarness(t, sessionstore.DefaultUploadSessionTtl)
	ctx := context.Background()
	owner := createTestUser(t, h, "validator", -1)
	bucketName := createTestBucket(t, h, owner, "validate-bucket", -1, 0)

	_, err := h.storage.CreateMultipartUpload(ctx, storage.MustNewBucketName("absent-bucket"), storage.MustNewObjectKey("k.bin"), nil)
	assert.ErrorIs(t, err, storage.ErrNoSuchBucket)

	// Folder keys cannot take multipart content.
	_, err = h.storage.CreateMultipartUpload(ctx, bucketName, storage.MustNewObjectKey("folder/"), nil)
	assert.ErrorIs(t, err, storage.ErrInvalidObjectKey)

	// A file on the folder chain blocks the upload immediately.
	putTestObject(t, h, bucketName, "blocker", nil, "file")
	_, err = h.storage.CreateMultipartUpload(ctx, bucketName, storage.MustNewObjectKey("blocker/child.bin"), nil)
	assert.ErrorIs(t, err, storage.ErrNoSuchKey)

	// Missing parent folders are fine; they appear at completion.
	uploadId := initiateTestUpload(t, h, bucketName, "deferred/parents/ok.bin", nil)
	_, err = h.storage.HeadObject(ctx, bucketName, storage.MustNewObjectKey("deferred/"))
	assert.ErrorIs(t, err, storage.ErrNoSuchKey)
	uploadTestPart(t, h, bucketName, "deferred/parents/ok.bin", uploadId, 1, "payload")
	_, err = h.storage.CompleteMultipartUpload(ctx, bucketName, storage.MustNewObjectKey("deferred/parents/ok.bin"), uploadId)
	assert.Nil(t, err)
	_, err = h.storage.HeadObject(ctx, bucketName, storage.MustNewObjectKey("deferred/"))
	assert.Nil(t, err)
	_, data := getTestObject(t, h, bucketName, "deferred/parents/ok.bin", nil)
	assert.Equal(t, "payload", data)

	// Part operations must address the session under its own bucket and key.
	otherBucket := createTestBucket(t, h, owner, "validate-other", -1, 0)
	strayUploadId := initiateTestUpload(t, h, bucketName, "stray.bin", nil)
	_, err = h.storage.UploadPart(ctx, otherBucket, storage.MustNewObjectKey("stray.bin"), strayUploadId, 1, ioutils.NewByteReadSeekCloser([]byte("x")))
	assert.ErrorIs(t, err, storage.ErrNoSuchUpload)
	_, err = h.storage.UploadPart(ctx, bucketName, storage.MustNewObjectKey("other.bin"), strayUploadId, 1, ioutils.NewByteReadSeekCloser([]byte("x")))
	assert.ErrorIs(t, err, storage.ErrNoSuchUpload)

	// Completing onto an existing folder fails.
	conflictUploadId := initiateTestUpload(t, h, bucketName, "conflict", nil)
	uploadTestPart(t, h, bucketName, "conflict", conflictUploadId, 1, "zz")
	putTestObject(t, h, bucketName, "conflict/", nil, "")
	_, err = h.storage.CompleteMultipartUpload(ctx, bucketName, storage.MustNewObjectKey("conflict"), conflictUploadId)
	assert.ErrorIs(t, err, storage.ErrNoSuchKey)
}

func TestMultipartUploadQuota(t *testing.T) {
	h := newTestHarness(t, sessionstore.DefaultUploadSessionTtl)
	ctx := context.Background()
	owner := createTestUser(t, h, "bounded", -1)
	bucketName := createTestBucket(t, h, owner, "bounded-bucket", 100, 0)

	uploadId := initiateTestUpload(t, h, bucketName, "big.bin", nil)
	uploadTestPart(t, h, bucketName, "big.bin", uploadId, 1, string(make([]byte, 60)))

	// Staged parts are checked against the session's bucket snapshot.
	_, err := h.storage.UploadPart(ctx, bucketName, storage.MustNewObjectKey("big.bin"), uploadId, 2, ioutils.NewByteReadSeekCloser(make([]byte, 50)))
	assert.ErrorIs(t, err, storage.ErrQuotaExceeded)

	// Staged bytes do not count as usage for other writers.
	putTestObject(t, h, bucketName, "filler", nil, string(make([]byte, 80)))

	// Completion re-checks the final size against fresh usage and leaves
	// the session intact when it rejects.
	_, err = h.storage.CompleteMultipartUpload(ctx, bucketName, storage.MustNewObjectKey("big.bin"), uploadId)
	assert.ErrorIs(t, err, storage.ErrQuotaExceeded)
	listPartsResult, err := h.storage.ListParts(ctx, bucketName, storage.MustNewObjectKey("big.bin"), uploadId, storage.ListPartsOptions{})
	assert.Nil(t, err)
	assert.Len(t, listPartsResult.Parts, 1)

	err = h.storage.DeleteObject(ctx, bucketName, storage.MustNewObjectKey("filler"))
	assert.Nil(t, err)
	_, err = h.storage.CompleteMultipartUpload(ctx, bucketName, storage.MustNewObjectKey("big.bin"), uploadId)
	assert.Nil(t, err)
	object, err := h.storage.HeadObject(ctx, bucketName, storage.MustNewObjectKey("big.bin"))
	assert.Nil(t, err)
	assert.Equal(t, int64(60), object.Size)
}

func TestUploadSessionExpiry(t *testing.T) {
	h := newTestHarness(t, time.Second)
	ctx := context.Background()
	owner := createTestUser(t, h, "sleeper", -1)
	bucketName := createTestBucket(t, h, owner, "expiry-bucket", -1, 0)

	uploadId := initiateTestUpload(t, h, bucketName, "stale.bin", nil)
	time.Sleep(1200 * time.Millisecond)
	_, err := h.storage.UploadPart(ctx, bucketName, storage.MustNewObjectKey("stale.bin"), uploadId, 1, ioutils.NewByteReadSeekCloser([]byte("late")))
	assert.ErrorIs(t, err, storage.ErrNoSuchUpload)

	// Every accepted part resets the clock.
	activeUploadId := initiateTestUpload(t, h, bucketName, "active.bin", nil)
	for partNumber := int32(1); partNumber <= 3; partNumber++ {
		time.Sleep(500 * time.Millisecond)
		uploadTestPart(t, h, bucketName, "active.bin", activeUploadId, partNumber, "x")
	}
	listPartsResult, err := h.storage.ListParts(ctx, bucketName, storage.MustNewObjectKey("active.bin"), activeUploadId, storage.ListPartsOptions{})
	assert.Nil(t, err)
	assert.Len(t, listPartsResult.Parts, 3)

	time.Sleep(1200 * time.Millisecond)
	_, err = h.storage.ListParts(ctx, bucketName, storage.MustNewObjectKey("active.bin"), activeUploadId, storage.ListPartsOptions{})
	assert.ErrorIs(t, err, storage.ErrNoSuchUpload)
}

func TestListMultipartUploads(t *testing.T) {
	h := newTestHarness(t, sessionstore.DefaultUploadSessionTtl)
	ctx := context.Background()
	owner := createTestUser(t, h, "sessionlister", -1)
	bucketName := createTestBucket(t, h, owner, "mp-list-bucket", -1, 0)

	_, err := h.storage.ListMultipartUploads(ctx, storage.MustNewBucketName("absent-bucket"), storage.ListMultipartUploadsOptions{})
	assert.ErrorIs(t, err, storage.ErrNoSuchBucket)

	initiateTestUpload(t, h, bucketName, "a/nested.txt", nil)
	initiateTestUpload(t, h, bucketName, "a/other.txt", nil)
	firstPlain := initiateTestUpload(t, h, bucketName, "b.txt", nil)
	secondPlain := initiateTestUpload(t, h, bucketName, "b.txt", nil)
	plainIds := []string{firstPlain.String(), secondPlain.String()}
	slices.Sort(plainIds)

	result, err := h.storage.ListMultipartUploads(ctx, bucketName, storage.ListMultipartUploadsOptions{})
	assert.Nil(t, err)
	assert.Len(t, result.Uploads, 4)
	assert.Equal(t, "a/nested.txt", result.Uploads[0].Key.String())
	assert.Equal(t, "a/other.txt", result.Uploads[1].Key.String())
	assert.Equal(t, "b.txt", result.Uploads[2].Key.String())
	assert.Equal(t, plainIds[0], result.Uploads[2].UploadId.String())
	assert.Equal(t, plainIds[1], result.Uploads[3].UploadId.String())

	// Delimiter grouping folds keys below a common prefix.
	result, err = h.storage.ListMultipartUploads(ctx, bucketName, storage.ListMultipartUploadsOptions{
		Delimiter: ptrutils.ToPtr("/"),
	})
	assert.Nil(t, err)
	assert.Equal(t, []string{"a/"}, result.CommonPrefixes)
	assert.Len(t, result.Uploads, 2)

	// Truncation hands back markers that continue after the last element.
	result, err = h.storage.ListMultipartUploads(ctx, bucketName, storage.ListMultipartUploadsOptions{
		Delimiter:  ptrutils.ToPtr("/"),
		MaxUploads: 1,
	})
	assert.Nil(t, err)
	assert.True(t, result.IsTruncated)
	assert.Equal(t, []string{"a/"}, result.CommonPrefixes)
	assert.Empty(t, result.Uploads)
	assert.Equal(t, "a/", result.NextKeyMarker)

	result, err = h.storage.ListMultipartUploads(ctx, bucketName, storage.ListMultipartUploadsOptions{
		Delimiter:  ptrutils.ToPtr("/"),
		MaxUploads: 1,
		KeyMarker:  ptrutils.ToPtr("a/"),
	})
	assert.Nil(t, err)
	assert.True(t, result.IsTruncated)
	assert.Len(t, result.Uploads, 1)
	assert.Equal(t, plainIds[0], result.Uploads[0].UploadId.String())
	assert.Equal(t, "b.txt", result.NextKeyMarker)
	assert.Equal(t, plainIds[0], result.NextUploadIdMarker)

	result, err = h.storage.ListMultipartUploads(ctx, bucketName, storage.ListMultipartUploadsOptions{
		Delimiter:      ptrutils.ToPtr("/"),
		MaxUploads:     1,
		KeyMarker:      ptrutils.ToPtr("b.txt"),
		UploadIdMarker: ptrutils.ToPtr(plainIds[0]),
	})
	assert.Nil(t, err)
	assert.False(t, result.IsTruncated)
	assert.Len(t, result.Uploads, 1)
	assert.Equal(t, plainIds[1], result.Uploads[0].UploadId.String())

	result, err = h.storage.ListMultipartUploads(ctx, bucketName, storage.ListMultipartUploadsOptions{
		Prefix: ptrutils.ToPtr("a/"),
	})
	assert.Nil(t, err)
	assert.Len(t, result.Uploads, 2)
}

func TestListPartsPagination(t *testing.T) {
	h := newTestHarness(t, sessionstore.DefaultUploadSessionTtl)
	ctx := context.Background()
	owner := createTestUser(t, h, "partlister", -1)
	bucketName := createTestBucket(t, h, owner, "parts-bucket", -1, 0)

	uploadId := initiateTestUpload(t, h, bucketName, "paged.bin", nil)
	for partNumber := int32(5); partNumber >= 1; partNumber-- {
		uploadTestPart(t, h, bucketName, "paged.bin", uploadId, partNumber, "p")
	}

	result, err := h.storage.ListParts(ctx, bucketName, storage.MustNewObjectKey("paged.bin"), uploadId, storage.ListPartsOptions{
		MaxParts: 2,
	})
	assert.Nil(t, err)
	assert.True(t, result.IsTruncated)
	assert.Len(t, result.Parts, 2)
	assert.Equal(t, int32(1), result.Parts[0].PartNumber)
	assert.Equal(t, int32(2), result.Parts[1].PartNumber)
	assert.Equal(t, int32(2), *result.NextPartNumberMarker)

	result, err = h.storage.ListParts(ctx, bucketName, storage.MustNewObjectKey("paged.bin"), uploadId, storage.ListPartsOptions{
		MaxParts:         2,
		PartNumberMarker: result.NextPartNumberMarker,
	})
	assert.Nil(t, err)
	assert.True(t, result.IsTruncated)
	assert.Equal(t, int32(3), result.Parts[0].PartNumber)
	assert.Equal(t, int32(4), result.Parts[1].PartNumber)

	result, err = h.storage.ListParts(ctx, bucketName, storage.MustNewObjectKey("paged.bin"), uploadId, storage.ListPartsOptions{
		MaxParts:         2,
		PartNumberMarker: result.NextPartNumberMarker,
	})
	assert.Nil(t, err)
	assert.False(t, result.IsTruncated)
	assert.Len(t, result.Parts, 1)
	assert.Equal(t, int32(5), result.Parts[0].PartNumber)

	result, err = h.storage.ListParts(ctx, bucketName, storage.MustNewObjectKey("paged.bin"), uploadId, storage.ListPartsOptions{
		PartNumberMarker: ptrutils.ToPtr(int32(9)),
	})
	assert.Nil(t, err)
	assert.Empty(t, result.Parts)
	assert.False(t, result.IsTruncated)
}

func TestGarbageCollectorReclaimsOrphans(t *testing.T) {
	h := newTestHarness(t, sessionstore.DefaultUploadSessionTtl)
	ctx := context.Background()
	owner := createTestUser(t, h, "collector", -1)
	bucketName := createTestBucket(t, h, owner, "gc-bucket", -1, 0)

	putTestObject(t, h, bucketName, "keep.txt", nil, "keep")
	uploadId := initiateTestUpload(t, h, bucketName, "mp.bin", nil)
	uploadTestPart(t, h, bucketName, "mp.bin", uploadId, 1, "staged")
	putTestObject(t, h, bucketName, "tree/file.bin", nil, "orphan-to-be")
	assert.Equal(t, 3, countContents(t, h))

	// Folder deletion is logical; the payload lingers until collection.
	err := h.storage.DeleteObject(ctx, bucketName, storage.MustNewObjectKey("tree/"))
	assert.Nil(t, err)
	assert.Equal(t, 3, countContents(t, h))

	ts := h.storage.(*treeStorage)
	err = ts.contentGC.Collect(ctx)
	assert.Nil(t, err)
	assert.Equal(t, 2, countContents(t, h))

	// Live objects and staged parts of live sessions survive collection.
	_, data := getTestObject(t, h, bucketName, "keep.txt", nil)
	assert.Equal(t, "keep", data)
	listPartsResult, err := h.storage.ListParts(ctx, bucketName, storage.MustNewObjectKey("mp.bin"), uploadId, storage.ListPartsOptions{})
	assert.Nil(t, err)
	assert.Len(t, listPartsResult.Parts, 1)

	_, err = h.storage.CompleteMultipartUpload(ctx, bucketName, storage.MustNewObjectKey("mp.bin"), uploadId)
	assert.Nil(t, err)
	assert.Equal(t, 2, countContents(t, h))
	err = ts.contentGC.Collect(ctx)
	assert.Nil(t, err)
	assert.Equal(t, 2, countContents(t, h))
	_, data = getTestObject(t, h, bucketName, "mp.bin", nil)
	assert.Equal(t, "staged", data)

	// Deleting a file releases its payload immediately.
	err = h.storage.DeleteObject(ctx, bucketName, storage.MustNewObjectKey("keep.txt"))
	assert.Nil(t, err)
	assert.Equal(t, 1, countContents(t, h))
}
