package treestore

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/avandras/cellar/internal/ioutils"
	"github.com/avandras/cellar/internal/ptrutils"
	"github.com/avandras/cellar/internal/storage"
	"github.com/avandras/cellar/internal/storage/database"
	bucketSql "github.com/avandras/cellar/internal/storage/database/repository/bucket/sql"
	contentSql "github.com/avandras/cellar/internal/storage/database/repository/content/sql"
	objectSql "github.com/avandras/cellar/internal/storage/database/repository/object/sql"
	userSql "github.com/avandras/cellar/internal/storage/database/repository/user/sql"
	"github.com/avandras/cellar/internal/storage/treestore/contentstore"
	sqlContentStore "github.com/avandras/cellar/internal/storage/treestore/contentstore/sql"
	sqlMetadataStore "github.com/avandras/cellar/internal/storage/treestore/metadatastore/sql"
	"github.com/avandras/cellar/internal/storage/treestore/sessionstore"
	"github.com/avandras/cellar/internal/storage/treestore/sessionstore/inmemory"
	"github.com/stretchr/testify/assert"
)

func TestTreeStorage(t *testing.T) {
	storagePath, err := os.MkdirTemp("", "cellar-test-data-")
	if err != nil {
		log.Fatalf("Could not create temp directory: %s", err)
	}
	dbPath := filepath.Join(storagePath, "cellar.db")
	db, err := database.OpenDatabase(dbPath)
	if err != nil {
		log.Fatal("Couldn't open database")
	}
	defer func() {
		err = db.Close()
		if err != nil {
			log.Fatalf("Could not close database %s", err)
		}
		err = os.RemoveAll(storagePath)
		if err != nil {
			log.Fatalf("Could not remove storagePath %s: %s", storagePath, err)
		}
	}()

	bucketRepository, err := bucketSql.NewRepository()
	if err != nil {
		log.Fatalf("Could not create BucketRepository: %s", err)
	}
	objectRepository, err := objectSql.NewRepository()
	if err != nil {
		log.Fatalf("Could not create ObjectRepository: %s", err)
	}
	userRepository, err := userSql.NewRepository()
	if err != nil {
		log.Fatalf("Could not create UserRepository: %s", err)
	}
	contentRepository, err := contentSql.NewRepository()
	if err != nil {
		log.Fatalf("Could not create ContentRepository: %s", err)
	}
	metadataStore, err := sqlMetadataStore.New(db, bucketRepository, objectRepository, userRepository)
	if err != nil {
		log.Fatalf("Could not create SqlMetadataStore: %s", err)
	}
	contentStore, err := sqlContentStore.New(db, contentRepository)
	if err != nil {
		log.Fatalf("Could not create SqlContentStore: %s", err)
	}
	sessionStore, err := inmemory.New(sessionstore.DefaultUploadSessionTtl)
	if err != nil {
		log.Fatalf("Could not create InMemorySessionStore: %s", err)
	}
	treeStorage, err := NewStorage(db, metadataStore, contentStore, sessionStore)
	if err != nil {
		log.Fatalf("Could not create TreeStorage: %s", err)
	}
	err = storage.Tester(treeStorage, []storage.BucketName{storage.MustNewBucketName("tree-storage-test")}, []byte("TreeStorage"))
	assert.Nil(t, err)
}

type testHarness struct {
	storage      storage.Storage
	db           database.Database
	contentStore contentstore.ContentStore
	sessionStore sessionstore.SessionStore
}

func newTestHarness(t *testing.T, uploadSessionTtl time.Duration) *testHarness {
	t.Helper()
	storagePath, err := os.MkdirTemp("", "cellar-test-data-")
	if err != nil {
		t.Fatalf("Could not create temp directory: %s", err)
	}
	db, err := database.OpenDatabase(filepath.Join(storagePath, "cellar.db"))
	if err != nil {
		t.Fatalf("Could not open database: %s", err)
	}
	bucketRepository, err := bucketSql.NewRepository()
	if err != nil {
		t.Fatalf("Could not create BucketRepository: %s", err)
	}
	objectRepository, err := objectSql.NewRepository()
	if err != nil {
		t.Fatalf("Could not create ObjectRepository: %s", err)
	}
	userRepository, err := userSql.NewRepository()
	if err != nil {
		t.Fatalf("Could not create UserRepository: %s", err)
	}
	contentRepository, err := contentSql.NewRepository()
	if err != nil {
		t.Fatalf("Could not create ContentRepository: %s", err)
	}
	metadataStore, err := sqlMetadataStore.New(db, bucketRepository, objectRepository, userRepository)
	if err != nil {
		t.Fatalf("Could not create SqlMetadataStore: %s", err)
	}
	contentStore, err := sqlContentStore.New(db, contentRepository)
	if err != nil {
		t.Fatalf("Could not create SqlContentStore: %s", err)
	}
	sessionStore, err := inmemory.New(uploadSessionTtl)
	if err != nil {
		t.Fatalf("Could not create InMemorySessionStore: %s", err)
	}
	treeStorage, err := NewStorage(db, metadataStore, contentStore, sessionStore)
	if err != nil {
		t.Fatalf("Could not create TreeStorage: %s", err)
	}
	err = treeStorage.Start(context.Background())
	if err != nil {
		t.Fatalf("Could not start TreeStorage: %s", err)
	}
	t.Cleanup(func() {
		err := treeStorage.Stop(context.Background())
		if err != nil {
			t.Errorf("Could not stop TreeStorage: %s", err)
		}
		err = db.Close()
		if err != nil {
			t.Errorf("Could not close database: %s", err)
		}
		err = os.RemoveAll(storagePath)
		if err != nil {
			t.Errorf("Could not remove storagePath %s: %s", storagePath, err)
		}
	})
	return &testHarness{
		storage:      treeStorage,
		db:           db,
		contentStore: contentStore,
		sessionStore: sessionStore,
	}
}

func createTestUser(t *testing.T, h *testHarness, name string, quota int64) *storage.User {
	t.Helper()
	user := storage.User{
		Name:         name,
		StorageQuota: quota,
	}
	err := h.storage.CreateUser(context.Background(), &user)
	if err != nil {
		t.Fatalf("Could not create user %s: %s", name, err)
	}
	return &user
}

func createTestBucket(t *testing.T, h *testHarness, owner *storage.User, name string, quota int64, pathCacheTtlSeconds int64) storage.BucketName {
	t.Helper()
	bucketName := storage.MustNewBucketName(name)
	err := h.storage.CreateBucket(context.Background(), &storage.Bucket{
		Name:                bucketName,
		Access:              storage.BucketAccessPrivate,
		StorageQuota:        quota,
		PathCacheTtlSeconds: pathCacheTtlSeconds,
		OwnerId:             *owner.Id,
	})
	if err != nil {
		t.Fatalf("Could not create bucket %s: %s", name, err)
	}
	return bucketName
}

func putTestObject(t *testing.T, h *testHarness, bucketName storage.BucketName, key string, contentType *string, content string) *storage.PutObjectResult {
	t.Helper()
	result, err := h.storage.PutObject(context.Background(), bucketName, storage.MustNewObjectKey(key), contentType, ioutils.NewByteReadSeekCloser([]byte(content)))
	if err != nil {
		t.Fatalf("Could not put object %s: %s", key, err)
	}
	return result
}

func getTestObject(t *testing.T, h *testHarness, bucketName storage.BucketName, key string, byteRange *storage.ByteRange) (*storage.Object, string) {
	t.Helper()
	object, reader, err := h.storage.GetObject(context.Background(), bucketName, storage.MustNewObjectKey(key), byteRange)
	if err != nil {
		t.Fatalf("Could not get object %s: %s", key, err)
	}
	defer reader.Close()
	data, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("Could not read object %s: %s", key, err)
	}
	return object, string(data)
}

func quotedMd5(content string) string {
	sum := md5.Sum([]byte(content))
	return "\"" + hex.EncodeToString(sum[:]) + "\""
}

func TestListObjectsEmptyVsMissingBucket(t *testing.T) {
	h := newTestHarness(t, sessionstore.DefaultUploadSessionTtl)
	ctx := context.Background()
	owner := createTestUser(t, h, "rooter", -1)
	bucketName := createTestBucket(t, h, owner, "root-bucket", -1, 0)

	result, err := h.storage.ListObjects(ctx, bucketName, storage.ListObjectsOptions{})
	assert.Nil(t, err)
	assert.Empty(t, result.Objects)
	assert.Empty(t, result.CommonPrefixes)
	assert.False(t, result.IsTruncated)

	_, err = h.storage.ListObjects(ctx, storage.MustNewBucketName("absent-bucket"), storage.ListObjectsOptions{})
	assert.ErrorIs(t, err, storage.ErrNoSuchBucket)

	_, err = h.storage.HeadObject(ctx, storage.MustNewBucketName("absent-bucket"), storage.MustNewObjectKey("any"))
	assert.ErrorIs(t, err, storage.ErrNoSuchBucket)
}

func TestPutGetHeadObject(t *testing.T) {
	h := newTestHarness(t, sessionstore.DefaultUploadSessionTtl)
	ctx := context.Background()
	owner := createTestUser(t, h, "putter", -1)
	bucketName := createTestBucket(t, h, owner, "put-bucket", -1, 0)

	putResult := putTestObject(t, h, bucketName, "a/b/c.txt", ptrutils.ToPtr("text/plain"), "hello world")
	assert.Equal(t, quotedMd5("hello world"), *putResult.ETag)

	object, err := h.storage.HeadObject(ctx, bucketName, storage.MustNewObjectKey("a/b/c.txt"))
	assert.Nil(t, err)
	assert.Equal(t, int64(11), object.Size)
	assert.Equal(t, "text/plain", *object.ContentType)
	assert.NotEmpty(t, object.ETag)

	gotObject, data := getTestObject(t, h, bucketName, "a/b/c.txt", nil)
	assert.Equal(t, "hello world", data)
	assert.Equal(t, object.ETag, gotObject.ETag)

	// The put created the intermediate folders.
	folder, err := h.storage.HeadObject(ctx, bucketName, storage.MustNewObjectKey("a/"))
	assert.Nil(t, err)
	assert.Equal(t, folderMimeType, *folder.ContentType)
	assert.Equal(t, int64(0), folder.Size)
	_, err = h.storage.HeadObject(ctx, bucketName, storage.MustNewObjectKey("a/b/"))
	assert.Nil(t, err)

	// Overwriting updates in place.
	putResult = putTestObject(t, h, bucketName, "a/b/c.txt", nil, "v2")
	assert.Equal(t, quotedMd5("v2"), *putResult.ETag)
	updated, err := h.storage.HeadObject(ctx, bucketName, storage.MustNewObjectKey("a/b/c.txt"))
	assert.Nil(t, err)
	assert.Equal(t, int64(2), updated.Size)
	assert.Equal(t, defaultMimeType, *updated.ContentType)
	assert.NotEqual(t, object.ETag, updated.ETag)
	_, data = getTestObject(t, h, bucketName, "a/b/c.txt", nil)
	assert.Equal(t, "v2", data)

	// Folder markers are idempotent and carry no content.
	putResult = putTestObject(t, h, bucketName, "x/y/z/", nil, "")
	assert.Equal(t, quotedMd5(""), *putResult.ETag)
	putTestObject(t, h, bucketName, "x/y/z/", nil, "")
	folderObject, data := getTestObject(t, h, bucketName, "x/y/z/", nil)
	assert.Equal(t, "", data)
	assert.Equal(t, folderMimeType, *folderObject.ContentType)
}

func TestObjectShapeConflicts(t *testing.T) {
	h := newTestHarness(t, sessionstore.DefaultUploadSessionTtl)
	ctx := context.Background()
	owner := createTestUser(t, h, "shaper", -1)
	bucketName := createTestBucket(t, h, owner, "shape-bucket", -1, 0)

	putTestObject(t, h, bucketName, "a/b/c.txt", nil, "content")

	// A key addressing an existing node with the wrong shape does not exist.
	_, err := h.storage.HeadObject(ctx, bucketName, storage.MustNewObjectKey("a/b"))
	assert.ErrorIs(t, err, storage.ErrNoSuchKey)
	_, err = h.storage.HeadObject(ctx, bucketName, storage.MustNewObjectKey("a/b/c.txt/"))
	assert.ErrorIs(t, err, storage.ErrNoSuchKey)

	// Descending through a file fails.
	_, _, err = h.storage.GetObject(ctx, bucketName, storage.MustNewObjectKey("a/b/c.txt/d.txt"), nil)
	assert.ErrorIs(t, err, storage.ErrNoSuchKey)

	// Writes cannot convert between files and folders.
	_, err = h.storage.PutObject(ctx, bucketName, storage.MustNewObjectKey("a/b/c.txt/d.txt"), nil, ioutils.NewByteReadSeekCloser([]byte("x")))
	assert.ErrorIs(t, err, storage.ErrNoSuchKey)
	_, err = h.storage.PutObject(ctx, bucketName, storage.MustNewObjectKey("a/b/c.txt/"), nil, ioutils.NewByteReadSeekCloser([]byte{}))
	assert.ErrorIs(t, err, storage.ErrNoSuchKey)
	_, err = h.storage.PutObject(ctx, bucketName, storage.MustNewObjectKey("a/b"), nil, ioutils.NewByteReadSeekCloser([]byte("x")))
	assert.ErrorIs(t, err, storage.ErrNoSuchKey)
}

func TestGetObjectRanges(t *testing.T) {
	h := newTestHarness(t, sessionstore.DefaultUploadSessionTtl)
	ctx := context.Background()
	owner := createTestUser(t, h, "ranger", -1)
	bucketName := createTestBucket(t, h, owner, "range-bucket", -1, 0)

	putTestObject(t, h, bucketName, "data.bin", nil, "0123456789")

	_, data := getTestObject(t, h, bucketName, "data.bin", &storage.ByteRange{
		Start: ptrutils.ToPtr(int64(2)),
		End:   ptrutils.ToPtr(int64(5)),
	})
	assert.Equal(t, "234", data)

	_, data = getTestObject(t, h, bucketName, "data.bin", &storage.ByteRange{
		Start: ptrutils.ToPtr(int64(7)),
	})
	assert.Equal(t, "789", data)

	// Suffix range.
	_, data = getTestObject(t, h, bucketName, "data.bin", &storage.ByteRange{
		End: ptrutils.ToPtr(int64(3)),
	})
	assert.Equal(t, "789", data)

	// A range reaching past the end is clamped.
	_, data = getTestObject(t, h, bucketName, "data.bin", &storage.ByteRange{
		Start: ptrutils.ToPtr(int64(8)),
		End:   ptrutils.ToPtr(int64(100)),
	})
	assert.Equal(t, "89", data)

	_, _, err := h.storage.GetObject(ctx, bucketName, storage.MustNewObjectKey("data.bin"), &storage.ByteRange{
		Start: ptrutils.ToPtr(int64(10)),
	})
	assert.ErrorIs(t, err, storage.ErrInvalidRange)

	putTestObject(t, h, bucketName, "folder/", nil, "")
	_, _, err = h.storage.GetObject(ctx, bucketName, storage.MustNewObjectKey("folder/"), &storage.ByteRange{
		Start: ptrutils.ToPtr(int64(0)),
		End:   ptrutils.ToPtr(int64(1)),
	})
	assert.ErrorIs(t, err, storage.ErrInvalidRange)
}

func TestDeleteObjectTree(t *testing.T) {
	h := newTestHarness(t, sessionstore.DefaultUploadSessionTtl)
	ctx := context.Background()
	owner := createTestUser(t, h, "deleter", -1)
	bucketName := createTestBucket(t, h, owner, "delete-bucket", -1, 0)

	putTestObject(t, h, bucketName, "a/b/one.txt", nil, "one")
	putTestObject(t, h, bucketName, "a/b/two.txt", nil, "two")
	putTestObject(t, h, bucketName, "a/other.txt", nil, "other")

	// Deleting a file keeps its siblings and parents.
	err := h.storage.DeleteObject(ctx, bucketName, storage.MustNewObjectKey("a/b/one.txt"))
	assert.Nil(t, err)
	_, err = h.storage.HeadObject(ctx, bucketName, storage.MustNewObjectKey("a/b/one.txt"))
	assert.ErrorIs(t, err, storage.ErrNoSuchKey)
	_, err = h.storage.HeadObject(ctx, bucketName, storage.MustNewObjectKey("a/b/two.txt"))
	assert.Nil(t, err)

	// Deleting a folder removes the whole subtree.
	err = h.storage.DeleteObject(ctx, bucketName, storage.MustNewObjectKey("a/b/"))
	assert.Nil(t, err)
	_, err = h.storage.HeadObject(ctx, bucketName, storage.MustNewObjectKey("a/b/"))
	assert.ErrorIs(t, err, storage.ErrNoSuchKey)
	_, err = h.storage.HeadObject(ctx, bucketName, storage.MustNewObjectKey("a/b/two.txt"))
	assert.ErrorIs(t, err, storage.ErrNoSuchKey)
	_, err = h.storage.HeadObject(ctx, bucketName, storage.MustNewObjectKey("a/other.txt"))
	assert.Nil(t, err)

	err = h.storage.DeleteObject(ctx, bucketName, storage.MustNewObjectKey("a/b/"))
	assert.ErrorIs(t, err, storage.ErrNoSuchKey)
	err = h.storage.DeleteObject(ctx, bucketName, storage.MustNewObjectKey("missing.txt"))
	assert.ErrorIs(t, err, storage.ErrNoSuchKey)

	// Shape agreement applies to deletes too.
	err = h.storage.DeleteObject(ctx, bucketName, storage.MustNewObjectKey("a/other.txt/"))
	assert.ErrorIs(t, err, storage.ErrNoSuchKey)
	err = h.storage.DeleteObject(ctx, bucketName, storage.MustNewObjectKey("a"))
	assert.ErrorIs(t, err, storage.ErrNoSuchKey)
}

func TestBucketQuota(t *testing.T) {
	h := newTestHarness(t, sessionstore.DefaultUploadSessionTtl)
	ctx := context.Background()
	owner := createTestUser(t, h, "hoarder", -1)
	bucketName := createTestBucket(t, h, owner, "quota-bucket", 100, 0)

	putTestObject(t, h, bucketName, "a", nil, string(make([]byte, 90)))

	_, err := h.storage.PutObject(ctx, bucketName, storage.MustNewObjectKey("b"), nil, ioutils.NewByteReadSeekCloser(make([]byte, 11)))
	assert.ErrorIs(t, err, storage.ErrQuotaExceeded)

	putTestObject(t, h, bucketName, "b", nil, string(make([]byte, 10)))

	// Overwrites are charged by the size delta.
	_, err = h.storage.PutObject(ctx, bucketName, storage.MustNewObjectKey("a"), nil, ioutils.NewByteReadSeekCloser(make([]byte, 95)))
	assert.ErrorIs(t, err, storage.ErrQuotaExceeded)
	putTestObject(t, h, bucketName, "a", nil, string(make([]byte, 90)))

	// Deleting frees the budget again.
	err = h.storage.DeleteObject(ctx, bucketName, storage.MustNewObjectKey("b"))
	assert.Nil(t, err)
	putTestObject(t, h, bucketName, "b", nil, string(make([]byte, 10)))

	unlimitedBucket := createTestBucket(t, h, owner, "unlimited-bucket", -1, 0)
	putTestObject(t, h, unlimitedBucket, "big", nil, string(make([]byte, 1000)))
}

func TestOwnerQuota(t *testing.T) {
	h := newTestHarness(t, sessionstore.DefaultUploadSessionTtl)
	ctx := context.Background()
	owner := createTestUser(t, h, "capped", 120)
	firstBucket := createTestBucket(t, h, owner, "capped-first", -1, 0)
	secondBucket := createTestBucket(t, h, owner, "capped-second", -1, 0)

	putTestObject(t, h, firstBucket, "ninety", nil, string(make([]byte, 90)))

	// The owner quota spans all buckets of the owner.
	_, err := h.storage.PutObject(ctx, secondBucket, storage.MustNewObjectKey("forty"), nil, ioutils.NewByteReadSeekCloser(make([]byte, 40)))
	assert.ErrorIs(t, err, storage.ErrQuotaExceeded)

	putTestObject(t, h, secondBucket, "thirty", nil, string(make([]byte, 30)))
}

func TestCopyObject(t *testing.T) {
	h := newTestHarness(t, sessionstore.DefaultUploadSessionTtl)
	ctx := context.Background()
	owner := createTestUser(t, h, "copier", -1)
	srcBucket := createTestBucket(t, h, owner, "copy-src", -1, 0)
	destBucket := createTestBucket(t, h, owner, "copy-dest", -1, 0)

	putTestObject(t, h, srcBucket, "src.txt", ptrutils.ToPtr("text/plain"), "copy me")

	result, err := h.storage.CopyObject(ctx, srcBucket, storage.MustNewObjectKey("src.txt"), destBucket, storage.MustNewObjectKey("nested/dst.txt"), nil)
	assert.Nil(t, err)
	assert.Equal(t, quotedMd5("copy me"), result.ETag)

	object, data := getTestObject(t, h, destBucket, "nested/dst.txt", nil)
	assert.Equal(t, "copy me", data)
	assert.Equal(t, "text/plain", *object.ContentType)
	_, err = h.storage.HeadObject(ctx, destBucket, storage.MustNewObjectKey("nested/"))
	assert.Nil(t, err)

	// An explicit content type wins over the source's.
	_, err = h.storage.CopyObject(ctx, srcBucket, storage.MustNewObjectKey("src.txt"), destBucket, storage.MustNewObjectKey("typed.json"), ptrutils.ToPtr("application/json"))
	assert.Nil(t, err)
	typed, err := h.storage.HeadObject(ctx, destBucket, storage.MustNewObjectKey("typed.json"))
	assert.Nil(t, err)
	assert.Equal(t, "application/json", *typed.ContentType)

	_, err = h.storage.CopyObject(ctx, srcBucket, storage.MustNewObjectKey("missing.txt"), destBucket, storage.MustNewObjectKey("dst2.txt"), nil)
	assert.ErrorIs(t, err, storage.ErrNoSuchKey)
	_, err = h.storage.CopyObject(ctx, srcBucket, storage.MustNewObjectKey("nested/"), destBucket, storage.MustNewObjectKey("dst3.txt"), nil)
	assert.ErrorIs(t, err, storage.ErrNoSuchKey)
	_, err = h.storage.CopyObject(ctx, srcBucket, storage.MustNewObjectKey("src.txt"), destBucket, storage.MustNewObjectKey("nested"), nil)
	assert.ErrorIs(t, err, storage.ErrNoSuchKey)

	tinyBucket := createTestBucket(t, h, owner, "copy-tiny", 3, 0)
	_, err = h.storage.CopyObject(ctx, srcBucket, storage.MustNewObjectKey("src.txt"), tinyBucket, storage.MustNewObjectKey("dst.txt"), nil)
	assert.ErrorIs(t, err, storage.ErrQuotaExceeded)
}

func TestPathCacheServesStaleEntries(t *testing.T) {
	h := newTestHarness(t, sessionstore.DefaultUploadSessionTtl)
	ctx := context.Background()
	owner := createTestUser(t, h, "cacher", -1)
	cachedBucket := createTestBucket(t, h, owner, "cached-bucket", -1, 300)
	freshBucket := createTestBucket(t, h, owner, "fresh-bucket", -1, 0)

	putTestObject(t, h, cachedBucket, "doc.txt", nil, "version-one")
	primed, err := h.storage.HeadObject(ctx, cachedBucket, storage.MustNewObjectKey("doc.txt"))
	assert.Nil(t, err)
	assert.Equal(t, int64(11), primed.Size)

	// Writes do not invalidate; the entry stays visible until its TTL ends.
	putTestObject(t, h, cachedBucket, "doc.txt", nil, "v2")
	stale, err := h.storage.HeadObject(ctx, cachedBucket, storage.MustNewObjectKey("doc.txt"))
	assert.Nil(t, err)
	assert.Equal(t, int64(11), stale.Size)
	assert.Equal(t, primed.ETag, stale.ETag)

	putTestObject(t, h, freshBucket, "doc.txt", nil, "version-one")
	_, err = h.storage.HeadObject(ctx, freshBucket, storage.MustNewObjectKey("doc.txt"))
	assert.Nil(t, err)
	putTestObject(t, h, freshBucket, "doc.txt", nil, "v2")
	fresh, err := h.storage.HeadObject(ctx, freshBucket, storage.MustNewObjectKey("doc.txt"))
	assert.Nil(t, err)
	assert.Equal(t, int64(2), fresh.Size)
}
