package inmemory

import (
	"context"
	"testing"
	"time"

	"github.com/avandras/cellar/internal/storage/treestore/metadatastore"
	"github.com/avandras/cellar/internal/storage/treestore/sessionstore"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
)

func TestInMemorySessionStore(t *testing.T) {
	inMemorySessionStore, err := New(sessionstore.DefaultUploadSessionTtl)
	assert.Nil(t, err)
	err = sessionstore.Tester(inMemorySessionStore)
	assert.Nil(t, err)
}

func TestInMemorySessionStoreExpiresUploadSessions(t *testing.T) {
	inMemorySessionStore, err := New(50 * time.Millisecond)
	assert.Nil(t, err)
	ctx := context.Background()
	err = inMemorySessionStore.Start(ctx)
	assert.Nil(t, err)
	defer inMemorySessionStore.Stop(ctx)

	uploadId := ulid.Make().String()
	session := &sessionstore.UploadSession{
		UploadId: uploadId,
		Bucket: metadatastore.Bucket{
			Name: metadatastore.MustNewBucketName("bucket"),
		},
		TargetFilename: "file.bin",
		CreatedAt:      time.Now(),
	}
	_, err = inMemorySessionStore.SaveUploadSession(ctx, session)
	assert.Nil(t, err)

	loaded, err := inMemorySessionStore.GetUploadSession(ctx, uploadId)
	assert.Nil(t, err)
	assert.NotNil(t, loaded)

	time.Sleep(100 * time.Millisecond)

	loaded, err = inMemorySessionStore.GetUploadSession(ctx, uploadId)
	assert.Nil(t, err)
	assert.Nil(t, loaded)

	sessions, err := inMemorySessionStore.ListUploadSessions(ctx)
	assert.Nil(t, err)
	assert.Empty(t, sessions)
}

func TestInMemorySessionStoreExpiresPathCacheEntries(t *testing.T) {
	inMemorySessionStore, err := New(sessionstore.DefaultUploadSessionTtl)
	assert.Nil(t, err)
	ctx := context.Background()
	err = inMemorySessionStore.Start(ctx)
	assert.Nil(t, err)
	defer inMemorySessionStore.Stop(ctx)

	entry := &sessionstore.PathCacheEntry{
		Bucket: metadatastore.Bucket{
			Name: metadatastore.MustNewBucketName("bucket"),
		},
	}
	err = inMemorySessionStore.PutPathCacheEntry(ctx, "cache-key", entry, 50*time.Millisecond)
	assert.Nil(t, err)

	cached, err := inMemorySessionStore.GetPathCacheEntry(ctx, "cache-key")
	assert.Nil(t, err)
	assert.NotNil(t, cached)

	time.Sleep(100 * time.Millisecond)

	cached, err = inMemorySessionStore.GetPathCacheEntry(ctx, "cache-key")
	assert.Nil(t, err)
	assert.Nil(t, cached)
}

func TestInMemorySessionStoreIsolatesStoredSessions(t *testing.T) {
	inMemorySessionStore, err := New(sessionstore.DefaultUploadSessionTtl)
	assert.Nil(t, err)
	ctx := context.Background()
	err = inMemorySessionStore.Start(ctx)
	assert.Nil(t, err)
	defer inMemorySessionStore.Stop(ctx)

	uploadId := ulid.Make().String()
	session := &sessionstore.UploadSession{
		UploadId: uploadId,
		Bucket: metadatastore.Bucket{
			Name: metadatastore.MustNewBucketName("bucket"),
		},
		Parts: []sessionstore.Part{
			{PartNumber: 1, ContentId: "bucket/part-1", ETag: "etag-1", Size: 4},
		},
		CreatedAt: time.Now(),
	}
	saved, err := inMemorySessionStore.SaveUploadSession(ctx, session)
	assert.Nil(t, err)

	// Mutating the returned copy must not leak into the stored state.
	saved.Parts[0].ETag = "mutated"

	loaded, err := inMemorySessionStore.GetUploadSession(ctx, uploadId)
	assert.Nil(t, err)
	assert.Equal(t, "etag-1", loaded.Parts[0].ETag)
}
