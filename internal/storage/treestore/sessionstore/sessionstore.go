package sessionstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/avandras/cellar/internal/storage/treestore/contentstore"
	"github.com/avandras/cellar/internal/storage/treestore/metadatastore"
	"github.com/oklog/ulid/v2"
)

// DefaultUploadSessionTtl bounds how long an upload session may sit idle
// before it expires. Every successful save pushes the deadline out again.
const DefaultUploadSessionTtl = 30 * time.Minute

// ErrVersionMismatch is returned by SaveUploadSession when the stored
// session changed since the caller read it. The caller re-reads, reapplies
// its change and saves again.
var ErrVersionMismatch error = errors.New("upload session version mismatch")

// Part records one uploaded part of a multipart upload. The part bytes sit
// in the content store under ContentId until completion consumes them.
type Part struct {
	PartNumber int32
	ContentId  contentstore.ContentId
	ETag       string
	Size       int64
	UploadedAt time.Time
}

// UploadSession tracks one multipart upload from initiate until complete
// or abort. Version implements optimistic concurrency: concurrent part
// uploads race on the parts list, the losing save fails with
// ErrVersionMismatch and retries against fresh state.
type UploadSession struct {
	Version        int64
	UploadId       string
	Bucket         metadatastore.Bucket
	Owner          metadatastore.User
	TargetKey      string
	TargetFilename string
	ParentId       *ulid.ULID
	ContentType    string
	Parts          []Part
	TempBytes      int64
	CreatedAt      time.Time
}

// PathCacheEntry caches one successful path resolution. Object is nil when
// the path resolved to the bucket root.
type PathCacheEntry struct {
	Object *metadatastore.Object
	Bucket metadatastore.Bucket
}

// SessionStore keeps the short-lived coordination state: upload sessions
// and cached path resolutions. Reads return nil for entries that are
// absent or past their deadline; expired entries are swept in the
// background.
type SessionStore interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	// SaveUploadSession stores the session if its Version matches the
	// stored one (0 for a new session), bumps the version, resets the
	// expiry deadline and returns the stored state.
	SaveUploadSession(ctx context.Context, session *UploadSession) (*UploadSession, error)
	GetUploadSession(ctx context.Context, uploadId string) (*UploadSession, error)
	ListUploadSessions(ctx context.Context) ([]UploadSession, error)
	ListUploadSessionsByBucketName(ctx context.Context, bucketName metadatastore.BucketName) ([]UploadSession, error)
	DeleteUploadSession(ctx context.Context, uploadId string) error
	PutPathCacheEntry(ctx context.Context, key string, entry *PathCacheEntry, ttl time.Duration) error
	GetPathCacheEntry(ctx context.Context, key string) (*PathCacheEntry, error)
}

// Tester exercises a SessionStore implementation end to end. It is used
// by configuration tests to prove that an instantiated store works.
func Tester(sessionStore SessionStore) error {
	ctx := context.Background()
	err := sessionStore.Start(ctx)
	if err != nil {
		return err
	}
	defer sessionStore.Stop(ctx)

	bucket := metadatastore.Bucket{
		Name:         metadatastore.MustNewBucketName("bucket"),
		Access:       metadatastore.BucketAccessPrivate,
		StorageQuota: -1,
	}
	uploadId := ulid.Make().String()
	session := &UploadSession{
		UploadId:       uploadId,
		Bucket:         bucket,
		TargetKey:      "file.bin",
		TargetFilename: "file.bin",
		ContentType:    "application/octet-stream",
		CreatedAt:      time.Now(),
	}
	saved, err := sessionStore.SaveUploadSession(ctx, session)
	if err != nil {
		return err
	}
	if saved.Version == session.Version {
		return errors.New("expected save to bump the session version")
	}

	_, err = sessionStore.SaveUploadSession(ctx, session)
	if !errors.Is(err, ErrVersionMismatch) {
		return fmt.Errorf("expected ErrVersionMismatch got %v", err)
	}

	saved.Parts = append(saved.Parts, Part{
		PartNumber: 1,
		ContentId:  "bucket/" + ulid.Make().String(),
		ETag:       "etag-1",
		Size:       4,
	})
	saved.TempBytes = 4
	saved, err = sessionStore.SaveUploadSession(ctx, saved)
	if err != nil {
		return err
	}

	loaded, err := sessionStore.GetUploadSession(ctx, uploadId)
	if err != nil {
		return err
	}
	if loaded == nil || loaded.Version != saved.Version {
		return errors.New("loaded session does not match the saved state")
	}
	if len(loaded.Parts) != 1 || loaded.Parts[0].PartNumber != 1 {
		return errors.New("loaded session is missing its part")
	}

	sessions, err := sessionStore.ListUploadSessionsByBucketName(ctx, bucket.Name)
	if err != nil {
		return err
	}
	if len(sessions) != 1 {
		return errors.New("expected 1 upload session got " + strconv.Itoa(len(sessions)))
	}

	err = sessionStore.DeleteUploadSession(ctx, uploadId)
	if err != nil {
		return err
	}
	loaded, err = sessionStore.GetUploadSession(ctx, uploadId)
	if err != nil {
		return err
	}
	if loaded != nil {
		return errors.New("expected the deleted session to be gone")
	}

	err = sessionStore.PutPathCacheEntry(ctx, "cache-key", &PathCacheEntry{Bucket: bucket}, time.Minute)
	if err != nil {
		return err
	}
	entry, err := sessionStore.GetPathCacheEntry(ctx, "cache-key")
	if err != nil {
		return err
	}
	if entry == nil || !entry.Bucket.Name.Equals(bucket.Name) {
		return errors.New("invalid path cache entry")
	}
	return nil
}
