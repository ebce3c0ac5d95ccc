package inmemory

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avandras/cellar/internal/lifecycle"
	"github.com/avandras/cellar/internal/storage/treestore/metadatastore"
	"github.com/avandras/cellar/internal/storage/treestore/sessionstore"
	"github.com/avandras/cellar/internal/task"
)

const janitorInterval = time.Minute

type uploadSessionEntry struct {
	session   sessionstore.UploadSession
	expiresAt time.Time
}

type pathCacheEntry struct {
	entry     sessionstore.PathCacheEntry
	expiresAt time.Time
}

// inMemorySessionStore keeps everything in two mutex-guarded maps. Reads
// check the deadline themselves, the janitor only reclaims memory.
type inMemorySessionStore struct {
	*lifecycle.ValidatedLifecycle
	uploadSessionTtl time.Duration
	mu               sync.Mutex
	uploadSessions   map[string]uploadSessionEntry
	pathCache        map[string]pathCacheEntry
	janitorTask      *task.TaskHandle
}

var _ sessionstore.SessionStore = (*inMemorySessionStore)(nil)

func New(uploadSessionTtl time.Duration) (sessionstore.SessionStore, error) {
	validatedLifecycle, err := lifecycle.NewValidatedLifecycle("inMemorySessionStore")
	if err != nil {
		return nil, err
	}
	return &inMemorySessionStore{
		ValidatedLifecycle: validatedLifecycle,
		uploadSessionTtl:   uploadSessionTtl,
		uploadSessions:     make(map[string]uploadSessionEntry),
		pathCache:          make(map[string]pathCacheEntry),
	}, nil
}

func (ss *inMemorySessionStore) Start(ctx context.Context) error {
	err := ss.ValidatedLifecycle.Start(ctx)
	if err != nil {
		return err
	}
	ss.janitorTask = task.Start(ss.runJanitor)
	return nil
}

func (ss *inMemorySessionStore) Stop(ctx context.Context) error {
	err := ss.ValidatedLifecycle.Stop(ctx)
	if err != nil {
		return err
	}
	ss.janitorTask.Cancel()
	ss.janitorTask.Join()
	return nil
}

func (ss *inMemorySessionStore) runJanitor(cancelTask *atomic.Bool) {
	for {
		if task.SleepWithCancel(cancelTask, janitorInterval) {
			return
		}
		ss.removeExpiredEntries(time.Now())
	}
}

func (ss *inMemorySessionStore) removeExpiredEntries(now time.Time) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	for uploadId, entry := range ss.uploadSessions {
		if now.After(entry.expiresAt) {
			delete(ss.uploadSessions, uploadId)
		}
	}
	for key, entry := range ss.pathCache {
		if now.After(entry.expiresAt) {
			delete(ss.pathCache, key)
		}
	}
}

func copySession(session *sessionstore.UploadSession) sessionstore.UploadSession {
	copied := *session
	copied.Parts = slices.Clone(session.Parts)
	return copied
}

func (ss *inMemorySessionStore) SaveUploadSession(ctx context.Context, session *sessionstore.UploadSession) (*sessionstore.UploadSession, error) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	now := time.Now()
	existing, ok := ss.uploadSessions[session.UploadId]
	if ok && now.After(existing.expiresAt) {
		delete(ss.uploadSessions, session.UploadId)
		ok = false
	}
	if ok {
		if existing.session.Version != session.Version {
			return nil, sessionstore.ErrVersionMismatch
		}
	} else if session.Version != 0 {
		return nil, sessionstore.ErrVersionMismatch
	}
	stored := copySession(session)
	stored.Version++
	ss.uploadSessions[session.UploadId] = uploadSessionEntry{
		session:   stored,
		expiresAt: now.Add(ss.uploadSessionTtl),
	}
	result := copySession(&stored)
	return &result, nil
}

func (ss *inMemorySessionStore) GetUploadSession(ctx context.Context, uploadId string) (*sessionstore.UploadSession, error) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	entry, ok := ss.uploadSessions[uploadId]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, nil
	}
	result := copySession(&entry.session)
	return &result, nil
}

func (ss *inMemorySessionStore) ListUploadSessions(ctx context.Context) ([]sessionstore.UploadSession, error) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	now := time.Now()
	sessions := []sessionstore.UploadSession{}
	for _, entry := range ss.uploadSessions {
		if now.After(entry.expiresAt) {
			continue
		}
		sessions = append(sessions, copySession(&entry.session))
	}
	return sessions, nil
}

func (ss *inMemorySessionStore) ListUploadSessionsByBucketName(ctx context.Context, bucketName metadatastore.BucketName) ([]sessionstore.UploadSession, error) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	now := time.Now()
	sessions := []sessionstore.UploadSession{}
	for _, entry := range ss.uploadSessions {
		if now.After(entry.expiresAt) {
			continue
		}
		if !entry.session.Bucket.Name.Equals(bucketName) {
			continue
		}
		sessions = append(sessions, copySession(&entry.session))
	}
	return sessions, nil
}

func (ss *inMemorySessionStore) DeleteUploadSession(ctx context.Context, uploadId string) error {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	delete(ss.uploadSessions, uploadId)
	return nil
}

func (ss *inMemorySessionStore) PutPathCacheEntry(ctx context.Context, key string, entry *sessionstore.PathCacheEntry, ttl time.Duration) error {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	copied := *entry
	if entry.Object != nil {
		object := *entry.Object
		copied.Object = &object
	}
	ss.pathCache[key] = pathCacheEntry{
		entry:     copied,
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

func (ss *inMemorySessionStore) GetPathCacheEntry(ctx context.Context, key string) (*sessionstore.PathCacheEntry, error) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	entry, ok := ss.pathCache[key]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, nil
	}
	result := entry.entry
	if entry.entry.Object != nil {
		object := *entry.entry.Object
		result.Object = &object
	}
	return &result, nil
}
