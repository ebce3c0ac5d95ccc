package gc

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avandras/cellar/internal/storage/database"
	"github.com/avandras/cellar/internal/storage/treestore/contentstore"
	"github.com/avandras/cellar/internal/storage/treestore/metadatastore"
	"github.com/avandras/cellar/internal/storage/treestore/sessionstore"
	"github.com/avandras/cellar/internal/task"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const gcInterval = 30 * time.Second

// ContentGarbageCollector reclaims content that no object row and no
// live upload session references anymore: overwritten payloads, staging
// leftovers of failed writes and temp segments of expired multipart
// uploads. Writers block collection for the duration of their operation
// via PreventGCFromRunning, so staged content never disappears under an
// in-flight write.
type ContentGarbageCollector interface {
	PreventGCFromRunning(ctx context.Context) (unblockGC func())
	RunGCLoop(stopRunning *atomic.Bool)
	Collect(ctx context.Context) error
}

type contentGC struct {
	db              database.Database
	collectionMutex sync.RWMutex
	metadataStore   metadatastore.MetadataStore
	contentStore    contentstore.ContentStore
	sessionStore    sessionstore.SessionStore
	writeOperations atomic.Int64
	tracer          trace.Tracer
}

func New(db database.Database, metadataStore metadatastore.MetadataStore, contentStore contentstore.ContentStore, sessionStore sessionstore.SessionStore) (ContentGarbageCollector, error) {
	return &contentGC{
		db:              db,
		collectionMutex: sync.RWMutex{},
		writeOperations: atomic.Int64{},
		metadataStore:   metadataStore,
		contentStore:    contentStore,
		sessionStore:    sessionStore,
		tracer:          otel.Tracer("internal/storage/treestore/gc"),
	}, nil
}

func (contentGC *contentGC) PreventGCFromRunning(ctx context.Context) (unblockGC func()) {
	_, span := contentGC.tracer.Start(ctx, "ContentGarbageCollector.PreventGCFromRunning")
	defer span.End()
	contentGC.writeOperations.Add(1)
	span.AddEvent("Acquiring lock")
	contentGC.collectionMutex.RLock()
	span.AddEvent("Acquired lock")
	unblockGC = func() {
		contentGC.collectionMutex.RUnlock()
		span.AddEvent("Released lock")
	}
	return
}

func (contentGC *contentGC) RunGCLoop(stopRunning *atomic.Bool) {
	var lastWriteOperationCount int64 = 0
	for !stopRunning.Load() {
		newWriteOperationCount := contentGC.writeOperations.Load()
		if newWriteOperationCount > lastWriteOperationCount {
			slog.Debug("Running content garbage collector")
			err := contentGC.Collect(context.Background())
			if err != nil {
				slog.Error(fmt.Sprintf("Failure while running garbage collector: %s", err))
			} else {
				slog.Debug("Ran content garbage collector successfully")
			}
		}
		lastWriteOperationCount = newWriteOperationCount
		if task.SleepWithCancel(stopRunning, gcInterval) {
			return
		}
	}
}

func (contentGC *contentGC) Collect(ctx context.Context) error {
	ctx, span := contentGC.tracer.Start(ctx, "ContentGarbageCollector.Collect")
	defer span.End()

	span.AddEvent("Acquiring lock")
	contentGC.collectionMutex.Lock()
	span.AddEvent("Acquired lock")
	defer func() {
		contentGC.collectionMutex.Unlock()
		span.AddEvent("Released lock")
	}()

	tx, err := contentGC.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: false})
	if err != nil {
		return err
	}

	existingContentIds, err := contentGC.contentStore.GetContentIds(ctx, tx)
	if err != nil {
		tx.Rollback()
		return err
	}

	inUseContentIdMap, err := contentGC.collectInUseContentIds(ctx, tx)
	if err != nil {
		tx.Rollback()
		return err
	}

	numDeletedContents := 0

	for _, existingContentId := range existingContentIds {
		if _, hasKey := inUseContentIdMap[existingContentId]; !hasKey {
			err = contentGC.contentStore.DeleteContent(ctx, tx, existingContentId)
			if err != nil {
				tx.Rollback()
				return err
			}

			numDeletedContents += 1
		}
	}

	slog.Debug(fmt.Sprintf("Garbage Collection deleted %d contents", numDeletedContents))

	err = tx.Commit()
	if err != nil {
		return err
	}
	return nil
}

func (contentGC *contentGC) collectInUseContentIds(ctx context.Context, tx *sql.Tx) (map[contentstore.ContentId]struct{}, error) {
	inUseContentIdMap := make(map[contentstore.ContentId]struct{})

	buckets, err := contentGC.metadataStore.ListBuckets(ctx, tx)
	if err != nil {
		return nil, err
	}
	for _, bucket := range buckets {
		objects, err := contentGC.metadataStore.ListObjectsByBucketId(ctx, tx, *bucket.Id)
		if err != nil {
			return nil, err
		}
		for _, object := range objects {
			if object.IsFolder() {
				continue
			}
			inUseContentIdMap[contentstore.ContentIdForObject(bucket.Name, *object.Id)] = struct{}{}
		}
	}

	uploadSessions, err := contentGC.sessionStore.ListUploadSessions(ctx)
	if err != nil {
		return nil, err
	}
	for _, uploadSession := range uploadSessions {
		for _, part := range uploadSession.Parts {
			inUseContentIdMap[part.ContentId] = struct{}{}
		}
	}

	return inUseContentIdMap, nil
}
