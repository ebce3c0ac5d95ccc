package tracing

import (
	"context"
	"database/sql"
	"io"
	"runtime/trace"

	"github.com/avandras/cellar/internal/lifecycle"
	"github.com/avandras/cellar/internal/storage/treestore/contentstore"
)

type tracingContentStoreMiddleware struct {
	*lifecycle.ValidatedLifecycle
	regionName        string
	innerContentStore contentstore.ContentStore
}

var _ contentstore.ContentStore = (*tracingContentStoreMiddleware)(nil)

func New(regionName string, innerContentStore contentstore.ContentStore) (contentstore.ContentStore, error) {
	lifecycle, err := lifecycle.NewValidatedLifecycle("TracingContentStoreMiddleware")
	if err != nil {
		return nil, err
	}
	tcsm := &tracingContentStoreMiddleware{
		ValidatedLifecycle: lifecycle,
		regionName:         regionName,
		innerContentStore:  innerContentStore,
	}
	return tcsm, nil
}

func (tcsm *tracingContentStoreMiddleware) Start(ctx context.Context) error {
	defer trace.StartRegion(ctx, tcsm.regionName+".Start()").End()
	if err := tcsm.ValidatedLifecycle.Start(ctx); err != nil {
		return err
	}
	return tcsm.innerContentStore.Start(ctx)
}

func (tcsm *tracingContentStoreMiddleware) Stop(ctx context.Context) error {
	defer trace.StartRegion(ctx, tcsm.regionName+".Stop()").End()
	if err := tcsm.ValidatedLifecycle.Stop(ctx); err != nil {
		return err
	}
	return tcsm.innerContentStore.Stop(ctx)
}

func (tcsm *tracingContentStoreMiddleware) PutContent(ctx context.Context, tx *sql.Tx, contentId contentstore.ContentId, reader io.Reader) error {
	defer trace.StartRegion(ctx, tcsm.regionName+".PutContent()").End()

	return tcsm.innerContentStore.PutContent(ctx, tx, contentId, reader)
}

func (tcsm *tracingContentStoreMiddleware) GetContent(ctx context.Context, tx *sql.Tx, contentId contentstore.ContentId) (io.ReadCloser, error) {
	defer trace.StartRegion(ctx, tcsm.regionName+".GetContent()").End()

	return tcsm.innerContentStore.GetContent(ctx, tx, contentId)
}

func (tcsm *tracingContentStoreMiddleware) GetContentIds(ctx context.Context, tx *sql.Tx) ([]contentstore.ContentId, error) {
	defer trace.StartRegion(ctx, tcsm.regionName+".GetContentIds()").End()

	return tcsm.innerContentStore.GetContentIds(ctx, tx)
}

func (tcsm *tracingContentStoreMiddleware) RenameContent(ctx context.Context, tx *sql.Tx, oldContentId contentstore.ContentId, newContentId contentstore.ContentId) error {
	defer trace.StartRegion(ctx, tcsm.regionName+".RenameContent()").End()

	return tcsm.innerContentStore.RenameContent(ctx, tx, oldContentId, newContentId)
}

func (tcsm *tracingContentStoreMiddleware) DeleteContent(ctx context.Context, tx *sql.Tx, contentId contentstore.ContentId) error {
	defer trace.StartRegion(ctx, tcsm.regionName+".DeleteContent()").End()

	return tcsm.innerContentStore.DeleteContent(ctx, tx, contentId)
}
