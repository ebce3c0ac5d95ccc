package sql

import (
	"context"
	"database/sql"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/avandras/cellar/internal/ioutils"
	"github.com/avandras/cellar/internal/lifecycle"
	"github.com/avandras/cellar/internal/storage/database"
	"github.com/avandras/cellar/internal/storage/database/repository/content"
	"github.com/avandras/cellar/internal/storage/treestore/contentstore"
)

type sqlContentStore struct {
	*lifecycle.ValidatedLifecycle
	contentRepository content.Repository
	tracer            trace.Tracer
}

// Compile-time check to ensure sqlContentStore implements contentstore.ContentStore
var _ contentstore.ContentStore = (*sqlContentStore)(nil)

func New(db database.Database, contentRepository content.Repository) (contentstore.ContentStore, error) {
	validatedLifecycle, err := lifecycle.NewValidatedLifecycle("sqlContentStore")
	if err != nil {
		return nil, err
	}
	return &sqlContentStore{
		ValidatedLifecycle: validatedLifecycle,
		contentRepository:  contentRepository,
		tracer:             otel.Tracer("internal/storage/treestore/contentstore/sql"),
	}, nil
}

func (cs *sqlContentStore) PutContent(ctx context.Context, tx *sql.Tx, contentId contentstore.ContentId, reader io.Reader) error {
	ctx, span := cs.tracer.Start(ctx, "sqlContentStore.PutContent")
	defer span.End()

	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	contentEntity := content.Entity{
		Id:   contentId,
		Data: data,
	}
	err = cs.contentRepository.PutContent(ctx, tx, &contentEntity)
	if err != nil {
		return err
	}

	return nil
}

func (cs *sqlContentStore) GetContent(ctx context.Context, tx *sql.Tx, contentId contentstore.ContentId) (io.ReadCloser, error) {
	ctx, span := cs.tracer.Start(ctx, "sqlContentStore.GetContent")
	defer span.End()

	contentEntity, err := cs.contentRepository.FindContentById(ctx, tx, contentId)
	if err != nil {
		return nil, err
	}
	if contentEntity == nil {
		return nil, contentstore.ErrContentNotFound
	}
	reader := ioutils.NewByteReadSeekCloser(contentEntity.Data)

	return reader, nil
}

func (cs *sqlContentStore) GetContentIds(ctx context.Context, tx *sql.Tx) ([]contentstore.ContentId, error) {
	ctx, span := cs.tracer.Start(ctx, "sqlContentStore.GetContentIds")
	defer span.End()

	return cs.contentRepository.FindContentIdsOrderByIdAsc(ctx, tx)
}

func (cs *sqlContentStore) RenameContent(ctx context.Context, tx *sql.Tx, oldContentId contentstore.ContentId, newContentId contentstore.ContentId) error {
	ctx, span := cs.tracer.Start(ctx, "sqlContentStore.RenameContent")
	defer span.End()

	exists, err := cs.contentRepository.ExistsContentById(ctx, tx, oldContentId)
	if err != nil {
		return err
	}
	if !*exists {
		return contentstore.ErrContentNotFound
	}
	// Rename replaces the target, so a row already stored there has to go first.
	err = cs.contentRepository.DeleteContentById(ctx, tx, newContentId)
	if err != nil {
		return err
	}
	return cs.contentRepository.RenameContentById(ctx, tx, oldContentId, newContentId)
}

func (cs *sqlContentStore) DeleteContent(ctx context.Context, tx *sql.Tx, contentId contentstore.ContentId) error {
	ctx, span := cs.tracer.Start(ctx, "sqlContentStore.DeleteContent")
	defer span.End()

	err := cs.contentRepository.DeleteContentById(ctx, tx, contentId)
	return err
}
