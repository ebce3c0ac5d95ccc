package contentstore

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"io"
	"slices"

	"github.com/avandras/cellar/internal/ioutils"
	"github.com/avandras/cellar/internal/storage/database"
	"github.com/avandras/cellar/internal/storage/treestore/metadatastore"
	"github.com/oklog/ulid/v2"
)

// ContentId addresses a stored payload. The tree layer derives it from
// the bucket name and the object id ("<bucketName>/<objectId>"), so ids
// always carry exactly one slash and backends may use the prefix as a
// grouping hint.
type ContentId = string

var ErrContentNotFound error = errors.New("content not found")

// ContentIdForObject derives the permanent content id for an object's
// payload.
func ContentIdForObject(bucketName metadatastore.BucketName, objectId ulid.ULID) ContentId {
	return bucketName.String() + "/" + objectId.String()
}

// NewTempContentId returns a fresh id for staged content that is not
// bound to an object yet.
func NewTempContentId(bucketName metadatastore.BucketName) ContentId {
	return bucketName.String() + "/" + ulid.Make().String()
}

type ContentStore interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	// PutContent stores the data under contentId, replacing any previous content.
	PutContent(ctx context.Context, tx *sql.Tx, contentId ContentId, reader io.Reader) error
	// GetContent returns a ReadCloser for the content with the given contentId.
	// If the content does not exist, ErrContentNotFound is returned,
	// or if we return a lazy reader, ErrContentNotFound is returned upon the first read call.
	// The caller is responsible for closing the ReadCloser.
	GetContent(ctx context.Context, tx *sql.Tx, contentId ContentId) (io.ReadCloser, error)
	GetContentIds(ctx context.Context, tx *sql.Tx) ([]ContentId, error)
	// RenameContent moves the content stored under oldContentId to newContentId,
	// replacing any content already stored at newContentId.
	RenameContent(ctx context.Context, tx *sql.Tx, oldContentId ContentId, newContentId ContentId) error
	DeleteContent(ctx context.Context, tx *sql.Tx, contentId ContentId) error
}

func Tester(contentStore ContentStore, db database.Database, content []byte) error {
	ctx := context.Background()
	err := contentStore.Start(ctx)
	if err != nil {
		return err
	}
	defer contentStore.Stop(ctx)

	contentId := ContentId("tester/" + ulid.Make().String())
	reader := ioutils.NewByteReadSeekCloser(content)

	tx, err := db.BeginTx(ctx, &sql.TxOptions{ReadOnly: false})
	if err != nil {
		return err
	}
	err = contentStore.PutContent(ctx, tx, contentId, reader)
	if err != nil {
		tx.Rollback()
		return err
	}
	tx.Commit()

	_, err = reader.Seek(0, io.SeekStart)
	if err != nil {
		return err
	}

	tx, err = db.BeginTx(ctx, &sql.TxOptions{ReadOnly: false})
	if err != nil {
		return err
	}
	err = contentStore.PutContent(ctx, tx, contentId, reader)
	if err != nil {
		tx.Rollback()
		return err
	}
	tx.Commit()

	tx, err = db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return err
	}
	contentReader, err := contentStore.GetContent(ctx, tx, contentId)
	if err != nil {
		tx.Rollback()
		return err
	}
	tx.Commit()

	getContentResult, err := io.ReadAll(contentReader)
	contentReader.Close()
	if err != nil {
		return err
	}
	if !bytes.Equal(content, getContentResult) {
		return errors.New("read result returned invalid content")
	}

	renamedContentId := ContentId("tester/" + ulid.Make().String())
	tx, err = db.BeginTx(ctx, &sql.TxOptions{ReadOnly: false})
	if err != nil {
		return err
	}
	err = contentStore.RenameContent(ctx, tx, contentId, renamedContentId)
	if err != nil {
		tx.Rollback()
		return err
	}
	tx.Commit()

	tx, err = db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return err
	}
	contentReader, err = contentStore.GetContent(ctx, tx, renamedContentId)
	if err != nil {
		tx.Rollback()
		return err
	}
	tx.Commit()

	getContentResult, err = io.ReadAll(contentReader)
	contentReader.Close()
	if err != nil {
		return err
	}
	if !bytes.Equal(content, getContentResult) {
		return errors.New("read result returned invalid content after rename")
	}

	tx, err = db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return err
	}
	contentIds, err := contentStore.GetContentIds(ctx, tx)
	if err != nil {
		tx.Rollback()
		return err
	}
	tx.Commit()
	if !slices.Contains(contentIds, renamedContentId) {
		return errors.New("expected renamed contentId to be listed")
	}
	if slices.Contains(contentIds, contentId) {
		return errors.New("expected old contentId to be gone after rename")
	}

	tx, err = db.BeginTx(ctx, &sql.TxOptions{ReadOnly: false})
	if err != nil {
		return err
	}
	err = contentStore.DeleteContent(ctx, tx, renamedContentId)
	if err != nil {
		tx.Rollback()
		return err
	}
	tx.Commit()

	tx, err = db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return err
	}
	contentReader, err = contentStore.GetContent(ctx, tx, renamedContentId)
	if err != ErrContentNotFound {
		// Maybe we are dealing with a content store that returns a non-nil reader even if the content is not found.
		_, err = io.ReadAll(contentReader)
		contentReader.Close()
		if err != ErrContentNotFound {
			tx.Rollback()
			return errors.New("expected ErrContentNotFound")
		}
	}
	tx.Commit()

	return nil
}
