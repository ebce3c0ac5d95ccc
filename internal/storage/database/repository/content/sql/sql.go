package sql

import (
	"context"
	"database/sql"
	"time"

	"github.com/avandras/cellar/internal/storage/database/repository/content"
)

type sqlRepository struct {
}

const (
	upsertContentStmt           = "INSERT INTO contents (id, data, created_at, updated_at) VALUES ($1, $2, $3, $4) ON CONFLICT (id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at"
	findContentByIdStmt         = "SELECT id, data, created_at, updated_at FROM contents WHERE id = $1"
	existsContentByIdStmt       = "SELECT id FROM contents WHERE id = $1"
	findContentIdsOrderByIdStmt = "SELECT id FROM contents ORDER BY id ASC"
	renameContentByIdStmt       = "UPDATE contents SET id = $1, updated_at = $2 WHERE id = $3"
	deleteContentByIdStmt       = "DELETE FROM contents WHERE id = $1"
)

func NewRepository() (content.Repository, error) {
	return &sqlRepository{}, nil
}

func (cr *sqlRepository) FindContentById(ctx context.Context, tx *sql.Tx, contentId string) (*content.Entity, error) {
	contentRows, err := tx.QueryContext(ctx, findContentByIdStmt, contentId)
	if err != nil {
		return nil, err
	}
	defer contentRows.Close()
	exists := contentRows.Next()
	if !exists {
		return nil, nil
	}
	contentEntity := content.Entity{}
	err = contentRows.Scan(&contentEntity.Id, &contentEntity.Data, &contentEntity.CreatedAt, &contentEntity.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &contentEntity, nil
}

func (cr *sqlRepository) FindContentIdsOrderByIdAsc(ctx context.Context, tx *sql.Tx) ([]string, error) {
	contentRows, err := tx.QueryContext(ctx, findContentIdsOrderByIdStmt)
	if err != nil {
		return nil, err
	}
	defer contentRows.Close()
	contentIds := []string{}
	for contentRows.Next() {
		var id string
		err := contentRows.Scan(&id)
		if err != nil {
			return nil, err
		}
		contentIds = append(contentIds, id)
	}
	return contentIds, nil
}

func (cr *sqlRepository) ExistsContentById(ctx context.Context, tx *sql.Tx, contentId string) (*bool, error) {
	contentRows, err := tx.QueryContext(ctx, existsContentByIdStmt, contentId)
	if err != nil {
		return nil, err
	}
	defer contentRows.Close()
	var exists = contentRows.Next()
	return &exists, nil
}

func (cr *sqlRepository) PutContent(ctx context.Context, tx *sql.Tx, content *content.Entity) error {
	content.CreatedAt = time.Now()
	content.UpdatedAt = content.CreatedAt
	_, err := tx.ExecContext(ctx, upsertContentStmt, content.Id, content.Data, content.CreatedAt, content.UpdatedAt)
	return err
}

func (cr *sqlRepository) RenameContentById(ctx context.Context, tx *sql.Tx, oldContentId string, newContentId string) error {
	_, err := tx.ExecContext(ctx, renameContentByIdStmt, newContentId, time.Now(), oldContentId)
	return err
}

func (cr *sqlRepository) DeleteContentById(ctx context.Context, tx *sql.Tx, contentId string) error {
	_, err := tx.ExecContext(ctx, deleteContentByIdStmt, contentId)
	return err
}
