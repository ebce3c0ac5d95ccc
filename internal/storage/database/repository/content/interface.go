package content

import (
	"context"
	"database/sql"
	"time"
)

type Repository interface {
	FindContentById(ctx context.Context, tx *sql.Tx, contentId string) (*Entity, error)
	ExistsContentById(ctx context.Context, tx *sql.Tx, contentId string) (*bool, error)
	FindContentIdsOrderByIdAsc(ctx context.Context, tx *sql.Tx) ([]string, error)
	// PutContent writes the data for contentId, replacing whatever was stored there before.
	PutContent(ctx context.Context, tx *sql.Tx, content *Entity) error
	RenameContentById(ctx context.Context, tx *sql.Tx, oldContentId string, newContentId string) error
	DeleteContentById(ctx context.Context, tx *sql.Tx, contentId string) error
}

type Entity struct {
	Id        string
	Data      []byte
	CreatedAt time.Time
	UpdatedAt time.Time
}
