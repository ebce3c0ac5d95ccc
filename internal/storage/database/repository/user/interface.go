package user

import (
	"context"
	"database/sql"
	"time"

	"github.com/oklog/ulid/v2"
)

type Repository interface {
	FindAllUsersOrderByNameAsc(ctx context.Context, tx *sql.Tx) ([]Entity, error)
	FindUserById(ctx context.Context, tx *sql.Tx, userId ulid.ULID) (*Entity, error)
	FindUserByName(ctx context.Context, tx *sql.Tx, name string) (*Entity, error)
	SaveUser(ctx context.Context, tx *sql.Tx, user *Entity) error
	DeleteUserById(ctx context.Context, tx *sql.Tx, userId ulid.ULID) error
}

type Entity struct {
	Id           *ulid.ULID
	Name         string
	StorageQuota int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
