package credential

import (
	"context"
	"database/sql"
	"time"

	"github.com/oklog/ulid/v2"
)

type Repository interface {
	FindCredentialByAccessKeyId(ctx context.Context, tx *sql.Tx, accessKeyId string) (*Entity, error)
	FindCredentialsByUserId(ctx context.Context, tx *sql.Tx, userId ulid.ULID) ([]Entity, error)
	SaveCredential(ctx context.Context, tx *sql.Tx, credential *Entity) error
	DeleteCredentialByAccessKeyId(ctx context.Context, tx *sql.Tx, accessKeyId string) error
}

type Entity struct {
	AccessKeyId      string
	SecretKey        string
	UserId           ulid.ULID
	AllBuckets       bool
	GrantedBucketIds []ulid.ULID
	CreatedAt        time.Time
	UpdatedAt        time.Time
}
