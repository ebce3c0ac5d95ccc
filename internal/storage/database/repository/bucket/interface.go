package bucket

import (
	"context"
	"database/sql"
	"time"

	"github.com/oklog/ulid/v2"
)

const (
	AccessPrivate     = "private"
	AccessPublicRead  = "public-read"
	AccessPublicWrite = "public-write"
)

type Repository interface {
	FindAllBucketsOrderByNameAsc(ctx context.Context, tx *sql.Tx) ([]Entity, error)
	FindBucketsByOwnerIdOrderByNameAsc(ctx context.Context, tx *sql.Tx, ownerId ulid.ULID) ([]Entity, error)
	FindBucketById(ctx context.Context, tx *sql.Tx, bucketId ulid.ULID) (*Entity, error)
	FindBucketByName(ctx context.Context, tx *sql.Tx, bucketName string) (*Entity, error)
	ExistsBucketByName(ctx context.Context, tx *sql.Tx, bucketName string) (*bool, error)
	SaveBucket(ctx context.Context, tx *sql.Tx, bucket *Entity) error
	DeleteBucketById(ctx context.Context, tx *sql.Tx, bucketId ulid.ULID) error
}

type Entity struct {
	Id                  *ulid.ULID
	Name                string
	Access              string
	StorageQuota        int64
	PathCacheTtlSeconds int64
	OwnerId             ulid.ULID
	CreatedAt           time.Time
	UpdatedAt           time.Time
}
