package object

import (
	"context"
	"database/sql"
	"time"

	"github.com/oklog/ulid/v2"
)

// MimeTypeFolder marks an entry as an interior node of the object tree.
const MimeTypeFolder = "folder"

type Repository interface {
	FindObjectById(ctx context.Context, tx *sql.Tx, objectId ulid.ULID) (*Entity, error)
	FindObjectByBucketIdAndParentIdAndFilename(ctx context.Context, tx *sql.Tx, bucketId ulid.ULID, parentId *ulid.ULID, filename string) (*Entity, error)
	FindObjectsByBucketIdAndParentIdOrderByFilenameAsc(ctx context.Context, tx *sql.Tx, bucketId ulid.ULID, parentId *ulid.ULID) ([]Entity, error)
	FindObjectsByBucketIdOrderByIdAsc(ctx context.Context, tx *sql.Tx, bucketId ulid.ULID) ([]Entity, error)
	ContainsObjectsByBucketId(ctx context.Context, tx *sql.Tx, bucketId ulid.ULID) (*bool, error)
	SumObjectSizesByBucketId(ctx context.Context, tx *sql.Tx, bucketId ulid.ULID) (*int64, error)
	SumObjectSizesByOwnerId(ctx context.Context, tx *sql.Tx, ownerId ulid.ULID) (*int64, error)
	SaveObject(ctx context.Context, tx *sql.Tx, object *Entity) error
	DeleteObjectById(ctx context.Context, tx *sql.Tx, objectId ulid.ULID) error
}

type Entity struct {
	Id        *ulid.ULID
	BucketId  ulid.ULID
	ParentId  *ulid.ULID
	Filename  string
	Size      int64
	MimeType  string
	CreatedAt time.Time
	UpdatedAt time.Time
}
