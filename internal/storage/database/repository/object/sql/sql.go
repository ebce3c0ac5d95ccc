package sql

import (
	"context"
	"database/sql"
	"time"

	"github.com/avandras/cellar/internal/storage/database/repository/object"
	"github.com/oklog/ulid/v2"
)

type sqlRepository struct {
}

// Statements use $N placeholders in first-occurrence order, so they bind
// positionally on both the sqlite3 and the pgx driver. Lookups below the
// root need a NULL variant because parent_id = NULL never matches.
const (
	insertObjectStmt                                       = "INSERT INTO objects (id, bucket_id, parent_id, filename, size, mime_type, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)"
	updateObjectByIdStmt                                   = "UPDATE objects SET bucket_id = $1, parent_id = $2, filename = $3, size = $4, mime_type = $5, updated_at = $6 WHERE id = $7"
	findObjectByIdStmt                                     = "SELECT id, bucket_id, parent_id, filename, size, mime_type, created_at, updated_at FROM objects WHERE id = $1"
	findObjectByBucketIdAndParentIdAndFilenameStmt         = "SELECT id, bucket_id, parent_id, filename, size, mime_type, created_at, updated_at FROM objects WHERE bucket_id = $1 AND parent_id = $2 AND filename = $3"
	findRootObjectByBucketIdAndFilenameStmt                = "SELECT id, bucket_id, parent_id, filename, size, mime_type, created_at, updated_at FROM objects WHERE bucket_id = $1 AND parent_id IS NULL AND filename = $2"
	findObjectsByBucketIdAndParentIdOrderByFilenameAscStmt = "SELECT id, bucket_id, parent_id, filename, size, mime_type, created_at, updated_at FROM objects WHERE bucket_id = $1 AND parent_id = $2 ORDER BY filename ASC"
	findRootObjectsByBucketIdOrderByFilenameAscStmt        = "SELECT id, bucket_id, parent_id, filename, size, mime_type, created_at, updated_at FROM objects WHERE bucket_id = $1 AND parent_id IS NULL ORDER BY filename ASC"
	findObjectsByBucketIdOrderByIdAscStmt                  = "SELECT id, bucket_id, parent_id, filename, size, mime_type, created_at, updated_at FROM objects WHERE bucket_id = $1 ORDER BY id ASC"
	containsObjectsByBucketIdStmt                          = "SELECT id FROM objects WHERE bucket_id = $1"
	sumObjectSizesByBucketIdStmt                           = "SELECT COALESCE(SUM(size), 0) FROM objects WHERE bucket_id = $1 AND mime_type != $2"
	sumObjectSizesByOwnerIdStmt                            = "SELECT COALESCE(SUM(objects.size), 0) FROM objects JOIN buckets ON objects.bucket_id = buckets.id WHERE buckets.owner_id = $1 AND objects.mime_type != $2"
	deleteObjectByIdStmt                                   = "DELETE FROM objects WHERE id = $1"
)

func NewRepository() (object.Repository, error) {
	return &sqlRepository{}, nil
}

func convertRowToObjectEntity(objectRows *sql.Rows) (*object.Entity, error) {
	var id string
	var bucketId string
	var parentId sql.NullString
	var filename string
	var size int64
	var mimeType string
	var createdAt time.Time
	var updatedAt time.Time
	err := objectRows.Scan(&id, &bucketId, &parentId, &filename, &size, &mimeType, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	ulidId := ulid.MustParse(id)
	var parentUlid *ulid.ULID
	if parentId.Valid {
		p := ulid.MustParse(parentId.String)
		parentUlid = &p
	}
	objectEntity := object.Entity{
		Id:        &ulidId,
		BucketId:  ulid.MustParse(bucketId),
		ParentId:  parentUlid,
		Filename:  filename,
		Size:      size,
		MimeType:  mimeType,
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
	}
	return &objectEntity, nil
}

func parentIdValue(parentId *ulid.ULID) any {
	if parentId == nil {
		return nil
	}
	return parentId.String()
}

func (or *sqlRepository) FindObjectById(ctx context.Context, tx *sql.Tx, objectId ulid.ULID) (*object.Entity, error) {
	objectRows, err := tx.QueryContext(ctx, findObjectByIdStmt, objectId.String())
	if err != nil {
		return nil, err
	}
	defer objectRows.Close()
	exists := objectRows.Next()
	if exists {
		objectEntity, err := convertRowToObjectEntity(objectRows)
		if err != nil {
			return nil, err
		}
		return objectEntity, nil
	}
	return nil, nil
}

func (or *sqlRepository) FindObjectByBucketIdAndParentIdAndFilename(ctx context.Context, tx *sql.Tx, bucketId ulid.ULID, parentId *ulid.ULID, filename string) (*object.Entity, error) {
	var objectRows *sql.Rows
	var err error
	if parentId == nil {
		objectRows, err = tx.QueryContext(ctx, findRootObjectByBucketIdAndFilenameStmt, bucketId.String(), filename)
	} else {
		objectRows, err = tx.QueryContext(ctx, findObjectByBucketIdAndParentIdAndFilenameStmt, bucketId.String(), parentId.String(), filename)
	}
	if err != nil {
		return nil, err
	}
	defer objectRows.Close()
	exists := objectRows.Next()
	if exists {
		objectEntity, err := convertRowToObjectEntity(objectRows)
		if err != nil {
			return nil, err
		}
		return objectEntity, nil
	}
	return nil, nil
}

func (or *sqlRepository) FindObjectsByBucketIdAndParentIdOrderByFilenameAsc(ctx context.Context, tx *sql.Tx, bucketId ulid.ULID, parentId *ulid.ULID) ([]object.Entity, error) {
	var objectRows *sql.Rows
	var err error
	if parentId == nil {
		objectRows, err = tx.QueryContext(ctx, findRootObjectsByBucketIdOrderByFilenameAscStmt, bucketId.String())
	} else {
		objectRows, err = tx.QueryContext(ctx, findObjectsByBucketIdAndParentIdOrderByFilenameAscStmt, bucketId.String(), parentId.String())
	}
	if err != nil {
		return nil, err
	}
	defer objectRows.Close()
	objects := []object.Entity{}
	for objectRows.Next() {
		objectEntity, err := convertRowToObjectEntity(objectRows)
		if err != nil {
			return nil, err
		}
		objects = append(objects, *objectEntity)
	}
	return objects, nil
}

func (or *sqlRepository) FindObjectsByBucketIdOrderByIdAsc(ctx context.Context, tx *sql.Tx, bucketId ulid.ULID) ([]object.Entity, error) {
	objectRows, err := tx.QueryContext(ctx, findObjectsByBucketIdOrderByIdAscStmt, bucketId.String())
	if err != nil {
		return nil, err
	}
	defer objectRows.Close()
	objects := []object.Entity{}
	for objectRows.Next() {
		objectEntity, err := convertRowToObjectEntity(objectRows)
		if err != nil {
			return nil, err
		}
		objects = append(objects, *objectEntity)
	}
	return objects, nil
}

func (or *sqlRepository) ContainsObjectsByBucketId(ctx context.Context, tx *sql.Tx, bucketId ulid.ULID) (*bool, error) {
	objectRows, err := tx.QueryContext(ctx, containsObjectsByBucketIdStmt, bucketId.String())
	if err != nil {
		return nil, err
	}
	defer objectRows.Close()
	var containsObjects = objectRows.Next()
	return &containsObjects, nil
}

func (or *sqlRepository) SumObjectSizesByBucketId(ctx context.Context, tx *sql.Tx, bucketId ulid.ULID) (*int64, error) {
	sizeRow := tx.QueryRowContext(ctx, sumObjectSizesByBucketIdStmt, bucketId.String(), object.MimeTypeFolder)
	var size int64
	err := sizeRow.Scan(&size)
	if err != nil {
		return nil, err
	}
	return &size, nil
}

func (or *sqlRepository) SumObjectSizesByOwnerId(ctx context.Context, tx *sql.Tx, ownerId ulid.ULID) (*int64, error) {
	sizeRow := tx.QueryRowContext(ctx, sumObjectSizesByOwnerIdStmt, ownerId.String(), object.MimeTypeFolder)
	var size int64
	err := sizeRow.Scan(&size)
	if err != nil {
		return nil, err
	}
	return &size, nil
}

func (or *sqlRepository) SaveObject(ctx context.Context, tx *sql.Tx, object *object.Entity) error {
	if object.Id == nil {
		id := ulid.Make()
		object.Id = &id
		object.CreatedAt = time.Now()
		object.UpdatedAt = object.CreatedAt
		_, err := tx.ExecContext(ctx, insertObjectStmt, object.Id.String(), object.BucketId.String(), parentIdValue(object.ParentId), object.Filename, object.Size, object.MimeType, object.CreatedAt, object.UpdatedAt)
		return err
	}
	object.UpdatedAt = time.Now()
	_, err := tx.ExecContext(ctx, updateObjectByIdStmt, object.BucketId.String(), parentIdValue(object.ParentId), object.Filename, object.Size, object.MimeType, object.UpdatedAt, object.Id.String())
	return err
}

func (or *sqlRepository) DeleteObjectById(ctx context.Context, tx *sql.Tx, objectId ulid.ULID) error {
	_, err := tx.ExecContext(ctx, deleteObjectByIdStmt, objectId.String())
	return err
}
