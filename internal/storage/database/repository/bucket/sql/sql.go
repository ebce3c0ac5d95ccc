package sql

import (
	"context"
	"database/sql"
	"time"

	"github.com/avandras/cellar/internal/storage/database/repository/bucket"
	"github.com/oklog/ulid/v2"
)

type sqlRepository struct {
}

// Statements use $N placeholders in first-occurrence order, so they bind
// positionally on both the sqlite3 and the pgx driver.
const (
	insertBucketStmt                       = "INSERT INTO buckets (id, name, access, storage_quota, path_cache_ttl_seconds, owner_id, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)"
	updateBucketByIdStmt                   = "UPDATE buckets SET name = $1, access = $2, storage_quota = $3, path_cache_ttl_seconds = $4, owner_id = $5, updated_at = $6 WHERE id = $7"
	findAllBucketsOrderByNameAscStmt       = "SELECT id, name, access, storage_quota, path_cache_ttl_seconds, owner_id, created_at, updated_at FROM buckets ORDER BY name ASC"
	findBucketsByOwnerIdOrderByNameAscStmt = "SELECT id, name, access, storage_quota, path_cache_ttl_seconds, owner_id, created_at, updated_at FROM buckets WHERE owner_id = $1 ORDER BY name ASC"
	findBucketByIdStmt                     = "SELECT id, name, access, storage_quota, path_cache_ttl_seconds, owner_id, created_at, updated_at FROM buckets WHERE id = $1"
	findBucketByNameStmt                   = "SELECT id, name, access, storage_quota, path_cache_ttl_seconds, owner_id, created_at, updated_at FROM buckets WHERE name = $1"
	existsBucketByNameStmt                 = "SELECT id FROM buckets WHERE name = $1"
	deleteBucketByIdStmt                   = "DELETE FROM buckets WHERE id = $1"
)

func NewRepository() (bucket.Repository, error) {
	return &sqlRepository{}, nil
}

func convertRowToBucketEntity(bucketRows *sql.Rows) (*bucket.Entity, error) {
	var id string
	var name string
	var access string
	var storageQuota int64
	var pathCacheTtlSeconds int64
	var ownerId string
	var createdAt time.Time
	var updatedAt time.Time
	err := bucketRows.Scan(&id, &name, &access, &storageQuota, &pathCacheTtlSeconds, &ownerId, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	ulidId := ulid.MustParse(id)
	bucketEntity := bucket.Entity{
		Id:                  &ulidId,
		Name:                name,
		Access:              access,
		StorageQuota:        storageQuota,
		PathCacheTtlSeconds: pathCacheTtlSeconds,
		OwnerId:             ulid.MustParse(ownerId),
		CreatedAt:           createdAt,
		UpdatedAt:           updatedAt,
	}
	return &bucketEntity, nil
}

func (br *sqlRepository) FindAllBucketsOrderByNameAsc(ctx context.Context, tx *sql.Tx) ([]bucket.Entity, error) {
	bucketRows, err := tx.QueryContext(ctx, findAllBucketsOrderByNameAscStmt)
	if err != nil {
		return nil, err
	}
	defer bucketRows.Close()
	buckets := []bucket.Entity{}
	for bucketRows.Next() {
		bucketEntity, err := convertRowToBucketEntity(bucketRows)
		if err != nil {
			return nil, err
		}
		buckets = append(buckets, *bucketEntity)
	}
	return buckets, nil
}

func (br *sqlRepository) FindBucketsByOwnerIdOrderByNameAsc(ctx context.Context, tx *sql.Tx, ownerId ulid.ULID) ([]bucket.Entity, error) {
	bucketRows, err := tx.QueryContext(ctx, findBucketsByOwnerIdOrderByNameAscStmt, ownerId.String())
	if err != nil {
		return nil, err
	}
	defer bucketRows.Close()
	buckets := []bucket.Entity{}
	for bucketRows.Next() {
		bucketEntity, err := convertRowToBucketEntity(bucketRows)
		if err != nil {
			return nil, err
		}
		buckets = append(buckets, *bucketEntity)
	}
	return buckets, nil
}

func (br *sqlRepository) FindBucketById(ctx context.Context, tx *sql.Tx, bucketId ulid.ULID) (*bucket.Entity, error) {
	bucketRows, err := tx.QueryContext(ctx, findBucketByIdStmt, bucketId.String())
	if err != nil {
		return nil, err
	}
	defer bucketRows.Close()
	exists := bucketRows.Next()
	if exists {
		bucketEntity, err := convertRowToBucketEntity(bucketRows)
		if err != nil {
			return nil, err
		}
		return bucketEntity, nil
	}
	return nil, nil
}

func (br *sqlRepository) FindBucketByName(ctx context.Context, tx *sql.Tx, bucketName string) (*bucket.Entity, error) {
	bucketRows, err := tx.QueryContext(ctx, findBucketByNameStmt, bucketName)
	if err != nil {
		return nil, err
	}
	defer bucketRows.Close()
	exists := bucketRows.Next()
	if exists {
		bucketEntity, err := convertRowToBucketEntity(bucketRows)
		if err != nil {
			return nil, err
		}
		return bucketEntity, nil
	}
	return nil, nil
}

func (br *sqlRepository) ExistsBucketByName(ctx context.Context, tx *sql.Tx, bucketName string) (*bool, error) {
	bucketRows, err := tx.QueryContext(ctx, existsBucketByNameStmt, bucketName)
	if err != nil {
		return nil, err
	}
	defer bucketRows.Close()
	var exists = bucketRows.Next()
	return &exists, nil
}

func (br *sqlRepository) SaveBucket(ctx context.Context, tx *sql.Tx, bucket *bucket.Entity) error {
	if bucket.Id == nil {
		id := ulid.Make()
		bucket.Id = &id
		bucket.CreatedAt = time.Now()
		bucket.UpdatedAt = bucket.CreatedAt
		_, err := tx.ExecContext(ctx, insertBucketStmt, bucket.Id.String(), bucket.Name, bucket.Access, bucket.StorageQuota, bucket.PathCacheTtlSeconds, bucket.OwnerId.String(), bucket.CreatedAt, bucket.UpdatedAt)
		return err
	}
	bucket.UpdatedAt = time.Now()
	_, err := tx.ExecContext(ctx, updateBucketByIdStmt, bucket.Name, bucket.Access, bucket.StorageQuota, bucket.PathCacheTtlSeconds, bucket.OwnerId.String(), bucket.UpdatedAt, bucket.Id.String())
	return err
}

func (br *sqlRepository) DeleteBucketById(ctx context.Context, tx *sql.Tx, bucketId ulid.ULID) error {
	_, err := tx.ExecContext(ctx, deleteBucketByIdStmt, bucketId.String())
	return err
}
