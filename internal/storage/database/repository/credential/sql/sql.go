package sql

import (
	"context"
	"database/sql"
	"time"

	"github.com/avandras/cellar/internal/storage/database/repository/credential"
	"github.com/oklog/ulid/v2"
)

type sqlRepository struct {
}

const (
	insertCredentialStmt                        = "INSERT INTO credentials (access_key_id, secret_key, user_id, all_buckets, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)"
	updateCredentialByAccessKeyIdStmt           = "UPDATE credentials SET secret_key = $1, user_id = $2, all_buckets = $3, updated_at = $4 WHERE access_key_id = $5"
	findCredentialByAccessKeyIdStmt             = "SELECT access_key_id, secret_key, user_id, all_buckets, created_at, updated_at FROM credentials WHERE access_key_id = $1"
	findCredentialsByUserIdStmt                 = "SELECT access_key_id, secret_key, user_id, all_buckets, created_at, updated_at FROM credentials WHERE user_id = $1 ORDER BY access_key_id ASC"
	existsCredentialByAccessKeyIdStmt           = "SELECT access_key_id FROM credentials WHERE access_key_id = $1"
	deleteCredentialByAccessKeyIdStmt           = "DELETE FROM credentials WHERE access_key_id = $1"
	insertCredentialBucketGrantStmt             = "INSERT INTO credential_bucket_grants (access_key_id, bucket_id) VALUES ($1, $2)"
	findGrantedBucketIdsByAccessKeyIdStmt       = "SELECT bucket_id FROM credential_bucket_grants WHERE access_key_id = $1 ORDER BY bucket_id ASC"
	deleteCredentialBucketGrantsByAccessKeyStmt = "DELETE FROM credential_bucket_grants WHERE access_key_id = $1"
)

func NewRepository() (credential.Repository, error) {
	return &sqlRepository{}, nil
}

func convertRowToCredentialEntity(credentialRows *sql.Rows) (*credential.Entity, error) {
	var accessKeyId string
	var secretKey string
	var userId string
	var allBuckets bool
	var createdAt time.Time
	var updatedAt time.Time
	err := credentialRows.Scan(&accessKeyId, &secretKey, &userId, &allBuckets, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	credentialEntity := credential.Entity{
		AccessKeyId: accessKeyId,
		SecretKey:   secretKey,
		UserId:      ulid.MustParse(userId),
		AllBuckets:  allBuckets,
		CreatedAt:   createdAt,
		UpdatedAt:   updatedAt,
	}
	return &credentialEntity, nil
}

func (cr *sqlRepository) findGrantedBucketIds(ctx context.Context, tx *sql.Tx, accessKeyId string) ([]ulid.ULID, error) {
	grantRows, err := tx.QueryContext(ctx, findGrantedBucketIdsByAccessKeyIdStmt, accessKeyId)
	if err != nil {
		return nil, err
	}
	defer grantRows.Close()
	bucketIds := []ulid.ULID{}
	for grantRows.Next() {
		var bucketId string
		err := grantRows.Scan(&bucketId)
		if err != nil {
			return nil, err
		}
		bucketIds = append(bucketIds, ulid.MustParse(bucketId))
	}
	return bucketIds, nil
}

func (cr *sqlRepository) FindCredentialByAccessKeyId(ctx context.Context, tx *sql.Tx, accessKeyId string) (*credential.Entity, error) {
	credentialRows, err := tx.QueryContext(ctx, findCredentialByAccessKeyIdStmt, accessKeyId)
	if err != nil {
		return nil, err
	}
	defer credentialRows.Close()
	exists := credentialRows.Next()
	if !exists {
		return nil, nil
	}
	credentialEntity, err := convertRowToCredentialEntity(credentialRows)
	if err != nil {
		return nil, err
	}
	credentialRows.Close()
	credentialEntity.GrantedBucketIds, err = cr.findGrantedBucketIds(ctx, tx, accessKeyId)
	if err != nil {
		return nil, err
	}
	return credentialEntity, nil
}

func (cr *sqlRepository) FindCredentialsByUserId(ctx context.Context, tx *sql.Tx, userId ulid.ULID) ([]credential.Entity, error) {
	credentialRows, err := tx.QueryContext(ctx, findCredentialsByUserIdStmt, userId.String())
	if err != nil {
		return nil, err
	}
	defer credentialRows.Close()
	credentials := []credential.Entity{}
	for credentialRows.Next() {
		credentialEntity, err := convertRowToCredentialEntity(credentialRows)
		if err != nil {
			return nil, err
		}
		credentials = append(credentials, *credentialEntity)
	}
	credentialRows.Close()
	for i := range credentials {
		credentials[i].GrantedBucketIds, err = cr.findGrantedBucketIds(ctx, tx, credentials[i].AccessKeyId)
		if err != nil {
			return nil, err
		}
	}
	return credentials, nil
}

func (cr *sqlRepository) SaveCredential(ctx context.Context, tx *sql.Tx, credential *credential.Entity) error {
	existsRows, err := tx.QueryContext(ctx, existsCredentialByAccessKeyIdStmt, credential.AccessKeyId)
	if err != nil {
		return err
	}
	exists := existsRows.Next()
	existsRows.Close()

	if !exists {
		credential.CreatedAt = time.Now()
		credential.UpdatedAt = credential.CreatedAt
		_, err = tx.ExecContext(ctx, insertCredentialStmt, credential.AccessKeyId, credential.SecretKey, credential.UserId.String(), credential.AllBuckets, credential.CreatedAt, credential.UpdatedAt)
		if err != nil {
			return err
		}
	} else {
		credential.UpdatedAt = time.Now()
		_, err = tx.ExecContext(ctx, updateCredentialByAccessKeyIdStmt, credential.SecretKey, credential.UserId.String(), credential.AllBuckets, credential.UpdatedAt, credential.AccessKeyId)
		if err != nil {
			return err
		}
	}

	_, err = tx.ExecContext(ctx, deleteCredentialBucketGrantsByAccessKeyStmt, credential.AccessKeyId)
	if err != nil {
		return err
	}
	for _, bucketId := range credential.GrantedBucketIds {
		_, err = tx.ExecContext(ctx, insertCredentialBucketGrantStmt, credential.AccessKeyId, bucketId.String())
		if err != nil {
			return err
		}
	}
	return nil
}

func (cr *sqlRepository) DeleteCredentialByAccessKeyId(ctx context.Context, tx *sql.Tx, accessKeyId string) error {
	_, err := tx.ExecContext(ctx, deleteCredentialBucketGrantsByAccessKeyStmt, accessKeyId)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, deleteCredentialByAccessKeyIdStmt, accessKeyId)
	return err
}
