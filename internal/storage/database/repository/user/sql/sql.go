package sql

import (
	"context"
	"database/sql"
	"time"

	"github.com/avandras/cellar/internal/storage/database/repository/user"
	"github.com/oklog/ulid/v2"
)

type sqlRepository struct {
}

const (
	insertUserStmt                 = "INSERT INTO users (id, name, storage_quota, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)"
	updateUserByIdStmt             = "UPDATE users SET name = $1, storage_quota = $2, updated_at = $3 WHERE id = $4"
	findAllUsersOrderByNameAscStmt = "SELECT id, name, storage_quota, created_at, updated_at FROM users ORDER BY name ASC"
	findUserByIdStmt               = "SELECT id, name, storage_quota, created_at, updated_at FROM users WHERE id = $1"
	findUserByNameStmt             = "SELECT id, name, storage_quota, created_at, updated_at FROM users WHERE name = $1"
	deleteUserByIdStmt             = "DELETE FROM users WHERE id = $1"
)

func NewRepository() (user.Repository, error) {
	return &sqlRepository{}, nil
}

func convertRowToUserEntity(userRows *sql.Rows) (*user.Entity, error) {
	var id string
	var name string
	var storageQuota int64
	var createdAt time.Time
	var updatedAt time.Time
	err := userRows.Scan(&id, &name, &storageQuota, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	ulidId := ulid.MustParse(id)
	userEntity := user.Entity{
		Id:           &ulidId,
		Name:         name,
		StorageQuota: storageQuota,
		CreatedAt:    createdAt,
		UpdatedAt:    updatedAt,
	}
	return &userEntity, nil
}

func (ur *sqlRepository) FindAllUsersOrderByNameAsc(ctx context.Context, tx *sql.Tx) ([]user.Entity, error) {
	userRows, err := tx.QueryContext(ctx, findAllUsersOrderByNameAscStmt)
	if err != nil {
		return nil, err
	}
	defer userRows.Close()
	users := []user.Entity{}
	for userRows.Next() {
		userEntity, err := convertRowToUserEntity(userRows)
		if err != nil {
			return nil, err
		}
		users = append(users, *userEntity)
	}
	return users, nil
}

func (ur *sqlRepository) FindUserById(ctx context.Context, tx *sql.Tx, userId ulid.ULID) (*user.Entity, error) {
	userRows, err := tx.QueryContext(ctx, findUserByIdStmt, userId.String())
	if err != nil {
		return nil, err
	}
	defer userRows.Close()
	exists := userRows.Next()
	if exists {
		userEntity, err := convertRowToUserEntity(userRows)
		if err != nil {
			return nil, err
		}
		return userEntity, nil
	}
	return nil, nil
}

func (ur *sqlRepository) FindUserByName(ctx context.Context, tx *sql.Tx, name string) (*user.Entity, error) {
	userRows, err := tx.QueryContext(ctx, findUserByNameStmt, name)
	if err != nil {
		return nil, err
	}
	defer userRows.Close()
	exists := userRows.Next()
	if exists {
		userEntity, err := convertRowToUserEntity(userRows)
		if err != nil {
			return nil, err
		}
		return userEntity, nil
	}
	return nil, nil
}

func (ur *sqlRepository) SaveUser(ctx context.Context, tx *sql.Tx, user *user.Entity) error {
	if user.Id == nil {
		id := ulid.Make()
		user.Id = &id
		user.CreatedAt = time.Now()
		user.UpdatedAt = user.CreatedAt
		_, err := tx.ExecContext(ctx, insertUserStmt, user.Id.String(), user.Name, user.StorageQuota, user.CreatedAt, user.UpdatedAt)
		return err
	}
	user.UpdatedAt = time.Now()
	_, err := tx.ExecContext(ctx, updateUserByIdStmt, user.Name, user.StorageQuota, user.UpdatedAt, user.Id.String())
	return err
}

func (ur *sqlRepository) DeleteUserById(ctx context.Context, tx *sql.Tx, userId ulid.ULID) error {
	_, err := tx.ExecContext(ctx, deleteUserByIdStmt, userId.String())
	return err
}
