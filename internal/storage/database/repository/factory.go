package repository

import (
	"errors"

	"github.com/avandras/cellar/internal/storage/database"
	"github.com/avandras/cellar/internal/storage/database/repository/bucket"
	bucketSql "github.com/avandras/cellar/internal/storage/database/repository/bucket/sql"
	"github.com/avandras/cellar/internal/storage/database/repository/content"
	contentSql "github.com/avandras/cellar/internal/storage/database/repository/content/sql"
	"github.com/avandras/cellar/internal/storage/database/repository/credential"
	credentialSql "github.com/avandras/cellar/internal/storage/database/repository/credential/sql"
	"github.com/avandras/cellar/internal/storage/database/repository/object"
	objectSql "github.com/avandras/cellar/internal/storage/database/repository/object/sql"
	"github.com/avandras/cellar/internal/storage/database/repository/user"
	userSql "github.com/avandras/cellar/internal/storage/database/repository/user/sql"
)

var errUnknownDatabaseType = errors.New("unknown database type")

// Both engines share one repository implementation per entity; the
// statements are written so they bind on the sqlite3 and pgx drivers alike.

func NewBucketRepository(db database.Database) (bucket.Repository, error) {
	switch db.GetDatabaseType() {
	case database.DB_TYPE_POSTGRES, database.DB_TYPE_SQLITE:
		return bucketSql.NewRepository()
	}
	return nil, errUnknownDatabaseType
}

func NewObjectRepository(db database.Database) (object.Repository, error) {
	switch db.GetDatabaseType() {
	case database.DB_TYPE_POSTGRES, database.DB_TYPE_SQLITE:
		return objectSql.NewRepository()
	}
	return nil, errUnknownDatabaseType
}

func NewUserRepository(db database.Database) (user.Repository, error) {
	switch db.GetDatabaseType() {
	case database.DB_TYPE_POSTGRES, database.DB_TYPE_SQLITE:
		return userSql.NewRepository()
	}
	return nil, errUnknownDatabaseType
}

func NewCredentialRepository(db database.Database) (credential.Repository, error) {
	switch db.GetDatabaseType() {
	case database.DB_TYPE_POSTGRES, database.DB_TYPE_SQLITE:
		return credentialSql.NewRepository()
	}
	return nil, errUnknownDatabaseType
}

func NewContentRepository(db database.Database) (content.Repository, error) {
	switch db.GetDatabaseType() {
	case database.DB_TYPE_POSTGRES, database.DB_TYPE_SQLITE:
		return contentSql.NewRepository()
	}
	return nil, errUnknownDatabaseType
}
