package sql

import (
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/avandras/cellar/internal/storage/database"
	bucketSql "github.com/avandras/cellar/internal/storage/database/repository/bucket/sql"
	objectSql "github.com/avandras/cellar/internal/storage/database/repository/object/sql"
	userSql "github.com/avandras/cellar/internal/storage/database/repository/user/sql"
	"github.com/avandras/cellar/internal/storage/treestore/metadatastore"
	"github.com/stretchr/testify/assert"
)

func TestSqlMetadataStore(t *testing.T) {
	storagePath, err := os.MkdirTemp("", "cellar-test-data-")
	if err != nil {
		log.Fatalf("Could not create temp directory: %s", err)
	}
	dbPath := filepath.Join(storagePath, "cellar.db")
	db, err := database.OpenDatabase(dbPath)
	if err != nil {
		log.Fatal("Couldn't open database")
	}
	defer func() {
		err = db.Close()
		if err != nil {
			log.Fatalf("Could not close database %s", err)
		}
		err = os.RemoveAll(storagePath)
		if err != nil {
			log.Fatalf("Could not remove storagePath %s: %s", storagePath, err)
		}
	}()

	bucketRepository, err := bucketSql.NewRepository()
	if err != nil {
		log.Fatalf("Could not create BucketRepository: %s", err)
	}
	objectRepository, err := objectSql.NewRepository()
	if err != nil {
		log.Fatalf("Could not create ObjectRepository: %s", err)
	}
	userRepository, err := userSql.NewRepository()
	if err != nil {
		log.Fatalf("Could not create UserRepository: %s", err)
	}
	sqlMetadataStore, err := New(db, bucketRepository, objectRepository, userRepository)
	if err != nil {
		log.Fatalf("Could not create SqlMetadataStore: %s", err)
	}
	err = metadatastore.Tester(sqlMetadataStore, db)
	assert.Nil(t, err)
}
