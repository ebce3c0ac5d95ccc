package migrator

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/avandras/cellar/internal/config"
	"github.com/avandras/cellar/internal/dependencyinjection"
	"github.com/avandras/cellar/internal/storage"
	storageConfig "github.com/avandras/cellar/internal/storage/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
)

func createStorageFromJson(b []byte) (storage.Storage, error) {
	diContainer, err := dependencyinjection.NewContainer()
	if err != nil {
		return nil, err
	}
	dbContainer := config.NewDbContainer()
	err = diContainer.RegisterSingletonByType(reflect.TypeOf((*config.DbContainer)(nil)), dbContainer)
	if err != nil {
		return nil, err
	}
	err = diContainer.RegisterSingletonByType(reflect.TypeOf((*prometheus.Registerer)(nil)), prometheus.NewRegistry())
	if err != nil {
		return nil, err
	}
	return storageConfig.CreateStorageFromJson(b, diContainer)
}

func TestStorageMigrator(t *testing.T) {
	// Arrange
	bucketName := storage.MustNewBucketName("migration-test")
	objectKey := storage.MustNewObjectKey("dir/zzz")
	var objectData = []byte("abc")
	contentType := "text/plain"
	ctx := context.Background()

	tempDir, cleanup, err := config.CreateTempDir()
	assert.Nil(t, err)

	tempDir2, cleanup2, err := config.CreateTempDir()
	assert.Nil(t, err)

	cleanupTempDirs := func() {
		cleanup()
		cleanup2()
	}

	t.Cleanup(cleanupTempDirs)

	storagePath := *tempDir
	dbPath := filepath.Join(storagePath, "cellar.db")
	jsonData := fmt.Sprintf(`{
	  "type": "TreeStorage",
	  "db": {
	    "type": "RegisterDatabaseReference",
		"refName": "db",
		"db": {
	      "type": "SqliteDatabase",
	      "dbPath": "%v"
	    }
      },
	  "metadataStore": {
		"type": "SqlMetadataStore",
		"db": {
	      "type": "DatabaseReference",
		  "refName": "db"
	    }
	  },
	  "contentStore": {
	    "type": "FilesystemContentStore",
		"root": "%v"
	  }
	}`, dbPath, storagePath)

	sourceStorage, err := createStorageFromJson([]byte(jsonData))
	assert.Nil(t, err)
	sourceStorage.Start(ctx)
	defer sourceStorage.Stop(ctx)

	owner := storage.User{
		Name:         "migration-owner",
		StorageQuota: -1,
	}
	err = sourceStorage.CreateUser(ctx, &owner)
	assert.Nil(t, err)

	err = sourceStorage.CreateBucket(ctx, &storage.Bucket{
		Name:         bucketName,
		StorageQuota: -1,
		OwnerId:      *owner.Id,
	})
	assert.Nil(t, err)

	_, err = sourceStorage.PutObject(ctx, bucketName, objectKey, &contentType, bytes.NewReader(objectData))
	assert.Nil(t, err)

	storagePath2 := *tempDir2
	dbPath2 := filepath.Join(storagePath2, "cellar.db")
	jsonData2 := fmt.Sprintf(`{
	  "type": "TreeStorage",
	  "db": {
	    "type": "RegisterDatabaseReference",
		"refName": "db",
		"db": {
	      "type": "SqliteDatabase",
	      "dbPath": "%v"
	    }
      },
	  "metadataStore": {
		"type": "SqlMetadataStore",
		"db": {
	      "type": "DatabaseReference",
		  "refName": "db"
	    }
	  },
	  "contentStore": {
	    "type": "SqlContentStore",
		"db": {
	      "type": "DatabaseReference",
		  "refName": "db"
	    }
	  }
	}`, dbPath2)

	destinationStorage, err := createStorageFromJson([]byte(jsonData2))
	assert.Nil(t, err)
	destinationStorage.Start(ctx)
	defer destinationStorage.Stop(ctx)

	// Act
	err = MigrateStorage(ctx, sourceStorage, destinationStorage)
	assert.Nil(t, err)

	// Assert
	users, err := destinationStorage.ListUsers(ctx)
	assert.Nil(t, err)
	assert.Len(t, users, 1)
	assert.Equal(t, "migration-owner", users[0].Name)

	buckets, err := destinationStorage.ListBuckets(ctx)
	assert.Nil(t, err)
	assert.Len(t, buckets, 1)
	assert.Equal(t, bucketName, buckets[0].Name)
	assert.Equal(t, *users[0].Id, buckets[0].OwnerId)

	object, reader, err := destinationStorage.GetObject(ctx, bucketName, objectKey, nil)
	assert.Nil(t, err)
	data, err := io.ReadAll(reader)
	assert.Nil(t, err)
	assert.Nil(t, reader.Close())
	assert.Equal(t, objectData, data)
	assert.Equal(t, contentType, *object.ContentType)

	// A second run trips over the now populated destination bucket.
	err = MigrateStorage(ctx, sourceStorage, destinationStorage)
	assert.ErrorIs(t, err, ErrDestinationNotEmpty)
}
