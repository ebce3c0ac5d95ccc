package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/avandras/cellar/internal/config"
	"github.com/avandras/cellar/internal/dependencyinjection"
	"github.com/avandras/cellar/internal/storage"
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
	return CreateStorageFromJson(b, diContainer)
}

func treeStorageJson(dbPath string, contentRoot string) string {
	return fmt.Sprintf(`{
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
	}`, dbPath, contentRoot)
}

func TestCanCreateTreeStorageFromJson(t *testing.T) {
	tempDir, cleanup, err := config.CreateTempDir()
	assert.Nil(t, err)
	t.Cleanup(cleanup)

	storagePath := *tempDir
	dbPath := filepath.Join(storagePath, "cellar.db")

	storage, err := createStorageFromJson([]byte(treeStorageJson(dbPath, storagePath)))
	assert.Nil(t, err)
	assert.NotNil(t, storage)
}

func TestCanCreateTreeStorageWithSqlContentStoreFromJson(t *testing.T) {
	tempDir, cleanup, err := config.CreateTempDir()
	assert.Nil(t, err)
	t.Cleanup(cleanup)

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
	    "type": "SqlContentStore",
		"db": {
	      "type": "DatabaseReference",
		  "refName": "db"
	    }
	  },
	  "sessionStore": {
	    "type": "InMemorySessionStore",
		"uploadSessionTtlSeconds": 60
	  }
	}`, dbPath)

	storage, err := createStorageFromJson([]byte(jsonData))
	assert.Nil(t, err)
	assert.NotNil(t, storage)
}

func TestCanCreatePrometheusStorageMiddlewareFromJson(t *testing.T) {
	tempDir, cleanup, err := config.CreateTempDir()
	assert.Nil(t, err)
	t.Cleanup(cleanup)

	storagePath := *tempDir
	dbPath := filepath.Join(storagePath, "cellar.db")
	jsonData := fmt.Sprintf(`{
	  "type": "PrometheusStorageMiddleware",
	  "innerStorage": %v
	}`, treeStorageJson(dbPath, storagePath))

	storage, err := createStorageFromJson([]byte(jsonData))
	assert.Nil(t, err)
	assert.NotNil(t, storage)
}

func TestCanCreateTracingStorageMiddlewareFromJson(t *testing.T) {
	tempDir, cleanup, err := config.CreateTempDir()
	assert.Nil(t, err)
	t.Cleanup(cleanup)

	storagePath := *tempDir
	dbPath := filepath.Join(storagePath, "cellar.db")
	jsonData := fmt.Sprintf(`{
	  "type": "TracingStorageMiddleware",
	  "regionName": "treeStorage",
	  "innerStorage": %v
	}`, treeStorageJson(dbPath, storagePath))

	storage, err := createStorageFromJson([]byte(jsonData))
	assert.Nil(t, err)
	assert.NotNil(t, storage)
}

func TestSessionStoreDefaultsToInMemory(t *testing.T) {
	tempDir, cleanup, err := config.CreateTempDir()
	assert.Nil(t, err)
	t.Cleanup(cleanup)

	storagePath := *tempDir
	dbPath := filepath.Join(storagePath, "cellar.db")

	si, err := CreateStorageInstantiatorFromJson([]byte(treeStorageJson(dbPath, storagePath)))
	assert.Nil(t, err)

	treeConfig, ok := si.(*TreeStorageConfiguration)
	assert.True(t, ok)
	assert.NotNil(t, treeConfig.SessionStoreInstantiator)
}

func TestUnknownStorageTypeFails(t *testing.T) {
	_, err := CreateStorageInstantiatorFromJson([]byte(`{"type": "BlockStorage"}`))
	assert.NotNil(t, err)
}
