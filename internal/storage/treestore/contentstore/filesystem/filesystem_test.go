package filesystem

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/avandras/cellar/internal/storage/database"
	"github.com/avandras/cellar/internal/storage/treestore/contentstore"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
)

func TestFilesystemContentStoreNestsFilesByBucket(t *testing.T) {
	filesystemContentStore := filesystemContentStore{nil, "data"}
	objectId := ulid.Make().String()
	filename := filesystemContentStore.getFilename("bucket/" + objectId)
	assert.Equal(t, filepath.Join("data", "bucket", objectId), filename)
}

func TestFilesystemContentStore(t *testing.T) {
	storagePath, err := os.MkdirTemp("", "cellar-test-data-")
	if err != nil {
		slog.Error(fmt.Sprintf("Could not create temp directory: %s", err))
		os.Exit(1)
	}
	dbPath := filepath.Join(storagePath, "cellar.db")
	db, err := database.OpenDatabase(dbPath)
	if err != nil {
		slog.Error("Couldn't open database")
		os.Exit(1)
	}
	defer func() {
		err = db.Close()
		if err != nil {
			slog.Error(fmt.Sprintf("Could not close database %s", err))
			os.Exit(1)
		}
		err = os.RemoveAll(storagePath)
		if err != nil {
			slog.Error(fmt.Sprintf("Could not remove storagePath %s: %s", storagePath, err))
			os.Exit(1)
		}
	}()
	filesystemContentStore, err := New(storagePath)
	if err != nil {
		slog.Error(fmt.Sprintf("Could not create FilesystemContentStore: %s", err))
		os.Exit(1)
	}
	content := []byte("FilesystemContentStore")
	err = contentstore.Tester(filesystemContentStore, db, content)
	assert.Nil(t, err)
}
