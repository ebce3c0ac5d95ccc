package tink

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/avandras/cellar/internal/storage/database"
	"github.com/avandras/cellar/internal/storage/treestore/contentstore"
	filesystemContentStore "github.com/avandras/cellar/internal/storage/treestore/contentstore/filesystem"
	testutils "github.com/avandras/cellar/internal/testing"
	"github.com/stretchr/testify/assert"
)

func TestTinkEncryptionContentStoreWithLocalKMS(t *testing.T) {
	testutils.SkipIfIntegration(t)
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
	filesystemContentStore, err := filesystemContentStore.New(storagePath)
	if err != nil {
		slog.Error(fmt.Sprintf("Could not create FilesystemContentStore: %s", err))
		os.Exit(1)
	}

	// Test with LocalKMS variant
	tinkEncryptionContentStoreMiddleware, err := NewWithLocalKMS("test-password", filesystemContentStore)
	if err != nil {
		slog.Error(fmt.Sprintf("Could not create TinkEncryptionContentStoreMiddleware: %s", err))
		os.Exit(1)
	}

	content := []byte("TinkEncryptionContentStoreMiddleware with LocalKMS")
	err = contentstore.Tester(tinkEncryptionContentStoreMiddleware, db, content)
	assert.Nil(t, err)
}

func TestTinkEncryptionContentStoreWithLocalKMS_DifferentPasswords(t *testing.T) {
	testutils.SkipIfIntegration(t)
	storagePath, err := os.MkdirTemp("", "cellar-test-data-")
	if err != nil {
		slog.Error(fmt.Sprintf("Could not create temp directory: %s", err))
		os.Exit(1)
	}
	defer func() {
		err = os.RemoveAll(storagePath)
		if err != nil {
			slog.Error(fmt.Sprintf("Could not remove storagePath %s: %s", storagePath, err))
			os.Exit(1)
		}
	}()
	filesystemContentStore, err := filesystemContentStore.New(storagePath)
	if err != nil {
		slog.Error(fmt.Sprintf("Could not create FilesystemContentStore: %s", err))
		os.Exit(1)
	}

	// Test that different passwords create different encryption results
	middleware1, err := NewWithLocalKMS("password1", filesystemContentStore)
	assert.Nil(t, err)

	middleware2, err := NewWithLocalKMS("password2", filesystemContentStore)
	assert.Nil(t, err)

	// Ensure they are different instances with different master keys
	assert.NotEqual(t, middleware1, middleware2)
}
