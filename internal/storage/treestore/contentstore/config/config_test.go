package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"testing"

	"github.com/avandras/cellar/internal/config"
	"github.com/avandras/cellar/internal/dependencyinjection"
	"github.com/avandras/cellar/internal/storage/treestore/contentstore"
	testutils "github.com/avandras/cellar/internal/testing"
	"github.com/stretchr/testify/assert"
)

func createContentStoreFromJson(b []byte) (contentstore.ContentStore, error) {
	diContainer, err := dependencyinjection.NewContainer()
	if err != nil {
		return nil, err
	}
	dbContainer := config.NewDbContainer()
	err = diContainer.RegisterSingletonByType(reflect.TypeOf((*config.DbContainer)(nil)), dbContainer)
	if err != nil {
		return nil, err
	}
	ci, err := CreateContentStoreInstantiatorFromJson(b)
	if err != nil {
		return nil, err
	}
	err = ci.RegisterReferences(diContainer)
	if err != nil {
		return nil, err
	}
	return ci.Instantiate(diContainer)
}

func TestCanCreateFilesystemContentStoreFromJson(t *testing.T) {
	testutils.SkipIfIntegration(t)
	tempDir, cleanup, err := config.CreateTempDir()
	assert.Nil(t, err)
	t.Cleanup(cleanup)

	storagePath := *tempDir
	jsonData := fmt.Sprintf(`{
				 "type": "FilesystemContentStore",
				 "root": %s
			 }`, strconv.Quote(storagePath))

	contentStore, err := createContentStoreFromJson([]byte(jsonData))
	assert.Nil(t, err)
	assert.NotNil(t, contentStore)
}

func TestCanCreateSqlContentStoreFromJson(t *testing.T) {
	testutils.SkipIfIntegration(t)
	tempDir, cleanup, err := config.CreateTempDir()
	assert.Nil(t, err)
	t.Cleanup(cleanup)

	dbPath := filepath.Join(*tempDir, "cellar.db")
	jsonData := fmt.Sprintf(`{
				 "type": "SqlContentStore",
				 "db": {
					 "type": "SqliteDatabase",
					 "dbPath": %s
				 }
			 }`, strconv.Quote(dbPath))

	contentStore, err := createContentStoreFromJson([]byte(jsonData))
	assert.Nil(t, err)
	assert.NotNil(t, contentStore)
}

func TestCanParseSftpContentStoreConfigFromJson(t *testing.T) {
	testutils.SkipIfIntegration(t)

	// Instantiating would dial the server, so only the parse is covered here.
	jsonData := `{
				 "type": "SftpContentStore",
				 "addr": "localhost:2222",
				 "sshClientConfig": {
							 "user": "user",
							 "authMethods": [
								 {
									 "type": "PasswordAuthMethod",
											 "password": "test"
								 }
							 ],
							 "hostKeyCallback": {
								 "type": "InsecureIgnoreHostKeyCallback"
							 },
							 "connectionTimeout": "5s"
				 },
				 "root": "/upload/cellar"
			 }`

	diContainer, err := dependencyinjection.NewContainer()
	assert.Nil(t, err)
	contentStoreInstantiator, err := CreateContentStoreInstantiatorFromJson([]byte(jsonData))
	assert.Nil(t, err)
	assert.NotNil(t, contentStoreInstantiator)
	err = contentStoreInstantiator.RegisterReferences(diContainer)
	assert.Nil(t, err)
}

func TestCanCreateS3ContentStoreFromJson(t *testing.T) {
	testutils.SkipIfIntegration(t)

	jsonData := `{
				 "type": "S3ContentStore",
				 "region": "us-east-1",
				 "endpoint": "http://localhost:9000",
				 "accessKeyId": "accessKey",
				 "secretAccessKey": "secretKey",
				 "usePathStyle": true,
				 "bucket": "cellar-contents",
				 "keyPrefix": "cellar"
			 }`

	contentStore, err := createContentStoreFromJson([]byte(jsonData))
	assert.Nil(t, err)
	assert.NotNil(t, contentStore)
}

func TestCanCreateTinkEncryptionContentStoreMiddlewareFromJson(t *testing.T) {
	testutils.SkipIfIntegration(t)
	tempDir, cleanup, err := config.CreateTempDir()
	assert.Nil(t, err)
	t.Cleanup(cleanup)

	storagePath := *tempDir
	jsonData := fmt.Sprintf(`{
				 "type": "TinkEncryptionContentStoreMiddleware",
				 "kmsType": "local",
				 "password": "test-password-123",
				 "innerContentStore": {
					 "type": "FilesystemContentStore",
					 "root": %s
				 }
			 }`, strconv.Quote(storagePath))

	contentStore, err := createContentStoreFromJson([]byte(jsonData))
	assert.Nil(t, err)
	assert.NotNil(t, contentStore)
}

func TestTinkEncryptionContentStoreMiddlewareRequiresKeyURIForAWS(t *testing.T) {
	testutils.SkipIfIntegration(t)
	tempDir, cleanup, err := config.CreateTempDir()
	assert.Nil(t, err)
	t.Cleanup(cleanup)

	storagePath := *tempDir
	jsonData := fmt.Sprintf(`{
				 "type": "TinkEncryptionContentStoreMiddleware",
				 "kmsType": "aws",
				 "innerContentStore": {
					 "type": "FilesystemContentStore",
					 "root": %s
				 }
			 }`, strconv.Quote(storagePath))

	contentStore, err := createContentStoreFromJson([]byte(jsonData))
	assert.NotNil(t, err)
	assert.Nil(t, contentStore)
	assert.Contains(t, err.Error(), "keyURI is required for AWS KMS")
}

func TestTinkEncryptionContentStoreMiddlewareRequiresPasswordForLocalKMS(t *testing.T) {
	testutils.SkipIfIntegration(t)
	tempDir, cleanup, err := config.CreateTempDir()
	assert.Nil(t, err)
	t.Cleanup(cleanup)

	storagePath := *tempDir
	jsonData := fmt.Sprintf(`{
				 "type": "TinkEncryptionContentStoreMiddleware",
				 "kmsType": "local",
				 "innerContentStore": {
					 "type": "FilesystemContentStore",
					 "root": %s
				 }
			 }`, strconv.Quote(storagePath))

	contentStore, err := createContentStoreFromJson([]byte(jsonData))
	assert.NotNil(t, err)
	assert.Nil(t, contentStore)
	assert.Contains(t, err.Error(), "password is required for Local KMS")
}

func TestCanCreateTracingContentStoreMiddlewareFromJson(t *testing.T) {
	testutils.SkipIfIntegration(t)
	tempDir, cleanup, err := config.CreateTempDir()
	assert.Nil(t, err)
	t.Cleanup(cleanup)

	storagePath := *tempDir
	jsonData := fmt.Sprintf(`{
				 "type": "TracingContentStoreMiddleware",
				 "regionName": "filesystemContentStore",
				 "innerContentStore": {
					 "type": "FilesystemContentStore",
					 "root": %s
				 }
			 }`, strconv.Quote(storagePath))

	contentStore, err := createContentStoreFromJson([]byte(jsonData))
	assert.Nil(t, err)
	assert.NotNil(t, contentStore)
}
