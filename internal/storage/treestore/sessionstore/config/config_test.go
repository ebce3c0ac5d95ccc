package config

import (
	"testing"

	"github.com/avandras/cellar/internal/dependencyinjection"
	"github.com/avandras/cellar/internal/storage/treestore/sessionstore"
	testutils "github.com/avandras/cellar/internal/testing"
	"github.com/stretchr/testify/assert"
)

func createSessionStoreFromJson(b []byte) (sessionstore.SessionStore, error) {
	diContainer, err := dependencyinjection.NewContainer()
	if err != nil {
		return nil, err
	}
	si, err := CreateSessionStoreInstantiatorFromJson(b)
	if err != nil {
		return nil, err
	}
	err = si.RegisterReferences(diContainer)
	if err != nil {
		return nil, err
	}
	return si.Instantiate(diContainer)
}

func TestCanCreateInMemorySessionStoreFromJson(t *testing.T) {
	testutils.SkipIfIntegration(t)

	jsonData := `{
				 "type": "InMemorySessionStore",
				 "uploadSessionTtlSeconds": 1800
			 }`

	sessionStore, err := createSessionStoreFromJson([]byte(jsonData))
	assert.Nil(t, err)
	assert.NotNil(t, sessionStore)

	err = sessionstore.Tester(sessionStore)
	assert.Nil(t, err)
}

func TestUnknownSessionStoreTypeFails(t *testing.T) {
	testutils.SkipIfIntegration(t)

	jsonData := `{
				 "type": "RedisSessionStore"
			 }`

	sessionStore, err := createSessionStoreFromJson([]byte(jsonData))
	assert.NotNil(t, err)
	assert.Nil(t, sessionStore)
}
