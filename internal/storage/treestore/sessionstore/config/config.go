package config

import (
	"encoding/json"
	"errors"
	"time"

	internalConfig "github.com/avandras/cellar/internal/config"
	"github.com/avandras/cellar/internal/dependencyinjection"
	"github.com/avandras/cellar/internal/storage/treestore/sessionstore"
	"github.com/avandras/cellar/internal/storage/treestore/sessionstore/inmemory"
)

const inMemorySessionStoreType = "InMemorySessionStore"

type SessionStoreInstantiator = internalConfig.DynamicJsonInstantiator[sessionstore.SessionStore]

type InMemorySessionStoreConfiguration struct {
	UploadSessionTtlSeconds internalConfig.Int64Provider `json:"uploadSessionTtlSeconds,omitempty"`
	internalConfig.DynamicJsonType
}

func (i *InMemorySessionStoreConfiguration) RegisterReferences(diCollection dependencyinjection.DICollection) error {
	return nil
}

func (i *InMemorySessionStoreConfiguration) Instantiate(diProvider dependencyinjection.DIProvider) (sessionstore.SessionStore, error) {
	uploadSessionTtl := time.Duration(i.UploadSessionTtlSeconds.Value()) * time.Second
	if uploadSessionTtl <= 0 {
		uploadSessionTtl = sessionstore.DefaultUploadSessionTtl
	}
	return inmemory.New(uploadSessionTtl)
}

func CreateSessionStoreInstantiatorFromJson(b []byte) (SessionStoreInstantiator, error) {
	var sc internalConfig.DynamicJsonType
	err := json.Unmarshal(b, &sc)
	if err != nil {
		return nil, err
	}

	var si SessionStoreInstantiator
	switch sc.Type {
	case inMemorySessionStoreType:
		si = &InMemorySessionStoreConfiguration{}
	default:
		return nil, errors.New("unknown sessionStore type")
	}
	err = json.Unmarshal(b, &si)
	if err != nil {
		return nil, err
	}
	return si, nil
}
