package config

import (
	"encoding/json"
	"errors"
	"reflect"

	internalConfig "github.com/avandras/cellar/internal/config"
	"github.com/avandras/cellar/internal/dependencyinjection"
	"github.com/avandras/cellar/internal/storage"
	databaseConfig "github.com/avandras/cellar/internal/storage/database/config"
	prometheusMiddleware "github.com/avandras/cellar/internal/storage/middlewares/prometheus"
	tracingMiddleware "github.com/avandras/cellar/internal/storage/middlewares/tracing"
	"github.com/avandras/cellar/internal/storage/treestore"
	contentStoreConfig "github.com/avandras/cellar/internal/storage/treestore/contentstore/config"
	metadataStoreConfig "github.com/avandras/cellar/internal/storage/treestore/metadatastore/config"
	sessionStoreConfig "github.com/avandras/cellar/internal/storage/treestore/sessionstore/config"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	treeStorageType                 = "TreeStorage"
	prometheusStorageMiddlewareType = "PrometheusStorageMiddleware"
	tracingStorageMiddlewareType    = "TracingStorageMiddleware"
)

type StorageInstantiator = internalConfig.DynamicJsonInstantiator[storage.Storage]

type TreeStorageConfiguration struct {
	DatabaseInstantiator      databaseConfig.DatabaseInstantiator           `json:"-"`
	RawDatabase               json.RawMessage                               `json:"db"`
	MetadataStoreInstantiator metadataStoreConfig.MetadataStoreInstantiator `json:"-"`
	RawMetadataStore          json.RawMessage                               `json:"metadataStore"`
	ContentStoreInstantiator  contentStoreConfig.ContentStoreInstantiator   `json:"-"`
	RawContentStore           json.RawMessage                               `json:"contentStore"`
	SessionStoreInstantiator  sessionStoreConfig.SessionStoreInstantiator   `json:"-"`
	RawSessionStore           json.RawMessage                               `json:"sessionStore,omitempty"`
	internalConfig.DynamicJsonType
}

func (t *TreeStorageConfiguration) UnmarshalJSON(b []byte) error {
	type treeStorageConfiguration TreeStorageConfiguration
	err := json.Unmarshal(b, (*treeStorageConfiguration)(t))
	if err != nil {
		return err
	}
	t.DatabaseInstantiator, err = databaseConfig.CreateDatabaseInstantiatorFromJson(t.RawDatabase)
	if err != nil {
		return err
	}
	t.MetadataStoreInstantiator, err = metadataStoreConfig.CreateMetadataStoreInstantiatorFromJson(t.RawMetadataStore)
	if err != nil {
		return err
	}
	t.ContentStoreInstantiator, err = contentStoreConfig.CreateContentStoreInstantiatorFromJson(t.RawContentStore)
	if err != nil {
		return err
	}
	if len(t.RawSessionStore) > 0 {
		t.SessionStoreInstantiator, err = sessionStoreConfig.CreateSessionStoreInstantiatorFromJson(t.RawSessionStore)
		if err != nil {
			return err
		}
	} else {
		// Upload sessions default to the in-memory store.
		t.SessionStoreInstantiator = &sessionStoreConfig.InMemorySessionStoreConfiguration{}
	}
	return nil
}

func (t *TreeStorageConfiguration) RegisterReferences(diCollection dependencyinjection.DICollection) error {
	err := t.DatabaseInstantiator.RegisterReferences(diCollection)
	if err != nil {
		return err
	}
	err = t.MetadataStoreInstantiator.RegisterReferences(diCollection)
	if err != nil {
		return err
	}
	err = t.ContentStoreInstantiator.RegisterReferences(diCollection)
	if err != nil {
		return err
	}
	return t.SessionStoreInstantiator.RegisterReferences(diCollection)
}

func (t *TreeStorageConfiguration) Instantiate(diProvider dependencyinjection.DIProvider) (storage.Storage, error) {
	db, err := t.DatabaseInstantiator.Instantiate(diProvider)
	if err != nil {
		return nil, err
	}
	metadataStore, err := t.MetadataStoreInstantiator.Instantiate(diProvider)
	if err != nil {
		return nil, err
	}
	contentStore, err := t.ContentStoreInstantiator.Instantiate(diProvider)
	if err != nil {
		return nil, err
	}
	sessionStore, err := t.SessionStoreInstantiator.Instantiate(diProvider)
	if err != nil {
		return nil, err
	}
	return treestore.NewStorage(db, metadataStore, contentStore, sessionStore)
}

type PrometheusStorageMiddlewareConfiguration struct {
	InnerStorageInstantiator StorageInstantiator `json:"-"`
	RawInnerStorage          json.RawMessage     `json:"innerStorage"`
	internalConfig.DynamicJsonType
}

func (p *PrometheusStorageMiddlewareConfiguration) UnmarshalJSON(b []byte) error {
	type prometheusStorageMiddlewareConfiguration PrometheusStorageMiddlewareConfiguration
	err := json.Unmarshal(b, (*prometheusStorageMiddlewareConfiguration)(p))
	if err != nil {
		return err
	}
	p.InnerStorageInstantiator, err = CreateStorageInstantiatorFromJson(p.RawInnerStorage)
	if err != nil {
		return err
	}
	return nil
}

func (p *PrometheusStorageMiddlewareConfiguration) RegisterReferences(diCollection dependencyinjection.DICollection) error {
	return p.InnerStorageInstantiator.RegisterReferences(diCollection)
}

func (p *PrometheusStorageMiddlewareConfiguration) Instantiate(diProvider dependencyinjection.DIProvider) (storage.Storage, error) {
	innerStorage, err := p.InnerStorageInstantiator.Instantiate(diProvider)
	if err != nil {
		return nil, err
	}
	r, err := diProvider.LookupByType(reflect.TypeOf((*prometheus.Registerer)(nil)))
	if err != nil {
		return nil, err
	}
	registerer, ok := r.(prometheus.Registerer)
	if !ok {
		return nil, errors.New("registered prometheus.Registerer has wrong type")
	}
	return prometheusMiddleware.NewStorageMiddleware(innerStorage, registerer)
}

type TracingStorageMiddlewareConfiguration struct {
	RegionName               internalConfig.StringProvider `json:"regionName"`
	InnerStorageInstantiator StorageInstantiator           `json:"-"`
	RawInnerStorage          json.RawMessage               `json:"innerStorage"`
	internalConfig.DynamicJsonType
}

func (t *TracingStorageMiddlewareConfiguration) UnmarshalJSON(b []byte) error {
	type tracingStorageMiddlewareConfiguration TracingStorageMiddlewareConfiguration
	err := json.Unmarshal(b, (*tracingStorageMiddlewareConfiguration)(t))
	if err != nil {
		return err
	}
	t.InnerStorageInstantiator, err = CreateStorageInstantiatorFromJson(t.RawInnerStorage)
	if err != nil {
		return err
	}
	return nil
}

func (t *TracingStorageMiddlewareConfiguration) RegisterReferences(diCollection dependencyinjection.DICollection) error {
	return t.InnerStorageInstantiator.RegisterReferences(diCollection)
}

func (t *TracingStorageMiddlewareConfiguration) Instantiate(diProvider dependencyinjection.DIProvider) (storage.Storage, error) {
	innerStorage, err := t.InnerStorageInstantiator.Instantiate(diProvider)
	if err != nil {
		return nil, err
	}
	return tracingMiddleware.NewStorageMiddleware(t.RegionName.Value(), innerStorage)
}

func CreateStorageInstantiatorFromJson(b []byte) (StorageInstantiator, error) {
	var sc internalConfig.DynamicJsonType
	err := json.Unmarshal(b, &sc)
	if err != nil {
		return nil, err
	}

	var si StorageInstantiator
	switch sc.Type {
	case treeStorageType:
		si = &TreeStorageConfiguration{}
	case prometheusStorageMiddlewareType:
		si = &PrometheusStorageMiddlewareConfiguration{}
	case tracingStorageMiddlewareType:
		si = &TracingStorageMiddlewareConfiguration{}
	default:
		return nil, errors.New("unknown storage type")
	}
	err = json.Unmarshal(b, &si)
	if err != nil {
		return nil, err
	}
	return si, nil
}

// CreateStorageFromJson parses a storage configuration, registers its
// named references on the container and instantiates the storage graph.
func CreateStorageFromJson(b []byte, diContainer dependencyinjection.DIContainer) (storage.Storage, error) {
	si, err := CreateStorageInstantiatorFromJson(b)
	if err != nil {
		return nil, err
	}
	err = si.RegisterReferences(diContainer)
	if err != nil {
		return nil, err
	}
	return si.Instantiate(diContainer)
}
