package config

import (
	"encoding/json"
	"errors"

	internalConfig "github.com/avandras/cellar/internal/config"
	"github.com/avandras/cellar/internal/dependencyinjection"
	databaseConfig "github.com/avandras/cellar/internal/storage/database/config"
	repositoryFactory "github.com/avandras/cellar/internal/storage/database/repository"
	"github.com/avandras/cellar/internal/storage/treestore/metadatastore"
	"github.com/avandras/cellar/internal/storage/treestore/metadatastore/middlewares/tracing"
	sqlMetadataStore "github.com/avandras/cellar/internal/storage/treestore/metadatastore/sql"
)

const (
	sqlMetadataStoreType               = "SqlMetadataStore"
	tracingMetadataStoreMiddlewareType = "TracingMetadataStoreMiddleware"
)

type MetadataStoreInstantiator = internalConfig.DynamicJsonInstantiator[metadatastore.MetadataStore]

type SqlMetadataStoreConfiguration struct {
	DatabaseInstantiator databaseConfig.DatabaseInstantiator `json:"-"`
	RawDatabase          json.RawMessage                     `json:"db"`
	internalConfig.DynamicJsonType
}

func (s *SqlMetadataStoreConfiguration) UnmarshalJSON(b []byte) error {
	type sqlMetadataStoreConfiguration SqlMetadataStoreConfiguration
	err := json.Unmarshal(b, (*sqlMetadataStoreConfiguration)(s))
	if err != nil {
		return err
	}
	s.DatabaseInstantiator, err = databaseConfig.CreateDatabaseInstantiatorFromJson(s.RawDatabase)
	if err != nil {
		return err
	}
	return nil
}

func (s *SqlMetadataStoreConfiguration) RegisterReferences(diCollection dependencyinjection.DICollection) error {
	return s.DatabaseInstantiator.RegisterReferences(diCollection)
}

func (s *SqlMetadataStoreConfiguration) Instantiate(diProvider dependencyinjection.DIProvider) (metadatastore.MetadataStore, error) {
	db, err := s.DatabaseInstantiator.Instantiate(diProvider)
	if err != nil {
		return nil, err
	}
	bucketRepository, err := repositoryFactory.NewBucketRepository(db)
	if err != nil {
		return nil, err
	}
	objectRepository, err := repositoryFactory.NewObjectRepository(db)
	if err != nil {
		return nil, err
	}
	userRepository, err := repositoryFactory.NewUserRepository(db)
	if err != nil {
		return nil, err
	}
	return sqlMetadataStore.New(db, bucketRepository, objectRepository, userRepository)
}

type TracingMetadataStoreMiddlewareConfiguration struct {
	RegionName                     internalConfig.StringProvider `json:"regionName"`
	InnerMetadataStoreInstantiator MetadataStoreInstantiator     `json:"-"`
	RawInnerMetadataStore          json.RawMessage               `json:"innerMetadataStore"`
	internalConfig.DynamicJsonType
}

func (t *TracingMetadataStoreMiddlewareConfiguration) UnmarshalJSON(b []byte) error {
	type tracingMetadataStoreMiddlewareConfiguration TracingMetadataStoreMiddlewareConfiguration
	err := json.Unmarshal(b, (*tracingMetadataStoreMiddlewareConfiguration)(t))
	if err != nil {
		return err
	}
	t.InnerMetadataStoreInstantiator, err = CreateMetadataStoreInstantiatorFromJson(t.RawInnerMetadataStore)
	if err != nil {
		return err
	}
	return nil
}

func (t *TracingMetadataStoreMiddlewareConfiguration) RegisterReferences(diCollection dependencyinjection.DICollection) error {
	return t.InnerMetadataStoreInstantiator.RegisterReferences(diCollection)
}

func (t *TracingMetadataStoreMiddlewareConfiguration) Instantiate(diProvider dependencyinjection.DIProvider) (metadatastore.MetadataStore, error) {
	innerMetadataStore, err := t.InnerMetadataStoreInstantiator.Instantiate(diProvider)
	if err != nil {
		return nil, err
	}
	return tracing.New(t.RegionName.Value(), innerMetadataStore)
}

func CreateMetadataStoreInstantiatorFromJson(b []byte) (MetadataStoreInstantiator, error) {
	var cc internalConfig.DynamicJsonType
	err := json.Unmarshal(b, &cc)
	if err != nil {
		return nil, err
	}

	var mi MetadataStoreInstantiator
	switch cc.Type {
	case sqlMetadataStoreType:
		mi = &SqlMetadataStoreConfiguration{}
	case tracingMetadataStoreMiddlewareType:
		mi = &TracingMetadataStoreMiddlewareConfiguration{}
	default:
		return nil, errors.New("unknown metadataStore type")
	}
	err = json.Unmarshal(b, &mi)
	if err != nil {
		return nil, err
	}
	return mi, nil
}
