package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	internalConfig "github.com/avandras/cellar/internal/config"
	"github.com/avandras/cellar/internal/dependencyinjection"
	databaseConfig "github.com/avandras/cellar/internal/storage/database/config"
	repositoryFactory "github.com/avandras/cellar/internal/storage/database/repository"
	"github.com/avandras/cellar/internal/storage/treestore/contentstore"
	"github.com/avandras/cellar/internal/storage/treestore/contentstore/filesystem"
	"github.com/avandras/cellar/internal/storage/treestore/contentstore/middlewares/encryption/tink"
	"github.com/avandras/cellar/internal/storage/treestore/contentstore/middlewares/tracing"
	s3ContentStore "github.com/avandras/cellar/internal/storage/treestore/contentstore/s3"
	"github.com/avandras/cellar/internal/storage/treestore/contentstore/sftp"
	sftpConfig "github.com/avandras/cellar/internal/storage/treestore/contentstore/sftp/config"
	sqlContentStore "github.com/avandras/cellar/internal/storage/treestore/contentstore/sql"
)

const (
	filesystemContentStoreType               = "FilesystemContentStore"
	sqlContentStoreType                      = "SqlContentStore"
	sftpContentStoreType                     = "SftpContentStore"
	s3ContentStoreType                       = "S3ContentStore"
	tinkEncryptionContentStoreMiddlewareType = "TinkEncryptionContentStoreMiddleware"
	tracingContentStoreMiddlewareType        = "TracingContentStoreMiddleware"
)

type ContentStoreInstantiator = internalConfig.DynamicJsonInstantiator[contentstore.ContentStore]

type FilesystemContentStoreConfiguration struct {
	Root internalConfig.StringProvider `json:"root"`
	internalConfig.DynamicJsonType
}

func (f *FilesystemContentStoreConfiguration) RegisterReferences(diCollection dependencyinjection.DICollection) error {
	return nil
}

func (f *FilesystemContentStoreConfiguration) Instantiate(diProvider dependencyinjection.DIProvider) (contentstore.ContentStore, error) {
	return filesystem.New(f.Root.Value())
}

type SqlContentStoreConfiguration struct {
	DatabaseInstantiator databaseConfig.DatabaseInstantiator `json:"-"`
	RawDatabase          json.RawMessage                     `json:"db"`
	internalConfig.DynamicJsonType
}

func (s *SqlContentStoreConfiguration) UnmarshalJSON(b []byte) error {
	type sqlContentStoreConfiguration SqlContentStoreConfiguration
	err := json.Unmarshal(b, (*sqlContentStoreConfiguration)(s))
	if err != nil {
		return err
	}
	s.DatabaseInstantiator, err = databaseConfig.CreateDatabaseInstantiatorFromJson(s.RawDatabase)
	if err != nil {
		return err
	}
	return nil
}

func (s *SqlContentStoreConfiguration) RegisterReferences(diCollection dependencyinjection.DICollection) error {
	return s.DatabaseInstantiator.RegisterReferences(diCollection)
}

func (s *SqlContentStoreConfiguration) Instantiate(diProvider dependencyinjection.DIProvider) (contentstore.ContentStore, error) {
	db, err := s.DatabaseInstantiator.Instantiate(diProvider)
	if err != nil {
		return nil, err
	}
	contentRepository, err := repositoryFactory.NewContentRepository(db)
	if err != nil {
		return nil, err
	}
	return sqlContentStore.New(db, contentRepository)
}

type SftpContentStoreConfiguration struct {
	Addr                        internalConfig.StringProvider          `json:"addr"`
	SshClientConfigInstantiator sftpConfig.SshClientConfigInstantiator `json:"-"`
	RawSshClientConfig          json.RawMessage                        `json:"sshClientConfig"`
	Root                        internalConfig.StringProvider          `json:"root"`
	internalConfig.DynamicJsonType
}

func (s *SftpContentStoreConfiguration) UnmarshalJSON(b []byte) error {
	type sftpContentStoreConfiguration SftpContentStoreConfiguration
	err := json.Unmarshal(b, (*sftpContentStoreConfiguration)(s))
	if err != nil {
		return err
	}
	s.SshClientConfigInstantiator, err = sftpConfig.CreateSshClientConfigInstantiatorFromJson(s.RawSshClientConfig)
	if err != nil {
		return err
	}
	return nil
}

func (s *SftpContentStoreConfiguration) RegisterReferences(diCollection dependencyinjection.DICollection) error {
	return s.SshClientConfigInstantiator.RegisterReferences(diCollection)
}

func (s *SftpContentStoreConfiguration) Instantiate(diProvider dependencyinjection.DIProvider) (contentstore.ContentStore, error) {
	sshClientConfig, err := s.SshClientConfigInstantiator.Instantiate(diProvider)
	if err != nil {
		return nil, err
	}
	return sftp.New(s.Addr.Value(), sshClientConfig, s.Root.Value())
}

type S3ContentStoreConfiguration struct {
	Region          internalConfig.StringProvider `json:"region"`
	Endpoint        internalConfig.StringProvider `json:"endpoint,omitempty"`
	AccessKeyId     internalConfig.StringProvider `json:"accessKeyId"`
	SecretAccessKey internalConfig.StringProvider `json:"secretAccessKey"`
	UsePathStyle    bool                          `json:"usePathStyle"`
	Bucket          internalConfig.StringProvider `json:"bucket"`
	KeyPrefix       internalConfig.StringProvider `json:"keyPrefix,omitempty"`
	internalConfig.DynamicJsonType
}

func (s *S3ContentStoreConfiguration) RegisterReferences(diCollection dependencyinjection.DICollection) error {
	return nil
}

func (s *S3ContentStoreConfiguration) Instantiate(diProvider dependencyinjection.DIProvider) (contentstore.ContentStore, error) {
	cfg, err := awsConfig.LoadDefaultConfig(context.Background(),
		awsConfig.WithRegion(s.Region.Value()),
		awsConfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(s.AccessKeyId.Value(), s.SecretAccessKey.Value(), "")))
	if err != nil {
		return nil, err
	}
	s3Client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = s.UsePathStyle
		if endpoint := s.Endpoint.Value(); endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return s3ContentStore.New(s3Client, s.Bucket.Value(), s.KeyPrefix.Value())
}

type TinkEncryptionContentStoreMiddlewareConfiguration struct {
	KMSType internalConfig.StringProvider `json:"kmsType"`
	// AWS KMS specific
	KeyURI internalConfig.StringProvider `json:"keyURI,omitempty"`
	// Local KMS specific (password for key derivation)
	Password internalConfig.StringProvider `json:"password,omitempty"`
	// TPM specific
	TpmPath                       internalConfig.StringProvider `json:"tpmPath,omitempty"`
	TpmPersistentHandle           internalConfig.Int64Provider  `json:"tpmPersistentHandle,omitempty"`
	TpmKeyFilePath                internalConfig.StringProvider `json:"tpmKeyFilePath,omitempty"`
	InnerContentStoreInstantiator ContentStoreInstantiator      `json:"-"`
	RawInnerContentStore          json.RawMessage               `json:"innerContentStore"`
	internalConfig.DynamicJsonType
}

func (t *TinkEncryptionContentStoreMiddlewareConfiguration) UnmarshalJSON(b []byte) error {
	type tinkEncryptionContentStoreMiddlewareConfiguration TinkEncryptionContentStoreMiddlewareConfiguration
	err := json.Unmarshal(b, (*tinkEncryptionContentStoreMiddlewareConfiguration)(t))
	if err != nil {
		return err
	}
	t.InnerContentStoreInstantiator, err = CreateContentStoreInstantiatorFromJson(t.RawInnerContentStore)
	if err != nil {
		return err
	}
	return nil
}

func (t *TinkEncryptionContentStoreMiddlewareConfiguration) RegisterReferences(diCollection dependencyinjection.DICollection) error {
	return t.InnerContentStoreInstantiator.RegisterReferences(diCollection)
}

func (t *TinkEncryptionContentStoreMiddlewareConfiguration) Instantiate(diProvider dependencyinjection.DIProvider) (contentstore.ContentStore, error) {
	innerContentStore, err := t.InnerContentStoreInstantiator.Instantiate(diProvider)
	if err != nil {
		return nil, err
	}

	kmsType := t.KMSType.Value()

	switch kmsType {
	case tink.KeyTypeAWS:
		keyURI := t.KeyURI.Value()
		if keyURI == "" {
			return nil, errors.New("keyURI is required for AWS KMS")
		}
		return tink.NewWithAWSKMS(keyURI, innerContentStore)
	case tink.KeyTypeLocal:
		password := t.Password.Value()
		if password == "" {
			return nil, errors.New("password is required for Local KMS")
		}
		return tink.NewWithLocalKMS(password, innerContentStore)
	case tink.KeyTypeTPM:
		tpmKeyFilePath := t.TpmKeyFilePath.Value()
		if tpmKeyFilePath == "" {
			return nil, errors.New("tpmKeyFilePath is required for TPM KMS")
		}
		return tink.NewWithTPM(t.TpmPath.Value(), uint32(t.TpmPersistentHandle.Value()), tpmKeyFilePath, innerContentStore)
	default:
		return nil, fmt.Errorf("unsupported KMS type: %s", kmsType)
	}
}

type TracingContentStoreMiddlewareConfiguration struct {
	RegionName                    internalConfig.StringProvider `json:"regionName"`
	InnerContentStoreInstantiator ContentStoreInstantiator      `json:"-"`
	RawInnerContentStore          json.RawMessage               `json:"innerContentStore"`
	internalConfig.DynamicJsonType
}

func (t *TracingContentStoreMiddlewareConfiguration) UnmarshalJSON(b []byte) error {
	type tracingContentStoreMiddlewareConfiguration TracingContentStoreMiddlewareConfiguration
	err := json.Unmarshal(b, (*tracingContentStoreMiddlewareConfiguration)(t))
	if err != nil {
		return err
	}
	t.InnerContentStoreInstantiator, err = CreateContentStoreInstantiatorFromJson(t.RawInnerContentStore)
	if err != nil {
		return err
	}
	return nil
}

func (t *TracingContentStoreMiddlewareConfiguration) RegisterReferences(diCollection dependencyinjection.DICollection) error {
	return t.InnerContentStoreInstantiator.RegisterReferences(diCollection)
}

func (t *TracingContentStoreMiddlewareConfiguration) Instantiate(diProvider dependencyinjection.DIProvider) (contentstore.ContentStore, error) {
	innerContentStore, err := t.InnerContentStoreInstantiator.Instantiate(diProvider)
	if err != nil {
		return nil, err
	}
	return tracing.New(t.RegionName.Value(), innerContentStore)
}

func CreateContentStoreInstantiatorFromJson(b []byte) (ContentStoreInstantiator, error) {
	var cc internalConfig.DynamicJsonType
	err := json.Unmarshal(b, &cc)
	if err != nil {
		return nil, err
	}

	var ci ContentStoreInstantiator
	switch cc.Type {
	case filesystemContentStoreType:
		ci = &FilesystemContentStoreConfiguration{}
	case sqlContentStoreType:
		ci = &SqlContentStoreConfiguration{}
	case sftpContentStoreType:
		ci = &SftpContentStoreConfiguration{}
	case s3ContentStoreType:
		ci = &S3ContentStoreConfiguration{}
	case tinkEncryptionContentStoreMiddlewareType:
		ci = &TinkEncryptionContentStoreMiddlewareConfiguration{}
	case tracingContentStoreMiddlewareType:
		ci = &TracingContentStoreMiddlewareConfiguration{}
	default:
		return nil, errors.New("unknown contentStore type")
	}
	err = json.Unmarshal(b, &ci)
	if err != nil {
		return nil, err
	}
	return ci, nil
}
