package identity

import (
	"context"
	"database/sql"
	"errors"

	"github.com/avandras/cellar/internal/storage/database"
	"github.com/avandras/cellar/internal/storage/database/repository"
	"github.com/avandras/cellar/internal/storage/database/repository/credential"
	"github.com/oklog/ulid/v2"
)

var ErrCredentialNotFound = errors.New("credential not found")

// Credential maps an access key to the secret used for signature
// verification and to the buckets the key may address.
type Credential struct {
	AccessKeyId      string
	SecretAccessKey  string
	UserId           ulid.ULID
	AllBuckets       bool
	GrantedBucketIds []ulid.ULID
}

// MayAccessBucket reports whether the credential grants access to the
// bucket with the given id.
func (c *Credential) MayAccessBucket(bucketId ulid.ULID) bool {
	if c.AllBuckets {
		return true
	}
	for _, grantedBucketId := range c.GrantedBucketIds {
		if grantedBucketId.Compare(bucketId) == 0 {
			return true
		}
	}
	return false
}

type Provider interface {
	LookupByAccessKeyId(ctx context.Context, accessKeyId string) (*Credential, error)
}

type staticProvider struct {
	credentials []Credential
}

// NewStaticProvider serves credentials from a fixed list, used for the
// bootstrap credentials configured through settings.
func NewStaticProvider(credentials []Credential) Provider {
	return &staticProvider{credentials: credentials}
}

func (sp *staticProvider) LookupByAccessKeyId(ctx context.Context, accessKeyId string) (*Credential, error) {
	for _, c := range sp.credentials {
		if c.AccessKeyId == accessKeyId {
			credential := c
			return &credential, nil
		}
	}
	return nil, ErrCredentialNotFound
}

type chainProvider struct {
	providers []Provider
}

// NewChainProvider consults the given providers in order and returns
// the first credential found.
func NewChainProvider(providers ...Provider) Provider {
	return &chainProvider{providers: providers}
}

func (cp *chainProvider) LookupByAccessKeyId(ctx context.Context, accessKeyId string) (*Credential, error) {
	for _, provider := range cp.providers {
		credential, err := provider.LookupByAccessKeyId(ctx, accessKeyId)
		if err == nil {
			return credential, nil
		}
		if !errors.Is(err, ErrCredentialNotFound) {
			return nil, err
		}
	}
	return nil, ErrCredentialNotFound
}

// SqlStore reads and writes credentials through the credential
// repository. It implements Provider for lookups and carries the
// mutating operations the provisioning path needs.
type SqlStore struct {
	db                   database.Database
	credentialRepository credential.Repository
}

// Compile-time check to ensure SqlStore implements Provider
var _ Provider = (*SqlStore)(nil)

func NewSqlStore(db database.Database) (*SqlStore, error) {
	credentialRepository, err := repository.NewCredentialRepository(db)
	if err != nil {
		return nil, err
	}
	return &SqlStore{
		db:                   db,
		credentialRepository: credentialRepository,
	}, nil
}

func (ss *SqlStore) LookupByAccessKeyId(ctx context.Context, accessKeyId string) (*Credential, error) {
	tx, err := ss.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, err
	}
	credentialEntity, err := ss.credentialRepository.FindCredentialByAccessKeyId(ctx, tx, accessKeyId)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	err = tx.Commit()
	if err != nil {
		return nil, err
	}
	if credentialEntity == nil {
		return nil, ErrCredentialNotFound
	}
	return &Credential{
		AccessKeyId:      credentialEntity.AccessKeyId,
		SecretAccessKey:  credentialEntity.SecretKey,
		UserId:           credentialEntity.UserId,
		AllBuckets:       credentialEntity.AllBuckets,
		GrantedBucketIds: credentialEntity.GrantedBucketIds,
	}, nil
}

func (ss *SqlStore) SaveCredential(ctx context.Context, c *Credential) error {
	tx, err := ss.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: false})
	if err != nil {
		return err
	}
	credentialEntity := credential.Entity{
		AccessKeyId:      c.AccessKeyId,
		SecretKey:        c.SecretAccessKey,
		UserId:           c.UserId,
		AllBuckets:       c.AllBuckets,
		GrantedBucketIds: c.GrantedBucketIds,
	}
	err = ss.credentialRepository.SaveCredential(ctx, tx, &credentialEntity)
	if err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (ss *SqlStore) DeleteCredentialByAccessKeyId(ctx context.Context, accessKeyId string) error {
	tx, err := ss.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: false})
	if err != nil {
		return err
	}
	err = ss.credentialRepository.DeleteCredentialByAccessKeyId(ctx, tx, accessKeyId)
	if err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
