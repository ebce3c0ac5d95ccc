package sql

import (
	"context"
	"database/sql"

	"github.com/avandras/cellar/internal/sliceutils"
	"github.com/avandras/cellar/internal/storage/database"
	"github.com/avandras/cellar/internal/storage/database/repository/bucket"
	"github.com/avandras/cellar/internal/storage/database/repository/object"
	"github.com/avandras/cellar/internal/storage/database/repository/user"
	"github.com/avandras/cellar/internal/storage/treestore/metadatastore"
	"github.com/oklog/ulid/v2"
)

type sqlMetadataStore struct {
	bucketRepository bucket.Repository
	objectRepository object.Repository
	userRepository   user.Repository
}

func New(db database.Database, bucketRepository bucket.Repository, objectRepository object.Repository, userRepository user.Repository) (metadatastore.MetadataStore, error) {
	return &sqlMetadataStore{
		bucketRepository: bucketRepository,
		objectRepository: objectRepository,
		userRepository:   userRepository,
	}, nil
}

func (sms *sqlMetadataStore) Start(ctx context.Context) error {
	return nil
}

func (sms *sqlMetadataStore) Stop(ctx context.Context) error {
	return nil
}

func convertBucketEntityToBucket(bucketEntity *bucket.Entity) *metadatastore.Bucket {
	return &metadatastore.Bucket{
		Id:                  bucketEntity.Id,
		Name:                metadatastore.MustNewBucketName(bucketEntity.Name),
		Access:              metadatastore.BucketAccess(bucketEntity.Access),
		StorageQuota:        bucketEntity.StorageQuota,
		PathCacheTtlSeconds: bucketEntity.PathCacheTtlSeconds,
		OwnerId:             bucketEntity.OwnerId,
		CreatedAt:           bucketEntity.CreatedAt,
		UpdatedAt:           bucketEntity.UpdatedAt,
	}
}

func convertBucketToBucketEntity(bucket2 *metadatastore.Bucket) *bucket.Entity {
	return &bucket.Entity{
		Id:                  bucket2.Id,
		Name:                bucket2.Name.String(),
		Access:              string(bucket2.Access),
		StorageQuota:        bucket2.StorageQuota,
		PathCacheTtlSeconds: bucket2.PathCacheTtlSeconds,
		OwnerId:             bucket2.OwnerId,
		CreatedAt:           bucket2.CreatedAt,
		UpdatedAt:           bucket2.UpdatedAt,
	}
}

func convertObjectEntityToObject(objectEntity *object.Entity) *metadatastore.Object {
	return &metadatastore.Object{
		Id:        objectEntity.Id,
		BucketId:  objectEntity.BucketId,
		ParentId:  objectEntity.ParentId,
		Filename:  objectEntity.Filename,
		Size:      objectEntity.Size,
		MimeType:  objectEntity.MimeType,
		CreatedAt: objectEntity.CreatedAt,
		UpdatedAt: objectEntity.UpdatedAt,
	}
}

func convertObjectToObjectEntity(object2 *metadatastore.Object) *object.Entity {
	return &object.Entity{
		Id:        object2.Id,
		BucketId:  object2.BucketId,
		ParentId:  object2.ParentId,
		Filename:  object2.Filename,
		Size:      object2.Size,
		MimeType:  object2.MimeType,
		CreatedAt: object2.CreatedAt,
		UpdatedAt: object2.UpdatedAt,
	}
}

func convertUserEntityToUser(userEntity *user.Entity) *metadatastore.User {
	return &metadatastore.User{
		Id:           userEntity.Id,
		Name:         userEntity.Name,
		StorageQuota: userEntity.StorageQuota,
		CreatedAt:    userEntity.CreatedAt,
		UpdatedAt:    userEntity.UpdatedAt,
	}
}

func (sms *sqlMetadataStore) CreateBucket(ctx context.Context, tx *sql.Tx, bucket2 *metadatastore.Bucket) error {
	exists, err := sms.bucketRepository.ExistsBucketByName(ctx, tx, bucket2.Name.String())
	if err != nil {
		return err
	}
	if *exists {
		return metadatastore.ErrBucketAlreadyExists
	}

	if bucket2.Access == "" {
		bucket2.Access = metadatastore.BucketAccessPrivate
	}
	bucketEntity := convertBucketToBucketEntity(bucket2)
	bucketEntity.Id = nil
	err = sms.bucketRepository.SaveBucket(ctx, tx, bucketEntity)
	if err != nil {
		return err
	}
	bucket2.Id = bucketEntity.Id
	bucket2.CreatedAt = bucketEntity.CreatedAt
	bucket2.UpdatedAt = bucketEntity.UpdatedAt

	return nil
}

func (sms *sqlMetadataStore) SaveBucket(ctx context.Context, tx *sql.Tx, bucket2 *metadatastore.Bucket) error {
	if bucket2.Id == nil {
		return metadatastore.ErrNoSuchBucket
	}
	bucketEntity := convertBucketToBucketEntity(bucket2)
	err := sms.bucketRepository.SaveBucket(ctx, tx, bucketEntity)
	if err != nil {
		return err
	}
	bucket2.UpdatedAt = bucketEntity.UpdatedAt
	return nil
}

func (sms *sqlMetadataStore) DeleteBucket(ctx context.Context, tx *sql.Tx, bucketName metadatastore.BucketName) error {
	bucketEntity, err := sms.bucketRepository.FindBucketByName(ctx, tx, bucketName.String())
	if err != nil {
		return err
	}
	if bucketEntity == nil {
		return metadatastore.ErrNoSuchBucket
	}

	containsObjects, err := sms.objectRepository.ContainsObjectsByBucketId(ctx, tx, *bucketEntity.Id)
	if err != nil {
		return err
	}
	if *containsObjects {
		return metadatastore.ErrBucketNotEmpty
	}

	err = sms.bucketRepository.DeleteBucketById(ctx, tx, *bucketEntity.Id)
	if err != nil {
		return err
	}

	return nil
}

func (sms *sqlMetadataStore) ListBuckets(ctx context.Context, tx *sql.Tx) ([]metadatastore.Bucket, error) {
	bucketEntities, err := sms.bucketRepository.FindAllBucketsOrderByNameAsc(ctx, tx)
	if err != nil {
		return nil, err
	}
	buckets := sliceutils.Map(func(bucketEntity bucket.Entity) metadatastore.Bucket {
		return *convertBucketEntityToBucket(&bucketEntity)
	}, bucketEntities)

	return buckets, nil
}

func (sms *sqlMetadataStore) ListBucketsByOwnerId(ctx context.Context, tx *sql.Tx, ownerId ulid.ULID) ([]metadatastore.Bucket, error) {
	bucketEntities, err := sms.bucketRepository.FindBucketsByOwnerIdOrderByNameAsc(ctx, tx, ownerId)
	if err != nil {
		return nil, err
	}
	buckets := sliceutils.Map(func(bucketEntity bucket.Entity) metadatastore.Bucket {
		return *convertBucketEntityToBucket(&bucketEntity)
	}, bucketEntities)

	return buckets, nil
}

func (sms *sqlMetadataStore) HeadBucket(ctx context.Context, tx *sql.Tx, bucketName metadatastore.BucketName) (*metadatastore.Bucket, error) {
	bucketEntity, err := sms.bucketRepository.FindBucketByName(ctx, tx, bucketName.String())
	if err != nil {
		return nil, err
	}
	if bucketEntity == nil {
		return nil, metadatastore.ErrNoSuchBucket
	}

	return convertBucketEntityToBucket(bucketEntity), nil
}

func (sms *sqlMetadataStore) CreateUser(ctx context.Context, tx *sql.Tx, user2 *metadatastore.User) error {
	existingUser, err := sms.userRepository.FindUserByName(ctx, tx, user2.Name)
	if err != nil {
		return err
	}
	if existingUser != nil {
		return metadatastore.ErrUserAlreadyExists
	}

	userEntity := user.Entity{
		Name:         user2.Name,
		StorageQuota: user2.StorageQuota,
	}
	err = sms.userRepository.SaveUser(ctx, tx, &userEntity)
	if err != nil {
		return err
	}
	user2.Id = userEntity.Id
	user2.CreatedAt = userEntity.CreatedAt
	user2.UpdatedAt = userEntity.UpdatedAt

	return nil
}

func (sms *sqlMetadataStore) SaveUser(ctx context.Context, tx *sql.Tx, user2 *metadatastore.User) error {
	if user2.Id == nil {
		return metadatastore.ErrNoSuchUser
	}
	userEntity := user.Entity{
		Id:           user2.Id,
		Name:         user2.Name,
		StorageQuota: user2.StorageQuota,
		CreatedAt:    user2.CreatedAt,
	}
	err := sms.userRepository.SaveUser(ctx, tx, &userEntity)
	if err != nil {
		return err
	}
	user2.UpdatedAt = userEntity.UpdatedAt
	return nil
}

func (sms *sqlMetadataStore) HeadUserById(ctx context.Context, tx *sql.Tx, userId ulid.ULID) (*metadatastore.User, error) {
	userEntity, err := sms.userRepository.FindUserById(ctx, tx, userId)
	if err != nil {
		return nil, err
	}
	if userEntity == nil {
		return nil, metadatastore.ErrNoSuchUser
	}
	return convertUserEntityToUser(userEntity), nil
}

func (sms *sqlMetadataStore) HeadUserByName(ctx context.Context, tx *sql.Tx, name string) (*metadatastore.User, error) {
	userEntity, err := sms.userRepository.FindUserByName(ctx, tx, name)
	if err != nil {
		return nil, err
	}
	if userEntity == nil {
		return nil, metadatastore.ErrNoSuchUser
	}
	return convertUserEntityToUser(userEntity), nil
}

func (sms *sqlMetadataStore) ListUsers(ctx context.Context, tx *sql.Tx) ([]metadatastore.User, error) {
	userEntities, err := sms.userRepository.FindAllUsersOrderByNameAsc(ctx, tx)
	if err != nil {
		return nil, err
	}
	users := sliceutils.Map(func(userEntity user.Entity) metadatastore.User {
		return *convertUserEntityToUser(&userEntity)
	}, userEntities)
	return users, nil
}

func (sms *sqlMetadataStore) GetChildObject(ctx context.Context, tx *sql.Tx, bucketId ulid.ULID, parentId *ulid.ULID, filename string) (*metadatastore.Object, error) {
	objectEntity, err := sms.objectRepository.FindObjectByBucketIdAndParentIdAndFilename(ctx, tx, bucketId, parentId, filename)
	if err != nil {
		return nil, err
	}
	if objectEntity == nil {
		return nil, nil
	}
	return convertObjectEntityToObject(objectEntity), nil
}

func (sms *sqlMetadataStore) ListChildObjects(ctx context.Context, tx *sql.Tx, bucketId ulid.ULID, parentId *ulid.ULID) ([]metadatastore.Object, error) {
	objectEntities, err := sms.objectRepository.FindObjectsByBucketIdAndParentIdOrderByFilenameAsc(ctx, tx, bucketId, parentId)
	if err != nil {
		return nil, err
	}
	objects := sliceutils.Map(func(objectEntity object.Entity) metadatastore.Object {
		return *convertObjectEntityToObject(&objectEntity)
	}, objectEntities)
	return objects, nil
}

func (sms *sqlMetadataStore) ListObjectsByBucketId(ctx context.Context, tx *sql.Tx, bucketId ulid.ULID) ([]metadatastore.Object, error) {
	objectEntities, err := sms.objectRepository.FindObjectsByBucketIdOrderByIdAsc(ctx, tx, bucketId)
	if err != nil {
		return nil, err
	}
	objects := sliceutils.Map(func(objectEntity object.Entity) metadatastore.Object {
		return *convertObjectEntityToObject(&objectEntity)
	}, objectEntities)
	return objects, nil
}

func (sms *sqlMetadataStore) HeadObjectById(ctx context.Context, tx *sql.Tx, objectId ulid.ULID) (*metadatastore.Object, error) {
	objectEntity, err := sms.objectRepository.FindObjectById(ctx, tx, objectId)
	if err != nil {
		return nil, err
	}
	if objectEntity == nil {
		return nil, nil
	}
	return convertObjectEntityToObject(objectEntity), nil
}

func (sms *sqlMetadataStore) PutObject(ctx context.Context, tx *sql.Tx, object2 *metadatastore.Object) error {
	objectEntity := convertObjectToObjectEntity(object2)
	err := sms.objectRepository.SaveObject(ctx, tx, objectEntity)
	if err != nil {
		return err
	}
	object2.Id = objectEntity.Id
	object2.CreatedAt = objectEntity.CreatedAt
	object2.UpdatedAt = objectEntity.UpdatedAt
	return nil
}

func (sms *sqlMetadataStore) DeleteObjectById(ctx context.Context, tx *sql.Tx, objectId ulid.ULID) error {
	return sms.objectRepository.DeleteObjectById(ctx, tx, objectId)
}

func (sms *sqlMetadataStore) SumObjectSizesByBucketId(ctx context.Context, tx *sql.Tx, bucketId ulid.ULID) (int64, error) {
	size, err := sms.objectRepository.SumObjectSizesByBucketId(ctx, tx, bucketId)
	if err != nil {
		return 0, err
	}
	return *size, nil
}

func (sms *sqlMetadataStore) SumObjectSizesByOwnerId(ctx context.Context, tx *sql.Tx, ownerId ulid.ULID) (int64, error) {
	size, err := sms.objectRepository.SumObjectSizesByOwnerId(ctx, tx, ownerId)
	if err != nil {
		return 0, err
	}
	return *size, nil
}
