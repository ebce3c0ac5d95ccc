package migrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/avandras/cellar/internal/storage"
	"github.com/oklog/ulid/v2"
)

var ErrDestinationNotEmpty = errors.New("destination storage not empty")

// MigrateStorage copies every user, bucket and object from the source
// storage into the destination storage. Destination buckets that
// already hold objects abort the migration.
func MigrateStorage(ctx context.Context, source storage.Storage, destination storage.Storage) error {
	ownerIdMapping, err := migrateUsers(ctx, source, destination)
	if err != nil {
		return err
	}
	err = createMissingBuckets(ctx, source, destination, ownerIdMapping)
	if err != nil {
		return err
	}
	allSourceBuckets, err := source.ListBuckets(ctx)
	if err != nil {
		return err
	}
	for _, sourceBucket := range allSourceBuckets {
		err = migrateObjectsOfBucketFromSourceStorageToDestinationStorage(ctx, source, destination, sourceBucket.Name)
		if err != nil {
			return err
		}
	}
	return nil
}

// migrateUsers creates every source user missing in the destination and
// returns the source ownerId to destination ownerId mapping. The
// destination assigns fresh user ids, so buckets cannot carry their
// source ownerId over.
func migrateUsers(ctx context.Context, source, destination storage.Storage) (map[ulid.ULID]ulid.ULID, error) {
	allSourceUsers, err := source.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	allDestinationUsers, err := destination.ListUsers(ctx)
	if err != nil {
		return nil, err
	}

	destinationUserIdsByName := map[string]ulid.ULID{}
	for _, destinationUser := range allDestinationUsers {
		destinationUserIdsByName[destinationUser.Name] = *destinationUser.Id
	}

	ownerIdMapping := map[ulid.ULID]ulid.ULID{}
	for _, sourceUser := range allSourceUsers {
		destinationUserId, userAlreadyExists := destinationUserIdsByName[sourceUser.Name]
		if !userAlreadyExists {
			destinationUser := storage.User{
				Name:         sourceUser.Name,
				StorageQuota: sourceUser.StorageQuota,
			}
			err = destination.CreateUser(ctx, &destinationUser)
			if err != nil {
				return nil, err
			}
			destinationUserId = *destinationUser.Id
		}
		ownerIdMapping[*sourceUser.Id] = destinationUserId
	}
	return ownerIdMapping, nil
}

func createMissingBuckets(ctx context.Context, source, destination storage.Storage, ownerIdMapping map[ulid.ULID]ulid.ULID) error {
	allSourceBuckets, err := source.ListBuckets(ctx)
	if err != nil {
		return err
	}
	allDestinationBuckets, err := destination.ListBuckets(ctx)
	if err != nil {
		return err
	}

	existingDestinationBucketsByBucketName := map[storage.BucketName]storage.Bucket{}
	for _, destinationBucket := range allDestinationBuckets {
		existingDestinationBucketsByBucketName[destinationBucket.Name] = destinationBucket
	}

	for _, sourceBucket := range allSourceBuckets {
		_, bucketAlreadyExists := existingDestinationBucketsByBucketName[sourceBucket.Name]
		if bucketAlreadyExists {
			continue
		}
		destinationOwnerId, ok := ownerIdMapping[sourceBucket.OwnerId]
		if !ok {
			return fmt.Errorf("no destination owner for bucket %v", sourceBucket.Name)
		}
		destinationBucket := storage.Bucket{
			Name:                sourceBucket.Name,
			Access:              sourceBucket.Access,
			StorageQuota:        sourceBucket.StorageQuota,
			PathCacheTtlSeconds: sourceBucket.PathCacheTtlSeconds,
			OwnerId:             destinationOwnerId,
		}
		err := destination.CreateBucket(ctx, &destinationBucket)
		if err != nil {
			return err
		}
	}
	return nil
}

func migrateObjectsOfBucketFromSourceStorageToDestinationStorage(ctx context.Context, source, destination storage.Storage, bucketName storage.BucketName) error {
	destinationObjects, err := storage.ListAllObjectsOfBucket(ctx, destination, bucketName)
	if err != nil {
		return err
	}
	if len(destinationObjects) != 0 {
		return ErrDestinationNotEmpty
	}
	sourceObjects, err := storage.ListAllObjectsOfBucket(ctx, source, bucketName)
	if err != nil {
		return err
	}
	for _, sourceObject := range sourceObjects {
		err = migrateObject(ctx, source, destination, bucketName, sourceObject)
		if err != nil {
			return err
		}
	}
	return nil
}

func migrateObject(ctx context.Context, source, destination storage.Storage, bucketName storage.BucketName, sourceObject storage.Object) error {
	_, reader, err := source.GetObject(ctx, bucketName, sourceObject.Key, nil)
	if err != nil {
		return err
	}
	defer reader.Close()
	_, err = destination.PutObject(ctx, bucketName, sourceObject.Key, sourceObject.ContentType, reader)
	return err
}
