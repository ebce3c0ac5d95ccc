package metadatastore

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"time"

	"github.com/avandras/cellar/internal/storage/database"
	"github.com/oklog/ulid/v2"
)

// MimeTypeFolder marks an object as an interior node of the tree. Folder
// objects carry no content and have size 0.
const MimeTypeFolder = "folder"

type BucketAccess string

const (
	BucketAccessPrivate     BucketAccess = "private"
	BucketAccessPublicRead  BucketAccess = "public-read"
	BucketAccessPublicWrite BucketAccess = "public-write"
)

var ErrInvalidBucketAccess error = errors.New("invalid bucket access")

func ParseBucketAccess(access string) (BucketAccess, error) {
	switch BucketAccess(access) {
	case BucketAccessPrivate, BucketAccessPublicRead, BucketAccessPublicWrite:
		return BucketAccess(access), nil
	}
	return "", ErrInvalidBucketAccess
}

type Bucket struct {
	Id     *ulid.ULID
	Name   BucketName
	Access BucketAccess
	// StorageQuota is the maximum number of content bytes the bucket may
	// hold, -1 meaning unlimited.
	StorageQuota int64
	// PathCacheTtlSeconds enables the resolver path cache when > 0.
	PathCacheTtlSeconds int64
	OwnerId             ulid.ULID
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

type Object struct {
	Id        *ulid.ULID
	BucketId  ulid.ULID
	ParentId  *ulid.ULID
	Filename  string
	Size      int64
	MimeType  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (o *Object) IsFolder() bool {
	return o.MimeType == MimeTypeFolder
}

type User struct {
	Id           *ulid.ULID
	Name         string
	StorageQuota int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

var ErrNoSuchBucket error = errors.New("NoSuchBucket")
var ErrBucketAlreadyExists error = errors.New("BucketAlreadyExists")
var ErrBucketNotEmpty error = errors.New("BucketNotEmpty")
var ErrNoSuchKey error = errors.New("NoSuchKey")
var ErrNoSuchUser error = errors.New("NoSuchUser")
var ErrUserAlreadyExists error = errors.New("UserAlreadyExists")

// MetadataStore persists the bucket, user and object tree metadata.
// Object lookups that miss return nil without an error; the callers
// decide which sentinel the absence maps to.
type MetadataStore interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	CreateBucket(ctx context.Context, tx *sql.Tx, bucket *Bucket) error
	SaveBucket(ctx context.Context, tx *sql.Tx, bucket *Bucket) error
	DeleteBucket(ctx context.Context, tx *sql.Tx, bucketName BucketName) error
	ListBuckets(ctx context.Context, tx *sql.Tx) ([]Bucket, error)
	ListBucketsByOwnerId(ctx context.Context, tx *sql.Tx, ownerId ulid.ULID) ([]Bucket, error)
	HeadBucket(ctx context.Context, tx *sql.Tx, bucketName BucketName) (*Bucket, error)
	CreateUser(ctx context.Context, tx *sql.Tx, user *User) error
	SaveUser(ctx context.Context, tx *sql.Tx, user *User) error
	HeadUserById(ctx context.Context, tx *sql.Tx, userId ulid.ULID) (*User, error)
	HeadUserByName(ctx context.Context, tx *sql.Tx, name string) (*User, error)
	ListUsers(ctx context.Context, tx *sql.Tx) ([]User, error)
	GetChildObject(ctx context.Context, tx *sql.Tx, bucketId ulid.ULID, parentId *ulid.ULID, filename string) (*Object, error)
	ListChildObjects(ctx context.Context, tx *sql.Tx, bucketId ulid.ULID, parentId *ulid.ULID) ([]Object, error)
	ListObjectsByBucketId(ctx context.Context, tx *sql.Tx, bucketId ulid.ULID) ([]Object, error)
	HeadObjectById(ctx context.Context, tx *sql.Tx, objectId ulid.ULID) (*Object, error)
	PutObject(ctx context.Context, tx *sql.Tx, object *Object) error
	DeleteObjectById(ctx context.Context, tx *sql.Tx, objectId ulid.ULID) error
	SumObjectSizesByBucketId(ctx context.Context, tx *sql.Tx, bucketId ulid.ULID) (int64, error)
	SumObjectSizesByOwnerId(ctx context.Context, tx *sql.Tx, ownerId ulid.ULID) (int64, error)
}

// Tester exercises a MetadataStore implementation end to end. It is used
// by configuration tests to prove that an instantiated store works.
func Tester(metadataStore MetadataStore, db database.Database) error {
	ctx := context.Background()
	err := metadataStore.Start(ctx)
	if err != nil {
		return err
	}
	defer metadataStore.Stop(ctx)

	tx, err := db.BeginTx(ctx, &sql.TxOptions{ReadOnly: false})
	if err != nil {
		return err
	}
	owner := User{Name: "tester", StorageQuota: -1}
	err = metadataStore.CreateUser(ctx, tx, &owner)
	if err != nil {
		tx.Rollback()
		return err
	}
	tx.Commit()

	bucketName := MustNewBucketName("bucket")

	tx, err = db.BeginTx(ctx, &sql.TxOptions{ReadOnly: false})
	if err != nil {
		return err
	}
	bucket := Bucket{
		Name:         bucketName,
		Access:       BucketAccessPrivate,
		StorageQuota: -1,
		OwnerId:      *owner.Id,
	}
	err = metadataStore.CreateBucket(ctx, tx, &bucket)
	if err != nil {
		tx.Rollback()
		return err
	}
	tx.Commit()

	tx, err = db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return err
	}
	headBucket, err := metadataStore.HeadBucket(ctx, tx, bucketName)
	if err != nil {
		tx.Rollback()
		return err
	}
	tx.Commit()

	if !bucketName.Equals(headBucket.Name) {
		return errors.New("invalid bucketName")
	}

	tx, err = db.BeginTx(ctx, &sql.TxOptions{ReadOnly: false})
	if err != nil {
		return err
	}
	folder := Object{
		BucketId: *bucket.Id,
		Filename: "docs",
		MimeType: MimeTypeFolder,
	}
	err = metadataStore.PutObject(ctx, tx, &folder)
	if err != nil {
		tx.Rollback()
		return err
	}
	file := Object{
		BucketId: *bucket.Id,
		ParentId: folder.Id,
		Filename: "readme.txt",
		Size:     11,
		MimeType: "text/plain",
	}
	err = metadataStore.PutObject(ctx, tx, &file)
	if err != nil {
		tx.Rollback()
		return err
	}
	tx.Commit()

	tx, err = db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return err
	}
	child, err := metadataStore.GetChildObject(ctx, tx, *bucket.Id, folder.Id, "readme.txt")
	if err != nil {
		tx.Rollback()
		return err
	}
	usedBytes, err := metadataStore.SumObjectSizesByBucketId(ctx, tx, *bucket.Id)
	if err != nil {
		tx.Rollback()
		return err
	}
	tx.Commit()

	if child == nil || child.Filename != "readme.txt" {
		return errors.New("invalid child object")
	}
	if usedBytes != 11 {
		return errors.New("expected 11 used bytes got " + strconv.FormatInt(usedBytes, 10))
	}

	tx, err = db.BeginTx(ctx, &sql.TxOptions{ReadOnly: false})
	if err != nil {
		return err
	}
	err = metadataStore.DeleteObjectById(ctx, tx, *file.Id)
	if err != nil {
		tx.Rollback()
		return err
	}
	err = metadataStore.DeleteObjectById(ctx, tx, *folder.Id)
	if err != nil {
		tx.Rollback()
		return err
	}
	err = metadataStore.DeleteBucket(ctx, tx, bucketName)
	if err != nil {
		tx.Rollback()
		return err
	}
	tx.Commit()

	tx, err = db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return err
	}
	buckets, err := metadataStore.ListBuckets(ctx, tx)
	if err != nil {
		tx.Rollback()
		return err
	}
	tx.Commit()

	if len(buckets) != 0 {
		return errors.New("expected 0 buckets got " + strconv.Itoa(len(buckets)))
	}

	return nil
}
