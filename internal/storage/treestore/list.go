package treestore

import (
	"context"
	"database/sql"
	"errors"
	"slices"
	"strings"

	"github.com/avandras/cellar/internal/ptrutils"
	"github.com/avandras/cellar/internal/storage"
	"github.com/avandras/cellar/internal/storage/treestore/metadatastore"
	"github.com/oklog/ulid/v2"
)

type listEntry struct {
	key    string
	object *metadatastore.Object
}

func (ts *treeStorage) ListObjects(ctx context.Context, bucketName storage.BucketName, opts storage.ListObjectsOptions) (*storage.ListBucketResult, error) {
	ctx, span := ts.tracer.Start(ctx, "TreeStorage.ListObjects")
	defer span.End()

	tx, err := ts.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, err
	}
	bucket, err := ts.metadataStore.HeadBucket(ctx, tx, bucketName)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	objects, err := ts.metadataStore.ListObjectsByBucketId(ctx, tx, *bucket.Id)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	err = tx.Commit()
	if err != nil {
		return nil, err
	}

	entries, err := reconstructKeys(objects)
	if err != nil {
		return nil, err
	}
	return groupListEntries(entries, opts)
}

// reconstructKeys renders each row's full slash-joined key by walking
// the ParentId chain, folders with a trailing "/". The result is sorted
// lexicographically by key, which is the order S3 listings promise.
func reconstructKeys(objects []metadatastore.Object) ([]listEntry, error) {
	byId := make(map[ulid.ULID]*metadatastore.Object, len(objects))
	for i := range objects {
		byId[*objects[i].Id] = &objects[i]
	}
	paths := make(map[ulid.ULID]string, len(objects))
	var pathOf func(object *metadatastore.Object) (string, error)
	pathOf = func(object *metadatastore.Object) (string, error) {
		if path, ok := paths[*object.Id]; ok {
			return path, nil
		}
		path := object.Filename
		if object.ParentId != nil {
			parent, ok := byId[*object.ParentId]
			if !ok {
				return "", errors.New("object tree is missing parent " + object.ParentId.String())
			}
			parentPath, err := pathOf(parent)
			if err != nil {
				return "", err
			}
			path = parentPath + "/" + object.Filename
		}
		paths[*object.Id] = path
		return path, nil
	}

	entries := make([]listEntry, 0, len(objects))
	for i := range objects {
		path, err := pathOf(&objects[i])
		if err != nil {
			return nil, err
		}
		key := path
		if objects[i].IsFolder() {
			key += "/"
		}
		entries = append(entries, listEntry{key: key, object: &objects[i]})
	}
	slices.SortFunc(entries, func(a, b listEntry) int {
		return strings.Compare(a.key, b.key)
	})
	return entries, nil
}

// groupListEntries applies prefix filtering, delimiter grouping and
// pagination over the sorted entries. Keys sharing a common prefix sort
// contiguously, so one pass with consecutive deduplication groups them.
func groupListEntries(entries []listEntry, opts storage.ListObjectsOptions) (*storage.ListBucketResult, error) {
	prefix := ptrutils.ValueOr(opts.Prefix, "")
	delimiter := ptrutils.ValueOr(opts.Delimiter, "")
	startAfter := ptrutils.ValueOr(opts.StartAfter, "")

	result := &storage.ListBucketResult{
		Objects:        []storage.Object{},
		CommonPrefixes: []string{},
	}
	lastEmitted := ""
	var count int32
	for _, entry := range entries {
		if !strings.HasPrefix(entry.key, prefix) {
			continue
		}
		if startAfter != "" {
			if entry.key <= startAfter {
				continue
			}
			// A continuation token naming a common prefix skips the
			// whole group it closed over.
			if delimiter != "" && strings.HasSuffix(startAfter, delimiter) && strings.HasPrefix(entry.key, startAfter) {
				continue
			}
		}

		emitKey := entry.key
		isCommonPrefix := false
		if delimiter != "" {
			rest := entry.key[len(prefix):]
			if idx := strings.Index(rest, delimiter); idx >= 0 {
				emitKey = prefix + rest[:idx+len(delimiter)]
				isCommonPrefix = true
			}
		}
		if isCommonPrefix && emitKey == lastEmitted {
			continue
		}

		if opts.MaxKeys > 0 && count >= opts.MaxKeys {
			result.IsTruncated = true
			result.NextContinuationToken = ptrutils.ToPtr(lastEmitted)
			return result, nil
		}

		if isCommonPrefix {
			result.CommonPrefixes = append(result.CommonPrefixes, emitKey)
		} else {
			key, err := storage.NewObjectKey(entry.key)
			if err != nil {
				return nil, err
			}
			result.Objects = append(result.Objects, *convertObject(entry.object, key))
		}
		lastEmitted = emitKey
		count++
	}
	return result, nil
}
