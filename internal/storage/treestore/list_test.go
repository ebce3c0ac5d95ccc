package treestore

import (
	"context"
	"testing"

	"github.com/avandras/cellar/internal/ptrutils"
	"github.com/avandras/cellar/internal/storage"
	"github.com/avandras/cellar/internal/storage/treestore/sessionstore"
	"github.com/stretchr/testify/assert"
)

func listedKeys(result *storage.ListBucketResult) []string {
	keys := make([]string, 0, len(result.Objects))
	for _, object := range result.Objects {
		keys = append(keys, object.Key.String())
	}
	return keys
}

func TestListObjects(t *testing.T) {
	h := newTestHarness(t, sessionstore.DefaultUploadSessionTtl)
	ctx := context.Background()
	owner := createTestUser(t, h, "lister", -1)
	bucketName := createTestBucket(t, h, owner, "list-bucket", -1, 0)

	putTestObject(t, h, bucketName, "a.txt", nil, "a")
	putTestObject(t, h, bucketName, "dir/one.txt", nil, "one")
	putTestObject(t, h, bucketName, "dir/sub/deep.txt", nil, "deep")
	putTestObject(t, h, bucketName, "dir/two.txt", nil, "two")
	putTestObject(t, h, bucketName, "zeta", nil, "z")

	// A flat listing shows files and folder markers in key order.
	result, err := h.storage.ListObjects(ctx, bucketName, storage.ListObjectsOptions{})
	assert.Nil(t, err)
	assert.Equal(t, []string{
		"a.txt",
		"dir/",
		"dir/one.txt",
		"dir/sub/",
		"dir/sub/deep.txt",
		"dir/two.txt",
		"zeta",
	}, listedKeys(result))
	assert.Empty(t, result.CommonPrefixes)
	assert.False(t, result.IsTruncated)

	result, err = h.storage.ListObjects(ctx, bucketName, storage.ListObjectsOptions{
		Delimiter: ptrutils.ToPtr("/"),
	})
	assert.Nil(t, err)
	assert.Equal(t, []string{"a.txt", "zeta"}, listedKeys(result))
	assert.Equal(t, []string{"dir/"}, result.CommonPrefixes)

	result, err = h.storage.ListObjects(ctx, bucketName, storage.ListObjectsOptions{
		Prefix:    ptrutils.ToPtr("dir/"),
		Delimiter: ptrutils.ToPtr("/"),
	})
	assert.Nil(t, err)
	assert.Equal(t, []string{"dir/", "dir/one.txt", "dir/two.txt"}, listedKeys(result))
	assert.Equal(t, []string{"dir/sub/"}, result.CommonPrefixes)

	result, err = h.storage.ListObjects(ctx, bucketName, storage.ListObjectsOptions{
		Prefix:     ptrutils.ToPtr("dir/"),
		StartAfter: ptrutils.ToPtr("dir/one.txt"),
	})
	assert.Nil(t, err)
	assert.Equal(t, []string{"dir/sub/", "dir/sub/deep.txt", "dir/two.txt"}, listedKeys(result))
}

func TestListObjectsPagination(t *testing.T) {
	h := newTestHarness(t, sessionstore.DefaultUploadSessionTtl)
	ctx := context.Background()
	owner := createTestUser(t, h, "pager", -1)
	bucketName := createTestBucket(t, h, owner, "page-bucket", -1, 0)

	putTestObject(t, h, bucketName, "a.txt", nil, "a")
	putTestObject(t, h, bucketName, "dir/one.txt", nil, "one")
	putTestObject(t, h, bucketName, "dir/two.txt", nil, "two")
	putTestObject(t, h, bucketName, "zeta", nil, "z")

	// Common prefixes count against MaxKeys like objects do.
	firstPage, err := h.storage.ListObjects(ctx, bucketName, storage.ListObjectsOptions{
		Delimiter: ptrutils.ToPtr("/"),
		MaxKeys:   2,
	})
	assert.Nil(t, err)
	assert.Equal(t, []string{"a.txt"}, listedKeys(firstPage))
	assert.Equal(t, []string{"dir/"}, firstPage.CommonPrefixes)
	assert.True(t, firstPage.IsTruncated)
	assert.Equal(t, "dir/", *firstPage.NextContinuationToken)

	// Continuing from a common prefix skips the group it closed over.
	secondPage, err := h.storage.ListObjects(ctx, bucketName, storage.ListObjectsOptions{
		Delimiter:  ptrutils.ToPtr("/"),
		MaxKeys:    2,
		StartAfter: firstPage.NextContinuationToken,
	})
	assert.Nil(t, err)
	assert.Equal(t, []string{"zeta"}, listedKeys(secondPage))
	assert.Empty(t, secondPage.CommonPrefixes)
	assert.False(t, secondPage.IsTruncated)

	// Flat pagination walks every node exactly once.
	collected := []string{}
	var startAfter *string
	for {
		page, err := h.storage.ListObjects(ctx, bucketName, storage.ListObjectsOptions{
			MaxKeys:    2,
			StartAfter: startAfter,
		})
		assert.Nil(t, err)
		collected = append(collected, listedKeys(page)...)
		if !page.IsTruncated {
			break
		}
		startAfter = page.NextContinuationToken
	}
	assert.Equal(t, []string{
		"a.txt",
		"dir/",
		"dir/one.txt",
		"dir/two.txt",
		"zeta",
	}, collected)

	all, err := storage.ListAllObjectsOfBucket(ctx, h.storage, bucketName)
	assert.Nil(t, err)
	assert.Len(t, all, 5)
}
