package storage

import (
	"testing"

	"github.com/avandras/cellar/internal/ptrutils"
	testutils "github.com/avandras/cellar/internal/testing"
	"github.com/stretchr/testify/assert"
)

func TestNormalizeByteRange(t *testing.T) {
	testutils.SkipIfIntegration(t)

	size := int64(13)

	t.Run("nil range selects the whole object", func(t *testing.T) {
		start, end, err := NormalizeByteRange(nil, size)
		assert.Nil(t, err)
		assert.Equal(t, int64(0), start)
		assert.Equal(t, size, end)

		start, end, err = NormalizeByteRange(&ByteRange{}, size)
		assert.Nil(t, err)
		assert.Equal(t, int64(0), start)
		assert.Equal(t, size, end)
	})

	t.Run("absolute range is clamped to the object size", func(t *testing.T) {
		start, end, err := NormalizeByteRange(&ByteRange{Start: ptrutils.ToPtr(int64(1)), End: ptrutils.ToPtr(int64(5))}, size)
		assert.Nil(t, err)
		assert.Equal(t, int64(1), start)
		assert.Equal(t, int64(5), end)

		start, end, err = NormalizeByteRange(&ByteRange{Start: ptrutils.ToPtr(int64(1)), End: ptrutils.ToPtr(int64(100))}, size)
		assert.Nil(t, err)
		assert.Equal(t, int64(1), start)
		assert.Equal(t, size, end)
	})

	t.Run("open-ended range runs to the end", func(t *testing.T) {
		start, end, err := NormalizeByteRange(&ByteRange{Start: ptrutils.ToPtr(int64(7))}, size)
		assert.Nil(t, err)
		assert.Equal(t, int64(7), start)
		assert.Equal(t, size, end)
	})

	t.Run("suffix range selects the last n bytes", func(t *testing.T) {
		start, end, err := NormalizeByteRange(&ByteRange{End: ptrutils.ToPtr(int64(6))}, size)
		assert.Nil(t, err)
		assert.Equal(t, int64(7), start)
		assert.Equal(t, size, end)

		// a suffix longer than the object selects the whole object
		start, end, err = NormalizeByteRange(&ByteRange{End: ptrutils.ToPtr(int64(100))}, size)
		assert.Nil(t, err)
		assert.Equal(t, int64(0), start)
		assert.Equal(t, size, end)
	})

	t.Run("unsatisfiable ranges are rejected", func(t *testing.T) {
		for _, byteRange := range []*ByteRange{
			{Start: ptrutils.ToPtr(int64(13))},
			{Start: ptrutils.ToPtr(int64(100))},
			{Start: ptrutils.ToPtr(int64(-1))},
			{Start: ptrutils.ToPtr(int64(5)), End: ptrutils.ToPtr(int64(5))},
			{Start: ptrutils.ToPtr(int64(5)), End: ptrutils.ToPtr(int64(3))},
			{End: ptrutils.ToPtr(int64(0))},
			{End: ptrutils.ToPtr(int64(-6))},
		} {
			_, _, err := NormalizeByteRange(byteRange, size)
			assert.ErrorIs(t, err, ErrInvalidRange)
		}
	})
}

func TestNewObjectKey(t *testing.T) {
	testutils.SkipIfIntegration(t)

	for _, valid := range []string{
		"a",
		"my/test/key/hello_world.txt",
		"folder/",
		"exactly one segment with spaces",
	} {
		key, err := NewObjectKey(valid)
		assert.Nil(t, err, "key %q", valid)
		assert.Equal(t, valid, key.String())
	}

	for _, invalid := range []string{
		"",
		"/leading/slash",
		"double//slash",
		string(make([]byte, 1025)),
		"not\xffutf8",
	} {
		_, err := NewObjectKey(invalid)
		assert.ErrorIs(t, err, ErrInvalidObjectKey, "key %q", invalid)
	}
}

func TestObjectKeySegments(t *testing.T) {
	testutils.SkipIfIntegration(t)

	assert.Equal(t, []string{"a", "b", "c"}, MustNewObjectKey("a/b/c").Segments())
	assert.Equal(t, []string{"a", "b"}, MustNewObjectKey("a/b/").Segments())
	assert.True(t, MustNewObjectKey("a/b/").IsFolderKey())
	assert.False(t, MustNewObjectKey("a/b").IsFolderKey())
}

func TestNewBucketName(t *testing.T) {
	testutils.SkipIfIntegration(t)

	for _, valid := range []string{"abc", "my-bucket", "bucket.with.dots", "bucket123"} {
		bucketName, err := NewBucketName(valid)
		assert.Nil(t, err, "name %q", valid)
		assert.Equal(t, valid, bucketName.String())
	}

	for _, invalid := range []string{
		"ab",
		"UPPERCASE",
		"ends-with-hyphen-",
		"double--hyphen",
		"192.168.0.1",
		"xn--punycode",
	} {
		_, err := NewBucketName(invalid)
		assert.ErrorIs(t, err, ErrInvalidBucketName, "name %q", invalid)
	}
}

func TestNewUploadId(t *testing.T) {
	testutils.SkipIfIntegration(t)

	generated := NewRandomUploadId()
	assert.False(t, generated.IsEmpty())

	parsed, err := NewUploadId(generated.String())
	assert.Nil(t, err)
	assert.True(t, parsed.Equals(generated))

	for _, invalid := range []string{"", "not-a-ulid", "01HXERPYVJ9AGVDB4WJADJCVY"} {
		_, err := NewUploadId(invalid)
		assert.ErrorIs(t, err, ErrInvalidUploadId, "uploadId %q", invalid)
	}
}

func TestParseBucketAccess(t *testing.T) {
	testutils.SkipIfIntegration(t)

	for _, access := range []string{"private", "public-read", "public-write"} {
		parsed, err := ParseBucketAccess(access)
		assert.Nil(t, err)
		assert.Equal(t, access, string(parsed))
	}

	_, err := ParseBucketAccess("authenticated-read")
	assert.ErrorIs(t, err, ErrInvalidBucketAccess)
}
