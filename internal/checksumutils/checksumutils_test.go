package checksumutils

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCalculateETagStreaming(t *testing.T) {
	content := []byte("hello world")
	var stored bytes.Buffer
	size, etag, err := CalculateETagStreaming(context.Background(), bytes.NewReader(content), func(reader io.Reader) error {
		_, err := io.Copy(&stored, reader)
		return err
	})
	assert.Nil(t, err)
	assert.Equal(t, int64(len(content)), size)
	assert.Equal(t, content, stored.Bytes())
	// md5("hello world")
	assert.Equal(t, "\"5eb63bbbe01eeed093cb22bb8f5acdc3\"", etag)
}

func TestCombineETags(t *testing.T) {
	combined, err := CombineETags([]string{
		"\"5eb63bbbe01eeed093cb22bb8f5acdc3\"",
		"5eb63bbbe01eeed093cb22bb8f5acdc3",
	})
	assert.Nil(t, err)
	assert.True(t, len(combined) > 2)
	assert.Contains(t, combined, "-2")
}

func TestCombineETagsRejectsMalformedPartETag(t *testing.T) {
	_, err := CombineETags([]string{"not-hex"})
	assert.NotNil(t, err)
}

func TestSha256Hex(t *testing.T) {
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", Sha256Hex([]byte{}))
}
