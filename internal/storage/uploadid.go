package storage

import (
	"errors"
	"fmt"

	"github.com/oklog/ulid/v2"
)

var ErrInvalidUploadId = errors.New("invalid upload id")

// UploadId identifies a multipart upload session.
type UploadId struct {
	value string
}

// NewUploadId parses an upload id received from a client.
func NewUploadId(uploadId string) (UploadId, error) {
	_, err := ulid.ParseStrict(uploadId)
	if err != nil {
		return UploadId{}, fmt.Errorf("%w: %v", ErrInvalidUploadId, err)
	}
	return UploadId{value: uploadId}, nil
}

// NewRandomUploadId generates a fresh upload id.
func NewRandomUploadId() UploadId {
	return UploadId{value: ulid.Make().String()}
}

// String returns the upload id as a string.
func (ui UploadId) String() string {
	return ui.value
}

// Equals checks if two upload ids are equal.
func (ui UploadId) Equals(other UploadId) bool {
	return ui.value == other.value
}

// IsEmpty checks if the upload id is empty (zero value).
func (ui UploadId) IsEmpty() bool {
	return ui.value == ""
}
