package storage

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

var ErrInvalidObjectKey = errors.New("invalid object key")

// ObjectKey represents a validated S3 object key.
type ObjectKey struct {
	value string
}

// NewObjectKey creates a validated ObjectKey.
// Object keys must be between 1 and 1024 bytes of valid UTF-8,
// must not start with "/" and must not contain empty path segments.
// A single trailing "/" is allowed and marks a folder key.
func NewObjectKey(key string) (ObjectKey, error) {
	if err := validateObjectKey(key); err != nil {
		return ObjectKey{}, err
	}
	return ObjectKey{value: key}, nil
}

// MustNewObjectKey creates an ObjectKey and panics if validation fails.
// Use only in tests or with known-valid constants.
func MustNewObjectKey(key string) ObjectKey {
	objectKey, err := NewObjectKey(key)
	if err != nil {
		panic(fmt.Sprintf("invalid object key %q: %v", key, err))
	}
	return objectKey
}

// String returns the object key as a string.
func (ok ObjectKey) String() string {
	return ok.value
}

// Equals checks if two object keys are equal.
func (ok ObjectKey) Equals(other ObjectKey) bool {
	return ok.value == other.value
}

// IsEmpty checks if the object key is empty (zero value).
func (ok ObjectKey) IsEmpty() bool {
	return ok.value == ""
}

// IsFolderKey reports whether the key ends with "/" and
// therefore addresses a folder rather than a file.
func (ok ObjectKey) IsFolderKey() bool {
	return strings.HasSuffix(ok.value, "/")
}

// Segments splits the key into its path segments.
// A trailing "/" does not produce an empty final segment.
func (ok ObjectKey) Segments() []string {
	trimmed := strings.TrimSuffix(ok.value, "/")
	if trimmed == "" {
		return []string{}
	}
	return strings.Split(trimmed, "/")
}

func validateObjectKey(key string) error {
	if len(key) < 1 || len(key) > 1024 {
		return fmt.Errorf("%w: object key must be between 1 and 1024 bytes long", ErrInvalidObjectKey)
	}
	if !utf8.ValidString(key) {
		return fmt.Errorf("%w: object key must be valid UTF-8", ErrInvalidObjectKey)
	}
	if strings.HasPrefix(key, "/") {
		return fmt.Errorf("%w: object key cannot start with a slash", ErrInvalidObjectKey)
	}
	segments := strings.Split(strings.TrimSuffix(key, "/"), "/")
	for _, segment := range segments {
		if segment == "" {
			return fmt.Errorf("%w: object key cannot contain empty path segments", ErrInvalidObjectKey)
		}
	}
	return nil
}
