package metadatastore

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
)

// BucketName is a value object holding a name that satisfies the AWS S3
// bucket naming rules. Bucket names are globally unique across owners.
type BucketName struct {
	value string
}

// ErrInvalidBucketName is returned when a bucket name violates S3 naming rules
var ErrInvalidBucketName = errors.New("invalid bucket name")

var (
	// Must start and end with lowercase letter or number,
	// may contain lowercase letters, numbers, hyphens, and dots
	bucketNameRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]*[a-z0-9]$`)

	// Each label (segment between dots) must start and end
	// with lowercase letter or number
	labelRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*[a-z0-9]$`)

	singleCharLabelRegex = regexp.MustCompile(`^[a-z0-9]$`)
)

// NewBucketName validates name against the S3 naming rules and wraps it.
func NewBucketName(name string) (BucketName, error) {
	if err := validateBucketName(name); err != nil {
		return BucketName{}, fmt.Errorf("%w: %v", ErrInvalidBucketName, err)
	}
	return BucketName{value: name}, nil
}

// MustNewBucketName panics if the name is invalid. Use it only with
// hardcoded values, e.g. in tests.
func MustNewBucketName(name string) BucketName {
	bn, err := NewBucketName(name)
	if err != nil {
		panic(err)
	}
	return bn
}

func (bn BucketName) String() string {
	return bn.value
}

func (bn BucketName) Equals(other BucketName) bool {
	return bn.value == other.value
}

// IsEmpty returns true if the BucketName is the zero value.
func (bn BucketName) IsEmpty() bool {
	return bn.value == ""
}

func validateBucketName(name string) error {
	if len(name) < 3 || len(name) > 63 {
		return errors.New("bucket name must be between 3 and 63 characters long")
	}

	if !bucketNameRegex.MatchString(name) {
		return errors.New("bucket name must contain only lowercase letters, numbers, dots, and hyphens, and must start and end with a letter or number")
	}

	if net.ParseIP(name) != nil {
		return errors.New("bucket name must not be formatted as an IP address")
	}

	if strings.HasPrefix(name, "xn--") {
		return errors.New("bucket name must not start with 'xn--'")
	}
	if strings.HasPrefix(name, "sthree-") {
		return errors.New("bucket name must not start with 'sthree-'")
	}

	if strings.HasSuffix(name, "-s3alias") || strings.HasSuffix(name, "--ol-s3") {
		return errors.New("bucket name must not end with '-s3alias' or '--ol-s3'")
	}

	if strings.Contains(name, "--") {
		return errors.New("bucket name must not contain consecutive hyphens")
	}

	if strings.Contains(name, ".-") || strings.Contains(name, "-.") {
		return errors.New("bucket name must not have dots adjacent to hyphens")
	}

	if strings.Contains(name, ".") {
		for _, label := range strings.Split(name, ".") {
			if len(label) == 0 {
				return errors.New("bucket name must not contain consecutive dots")
			}
			if len(label) == 1 {
				if !singleCharLabelRegex.MatchString(label) {
					return errors.New("each label must contain only lowercase letters, numbers, and hyphens")
				}
			} else if !labelRegex.MatchString(label) {
				return errors.New("each label must start and end with a lowercase letter or number")
			}
		}
	}

	return nil
}
