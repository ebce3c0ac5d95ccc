package checksumutils

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
)

// CalculateETagStreaming tees the reader through an md5 hash while
// doRead consumes it, so content is hashed and stored in one pass.
// Returns the byte count and the quoted hex ETag.
func CalculateETagStreaming(ctx context.Context, reader io.Reader, doRead func(reader io.Reader) error) (int64, string, error) {
	tracer := otel.Tracer("internal/checksumutils")
	_, span := tracer.Start(ctx, "CalculateETagStreaming")
	defer span.End()

	hash := md5.New()
	countingReader := &countingReader{reader: io.TeeReader(reader, hash)}
	err := doRead(countingReader)
	if err != nil {
		return 0, "", err
	}
	etag := "\"" + hex.EncodeToString(hash.Sum(nil)) + "\""
	return countingReader.count, etag, nil
}

type countingReader struct {
	reader io.Reader
	count  int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.reader.Read(p)
	cr.count += int64(n)
	return n, err
}

// CombineETags derives the multipart ETag: the md5 over the
// concatenated binary part digests, suffixed with the part count.
func CombineETags(partETags []string) (string, error) {
	hash := md5.New()
	for _, partETag := range partETags {
		etag := strings.Trim(partETag, "\"")
		etagBytes, err := hex.DecodeString(etag)
		if err != nil {
			return "", fmt.Errorf("failed to decode part etag: %v", err)
		}
		hash.Write(etagBytes)
	}
	combined := "\"" + hex.EncodeToString(hash.Sum(nil)) + "-" + strconv.Itoa(len(partETags)) + "\""
	return combined, nil
}

func Sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
