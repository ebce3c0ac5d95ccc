package tink

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	aeadsubtle "github.com/google/tink/go/aead/subtle"
	"github.com/google/tink/go/integration/awskms"
	streamingaeadsubtle "github.com/google/tink/go/streamingaead/subtle"
	"github.com/google/tink/go/tink"
	"golang.org/x/crypto/scrypt"

	"github.com/avandras/cellar/internal/storage/treestore/contentstore"
	"github.com/avandras/cellar/internal/storage/treestore/contentstore/middlewares/encryption/tink/tpm"
)

const (
	// ContentHeaderVersion is the current version of the encrypted content header format.
	ContentHeaderVersion = 1

	KeyTypeAWS   = "aws"
	KeyTypeLocal = "local"
	KeyTypeTPM   = "tpm"
)

// ContentHeader is stored in front of each encrypted payload and carries
// the per-content DEK, encrypted with the master key.
type ContentHeader struct {
	Version      int    `json:"version"`
	KeyType      string `json:"keyType"`
	KeyURI       string `json:"keyURI"`
	EncryptedDEK []byte `json:"encryptedDEK"`
}

// Envelope encryption: every content gets its own DEK, the master AEAD
// only ever encrypts DEKs. DEKs are not bound to the content id, because
// renames move the ciphertext untouched.
type tinkEncryptionContentStoreMiddleware struct {
	masterAEAD        tink.AEAD
	masterKeyCloser   io.Closer
	innerContentStore contentstore.ContentStore
	keyType           string
	keyURI            string
}

var _ contentstore.ContentStore = (*tinkEncryptionContentStoreMiddleware)(nil)

// testKeyAvailability performs a small encrypt/decrypt roundtrip to verify the master key is usable.
func testKeyAvailability(aead tink.AEAD, kmsType string) error {
	testData := []byte("test")
	encrypted, err := aead.Encrypt(testData, nil)
	if err != nil {
		return fmt.Errorf("%s KMS key test failed - key may not be available: %w", kmsType, err)
	}
	decrypted, err := aead.Decrypt(encrypted, nil)
	if err != nil {
		return fmt.Errorf("%s KMS key test failed - decrypt error: %w", kmsType, err)
	}
	if string(decrypted) != string(testData) {
		return fmt.Errorf("%s KMS key test failed - data integrity check failed", kmsType)
	}
	return nil
}

// NewWithLocalKMS derives the master key from a password using scrypt.
func NewWithLocalKMS(password string, innerContentStore contentstore.ContentStore) (contentstore.ContentStore, error) {
	kekBytes, err := scrypt.Key([]byte(password), []byte("cellar"), 1<<16, 8, 1, 32)
	if err != nil {
		return nil, err
	}

	kekAEAD, err := aeadsubtle.NewAESGCM(kekBytes)
	if err != nil {
		return nil, err
	}

	return &tinkEncryptionContentStoreMiddleware{
		masterAEAD:        kekAEAD,
		innerContentStore: innerContentStore,
		keyType:           KeyTypeLocal,
		keyURI:            "",
	}, nil
}

// NewWithAWSKMS uses an AWS KMS key as the master key.
// keyURI: e.g. "aws-kms://arn:aws:kms:us-east-1:123456789012:key/12345678-1234-1234-1234-123456789012"
func NewWithAWSKMS(keyURI string, innerContentStore contentstore.ContentStore) (contentstore.ContentStore, error) {
	kmsClient, err := awskms.NewClient(keyURI)
	if err != nil {
		return nil, err
	}

	awsAEAD, err := kmsClient.GetAEAD(keyURI)
	if err != nil {
		return nil, err
	}

	if err := testKeyAvailability(awsAEAD, KeyTypeAWS); err != nil {
		return nil, err
	}

	return &tinkEncryptionContentStoreMiddleware{
		masterAEAD:        awsAEAD,
		innerContentStore: innerContentStore,
		keyType:           KeyTypeAWS,
		keyURI:            keyURI,
	}, nil
}

// NewWithTPM seals the master key in the machine's TPM. The key material
// file only holds TPM-wrapped blobs, the key itself never leaves the device.
func NewWithTPM(tpmPath string, persistentHandle uint32, keyFilePath string, innerContentStore contentstore.ContentStore) (contentstore.ContentStore, error) {
	tpmAEAD, err := tpm.NewAEAD(tpmPath, persistentHandle, keyFilePath)
	if err != nil {
		return nil, err
	}

	if err := testKeyAvailability(tpmAEAD, KeyTypeTPM); err != nil {
		tpmAEAD.Close()
		return nil, err
	}

	return &tinkEncryptionContentStoreMiddleware{
		masterAEAD:        tpmAEAD,
		masterKeyCloser:   tpmAEAD,
		innerContentStore: innerContentStore,
		keyType:           KeyTypeTPM,
		keyURI:            "",
	}, nil
}

func (mw *tinkEncryptionContentStoreMiddleware) Start(ctx context.Context) error {
	return mw.innerContentStore.Start(ctx)
}

func (mw *tinkEncryptionContentStoreMiddleware) Stop(ctx context.Context) error {
	err := mw.innerContentStore.Stop(ctx)
	if mw.masterKeyCloser != nil {
		closeErr := mw.masterKeyCloser.Close()
		if err == nil {
			err = closeErr
		}
	}
	return err
}

func (mw *tinkEncryptionContentStoreMiddleware) PutContent(ctx context.Context, tx *sql.Tx, contentId contentstore.ContentId, reader io.Reader) error {
	dek := make([]byte, 32)
	if _, err := rand.Read(dek); err != nil {
		return err
	}

	dekStreamingAEAD, err := streamingaeadsubtle.NewAESGCMHKDF(dek, "SHA256", 32, 4096, 0)
	if err != nil {
		return err
	}

	encryptedDEK, err := mw.masterAEAD.Encrypt(dek, nil)
	if err != nil {
		return err
	}

	header := ContentHeader{
		Version:      ContentHeaderVersion,
		KeyType:      mw.keyType,
		KeyURI:       mw.keyURI,
		EncryptedDEK: encryptedDEK,
	}

	headerBytes, err := json.Marshal(header)
	if err != nil {
		return err
	}

	// Pipe the framed header followed by the encrypted stream into the inner store.
	encryptReader, encryptWriter := io.Pipe()
	go func() {
		defer encryptWriter.Close()

		lengthBytes := make([]byte, 4)
		binary.BigEndian.PutUint32(lengthBytes, uint32(len(headerBytes)))
		if _, err := encryptWriter.Write(lengthBytes); err != nil {
			encryptWriter.CloseWithError(err)
			return
		}

		if _, err := encryptWriter.Write(headerBytes); err != nil {
			encryptWriter.CloseWithError(err)
			return
		}

		streamWriter, err := dekStreamingAEAD.NewEncryptingWriter(encryptWriter, nil)
		if err != nil {
			encryptWriter.CloseWithError(err)
			return
		}

		if _, err := io.Copy(streamWriter, reader); err != nil {
			encryptWriter.CloseWithError(err)
			return
		}

		if err := streamWriter.Close(); err != nil {
			encryptWriter.CloseWithError(err)
			return
		}
	}()

	return mw.innerContentStore.PutContent(ctx, tx, contentId, encryptReader)
}

func (mw *tinkEncryptionContentStoreMiddleware) GetContent(ctx context.Context, tx *sql.Tx, contentId contentstore.ContentId) (io.ReadCloser, error) {
	rc, err := mw.innerContentStore.GetContent(ctx, tx, contentId)
	if err != nil {
		return nil, err
	}

	lengthBytes := make([]byte, 4)
	if _, err := io.ReadFull(rc, lengthBytes); err != nil {
		rc.Close()
		return nil, err
	}
	headerLen := binary.BigEndian.Uint32(lengthBytes)

	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(rc, headerBytes); err != nil {
		rc.Close()
		return nil, err
	}

	var header ContentHeader
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		rc.Close()
		return nil, err
	}

	if header.Version != ContentHeaderVersion {
		rc.Close()
		return nil, fmt.Errorf("unsupported content header version %d", header.Version)
	}

	dek, err := mw.masterAEAD.Decrypt(header.EncryptedDEK, nil)
	if err != nil {
		rc.Close()
		return nil, err
	}

	dekStreamingAEAD, err := streamingaeadsubtle.NewAESGCMHKDF(dek, "SHA256", 32, 4096, 0)
	if err != nil {
		rc.Close()
		return nil, err
	}

	decryptingReader, err := dekStreamingAEAD.NewDecryptingReader(rc, nil)
	if err != nil {
		rc.Close()
		return nil, err
	}

	return &compositeReadCloser{decryptingReader, rc}, nil
}

// compositeReadCloser combines a Reader with the Closer of the underlying stream.
type compositeReadCloser struct {
	io.Reader
	closer io.Closer
}

func (c *compositeReadCloser) Close() error {
	return c.closer.Close()
}

func (mw *tinkEncryptionContentStoreMiddleware) GetContentIds(ctx context.Context, tx *sql.Tx) ([]contentstore.ContentId, error) {
	return mw.innerContentStore.GetContentIds(ctx, tx)
}

func (mw *tinkEncryptionContentStoreMiddleware) RenameContent(ctx context.Context, tx *sql.Tx, oldContentId contentstore.ContentId, newContentId contentstore.ContentId) error {
	return mw.innerContentStore.RenameContent(ctx, tx, oldContentId, newContentId)
}

func (mw *tinkEncryptionContentStoreMiddleware) DeleteContent(ctx context.Context, tx *sql.Tx, contentId contentstore.ContentId) error {
	return mw.innerContentStore.DeleteContent(ctx, tx, contentId)
}
