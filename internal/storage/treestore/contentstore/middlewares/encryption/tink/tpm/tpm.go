package tpm

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpm2/transport"
)

// aesKeyMaterial is the TPM-wrapped AES key persisted between runs.
// Both blobs are only loadable under the primary key of the same TPM.
type aesKeyMaterial struct {
	Private []byte `json:"private"`
	Public  []byte `json:"public"`
}

// AEAD implements tink.AEAD on top of a TPM-resident AES key.
// The key material never leaves the device.
type AEAD struct {
	mu            sync.Mutex
	tpmDevice     transport.TPMCloser
	primaryHandle tpm2.TPMHandle
	primaryName   tpm2.TPM2BName
	aesKeyHandle  tpm2.TPMHandle
	aesKeyName    tpm2.TPM2BName
	aesKeyPrivate tpm2.TPM2BPrivate
	aesKeyPublic  tpm2.TPM2BPublic
}

func isPersistentHandleFree(dev transport.TPM, handle tpm2.TPMHandle) (bool, error) {
	read := tpm2.ReadPublic{ObjectHandle: handle}
	_, err := read.Execute(dev)
	if err == nil {
		return false, nil
	}

	// TPM_RC_HANDLE means no object lives at this handle
	var tpmErr tpm2.TPMRC
	if errors.As(err, &tpmErr) && tpmErr == tpm2.TPMRCHandle {
		return true, nil
	}

	return false, fmt.Errorf("failed to check handle availability: %w", err)
}

// getOrCreatePersistentKey loads the RSA primary storage key at the given
// persistent handle, creating and persisting a fresh one when the handle is free.
func getOrCreatePersistentKey(dev transport.TPM, persistentHandle tpm2.TPMHandle) (tpm2.TPMHandle, tpm2.TPM2BName, error) {
	if persistentHandle < 0x81000000 || persistentHandle > 0x81FFFFFF {
		return 0, tpm2.TPM2BName{}, fmt.Errorf("handle 0x%08X not in persistent range (0x81000000-0x81FFFFFF)", persistentHandle)
	}

	isFree, err := isPersistentHandleFree(dev, persistentHandle)
	if err != nil {
		return 0, tpm2.TPM2BName{}, err
	}

	if !isFree {
		read := tpm2.ReadPublic{ObjectHandle: persistentHandle}
		pub, err := read.Execute(dev)
		if err != nil {
			return 0, tpm2.TPM2BName{}, fmt.Errorf("failed to read public area of existing key: %w", err)
		}

		publicArea, err := pub.OutPublic.Contents()
		if err != nil {
			return 0, tpm2.TPM2BName{}, fmt.Errorf("failed to parse public area: %w", err)
		}

		if publicArea.Type != tpm2.TPMAlgRSA {
			return 0, tpm2.TPM2BName{}, fmt.Errorf("existing key at 0x%08X is not an RSA key", persistentHandle)
		}
		attrs := publicArea.ObjectAttributes
		if !attrs.Decrypt || !attrs.Restricted {
			return 0, tpm2.TPM2BName{}, fmt.Errorf("existing key at 0x%08X is not a storage key (missing Decrypt or Restricted)", persistentHandle)
		}

		return persistentHandle, pub.Name, nil
	}

	createPrimaryCmd := tpm2.CreatePrimary{
		PrimaryHandle: tpm2.TPMRHOwner,
		InPublic:      tpm2.New2B(tpm2.RSASRKTemplate),
	}
	createPrimaryRsp, err := createPrimaryCmd.Execute(dev)
	if err != nil {
		return 0, tpm2.TPM2BName{}, fmt.Errorf("failed to create primary key: %w", err)
	}

	evictCmd := tpm2.EvictControl{
		Auth: tpm2.AuthHandle{
			Handle: tpm2.TPMRHOwner,
			Auth:   tpm2.PasswordAuth(nil),
		},
		ObjectHandle: &tpm2.NamedHandle{
			Handle: createPrimaryRsp.ObjectHandle,
			Name:   createPrimaryRsp.Name,
		},
		PersistentHandle: persistentHandle,
	}
	_, err = evictCmd.Execute(dev)
	if err != nil {
		flushCmd := tpm2.FlushContext{FlushHandle: createPrimaryRsp.ObjectHandle}
		flushCmd.Execute(dev)
		return 0, tpm2.TPM2BName{}, fmt.Errorf("failed to persist key: %w", err)
	}

	// EvictControl flushes the transient handle, the key now lives at the persistent handle
	return persistentHandle, createPrimaryRsp.Name, nil
}

// createAESKey creates an AES symmetric cipher key as a child of the primary key.
func createAESKey(dev transport.TPM, primaryHandle tpm2.TPMHandle, primaryName tpm2.TPM2BName) (tpm2.TPM2BPrivate, tpm2.TPM2BPublic, error) {
	createAES := tpm2.Create{
		ParentHandle: tpm2.NamedHandle{
			Handle: primaryHandle,
			Name:   primaryName,
		},
		InPublic: tpm2.New2B(tpm2.TPMTPublic{
			Type:    tpm2.TPMAlgSymCipher,
			NameAlg: tpm2.TPMAlgSHA256,
			ObjectAttributes: tpm2.TPMAObject{
				FixedTPM:            true,
				FixedParent:         true,
				UserWithAuth:        true,
				SensitiveDataOrigin: true,
				Decrypt:             true,
				SignEncrypt:         true,
			},
			Parameters: tpm2.NewTPMUPublicParms(
				tpm2.TPMAlgSymCipher,
				&tpm2.TPMSSymCipherParms{
					Sym: tpm2.TPMTSymDefObject{
						Algorithm: tpm2.TPMAlgAES,
						Mode:      tpm2.NewTPMUSymMode(tpm2.TPMAlgAES, tpm2.TPMAlgCFB),
						KeyBits:   tpm2.NewTPMUSymKeyBits(tpm2.TPMAlgAES, tpm2.TPMKeyBits(128)),
					},
				},
			),
		}),
	}

	createRsp, err := createAES.Execute(dev)
	if err != nil {
		return tpm2.TPM2BPrivate{}, tpm2.TPM2BPublic{}, fmt.Errorf("failed to create AES key: %w", err)
	}

	return createRsp.OutPrivate, createRsp.OutPublic, nil
}

func loadAESKey(dev transport.TPM, primaryHandle tpm2.TPMHandle, primaryName tpm2.TPM2BName, private tpm2.TPM2BPrivate, public tpm2.TPM2BPublic) (tpm2.TPMHandle, tpm2.TPM2BName, error) {
	loadAES := tpm2.Load{
		ParentHandle: tpm2.NamedHandle{
			Handle: primaryHandle,
			Name:   primaryName,
		},
		InPrivate: private,
		InPublic:  public,
	}

	loadRsp, err := loadAES.Execute(dev)
	if err != nil {
		return 0, tpm2.TPM2BName{}, fmt.Errorf("failed to load AES key: %w", err)
	}

	return loadRsp.ObjectHandle, loadRsp.Name, nil
}

func saveAESKeyMaterial(keyFilePath string, private tpm2.TPM2BPrivate, public tpm2.TPM2BPublic) error {
	keyMaterial := aesKeyMaterial{
		Private: tpm2.Marshal(private),
		Public:  tpm2.Marshal(public),
	}

	data, err := json.MarshalIndent(keyMaterial, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal key material: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(keyFilePath), 0700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}
	if err := os.WriteFile(keyFilePath, data, 0600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}

	return nil
}

func loadAESKeyMaterial(keyFilePath string) (*aesKeyMaterial, error) {
	data, err := os.ReadFile(keyFilePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	var keyMaterial aesKeyMaterial
	if err := json.Unmarshal(data, &keyMaterial); err != nil {
		return nil, fmt.Errorf("failed to unmarshal key material: %w", err)
	}

	return &keyMaterial, nil
}

// NewAEAD opens the TPM device and loads (or creates) the AES key under the
// RSA primary key at persistentHandle. The wrapped key material is persisted
// at keyFilePath so the same key survives restarts.
// On Linux tpmPath is the device, e.g. "/dev/tpmrm0"; on Windows it is ignored.
func NewAEAD(tpmPath string, persistentHandle uint32, keyFilePath string) (*AEAD, error) {
	tpmDevice, err := openTPMDevice(tpmPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open TPM: %w", err)
	}

	primaryHandle, primaryName, err := getOrCreatePersistentKey(tpmDevice, tpm2.TPMHandle(persistentHandle))
	if err != nil {
		tpmDevice.Close()
		return nil, fmt.Errorf("failed to get or create persistent primary key: %w", err)
	}

	var aesPrivate tpm2.TPM2BPrivate
	var aesPublic tpm2.TPM2BPublic

	keyMaterial, err := loadAESKeyMaterial(keyFilePath)
	if err != nil {
		tpmDevice.Close()
		return nil, err
	}

	if keyMaterial != nil {
		privatePtr, err := tpm2.Unmarshal[tpm2.TPM2BPrivate](keyMaterial.Private)
		if err != nil {
			tpmDevice.Close()
			return nil, fmt.Errorf("failed to unmarshal private key: %w", err)
		}
		aesPrivate = *privatePtr

		publicPtr, err := tpm2.Unmarshal[tpm2.TPM2BPublic](keyMaterial.Public)
		if err != nil {
			tpmDevice.Close()
			return nil, fmt.Errorf("failed to unmarshal public key: %w", err)
		}
		aesPublic = *publicPtr
	} else {
		aesPrivate, aesPublic, err = createAESKey(tpmDevice, primaryHandle, primaryName)
		if err != nil {
			tpmDevice.Close()
			return nil, err
		}

		if err := saveAESKeyMaterial(keyFilePath, aesPrivate, aesPublic); err != nil {
			tpmDevice.Close()
			return nil, err
		}
	}

	aesHandle, aesName, err := loadAESKey(tpmDevice, primaryHandle, primaryName, aesPrivate, aesPublic)
	if err != nil {
		tpmDevice.Close()
		return nil, err
	}

	return &AEAD{
		tpmDevice:     tpmDevice,
		primaryHandle: primaryHandle,
		primaryName:   primaryName,
		aesKeyHandle:  aesHandle,
		aesKeyName:    aesName,
		aesKeyPrivate: aesPrivate,
		aesKeyPublic:  aesPublic,
	}, nil
}

// Encrypt implements tink.AEAD. The ciphertext layout is [IV (16 bytes)][ciphertext].
func (t *AEAD) Encrypt(plaintext, associatedData []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	iv := make([]byte, 16)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("failed to generate IV: %w", err)
	}

	encryptCmd := tpm2.EncryptDecrypt2{
		KeyHandle: tpm2.AuthHandle{
			Handle: t.aesKeyHandle,
			Name:   t.aesKeyName,
			Auth:   tpm2.PasswordAuth([]byte("")),
		},
		Message: tpm2.TPM2BMaxBuffer{
			Buffer: plaintext,
		},
		Mode:    tpm2.TPMAlgCFB,
		Decrypt: false,
		IV: tpm2.TPM2BIV{
			Buffer: iv,
		},
	}

	encryptRsp, err := encryptCmd.Execute(t.tpmDevice)
	if err != nil {
		return nil, fmt.Errorf("TPM encryption failed: %w", err)
	}

	result := make([]byte, 16+len(encryptRsp.OutData.Buffer))
	copy(result[0:16], iv)
	copy(result[16:], encryptRsp.OutData.Buffer)

	return result, nil
}

// Decrypt implements tink.AEAD.
func (t *AEAD) Decrypt(ciphertext, associatedData []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(ciphertext) < 16 {
		return nil, fmt.Errorf("ciphertext too short")
	}

	iv := ciphertext[0:16]
	actualCiphertext := ciphertext[16:]

	decryptCmd := tpm2.EncryptDecrypt2{
		KeyHandle: tpm2.AuthHandle{
			Handle: t.aesKeyHandle,
			Name:   t.aesKeyName,
			Auth:   tpm2.PasswordAuth([]byte("")),
		},
		Message: tpm2.TPM2BMaxBuffer{
			Buffer: actualCiphertext,
		},
		Mode:    tpm2.TPMAlgCFB,
		Decrypt: true,
		IV: tpm2.TPM2BIV{
			Buffer: iv,
		},
	}

	decryptRsp, err := decryptCmd.Execute(t.tpmDevice)
	if err != nil {
		return nil, fmt.Errorf("TPM decryption failed: %w", err)
	}

	return decryptRsp.OutData.Buffer, nil
}

// Close flushes the transient AES key handle and closes the TPM device.
// The persistent primary key stays on the device.
func (t *AEAD) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.aesKeyHandle != 0 {
		flushCmd := tpm2.FlushContext{FlushHandle: t.aesKeyHandle}
		flushCmd.Execute(t.tpmDevice)
		t.aesKeyHandle = 0
	}
	return t.tpmDevice.Close()
}
