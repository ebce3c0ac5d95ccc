package sftp

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"io/fs"
	"os"
	"path"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/avandras/cellar/internal/lifecycle"
	"github.com/avandras/cellar/internal/storage/treestore/contentstore"
)

const maxSftpRetries = 3
const waitDurationBeforeRetry = 3 * time.Second

type sftpContentStore struct {
	*lifecycle.ValidatedLifecycle
	addr         string
	clientConfig *ssh.ClientConfig
	root         string
	client       *sftp.Client
}

var _ contentstore.ContentStore = (*sftpContentStore)(nil)

func (cs *sftpContentStore) ensureRootDir() error {
	_, err := doRetriableOperation(func() (*struct{}, error) {
		return nil, cs.client.MkdirAll(cs.root)
	}, maxSftpRetries, cs.reconnectSftpClient)
	return err
}

func (cs *sftpContentStore) getFilename(contentId contentstore.ContentId) string {
	return path.Join(cs.root, contentId)
}

func (cs *sftpContentStore) reconnectSftpClient() error {
	if cs.client != nil {
		// If we have a retry wait a couple of seconds before continuing
		time.Sleep(waitDurationBeforeRetry)
		cs.client.Close()
	}

	client, err := ssh.Dial("tcp", cs.addr, cs.clientConfig)
	if err != nil {
		return err
	}

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		client.Close()
		return err
	}
	cs.client = sftpClient
	return nil
}

func doRetriableOperation[T any](op func() (T, error), maxRetries int, preRetry func() error) (T, error) {
	retries := 0
	var empty T
	for {
		t, err := op()
		if err != nil {
			retries += 1
			if retries < maxRetries {
				err = preRetry()
				if err != nil {
					return empty, err
				}
				continue
			}
			return empty, err
		}
		return t, nil
	}
}

func New(addr string, clientConfig *ssh.ClientConfig, root string) (contentstore.ContentStore, error) {
	validatedLifecycle, err := lifecycle.NewValidatedLifecycle("sftpContentStore")
	if err != nil {
		return nil, err
	}
	cs := &sftpContentStore{
		ValidatedLifecycle: validatedLifecycle,
		addr:               addr,
		clientConfig:       clientConfig,
		root:               root,
		client:             nil,
	}

	err = cs.reconnectSftpClient()
	if err != nil {
		return nil, err
	}

	err = cs.ensureRootDir()
	if err != nil {
		return nil, err
	}
	return cs, nil
}

func (cs *sftpContentStore) Stop(ctx context.Context) error {
	if err := cs.ValidatedLifecycle.Stop(ctx); err != nil {
		return err
	}
	return cs.client.Close()
}

func (cs *sftpContentStore) PutContent(ctx context.Context, tx *sql.Tx, contentId contentstore.ContentId, reader io.Reader) error {
	filename := cs.getFilename(contentId)
	_, err := doRetriableOperation(func() (*struct{}, error) {
		return nil, cs.client.MkdirAll(path.Dir(filename))
	}, maxSftpRetries, cs.reconnectSftpClient)
	if err != nil {
		return err
	}
	f, err := doRetriableOperation(func() (*sftp.File, error) {
		return cs.client.OpenFile(filename, os.O_CREATE|os.O_TRUNC|os.O_WRONLY)
	}, maxSftpRetries, cs.reconnectSftpClient)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(f, reader)
	if err != nil {
		return err
	}
	return nil
}

func (cs *sftpContentStore) GetContent(ctx context.Context, tx *sql.Tx, contentId contentstore.ContentId) (io.ReadCloser, error) {
	filename := cs.getFilename(contentId)
	f, err := doRetriableOperation(func() (*sftp.File, error) {
		return cs.client.OpenFile(filename, os.O_RDONLY)
	}, maxSftpRetries, cs.reconnectSftpClient)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, contentstore.ErrContentNotFound
		}
		return nil, err
	}
	return f, err
}

func (cs *sftpContentStore) GetContentIds(ctx context.Context, tx *sql.Tx) ([]contentstore.ContentId, error) {
	dirEntries, err := doRetriableOperation(func() ([]os.FileInfo, error) {
		return cs.client.ReadDir(cs.root)
	}, maxSftpRetries, cs.reconnectSftpClient)
	if err != nil {
		return nil, err
	}
	contentIds := []contentstore.ContentId{}
	for _, dirEntry := range dirEntries {
		if !dirEntry.IsDir() {
			continue
		}
		prefix := dirEntry.Name()
		fileEntries, err := doRetriableOperation(func() ([]os.FileInfo, error) {
			return cs.client.ReadDir(path.Join(cs.root, prefix))
		}, maxSftpRetries, cs.reconnectSftpClient)
		if err != nil {
			return nil, err
		}
		for _, fileEntry := range fileEntries {
			if fileEntry.IsDir() {
				continue
			}
			contentIds = append(contentIds, prefix+"/"+fileEntry.Name())
		}
	}
	return contentIds, nil
}

func (cs *sftpContentStore) RenameContent(ctx context.Context, tx *sql.Tx, oldContentId contentstore.ContentId, newContentId contentstore.ContentId) error {
	oldFilename := cs.getFilename(oldContentId)
	newFilename := cs.getFilename(newContentId)
	_, err := doRetriableOperation(func() (*struct{}, error) {
		return nil, cs.client.MkdirAll(path.Dir(newFilename))
	}, maxSftpRetries, cs.reconnectSftpClient)
	if err != nil {
		return err
	}
	// PosixRename replaces an existing target, plain Rename does not on most servers.
	_, err = doRetriableOperation(func() (*struct{}, error) {
		return nil, cs.client.PosixRename(oldFilename, newFilename)
	}, maxSftpRetries, cs.reconnectSftpClient)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return contentstore.ErrContentNotFound
		}
		return err
	}
	return nil
}

func (cs *sftpContentStore) DeleteContent(ctx context.Context, tx *sql.Tx, contentId contentstore.ContentId) error {
	filename := cs.getFilename(contentId)
	_, err := doRetriableOperation(func() (*struct{}, error) {
		return nil, cs.client.Remove(filename)
	}, maxSftpRetries, cs.reconnectSftpClient)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// The file didn't exist
			return nil
		}
		return err
	}
	return nil
}
