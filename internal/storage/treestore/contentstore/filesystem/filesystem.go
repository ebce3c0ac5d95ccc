package filesystem

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"

	"github.com/avandras/cellar/internal/lifecycle"
	"github.com/avandras/cellar/internal/storage/treestore/contentstore"
)

type filesystemContentStore struct {
	*lifecycle.ValidatedLifecycle
	root string
}

var _ contentstore.ContentStore = (*filesystemContentStore)(nil)

func (cs *filesystemContentStore) ensureRootDir() error {
	err := os.MkdirAll(cs.root, os.ModePerm)
	return err
}

func (cs *filesystemContentStore) getFilename(contentId contentstore.ContentId) string {
	return filepath.Join(cs.root, filepath.FromSlash(contentId))
}

func New(root string) (contentstore.ContentStore, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	validatedLifecycle, err := lifecycle.NewValidatedLifecycle("filesystemContentStore")
	if err != nil {
		return nil, err
	}
	cs := &filesystemContentStore{
		ValidatedLifecycle: validatedLifecycle,
		root:               root,
	}
	return cs, nil
}

func (cs *filesystemContentStore) Start(ctx context.Context) error {
	if err := cs.ValidatedLifecycle.Start(ctx); err != nil {
		return err
	}
	return cs.ensureRootDir()
}

func (cs *filesystemContentStore) PutContent(ctx context.Context, tx *sql.Tx, contentId contentstore.ContentId, reader io.Reader) error {
	filename := cs.getFilename(contentId)

	err := os.MkdirAll(filepath.Dir(filename), os.ModePerm)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
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

func (cs *filesystemContentStore) GetContent(ctx context.Context, tx *sql.Tx, contentId contentstore.ContentId) (io.ReadCloser, error) {
	filename := cs.getFilename(contentId)
	f, err := os.OpenFile(filename, os.O_RDONLY, 0o600)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, contentstore.ErrContentNotFound
		}
		return nil, err
	}
	return f, err
}

func (cs *filesystemContentStore) GetContentIds(ctx context.Context, tx *sql.Tx) ([]contentstore.ContentId, error) {
	contentIds := []contentstore.ContentId{}
	err := filepath.WalkDir(cs.root, func(path string, dirEntry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if dirEntry.IsDir() {
			return nil
		}
		relativePath, err := filepath.Rel(cs.root, path)
		if err != nil {
			return err
		}
		contentIds = append(contentIds, filepath.ToSlash(relativePath))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return contentIds, nil
}

func (cs *filesystemContentStore) RenameContent(ctx context.Context, tx *sql.Tx, oldContentId contentstore.ContentId, newContentId contentstore.ContentId) error {
	oldFilename := cs.getFilename(oldContentId)
	newFilename := cs.getFilename(newContentId)

	err := os.MkdirAll(filepath.Dir(newFilename), os.ModePerm)
	if err != nil {
		return err
	}
	err = os.Rename(oldFilename, newFilename)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return contentstore.ErrContentNotFound
		}
		return err
	}
	return nil
}

func (cs *filesystemContentStore) DeleteContent(ctx context.Context, tx *sql.Tx, contentId contentstore.ContentId) error {
	filename := cs.getFilename(contentId)
	err := os.Remove(filename)
	if err != nil {
		e, ok := err.(*os.PathError)
		if ok && e.Err == syscall.ENOENT {
			// The file didn't exist
		} else {
			return err
		}
	}
	return nil
}
