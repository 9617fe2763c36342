package archive

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/stackplane/stackplane-internal/internal/common/apperrors"
)

// FSStore keeps archives under a root directory, one file per object.
// Writes go to a temp file in the same directory and are renamed into
// place so a crashed write never leaves a half archive behind.
type FSStore struct {
	root string
}

func NewFSStore(root string) (*FSStore, apperrors.Error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, ErrArchive.MsgErr("unable to create archive root", err)
	}
	return &FSStore{root: root}, nil
}

func (s *FSStore) path(key string) (string, apperrors.Error) {
	clean := filepath.Clean(key)
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", ErrArchive.Msg("invalid archive key: " + key)
	}
	return filepath.Join(s.root, clean), nil
}

func (s *FSStore) Put(_ context.Context, key string, data []byte) (string, int64, apperrors.Error) {
	path, err := s.path(key)
	if err != nil {
		return "", 0, err
	}
	if ioErr := os.MkdirAll(filepath.Dir(path), 0o750); ioErr != nil {
		return "", 0, ErrArchive.MsgErr("unable to create archive directory", ioErr)
	}
	tmp, ioErr := os.CreateTemp(filepath.Dir(path), ".archive-*")
	if ioErr != nil {
		return "", 0, ErrArchive.MsgErr("unable to stage archive", ioErr)
	}
	tmpName := tmp.Name()
	if _, ioErr = tmp.Write(data); ioErr == nil {
		ioErr = tmp.Sync()
	}
	if closeErr := tmp.Close(); ioErr == nil {
		ioErr = closeErr
	}
	if ioErr != nil {
		os.Remove(tmpName)
		return "", 0, ErrArchive.MsgErr("unable to write archive", ioErr)
	}
	if ioErr = os.Rename(tmpName, path); ioErr != nil {
		os.Remove(tmpName)
		return "", 0, ErrArchive.MsgErr("unable to commit archive", ioErr)
	}
	// locations are root-relative keys so records survive a root move
	return key, int64(len(data)), nil
}

func (s *FSStore) Get(_ context.Context, location string) ([]byte, apperrors.Error) {
	path, perr := s.path(location)
	if perr != nil {
		return nil, perr
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrArchiveNotFound.Msg("archive object not found: " + location)
		}
		return nil, ErrArchive.MsgErr("unable to read archive", err)
	}
	return data, nil
}

func (s *FSStore) Delete(_ context.Context, location string) apperrors.Error {
	path, perr := s.path(location)
	if perr != nil {
		return perr
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return ErrArchive.MsgErr("unable to delete archive", err)
	}
	return nil
}
