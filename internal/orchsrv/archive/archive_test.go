package archive

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFSStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := NewFSStore(t.TempDir())
	require.Nil(t, err)

	loc, size, err := s.Put(ctx, "t1/backup-1.tar.sz", []byte("archive payload"))
	require.Nil(t, err)
	require.Equal(t, int64(len("archive payload")), size)

	data, err := s.Get(ctx, loc)
	require.Nil(t, err)
	require.Equal(t, []byte("archive payload"), data)

	require.Nil(t, s.Delete(ctx, loc))
	_, err = s.Get(ctx, loc)
	require.True(t, errors.Is(err, ErrArchiveNotFound))

	// deleting twice is fine
	require.Nil(t, s.Delete(ctx, loc))
}

func TestFSStoreRejectsEscapingKeys(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s, err := NewFSStore(root)
	require.Nil(t, err)

	_, _, err = s.Put(ctx, "../outside", []byte("x"))
	require.NotNil(t, err)
	_, _, err = s.Put(ctx, "/abs/path", []byte("x"))
	require.NotNil(t, err)
}

func TestFSStoreLeavesNoTempFiles(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s, err := NewFSStore(root)
	require.Nil(t, err)

	_, _, err = s.Put(ctx, "t1/b1", []byte("x"))
	require.Nil(t, err)

	entries, dirErr := os.ReadDir(filepath.Join(root, "t1"))
	require.NoError(t, dirErr)
	require.Len(t, entries, 1)
	require.Equal(t, "b1", entries[0].Name())
}

func TestMemStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	loc, size, err := s.Put(ctx, "t1/b1", []byte("payload"))
	require.Nil(t, err)
	require.Equal(t, "t1/b1", loc)
	require.Equal(t, int64(7), size)

	data, err := s.Get(ctx, loc)
	require.Nil(t, err)
	require.Equal(t, []byte("payload"), data)

	// the stored copy is isolated from the caller's slice
	data[0] = 'X'
	again, err := s.Get(ctx, loc)
	require.Nil(t, err)
	require.Equal(t, []byte("payload"), again)

	require.Nil(t, s.Delete(ctx, loc))
	_, err = s.Get(ctx, loc)
	require.True(t, errors.Is(err, ErrArchiveNotFound))
}
