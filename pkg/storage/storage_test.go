package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stores(t *testing.T) map[string]Store {
	disk, err := NewDisk(t.TempDir(), 16)
	require.NoError(t, err)
	return map[string]Store{
		"disk":   disk,
		"memory": NewMemory(16),
	}
}

func TestSaveAndOpen(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			obj, err := s.Save(ctx, "patient-1", Object{Name: "lab result.txt", ContentType: "text/plain"}, strings.NewReader("hb 13.2"))
			require.NoError(t, err)
			assert.Equal(t, int64(7), obj.Size)
			assert.True(t, strings.HasSuffix(obj.Key, "-lab_result.txt"))

			rc, err := s.Open(ctx, "patient-1", obj.Key)
			require.NoError(t, err)
			defer rc.Close()
			body, err := io.ReadAll(rc)
			require.NoError(t, err)
			assert.Equal(t, "hb 13.2", string(body))

			_, err = s.Open(ctx, "patient-2", obj.Key)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestSaveValidation(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := s.Save(ctx, "p", Object{Name: "x.exe", ContentType: "application/x-msdownload"}, strings.NewReader("MZ"))
			assert.ErrorIs(t, err, ErrInvalidContentType)

			_, err = s.Save(ctx, "p", Object{ContentType: "text/plain"}, strings.NewReader("a"))
			assert.ErrorIs(t, err, ErrMissingFileName)

			_, err = s.Save(ctx, "p", Object{Name: "big.txt", ContentType: "text/plain"}, strings.NewReader(strings.Repeat("a", 17)))
			assert.ErrorIs(t, err, ErrFileTooLarge)
		})
	}
}

func TestDiskRejectsTraversal(t *testing.T) {
	disk, err := NewDisk(t.TempDir(), 0)
	require.NoError(t, err)

	_, err = disk.Open(context.Background(), "..", "passwd")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = disk.Open(context.Background(), "p", "../../etc/passwd")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDelete(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			a, err := s.Save(ctx, "patient-1", Object{Name: "a.txt", ContentType: "text/plain"}, strings.NewReader("a"))
			require.NoError(t, err)
			b, err := s.Save(ctx, "patient-1", Object{Name: "b.txt", ContentType: "text/plain"}, strings.NewReader("b"))
			require.NoError(t, err)
			other, err := s.Save(ctx, "patient-10", Object{Name: "c.txt", ContentType: "text/plain"}, strings.NewReader("c"))
			require.NoError(t, err)

			require.NoError(t, s.Delete(ctx, "patient-1", a.Key))
			_, err = s.Open(ctx, "patient-1", a.Key)
			assert.ErrorIs(t, err, ErrNotFound)
			assert.NoError(t, s.Delete(ctx, "patient-1", a.Key), "already gone")

			require.NoError(t, s.DeleteOwner(ctx, "patient-1"))
			_, err = s.Open(ctx, "patient-1", b.Key)
			assert.ErrorIs(t, err, ErrNotFound)
			assert.NoError(t, s.DeleteOwner(ctx, "patient-1"), "already gone")

			rc, err := s.Open(ctx, "patient-10", other.Key)
			require.NoError(t, err)
			rc.Close()
		})
	}
}

func TestDiskDeleteStaysInRoot(t *testing.T) {
	parent := t.TempDir()
	disk, err := NewDisk(filepath.Join(parent, "files"), 0)
	require.NoError(t, err)
	outside := filepath.Join(parent, "keep.txt")
	require.NoError(t, os.WriteFile(outside, []byte("x"), 0o600))

	ctx := context.Background()
	assert.ErrorIs(t, disk.Delete(ctx, "..", "keep.txt"), ErrNotFound)
	assert.ErrorIs(t, disk.DeleteOwner(ctx, ".."), ErrNotFound)
	assert.ErrorIs(t, disk.DeleteOwner(ctx, ""), ErrNotFound)
	assert.ErrorIs(t, disk.DeleteOwner(ctx, "a/../.."), ErrNotFound)
	assert.FileExists(t, outside)
}
