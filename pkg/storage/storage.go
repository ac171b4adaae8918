// Package storage keeps the bytes of record attachments. The record log only
// stores the returned Object references.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/google/uuid"
)

var (
	ErrNotFound           = errors.New("attachment not found")
	ErrFileTooLarge       = errors.New("file exceeds maximum allowed size")
	ErrInvalidContentType = errors.New("content type is not allowed")
	ErrMissingFileName    = errors.New("file name is required")
)

// DefaultMaxFileSize is 10 MB.
const DefaultMaxFileSize = 10 << 20

// AllowedContentTypes lists the document and image types accepted on entries.
var AllowedContentTypes = map[string]bool{
	"application/pdf":    true,
	"application/msword": true,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": true,
	"image/jpeg": true,
	"image/jpg":  true,
	"image/png":  true,
	"text/plain": true,
}

// Object describes a stored attachment.
type Object struct {
	Key         string `json:"key"`
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
}

// Store saves and opens attachments. Keys are scoped by owner so that a
// caller can check access on the owner before opening. Deleting something
// that is already gone is not an error.
type Store interface {
	Save(ctx context.Context, owner string, obj Object, content io.Reader) (*Object, error)
	Open(ctx context.Context, owner, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, owner, key string) error
	DeleteOwner(ctx context.Context, owner string) error
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func validate(obj Object) error {
	if obj.Name == "" {
		return ErrMissingFileName
	}
	if !AllowedContentTypes[obj.ContentType] {
		return ErrInvalidContentType
	}
	return nil
}

func newKey(name string) string {
	clean := unsafeName.ReplaceAllString(filepath.Base(name), "_")
	return uuid.NewString() + "-" + clean
}

func readLimited(content io.Reader, max int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(content, max+1))
	if err != nil {
		return nil, fmt.Errorf("reading content: %w", err)
	}
	if int64(len(data)) > max {
		return nil, ErrFileTooLarge
	}
	return data, nil
}

// Disk stores attachments under a root directory, one folder per owner.
type Disk struct {
	root    string
	maxSize int64
}

func NewDisk(root string, maxSize int64) (*Disk, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxFileSize
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create attachment root: %w", err)
	}
	return &Disk{root: root, maxSize: maxSize}, nil
}

// plainName rejects anything that would resolve outside a single directory level.
func plainName(s string) bool {
	return s == filepath.Base(s) && s != "." && s != ".."
}

func (d *Disk) path(owner, key string) (string, error) {
	if !plainName(owner) || !plainName(key) {
		return "", ErrNotFound
	}
	return filepath.Join(d.root, owner, key), nil
}

func (d *Disk) Save(ctx context.Context, owner string, obj Object, content io.Reader) (*Object, error) {
	if err := validate(obj); err != nil {
		return nil, err
	}
	data, err := readLimited(content, d.maxSize)
	if err != nil {
		return nil, err
	}

	obj.Key = newKey(obj.Name)
	obj.Size = int64(len(data))
	p, err := d.path(owner, obj.Key)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create owner dir: %w", err)
	}
	if err := os.WriteFile(p, data, 0o640); err != nil {
		return nil, fmt.Errorf("failed to write attachment: %w", err)
	}
	return &obj, nil
}

func (d *Disk) Open(ctx context.Context, owner, key string) (io.ReadCloser, error) {
	p, err := d.path(owner, key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open attachment: %w", err)
	}
	return f, nil
}

func (d *Disk) Delete(ctx context.Context, owner, key string) error {
	p, err := d.path(owner, key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete attachment: %w", err)
	}
	return nil
}

// DeleteOwner removes the owner's folder and every attachment in it.
func (d *Disk) DeleteOwner(ctx context.Context, owner string) error {
	if !plainName(owner) {
		return ErrNotFound
	}
	if err := os.RemoveAll(filepath.Join(d.root, owner)); err != nil {
		return fmt.Errorf("failed to delete attachments: %w", err)
	}
	return nil
}

// Memory is a thread-safe in-process Store for tests and local runs.
type Memory struct {
	mu      sync.RWMutex
	maxSize int64
	blobs   map[string][]byte
}

func NewMemory(maxSize int64) *Memory {
	if maxSize <= 0 {
		maxSize = DefaultMaxFileSize
	}
	return &Memory{maxSize: maxSize, blobs: make(map[string][]byte)}
}

func (m *Memory) Save(ctx context.Context, owner string, obj Object, content io.Reader) (*Object, error) {
	if err := validate(obj); err != nil {
		return nil, err
	}
	data, err := readLimited(content, m.maxSize)
	if err != nil {
		return nil, err
	}
	obj.Key = newKey(obj.Name)
	obj.Size = int64(len(data))

	m.mu.Lock()
	m.blobs[owner+"/"+obj.Key] = data
	m.mu.Unlock()
	return &obj, nil
}

func (m *Memory) Open(ctx context.Context, owner, key string) (io.ReadCloser, error) {
	m.mu.RLock()
	data, ok := m.blobs[owner+"/"+key]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *Memory) Delete(ctx context.Context, owner, key string) error {
	m.mu.Lock()
	delete(m.blobs, owner+"/"+key)
	m.mu.Unlock()
	return nil
}

func (m *Memory) DeleteOwner(ctx context.Context, owner string) error {
	prefix := owner + "/"
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.blobs {
		if strings.HasPrefix(k, prefix) {
			delete(m.blobs, k)
		}
	}
	return nil
}

// Len reports how many attachments are held.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}
