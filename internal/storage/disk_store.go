package storage

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// NewDiskStore 以 basePath 为根目录构建磁盘存储，整个进程复用同一实例。
func NewDiskStore(basePath string) (Store, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, &StorageError{Op: "mkdir", Path: abs, Err: err}
	}

	return &diskStore{
		root: &diskRoot{
			basePath: abs,
			locks:    make(map[string]*entryLock),
		},
	}, nil
}

// diskRoot 在所有 Scope 之间共享，entryLock 避免同一资源并发写入。
type diskRoot struct {
	basePath string

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

type diskStore struct {
	root     *diskRoot
	segments []string
	err      error
}

func (s *diskStore) Scope(segment string) Store {
	child := &diskStore{
		root:     s.root,
		segments: append(append([]string(nil), s.segments...), segment),
		err:      s.err,
	}
	if child.err == nil {
		if err := validateName("segment", segment); err != nil {
			child.err = err
		}
	}
	return child
}

func (s *diskStore) Resource(key string) Resource {
	return &diskResource{store: s, key: key}
}

func (s *diskStore) Path() []string {
	return append([]string(nil), s.segments...)
}

type diskResource struct {
	store *diskStore
	key   string
}

func (r *diskResource) Key() string {
	return r.key
}

func (r *diskResource) Exist(ctx context.Context, property string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	filePath, err := r.propertyPath(property)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, &StorageError{Op: "stat", Path: filePath, Err: err}
	}
	return !info.IsDir(), nil
}

func (r *diskResource) Save(ctx context.Context, properties map[string][]byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(properties) == 0 {
		return nil
	}
	dir, err := r.dir()
	if err != nil {
		return err
	}
	for name := range properties {
		if err := validateName("property", name); err != nil {
			return err
		}
	}

	unlock := r.store.root.lockEntry(dir)
	defer unlock()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &StorageError{Op: "mkdir", Path: dir, Err: err}
	}

	for name, data := range properties {
		if err := writeAtomic(ctx, dir, name, data); err != nil {
			return err
		}
	}
	return nil
}

func (r *diskResource) Load(ctx context.Context, properties ...string) (*Loaded, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := r.dir()
	if err != nil {
		return nil, err
	}

	if len(properties) == 0 {
		properties, err = listProperties(dir)
		if err != nil {
			return nil, err
		}
		if len(properties) == 0 {
			return nil, fmt.Errorf("%s: %w", r.key, ErrNotFound)
		}
	}

	loaded := &Loaded{key: r.key, content: make(map[string][]byte, len(properties))}
	for _, name := range properties {
		if err := validateName("property", name); err != nil {
			return nil, err
		}
		filePath := filepath.Join(dir, name)
		data, err := os.ReadFile(filePath)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("%s/%s: %w", r.key, name, ErrNotFound)
			}
			return nil, &StorageError{Op: "read", Path: filePath, Err: err}
		}
		loaded.content[name] = data
	}
	return loaded, nil
}

func (r *diskResource) Open(ctx context.Context, property string) (*ReadResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	filePath, err := r.propertyPath(property)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s/%s: %w", r.key, property, ErrNotFound)
		}
		return nil, &StorageError{Op: "open", Path: filePath, Err: err}
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, &StorageError{Op: "stat", Path: filePath, Err: err}
	}
	if info.IsDir() {
		f.Close()
		return nil, fmt.Errorf("%s/%s: %w", r.key, property, ErrNotFound)
	}

	return &ReadResult{
		Info: Info{
			Key:       r.key,
			Property:  property,
			FilePath:  filePath,
			SizeBytes: info.Size(),
			ModTime:   info.ModTime(),
		},
		Reader: f,
	}, nil
}

func (r *diskResource) Delete(ctx context.Context, property string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir, err := r.dir()
	if err != nil {
		return err
	}
	if err := validateName("property", property); err != nil {
		return err
	}

	unlock := r.store.root.lockEntry(dir)
	defer unlock()

	filePath := filepath.Join(dir, property)
	if err := os.Remove(filePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &StorageError{Op: "remove", Path: filePath, Err: err}
	}
	return nil
}

func (r *diskResource) propertyPath(property string) (string, error) {
	dir, err := r.dir()
	if err != nil {
		return "", err
	}
	if err := validateName("property", property); err != nil {
		return "", err
	}
	return filepath.Join(dir, property), nil
}

// dir 计算资源目录：命名空间段 + 两级 md5 前缀目录 + 安全化后的 key。
func (r *diskResource) dir() (string, error) {
	if r.store.err != nil {
		return "", r.store.err
	}
	if r.key == "" {
		return "", errors.New("storage: resource key required")
	}
	sum := md5.Sum([]byte(r.key))
	digest := hex.EncodeToString(sum[:])

	parts := make([]string, 0, len(r.store.segments)+4)
	parts = append(parts, r.store.root.basePath)
	parts = append(parts, r.store.segments...)
	parts = append(parts, digest[0:2], digest[2:4], safeKey(r.key, digest))
	return filepath.Join(parts...), nil
}

func (root *diskRoot) lockEntry(key string) func() {
	root.mu.Lock()
	lock := root.locks[key]
	if lock == nil {
		lock = &entryLock{}
		root.locks[key] = lock
	}
	lock.refs++
	root.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		root.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(root.locks, key)
		}
		root.mu.Unlock()
	}
}

func writeAtomic(ctx context.Context, dir, name string, data []byte) error {
	tempFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return &StorageError{Op: "create", Path: dir, Err: err}
	}
	tempName := tempFile.Name()

	_, err = copyWithContext(ctx, tempFile, bytes.NewReader(data))
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return &StorageError{Op: "write", Path: tempName, Err: err}
	}

	target := filepath.Join(dir, name)
	if err := os.Rename(tempName, target); err != nil {
		os.Remove(tempName)
		return &StorageError{Op: "rename", Path: target, Err: err}
	}
	return nil
}

func listProperties(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, &StorageError{Op: "readdir", Path: dir, Err: err}
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		names = append(names, entry.Name())
	}
	return names, nil
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}

// safeKey 保留 [A-Za-z0-9._-]，其余字符替换为下划线；发生替换时追加摘要避免冲突。
func safeKey(key, digest string) string {
	changed := strings.HasPrefix(key, ".")
	mapped := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			return r
		default:
			changed = true
			return '_'
		}
	}, key)
	if changed {
		mapped = strings.TrimLeft(mapped, ".") + "-" + digest[:8]
	}
	return mapped
}

func validateName(kind, name string) error {
	switch {
	case name == "":
		return fmt.Errorf("storage: empty %s name", kind)
	case strings.HasPrefix(name, "."):
		return fmt.Errorf("storage: %s name %q must not start with a dot", kind, name)
	case strings.ContainsAny(name, `/\`):
		return fmt.Errorf("storage: %s name %q must not contain path separators", kind, name)
	}
	return nil
}
