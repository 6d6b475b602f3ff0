package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// Store 是一个命名空间：Scope 派生子命名空间，Resource 定位其中的资源。磁盘布局：
//
//	<base>/<segment>.../<md5[0:2]>/<md5[2:4]>/<safe key>/<property>
//
// 不同命名空间之间互不可见。
type Store interface {
	// Scope 返回以 <当前路径>/<segment> 为根的子 Store。
	Scope(segment string) Store

	// Resource 返回 key 对应的资源句柄，句柄本身不触发 I/O。
	Resource(key string) Resource

	// Path 返回当前命名空间段（只读副本）。
	Path() []string
}

// Resource 描述一个资源下的多个属性（独立的字节块）。
type Resource interface {
	Key() string

	// Exist 报告属性是否已经写入且未被删除；I/O 失败返回 *StorageError。
	Exist(ctx context.Context, property string) (bool, error)

	// Save 逐个属性原子写入（temp + rename），同一次调用中的多个属性不保证同时可见。
	Save(ctx context.Context, properties map[string][]byte) error

	// Load 读取指定属性；未指定时读取当前存在的全部属性。任一属性缺失返回 ErrNotFound。
	Load(ctx context.Context, properties ...string) (*Loaded, error)

	// Open 以流方式打开单个属性，调用方负责关闭 Reader。
	Open(ctx context.Context, property string) (*ReadResult, error)

	// Delete 删除属性，属性不存在时不报错。
	Delete(ctx context.Context, property string) error
}

// Loaded 是一次 Load 的结果快照。
type Loaded struct {
	key     string
	content map[string][]byte
}

// Content 返回已加载的属性内容；未加载或不存在时返回 ErrNotFound。
func (l *Loaded) Content(property string) ([]byte, error) {
	if l == nil {
		return nil, ErrNotFound
	}
	data, ok := l.content[property]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", l.key, property, ErrNotFound)
	}
	return data, nil
}

// Properties 返回已加载的属性名。
func (l *Loaded) Properties() []string {
	if l == nil {
		return nil
	}
	names := make([]string, 0, len(l.content))
	for name := range l.content {
		names = append(names, name)
	}
	return names
}

// Info 描述单个属性文件。
type Info struct {
	Key       string
	Property  string
	FilePath  string
	SizeBytes int64
	ModTime   time.Time
}

// ReadResult 组合 Info 与正文 Reader，便于 HTTP 层直接流式返回。
type ReadResult struct {
	Info   Info
	Reader io.ReadSeekCloser
}

// ErrNotFound 表示资源属性不存在（包括 Exist 与 Load 之间被并发删除）。
var ErrNotFound = errors.New("storage: resource not found")

// StorageError 包装除“不存在”之外的底层 I/O 失败，调用方不应把它当作缓存未命中。
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}
