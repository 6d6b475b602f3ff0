package specs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/indirect/gemstash/internal/auth"
	"github.com/indirect/gemstash/internal/db"
	"github.com/indirect/gemstash/internal/gemversion"
	"github.com/indirect/gemstash/internal/logging"
	"github.com/indirect/gemstash/internal/metrics"
	"github.com/indirect/gemstash/internal/storage"
)

// 缓存位置：private/specs_collection/<filename> 下的 specs 属性。
const (
	StoreScope      = "private"
	CollectionScope = "specs_collection"
	Property        = "specs"
)

// VersionSource 提供索引所需的版本记录。
type VersionSource interface {
	ForSpecCollection(ctx context.Context, prerelease, latest bool) ([]db.Version, error)
}

// BuilderOptions 控制鉴权与重建行为。
type BuilderOptions struct {
	// ProtectedFetch 开启后，缓存未命中时需要 fetch 权限才能重建。
	ProtectedFetch bool
	// SerializeRebuilds 让同一 key 的并发未命中只重建一次。
	SerializeRebuilds bool
	Logger            logrus.FieldLogger
	Metrics           *metrics.Registry
}

// Builder 生成并缓存三种索引文件。
type Builder struct {
	store    storage.Store
	versions VersionSource
	opts     BuilderOptions
	logger   logrus.FieldLogger

	mu    sync.Mutex
	locks map[string]*rebuildLock
}

type rebuildLock struct {
	mu   sync.Mutex
	refs int
}

// NewBuilder 以存储根为基础，内部限定到 private/specs_collection。
func NewBuilder(store storage.Store, versions VersionSource, opts BuilderOptions) *Builder {
	return &Builder{
		store:    store.Scope(StoreScope).Scope(CollectionScope),
		versions: versions,
		opts:     opts,
		logger:   logging.OrDiscard(opts.Logger),
		locks:    make(map[string]*rebuildLock),
	}
}

// Serve 命中缓存直接返回；未命中时鉴权、加载版本、序列化、压缩并写回缓存。
func (b *Builder) Serve(ctx context.Context, sel Selection, authorizer auth.Authorizer) ([]byte, error) {
	filename, err := NewFilename(sel)
	if err != nil {
		return nil, err
	}
	name := filename.String()
	resource := b.store.Resource(name)

	data, hit, err := b.fromCache(ctx, resource)
	if err != nil {
		b.opts.Metrics.SpecIndexRequest(name, metrics.ResultError)
		return nil, err
	}
	if hit {
		b.opts.Metrics.SpecIndexRequest(name, metrics.ResultHit)
		return data, nil
	}

	if b.opts.ProtectedFetch {
		if authorizer == nil {
			return nil, fmt.Errorf("%w: no authorizer", auth.ErrAuthorization)
		}
		if err := authorizer.Authorize(auth.ActionFetch); err != nil {
			return nil, err
		}
	}

	if b.opts.SerializeRebuilds {
		unlock := b.lock(name)
		defer unlock()
		// 排队期间其他请求可能已经完成重建。
		data, hit, err = b.fromCache(ctx, resource)
		if err != nil {
			b.opts.Metrics.SpecIndexRequest(name, metrics.ResultError)
			return nil, err
		}
		if hit {
			b.opts.Metrics.SpecIndexRequest(name, metrics.ResultHit)
			return data, nil
		}
	}

	started := time.Now()
	data, count, err := b.build(ctx, sel)
	if err != nil {
		b.opts.Metrics.SpecIndexRequest(name, metrics.ResultError)
		return nil, err
	}
	if err := resource.Save(ctx, map[string][]byte{Property: data}); err != nil {
		b.opts.Metrics.SpecIndexRequest(name, metrics.ResultError)
		return nil, err
	}
	elapsed := time.Since(started)
	b.opts.Metrics.SpecIndexRequest(name, metrics.ResultMiss)
	b.opts.Metrics.SpecIndexRebuild(elapsed)

	b.logger.WithFields(logrus.Fields{
		"action":      "spec_index_rebuild",
		"file":        name,
		"versions":    count,
		"bytes":       len(data),
		"duration_ms": elapsed.Milliseconds(),
	}).Info("spec index rebuilt")
	return data, nil
}

// fromCache 在 exist 之后 load 失败（被并发删除）时按未命中处理，其他存储错误向上返回。
func (b *Builder) fromCache(ctx context.Context, resource storage.Resource) ([]byte, bool, error) {
	exists, err := resource.Exist(ctx, Property)
	if err != nil {
		return nil, false, err
	}
	if !exists {
		return nil, false, nil
	}
	loaded, err := resource.Load(ctx, Property)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			b.logger.WithField("file", resource.Key()).Debug("spec index evicted between exist and load")
			return nil, false, nil
		}
		return nil, false, err
	}
	data, err := loaded.Content(Property)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, true, nil
}

// Build 根据当前版本集直接生成索引字节，不读写缓存。
func (b *Builder) Build(ctx context.Context, sel Selection) ([]byte, error) {
	if _, err := NewFilename(sel); err != nil {
		return nil, err
	}
	data, _, err := b.build(ctx, sel)
	return data, err
}

func (b *Builder) build(ctx context.Context, sel Selection) ([]byte, int, error) {
	versions, err := b.versions.ForSpecCollection(ctx, sel.Prerelease, sel.Latest)
	if err != nil {
		return nil, 0, fmt.Errorf("load versions: %w", err)
	}
	tuples, err := TuplesFor(versions)
	if err != nil {
		return nil, 0, err
	}
	data, err := EncodeIndex(tuples)
	if err != nil {
		return nil, 0, err
	}
	return data, len(tuples), nil
}

// TuplesFor 将版本记录转换为索引项，顺序不变。
func TuplesFor(versions []db.Version) ([]Tuple, error) {
	tuples := make([]Tuple, 0, len(versions))
	for _, v := range versions {
		parsed, err := gemversion.Parse(v.Number)
		if err != nil {
			return nil, fmt.Errorf("version %s: %w", v.FullName, err)
		}
		tuples = append(tuples, Tuple{Name: v.RubygemName, Version: parsed, Platform: v.Platform})
	}
	return tuples, nil
}

// Invalidate 删除三种索引的缓存，版本集变化后调用。
func (b *Builder) Invalidate(ctx context.Context) error {
	for _, filename := range AllFilenames() {
		if err := b.store.Resource(filename.String()).Delete(ctx, Property); err != nil {
			return err
		}
	}
	b.logger.WithField("action", "spec_index_invalidate").Info("spec indexes invalidated")
	return nil
}

func (b *Builder) lock(key string) func() {
	b.mu.Lock()
	l := b.locks[key]
	if l == nil {
		l = &rebuildLock{}
		b.locks[key] = l
	}
	l.refs++
	b.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		b.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(b.locks, key)
		}
		b.mu.Unlock()
	}
}
