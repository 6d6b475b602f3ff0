package db

import (
	"context"
	"fmt"
	"sync"
)

// MemoryRepository 是进程内实现，按插入顺序保存版本。
type MemoryRepository struct {
	mu        sync.RWMutex
	rubygems  map[string]int64
	versions  []Version
	nextGemID int64
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{rubygems: make(map[string]int64)}
}

func (r *MemoryRepository) ForSpecCollection(ctx context.Context, prerelease, latest bool) ([]Version, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	out := make([]Version, 0, len(r.versions))
	for _, v := range r.versions {
		if v.Indexed && v.Prerelease == prerelease {
			out = append(out, v)
		}
	}
	r.mu.RUnlock()

	if latest {
		return SelectLatest(out), nil
	}
	return out, nil
}

func (r *MemoryRepository) InsertVersion(ctx context.Context, rubygemName, number, platform string) (Version, error) {
	if err := ctx.Err(); err != nil {
		return Version{}, err
	}
	v, err := newVersion(rubygemName, number, platform)
	if err != nil {
		return Version{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.versions {
		if existing.FullName == v.FullName {
			return Version{}, fmt.Errorf("%s: %w", v.FullName, ErrDuplicateVersion)
		}
	}
	gemID, ok := r.rubygems[v.RubygemName]
	if !ok {
		r.nextGemID++
		gemID = r.nextGemID
		r.rubygems[v.RubygemName] = gemID
	}
	v.RubygemID = gemID
	v.ID = int64(len(r.versions) + 1)
	r.versions = append(r.versions, v)
	return v, nil
}

func (r *MemoryRepository) Deindex(ctx context.Context, id int64) error {
	return r.setIndexed(ctx, id, false)
}

func (r *MemoryRepository) Reindex(ctx context.Context, id int64) error {
	return r.setIndexed(ctx, id, true)
}

func (r *MemoryRepository) setIndexed(ctx context.Context, id int64, indexed bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.versions {
		if r.versions[i].ID == id {
			r.versions[i].Indexed = indexed
			return nil
		}
	}
	return fmt.Errorf("id %d: %w", id, ErrVersionNotFound)
}

func (r *MemoryRepository) FindByFullName(ctx context.Context, fullName string) (Version, error) {
	if err := ctx.Err(); err != nil {
		return Version{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, candidate := range []string{fullName, fullName + "-" + DefaultPlatform} {
		for _, v := range r.versions {
			if v.FullName == candidate {
				return v, nil
			}
		}
	}
	return Version{}, fmt.Errorf("%s: %w", fullName, ErrVersionNotFound)
}

func (r *MemoryRepository) Close() {}
