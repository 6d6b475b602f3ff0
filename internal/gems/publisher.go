package gems

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/indirect/gemstash/internal/auth"
	"github.com/indirect/gemstash/internal/db"
	"github.com/indirect/gemstash/internal/logging"
	"github.com/indirect/gemstash/internal/storage"
)

// 私有 gem 的存储位置：private/gems/<fullname> 的 gem 属性。
const (
	StoreScope  = "private"
	GemsScope   = "gems"
	GemProperty = "gem"
)

var (
	// ErrExistingVersion 表示同名版本已经发布。
	ErrExistingVersion = errors.New("version already exists")
	// ErrYankedVersion 表示版本已被 yank，不能重复 push 或 yank。
	ErrYankedVersion = errors.New("version is yanked")
	// ErrNotYanked 表示 unyank 的版本仍在索引中。
	ErrNotYanked = errors.New("version is not yanked")
)

// Invalidator 在版本集变化后清理缓存的索引，由 specs.Builder 实现。
type Invalidator interface {
	Invalidate(ctx context.Context) error
}

// Resource 返回私有 gem 的存储资源。
func Resource(store storage.Store, fullName string) storage.Resource {
	return store.Scope(StoreScope).Scope(GemsScope).Resource(fullName)
}

// Publisher 负责 push / yank / unyank。
type Publisher struct {
	store    storage.Store
	versions db.Repository
	indexes  Invalidator
	logger   logrus.FieldLogger
}

// NewPublisher 组装发布流程；indexes 为 nil 时不做索引失效。
func NewPublisher(store storage.Store, versions db.Repository, indexes Invalidator, logger logrus.FieldLogger) (*Publisher, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if versions == nil {
		return nil, errors.New("version repository is required")
	}
	return &Publisher{
		store:    store,
		versions: versions,
		indexes:  indexes,
		logger:   logging.OrDiscard(logger),
	}, nil
}

// Push 需要 push 权限：解析归档、写入 private/gems、记录版本并使索引失效。
func (p *Publisher) Push(ctx context.Context, data []byte, authorizer auth.Authorizer) (Spec, error) {
	if err := authorizer.Authorize(auth.ActionPush); err != nil {
		return Spec{}, err
	}
	spec, err := ReadSpec(data)
	if err != nil {
		return Spec{}, err
	}

	existing, err := p.versions.FindByFullName(ctx, spec.FullName())
	switch {
	case err == nil && existing.Indexed:
		return Spec{}, fmt.Errorf("%s: %w", spec.FullName(), ErrExistingVersion)
	case err == nil:
		return Spec{}, fmt.Errorf("%s: %w", spec.FullName(), ErrYankedVersion)
	case !errors.Is(err, db.ErrVersionNotFound):
		return Spec{}, err
	}

	if err := Resource(p.store, spec.FullName()).Save(ctx, map[string][]byte{GemProperty: data}); err != nil {
		return Spec{}, err
	}
	if _, err := p.versions.InsertVersion(ctx, spec.Name, spec.Version, spec.Platform); err != nil {
		if errors.Is(err, db.ErrDuplicateVersion) {
			return Spec{}, fmt.Errorf("%s: %w", spec.FullName(), ErrExistingVersion)
		}
		return Spec{}, err
	}
	if err := p.invalidate(ctx); err != nil {
		return Spec{}, err
	}

	p.logger.WithFields(logrus.Fields{
		"action": "gem_push",
		"gem":    spec.FullName(),
		"size":   len(data),
	}).Info("gem pushed")
	return spec, nil
}

// Yank 需要 yank 权限：将版本移出索引，归档保留。
func (p *Publisher) Yank(ctx context.Context, spec Spec, authorizer auth.Authorizer) error {
	return p.setIndexed(ctx, spec, authorizer, false)
}

// Unyank 需要 yank 权限：将版本重新加入索引。
func (p *Publisher) Unyank(ctx context.Context, spec Spec, authorizer auth.Authorizer) error {
	return p.setIndexed(ctx, spec, authorizer, true)
}

func (p *Publisher) setIndexed(ctx context.Context, spec Spec, authorizer auth.Authorizer, indexed bool) error {
	if err := authorizer.Authorize(auth.ActionYank); err != nil {
		return err
	}
	v, err := p.versions.FindByFullName(ctx, spec.FullName())
	if err != nil {
		return err
	}

	action := "gem_yank"
	if indexed {
		action = "gem_unyank"
		if v.Indexed {
			return fmt.Errorf("%s: %w", spec.FullName(), ErrNotYanked)
		}
		err = p.versions.Reindex(ctx, v.ID)
	} else {
		if !v.Indexed {
			return fmt.Errorf("%s: %w", spec.FullName(), ErrYankedVersion)
		}
		err = p.versions.Deindex(ctx, v.ID)
	}
	if err != nil {
		return err
	}
	if err := p.invalidate(ctx); err != nil {
		return err
	}

	p.logger.WithFields(logrus.Fields{"action": action, "gem": v.FullName}).Info("gem index state changed")
	return nil
}

func (p *Publisher) invalidate(ctx context.Context) error {
	if p.indexes == nil {
		return nil
	}
	return p.indexes.Invalidate(ctx)
}
