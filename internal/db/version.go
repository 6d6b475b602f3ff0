// Package db holds the Version record and the repositories the spec index
// builder reads from. Two backends exist: an in-memory repository and a
// PostgreSQL repository built on pgx.
package db

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/indirect/gemstash/internal/gemversion"
)

// DefaultPlatform 是 RubyGems 的默认平台名。
const DefaultPlatform = "ruby"

var (
	// ErrVersionNotFound 表示记录不存在。
	ErrVersionNotFound = errors.New("version not found")
	// ErrDuplicateVersion 表示 (rubygem, number, platform) 已存在。
	ErrDuplicateVersion = errors.New("version already exists")
)

// Version 是 versions 表的一行，并带上所属 rubygem 的名称。
type Version struct {
	ID          int64
	RubygemID   int64
	RubygemName string
	Number      string
	Platform    string
	FullName    string
	StorageID   string
	Indexed     bool
	Prerelease  bool
}

// Slug 返回 number 或 number-platform（platform 为空时省略）。
func Slug(number, platform string) string {
	if platform == "" {
		return number
	}
	return number + "-" + platform
}

// StorageName 返回 <name>-<number>[-<platform>]，默认平台省略，与缓存资源 key 一致。
func StorageName(name, number, platform string) string {
	if platform == "" || platform == DefaultPlatform {
		return name + "-" + number
	}
	return name + "-" + number + "-" + platform
}

// Repository 暴露 SpecIndexBuilder 及其维护流程需要的查询。
type Repository interface {
	// ForSpecCollection 返回已索引且 prerelease 匹配的版本，按插入顺序；latest 时每组只保留最高版本。
	ForSpecCollection(ctx context.Context, prerelease, latest bool) ([]Version, error)
	InsertVersion(ctx context.Context, rubygemName, number, platform string) (Version, error)
	Deindex(ctx context.Context, id int64) error
	Reindex(ctx context.Context, id int64) error
	// FindByFullName 精确匹配失败时以 "-ruby" 后缀重试。
	FindByFullName(ctx context.Context, fullName string) (Version, error)
	Close()
}

// newVersion 规范化输入并计算派生字段。
func newVersion(rubygemName, number, platform string) (Version, error) {
	rubygemName = strings.TrimSpace(rubygemName)
	if rubygemName == "" {
		return Version{}, errors.New("rubygem name required")
	}
	parsed, err := gemversion.Parse(number)
	if err != nil {
		return Version{}, fmt.Errorf("version %q: %w", number, err)
	}
	if platform == "" {
		platform = DefaultPlatform
	}
	number = parsed.String()
	return Version{
		RubygemName: rubygemName,
		Number:      number,
		Platform:    platform,
		FullName:    rubygemName + "-" + number + "-" + platform,
		StorageID:   StorageName(rubygemName, number, platform),
		Indexed:     true,
		Prerelease:  parsed.Prerelease(),
	}, nil
}

// SelectLatest 按 (rubygem, platform) 分组，每组取最高版本；版本相同时保留最先出现的记录，
// 输出顺序为各组首次出现的顺序。
func SelectLatest(versions []Version) []Version {
	type groupKey struct {
		rubygem  int64
		name     string
		platform string
	}
	type best struct {
		version Version
		parsed  gemversion.Version
	}

	order := make([]groupKey, 0)
	groups := make(map[groupKey]*best)
	for _, v := range versions {
		key := groupKey{rubygem: v.RubygemID, name: v.RubygemName, platform: v.Platform}
		parsed, err := gemversion.Parse(v.Number)
		if err != nil {
			parsed = gemversion.MustParse("0")
		}
		current, ok := groups[key]
		if !ok {
			order = append(order, key)
			groups[key] = &best{version: v, parsed: parsed}
			continue
		}
		if gemversion.Compare(parsed, current.parsed) > 0 {
			current.version = v
			current.parsed = parsed
		}
	}

	out := make([]Version, 0, len(order))
	for _, key := range order {
		out = append(out, groups[key].version)
	}
	return out
}

// Open 按适配器名称创建仓储，postgres 会先执行 Migrate。
func Open(ctx context.Context, adapter, dsn string) (Repository, error) {
	switch strings.ToLower(strings.TrimSpace(adapter)) {
	case "", "memory":
		return NewMemoryRepository(), nil
	case "postgres", "postgresql":
		repo, err := NewPostgresRepository(ctx, dsn)
		if err != nil {
			return nil, err
		}
		if err := repo.Migrate(ctx); err != nil {
			repo.Close()
			return nil, err
		}
		return repo, nil
	default:
		return nil, fmt.Errorf("unsupported db adapter %q", adapter)
	}
}
