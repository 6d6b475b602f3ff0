package specs

import "errors"

// ErrConflictingSelection 表示同时请求了 latest 与 prerelease。
var ErrConflictingSelection = errors.New("latest and prerelease cannot both be selected")

// Selection 选择要构建的索引，零值为完整索引。
type Selection struct {
	Prerelease bool
	Latest     bool
}

// Filename 是索引的固定文件名，同时作为缓存 key。
type Filename struct {
	name string
}

const (
	fullName       = "specs.4.8.gz"
	prereleaseName = "prerelease_specs.4.8.gz"
	latestName     = "latest_specs.4.8.gz"
)

// NewFilename 将 Selection 映射为文件名。
func NewFilename(sel Selection) (Filename, error) {
	switch {
	case sel.Latest && sel.Prerelease:
		return Filename{}, ErrConflictingSelection
	case sel.Latest:
		return Filename{name: latestName}, nil
	case sel.Prerelease:
		return Filename{name: prereleaseName}, nil
	default:
		return Filename{name: fullName}, nil
	}
}

func (f Filename) String() string {
	if f.name == "" {
		return fullName
	}
	return f.name
}

// AllFilenames 返回三种索引文件名，失效时逐一删除。
func AllFilenames() []Filename {
	return []Filename{{name: fullName}, {name: latestName}, {name: prereleaseName}}
}

// SelectionFor 是 NewFilename 的逆映射，供 HTTP 路由按文件名分发。
func SelectionFor(name string) (Selection, bool) {
	switch name {
	case fullName:
		return Selection{}, true
	case latestName:
		return Selection{Latest: true}, true
	case prereleaseName:
		return Selection{Prerelease: true}, true
	default:
		return Selection{}, false
	}
}
