package upstream

import "strings"

var gemNameSuffixes = []string{".gemspec.rz", ".gem"}

// GemName 保存客户端请求的原始 ID 与去掉下载后缀后的名称。
type GemName struct {
	ID   string
	Name string
}

// NewGemName 最多去掉一个 .gemspec.rz 或 .gem 后缀（优先匹配更长的后缀）。
func NewGemName(id string) GemName {
	name := id
	for _, suffix := range gemNameSuffixes {
		if strings.HasSuffix(name, suffix) {
			name = strings.TrimSuffix(name, suffix)
			break
		}
	}
	return GemName{ID: id, Name: name}
}

func (g GemName) String() string {
	return g.Name
}
