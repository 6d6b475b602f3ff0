// Package gems publishes private gems. Push stores the archive under
// private/gems and records the version; yank and unyank toggle whether a
// version appears in the private spec indexes. Every change invalidates the
// cached indexes.
package gems

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"gopkg.in/yaml.v3"

	"github.com/indirect/gemstash/internal/db"
	"github.com/indirect/gemstash/internal/gemversion"
)

// metadataEntry 是 .gem（tar）中保存 gemspec YAML 的条目。
const metadataEntry = "metadata.gz"

// maxMetadataSize 限制解压后的 gemspec 大小。
const maxMetadataSize = 4 << 20

// ErrInvalidGem 表示上传内容不是可识别的 gem 归档。
var ErrInvalidGem = errors.New("invalid gem")

// Spec 是从 gem 元数据中读出的标识。
type Spec struct {
	Name     string
	Version  string
	Platform string
}

// FullName 返回 <name>-<version>[-<platform>]，与存储 key 一致。
func (s Spec) FullName() string {
	return db.StorageName(s.Name, s.Version, s.Platform)
}

// gemMetadata 对应 Gem::Specification YAML 中需要的字段，ruby 对象标签被忽略。
type gemMetadata struct {
	Name    string `yaml:"name"`
	Version struct {
		Version string `yaml:"version"`
	} `yaml:"version"`
	Platform string `yaml:"platform"`
}

// ReadSpec 从 gem 归档的 metadata.gz 中解析名称、版本与平台。
func ReadSpec(data []byte) (Spec, error) {
	tr := tar.NewReader(bytes.NewReader(data))
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return Spec{}, fmt.Errorf("%w: %s missing", ErrInvalidGem, metadataEntry)
		}
		if err != nil {
			return Spec{}, fmt.Errorf("%w: %v", ErrInvalidGem, err)
		}
		if hdr.Name == metadataEntry {
			return readMetadata(tr)
		}
	}
}

func readMetadata(r io.Reader) (Spec, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return Spec{}, fmt.Errorf("%w: %v", ErrInvalidGem, err)
	}
	defer zr.Close()

	raw, err := io.ReadAll(io.LimitReader(zr, maxMetadataSize+1))
	if err != nil {
		return Spec{}, fmt.Errorf("%w: %v", ErrInvalidGem, err)
	}
	if len(raw) > maxMetadataSize {
		return Spec{}, fmt.Errorf("%w: metadata too large", ErrInvalidGem)
	}

	var meta gemMetadata
	if err := yaml.Unmarshal(raw, &meta); err != nil {
		return Spec{}, fmt.Errorf("%w: %v", ErrInvalidGem, err)
	}

	spec := Spec{
		Name:     strings.TrimSpace(meta.Name),
		Platform: strings.TrimSpace(meta.Platform),
	}
	if spec.Name == "" || strings.ContainsAny(spec.Name, `/\`) {
		return Spec{}, fmt.Errorf("%w: invalid name %q", ErrInvalidGem, meta.Name)
	}
	version, err := gemversion.Parse(meta.Version.Version)
	if err != nil {
		return Spec{}, fmt.Errorf("%w: %v", ErrInvalidGem, err)
	}
	spec.Version = version.String()
	if spec.Platform == "" {
		spec.Platform = db.DefaultPlatform
	}
	return spec, nil
}
