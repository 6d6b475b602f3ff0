// Package specs builds, encodes and decodes the gzipped Marshal spec indexes
// (specs.4.8.gz, latest_specs.4.8.gz, prerelease_specs.4.8.gz).
package specs

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"

	"github.com/indirect/gemstash/internal/gemversion"
	"github.com/indirect/gemstash/internal/rbmarshal"
)

const gemVersionClass = "Gem::Version"

// Tuple 是索引中的一项 [name, Gem::Version, platform]。
type Tuple struct {
	Name     string
	Version  gemversion.Version
	Platform string
}

// FullName 返回 <name>-<version>[-<platform>]，默认平台 ruby 与空平台均省略。
func (t Tuple) FullName() string {
	if t.Platform == "" || t.Platform == "ruby" {
		return t.Name + "-" + t.Version.String()
	}
	return t.Name + "-" + t.Version.String() + "-" + t.Platform
}

// MarshalTuples 将索引项编码为未压缩的 Marshal 字节。
func MarshalTuples(tuples []Tuple) ([]byte, error) {
	items := make([]any, len(tuples))
	for i, t := range tuples {
		items[i] = []any{
			t.Name,
			&rbmarshal.UserMarshal{Class: gemVersionClass, Data: []any{t.Version.String()}},
			t.Platform,
		}
	}
	return rbmarshal.Marshal(items)
}

// UnmarshalTuples 解析未压缩的 Marshal 索引，保持原有顺序。
func UnmarshalTuples(r io.Reader) ([]Tuple, error) {
	v, err := rbmarshal.NewDecoder(r).Decode()
	if err != nil {
		return nil, err
	}
	items, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("spec index: expected array, got %T", v)
	}

	tuples := make([]Tuple, 0, len(items))
	for i, item := range items {
		t, err := tupleFrom(item)
		if err != nil {
			return nil, fmt.Errorf("spec index entry %d: %w", i, err)
		}
		tuples = append(tuples, t)
	}
	return tuples, nil
}

func tupleFrom(item any) (Tuple, error) {
	fields, ok := item.([]any)
	if !ok || len(fields) != 3 {
		return Tuple{}, fmt.Errorf("expected 3-element array, got %T", item)
	}
	name, ok := fields[0].(string)
	if !ok {
		return Tuple{}, fmt.Errorf("name: expected string, got %T", fields[0])
	}
	raw, err := versionString(fields[1])
	if err != nil {
		return Tuple{}, err
	}
	version, err := gemversion.Parse(raw)
	if err != nil {
		return Tuple{}, err
	}
	var platform string
	switch p := fields[2].(type) {
	case string:
		platform = p
	case nil:
	default:
		return Tuple{}, fmt.Errorf("platform: expected string, got %T", fields[2])
	}
	return Tuple{Name: name, Version: version, Platform: platform}, nil
}

func versionString(v any) (string, error) {
	switch val := v.(type) {
	case string:
		return val, nil
	case *rbmarshal.UserMarshal:
		if val.Class != gemVersionClass {
			return "", fmt.Errorf("version: unexpected class %s", val.Class)
		}
		data, ok := val.Data.([]any)
		if !ok || len(data) == 0 {
			return "", fmt.Errorf("version: malformed %s payload", gemVersionClass)
		}
		s, ok := data[0].(string)
		if !ok {
			return "", fmt.Errorf("version: expected string, got %T", data[0])
		}
		return s, nil
	default:
		return "", fmt.Errorf("version: unexpected %T", v)
	}
}

// EncodeIndex 编码并 gzip 压缩索引。头部不写文件名与时间，相同输入得到相同字节。
func EncodeIndex(tuples []Tuple) ([]byte, error) {
	raw, err := MarshalTuples(tuples)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		zw.Close()
		return nil, fmt.Errorf("gzip spec index: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("gzip spec index: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeIndex 解压并解析 gzip 索引。
func DecodeIndex(data []byte) ([]Tuple, error) {
	return ReadIndex(bytes.NewReader(data))
}

// ReadIndex 从流中解压并解析索引。
func ReadIndex(r io.Reader) ([]Tuple, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("gunzip spec index: %w", err)
	}
	defer zr.Close()
	return UnmarshalTuples(zr)
}
