// Package gemversion implements RubyGems version parsing and ordering.
// Segments are numeric or alphabetic runs; a version is a prerelease when any
// segment is alphabetic; trailing zero segments never affect comparison and
// alphabetic segments sort before numeric ones ("1.0.a" < "1.0").
package gemversion

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	versionPattern = regexp.MustCompile(`^\s*([0-9]+(\.[0-9a-zA-Z]+)*(-[0-9A-Za-z-]+(\.[0-9A-Za-z-]+)*)?)?\s*$`)
	segmentPattern = regexp.MustCompile(`[0-9]+|[a-zA-Z]+`)
)

// Version 是不可变的 RubyGems 版本号。
type Version struct {
	raw      string
	segments []segment
}

type segment struct {
	numeric bool
	// numeric 为 true 时保存去掉前导零的十进制数字串，避免大版本号溢出。
	value string
}

// Parse 校验并规范化版本号：去除首尾空白，"-" 转为 ".pre."，空串视为 "0"。
func Parse(raw string) (Version, error) {
	if !versionPattern.MatchString(raw) {
		return Version{}, fmt.Errorf("malformed version number string %q", raw)
	}
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "0"
	}
	normalized = strings.ReplaceAll(normalized, "-", ".pre.")
	return Version{raw: normalized, segments: splitSegments(normalized)}, nil
}

// MustParse 仅用于测试与常量。
func MustParse(raw string) Version {
	v, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return v
}

func splitSegments(version string) []segment {
	parts := segmentPattern.FindAllString(version, -1)
	out := make([]segment, 0, len(parts))
	for _, part := range parts {
		if part[0] >= '0' && part[0] <= '9' {
			trimmed := strings.TrimLeft(part, "0")
			if trimmed == "" {
				trimmed = "0"
			}
			out = append(out, segment{numeric: true, value: trimmed})
			continue
		}
		out = append(out, segment{value: part})
	}
	return out
}

// String 返回规范化后的版本串，即 Marshal 中 Gem::Version 携带的值。
func (v Version) String() string {
	if v.raw == "" {
		return "0"
	}
	return v.raw
}

// IsZero 报告是否为未初始化的零值。
func (v Version) IsZero() bool {
	return v.raw == ""
}

// Prerelease 在包含字母段时为 true。
func (v Version) Prerelease() bool {
	for _, s := range v.segments {
		if !s.numeric {
			return true
		}
	}
	return false
}

// Segments 返回各段的字符串形式。
func (v Version) Segments() []string {
	out := make([]string, len(v.segments))
	for i, s := range v.segments {
		out[i] = s.value
	}
	return out
}

// canonical 将数字前缀与字符串部分各自去掉末尾的 0 后拼接。
func (v Version) canonical() []segment {
	split := len(v.segments)
	for i, s := range v.segments {
		if !s.numeric {
			split = i
			break
		}
	}
	head := trimTrailingZeros(v.segments[:split])
	tail := trimTrailingZeros(v.segments[split:])
	out := make([]segment, 0, len(head)+len(tail))
	out = append(out, head...)
	return append(out, tail...)
}

func trimTrailingZeros(segs []segment) []segment {
	end := len(segs)
	for end > 0 && segs[end-1].numeric && segs[end-1].value == "0" {
		end--
	}
	return segs[:end]
}

var zeroSegment = segment{numeric: true, value: "0"}

// Compare 按 RubyGems 规则比较 a 与 b，返回 -1、0 或 1。
func Compare(a, b Version) int {
	if a.String() == b.String() {
		return 0
	}
	lhs, rhs := a.canonical(), b.canonical()
	limit := len(lhs)
	if len(rhs) > limit {
		limit = len(rhs)
	}
	for i := 0; i < limit; i++ {
		l, r := zeroSegment, zeroSegment
		if i < len(lhs) {
			l = lhs[i]
		}
		if i < len(rhs) {
			r = rhs[i]
		}
		if l == r {
			continue
		}
		switch {
		case !l.numeric && r.numeric:
			return -1
		case l.numeric && !r.numeric:
			return 1
		case l.numeric:
			return compareDigits(l.value, r.value)
		default:
			return strings.Compare(l.value, r.value)
		}
	}
	return 0
}

func compareDigits(a, b string) int {
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	return strings.Compare(a, b)
}

// Less 是 Compare(a, b) < 0 的简写，便于 sort.Slice 使用。
func Less(a, b Version) bool {
	return Compare(a, b) < 0
}
