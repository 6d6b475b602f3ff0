package rbmarshal

import (
	"errors"
	"fmt"
)

const (
	majorVersion = 4
	minorVersion = 8
)

const (
	typeNil        = '0'
	typeTrue       = 'T'
	typeFalse      = 'F'
	typeFixnum     = 'i'
	typeBignum     = 'l'
	typeFloat      = 'f'
	typeString     = '"'
	typeSymbol     = ':'
	typeSymlink    = ';'
	typeLink       = '@'
	typeIvar       = 'I'
	typeArray      = '['
	typeHash       = '{'
	typeObject     = 'o'
	typeUserMarsh  = 'U'
	typeUserDefine = 'u'
)

// Symbol 对应 Ruby 的 Symbol。
type Symbol string

// Binary 编码为不带 encoding ivar 的 ASCII-8BIT 字符串。
type Binary []byte

// ASCIIString 编码为 US-ASCII 字符串（E=false）。
type ASCIIString string

// Pair 是 Hash 或实例变量中的一组键值。
type Pair struct {
	Key   any
	Value any
}

// Hash 保留 Marshal 流中的键顺序。
type Hash struct {
	Pairs []Pair
}

// Get 按 == 查找键，仅适用于可比较的键。
func (h *Hash) Get(key any) (any, bool) {
	for _, p := range h.Pairs {
		if p.Key == key {
			return p.Value, true
		}
	}
	return nil, false
}

// Object 是普通 Ruby 对象（类型 o）。
type Object struct {
	Class string
	Ivars []Pair
}

// UserMarshal 表示实现 marshal_dump 的对象（类型 U），例如 Gem::Version。
type UserMarshal struct {
	Class string
	Data  any
}

// UserDefined 表示实现 _dump 的对象（类型 u），Data 为原始字节。
type UserDefined struct {
	Class string
	Data  []byte
}

var (
	// ErrUnsupportedType 表示编码器不支持该 Go 类型。
	ErrUnsupportedType = errors.New("rbmarshal: unsupported type")
	// ErrVersion 表示流头部不是 4.8。
	ErrVersion = errors.New("rbmarshal: incompatible marshal version")
)

// SyntaxError 描述解码时遇到的格式错误。
type SyntaxError struct {
	Offset int64
	Msg    string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("rbmarshal: %s at offset %d", e.Msg, e.Offset)
}
