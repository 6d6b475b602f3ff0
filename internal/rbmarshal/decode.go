package rbmarshal

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"math/big"
	"strconv"
)

// maxPrealloc 限制按长度前缀预分配的元素数，更长的内容随实际读取增长。
const maxPrealloc = 64

// Unmarshal 解码一个完整的 Marshal 4.8 文档。
func Unmarshal(data []byte) (any, error) {
	return NewDecoder(bytes.NewReader(data)).Decode()
}

// Decoder 从流中逐个读取 Marshal 文档，适合直接包在 gzip 流上。
type Decoder struct {
	r       *bufio.Reader
	offset  int64
	symbols []Symbol
	objects []any
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

func (d *Decoder) Decode() (any, error) {
	d.symbols = d.symbols[:0]
	d.objects = d.objects[:0]

	major, err := d.byte()
	if err != nil {
		return nil, err
	}
	minor, err := d.byte()
	if err != nil {
		return nil, err
	}
	if major != majorVersion || minor > minorVersion {
		return nil, fmt.Errorf("%w: %d.%d", ErrVersion, major, minor)
	}
	return d.value()
}

func (d *Decoder) value() (any, error) {
	start := d.offset
	kind, err := d.byte()
	if err != nil {
		return nil, err
	}
	switch kind {
	case typeNil:
		return nil, nil
	case typeTrue:
		return true, nil
	case typeFalse:
		return false, nil
	case typeFixnum:
		n, err := d.long()
		return int(n), err
	case typeBignum:
		return d.bignum()
	case typeFloat:
		return d.float()
	case typeString:
		raw, err := d.bytes()
		if err != nil {
			return nil, err
		}
		s := string(raw)
		d.remember(s)
		return s, nil
	case typeIvar:
		return d.withIvars()
	case typeSymbol:
		return d.symbolBody()
	case typeSymlink:
		return d.symlink()
	case typeLink:
		idx, err := d.long()
		if err != nil {
			return nil, err
		}
		if idx < 0 || int(idx) >= len(d.objects) {
			return nil, d.syntax(start, fmt.Sprintf("object link %d out of range", idx))
		}
		return d.objects[idx], nil
	case typeArray:
		n, err := d.length()
		if err != nil {
			return nil, err
		}
		arr := make([]any, 0, min(n, maxPrealloc))
		idx := d.remember(arr)
		for i := 0; i < n; i++ {
			v, err := d.value()
			if err != nil {
				return nil, err
			}
			arr = append(arr, v)
		}
		d.objects[idx] = arr
		return arr, nil
	case typeHash:
		n, err := d.length()
		if err != nil {
			return nil, err
		}
		h := &Hash{Pairs: make([]Pair, 0, min(n, maxPrealloc))}
		d.remember(h)
		for i := 0; i < n; i++ {
			k, err := d.value()
			if err != nil {
				return nil, err
			}
			v, err := d.value()
			if err != nil {
				return nil, err
			}
			h.Pairs = append(h.Pairs, Pair{Key: k, Value: v})
		}
		return h, nil
	case typeObject:
		class, err := d.symbolValue()
		if err != nil {
			return nil, err
		}
		obj := &Object{Class: string(class)}
		d.remember(obj)
		if obj.Ivars, err = d.ivars(); err != nil {
			return nil, err
		}
		return obj, nil
	case typeUserMarsh:
		class, err := d.symbolValue()
		if err != nil {
			return nil, err
		}
		obj := &UserMarshal{Class: string(class)}
		d.remember(obj)
		if obj.Data, err = d.value(); err != nil {
			return nil, err
		}
		return obj, nil
	case typeUserDefine:
		class, err := d.symbolValue()
		if err != nil {
			return nil, err
		}
		data, err := d.bytes()
		if err != nil {
			return nil, err
		}
		obj := &UserDefined{Class: string(class), Data: data}
		d.remember(obj)
		return obj, nil
	default:
		return nil, d.syntax(start, fmt.Sprintf("unsupported type byte %q", kind))
	}
}

// withIvars 读取 I 包装：内部值之后紧跟实例变量，字符串的编码信息被丢弃。
func (d *Decoder) withIvars() (any, error) {
	inner, err := d.value()
	if err != nil {
		return nil, err
	}
	if _, err := d.ivars(); err != nil {
		return nil, err
	}
	return inner, nil
}

func (d *Decoder) ivars() ([]Pair, error) {
	n, err := d.length()
	if err != nil {
		return nil, err
	}
	out := make([]Pair, 0, min(n, maxPrealloc))
	for i := 0; i < n; i++ {
		name, err := d.symbolValue()
		if err != nil {
			return nil, err
		}
		v, err := d.value()
		if err != nil {
			return nil, err
		}
		out = append(out, Pair{Key: name, Value: v})
	}
	return out, nil
}

func (d *Decoder) symbolValue() (Symbol, error) {
	start := d.offset
	kind, err := d.byte()
	if err != nil {
		return "", err
	}
	var v any
	switch kind {
	case typeSymbol:
		v, err = d.symbolBody()
	case typeSymlink:
		v, err = d.symlink()
	case typeIvar:
		v, err = d.symbolValue()
		if err == nil {
			_, err = d.ivars()
		}
	default:
		return "", d.syntax(start, fmt.Sprintf("expected symbol, got %q", kind))
	}
	if err != nil {
		return "", err
	}
	return v.(Symbol), nil
}

func (d *Decoder) symbolBody() (any, error) {
	raw, err := d.bytes()
	if err != nil {
		return nil, err
	}
	sym := Symbol(raw)
	d.symbols = append(d.symbols, sym)
	return sym, nil
}

func (d *Decoder) symlink() (any, error) {
	start := d.offset
	idx, err := d.long()
	if err != nil {
		return nil, err
	}
	if idx < 0 || int(idx) >= len(d.symbols) {
		return nil, d.syntax(start, fmt.Sprintf("symbol link %d out of range", idx))
	}
	return d.symbols[idx], nil
}

func (d *Decoder) bignum() (any, error) {
	sign, err := d.byte()
	if err != nil {
		return nil, err
	}
	shorts, err := d.length()
	if err != nil {
		return nil, err
	}
	le, err := d.readN(int64(shorts) * 2)
	if err != nil {
		return nil, err
	}
	be := make([]byte, len(le))
	for i, b := range le {
		be[len(le)-1-i] = b
	}
	n := new(big.Int).SetBytes(be)
	if sign == '-' {
		n.Neg(n)
	}
	d.remember(n)
	if n.IsInt64() {
		return n.Int64(), nil
	}
	return n, nil
}

func (d *Decoder) float() (any, error) {
	start := d.offset
	raw, err := d.bytes()
	if err != nil {
		return nil, err
	}
	var f float64
	switch text := string(raw); text {
	case "nan":
		f = math.NaN()
	case "inf":
		f = math.Inf(1)
	case "-inf":
		f = math.Inf(-1)
	default:
		// 旧版本可能在 NUL 之后追加尾数字节。
		if i := bytes.IndexByte(raw, 0); i >= 0 {
			text = text[:i]
		}
		f, err = strconv.ParseFloat(text, 64)
		if err != nil {
			return nil, d.syntax(start, "malformed float")
		}
	}
	d.remember(f)
	return f, nil
}

func (d *Decoder) remember(v any) int {
	d.objects = append(d.objects, v)
	return len(d.objects) - 1
}

func (d *Decoder) length() (int, error) {
	start := d.offset
	n, err := d.long()
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, d.syntax(start, fmt.Sprintf("negative length %d", n))
	}
	return int(n), nil
}

func (d *Decoder) bytes() ([]byte, error) {
	n, err := d.length()
	if err != nil {
		return nil, err
	}
	return d.readN(int64(n))
}

// long 按 Ruby r_long 规则读取变长整数。
func (d *Decoder) long() (int64, error) {
	b, err := d.byte()
	if err != nil {
		return 0, err
	}
	c := int8(b)
	switch {
	case c == 0:
		return 0, nil
	case c > 4:
		return int64(c) - 5, nil
	case c < -4:
		return int64(c) + 5, nil
	case c > 0:
		var x int64
		for i := 0; i < int(c); i++ {
			nb, err := d.byte()
			if err != nil {
				return 0, err
			}
			x |= int64(nb) << (8 * i)
		}
		return x, nil
	default:
		n := int(-c)
		x := int64(-1)
		for i := 0; i < n; i++ {
			nb, err := d.byte()
			if err != nil {
				return 0, err
			}
			x &^= int64(0xff) << (8 * i)
			x |= int64(nb) << (8 * i)
		}
		return x, nil
	}
}

func (d *Decoder) byte() (byte, error) {
	b, err := d.r.ReadByte()
	if err != nil {
		return 0, d.eof(err)
	}
	d.offset++
	return b, nil
}

// readN 读取 n 个字节；缓冲区随实际到达的数据增长，截断的输入返回 SyntaxError。
func (d *Decoder) readN(n int64) ([]byte, error) {
	var buf bytes.Buffer
	copied, err := io.CopyN(&buf, d.r, n)
	d.offset += copied
	if err != nil {
		return nil, d.eof(err)
	}
	return buf.Bytes(), nil
}

func (d *Decoder) eof(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return d.syntax(d.offset, "unexpected end of data")
	}
	return err
}

func (d *Decoder) syntax(offset int64, msg string) error {
	return &SyntaxError{Offset: offset, Msg: msg}
}
