package rbmarshal

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"math"
	"math/big"
	"strconv"
)

const (
	fixnumMin = -1 << 31
	fixnumMax = 1<<31 - 1
)

// Marshal 将 v 编码为完整的 Marshal 4.8 字节流。
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Encoder 将值写入输出流，每次 Encode 产生一个独立的 Marshal 文档。
type Encoder struct {
	w       *bufio.Writer
	symbols map[Symbol]int
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: bufio.NewWriter(w)}
}

func (e *Encoder) Encode(v any) error {
	e.symbols = make(map[Symbol]int)
	e.w.WriteByte(majorVersion)
	e.w.WriteByte(minorVersion)
	if err := e.value(v); err != nil {
		return err
	}
	return e.w.Flush()
}

func (e *Encoder) value(v any) error {
	switch val := v.(type) {
	case nil:
		return e.w.WriteByte(typeNil)
	case bool:
		if val {
			return e.w.WriteByte(typeTrue)
		}
		return e.w.WriteByte(typeFalse)
	case int:
		return e.integer(int64(val))
	case int32:
		return e.integer(int64(val))
	case int64:
		return e.integer(val)
	case *big.Int:
		return e.bignum(val)
	case float64:
		return e.float(val)
	case string:
		return e.str([]byte(val), true, true)
	case ASCIIString:
		return e.str([]byte(val), true, false)
	case Binary:
		return e.str(val, false, false)
	case Symbol:
		e.symbol(val)
		return nil
	case []any:
		e.w.WriteByte(typeArray)
		e.long(int64(len(val)))
		for _, item := range val {
			if err := e.value(item); err != nil {
				return err
			}
		}
		return nil
	case *Hash:
		e.w.WriteByte(typeHash)
		e.long(int64(len(val.Pairs)))
		for _, p := range val.Pairs {
			if err := e.value(p.Key); err != nil {
				return err
			}
			if err := e.value(p.Value); err != nil {
				return err
			}
		}
		return nil
	case *Object:
		e.w.WriteByte(typeObject)
		e.symbol(Symbol(val.Class))
		return e.ivars(val.Ivars)
	case *UserMarshal:
		e.w.WriteByte(typeUserMarsh)
		e.symbol(Symbol(val.Class))
		return e.value(val.Data)
	case *UserDefined:
		e.w.WriteByte(typeUserDefine)
		e.symbol(Symbol(val.Class))
		e.bytes(val.Data)
		return nil
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedType, v)
	}
}

func (e *Encoder) integer(x int64) error {
	if x < fixnumMin || x > fixnumMax {
		return e.bignum(big.NewInt(x))
	}
	e.w.WriteByte(typeFixnum)
	e.long(x)
	return nil
}

// bignum 写入符号字节与按 16 位计数的小端绝对值。
func (e *Encoder) bignum(x *big.Int) error {
	e.w.WriteByte(typeBignum)
	if x.Sign() < 0 {
		e.w.WriteByte('-')
	} else {
		e.w.WriteByte('+')
	}
	be := new(big.Int).Abs(x).Bytes()
	if len(be)%2 == 1 {
		be = append([]byte{0}, be...)
	}
	e.long(int64(len(be) / 2))
	for i := len(be) - 1; i >= 0; i-- {
		e.w.WriteByte(be[i])
	}
	return nil
}

func (e *Encoder) float(f float64) error {
	e.w.WriteByte(typeFloat)
	var text string
	switch {
	case math.IsNaN(f):
		text = "nan"
	case math.IsInf(f, 1):
		text = "inf"
	case math.IsInf(f, -1):
		text = "-inf"
	default:
		text = strconv.FormatFloat(f, 'g', -1, 64)
	}
	e.bytes([]byte(text))
	return nil
}

// str 写入字符串；带编码的字符串包在 I 中并附加 :E ivar。
func (e *Encoder) str(data []byte, withEncoding, utf8 bool) error {
	if withEncoding {
		e.w.WriteByte(typeIvar)
	}
	e.w.WriteByte(typeString)
	e.bytes(data)
	if !withEncoding {
		return nil
	}
	e.long(1)
	e.symbol("E")
	if utf8 {
		return e.w.WriteByte(typeTrue)
	}
	return e.w.WriteByte(typeFalse)
}

func (e *Encoder) ivars(ivars []Pair) error {
	e.long(int64(len(ivars)))
	for _, p := range ivars {
		name, ok := p.Key.(Symbol)
		if !ok {
			return fmt.Errorf("%w: ivar name %T", ErrUnsupportedType, p.Key)
		}
		e.symbol(name)
		if err := e.value(p.Value); err != nil {
			return err
		}
	}
	return nil
}

func (e *Encoder) symbol(s Symbol) {
	if idx, ok := e.symbols[s]; ok {
		e.w.WriteByte(typeSymlink)
		e.long(int64(idx))
		return
	}
	e.symbols[s] = len(e.symbols)
	e.w.WriteByte(typeSymbol)
	e.bytes([]byte(s))
}

func (e *Encoder) bytes(b []byte) {
	e.long(int64(len(b)))
	e.w.Write(b)
}

// long 按 Ruby w_long 规则写入变长整数。
func (e *Encoder) long(x int64) {
	switch {
	case x == 0:
		e.w.WriteByte(0)
		return
	case x > 0 && x < 123:
		e.w.WriteByte(byte(x + 5))
		return
	case x < 0 && x > -124:
		e.w.WriteByte(byte((x - 5) & 0xff))
		return
	}
	var buf [9]byte
	for i := 1; i < len(buf); i++ {
		buf[i] = byte(x & 0xff)
		x >>= 8
		if x == 0 {
			buf[0] = byte(i)
			e.w.Write(buf[:i+1])
			return
		}
		if x == -1 {
			buf[0] = byte(-i)
			e.w.Write(buf[:i+1])
			return
		}
	}
}
