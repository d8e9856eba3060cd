// Package wire decodes the compact self-describing binary format the
// Goofish sync channel wraps inside base64 `data` fields. The format was
// recovered by observation; anything the decoder does not recognize is an
// error, never a guess.
package wire

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrTruncated   = errors.New("truncated envelope")
	ErrUnknownByte = errors.New("unknown format byte")
)

// format bytes observed on the wire
const (
	fmtNil    = 0xc0
	fmtFalse  = 0xc2
	fmtTrue   = 0xc3
	fmtBin8   = 0xc4
	fmtBin16  = 0xc5
	fmtBin32  = 0xc6
	fmtUint8  = 0xcc
	fmtUint16 = 0xcd
	fmtUint32 = 0xce
	fmtUint64 = 0xcf
	fmtStr8   = 0xd9
	fmtStr16  = 0xda
	fmtStr32  = 0xdb
	fmtArr16  = 0xdc
	fmtArr32  = 0xdd
	fmtMap16  = 0xde
	fmtMap32  = 0xdf
)

// Decode reads one value from buf. Trailing bytes after the first complete
// value are ignored; the sync channel packs exactly one value per payload.
func Decode(buf []byte) (any, error) {
	d := &decoder{buf: buf}
	value, err := d.readValue()
	if err != nil {
		return nil, err
	}
	return value, nil
}

// DecodeBase64Payload repairs missing base64 padding, decodes, and then
// decodes the binary envelope inside.
func DecodeBase64Payload(payload string) (any, error) {
	raw, err := DecodeBase64(payload)
	if err != nil {
		return nil, err
	}
	return Decode(raw)
}

// DecodeBase64 decodes standard base64, tolerating stripped padding.
func DecodeBase64(payload string) ([]byte, error) {
	payload = strings.TrimSpace(payload)
	if rem := len(payload) % 4; rem != 0 {
		payload += strings.Repeat("=", 4-rem)
	}
	return base64.StdEncoding.DecodeString(payload)
}

type decoder struct {
	buf []byte
	pos int
}

func (d *decoder) readValue() (any, error) {
	b, err := d.readByte()
	if err != nil {
		return nil, err
	}
	switch {
	case b <= 0x7f: // positive fixint
		return int64(b), nil
	case b >= 0xe0: // negative fixint
		return int64(int8(b)), nil
	case b >= 0x80 && b <= 0x8f: // fixmap
		return d.readMap(int(b & 0x0f))
	case b >= 0x90 && b <= 0x9f: // fixarray
		return d.readArray(int(b & 0x0f))
	case b >= 0xa0 && b <= 0xbf: // fixstr
		return d.readString(int(b & 0x1f))
	}
	switch b {
	case fmtNil:
		return nil, nil
	case fmtFalse:
		return false, nil
	case fmtTrue:
		return true, nil
	case fmtBin8:
		n, err := d.readLength(1)
		if err != nil {
			return nil, err
		}
		return d.readBytes(n)
	case fmtBin16:
		n, err := d.readLength(2)
		if err != nil {
			return nil, err
		}
		return d.readBytes(n)
	case fmtBin32:
		n, err := d.readLength(4)
		if err != nil {
			return nil, err
		}
		return d.readBytes(n)
	case fmtUint8:
		n, err := d.readLength(1)
		if err != nil {
			return nil, err
		}
		return int64(n), nil
	case fmtUint16:
		n, err := d.readLength(2)
		if err != nil {
			return nil, err
		}
		return int64(n), nil
	case fmtUint32:
		n, err := d.readLength(4)
		if err != nil {
			return nil, err
		}
		return int64(n), nil
	case fmtUint64:
		raw, err := d.readBytes(8)
		if err != nil {
			return nil, err
		}
		return int64(binary.BigEndian.Uint64(raw)), nil
	case fmtStr8:
		n, err := d.readLength(1)
		if err != nil {
			return nil, err
		}
		return d.readString(n)
	case fmtStr16:
		n, err := d.readLength(2)
		if err != nil {
			return nil, err
		}
		return d.readString(n)
	case fmtStr32:
		n, err := d.readLength(4)
		if err != nil {
			return nil, err
		}
		return d.readString(n)
	case fmtArr16:
		n, err := d.readLength(2)
		if err != nil {
			return nil, err
		}
		return d.readArray(n)
	case fmtArr32:
		n, err := d.readLength(4)
		if err != nil {
			return nil, err
		}
		return d.readArray(n)
	case fmtMap16:
		n, err := d.readLength(2)
		if err != nil {
			return nil, err
		}
		return d.readMap(n)
	case fmtMap32:
		n, err := d.readLength(4)
		if err != nil {
			return nil, err
		}
		return d.readMap(n)
	}
	return nil, fmt.Errorf("%w: 0x%02x at offset %d", ErrUnknownByte, b, d.pos-1)
}

func (d *decoder) readMap(count int) (map[string]any, error) {
	result := make(map[string]any, count)
	for i := 0; i < count; i++ {
		key, err := d.readValue()
		if err != nil {
			return nil, err
		}
		value, err := d.readValue()
		if err != nil {
			return nil, err
		}
		result[coerceKey(key)] = value
	}
	return result, nil
}

func (d *decoder) readArray(count int) ([]any, error) {
	result := make([]any, 0, count)
	for i := 0; i < count; i++ {
		value, err := d.readValue()
		if err != nil {
			return nil, err
		}
		result = append(result, value)
	}
	return result, nil
}

func (d *decoder) readString(length int) (string, error) {
	raw, err := d.readBytes(length)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func (d *decoder) readLength(width int) (int, error) {
	raw, err := d.readBytes(width)
	if err != nil {
		return 0, err
	}
	var n uint64
	for _, b := range raw {
		n = n<<8 | uint64(b)
	}
	if n > 1<<31-1 {
		return 0, fmt.Errorf("length %d exceeds sane bounds", n)
	}
	return int(n), nil
}

func (d *decoder) readByte() (byte, error) {
	if d.pos >= len(d.buf) {
		return 0, ErrTruncated
	}
	b := d.buf[d.pos]
	d.pos++
	return b, nil
}

func (d *decoder) readBytes(n int) ([]byte, error) {
	if n < 0 || d.pos+n > len(d.buf) {
		return nil, ErrTruncated
	}
	raw := d.buf[d.pos : d.pos+n]
	d.pos += n
	return raw, nil
}

// coerceKey renders any decoded value usable as a map key. The service
// emits maps keyed by small integers as often as by strings.
func coerceKey(key any) string {
	switch v := key.(type) {
	case string:
		return v
	case int64:
		return strconv.FormatInt(v, 10)
	case bool:
		return strconv.FormatBool(v)
	case nil:
		return ""
	case []byte:
		return string(v)
	default:
		return fmt.Sprintf("%v", v)
	}
}
