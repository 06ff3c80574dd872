package protocol

import (
	"reflect"
	"sort"

	"github.com/shaunagostinho/llpble/internal/hexutil"
)

// Field is one named value of a request. A Fields slice keeps the order the
// caller wrote it in, which becomes the payload byte order.
type Field struct {
	Name  string
	Value any
}

// Fields is the ordered request form accepted by DefaultEncode.
type Fields []Field

// RawPayload is what DefaultDecode produces.
type RawPayload struct {
	RawData   []byte `json:"rawData"`
	HexString string `json:"hexString"`
}

// DefaultEncode projects every value of req to a single payload byte.
// Numeric values are truncated to a byte, anything else becomes 0.
//
// Accepted shapes: nil, Fields, []byte, a struct (exported fields in
// declaration order), map[string]any (keys sorted), or a single numeric.
func DefaultEncode(req any) []byte {
	switch v := req.(type) {
	case nil:
		return []byte{}
	case Fields:
		out := make([]byte, 0, len(v))
		for _, f := range v {
			out = append(out, numericByte(f.Value))
		}
		return out
	case []byte:
		return append([]byte{}, v...)
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]byte, 0, len(keys))
		for _, k := range keys {
			out = append(out, numericByte(v[k]))
		}
		return out
	}

	rv := reflect.ValueOf(req)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return []byte{}
		}
		rv = rv.Elem()
	}
	if rv.Kind() == reflect.Struct {
		out := make([]byte, 0, rv.NumField())
		rt := rv.Type()
		for i := 0; i < rv.NumField(); i++ {
			if !rt.Field(i).IsExported() {
				continue
			}
			out = append(out, numericByte(rv.Field(i).Interface()))
		}
		return out
	}
	return []byte{numericByte(req)}
}

// DefaultDecode wraps the payload as raw bytes plus its hex form.
func DefaultDecode(payload []byte) any {
	raw := append([]byte{}, payload...)
	return RawPayload{RawData: raw, HexString: hexutil.BytesToHex(raw)}
}

func numericByte(v any) byte {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return byte(rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return byte(rv.Uint())
	case reflect.Float32, reflect.Float64:
		return byte(int64(rv.Float()))
	default:
		return 0
	}
}
