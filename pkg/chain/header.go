package chain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// ErrMalformedHeader is returned when no block number can be read from a header
var ErrMalformedHeader = errors.New("malformed header")

// Header is a raw new-head notification. Its shape depends on the client:
// {"number": ...}, {"header": {"number": ...}} or {"block": {"header": {"number": ...}}}.
type Header json.RawMessage

// headerNumberPaths lists the locations of the block number, tried in order
var headerNumberPaths = [][]string{
	{"number"},
	{"header", "number"},
	{"block", "header", "number"},
}

// NewHeader builds a minimal header carrying only a block number
func NewHeader(number uint64) Header {
	return Header(fmt.Sprintf(`{"number":%q}`, hexutil.EncodeUint64(number)))
}

// Number extracts the block number from the header
func (h Header) Number() (uint64, error) {
	if len(h) == 0 {
		return 0, ErrMalformedHeader
	}

	dec := json.NewDecoder(bytes.NewReader(h))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}

	for _, path := range headerNumberPaths {
		v, ok := lookup(doc, path)
		if !ok {
			continue
		}
		n, err := ParseQuantity(v)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
		}
		return n, nil
	}
	return 0, ErrMalformedHeader
}

func lookup(doc map[string]any, path []string) (any, bool) {
	var cur any = doc
	for _, key := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// ParseQuantity decodes an unsigned quantity that may be a 0x-prefixed hex
// string, a decimal string or a JSON number.
func ParseQuantity(v any) (uint64, error) {
	switch x := v.(type) {
	case json.Number:
		return strconv.ParseUint(x.String(), 10, 64)
	case float64:
		if x < 0 || x != float64(uint64(x)) {
			return 0, fmt.Errorf("not an unsigned integer: %v", x)
		}
		return uint64(x), nil
	case uint64:
		return x, nil
	case int:
		if x < 0 {
			return 0, fmt.Errorf("negative quantity: %d", x)
		}
		return uint64(x), nil
	case string:
		s := strings.TrimSpace(x)
		if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
			n, err := hexutil.DecodeUint64(s)
			if errors.Is(err, hexutil.ErrLeadingZero) {
				// Some nodes zero-pad quantities
				return strconv.ParseUint(s[2:], 16, 64)
			}
			return n, err
		}
		return strconv.ParseUint(s, 10, 64)
	default:
		return 0, fmt.Errorf("unsupported quantity type %T", v)
	}
}
