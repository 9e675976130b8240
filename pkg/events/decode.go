package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"
	"sort"
	"strings"

	"github.com/0xmhha/stakebot/pkg/chain"
)

// ErrUndecodable is returned when a raw record has no recognizable module/kind
var ErrUndecodable = errors.New("undecodable event record")

// Field is one positional event parameter, optionally named
type Field struct {
	Name  string
	Value interface{}
}

// Decoded is a chain event normalized across client/runtime naming variants
type Decoded struct {
	Module string
	Name   string
	Fields []Field
}

// Key names tried in order when normalizing a raw record
var (
	moduleKeys = []string{"module_id", "pallet", "module", "section"}
	kindKeys   = []string{"event_id", "event", "name", "method"}
	paramKeys  = []string{"attributes", "params", "data", "args"}
)

// Decode normalizes a raw event record. Records may be wrapped as
// {"phase": ..., "event": {...}} or be the event itself.
func Decode(raw chain.RawEvent) (*Decoded, error) {
	body := map[string]interface{}(raw)
	if inner, ok := raw["event"].(map[string]interface{}); ok {
		body = inner
	}

	module := firstString(body, moduleKeys)
	kind := firstString(body, kindKeys)
	if module == "" || kind == "" {
		return nil, ErrUndecodable
	}

	d := &Decoded{Module: module, Name: kind}
	for _, key := range paramKeys {
		v, ok := body[key]
		if !ok || v == nil {
			continue
		}
		switch params := v.(type) {
		case []interface{}:
			d.Fields = make([]Field, 0, len(params))
			for _, p := range params {
				d.Fields = append(d.Fields, toField(p))
			}
		case map[string]interface{}:
			d.Fields = namedFields(params)
		default:
			return nil, fmt.Errorf("%w: %s is %T", ErrUndecodable, key, v)
		}
		break
	}
	return d, nil
}

func firstString(m map[string]interface{}, keys []string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// namedFields turns an object of named parameters into fields in key order
func namedFields(params map[string]interface{}) []Field {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	fields := make([]Field, 0, len(names))
	for _, name := range names {
		fields = append(fields, Field{Name: name, Value: params[name]})
	}
	return fields
}

func toField(p interface{}) Field {
	if m, ok := p.(map[string]interface{}); ok {
		if _, hasValue := m["value"]; hasValue {
			name, _ := m["name"].(string)
			return Field{Name: name, Value: m["value"]}
		}
	}
	return Field{Value: p}
}

// integerValue converts integer-typed values. Strings are only accepted when
// allowStrings is set because the positional heuristic must not treat
// account ids or hashes as numbers.
func integerValue(v interface{}, allowStrings bool) (*big.Int, bool) {
	switch x := v.(type) {
	case int:
		return big.NewInt(int64(x)), true
	case int32:
		return big.NewInt(int64(x)), true
	case int64:
		return big.NewInt(x), true
	case uint16:
		return new(big.Int).SetUint64(uint64(x)), true
	case uint32:
		return new(big.Int).SetUint64(uint64(x)), true
	case uint64:
		return new(big.Int).SetUint64(x), true
	case float64:
		if x != math.Trunc(x) || math.IsInf(x, 0) {
			return nil, false
		}
		f := new(big.Float).SetFloat64(x)
		n, _ := f.Int(nil)
		return n, true
	case json.Number:
		n, ok := new(big.Int).SetString(x.String(), 10)
		return n, ok
	case *big.Int:
		if x == nil {
			return nil, false
		}
		return new(big.Int).Set(x), true
	case string:
		if !allowStrings {
			return nil, false
		}
		s := strings.TrimSpace(x)
		if strings.HasPrefix(s, "0x") {
			return new(big.Int).SetString(s[2:], 16)
		}
		return new(big.Int).SetString(s, 10)
	default:
		return nil, false
	}
}
