// Package cast coerces the untyped values produced by bencode decoding
// (string, int64, []any, map[string]any) into the concrete Go types the
// metainfo and tracker parsers expect.
package cast

import "fmt"

// typeError reports that a decoded bencode value wasn't the shape a caller
// needed, carrying the actual dynamic type so the message doesn't have to
// be hand-written at every call site.
type typeError struct {
	want string
	got  any
}

func (e *typeError) Error() string {
	return fmt.Sprintf("cast: expected %s, got %T", e.want, e.got)
}

func notA(want string, got any) error { return &typeError{want: want, got: got} }

// ToString coerces a decoded byte string (string or []byte) into a string.
func ToString(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case []byte:
		return string(t), nil
	}
	return "", notA("string", v)
}

// ToBytes coerces a decoded byte string into a []byte.
func ToBytes(v any) ([]byte, error) {
	switch t := v.(type) {
	case []byte:
		return t, nil
	case string:
		return []byte(t), nil
	}
	return nil, notA("byte string", v)
}

// asInt64 and asUint64 accept every integer kind a decoder might hand
// back, so ToInt doesn't need to assume which width was used.
func asInt64(v any) (int64, bool) {
	switch t := v.(type) {
	case int:
		return int64(t), true
	case int8:
		return int64(t), true
	case int16:
		return int64(t), true
	case int32:
		return int64(t), true
	case int64:
		return t, true
	}
	return 0, false
}

func asUint64(v any) (uint64, bool) {
	switch t := v.(type) {
	case uint:
		return uint64(t), true
	case uint8:
		return uint64(t), true
	case uint16:
		return uint64(t), true
	case uint32:
		return uint64(t), true
	case uint64:
		return t, true
	}
	return 0, false
}

// ToInt coerces any Go integer kind (signed or unsigned) into an int64.
func ToInt(v any) (int64, error) {
	if n, ok := asInt64(v); ok {
		return n, nil
	}
	if n, ok := asUint64(v); ok {
		return int64(n), nil
	}
	return 0, notA("int", v)
}

// ToStringSlice coerces a decoded list into a slice of strings, failing on
// the first element that isn't a byte string.
func ToStringSlice(v any) ([]string, error) {
	list, ok := v.([]any)
	if !ok {
		return nil, notA("list", v)
	}

	out := make([]string, len(list))
	for i, elem := range list {
		s, err := ToString(elem)
		if err != nil {
			return nil, fmt.Errorf("cast: element %d: %w", i, err)
		}
		out[i] = s
	}
	return out, nil
}

// ToTieredStrings coerces BEP 12's announce-list shape: a list of
// non-empty tiers, each tier itself a list of announce URLs.
func ToTieredStrings(v any) ([][]string, error) {
	rawTiers, ok := v.([]any)
	if !ok {
		return nil, notA("list of tiers", v)
	}

	tiers := make([][]string, len(rawTiers))
	for i, rawTier := range rawTiers {
		tier, err := ToStringSlice(rawTier)
		if err != nil {
			return nil, fmt.Errorf("cast: tier %d: %w", i, err)
		}
		if len(tier) == 0 {
			return nil, fmt.Errorf("cast: tier %d: empty", i)
		}
		tiers[i] = tier
	}
	return tiers, nil
}
