package bencode

import (
	"strconv"
	"strings"
	"testing"
)

func encode(t *testing.T, v any) string {
	t.Helper()

	b, err := Marshal(v)
	if err != nil {
		t.Fatalf("Marshal(%T): %v", v, err)
	}
	return string(b)
}

func TestMarshalScalars(t *testing.T) {
	for _, tc := range []struct {
		in   any
		want string
	}{
		{"spam", "4:spam"},
		{"", "0:"},
		{[]byte("eggs"), "4:eggs"},
		{true, "i1e"},
		{false, "i0e"},
		{int(-1), "i-1e"},
		{int(0), "i0e"},
		{int(42), "i42e"},
		{int8(-8), "i-8e"},
		{int16(32000), "i32000e"},
		{int32(-123456), "i-123456e"},
		{int64(9007199254740991), "i9007199254740991e"},
		{uint(0), "i0e"},
		{uint(42), "i42e"},
		{uint8(255), "i255e"},
		{uint16(65535), "i65535e"},
		{uint32(4000000000), "i4000000000e"},
	} {
		t.Run(tc.want, func(t *testing.T) {
			if got := encode(t, tc.in); got != tc.want {
				t.Errorf("Marshal(%#v) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}

	max := ^uint64(0)
	if got, want := encode(t, max), "i"+strconv.FormatUint(max, 10)+"e"; got != want {
		t.Errorf("Marshal(uint64 max) = %q, want %q", got, want)
	}
}

func TestMarshalList(t *testing.T) {
	in := []any{int64(1), "spam", false, []any{"nested", int(2)}}
	want := "li1e4:spami0el6:nestedi2eee"
	if got := encode(t, in); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestMarshalDictSortsKeys(t *testing.T) {
	in := map[string]any{
		"b": int(2),
		"a": int(1),
		"c": []any{"x", int(3)},
	}
	want := "d1:ai1e1:bi2e1:cl1:xi3eee"
	if got := encode(t, in); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestMarshalNestedDict(t *testing.T) {
	in := map[string]any{
		"info": map[string]any{
			"name":   "ubuntu.iso",
			"length": int64(1024),
			"pieces": []any{"abc", "def"},
		},
		"announce": "http://tracker",
	}
	want := "d8:announce14:http://tracker4:infod6:lengthi1024e4:name10:ubuntu.iso6:piecesl3:abc3:defeee"
	if got := encode(t, in); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestMarshalUnsupportedType(t *testing.T) {
	_, err := Marshal(struct{}{})
	if err == nil {
		t.Fatal("expected an error, got nil")
	}
	if !strings.Contains(err.Error(), "cannot encode") {
		t.Fatalf("error = %v, want it to mention the unsupported type", err)
	}
}

func TestMarshalListElementError(t *testing.T) {
	_, err := Marshal([]any{"ok", struct{}{}})
	if err == nil {
		t.Fatal("expected an error, got nil")
	}
	if !strings.Contains(err.Error(), "list element 1") {
		t.Fatalf("error = %v, want it to name the failing element", err)
	}
}

func TestMarshalDictValueError(t *testing.T) {
	_, err := Marshal(map[string]any{"bad": struct{}{}})
	if err == nil {
		t.Fatal("expected an error, got nil")
	}
	if !strings.Contains(err.Error(), `dict value for "bad"`) {
		t.Fatalf("error = %v, want it to name the failing key", err)
	}
}
