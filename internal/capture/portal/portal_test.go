package portal

import (
	"testing"

	"github.com/godbus/dbus/v5"
)

func TestSanitizeSenderName(t *testing.T) {
	cases := map[string]string{
		":1.42":   "1_42",
		":1.0":    "1_0",
		":100.7":  "100_7",
	}
	for in, want := range cases {
		if got := sanitizeSenderName(in); got != want {
			t.Fatalf("sanitizeSenderName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseStreamNodeIDs(t *testing.T) {
	v := dbus.MakeVariant([][]interface{}{
		{uint32(17), map[string]dbus.Variant{}},
		{uint32(23), map[string]dbus.Variant{}},
	})
	ids := parseStreamNodeIDs(v)
	if len(ids) != 2 || ids[0] != 17 || ids[1] != 23 {
		t.Fatalf("parseStreamNodeIDs = %v, want [17 23]", ids)
	}
}

func TestParseStreamNodeIDsEmptyOnWrongShape(t *testing.T) {
	ids := parseStreamNodeIDs(dbus.MakeVariant("not a stream list"))
	if len(ids) != 0 {
		t.Fatalf("expected no node IDs from a malformed variant, got %v", ids)
	}
}
