package verify

import (
	"strings"
	"testing"
)

func TestValidateMemoBoundaries(t *testing.T) {
	cases := []struct {
		name    string
		memo    string
		ok      bool
		byteLen int
	}{
		{"empty", "", true, 0},
		{"short", "INV-1", true, 5},
		{"exactly 28 bytes", "INV-" + strings.Repeat("X", 24), true, 28},
		{"29 bytes", "INV-" + strings.Repeat("X", 25), false, 29},
		// Arabic is 2 bytes per rune in UTF-8; 14 runes fill the limit.
		{"multibyte at limit", strings.Repeat("م", 14), true, 28},
		{"multibyte over limit", strings.Repeat("م", 15), false, 30},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ok, byteLen := ValidateMemo(tc.memo)
			if ok != tc.ok || byteLen != tc.byteLen {
				t.Fatalf("ValidateMemo(%q) = (%t, %d), want (%t, %d)", tc.memo, ok, byteLen, tc.ok, tc.byteLen)
			}
		})
	}
}
