package target

import "testing"

// TestRangeContainsRange verifies bounds checks, including requests whose
// end would wrap past the top of the address space.
func TestRangeContainsRange(t *testing.T) {
	r := Range{Start: 0x1000, End: 0x2000}
	tests := []struct {
		name   string
		start  uint64
		length uint64
		want   bool
	}{
		{"whole range", 0x1000, 0x1000, true},
		{"inside", 0x1800, 0x10, true},
		{"empty at end", 0x2000, 0, true},
		{"below start", 0xfff, 2, false},
		{"past end", 0x1ff0, 0x20, false},
		{"starts past end", 0x2001, 0, false},
		{"wraps", 0x1800, ^uint64(0) - 0x10, false},
		{"near top", 0xfffffffffffffff0, 0x20, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := r.ContainsRange(tt.start, tt.length); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}

	top := Range{Start: 0, End: 0x10000}
	if top.ContainsRange(0xfffffffffffffff0, 0x20) {
		t.Error("expected a wrapping range to be rejected")
	}
}
