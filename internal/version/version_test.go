package version

import "testing"

// TestCheckSchema verifies which description schema versions are accepted.
func TestCheckSchema(t *testing.T) {
	tests := []struct {
		version string
		ok      bool
	}{
		{"", true},
		{"1.0", true},
		{"1.1.0", true},
		{"1.0.3", true},
		{"1.2.0", false},
		{"2.0.0", false},
		{"0.9.0", false},
		{"not-a-version", false},
	}

	for _, tt := range tests {
		err := CheckSchema(tt.version)
		if tt.ok && err != nil {
			t.Errorf("expected %q to be accepted, got %v", tt.version, err)
		}
		if !tt.ok && err == nil {
			t.Errorf("expected %q to be rejected", tt.version)
		}
	}
}

// TestGetVersion verifies the version accessor.
func TestGetVersion(t *testing.T) {
	if GetVersion() != Version {
		t.Errorf("expected %s, got %s", Version, GetVersion())
	}
}
