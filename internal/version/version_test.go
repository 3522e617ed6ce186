package version

import "testing"

func TestGetCurrentVersion(t *testing.T) {
	if got := GetCurrentVersion("dev"); got != DevVersion {
		t.Errorf("dev mode: expected %q, got %q", DevVersion, got)
	}
	if got := GetCurrentVersion("demo"); got != DevVersion {
		t.Errorf("demo mode: expected %q, got %q", DevVersion, got)
	}
	if got := GetCurrentVersion("prod"); got != Version {
		t.Errorf("prod mode: expected %q, got %q", Version, got)
	}
}

func TestVersionComparisons(t *testing.T) {
	tests := []struct {
		version string
		target  string
		gte     bool
		gt      bool
	}{
		{"0.2.0", "0.1.0", true, true},
		{"0.1.0", "0.1.0", true, false},
		{"0.1.0", "0.2.0", false, false},
		{"1.0.0", "0.9.9", true, true},
	}

	for _, tt := range tests {
		if got := IsVersionGreaterOrEqualThan(tt.version, tt.target); got != tt.gte {
			t.Errorf("IsVersionGreaterOrEqualThan(%q, %q) = %v, want %v", tt.version, tt.target, got, tt.gte)
		}
		if got := IsVersionGreaterThan(tt.version, tt.target); got != tt.gt {
			t.Errorf("IsVersionGreaterThan(%q, %q) = %v, want %v", tt.version, tt.target, got, tt.gt)
		}
	}
}

func TestString(t *testing.T) {
	if String() == "" {
		t.Error("String() returned empty")
	}
	if StringFull() == "" {
		t.Error("StringFull() returned empty")
	}
}
