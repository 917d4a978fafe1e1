package cmgr

import "testing"

// TestVersionFormat ensures the computed version string matches the
// major.minor.patch components it's derived from.
func TestVersionFormat(t *testing.T) {
	expected := "0.1.0"
	if Version != expected {
		t.Errorf("version = %q, expected %q", Version, expected)
	}
}
