package digest

import (
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/crypto/blake2b"
)

func writeTemp(t *testing.T, contents []byte) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "artifact.tar.gz")
	if err := os.WriteFile(path, contents, 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

func TestSumMatchesDirectBlake2b(t *testing.T) {
	contents := []byte("some tarball bytes, not actually a tarball")
	path := writeTemp(t, contents)

	got, err := Sum(path)
	if err != nil {
		t.Fatalf("Sum: %v", err)
	}

	want := blake2b.Sum512(contents)
	if !Equal(got, want[:]) {
		t.Errorf("Sum mismatch: got %x, want %x", got, want)
	}
	if len(got) != Size {
		t.Errorf("Sum length = %d, want %d", len(got), Size)
	}
}

func TestSumEmptyFile(t *testing.T) {
	path := writeTemp(t, nil)

	got, err := Sum(path)
	if err != nil {
		t.Fatalf("Sum: %v", err)
	}

	want := blake2b.Sum512(nil)
	if !Equal(got, want[:]) {
		t.Errorf("Sum of empty file mismatch: got %x, want %x", got, want)
	}
}

func TestSumMissingFile(t *testing.T) {
	dir := t.TempDir()
	if _, err := Sum(filepath.Join(dir, "missing.tar.gz")); err == nil {
		t.Error("expected error for missing file, got nil")
	}
}

func TestEqual(t *testing.T) {
	a := []byte{1, 2, 3}
	b := []byte{1, 2, 3}
	c := []byte{1, 2, 4}
	d := []byte{1, 2}

	if !Equal(a, b) {
		t.Error("expected a == b")
	}
	if Equal(a, c) {
		t.Error("expected a != c")
	}
	if Equal(a, d) {
		t.Error("expected a != d (different length)")
	}
}
