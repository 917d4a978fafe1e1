package watch

import (
	"archive/tar"
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/picoCTF/cmgr-artifact-server/pkg/buildid"
	"github.com/picoCTF/cmgr-artifact-server/pkg/cache"
	"github.com/picoCTF/cmgr-artifact-server/pkg/logging"
)

func withShortDebounce(t *testing.T) {
	t.Helper()
	original := DebounceWindow
	DebounceWindow = 50 * time.Millisecond
	t.Cleanup(func() { DebounceWindow = original })
}

func writeTarball(t *testing.T, path string, files map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer f.Close()

	gzw := gzip.NewWriter(f)
	tw := tar.NewWriter(gzw)
	for name, body := range files {
		hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(body))}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("write header: %v", err)
		}
		if _, err := tw.Write([]byte(body)); err != nil {
			t.Fatalf("write body: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gzw.Close(); err != nil {
		t.Fatal(err)
	}
}

func awaitEvent(t *testing.T, bus *Bus) BuildEvent {
	t.Helper()
	select {
	case event, ok := <-bus.Events():
		if !ok {
			t.Fatal("bus closed while awaiting event")
		}
		return event
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for build event")
		return BuildEvent{}
	}
}

func TestWatcherEmitsCreateOnNewTarball(t *testing.T) {
	withShortDebounce(t)

	artifactDir := t.TempDir()
	cacheDir := filepath.Join(t.TempDir(), "cache")
	mgr, err := cache.New(artifactDir, cacheDir, buildid.New(""), logging.NewRoot(logging.LevelDisabled))
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}

	bus := NewBus()
	w, err := New(artifactDir, mgr, buildid.New(""), bus, logging.NewRoot(logging.LevelDisabled))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.Close()

	done := make(chan error, 1)
	go func() { done <- w.Run() }()

	writeTarball(t, filepath.Join(artifactDir, "b1.tar.gz"), map[string]string{"f.txt": "hi"})

	event := awaitEvent(t, bus)
	if event.Kind != Create || event.BuildID != "b1" {
		t.Errorf("event = %v, want Create(b1)", event)
	}

	if _, err := os.Stat(filepath.Join(cacheDir, "b1", "f.txt")); err != nil {
		t.Errorf("expected extracted file: %v", err)
	}

	w.Close()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Close")
	}
}

func TestWatcherEmitsDeleteOnRemoval(t *testing.T) {
	withShortDebounce(t)

	artifactDir := t.TempDir()
	cacheDir := filepath.Join(t.TempDir(), "cache")
	mgr, err := cache.New(artifactDir, cacheDir, buildid.New(""), logging.NewRoot(logging.LevelDisabled))
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}

	tarballPath := filepath.Join(artifactDir, "b1.tar.gz")
	writeTarball(t, tarballPath, map[string]string{"f.txt": "hi"})
	if err := mgr.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	bus := NewBus()
	w, err := New(artifactDir, mgr, buildid.New(""), bus, logging.NewRoot(logging.LevelDisabled))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.Close()

	go w.Run()

	if err := os.Remove(tarballPath); err != nil {
		t.Fatal(err)
	}

	event := awaitEvent(t, bus)
	if event.Kind != Delete || event.BuildID != "b1" {
		t.Errorf("event = %v, want Delete(b1)", event)
	}
	if _, err := os.Stat(filepath.Join(cacheDir, "b1")); !os.IsNotExist(err) {
		t.Errorf("expected cache entry removed, stat err = %v", err)
	}
}

func TestWatcherIgnoresNonTarballFiles(t *testing.T) {
	withShortDebounce(t)

	artifactDir := t.TempDir()
	cacheDir := filepath.Join(t.TempDir(), "cache")
	mgr, err := cache.New(artifactDir, cacheDir, buildid.New(""), logging.NewRoot(logging.LevelDisabled))
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}

	bus := NewBus()
	w, err := New(artifactDir, mgr, buildid.New(""), bus, logging.NewRoot(logging.LevelDisabled))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.Close()

	go w.Run()

	if err := os.WriteFile(filepath.Join(artifactDir, "readme.txt"), []byte("hi"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case event, ok := <-bus.Events():
		if ok {
			t.Fatalf("unexpected event for non-tarball file: %v", event)
		}
	case <-time.After(300 * time.Millisecond):
		// No event arrived, as expected.
	}
}
