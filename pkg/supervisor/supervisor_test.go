package supervisor

import (
	"archive/tar"
	"compress/gzip"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/picoCTF/cmgr-artifact-server/pkg/backend"
	"github.com/picoCTF/cmgr-artifact-server/pkg/cmgrerrors"
	"github.com/picoCTF/cmgr-artifact-server/pkg/config"
	"github.com/picoCTF/cmgr-artifact-server/pkg/logging"
)

func writeTarball(t *testing.T, dir, name string, contents map[string]string) {
	t.Helper()
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer f.Close()

	gzw := gzip.NewWriter(f)
	tw := tar.NewWriter(gzw)
	for name, body := range contents {
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

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	l.Close()
	return addr
}

func TestRunRejectsUnknownBackend(t *testing.T) {
	logging.RootLogger = logging.NewRoot(logging.LevelDisabled)
	artifactDir := t.TempDir()
	cfg := &config.Config{
		Backend:     "bogus",
		ArtifactDir: artifactDir,
		CacheDir:    filepath.Join(artifactDir, ".artifact_server_cache"),
	}

	err := Run(cfg, make(chan os.Signal))
	if err == nil {
		t.Fatal("expected error for unrecognized backend")
	}
	if _, ok := err.(*cmgrerrors.ConfigError); !ok {
		t.Errorf("error type = %T, want *cmgrerrors.ConfigError", err)
	}
}

func TestRunSyncsThenShutsDownCleanlyOnSignal(t *testing.T) {
	logging.RootLogger = logging.NewRoot(logging.LevelDisabled)
	artifactDir := t.TempDir()
	writeTarball(t, artifactDir, "b1.tar.gz", map[string]string{"foo.bin": "hello"})
	cacheDir := filepath.Join(artifactDir, ".artifact_server_cache")

	cfg := &config.Config{
		Backend:        config.BackendSelfHosted,
		BackendOptions: backend.Options{"addr": freeAddr(t)},
		LogLevel:       logging.LevelDisabled,
		ArtifactDir:    artifactDir,
		CacheDir:       cacheDir,
	}

	terminate := make(chan os.Signal, 1)
	done := make(chan error, 1)
	go func() {
		done <- Run(cfg, terminate)
	}()

	// Give the supervisor a moment to perform startup reconciliation and
	// start its goroutines before asking it to shut down.
	time.Sleep(100 * time.Millisecond)
	terminate <- os.Interrupt

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not shut down within timeout")
	}

	if _, err := os.Stat(filepath.Join(cacheDir, "b1", "foo.bin")); err != nil {
		t.Errorf("expected reconciled cache entry: %v", err)
	}
}
