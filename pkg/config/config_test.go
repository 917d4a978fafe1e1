package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/picoCTF/cmgr-artifact-server/pkg/cmgrerrors"
	"github.com/picoCTF/cmgr-artifact-server/pkg/logging"
)

func withArtifactDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	old, hadOld := os.LookupEnv(artifactDirEnvVar)
	os.Setenv(artifactDirEnvVar, dir)
	t.Cleanup(func() {
		if hadOld {
			os.Setenv(artifactDirEnvVar, old)
		} else {
			os.Unsetenv(artifactDirEnvVar)
		}
	})
	return dir
}

func TestParseRequiresBackend(t *testing.T) {
	withArtifactDir(t)
	_, err := Parse([]string{})
	if err == nil {
		t.Fatal("expected error when --backend is omitted")
	}
	if _, ok := err.(*cmgrerrors.ConfigError); !ok {
		t.Errorf("error type = %T, want *cmgrerrors.ConfigError", err)
	}
}

func TestParseRejectsUnknownBackend(t *testing.T) {
	withArtifactDir(t)
	_, err := Parse([]string{"--backend", "ftp"})
	if err == nil {
		t.Fatal("expected error for unrecognized backend")
	}
}

func TestParseBackendIsCaseInsensitive(t *testing.T) {
	withArtifactDir(t)
	cfg, err := Parse([]string{"--backend", "S3"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Backend != BackendS3 {
		t.Errorf("Backend = %q, want %q", cfg.Backend, BackendS3)
	}
}

func TestParseDefaultsLogLevelToInfo(t *testing.T) {
	withArtifactDir(t)
	cfg, err := Parse([]string{"--backend", "selfhosted"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.LogLevel != logging.LevelInfo {
		t.Errorf("LogLevel = %v, want info", cfg.LogLevel)
	}
}

func TestParseRejectsUnknownLogLevel(t *testing.T) {
	withArtifactDir(t)
	_, err := Parse([]string{"--backend", "selfhosted", "--log-level", "verbose"})
	if err == nil {
		t.Fatal("expected error for unrecognized log level")
	}
}

func TestParseBackendOptionsSplitOnFirstEquals(t *testing.T) {
	withArtifactDir(t)
	cfg, err := Parse([]string{
		"--backend", "s3",
		"-o", "bucket=my-bucket",
		"-o", "prefix=a=b",
	})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.BackendOptions["bucket"] != "my-bucket" {
		t.Errorf("bucket option = %q, want my-bucket", cfg.BackendOptions["bucket"])
	}
	if cfg.BackendOptions["prefix"] != "a=b" {
		t.Errorf("prefix option = %q, want a=b", cfg.BackendOptions["prefix"])
	}
}

func TestParseMalformedBackendOptionIsConfigError(t *testing.T) {
	withArtifactDir(t)
	_, err := Parse([]string{"--backend", "s3", "-o", "no-equals-sign"})
	if err == nil {
		t.Fatal("expected error for malformed backend option")
	}
	if _, ok := err.(*cmgrerrors.ConfigError); !ok {
		t.Errorf("error type = %T, want *cmgrerrors.ConfigError", err)
	}
}

func TestParseSaltIsOptional(t *testing.T) {
	withArtifactDir(t)
	cfg, err := Parse([]string{"--backend", "selfhosted"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Salt != "" {
		t.Errorf("Salt = %q, want empty", cfg.Salt)
	}

	cfg, err = Parse([]string{"--backend", "selfhosted", "--salt", "abc"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Salt != "abc" {
		t.Errorf("Salt = %q, want abc", cfg.Salt)
	}
}

func TestParseDerivesCacheDirAndCreatesIt(t *testing.T) {
	dir := withArtifactDir(t)
	cfg, err := Parse([]string{"--backend", "selfhosted"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := filepath.Join(dir, cacheDirName)
	if cfg.CacheDir != want {
		t.Errorf("CacheDir = %q, want %q", cfg.CacheDir, want)
	}
	if info, err := os.Stat(cfg.CacheDir); err != nil || !info.IsDir() {
		t.Errorf("CacheDir not created: %v", err)
	}
}

func TestParseDefaultsArtifactDirToWorkingDirectory(t *testing.T) {
	old, hadOld := os.LookupEnv(artifactDirEnvVar)
	os.Unsetenv(artifactDirEnvVar)
	t.Cleanup(func() {
		if hadOld {
			os.Setenv(artifactDirEnvVar, old)
		}
	})

	dir := t.TempDir()
	cwd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chdir(cwd) })

	cfg, err := Parse([]string{"--backend", "selfhosted"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	resolved, err := filepath.EvalSymlinks(cfg.ArtifactDir)
	if err != nil {
		t.Fatal(err)
	}
	wantResolved, err := filepath.EvalSymlinks(dir)
	if err != nil {
		t.Fatal(err)
	}
	if resolved != wantResolved {
		t.Errorf("ArtifactDir = %q, want %q", resolved, wantResolved)
	}
}
