// Package cache implements the Cache Manager: the component that owns
// CacheDir, performs full reconciliation against ArtifactDir at startup,
// and performs the filesystem side of each incremental update the Watcher
// detects. Its reconciliation algorithm enumerates both sides and extracts
// what's missing or stale, removing what's orphaned, by checking each
// entry's sentinel and replacing the entire directory rather than
// attempting a delta update.
package cache

import (
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"github.com/picoCTF/cmgr-artifact-server/pkg/buildid"
	"github.com/picoCTF/cmgr-artifact-server/pkg/cmgrerrors"
	"github.com/picoCTF/cmgr-artifact-server/pkg/digest"
	"github.com/picoCTF/cmgr-artifact-server/pkg/extractor"
	"github.com/picoCTF/cmgr-artifact-server/pkg/logging"
)

// Manager owns CacheDir: it is the only component that creates, mutates, or
// destroys paths beneath it.
type Manager struct {
	artifactDir string
	cacheDir    string
	deriver     *buildid.Deriver
	logger      *logging.Logger
}

// New constructs a Manager. cacheDir is created if it doesn't already
// exist.
func New(artifactDir, cacheDir string, deriver *buildid.Deriver, logger *logging.Logger) (*Manager, error) {
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, cmgrerrors.NewIOError(errors.Wrapf(err, "create cache directory %s", cacheDir))
	}
	return &Manager{
		artifactDir: artifactDir,
		cacheDir:    cacheDir,
		deriver:     deriver,
		logger:      logger,
	}, nil
}

// CacheDir returns the root cache directory path.
func (m *Manager) CacheDir() string {
	return m.cacheDir
}

// EntryPath returns the path of the CacheEntry for the given BuildId.
func (m *Manager) EntryPath(id string) string {
	return filepath.Join(m.cacheDir, id)
}

// TarballPath returns the ArtifactDir path of the tarball for a raw BuildId.
func (m *Manager) TarballPath(raw string) string {
	return filepath.Join(m.artifactDir, raw+buildid.TarballSuffix)
}

// ExtractBuild performs the filesystem side of a Create/Update event: it
// re-extracts tarballPath into the CacheEntry for id.
func (m *Manager) ExtractBuild(id, tarballPath string) error {
	m.logger.Debugf("extracting %s from %s", id, tarballPath)
	if err := extractor.Extract(m.EntryPath(id), tarballPath); err != nil {
		return err
	}
	return nil
}

// RemoveBuild performs the filesystem side of a Delete event: it removes
// the CacheEntry for id. An absent entry is not an error.
func (m *Manager) RemoveBuild(id string) error {
	m.logger.Debugf("removing cache entry %s", id)
	if err := os.RemoveAll(m.EntryPath(id)); err != nil {
		return cmgrerrors.NewIOError(errors.Wrapf(err, "remove cache entry %s", id))
	}
	return nil
}

// tarballMapping enumerates ArtifactDir's direct children, retaining only
// names ending in .tar.gz, and returns a mapping from the active BuildId
// form to each tarball's path.
func (m *Manager) tarballMapping() (map[string]string, error) {
	entries, err := os.ReadDir(m.artifactDir)
	if err != nil {
		return nil, cmgrerrors.NewIOError(errors.Wrapf(err, "list artifact directory %s", m.artifactDir))
	}

	mapping := make(map[string]string)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !buildid.IsTarball(name) {
			continue
		}
		raw := buildid.RawID(name)
		id := m.deriver.Derive(raw)
		mapping[id] = filepath.Join(m.artifactDir, name)
	}
	return mapping, nil
}

// cacheEntries enumerates CacheDir's direct children, deleting any stray
// non-directory files and returning a mapping from BuildId to CacheEntry
// path for the remaining directories.
func (m *Manager) cacheEntries() (map[string]string, error) {
	entries, err := os.ReadDir(m.cacheDir)
	if err != nil {
		return nil, cmgrerrors.NewIOError(errors.Wrapf(err, "list cache directory %s", m.cacheDir))
	}

	dirs := make(map[string]string)
	for _, entry := range entries {
		path := filepath.Join(m.cacheDir, entry.Name())
		if !entry.IsDir() {
			m.logger.Debugf("removing stray file %s", path)
			if err := os.Remove(path); err != nil {
				return nil, cmgrerrors.NewIOError(errors.Wrapf(err, "remove stray file %s", path))
			}
			continue
		}
		dirs[entry.Name()] = path
	}
	return dirs, nil
}

// tarballSize returns the size in bytes of the file at path, or 0 if it
// cannot be statted; this is used only for a human-readable log line, so a
// failure here is not worth propagating.
func tarballSize(path string) uint64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return uint64(info.Size())
}

// Sync performs full reconciliation: every current tarball gets a fresh
// CacheEntry, and every CacheEntry without a current tarball is removed.
func (m *Manager) Sync() error {
	tarballs, err := m.tarballMapping()
	if err != nil {
		return err
	}
	entries, err := m.cacheEntries()
	if err != nil {
		return err
	}

	for id, tarballPath := range tarballs {
		entryPath, exists := entries[id]
		if !exists {
			m.logger.Infof("sync: extracting new build %s (%s)", id, humanize.Bytes(tarballSize(tarballPath)))
			if err := m.ExtractBuild(id, tarballPath); err != nil {
				return err
			}
			continue
		}

		current, sentinelErr := extractor.ReadSentinel(entryPath)
		expected, sumErr := digest.Sum(tarballPath)
		if sumErr != nil {
			return sumErr
		}
		if sentinelErr != nil || !digest.Equal(current, expected) {
			m.logger.Infof("sync: re-extracting stale build %s", id)
			if err := m.ExtractBuild(id, tarballPath); err != nil {
				return err
			}
		}
	}

	for id, entryPath := range entries {
		if _, exists := tarballs[id]; !exists {
			m.logger.Infof("sync: removing orphaned cache entry %s", id)
			if err := os.RemoveAll(entryPath); err != nil {
				return cmgrerrors.NewIOError(errors.Wrapf(err, "remove orphaned cache entry %s", entryPath))
			}
		}
	}

	return nil
}
