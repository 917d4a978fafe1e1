// Package extractor implements the idempotent "materialize tarball into
// directory" operation at the heart of the artifact cache: open, decompress,
// walk tar headers by type, and write files preserving the archive's
// internal relative layout. Symlinks and absolute paths inside the tar are
// handled per standard tar semantics, with no sanitization beyond what the
// tar reader enforces natively, since these tarballs are produced by a
// trusted CI pipeline rather than accepted from untrusted third parties.
package extractor

import (
	"archive/tar"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/picoCTF/cmgr-artifact-server/pkg/cmgrerrors"
	"github.com/picoCTF/cmgr-artifact-server/pkg/digest"
)

// SentinelName is the file, at the root of a CacheEntry, holding the raw
// BLAKE2b-512 bytes of the tarball it was extracted from.
const SentinelName = ".__checksum"

// Extract materializes tarballPath into cacheEntryPath: any existing
// directory at cacheEntryPath is removed first (an absent path is not an
// error), the tarball is decompressed and unpacked preserving its internal
// relative layout, and finally a fresh checksum of tarballPath is written to
// cacheEntryPath/.__checksum. The sentinel is written last, so a crash
// during unpacking leaves the entry distinguishably stale (missing or
// mismatched sentinel) for the next reconciliation pass.
func Extract(cacheEntryPath, tarballPath string) error {
	if err := os.RemoveAll(cacheEntryPath); err != nil {
		return cmgrerrors.NewIOError(errors.Wrapf(err, "remove existing cache entry %s", cacheEntryPath))
	}
	if err := os.MkdirAll(cacheEntryPath, 0o755); err != nil {
		return cmgrerrors.NewIOError(errors.Wrapf(err, "create cache entry %s", cacheEntryPath))
	}

	if err := unpack(cacheEntryPath, tarballPath); err != nil {
		return err
	}

	sum, err := digest.Sum(tarballPath)
	if err != nil {
		return err
	}
	if err := writeSentinel(cacheEntryPath, sum); err != nil {
		return err
	}

	return nil
}

// unpack decompresses and untars tarballPath into destDir.
func unpack(destDir, tarballPath string) error {
	f, err := os.Open(tarballPath)
	if err != nil {
		return cmgrerrors.NewIOError(errors.Wrapf(err, "open tarball %s", tarballPath))
	}
	defer f.Close()

	gzr, err := gzip.NewReader(f)
	if err != nil {
		return cmgrerrors.NewTarError(errors.Wrapf(err, "open gzip stream for %s", tarballPath))
	}
	defer gzr.Close()

	tr := tar.NewReader(gzr)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return cmgrerrors.NewTarError(errors.Wrapf(err, "read tar header in %s", tarballPath))
		}

		targetPath := filepath.Join(destDir, header.Name)

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(targetPath, os.FileMode(header.Mode)); err != nil {
				return cmgrerrors.NewIOError(errors.Wrapf(err, "create directory %s", header.Name))
			}

		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
				return cmgrerrors.NewIOError(errors.Wrapf(err, "create parent directory for %s", header.Name))
			}
			out, err := os.OpenFile(targetPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(header.Mode))
			if err != nil {
				return cmgrerrors.NewIOError(errors.Wrapf(err, "create file %s", header.Name))
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return cmgrerrors.NewTarError(errors.Wrapf(err, "write file %s", header.Name))
			}
			if err := out.Close(); err != nil {
				return cmgrerrors.NewIOError(errors.Wrapf(err, "close file %s", header.Name))
			}

		case tar.TypeSymlink:
			os.Remove(targetPath)
			if err := os.Symlink(header.Linkname, targetPath); err != nil {
				return cmgrerrors.NewIOError(errors.Wrapf(err, "create symlink %s", header.Name))
			}

		case tar.TypeLink:
			linkTarget := filepath.Join(destDir, header.Linkname)
			if err := os.Link(linkTarget, targetPath); err != nil {
				return cmgrerrors.NewIOError(errors.Wrapf(err, "create hard link %s", header.Name))
			}

		default:
			// Character devices, block devices, FIFOs, and anything else are
			// skipped; they carry no payload relevant to a build artifact.
			continue
		}
	}

	return nil
}

// writeSentinel atomically writes sum to cacheEntryPath/.__checksum: it
// writes to a temporary file in the same directory and renames it into
// place, so that a crash mid-write never leaves a partially-written
// sentinel that could be mistaken for a complete, mismatched one.
func writeSentinel(cacheEntryPath string, sum []byte) error {
	sentinelPath := filepath.Join(cacheEntryPath, SentinelName)
	tmp, err := os.CreateTemp(cacheEntryPath, ".__checksum-*")
	if err != nil {
		return cmgrerrors.NewIOError(errors.Wrap(err, "create temporary sentinel file"))
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(sum); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return cmgrerrors.NewIOError(errors.Wrap(err, "write sentinel contents"))
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return cmgrerrors.NewIOError(errors.Wrap(err, "close sentinel temporary file"))
	}
	if err := os.Rename(tmpPath, sentinelPath); err != nil {
		os.Remove(tmpPath)
		return cmgrerrors.NewIOError(errors.Wrap(err, "rename sentinel into place"))
	}
	return nil
}

// ReadSentinel reads the raw checksum bytes from a CacheEntry's sentinel
// file. It returns an error (not specially typed) if the sentinel is
// missing, which callers treat as "entry is stale, re-extract".
func ReadSentinel(cacheEntryPath string) ([]byte, error) {
	return os.ReadFile(filepath.Join(cacheEntryPath, SentinelName))
}
