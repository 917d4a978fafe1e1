// Package digest computes the BLAKE2b-512 checksum of a tarball's raw
// bytes, streaming through a fixed-size buffer so that large artifacts
// never need to be loaded fully into memory. This mirrors the streaming
// checksum pattern used by the rest of the pack for content-addressed
// caches (see, e.g., the SHA-256 streaming hash in
// googleapis/librarian's internal/fetch/cache.go), adapted to BLAKE2b-512
// per this project's sentinel format.
package digest

import (
	"io"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"

	"github.com/picoCTF/cmgr-artifact-server/pkg/cmgrerrors"
)

// Size is the length, in bytes, of a Checksum.
const Size = blake2b.Size // 64

// bufferSize is the size of the fixed read buffer used while streaming a
// file through the hash function.
const bufferSize = 64 * 1024

// Sum computes the BLAKE2b-512 digest of the file at path, streaming reads
// through a fixed-size buffer. It returns an IOError if the file cannot be
// opened or read.
func Sum(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, cmgrerrors.NewIOError(errors.Wrapf(err, "open %s", path))
	}
	defer f.Close()

	h, err := blake2b.New512(nil)
	if err != nil {
		return nil, errors.Wrap(err, "initialize blake2b hash")
	}

	buf := make([]byte, bufferSize)
	for {
		n, readErr := f.Read(buf)
		if n > 0 {
			if _, err := h.Write(buf[:n]); err != nil {
				return nil, errors.Wrap(err, "update hash state")
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return nil, cmgrerrors.NewIOError(errors.Wrapf(readErr, "read %s", path))
		}
	}

	return h.Sum(nil), nil
}

// Equal reports whether two checksums are byte-for-byte identical. It is a
// thin wrapper for call-site clarity; subtle.ConstantTimeCompare is not
// required here since checksums are not secrets.
func Equal(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
