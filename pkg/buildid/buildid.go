// Package buildid derives BuildIds from tarball file names and, optionally,
// salts them. Exactly one form (raw or salted) is used for an entire run;
// the Deriver returned by New is what both the Watcher and the Cache
// Manager use so that they can never disagree on which form is active.
package buildid

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// TarballSuffix is the required suffix for a file to be considered a
// Tarball. Files whose name doesn't end in this suffix are ignored.
const TarballSuffix = ".tar.gz"

// IsTarball reports whether name (a base file name, no directory
// component) ends in TarballSuffix and is not merely that suffix alone.
func IsTarball(name string) bool {
	return strings.HasSuffix(name, TarballSuffix) && name != TarballSuffix
}

// RawID strips the .tar.gz suffix from a tarball's base name, yielding the
// raw BuildId form.
func RawID(tarballBaseName string) string {
	return strings.TrimSuffix(tarballBaseName, TarballSuffix)
}

// Deriver computes the active BuildId form for a raw id. It is immutable
// after construction and safe for concurrent use.
type Deriver struct {
	salt string
}

// New constructs a Deriver. If salt is empty, derived ids are the raw form;
// otherwise they are the salted form.
func New(salt string) *Deriver {
	return &Deriver{salt: salt}
}

// Derive computes the BuildId for a given raw id under this Deriver's
// configuration.
func (d *Deriver) Derive(raw string) string {
	if d.salt == "" {
		return raw
	}
	sum := sha256.Sum256([]byte(raw + ":" + d.salt))
	return hex.EncodeToString(sum[:])
}

// Salted reports whether this Deriver produces salted ids.
func (d *Deriver) Salted() bool {
	return d.salt != ""
}
