package fileinfo

import (
	"encoding/base64"
	"path"
	"time"
)

// DigestSize is the size of a Digest in bytes.
const DigestSize = 32

// Digest is the SHA-256 hash that summarizes the contents of a path.
type Digest [DigestSize]byte

func (d Digest) String() string {
	return base64.StdEncoding.EncodeToString(d[:])
}

// Descriptor is the cached metadata for a single path.
type Descriptor struct {
	// Path is the location of the file. Descriptors returned by the Cache's
	// Info and ListInfo use the full path on the local filesystem, while
	// Descriptors in a listing are slash-separated and relative to the sync
	// root.
	Path string

	// Hash is the digest of the path's contents.
	Hash Digest

	// IsDir is whether the path is a directory.
	IsDir bool

	// ModTime is the modification time, in nanoseconds since the Unix epoch,
	// that the path had when Hash was computed.
	ModTime int64
}

// Name returns the final element of the Descriptor's path.
func (d Descriptor) Name() string {
	return path.Base(d.Path)
}

// Modified returns the modification time as a time.Time.
func (d Descriptor) Modified() time.Time {
	return time.Unix(0, d.ModTime)
}
