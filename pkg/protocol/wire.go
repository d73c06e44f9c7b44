package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/sidkik/peersync/pkg/errors"
	"github.com/sidkik/peersync/pkg/fileinfo"
)

// MaxFrameSize is the largest length prefix that we'll accept from the peer.
// Anything larger is treated as a protocol violation rather than allocated.
const MaxFrameSize = 1 << 30

// ErrFrameTooLarge is returned when sending a frame larger than MaxFrameSize.
// Nothing is written to the connection when it's returned.
var ErrFrameTooLarge = errors.New("frame exceeds the maximum frame size")

// maxFrameSize is the limit enforced on frames in both directions. It's a
// variable so that tests can lower it.
var maxFrameSize uint64 = MaxFrameSize

func checkFrame(n int) error {
	if uint64(n) > maxFrameSize {
		return ErrFrameTooLarge
	}
	return nil
}

// checkListing returns ErrFrameTooLarge if the peer would reject `listing`.
func checkListing(listing []fileinfo.Descriptor) error {
	if uint64(len(listing))*(4+entrySize) > maxFrameSize {
		return ErrFrameTooLarge
	}

	for _, d := range listing {
		if err := checkFrame(len(d.Path)); err != nil {
			return err
		}
	}
	return nil
}

// entrySize is the size of a listing entry: the hash, the directory flag, and
// the modification time.
const entrySize = fileinfo.DigestSize + 1 + 8

func appendUint32(b []byte, v uint32) []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	return append(b, buf[:]...)
}

func appendFramed(b []byte, payload []byte) []byte {
	b = appendUint32(b, uint32(len(payload)))
	return append(b, payload...)
}

func appendEntry(b []byte, d fileinfo.Descriptor) []byte {
	b = append(b, d.Hash[:]...)
	if d.IsDir {
		b = append(b, 1)
	} else {
		b = append(b, 0)
	}

	var modTime [8]byte
	binary.BigEndian.PutUint64(modTime[:], uint64(d.ModTime))
	return append(b, modTime[:]...)
}

func encodeListing(listing []fileinfo.Descriptor) []byte {
	b := []byte{tagResList}
	b = appendUint32(b, uint32(len(listing)))
	for _, d := range listing {
		b = appendFramed(b, []byte(d.Path))
		b = appendEntry(b, d)
	}
	return b
}

func (c *Conn) recvUint32() (uint32, error) {
	b, err := c.t.RecvExact(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (c *Conn) recvFramed() ([]byte, error) {
	n, err := c.recvUint32()
	if err != nil {
		return nil, err
	}

	if uint64(n) > maxFrameSize {
		return nil, errors.UnexpectedValue{
			Expected: fmt.Sprintf("a frame of at most %d bytes", maxFrameSize),
			Got:      fmt.Sprintf("%d bytes", n),
		}
	}
	return c.t.RecvExact(int(n))
}

func (c *Conn) recvEntry(path string) (fileinfo.Descriptor, error) {
	b, err := c.t.RecvExact(entrySize)
	if err != nil {
		return fileinfo.Descriptor{}, err
	}

	d := fileinfo.Descriptor{
		Path:    path,
		IsDir:   b[fileinfo.DigestSize] != 0,
		ModTime: int64(binary.BigEndian.Uint64(b[fileinfo.DigestSize+1:])),
	}
	copy(d.Hash[:], b[:fileinfo.DigestSize])
	return d, nil
}

func (c *Conn) recvListing() ([]fileinfo.Descriptor, error) {
	count, err := c.recvUint32()
	if err != nil {
		return nil, errors.WithContext(err, "read listing size")
	}

	// Each entry takes at least a length prefix and the fixed record.
	if uint64(count)*(4+entrySize) > maxFrameSize {
		return nil, errors.UnexpectedValue{
			Expected: "a listing that fits in a frame",
			Got:      fmt.Sprintf("%d entries", count),
		}
	}

	listing := make([]fileinfo.Descriptor, 0, count)
	for i := uint32(0); i < count; i++ {
		path, err := c.recvFramed()
		if err != nil {
			return nil, errors.WithContext(err, "read listing path")
		}

		d, err := c.recvEntry(string(path))
		if err != nil {
			return nil, errors.WithContext(err, "read listing entry")
		}
		listing = append(listing, d)
	}
	return listing, nil
}
