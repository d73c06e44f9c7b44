package fileinfo

import (
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/minio/sha256-simd"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/peersync/pkg/errors"
)

// Cache maps local paths to their most recently computed Descriptor.
//
// Cache is not safe for concurrent use.
type Cache struct {
	fs      afero.Fs
	entries map[string]Descriptor

	// skipped contains the paths that were left out of their parent's
	// listing because they couldn't be hashed. It's used to warn about each
	// path once.
	skipped map[string]bool
}

// NewCache returns an empty Cache that reads files from `fs`.
func NewCache(fs afero.Fs) *Cache {
	return &Cache{fs: fs, entries: map[string]Descriptor{}, skipped: map[string]bool{}}
}

// Lstat returns the FileInfo for `path` without following symbolic links, if
// `fs` supports it.
func Lstat(fs afero.Fs, path string) (os.FileInfo, error) {
	if lstater, ok := fs.(afero.Lstater); ok {
		fi, _, err := lstater.LstatIfPossible(path)
		return fi, err
	}
	return fs.Stat(path)
}

// Len returns the number of cached paths.
func (c *Cache) Len() int {
	return len(c.entries)
}

// Cached returns the cached Descriptor for `path` without checking whether
// it's stale.
func (c *Cache) Cached(path string) (Descriptor, bool) {
	d, ok := c.entries[path]
	return d, ok
}

// FreshHash computes the digest of `path` without consulting the cache for
// `path` itself. Files are hashed by their contents. Directories are hashed by
// the name and digest of each child, in byte order of the names. The digests
// of children are looked up through the cache. Symbolic links are special
// files, and children that can't be hashed are left out of their directory's
// hash.
func (c *Cache) FreshHash(path string) (Digest, error) {
	fi, err := Lstat(c.fs, path)
	if err != nil {
		if os.IsNotExist(err) {
			return Digest{}, errors.FileNotFound{Path: path}
		}
		return Digest{}, errors.WithContext(err, "stat")
	}

	hasher := sha256.New()
	switch {
	case fi.IsDir():
		children, err := c.ListInfo(path)
		if err != nil {
			return Digest{}, err
		}

		sort.Slice(children, func(i, j int) bool {
			return filepath.Base(children[i].Path) < filepath.Base(children[j].Path)
		})
		for _, child := range children {
			hasher.Write([]byte(filepath.Base(child.Path)))
			hasher.Write(child.Hash[:])
		}
	case fi.Mode().IsRegular():
		f, err := c.fs.Open(path)
		if err != nil {
			return Digest{}, errors.WithContext(err, "open")
		}
		defer f.Close()

		if _, err := io.Copy(hasher, f); err != nil {
			return Digest{}, errors.WithContext(err, "read")
		}
	default:
		return Digest{}, errors.UnrecognizedSpecialFile{Path: path}
	}

	var digest Digest
	copy(digest[:], hasher.Sum(nil))
	return digest, nil
}

// IsPossiblyChanged returns whether the cached Descriptor for `path` might be
// stale. It never returns false for a path whose contents changed since it
// was cached, as long as the change updated a modification time.
func (c *Cache) IsPossiblyChanged(path string) bool {
	cached, ok := c.entries[path]
	if !ok {
		return true
	}

	fi, err := Lstat(c.fs, path)
	if err != nil {
		// Either the path was removed, or we can't tell. Refreshing will
		// sort it out.
		return true
	}

	if fi.IsDir() != cached.IsDir {
		return true
	}

	if fi.IsDir() {
		children, err := c.childPaths(path)
		if err != nil {
			return true
		}

		for _, child := range children {
			// Replacing a skipped path bumps the directory's modification
			// time, so skipped paths don't need to be checked here.
			if c.skipped[child] {
				continue
			}
			if c.IsPossiblyChanged(child) {
				return true
			}
		}
	}

	return fi.ModTime().UnixNano() > cached.ModTime
}

// ShallowRefresh recomputes the Descriptor for `path`. Children of a
// directory are only rehashed if they might have changed. If `path` no longer
// exists, its entry is removed.
func (c *Cache) ShallowRefresh(path string) error {
	fi, err := Lstat(c.fs, path)
	if err != nil {
		if os.IsNotExist(err) {
			delete(c.entries, path)
			return nil
		}
		return errors.WithContext(err, "stat")
	}

	// The modification time is read before hashing so that a write during
	// hashing leaves the entry looking stale.
	hash, err := c.FreshHash(path)
	if err != nil {
		return err
	}

	c.entries[path] = Descriptor{
		Path:    path,
		Hash:    hash,
		IsDir:   fi.IsDir(),
		ModTime: fi.ModTime().UnixNano(),
	}
	return nil
}

// ForceRefresh recomputes the Descriptor for `path` and everything beneath
// it, regardless of modification times. Cached entries beneath `path` that no
// longer exist are dropped, as are children that can't be hashed.
func (c *Cache) ForceRefresh(path string) error {
	fi, err := Lstat(c.fs, path)
	if err == nil && fi.IsDir() {
		children, err := c.childPaths(path)
		if err != nil {
			return err
		}

		var refreshed []string
		for _, child := range children {
			if err := c.ForceRefresh(child); err != nil {
				c.skip(child, err)
				continue
			}
			refreshed = append(refreshed, child)
		}
		c.forgetRemovedChildren(path, refreshed)
	}

	if err := c.ShallowRefresh(path); err != nil {
		return err
	}

	if _, ok := c.entries[path]; !ok {
		c.forgetRemovedChildren(path, nil)
	}
	return nil
}

// Info returns the Descriptor for `path`, refreshing it first if it might
// have changed. It returns nil if the path doesn't exist.
func (c *Cache) Info(path string) (*Descriptor, error) {
	if c.IsPossiblyChanged(path) {
		if err := c.ShallowRefresh(path); err != nil {
			return nil, err
		}
	}

	d, ok := c.entries[path]
	if !ok {
		return nil, nil
	}
	return &d, nil
}

// ListInfo returns the Descriptors of the children of the directory at
// `path`, sorted by name. Children that can't be hashed, such as sockets and
// symbolic links, are logged and left out.
func (c *Cache) ListInfo(path string) ([]Descriptor, error) {
	children, err := c.childPaths(path)
	if err != nil {
		return nil, err
	}
	sort.Strings(children)

	var infos []Descriptor
	for _, child := range children {
		info, err := c.Info(child)
		if err != nil {
			c.skip(child, err)
			continue
		}
		delete(c.skipped, child)

		// The child was removed after we listed the directory.
		if info == nil {
			continue
		}
		infos = append(infos, *info)
	}
	return infos, nil
}

// Walk returns the Descriptors for every path beneath `root`, in depth-first
// order. The paths in the returned Descriptors are slash-separated and
// relative to `root`, so the result can be sent to a peer as a listing.
func (c *Cache) Walk(root string) ([]Descriptor, error) {
	var listing []Descriptor
	var walk func(dir, rel string) error
	walk = func(dir, rel string) error {
		children, err := c.ListInfo(dir)
		if err != nil {
			return errors.WithContext(err, "list "+dir)
		}

		for _, child := range children {
			childRel := path.Join(rel, filepath.Base(child.Path))
			localPath := child.Path

			child.Path = childRel
			listing = append(listing, child)

			if child.IsDir {
				if err := walk(localPath, childRel); err != nil {
					return err
				}
			}
		}
		return nil
	}

	if err := walk(root, ""); err != nil {
		return nil, err
	}
	return listing, nil
}

// childPaths returns the paths of the entries in `dir`, in the order that the
// filesystem returns them.
func (c *Cache) childPaths(dir string) ([]string, error) {
	f, err := c.fs.Open(dir)
	if err != nil {
		return nil, errors.WithContext(err, "open dir")
	}
	defer f.Close()

	names, err := f.Readdirnames(-1)
	if err != nil {
		return nil, errors.WithContext(err, "read dir")
	}

	var paths []string
	for _, name := range names {
		paths = append(paths, filepath.Join(dir, name))
	}
	return paths, nil
}

func (c *Cache) skip(path string, err error) {
	delete(c.entries, path)
	if c.skipped[path] {
		return
	}
	c.skipped[path] = true
	log.WithError(err).WithField("path", path).Warn("Skipping file that can't be hashed")
}

// forgetRemovedChildren drops the cached entries beneath `dir` that aren't
// beneath one of `children`.
func (c *Cache) forgetRemovedChildren(dir string, children []string) {
	keep := map[string]bool{}
	for _, child := range children {
		keep[child] = true
	}

	prefix := dir
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}

	for p := range c.entries {
		if !strings.HasPrefix(p, prefix) {
			continue
		}

		child := prefix + strings.SplitN(p[len(prefix):], string(filepath.Separator), 2)[0]
		if !keep[child] {
			delete(c.entries, p)
		}
	}
}
