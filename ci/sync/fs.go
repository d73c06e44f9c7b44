package sync

import (
	"io/ioutil"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/sidkik/peersync/pkg/errors"
)

type file struct {
	path     string
	contents string
	modTime  time.Time
}

func (f file) WithContents(contents string) file {
	f.contents = contents
	return f
}

func (f file) WithModTime(modTime time.Time) file {
	f.modTime = modTime
	return f
}

func randomFile(path string) file {
	randomTime := time.Date(2019, 11, 10, rand.Intn(23), rand.Intn(59), rand.Intn(59), 0, time.UTC)
	return file{
		path:     path,
		contents: strconv.Itoa(rand.Int()),
		modTime:  randomTime,
	}
}

// createFile writes `f` beneath `root`, creating its parents.
func createFile(root string, f file) error {
	path := filepath.Join(root, filepath.FromSlash(f.path))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.WithContext(err, "make parent")
	}

	if err := ioutil.WriteFile(path, []byte(f.contents), 0644); err != nil {
		return errors.WithContext(err, "write")
	}

	if err := os.Chtimes(path, time.Now(), f.modTime); err != nil {
		return errors.WithContext(err, "chtimes")
	}
	return nil
}

// readFile reads the file at `path` beneath `root`.
func readFile(root, path string) (file, error) {
	fullPath := filepath.Join(root, filepath.FromSlash(path))
	contents, err := ioutil.ReadFile(fullPath)
	if err != nil {
		return file{}, errors.WithContext(err, "read")
	}

	info, err := os.Stat(fullPath)
	if err != nil {
		return file{}, errors.WithContext(err, "stat")
	}

	return file{
		path:     path,
		contents: string(contents),
		modTime:  info.ModTime().UTC(),
	}, nil
}
