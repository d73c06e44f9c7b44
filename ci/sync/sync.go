package sync

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/peersync/ci/util"
)

// syncTimeout bounds how long the peers have to converge after a change.
const syncTimeout = 30 * time.Second

// Test runs the sync tests against a pair of running peers. The tests run in
// order, and each one builds on the files left by the previous ones.
func Test(t *testing.T, helper *util.TestHelper) {
	t.Run("InitialSync", func(t *testing.T) {
		testInitialSync(t, helper)
	})
	t.Run("FileChange", func(t *testing.T) {
		testFileChange(t, helper)
	})
	t.Run("NewDirectory", func(t *testing.T) {
		testNewDirectory(t, helper)
	})
	t.Run("RemovedFileIsRestored", func(t *testing.T) {
		testRemovedFileIsRestored(t, helper)
	})
}

// Setup creates the files that exist before the peers connect.
func Setup(helper *util.TestHelper) error {
	for _, f := range []file{
		randomFile("a-only.txt"),
		randomFile("nested/a-only.txt"),
	} {
		if err := createFile(helper.A.Root, f); err != nil {
			return err
		}
	}

	for _, f := range []file{
		randomFile("b-only.txt"),
		randomFile("nested/b-only.txt"),
	} {
		if err := createFile(helper.B.Root, f); err != nil {
			return err
		}
	}
	return nil
}

func testInitialSync(t *testing.T, helper *util.TestHelper) {
	waitUntilSynced(t, helper)

	for _, path := range []string{"a-only.txt", "nested/a-only.txt"} {
		exp, err := readFile(helper.A.Root, path)
		require.NoError(t, err)

		actual, err := readFile(helper.B.Root, path)
		require.NoError(t, err)
		assert.Equal(t, exp, actual)
	}
}

func testFileChange(t *testing.T, helper *util.TestHelper) {
	refFile := randomFile("changing.txt")
	require.NoError(t, createFile(helper.A.Root, refFile))
	waitUntilSynced(t, helper)

	tests := []struct {
		name   string
		root   string
		change file
	}{
		{
			name:   "ChangeOnA",
			root:   helper.A.Root,
			change: refFile.WithContents("changed on a").WithModTime(refFile.modTime.Add(time.Minute)),
		},
		{
			name:   "ChangeOnB",
			root:   helper.B.Root,
			change: refFile.WithContents("changed on b").WithModTime(refFile.modTime.Add(2 * time.Minute)),
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			require.NoError(t, createFile(test.root, test.change))
			waitUntilSynced(t, helper)

			for _, root := range []string{helper.A.Root, helper.B.Root} {
				actual, err := readFile(root, test.change.path)
				require.NoError(t, err)
				assert.Equal(t, test.change, actual)
			}
		})
	}
}

func testNewDirectory(t *testing.T, helper *util.TestHelper) {
	require.NoError(t, os.MkdirAll(filepath.Join(helper.B.Root, "empty", "dir"), 0755))
	require.NoError(t, createFile(helper.B.Root, randomFile("deep/er/file.txt")))
	waitUntilSynced(t, helper)

	info, err := os.Stat(filepath.Join(helper.A.Root, "empty", "dir"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func testRemovedFileIsRestored(t *testing.T, helper *util.TestHelper) {
	path := filepath.Join(helper.A.Root, "b-only.txt")
	require.NoError(t, os.Remove(path))
	waitUntilSynced(t, helper)

	_, err := os.Stat(path)
	assert.NoError(t, err)
}

func waitUntilSynced(t *testing.T, helper *util.TestHelper) {
	ctx, cancel := context.WithTimeout(context.Background(), syncTimeout)
	defer cancel()
	require.NoError(t, helper.WaitUntilSynced(ctx))
}
