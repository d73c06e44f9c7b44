// Package sharing classifies how a path differs between the local host and
// a peer, based on the Descriptors each side reports for it.
package sharing

import (
	"fmt"
	"sort"

	"github.com/sidkik/peersync/pkg/fileinfo"
)

// Status is the sharing relationship of a single path.
type Status int

const (
	// Missing means that neither side has the path.
	Missing Status = iota

	// RemoteOnly means that only the peer has the path.
	RemoteOnly

	// LocalOnly means that only the local host has the path.
	LocalOnly

	// RemoteNewer means that the contents differ, and the peer's copy was
	// modified more recently.
	RemoteNewer

	// LocalNewer means that the contents differ, and the local copy was
	// modified at least as recently as the peer's.
	LocalNewer

	// Identical means that both sides have the same contents.
	Identical
)

func (s Status) String() string {
	switch s {
	case Missing:
		return "Missing"
	case RemoteOnly:
		return "RemoteOnly"
	case LocalOnly:
		return "LocalOnly"
	case RemoteNewer:
		return "RemoteNewer"
	case LocalNewer:
		return "LocalNewer"
	case Identical:
		return "Identical"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Classify returns the Status of a path given the local and remote
// Descriptors for it. A nil Descriptor means that side doesn't have the
// path. Equal hashes are Identical regardless of modification times, and
// equal modification times with different hashes favor the local copy.
func Classify(local, remote *fileinfo.Descriptor) Status {
	switch {
	case local == nil && remote == nil:
		return Missing
	case local == nil:
		return RemoteOnly
	case remote == nil:
		return LocalOnly
	case local.Hash == remote.Hash:
		return Identical
	case remote.ModTime > local.ModTime:
		return RemoteNewer
	default:
		return LocalNewer
	}
}

// Entry is the comparison of a single path across both hosts.
type Entry struct {
	Path   string
	Local  *fileinfo.Descriptor
	Remote *fileinfo.Descriptor
	Status Status
}

// Compare matches two listings by path and classifies every path that
// appears in either of them. The entries are sorted by path.
func Compare(local, remote []fileinfo.Descriptor) []Entry {
	byPath := map[string]*Entry{}
	get := func(path string) *Entry {
		entry, ok := byPath[path]
		if !ok {
			entry = &Entry{Path: path}
			byPath[path] = entry
		}
		return entry
	}

	for i := range local {
		get(local[i].Path).Local = &local[i]
	}
	for i := range remote {
		get(remote[i].Path).Remote = &remote[i]
	}

	var entries []Entry
	for _, entry := range byPath {
		entry.Status = Classify(entry.Local, entry.Remote)
		entries = append(entries, *entry)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Path < entries[j].Path
	})
	return entries
}

// Summary counts the entries with each Status.
func Summary(entries []Entry) map[Status]int {
	counts := map[Status]int{}
	for _, entry := range entries {
		counts[entry.Status]++
	}
	return counts
}
