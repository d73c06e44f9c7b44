/*
The fileinfo package tracks metadata about the files under a sync root.

Each path is summarized by a Descriptor, which contains a content digest, whether
the path is a directory, and the modification time at which the digest was
computed. A directory's digest covers the names and digests of its children, so
two trees with the same digest have identical contents.

Hashing is expensive, so the Cache only rehashes paths that might have changed
since they were last hashed. A path might have changed if it was never cached,
if it no longer exists, if its modification time advanced, or if it's a
directory with a child that might have changed. Modification times can only
cause false positives (extra rehashing), never missed changes, as long as
writers update the modification time.

Paths are inspected without following symbolic links when the filesystem allows
it. Symbolic links, sockets, and other special files can't be hashed, so they're
left out of their directory's digest and out of listings.
*/
package fileinfo
