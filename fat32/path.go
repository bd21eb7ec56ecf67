package fat32

import (
	"strings"

	"biscuit-core/defs"
)

// / lookupChild scans directory dirCluster for a child named name,
// / returning defs.ENOENT if not found.
func lookupChild(dev BlockDevice, bpb *BPB, dirCluster uint32, name string) (*Entry, error) {
	it, err := newDirIter(dev, bpb, dirCluster)
	if err != nil {
		return nil, err
	}
	for {
		e, err := it.Next()
		if err != nil {
			return nil, err
		}
		if e == nil {
			return nil, entryNotFound{}
		}
		if e.Name == name {
			return e, nil
		}
	}
}

// / entryNotFound maps to defs.ENOENT at the server boundary.
type entryNotFound struct{}

func (entryNotFound) Error() string { return "fat32: does-not-exist" }

// / resolvePath walks path's components from the volume root: each
// / component must resolve to a directory entry whose directory
// / attribute is set when more components follow. The empty path
// / resolves to a synthetic root entry with
// / DirOffset == RootEntrySentinel — a documented design choice: the
// / root directory has no writable directory-entry location of its
// / own, so callers must treat that sentinel as "do not rewrite".
func resolvePath(dev BlockDevice, bpb *BPB, path string) (*Entry, error) {
	path = strings.Trim(path, "/")
	if path == "" {
		return &Entry{
			Name:         "/",
			IsDir:        true,
			FirstCluster: bpb.RootCluster,
			DirCluster:   0,
			DirOffset:    RootEntrySentinel,
		}, nil
	}

	parts := strings.Split(path, "/")
	cluster := bpb.RootCluster
	var cur *Entry
	for i, part := range parts {
		e, err := lookupChild(dev, bpb, cluster, part)
		if err != nil {
			return nil, err
		}
		if i < len(parts)-1 && !e.IsDir {
			return nil, notADirectory{}
		}
		cur = e
		cluster = e.FirstCluster
	}
	return cur, nil
}

// / notADirectory maps to defs.ENOTDIR.
type notADirectory struct{}

func (notADirectory) Error() string { return "fat32: not-dir" }

// / ToErr maps the sentinel path-resolution/IO errors this package
// / defines onto the kernel's defs.Err_t taxonomy: kernel-internal
// / errors are mapped to user space at the syscall boundary.
func ToErr(err error) defs.Err_t {
	if err == nil {
		return 0
	}
	switch err.(type) {
	case entryNotFound:
		return defs.ENOENT
	case notADirectory:
		return defs.ENOTDIR
	case *NoSpaceError:
		return defs.ENOSPACE
	case *IOError:
		return defs.EIOINTERNAL
	case *ErrBadBPB:
		return defs.EIOINTERNAL
	default:
		return defs.EIOINTERNAL
	}
}
