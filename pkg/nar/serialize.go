package nar

import (
	"fmt"
	"io"
	"io/fs"
	"sort"
)

// Tree is the minimal directory-walking surface Serialize needs. It is
// satisfied directly by io/fs.FS implementations that also expose Lstat
// semantics through fs.ReadDirFS plus fs.StatFS; callers building a store
// object from an on-disk path typically wrap os.DirFS.
type Tree interface {
	fs.ReadDirFS
	fs.StatFS
	// Readlink returns the target of the symlink at name.
	Readlink(name string) (string, error)
	// Open opens the regular file at name for reading.
	Open(name string) (fs.File, error)
}

// Serialize walks root depth-first, writing a canonical archive: each
// directory's entries are emitted in byte-sorted order, matching the
// spec's "sorted directory entries" invariant so that two logically
// equal trees always produce byte-identical archives.
func Serialize(w io.Writer, tree Tree, root string) error {
	nw := NewWriter(w)

	if err := serializeNode(nw, tree, root); err != nil {
		return err
	}

	return nw.Close()
}

func serializeNode(wr *Writer, tree Tree, name string) error {
	info, err := tree.Stat(name)
	if err != nil {
		return fmt.Errorf("nar: stat %q: %w", name, err)
	}

	switch {
	case info.Mode()&fs.ModeSymlink != 0:
		target, err := tree.Readlink(name)
		if err != nil {
			return fmt.Errorf("nar: readlink %q: %w", name, err)
		}

		return wr.Link(target)

	case info.IsDir():
		if err := wr.Directory(); err != nil {
			return err
		}

		entries, err := tree.ReadDir(name)
		if err != nil {
			return fmt.Errorf("nar: readdir %q: %w", name, err)
		}

		sorted := append([]fs.DirEntry(nil), entries...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name() < sorted[j].Name() })

		for _, e := range sorted {
			if err := wr.Entry(e.Name()); err != nil {
				return err
			}

			child := name + "/" + e.Name()
			if name == "." {
				child = e.Name()
			}

			if err := serializeNode(wr, tree, child); err != nil {
				return err
			}

			if err := wr.EndEntry(); err != nil {
				return err
			}
		}

		return wr.EndDirectory()

	default:
		f, err := tree.Open(name)
		if err != nil {
			return fmt.Errorf("nar: open %q: %w", name, err)
		}
		defer f.Close()

		executable := info.Mode()&0o100 != 0

		if err := wr.File(executable, int(info.Size())); err != nil {
			return err
		}

		if _, err := io.Copy(wr, f); err != nil {
			return fmt.Errorf("nar: copy %q: %w", name, err)
		}

		return nil
	}
}
