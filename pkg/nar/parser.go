package nar

import (
	"fmt"
	"io"
)

// FileSystemWriter is the narrow capability Parser needs from a store
// implementation to materialize an archive: create files, directories,
// and symlinks at paths relative to the object's root. It is
// deliberately smaller than a general filesystem interface so a store
// can satisfy it without exposing anything else to the archive codec.
type FileSystemWriter interface {
	WriteFile(path string, contents io.Reader, executable bool) error
	MakeDirectory(path string) error
	MakeSymlink(path, target string) error
}

// Parser drives a Reader against a FileSystemWriter, materializing the
// archive's tree. It is the write-side counterpart of Serialize: where
// Serialize walks a filesystem to produce bytes, Parser walks bytes to
// produce a filesystem (the unpack half of AddToStore).
func Parser(fsw FileSystemWriter, r Reader) error {
	for {
		tag, err := r.Next()
		if err == io.EOF {
			return nil
		}

		if err != nil {
			return fmt.Errorf("nar: parse: %w", err)
		}

		switch tag {
		case TagDirectory:
			if err := fsw.MakeDirectory(r.Path()); err != nil {
				return fmt.Errorf("nar: mkdir %q: %w", r.Path(), err)
			}

		case TagEndDirectory:
			// Nothing to do: the directory was already created when
			// its TagDirectory event fired.

		case TagRegular, TagExecutable:
			if err := fsw.WriteFile(r.Path(), r, tag == TagExecutable); err != nil {
				return fmt.Errorf("nar: write %q: %w", r.Path(), err)
			}

		case TagSymlink:
			if err := fsw.MakeSymlink(r.Path(), r.Target()); err != nil {
				return fmt.Errorf("nar: symlink %q: %w", r.Path(), err)
			}
		}
	}
}
