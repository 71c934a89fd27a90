package nar

import (
	"fmt"
	"io"
)

// Copy drains r and re-serializes it onto w unchanged, round-tripping an
// archive through the pull reader and the streaming writer.
func Copy(w *Writer, r Reader) error {
	// nested[i] records whether the i'th currently-open directory was
	// itself introduced by an Entry (every directory but the root), so
	// a later TagEndDirectory knows whether to also close that wrapper.
	var nested []bool

	depth := 0

	for {
		tag, err := r.Next()
		if err == io.EOF {
			break
		}

		if err != nil {
			return fmt.Errorf("nar: copy: %w", err)
		}

		if tag == TagEndDirectory {
			if err := w.EndDirectory(); err != nil {
				return err
			}

			wasNested := nested[len(nested)-1]
			nested = nested[:len(nested)-1]
			depth--

			if wasNested {
				if err := w.EndEntry(); err != nil {
					return err
				}
			}

			continue
		}

		if depth > 0 {
			if err := w.Entry(r.Name()); err != nil {
				return err
			}
		}

		switch tag {
		case TagDirectory:
			if err := w.Directory(); err != nil {
				return err
			}

			nested = append(nested, depth > 0)
			depth++

		case TagRegular, TagExecutable:
			size := int(r.Size())

			if err := w.File(tag == TagExecutable, size); err != nil {
				return err
			}

			if _, err := io.CopyN(w, r, int64(size)); err != nil && err != io.EOF {
				return fmt.Errorf("nar: copy file contents: %w", err)
			}

			if depth > 0 {
				if err := w.EndEntry(); err != nil {
					return err
				}
			}

		case TagSymlink:
			if err := w.Link(r.Target()); err != nil {
				return err
			}

			if depth > 0 {
				if err := w.EndEntry(); err != nil {
					return err
				}
			}
		}
	}

	return w.Close()
}
