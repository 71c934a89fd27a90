package nar

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Writer is a push-style writer that builds one archive. The caller
// drives it depth-first and must bracket directories explicitly:
//
//	w := nar.NewWriter(out)
//	w.Directory()
//	w.Entry("bin")
//	w.Directory()
//	w.Entry("hello")
//	w.File(true, len(data))
//	w.Write(data)
//	w.EndEntry()     // closes the "hello" entry
//	w.EndDirectory() // closes "bin"'s own node
//	w.EndEntry()     // closes the "bin" entry
//	w.Close()
//
// A root that is a single file or symlink skips Directory/EndDirectory
// entirely: call File/Link once, then Close.
type Writer struct {
	w   io.Writer
	err error

	wroteRoot bool
	depth     int

	fileRemaining int
	filePad       int
	fileOpen      bool
}

// NewWriter returns a Writer that serializes onto w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

func (wr *Writer) fail(err error) error {
	if wr.err == nil {
		wr.err = err
	}

	return wr.err
}

func (wr *Writer) writeRaw(b []byte) error {
	if wr.err != nil {
		return wr.err
	}

	if _, err := wr.w.Write(b); err != nil {
		return wr.fail(err)
	}

	return nil
}

func (wr *Writer) writeString(s string) error {
	if wr.err != nil {
		return wr.err
	}

	var lenBuf [8]byte

	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(s)))

	if err := wr.writeRaw(lenBuf[:]); err != nil {
		return err
	}

	if err := wr.writeRaw([]byte(s)); err != nil {
		return err
	}

	if pad := (8 - len(s)%8) % 8; pad != 0 {
		return wr.writeRaw(zeroPad[:pad])
	}

	return nil
}

// closeFile finishes a File body opened with File, padding and writing
// the ")" that ends its regular/executable node. It is a no-op if no
// file is open.
func (wr *Writer) closeFile() error {
	if !wr.fileOpen {
		return nil
	}

	if wr.fileRemaining != 0 {
		return wr.fail(fmt.Errorf("nar: file body incomplete, %d bytes unwritten", wr.fileRemaining))
	}

	if wr.filePad > 0 {
		if err := wr.writeRaw(zeroPad[:wr.filePad]); err != nil {
			return err
		}
	}

	wr.fileOpen = false

	return wr.writeString(")")
}

// nodePrefix writes the "(" "type" opening common to every node; root is
// preceded by the archive magic, and every other node is preceded by
// its enclosing Entry call (handled by Entry itself).
func (wr *Writer) nodePrefix() error {
	if !wr.wroteRoot {
		wr.wroteRoot = true

		return wr.writeRaw(tokMagic)
	}

	return nil
}

// Entry opens a named child of the currently open directory. It must be
// followed by exactly one of Directory, File, or Link.
func (wr *Writer) Entry(name string) error {
	if err := wr.closeFile(); err != nil {
		return err
	}

	if err := wr.writeRaw(tokEnt); err != nil {
		return err
	}

	if err := wr.writeString(name); err != nil {
		return err
	}

	return wr.writeRaw(tokNode)
}

// Directory opens a directory node: the root, or the entry named by the
// most recent Entry call.
func (wr *Writer) Directory() error {
	if err := wr.nodePrefix(); err != nil {
		return err
	}

	if err := wr.writeRaw(tokDir); err != nil {
		return err
	}

	wr.depth++

	return nil
}

// EndDirectory closes the directory's own node wrapper. If the directory
// was itself opened via Entry (every directory but the root), the
// caller must follow with EndEntry to close the entry's wrapper too.
func (wr *Writer) EndDirectory() error {
	if err := wr.closeFile(); err != nil {
		return err
	}

	if wr.depth == 0 {
		return wr.fail(fmt.Errorf("nar: EndDirectory with no open directory"))
	}

	wr.depth--

	return wr.writeRaw(tokClose)
}

// File opens a regular file node of the given size and executable bit.
// The caller must then write exactly size bytes via Write.
func (wr *Writer) File(executable bool, size int) error {
	if err := wr.nodePrefix(); err != nil {
		return err
	}

	if executable {
		if err := wr.writeRaw(tokExe); err != nil {
			return err
		}
	} else {
		if err := wr.writeRaw(tokReg); err != nil {
			return err
		}
	}

	var lenBuf [8]byte

	binary.LittleEndian.PutUint64(lenBuf[:], uint64(size))

	if err := wr.writeRaw(lenBuf[:]); err != nil {
		return err
	}

	wr.fileRemaining = size
	wr.filePad = (8 - size%8) % 8
	wr.fileOpen = true

	if size == 0 {
		return wr.closeFile()
	}

	return nil
}

// Write streams the current file's content; callers must write exactly
// the size declared to File before the next structural call.
func (wr *Writer) Write(p []byte) (int, error) {
	if wr.err != nil {
		return 0, wr.err
	}

	if !wr.fileOpen {
		return 0, wr.fail(fmt.Errorf("nar: Write with no open file"))
	}

	if len(p) > wr.fileRemaining {
		return 0, wr.fail(fmt.Errorf("nar: write exceeds declared file size"))
	}

	n, err := wr.w.Write(p)
	wr.fileRemaining -= n

	if err != nil {
		return n, wr.fail(err)
	}

	if wr.fileRemaining == 0 {
		if err := wr.closeFile(); err != nil {
			return n, err
		}
	}

	return n, nil
}

// Link writes a symlink node with the given target.
func (wr *Writer) Link(target string) error {
	if err := wr.nodePrefix(); err != nil {
		return err
	}

	if err := wr.writeRaw(tokSym); err != nil {
		return err
	}

	if err := wr.writeString(target); err != nil {
		return err
	}

	return wr.writeRaw(tokClose)
}

// EndEntry closes the "node(...)" wrapper opened by Entry once the
// entry's Directory/File/Link body has been fully written. Directory
// bodies are closed by EndDirectory first; File and Link bodies close
// themselves, so EndEntry only needs to emit the wrapper's ")".
func (wr *Writer) EndEntry() error {
	if err := wr.closeFile(); err != nil {
		return err
	}

	return wr.writeRaw(tokClose)
}

// Close finalizes the archive. Every node's own closing ")" is already
// written by the call that ended it (EndDirectory, the last Write of a
// File, or Link itself); Close only verifies the tree was left balanced.
func (wr *Writer) Close() error {
	if err := wr.closeFile(); err != nil {
		return err
	}

	if wr.depth != 0 {
		return wr.fail(fmt.Errorf("nar: %d directories left open", wr.depth))
	}

	if !wr.wroteRoot {
		return wr.fail(fmt.Errorf("nar: no root node written"))
	}

	return wr.err
}
