package nar_test

import (
	"bytes"
	"io"
	"testing"

	"github.com/nixcore/nixd/pkg/nar"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeSingleFile builds the smallest possible archive: a bare root
// regular file.
func writeSingleFile(t *testing.T, executable bool, contents []byte) []byte {
	t.Helper()

	var buf bytes.Buffer

	w := nar.NewWriter(&buf)
	require.NoError(t, w.File(executable, len(contents)))

	if len(contents) > 0 {
		_, err := w.Write(contents)
		require.NoError(t, err)
	}

	require.NoError(t, w.Close())

	return buf.Bytes()
}

func TestRootFileRoundTrip(t *testing.T) {
	data := writeSingleFile(t, false, []byte("hello world"))

	r := nar.NewReader(bytes.NewReader(data))

	tag, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, nar.TagRegular, tag)
	assert.Equal(t, "/", r.Path())

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(got))

	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestRootExecutableFile(t *testing.T) {
	data := writeSingleFile(t, true, []byte("#!/bin/sh\n"))

	r := nar.NewReader(bytes.NewReader(data))

	tag, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, nar.TagExecutable, tag)
}

func TestRootSymlink(t *testing.T) {
	var buf bytes.Buffer

	w := nar.NewWriter(&buf)
	require.NoError(t, w.Link("/nix/store/other-path"))
	require.NoError(t, w.Close())

	r := nar.NewReader(bytes.NewReader(buf.Bytes()))

	tag, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, nar.TagSymlink, tag)
	assert.Equal(t, "/nix/store/other-path", r.Target())

	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestDirectoryTreeRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	w := nar.NewWriter(&buf)
	require.NoError(t, w.Directory())

	require.NoError(t, w.Entry("README"))
	require.NoError(t, w.File(false, 4))
	_, err := w.Write([]byte("docs"))
	require.NoError(t, err)
	require.NoError(t, w.EndEntry())

	require.NoError(t, w.Entry("bin"))
	require.NoError(t, w.Directory())
	require.NoError(t, w.Entry("hello"))
	require.NoError(t, w.File(true, 5))
	_, err = w.Write([]byte("exec!"))
	require.NoError(t, err)
	require.NoError(t, w.EndEntry())
	require.NoError(t, w.EndDirectory())
	require.NoError(t, w.EndEntry())

	require.NoError(t, w.EndDirectory())
	require.NoError(t, w.Close())

	r := nar.NewReader(bytes.NewReader(buf.Bytes()))

	var visited []string

	for {
		tag, err := r.Next()
		if err == io.EOF {
			break
		}

		require.NoError(t, err)

		if tag == nar.TagEndDirectory {
			continue
		}

		visited = append(visited, r.Path())

		if tag == nar.TagRegular || tag == nar.TagExecutable {
			_, err := io.Copy(io.Discard, r)
			require.NoError(t, err)
		}
	}

	assert.Equal(t, []string{"/", "/README", "/bin", "/bin/hello"}, visited)
}

func TestCopyRoundTrip(t *testing.T) {
	var src bytes.Buffer

	w := nar.NewWriter(&src)
	require.NoError(t, w.Directory())
	require.NoError(t, w.Entry("a"))
	require.NoError(t, w.File(false, 1))
	_, err := w.Write([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, w.EndEntry())
	require.NoError(t, w.EndDirectory())
	require.NoError(t, w.Close())

	var dst bytes.Buffer

	err = nar.Copy(nar.NewWriter(&dst), nar.NewReader(bytes.NewReader(src.Bytes())))
	require.NoError(t, err)
	assert.Equal(t, src.Bytes(), dst.Bytes())
}

func TestWriterRejectsUnbalancedDirectory(t *testing.T) {
	var buf bytes.Buffer

	w := nar.NewWriter(&buf)
	require.NoError(t, w.Directory())

	err := w.Close()
	assert.Error(t, err)
}

func TestWriterRejectsShortFileWrite(t *testing.T) {
	var buf bytes.Buffer

	w := nar.NewWriter(&buf)
	require.NoError(t, w.File(false, 10))
	_, err := w.Write([]byte("short"))
	require.NoError(t, err)

	err = w.Close()
	assert.Error(t, err)
}

func TestReaderRejectsBadMagic(t *testing.T) {
	r := nar.NewReader(bytes.NewReader([]byte("not a nix archive at all, padded")))

	_, err := r.Next()
	assert.Error(t, err)
}
