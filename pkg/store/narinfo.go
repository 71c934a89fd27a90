package store

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/nixcore/nixd/pkg/hash"
	"github.com/nixcore/nixd/pkg/storepath"
)

// NarinfoError reports a malformed or incomplete narinfo document.
type NarinfoError struct {
	Reason string
}

func (e *NarinfoError) Error() string {
	return "store: invalid narinfo: " + e.Reason
}

// ParseNarinfo parses a line-oriented "key: value" narinfo document (as
// served by an HTTP binary cache at "{base}/{hashPart}.narinfo") into a
// ValidPathInfo enriched with BinaryCacheInfo. storeDir resolves the
// full-path fields (StorePath, Deriver, References).
func ParseNarinfo(r io.Reader, storeDir string) (*ValidPathInfo, error) {
	fields := make(map[string]string)

	var sigs []string

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)

	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}

		key, val, ok := strings.Cut(line, ": ")
		if !ok {
			return nil, &NarinfoError{Reason: fmt.Sprintf("malformed line %q", line)}
		}

		if key == "Sig" {
			sigs = append(sigs, val)

			continue
		}

		fields[key] = val
	}

	if err := sc.Err(); err != nil {
		return nil, &NarinfoError{Reason: err.Error()}
	}

	for _, required := range []string{"StorePath", "NarHash", "NarSize", "References", "Deriver"} {
		if _, ok := fields[required]; !ok {
			return nil, &NarinfoError{Reason: "missing required key " + required}
		}
	}

	path, err := storepath.ParseFull(storeDir, fields["StorePath"])
	if err != nil {
		return nil, &NarinfoError{Reason: "StorePath: " + err.Error()}
	}

	narHash, err := parseNarinfoHash(fields["NarHash"])
	if err != nil {
		return nil, &NarinfoError{Reason: "NarHash: " + err.Error()}
	}

	narSize, err := strconv.ParseUint(fields["NarSize"], 10, 64)
	if err != nil {
		return nil, &NarinfoError{Reason: "NarSize: " + err.Error()}
	}

	var refs []storepath.Path

	if fields["References"] != "" {
		for _, name := range strings.Fields(fields["References"]) {
			p, err := storepath.New(name)
			if err != nil {
				return nil, &NarinfoError{Reason: "References: " + err.Error()}
			}

			refs = append(refs, p)
		}
	}

	var deriver storepath.Path

	if fields["Deriver"] != "" {
		deriver, err = storepath.New(fields["Deriver"])
		if err != nil {
			return nil, &NarinfoError{Reason: "Deriver: " + err.Error()}
		}
	}

	info := &ValidPathInfo{
		Path:       path,
		Deriver:    deriver,
		NarHash:    narHash,
		NarSize:    narSize,
		References: refs,
		Sigs:       sigs,
		CA:         fields["CA"],
	}

	if url, ok := fields["URL"]; ok {
		bc := &BinaryCacheInfo{URL: url, Compression: fields["Compression"]}

		if fs, ok := fields["FileSize"]; ok {
			size, err := strconv.ParseUint(fs, 10, 64)
			if err != nil {
				return nil, &NarinfoError{Reason: "FileSize: " + err.Error()}
			}

			bc.FileSize = size
		}

		if fh, ok := fields["FileHash"]; ok {
			h, err := parseNarinfoHash(fh)
			if err != nil {
				return nil, &NarinfoError{Reason: "FileHash: " + err.Error()}
			}

			bc.FileHash = h
		}

		info.BinaryCache = bc
	}

	return info, nil
}

// parseNarinfoHash parses a "sha256:<base32|hex>" narinfo hash field.
// Narinfo documents in the wild use nix base32; accept hex too since
// hash.Parse already produces that form for SQL persistence.
func parseNarinfoHash(s string) (hash.Hash, error) {
	algoName, digest, ok := strings.Cut(s, ":")
	if !ok {
		return hash.Hash{}, fmt.Errorf("missing ':' in %q", s)
	}

	if algoName != "sha256" {
		return hash.Hash{}, fmt.Errorf("unsupported narinfo hash algorithm %q", algoName)
	}

	if len(digest) == 64 {
		return hash.Parse(s)
	}

	raw, err := hash.DecodeBase32(digest, 32)
	if err != nil {
		return hash.Hash{}, err
	}

	return hash.New(hash.SHA256, raw)
}

// WriteNarinfo renders info as a narinfo document in the canonical
// key order real caches emit it in.
func WriteNarinfo(w io.Writer, info *ValidPathInfo, storeDir string) error {
	bw := bufio.NewWriter(w)

	fmt.Fprintf(bw, "StorePath: %s\n", storepath.Full(storeDir, info.Path))

	if info.BinaryCache != nil {
		fmt.Fprintf(bw, "URL: %s\n", info.BinaryCache.URL)
		fmt.Fprintf(bw, "Compression: %s\n", info.BinaryCache.Compression)

		if !info.BinaryCache.FileHash.IsNone() {
			fmt.Fprintf(bw, "FileHash: sha256:%s\n", info.BinaryCache.FileHash.ToBase32())
		}

		fmt.Fprintf(bw, "FileSize: %d\n", info.BinaryCache.FileSize)
	}

	fmt.Fprintf(bw, "NarHash: sha256:%s\n", info.NarHash.ToBase32())
	fmt.Fprintf(bw, "NarSize: %d\n", info.NarSize)

	refs := make([]string, len(info.References))
	for i, r := range info.References {
		refs[i] = r.String()
	}

	fmt.Fprintf(bw, "References: %s\n", strings.Join(refs, " "))

	if !info.Deriver.IsZero() {
		fmt.Fprintf(bw, "Deriver: %s\n", info.Deriver.String())
	}

	for _, sig := range info.Sigs {
		fmt.Fprintf(bw, "Sig: %s\n", sig)
	}

	if info.CA != "" {
		fmt.Fprintf(bw, "CA: %s\n", info.CA)
	}

	return bw.Flush()
}
