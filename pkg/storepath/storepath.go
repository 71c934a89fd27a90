// Package storepath implements the parsed store-path basename: the
// "<hash>-<name>" identity of a store object.
package storepath

import (
	"fmt"
	"sort"
	"strings"
)

// hashPartLen is the length in characters of the base32 hash part.
const hashPartLen = 32

// minLen is the minimum valid basename length: 32 hash chars + '-' + at
// least one name character.
const minLen = hashPartLen + 2

// forbiddenHashChars are the base32 alphabet omissions that must never
// appear in a hash part.
const forbiddenHashChars = "eotu"

// Path is a validated store-path basename, e.g.
// "1094wph9z4nwlgvsd53abfz8i117ykiv-hello-1.0".
type Path struct {
	basename string
}

// Error reports why a basename failed to parse as a Path.
type Error struct {
	Basename string
	Reason   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("storepath: invalid path %q: %s", e.Basename, e.Reason)
}

// errNotInStore reports a basename too short to be a store path at
// all.
func errNotInStore(basename string) error {
	return &Error{Basename: basename, Reason: "not in store (too short)"}
}

// errInvalidHashPart reports hash-part characters outside the nix
// base32 alphabet.
func errInvalidHashPart(basename string) error {
	return &Error{Basename: basename, Reason: "invalid hash part"}
}

// New validates basename and wraps it as a Path.
func New(basename string) (Path, error) {
	if len(basename) < minLen {
		return Path{}, errNotInStore(basename)
	}

	if basename[hashPartLen] != '-' {
		return Path{}, errNotInStore(basename)
	}

	hashPart := basename[:hashPartLen]
	for _, c := range hashPart {
		if strings.ContainsRune(forbiddenHashChars, c) {
			return Path{}, errInvalidHashPart(basename)
		}

		if !isBase32Char(byte(c)) {
			return Path{}, errInvalidHashPart(basename)
		}
	}

	name := basename[hashPartLen+1:]
	if err := validateName(basename, name); err != nil {
		return Path{}, err
	}

	return Path{basename: basename}, nil
}

func validateName(basename, name string) error {
	if name == "" {
		return &Error{Basename: basename, Reason: "empty name"}
	}

	for _, c := range name {
		if c == '/' || c == 0 {
			return &Error{Basename: basename, Reason: "name contains '/' or NUL"}
		}
	}

	if !strings0(name) {
		return &Error{Basename: basename, Reason: "name is not valid UTF-8"}
	}

	return nil
}

// strings0 reports whether s is valid UTF-8; split out so validateName
// reads as a sequence of named checks.
func strings0(s string) bool {
	return strings.ToValidUTF8(s, "�") == s
}

func isBase32Char(c byte) bool {
	switch {
	case c >= '0' && c <= '9':
		return true
	case c >= 'a' && c <= 'z':
		return !strings.ContainsRune(forbiddenHashChars, rune(c))
	default:
		return false
	}
}

// NewHash composes a Path from an already-base32-encoded hash and a name,
// validating the result exactly as New does.
func NewHash(base32Hash, name string) (Path, error) {
	return New(base32Hash + "-" + name)
}

// String returns the basename, matching the spec's "Display emits the
// basename only" rule. Printing with the store directory is the store's
// job (Store.PrintStorePath).
func (p Path) String() string {
	return p.basename
}

// HashPart returns the first 32 characters.
func (p Path) HashPart() string {
	return p.basename[:hashPartLen]
}

// Name returns the basename after the hash part and separator.
func (p Path) Name() string {
	return p.basename[hashPartLen+1:]
}

// IsDerivation reports whether the name ends in ".drv".
func (p Path) IsDerivation() bool {
	return strings.HasSuffix(p.Name(), ".drv")
}

// IsZero reports whether p is the zero Path (unset).
func (p Path) IsZero() bool {
	return p.basename == ""
}

// ParseFull parses a full "<storeDir>/<hash>-<name>" path, stripping and
// validating the store directory prefix before validating the basename.
// Derivation files and daemon wire messages both spell paths this way.
func ParseFull(storeDir, full string) (Path, error) {
	prefix := storeDir + "/"
	if !strings.HasPrefix(full, prefix) {
		return Path{}, &Error{Basename: full, Reason: "not under store directory " + storeDir}
	}

	return New(strings.TrimPrefix(full, prefix))
}

// Full renders p as a full path under storeDir.
func Full(storeDir string, p Path) string {
	return storeDir + "/" + p.basename
}

// WithOutputs pairs a Path with a set of wanted output names.
type WithOutputs struct {
	Path    Path
	Outputs []string
}

// String renders "<path>!out1,out2", or just "<path>" if Outputs is
// empty.
func (w WithOutputs) String() string {
	if len(w.Outputs) == 0 {
		return w.Path.String()
	}

	sorted := append([]string(nil), w.Outputs...)
	sort.Strings(sorted)

	return w.Path.String() + "!" + strings.Join(sorted, ",")
}

// ParseWithOutputs splits "<path>!out1,out2" (or a bare path) and
// validates the path portion.
func ParseWithOutputs(s string) (WithOutputs, error) {
	basename, outputsPart, found := strings.Cut(s, "!")

	p, err := New(basename)
	if err != nil {
		return WithOutputs{}, err
	}

	if !found || outputsPart == "" {
		return WithOutputs{Path: p}, nil
	}

	return WithOutputs{Path: p, Outputs: strings.Split(outputsPart, ",")}, nil
}
