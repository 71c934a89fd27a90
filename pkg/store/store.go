package store

import (
	"context"
	"io"

	"github.com/nixcore/nixd/pkg/hash"
	"github.com/nixcore/nixd/pkg/storepath"
)

// FileIngestionMethod selects how a fixed-output path's content hash is
// computed: over the raw file ("flat") or over its NAR serialization
// ("recursive").
type FileIngestionMethod int

const (
	FileIngestionFlat FileIngestionMethod = iota
	FileIngestionRecursive
)

func (m FileIngestionMethod) String() string {
	if m == FileIngestionRecursive {
		return "r"
	}

	return ""
}

// BuildMode controls how BuildStore.BuildPaths performs a build.
type BuildMode int

const (
	BuildModeNormal BuildMode = iota
	BuildModeRepair
	BuildModeCheck
)

// MissingInfo is the result of BuildStore.QueryMissing.
type MissingInfo struct {
	WillBuild      []storepath.Path
	WillSubstitute []storepath.Path
	Unknown        []storepath.Path
	DownloadSize   uint64
	NarSize        uint64
}

// Store is the base capability: path parsing/printing relative to a
// configured store directory.
type Store interface {
	StoreDir() string
	StateDir() string
	ParseStorePath(s string) (storepath.Path, error)
	ParseStorePathWithOutputs(s string) (storepath.WithOutputs, error)
	PrintStorePath(p storepath.Path) string
}

// ReadStore adds read-only metadata queries and the path-derivation
// algorithms every content-addressed write eventually calls.
type ReadStore interface {
	Store

	QueryPathInfo(ctx context.Context, path storepath.Path) (*ValidPathInfo, error)
	IsValidPath(ctx context.Context, path storepath.Path) (bool, error)

	// MakeTextPath derives the store path for a text file (e.g. a ".drv")
	// whose content hash is sha256Hash and whose declared runtime
	// dependencies are refs.
	MakeTextPath(suffix string, sha256Hash hash.Hash, refs []storepath.Path) (storepath.Path, error)

	// MakeFixedOutputPath derives the store path for a fixed-output
	// derivation's output or a plain add_to_store call.
	MakeFixedOutputPath(method FileIngestionMethod, h hash.Hash, name string, refs []storepath.Path, hasSelfRef bool) (storepath.Path, error)
}

// WriteStore adds the mutating operations: raw filesystem writes (the
// capability nar.Parser drives), registration, and the two content-
// addressed ingestion algorithms.
type WriteStore interface {
	ReadStore

	WriteFile(path string, contents io.Reader, executable bool) error
	MakeDirectory(path string) error
	MakeSymlink(path, target string) error
	DeletePath(ctx context.Context, path storepath.Path) error

	RegisterPath(ctx context.Context, info *ValidPathInfo) (*ValidPathInfo, error)
	AddTempRoot(path storepath.Path) error

	// AddToStore consumes the raw archive byte stream src, hashing every
	// byte (including framing and padding) as it is parsed, and validates
	// the resulting hash/size against info's declared nar_hash/nar_size
	// unless the destination is already valid and repair is false.
	AddToStore(ctx context.Context, info *ValidPathInfo, repair, checkSigs bool, src io.Reader) (*ValidPathInfo, error)

	// AddTextToStore hashes data, derives its text path, writes it, and
	// registers it, short-circuiting if the path is already valid.
	AddTextToStore(ctx context.Context, suffix string, data []byte, refs []storepath.Path, repair bool) (*ValidPathInfo, error)

	CreateUser(name string, uid int) error
}

// BuildStore adds derivation realization.
type BuildStore interface {
	WriteStore

	BuildPaths(ctx context.Context, drvs []storepath.WithOutputs, mode BuildMode) error
	QueryMissing(ctx context.Context, paths []storepath.WithOutputs) (*MissingInfo, error)
}

// Repository is the persistence boundary LocalStore drives: SQLite in
// production (pkg/store/sqlrepo), an in-memory fake in tests.
type Repository interface {
	InsertValidPath(ctx context.Context, info *ValidPathInfo) (id int64, err error)
	LookupByPath(ctx context.Context, path storepath.Path) (info *ValidPathInfo, id int64, found bool, err error)
	LookupRefs(ctx context.Context, id int64) ([]storepath.Path, error)
	DeleteByPath(ctx context.Context, path storepath.Path) error
}
