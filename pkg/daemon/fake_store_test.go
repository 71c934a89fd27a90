package daemon_test

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/nixcore/nixd/pkg/hash"
	"github.com/nixcore/nixd/pkg/store"
	"github.com/nixcore/nixd/pkg/storepath"
)

// fakeBuildStore is an in-memory store.BuildStore for driving Serve in
// tests without a real LocalStore: valid paths live in a map, content
// hashing for AddTextToStore/AddToStore is real, but BuildPaths never
// has anything to build since nothing is ever registered as a
// derivation.
type fakeBuildStore struct {
	mu       sync.Mutex
	storeDir string
	valid    map[string]*store.ValidPathInfo
	built    []string
}

func newFakeBuildStore(storeDir string) *fakeBuildStore {
	return &fakeBuildStore{storeDir: storeDir, valid: make(map[string]*store.ValidPathInfo)}
}

func (f *fakeBuildStore) StoreDir() string { return f.storeDir }
func (f *fakeBuildStore) StateDir() string { return "/nix/var/nix" }

func (f *fakeBuildStore) ParseStorePath(s string) (storepath.Path, error) {
	return storepath.ParseFull(f.storeDir, s)
}

func (f *fakeBuildStore) ParseStorePathWithOutputs(s string) (storepath.WithOutputs, error) {
	prefix := f.storeDir + "/"
	if !strings.HasPrefix(s, prefix) {
		return storepath.WithOutputs{}, fmt.Errorf("fake store: %q is not under store directory %s", s, f.storeDir)
	}

	return storepath.ParseWithOutputs(strings.TrimPrefix(s, prefix))
}

func (f *fakeBuildStore) PrintStorePath(p storepath.Path) string {
	return storepath.Full(f.storeDir, p)
}

func (f *fakeBuildStore) QueryPathInfo(ctx context.Context, path storepath.Path) (*store.ValidPathInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.valid[path.String()], nil
}

func (f *fakeBuildStore) IsValidPath(ctx context.Context, path storepath.Path) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	_, ok := f.valid[path.String()]

	return ok, nil
}

func (f *fakeBuildStore) MakeTextPath(suffix string, sha256Hash hash.Hash, refs []storepath.Path) (storepath.Path, error) {
	name := suffix

	return f.hashedPath("text:"+sha256Hash.SQLString(), name)
}

func (f *fakeBuildStore) MakeFixedOutputPath(method store.FileIngestionMethod, h hash.Hash, name string, refs []storepath.Path, hasSelfRef bool) (storepath.Path, error) {
	typeStr := "output:out"
	if method == store.FileIngestionRecursive && h.Algo() == hash.SHA256 {
		typeStr = "source"
	}

	return f.hashedPath(fmt.Sprintf("%s:%s", typeStr, h.SQLString()), name)
}

// hashedPath is a deliberately simplified stand-in for LocalStore's real
// compress(sha256(...), 20) base32 algorithm: tests only need the
// resulting path to be syntactically valid and stable per input, not
// bit-for-bit identical to the production hash.
func (f *fakeBuildStore) hashedPath(seed, name string) (storepath.Path, error) {
	full := hash.HashString(seed)
	compressed := hash.CompressHash(full.Bytes(), 20)

	return storepath.New(compressed.ToBase32() + "-" + name)
}

func (f *fakeBuildStore) WriteFile(path string, contents io.Reader, executable bool) error {
	_, err := io.Copy(io.Discard, contents)

	return err
}

func (f *fakeBuildStore) MakeDirectory(path string) error { return nil }

func (f *fakeBuildStore) MakeSymlink(path, target string) error { return nil }

func (f *fakeBuildStore) DeletePath(ctx context.Context, path storepath.Path) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.valid, path.String())

	return nil
}

func (f *fakeBuildStore) RegisterPath(ctx context.Context, info *store.ValidPathInfo) (*store.ValidPathInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.valid[info.Path.String()] = info

	return info, nil
}

func (f *fakeBuildStore) AddTempRoot(path storepath.Path) error { return nil }

func (f *fakeBuildStore) AddToStore(ctx context.Context, info *store.ValidPathInfo, repair, checkSigs bool, src io.Reader) (*store.ValidPathInfo, error) {
	if _, err := io.Copy(io.Discard, src); err != nil {
		return nil, err
	}

	return f.RegisterPath(ctx, info)
}

func (f *fakeBuildStore) AddTextToStore(ctx context.Context, suffix string, data []byte, refs []storepath.Path, repair bool) (*store.ValidPathInfo, error) {
	textHash := hash.HashBytes(data)

	path, err := f.MakeTextPath(suffix, textHash, refs)
	if err != nil {
		return nil, err
	}

	info := &store.ValidPathInfo{
		Path:       path,
		NarHash:    hash.HashBytes(data),
		NarSize:    uint64(len(data)),
		References: refs,
		CA:         "text:" + textHash.SQLString(),
	}

	return f.RegisterPath(ctx, info)
}

func (f *fakeBuildStore) CreateUser(name string, uid int) error { return nil }

func (f *fakeBuildStore) BuildPaths(ctx context.Context, drvs []storepath.WithOutputs, mode store.BuildMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, d := range drvs {
		f.built = append(f.built, d.String())
	}

	return nil
}

func (f *fakeBuildStore) QueryMissing(ctx context.Context, paths []storepath.WithOutputs) (*store.MissingInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	info := &store.MissingInfo{}

	for _, p := range paths {
		if _, ok := f.valid[p.Path.String()]; !ok {
			info.WillBuild = append(info.WillBuild, p.Path)
		}
	}

	return info, nil
}

// markValid registers p as already present without going through
// AddToStore, for tests that only care about read paths.
func (f *fakeBuildStore) markValid(p storepath.Path, info *store.ValidPathInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if info == nil {
		info = &store.ValidPathInfo{Path: p}
	}

	f.valid[p.String()] = info
}

var _ store.BuildStore = (*fakeBuildStore)(nil)
