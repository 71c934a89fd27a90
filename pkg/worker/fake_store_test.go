package worker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/nixcore/nixd/pkg/hash"
	"github.com/nixcore/nixd/pkg/store"
	"github.com/nixcore/nixd/pkg/storepath"
)

// fakeBuildStore is an in-memory store.BuildStore standing in for
// LocalStore: it tracks valid-path membership without touching disk,
// bar whatever the caller itself writes under storeDir for
// readStoreFile to find.
type fakeBuildStore struct {
	mu       sync.Mutex
	storeDir string
	valid    map[string]*store.ValidPathInfo
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
	return storepath.ParseWithOutputs(s)
}

func (f *fakeBuildStore) PrintStorePath(p storepath.Path) string {
	return storepath.Full(f.storeDir, p)
}

func (f *fakeBuildStore) QueryPathInfo(ctx context.Context, path storepath.Path) (*store.ValidPathInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	info, ok := f.valid[path.String()]
	if !ok {
		return nil, fmt.Errorf("worker: %s not valid", path)
	}

	return info, nil
}

func (f *fakeBuildStore) IsValidPath(ctx context.Context, path storepath.Path) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	_, ok := f.valid[path.String()]

	return ok, nil
}

func (f *fakeBuildStore) MakeTextPath(suffix string, sha256Hash hash.Hash, refs []storepath.Path) (storepath.Path, error) {
	return storepath.Path{}, fmt.Errorf("worker: fakeBuildStore does not implement MakeTextPath")
}

func (f *fakeBuildStore) MakeFixedOutputPath(method store.FileIngestionMethod, h hash.Hash, name string, refs []storepath.Path, hasSelfRef bool) (storepath.Path, error) {
	return storepath.Path{}, fmt.Errorf("worker: fakeBuildStore does not implement MakeFixedOutputPath")
}

func (f *fakeBuildStore) WriteFile(path string, contents io.Reader, executable bool) error {
	return fmt.Errorf("worker: fakeBuildStore does not implement WriteFile")
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
	return nil, fmt.Errorf("worker: fakeBuildStore does not implement AddTextToStore")
}

func (f *fakeBuildStore) CreateUser(name string, uid int) error { return nil }

func (f *fakeBuildStore) BuildPaths(ctx context.Context, drvs []storepath.WithOutputs, mode store.BuildMode) error {
	return fmt.Errorf("worker: fakeBuildStore does not implement BuildPaths")
}

func (f *fakeBuildStore) QueryMissing(ctx context.Context, paths []storepath.WithOutputs) (*store.MissingInfo, error) {
	return nil, fmt.Errorf("worker: fakeBuildStore does not implement QueryMissing")
}

// markValid registers p as already present, skipping the ValidPathInfo
// bookkeeping tests that don't care about it don't need to populate.
func (f *fakeBuildStore) markValid(p storepath.Path) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.valid[p.String()] = &store.ValidPathInfo{Path: p}
}

var _ store.BuildStore = (*fakeBuildStore)(nil)

// fakeSubstituter is a NarFetcher backed by an in-memory map of NAR
// byte payloads, keyed by the path they substitute.
type fakeSubstituter struct {
	*fakeBuildStore

	nars map[string][]byte
}

func newFakeSubstituter(storeDir string) *fakeSubstituter {
	return &fakeSubstituter{fakeBuildStore: newFakeBuildStore(storeDir), nars: make(map[string][]byte)}
}

// offer makes p substitutable from this source with the given nar
// payload and narSize recorded on its info (used for download-size
// accounting in query_missing).
func (f *fakeSubstituter) offer(p storepath.Path, compression string, data []byte) {
	f.mu.Lock()
	f.valid[p.String()] = &store.ValidPathInfo{
		Path:        p,
		NarSize:     uint64(len(data)),
		BinaryCache: &store.BinaryCacheInfo{Compression: compression},
	}
	f.mu.Unlock()

	f.nars[p.String()] = data
}

func (f *fakeSubstituter) FetchNar(ctx context.Context, info *store.ValidPathInfo) (io.ReadCloser, error) {
	data, ok := f.nars[info.Path.String()]
	if !ok {
		return nil, fmt.Errorf("worker: no nar available for %s", info.Path)
	}

	return io.NopCloser(bytes.NewReader(data)), nil
}

var _ NarFetcher = (*fakeSubstituter)(nil)
