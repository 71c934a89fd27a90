package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/nixcore/nixd/pkg/hash"
	"github.com/nixcore/nixd/pkg/nar"
	"github.com/nixcore/nixd/pkg/storepath"
)

// LocalStore is the on-disk implementation: store objects live under
// "<base>/store", metadata is delegated to a Repository (normally
// pkg/store/sqlrepo's SQLite-backed one, over "<base>/var/nix/db").
//
// Mount-namespace remounting (unsharing and bind-remounting a read-only
// store mount writable when running as root on Linux) is not performed
// here; NewLocalStore always requires storeDir to already be writable.
// The hook point is documented on NewLocalStore for a platform-specific
// wrapper to fill in.
type LocalStore struct {
	storeDir string
	stateDir string
	repo     Repository

	mu        sync.Mutex
	tempRoots map[string]struct{}
}

// NewLocalStore opens a local store rooted at base. base/store and
// base/var/nix are created if absent.
//
// On Linux, if the process is root and the store mount is read-only, a
// production implementation unshares its mount namespace and bind-remounts
// the store writable before this call; that step is the caller's
// responsibility; NewLocalStore only requires the directories to already
// accept writes.
func NewLocalStore(base string, repo Repository) (*LocalStore, error) {
	storeDir := filepath.Join(base, "store")
	stateDir := filepath.Join(base, "var", "nix")

	if err := os.MkdirAll(storeDir, 0o755); err != nil {
		return nil, fmt.Errorf("store: open local store: %w", err)
	}

	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("store: open local store: %w", err)
	}

	return &LocalStore{
		storeDir:  storeDir,
		stateDir:  stateDir,
		repo:      repo,
		tempRoots: make(map[string]struct{}),
	}, nil
}

func (l *LocalStore) StoreDir() string { return l.storeDir }
func (l *LocalStore) StateDir() string { return l.stateDir }

func (l *LocalStore) ParseStorePath(s string) (storepath.Path, error) {
	return storepath.ParseFull(l.storeDir, s)
}

func (l *LocalStore) ParseStorePathWithOutputs(s string) (storepath.WithOutputs, error) {
	prefix := l.storeDir + "/"
	if !strings.HasPrefix(s, prefix) {
		return storepath.WithOutputs{}, fmt.Errorf("store: %q is not under store directory %s", s, l.storeDir)
	}

	return storepath.ParseWithOutputs(strings.TrimPrefix(s, prefix))
}

func (l *LocalStore) PrintStorePath(p storepath.Path) string {
	return storepath.Full(l.storeDir, p)
}

// refsSuffix renders refs as ":ref1:ref2:..." for the path-derivation
// formula, empty if refs is empty.
func refsSuffix(storeDir string, refs []storepath.Path) string {
	var b strings.Builder

	for _, r := range refs {
		b.WriteByte(':')
		b.WriteString(storepath.Full(storeDir, r))
	}

	return b.String()
}

// hashedPath folds sha256(s) to 20 bytes and composes the result with
// name, per the "compress(sha256(s), 20)" rule.
func hashedPath(s, name string) (storepath.Path, error) {
	digest := hash.HashString(s)
	compressed := hash.CompressHash(digest.Bytes(), 20)

	return storepath.NewHash(compressed.ToBase32(), name)
}

func (l *LocalStore) MakeTextPath(suffix string, sha256Hash hash.Hash, refs []storepath.Path) (storepath.Path, error) {
	typeStr := "text" + refsSuffix(l.storeDir, refs)
	s := fmt.Sprintf("%s:%s:%s:%s", typeStr, sha256Hash.SQLString(), l.storeDir, suffix)

	return hashedPath(s, suffix)
}

func (l *LocalStore) MakeFixedOutputPath(method FileIngestionMethod, h hash.Hash, name string, refs []storepath.Path, hasSelfRef bool) (storepath.Path, error) {
	var typeStr string

	if method == FileIngestionRecursive && h.Algo() == hash.SHA256 {
		typeStr = "source" + refsSuffix(l.storeDir, refs)
		if hasSelfRef {
			typeStr += ":self"
		}
	} else {
		typeStr = "output:out"
	}

	s := fmt.Sprintf("%s:%s:%s:%s", typeStr, h.SQLString(), l.storeDir, name)

	return hashedPath(s, name)
}

func (l *LocalStore) QueryPathInfo(ctx context.Context, path storepath.Path) (*ValidPathInfo, error) {
	info, id, found, err := l.repo.LookupByPath(ctx, path)
	if err != nil {
		return nil, err
	}

	if !found {
		return nil, nil
	}

	refs, err := l.repo.LookupRefs(ctx, id)
	if err != nil {
		return nil, err
	}

	info.References = refs

	return info, nil
}

func (l *LocalStore) IsValidPath(ctx context.Context, path storepath.Path) (bool, error) {
	_, _, found, err := l.repo.LookupByPath(ctx, path)

	return found, err
}

func (l *LocalStore) WriteFile(path string, contents io.Reader, executable bool) error {
	mode := os.FileMode(0o444)
	if executable {
		mode = 0o555
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := io.Copy(f, contents); err != nil {
		return err
	}

	return f.Chmod(mode)
}

func (l *LocalStore) MakeDirectory(path string) error {
	return os.MkdirAll(path, 0o755)
}

func (l *LocalStore) MakeSymlink(path, target string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	_ = os.Remove(path)

	return os.Symlink(target, path)
}

func (l *LocalStore) DeletePath(ctx context.Context, path storepath.Path) error {
	if err := l.repo.DeleteByPath(ctx, path); err != nil {
		return err
	}

	return os.RemoveAll(l.PrintStorePath(path))
}

func (l *LocalStore) RegisterPath(ctx context.Context, info *ValidPathInfo) (*ValidPathInfo, error) {
	if _, err := l.repo.InsertValidPath(ctx, info); err != nil {
		return nil, err
	}

	return info, nil
}

// AddTempRoot pins path against garbage collection for the lifetime of
// this LocalStore handle. A production GC root is a symlink under
// "<state>/gcroots"; this in-process set is the mechanical equivalent
// for a single daemon instance, queried through HasTempRoot. LocalStore
// itself performs no garbage collection.
func (l *LocalStore) AddTempRoot(path storepath.Path) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.tempRoots[path.String()] = struct{}{}

	return nil
}

func (l *LocalStore) HasTempRoot(path storepath.Path) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, ok := l.tempRoots[path.String()]

	return ok
}

// CreateUser provisions the per-user profile and gcroot directories a
// build user needs under the state directory.
func (l *LocalStore) CreateUser(name string, uid int) error {
	profileDir := filepath.Join(l.stateDir, "profiles", "per-user", name)
	if err := os.MkdirAll(profileDir, 0o755); err != nil {
		return err
	}

	gcrootDir := filepath.Join(l.stateDir, "gcroots", "per-user", name)

	return os.MkdirAll(gcrootDir, 0o755)
}

// AddTextToStore implements §4.6's algorithm: hash, derive the text
// path, pin it, and (if missing or repair is requested) write the file,
// archive it to compute nar_hash/nar_size, and register it.
func (l *LocalStore) AddTextToStore(ctx context.Context, suffix string, data []byte, refs []storepath.Path, repair bool) (*ValidPathInfo, error) {
	h := hash.HashBytes(data)

	dest, err := l.MakeTextPath(suffix, h, refs)
	if err != nil {
		return nil, err
	}

	if err := l.AddTempRoot(dest); err != nil {
		return nil, err
	}

	valid, err := l.IsValidPath(ctx, dest)
	if err != nil {
		return nil, err
	}

	if valid && !repair {
		return l.QueryPathInfo(ctx, dest)
	}

	destFS := l.PrintStorePath(dest)

	if err := os.RemoveAll(destFS); err != nil {
		return nil, err
	}

	if err := l.WriteFile(destFS, bytes.NewReader(data), false); err != nil {
		return nil, err
	}

	narHash, narSize, err := hashSingleFileArchive(destFS, false)
	if err != nil {
		return nil, err
	}

	info := &ValidPathInfo{
		Path:             dest,
		NarHash:          narHash,
		NarSize:          narSize,
		References:       refs,
		RegistrationTime: time.Now().Unix(),
		CA:               "text:" + h.SQLString(),
	}

	return l.RegisterPath(ctx, info)
}

// hashSingleFileArchive serializes path (a single regular file) as a NAR
// and returns its SHA-256 hash and byte size, the same accounting
// AddToStore performs for a full tree.
func hashSingleFileArchive(path string, executable bool) (hash.Hash, uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return hash.Hash{}, 0, err
	}

	var buf bytes.Buffer

	wr := nar.NewWriter(&buf)

	if err := wr.File(executable, len(data)); err != nil {
		return hash.Hash{}, 0, err
	}

	if _, err := wr.Write(data); err != nil {
		return hash.Hash{}, 0, err
	}

	if err := wr.Close(); err != nil {
		return hash.Hash{}, 0, err
	}

	return hash.HashBytes(buf.Bytes()), uint64(buf.Len()), nil
}

// destTreeWriter adapts nar.FileSystemWriter so that archive-relative
// paths ("/", "/bin/hello") land under dest on disk.
type destTreeWriter struct {
	ls   *LocalStore
	dest string
}

func (d *destTreeWriter) WriteFile(path string, contents io.Reader, executable bool) error {
	return d.ls.WriteFile(filepath.Join(d.dest, path), contents, executable)
}

func (d *destTreeWriter) MakeDirectory(path string) error {
	return d.ls.MakeDirectory(filepath.Join(d.dest, path))
}

func (d *destTreeWriter) MakeSymlink(path, target string) error {
	return d.ls.MakeSymlink(filepath.Join(d.dest, path), target)
}

// hashCountReader wraps src, buffering and counting every byte read —
// including the framing and padding bytes nar.Reader consumes
// internally, since it reads from this wrapper — for Sum to hash with
// SHA-256.
type hashCountReader struct {
	src   io.Reader
	state []byte // accumulated bytes; hashed lazily in Sum
	n     uint64
}

func newHashCountReader(src io.Reader) *hashCountReader {
	return &hashCountReader{src: src}
}

func (h *hashCountReader) Read(p []byte) (int, error) {
	n, err := h.src.Read(p)
	if n > 0 {
		h.state = append(h.state, p[:n]...)
		h.n += uint64(n)
	}

	return n, err
}

func (h *hashCountReader) Sum() (hash.Hash, uint64) {
	return hash.HashBytes(h.state), h.n
}

// HashMismatchError reports a realized archive whose hash or size
// disagrees with what the caller declared.
type HashMismatchError struct {
	Path         storepath.Path
	ExpectedHash hash.Hash
	ActualHash   hash.Hash
	ExpectedSize uint64
	ActualSize   uint64
}

func (e *HashMismatchError) Error() string {
	return fmt.Sprintf("store: hash/size mismatch for %s: expected %s/%d, got %s/%d",
		e.Path, e.ExpectedHash.SQLString(), e.ExpectedSize, e.ActualHash.SQLString(), e.ActualSize)
}

// AddToStore implements §4.6's add_to_store algorithm: pin the
// destination, and if it is not already valid (or repair was
// requested), parse the archive directly into place while hashing every
// byte consumed, verify the result against info's declared nar_hash/
// nar_size, canonicalize, and register. checkSigs is not consulted: no
// signature verification happens here.
func (l *LocalStore) AddToStore(ctx context.Context, info *ValidPathInfo, repair, checkSigs bool, src io.Reader) (*ValidPathInfo, error) {
	if info.NarHash.IsNone() {
		return nil, fmt.Errorf("store: add_to_store: nar_hash is unset for %s", info.Path)
	}

	if err := l.AddTempRoot(info.Path); err != nil {
		return nil, err
	}

	valid, err := l.IsValidPath(ctx, info.Path)
	if err != nil {
		return nil, err
	}

	if valid && !repair {
		return l.QueryPathInfo(ctx, info.Path)
	}

	destFS := l.PrintStorePath(info.Path)
	if err := os.RemoveAll(destFS); err != nil {
		return nil, err
	}

	counted := newHashCountReader(src)
	reader := nar.NewReader(counted)

	if err := nar.Parser(&destTreeWriter{ls: l, dest: destFS}, reader); err != nil {
		return nil, fmt.Errorf("store: add_to_store: unpack: %w", err)
	}

	realizedHash, realizedSize := counted.Sum()

	if !realizedHash.Equal(info.NarHash) || realizedSize != info.NarSize {
		return nil, &HashMismatchError{
			Path:         info.Path,
			ExpectedHash: info.NarHash,
			ActualHash:   realizedHash,
			ExpectedSize: info.NarSize,
			ActualSize:   realizedSize,
		}
	}

	registered := *info
	registered.RegistrationTime = time.Now().Unix()

	return l.RegisterPath(ctx, &registered)
}
