package daemon

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/nix-community/go-nix/pkg/wire"
	"github.com/nixcore/nixd/pkg/hash"
	"github.com/nixcore/nixd/pkg/nar"
	"github.com/nixcore/nixd/pkg/store"
	"github.com/nixcore/nixd/pkg/storepath"
	"github.com/sirupsen/logrus"
)

// ServerHandshake performs the daemon side of the protocol handshake: it
// mirrors handshakeWithBufIO's client steps in reverse. It returns the
// protocol version the client chose to negotiate.
func ServerHandshake(r io.Reader, w *bufio.Writer, nixVersion string, trust TrustLevel) (uint64, error) {
	clientMagic, err := wire.ReadUint64(r)
	if err != nil {
		return 0, &ProtocolError{Op: "handshake read client magic", Err: err}
	}

	if clientMagic != ClientMagic {
		return 0, &ProtocolError{
			Op:  "handshake validate client magic",
			Err: fmt.Errorf("expected %#x, got %#x", ClientMagic, clientMagic),
		}
	}

	if err := wire.WriteUint64(w, ServerMagic); err != nil {
		return 0, &ProtocolError{Op: "handshake write server magic", Err: err}
	}

	if err := wire.WriteUint64(w, ProtocolVersion); err != nil {
		return 0, &ProtocolError{Op: "handshake write server version", Err: err}
	}

	if err := w.Flush(); err != nil {
		return 0, &ProtocolError{Op: "handshake flush server greeting", Err: err}
	}

	negotiated, err := wire.ReadUint64(r)
	if err != nil {
		return 0, &ProtocolError{Op: "handshake read negotiated version", Err: err}
	}

	if negotiated < MinProtocolVersion {
		return 0, &ProtocolError{
			Op:  "handshake version negotiation",
			Err: fmt.Errorf("client version %#x is older than minimum supported %#x", negotiated, MinProtocolVersion),
		}
	}

	// CPU affinity and reserve-space flags: read and ignore.
	if _, err := wire.ReadBool(r); err != nil {
		return 0, &ProtocolError{Op: "handshake read cpu affinity", Err: err}
	}

	if _, err := wire.ReadBool(r); err != nil {
		return 0, &ProtocolError{Op: "handshake read reserve space", Err: err}
	}

	if err := wire.WriteString(w, nixVersion); err != nil {
		return 0, &ProtocolError{Op: "handshake write daemon version", Err: err}
	}

	if err := wire.WriteUint64(w, uint64(trust)); err != nil {
		return 0, &ProtocolError{Op: "handshake write trust level", Err: err}
	}

	if err := w.Flush(); err != nil {
		return 0, &ProtocolError{Op: "handshake flush daemon greeting", Err: err}
	}

	return negotiated, nil
}

// Serve drives one client connection end to end: it performs the
// handshake, then loops reading an operation code, dispatching it
// against st, and replying with either a success marker plus response
// payload or a STDERR_ERROR frame. A protocol violation (bad framing,
// a read/write failing for reasons other than peer disconnect) ends the
// loop and closes the connection; a store-level failure does not.
func Serve(ctx context.Context, conn net.Conn, st store.BuildStore, trust TrustLevel, nixVersion string, log *logrus.Entry) error {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	br := bufio.NewReader(conn)
	bw := bufio.NewWriter(conn)

	if _, err := ServerHandshake(br, bw, nixVersion, trust); err != nil {
		return err
	}

	srv := &server{st: st, trust: trust, log: log}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		rawOp, err := wire.ReadUint64(br)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}

			return &ProtocolError{Op: "read op", Err: err}
		}

		op := Operation(rawOp)
		if op == 0 {
			// InvalidRequest: a no-op, per §4.8.
			continue
		}

		if err := srv.dispatch(ctx, op, br, bw); err != nil {
			var pe *ProtocolError
			if errors.As(err, &pe) {
				return err
			}

			log.WithError(err).WithField("op", op).Debug("operation failed")

			if err := writeOpError(bw, err); err != nil {
				return err
			}
		}
	}
}

// server holds the per-connection state dispatch needs.
type server struct {
	st    store.BuildStore
	trust TrustLevel
	log   *logrus.Entry
}

// dispatch runs one operation. A returned *ProtocolError is fatal to the
// connection; any other error has already been reported to the peer as
// a STDERR_ERROR frame by the per-op handler's call to writeOpError, and
// the loop continues.
func (s *server) dispatch(ctx context.Context, op Operation, r *bufio.Reader, w *bufio.Writer) error {
	switch op {
	case OpIsValidPath:
		return s.handleIsValidPath(ctx, r, w)
	case OpQueryPathInfo:
		return s.handleQueryPathInfo(ctx, r, w)
	case OpAddTempRoot, OpAddIndirectRoot, OpSyncWithGC:
		return s.handleAddTempRoot(r, w)
	case OpEnsurePath:
		return s.handleEnsurePath(ctx, r, w)
	case OpBuildPaths:
		return s.handleBuildPaths(ctx, r, w)
	case OpQueryMissing:
		return s.handleQueryMissing(ctx, r, w)
	case OpSetOptions:
		return s.handleSetOptions(r, w)
	case OpAddTextToStore:
		return s.handleAddTextToStore(ctx, r, w)
	case OpAddToStore:
		return s.handleAddToStore(ctx, r, w)
	case OpAddToStoreNar:
		return s.handleAddToStoreNar(ctx, r, w)
	default:
		// Consume nothing further: an opcode we don't implement has no
		// framing contract we can safely skip past, so the only safe
		// response is to fail the operation and keep the connection
		// open for the next one.
		s.log.WithField("op", op).Info("unimplemented operation")

		return writeOpError(w, fmt.Errorf("daemon: operation %s is not implemented", op))
	}
}

// writeOK marks the end of an operation's stderr phase. It does not
// flush: the caller writes its response payload after it and flushes.
func writeOK(w *bufio.Writer) error {
	return wire.WriteUint64(w, uint64(LogLast))
}

// writeOpError reports a store-level failure to the peer as a
// STDERR_ERROR frame. The connection stays open; the caller's dispatch
// loop proceeds to the next operation.
func writeOpError(w *bufio.Writer, opErr error) error {
	if err := wire.WriteUint64(w, uint64(LogError)); err != nil {
		return &ProtocolError{Op: "write error type marker", Err: err}
	}

	if err := wire.WriteString(w, "Error"); err != nil {
		return &ProtocolError{Op: "write error type", Err: err}
	}

	if err := wire.WriteUint64(w, uint64(VerbError)); err != nil {
		return &ProtocolError{Op: "write error level", Err: err}
	}

	if err := wire.WriteString(w, "Error"); err != nil {
		return &ProtocolError{Op: "write error name", Err: err}
	}

	if err := wire.WriteString(w, opErr.Error()); err != nil {
		return &ProtocolError{Op: "write error message", Err: err}
	}

	// havePos
	if err := wire.WriteUint64(w, 0); err != nil {
		return &ProtocolError{Op: "write error havePos", Err: err}
	}

	// nrTraces
	if err := wire.WriteUint64(w, 0); err != nil {
		return &ProtocolError{Op: "write error nrTraces", Err: err}
	}

	return w.Flush()
}

func (s *server) handleIsValidPath(ctx context.Context, r *bufio.Reader, w *bufio.Writer) error {
	pathStr, err := wire.ReadString(r, MaxStringSize)
	if err != nil {
		return &ProtocolError{Op: "IsValidPath read path", Err: err}
	}

	p, err := s.st.ParseStorePath(pathStr)
	if err != nil {
		return writeOpError(w, err)
	}

	valid, err := s.st.IsValidPath(ctx, p)
	if err != nil {
		return writeOpError(w, err)
	}

	if err := writeOK(w); err != nil {
		return err
	}

	if err := wire.WriteBool(w, valid); err != nil {
		return &ProtocolError{Op: "IsValidPath write result", Err: err}
	}

	return w.Flush()
}

func (s *server) handleQueryPathInfo(ctx context.Context, r *bufio.Reader, w *bufio.Writer) error {
	pathStr, err := wire.ReadString(r, MaxStringSize)
	if err != nil {
		return &ProtocolError{Op: "QueryPathInfo read path", Err: err}
	}

	p, err := s.st.ParseStorePath(pathStr)
	if err != nil {
		return writeOpError(w, err)
	}

	info, err := s.st.QueryPathInfo(ctx, p)
	if err != nil || info == nil {
		if err := writeOK(w); err != nil {
			return err
		}

		if err := wire.WriteUint64(w, 0); err != nil {
			return &ProtocolError{Op: "QueryPathInfo write miss", Err: err}
		}

		return w.Flush()
	}

	if err := writeOK(w); err != nil {
		return err
	}

	if err := wire.WriteUint64(w, 1); err != nil {
		return &ProtocolError{Op: "QueryPathInfo write hit", Err: err}
	}

	deriver := ""
	if !info.Deriver.IsZero() {
		deriver = s.st.PrintStorePath(info.Deriver)
	}

	if err := wire.WriteString(w, deriver); err != nil {
		return &ProtocolError{Op: "QueryPathInfo write deriver", Err: err}
	}

	if err := wire.WriteString(w, info.NarHash.SQLString()); err != nil {
		return &ProtocolError{Op: "QueryPathInfo write narHash", Err: err}
	}

	refs := make([]string, len(info.References))
	for i, ref := range info.References {
		refs[i] = s.st.PrintStorePath(ref)
	}

	if err := WriteStrings(w, refs); err != nil {
		return &ProtocolError{Op: "QueryPathInfo write references", Err: err}
	}

	if err := wire.WriteUint64(w, uint64(info.RegistrationTime)); err != nil {
		return &ProtocolError{Op: "QueryPathInfo write registrationTime", Err: err}
	}

	if err := wire.WriteUint64(w, info.NarSize); err != nil {
		return &ProtocolError{Op: "QueryPathInfo write narSize", Err: err}
	}

	if err := wire.WriteBool(w, info.Ultimate); err != nil {
		return &ProtocolError{Op: "QueryPathInfo write ultimate", Err: err}
	}

	if err := WriteStrings(w, info.Sigs); err != nil {
		return &ProtocolError{Op: "QueryPathInfo write sigs", Err: err}
	}

	if err := wire.WriteString(w, info.CA); err != nil {
		return &ProtocolError{Op: "QueryPathInfo write ca", Err: err}
	}

	return w.Flush()
}

func (s *server) handleAddTempRoot(r *bufio.Reader, w *bufio.Writer) error {
	pathStr, err := wire.ReadString(r, MaxStringSize)
	if err != nil {
		return &ProtocolError{Op: "AddTempRoot read path", Err: err}
	}

	p, err := s.st.ParseStorePath(pathStr)
	if err != nil {
		return writeOpError(w, err)
	}

	if err := s.st.AddTempRoot(p); err != nil {
		return writeOpError(w, err)
	}

	if err := writeOK(w); err != nil {
		return err
	}

	return w.Flush()
}

func (s *server) handleEnsurePath(ctx context.Context, r *bufio.Reader, w *bufio.Writer) error {
	pathStr, err := wire.ReadString(r, MaxStringSize)
	if err != nil {
		return &ProtocolError{Op: "EnsurePath read path", Err: err}
	}

	p, err := s.st.ParseStorePath(pathStr)
	if err != nil {
		return writeOpError(w, err)
	}

	valid, err := s.st.IsValidPath(ctx, p)
	if err != nil {
		return writeOpError(w, err)
	}

	if !valid {
		if err := s.st.BuildPaths(ctx, []storepath.WithOutputs{{Path: p}}, store.BuildModeNormal); err != nil {
			return writeOpError(w, err)
		}
	}

	if err := writeOK(w); err != nil {
		return err
	}

	if err := wire.WriteUint64(w, 1); err != nil {
		return &ProtocolError{Op: "EnsurePath write result", Err: err}
	}

	return w.Flush()
}

func (s *server) handleBuildPaths(ctx context.Context, r *bufio.Reader, w *bufio.Writer) error {
	pathStrs, err := ReadStrings(r, MaxStringSize)
	if err != nil {
		return &ProtocolError{Op: "BuildPaths read paths", Err: err}
	}

	rawMode, err := wire.ReadUint64(r)
	if err != nil {
		return &ProtocolError{Op: "BuildPaths read mode", Err: err}
	}

	paths, err := s.parseWithOutputsList(pathStrs)
	if err != nil {
		return writeOpError(w, err)
	}

	if err := s.st.BuildPaths(ctx, paths, store.BuildMode(rawMode)); err != nil {
		return writeOpError(w, err)
	}

	if err := writeOK(w); err != nil {
		return err
	}

	if err := wire.WriteUint64(w, 1); err != nil {
		return &ProtocolError{Op: "BuildPaths write result", Err: err}
	}

	return w.Flush()
}

func (s *server) handleQueryMissing(ctx context.Context, r *bufio.Reader, w *bufio.Writer) error {
	pathStrs, err := ReadStrings(r, MaxStringSize)
	if err != nil {
		return &ProtocolError{Op: "QueryMissing read paths", Err: err}
	}

	paths, err := s.parseWithOutputsList(pathStrs)
	if err != nil {
		return writeOpError(w, err)
	}

	missing, err := s.st.QueryMissing(ctx, paths)
	if err != nil {
		return writeOpError(w, err)
	}

	if err := writeOK(w); err != nil {
		return err
	}

	if err := WriteStrings(w, s.printAll(missing.WillBuild)); err != nil {
		return &ProtocolError{Op: "QueryMissing write willBuild", Err: err}
	}

	if err := WriteStrings(w, s.printAll(missing.WillSubstitute)); err != nil {
		return &ProtocolError{Op: "QueryMissing write willSubstitute", Err: err}
	}

	if err := WriteStrings(w, s.printAll(missing.Unknown)); err != nil {
		return &ProtocolError{Op: "QueryMissing write unknown", Err: err}
	}

	if err := wire.WriteUint64(w, missing.DownloadSize); err != nil {
		return &ProtocolError{Op: "QueryMissing write downloadSize", Err: err}
	}

	if err := wire.WriteUint64(w, missing.NarSize); err != nil {
		return &ProtocolError{Op: "QueryMissing write narSize", Err: err}
	}

	return w.Flush()
}

func (s *server) handleSetOptions(r *bufio.Reader, w *bufio.Writer) error {
	// The struct itself is intentionally discarded: per the source's own
	// "log and discard" behaviour for non-recursive clients (the global
	// settings are only ever mutated at startup), applying overrides
	// from a connected client is a declared extension point, not wired
	// here.
	settings, err := ReadClientSettings(r)
	if err != nil {
		return &ProtocolError{Op: "SetOptions read settings", Err: err}
	}

	if len(settings.Overrides) > 0 {
		s.log.WithField("overrides", settings.Overrides).Info("SetOptions overrides not applied")
	}

	if err := writeOK(w); err != nil {
		return err
	}

	return w.Flush()
}

func (s *server) handleAddTextToStore(ctx context.Context, r *bufio.Reader, w *bufio.Writer) error {
	suffix, err := wire.ReadString(r, MaxStringSize)
	if err != nil {
		return &ProtocolError{Op: "AddTextToStore read suffix", Err: err}
	}

	data, err := wire.ReadString(r, MaxStringSize)
	if err != nil {
		return &ProtocolError{Op: "AddTextToStore read data", Err: err}
	}

	refStrs, err := ReadStrings(r, MaxStringSize)
	if err != nil {
		return &ProtocolError{Op: "AddTextToStore read refs", Err: err}
	}

	refs := make([]storepath.Path, len(refStrs))

	for i, rs := range refStrs {
		p, err := s.st.ParseStorePath(rs)
		if err != nil {
			return writeOpError(w, err)
		}

		refs[i] = p
	}

	info, err := s.st.AddTextToStore(ctx, suffix, []byte(data), refs, false)
	if err != nil {
		return writeOpError(w, err)
	}

	if err := writeOK(w); err != nil {
		return err
	}

	if err := wire.WriteString(w, s.st.PrintStorePath(info.Path)); err != nil {
		return &ProtocolError{Op: "AddTextToStore write result", Err: err}
	}

	return w.Flush()
}

// handleAddToStore implements op 7: the content-addressed import path.
// !fixed forces method=recursive, algo=sha256, matching the legacy
// client behaviour the wire format still carries.
func (s *server) handleAddToStore(ctx context.Context, r *bufio.Reader, w *bufio.Writer) error {
	baseName, err := wire.ReadString(r, MaxStringSize)
	if err != nil {
		return &ProtocolError{Op: "AddToStore read baseName", Err: err}
	}

	fixed, err := wire.ReadBool(r)
	if err != nil {
		return &ProtocolError{Op: "AddToStore read fixed", Err: err}
	}

	method, err := wire.ReadString(r, MaxStringSize)
	if err != nil {
		return &ProtocolError{Op: "AddToStore read method", Err: err}
	}

	algo, err := wire.ReadString(r, MaxStringSize)
	if err != nil {
		return &ProtocolError{Op: "AddToStore read hashAlgo", Err: err}
	}

	if !fixed {
		method = "recursive"
		algo = "sha256"
	}

	if algo != "sha256" && algo != "" {
		return writeOpError(w, fmt.Errorf("daemon: add_to_store: unsupported hash algorithm %q", algo))
	}

	narSize, err := wire.ReadUint64(r)
	if err != nil {
		return &ProtocolError{Op: "AddToStore read narSize", Err: err}
	}

	narBytes, err := io.ReadAll(newTunnelReader(r, w, narSize))
	if err != nil {
		return &ProtocolError{Op: "AddToStore read NAR stream", Err: err}
	}

	ingestion := store.FileIngestionFlat
	if method == "recursive" {
		ingestion = store.FileIngestionRecursive
	}

	contentHash, err := contentHashForIngestion(ingestion, narBytes)
	if err != nil {
		return writeOpError(w, err)
	}

	dest, err := s.st.MakeFixedOutputPath(ingestion, contentHash, baseName, nil, false)
	if err != nil {
		return writeOpError(w, err)
	}

	info := &store.ValidPathInfo{
		Path:    dest,
		NarHash: hash.HashBytes(narBytes),
		NarSize: uint64(len(narBytes)),
		CA:      fixedOutputCA(ingestion, contentHash),
	}

	if _, err := s.st.AddToStore(ctx, info, false, true, bytes.NewReader(narBytes)); err != nil {
		return writeOpError(w, err)
	}

	if err := writeOK(w); err != nil {
		return err
	}

	if err := wire.WriteString(w, s.st.PrintStorePath(dest)); err != nil {
		return &ProtocolError{Op: "AddToStore write result", Err: err}
	}

	return w.Flush()
}

func (s *server) handleAddToStoreNar(ctx context.Context, r *bufio.Reader, w *bufio.Writer) error {
	wireInfo, err := ReadFullPathInfo(r)
	if err != nil {
		return err
	}

	repair, err := wire.ReadBool(r)
	if err != nil {
		return &ProtocolError{Op: "AddToStoreNar read repair", Err: err}
	}

	dontCheckSigs, err := wire.ReadBool(r)
	if err != nil {
		return &ProtocolError{Op: "AddToStoreNar read dontCheckSigs", Err: err}
	}

	info, err := s.toValidPathInfo(wireInfo)
	if err != nil {
		return writeOpError(w, err)
	}

	// Non-trusted clients cannot claim a locally-built ("ultimate")
	// path, and checkSigs is always set for them regardless of what
	// they asked for.
	checkSigs := true

	if s.trust == TrustTrusted {
		checkSigs = !dontCheckSigs
	} else {
		info.Ultimate = false
	}

	if _, err := s.st.AddToStore(ctx, info, repair, checkSigs, newTunnelReader(r, w, info.NarSize)); err != nil {
		return writeOpError(w, err)
	}

	if err := writeOK(w); err != nil {
		return err
	}

	return w.Flush()
}

// toValidPathInfo converts the wire-level PathInfo (store paths as bare
// strings) into the module's typed ValidPathInfo.
func (s *server) toValidPathInfo(wi *PathInfo) (*store.ValidPathInfo, error) {
	path, err := s.st.ParseStorePath(wi.StorePath)
	if err != nil {
		return nil, err
	}

	var deriver storepath.Path

	if wi.Deriver != "" {
		deriver, err = s.st.ParseStorePath(wi.Deriver)
		if err != nil {
			return nil, err
		}
	}

	narHash, err := hash.Parse(wi.NarHash)
	if err != nil {
		return nil, err
	}

	refs := make([]storepath.Path, len(wi.References))

	for i, rs := range wi.References {
		p, err := s.st.ParseStorePath(rs)
		if err != nil {
			return nil, err
		}

		refs[i] = p
	}

	return &store.ValidPathInfo{
		Path:             path,
		Deriver:          deriver,
		NarHash:          narHash,
		NarSize:          wi.NarSize,
		References:       refs,
		RegistrationTime: int64(wi.RegistrationTime),
		Ultimate:         wi.Ultimate,
		Sigs:             wi.Sigs,
		CA:               wi.CA,
	}, nil
}

func (s *server) parseWithOutputsList(strs []string) ([]storepath.WithOutputs, error) {
	out := make([]storepath.WithOutputs, len(strs))

	for i, str := range strs {
		wp, err := s.st.ParseStorePathWithOutputs(str)
		if err != nil {
			return nil, err
		}

		out[i] = wp
	}

	return out, nil
}

func (s *server) printAll(paths []storepath.Path) []string {
	out := make([]string, len(paths))
	for i, p := range paths {
		out[i] = s.st.PrintStorePath(p)
	}

	return out
}

// contentHashForIngestion computes the hash make_fixed_output_path needs:
// for recursive ingestion that is the hash of the NAR itself; for flat
// ingestion it is the hash of the single file's raw content, which
// requires unpacking the (single-entry) archive first.
func contentHashForIngestion(method store.FileIngestionMethod, narBytes []byte) (hash.Hash, error) {
	if method == store.FileIngestionRecursive {
		return hash.HashBytes(narBytes), nil
	}

	data, err := extractSingleFile(narBytes)
	if err != nil {
		return hash.Hash{}, err
	}

	return hash.HashBytes(data), nil
}

// singleFileCapture is a nar.FileSystemWriter that keeps only the bytes
// of the one regular file a flat-ingestion archive is expected to
// contain; MakeDirectory and MakeSymlink calls are rejected, mirroring
// Nix's own restriction that flat-method content is a single file.
type singleFileCapture struct {
	data []byte
	seen bool
}

func (c *singleFileCapture) WriteFile(path string, contents io.Reader, executable bool) error {
	if c.seen {
		return fmt.Errorf("nar: flat-method archive must contain exactly one file")
	}

	data, err := io.ReadAll(contents)
	if err != nil {
		return err
	}

	c.data = data
	c.seen = true

	return nil
}

func (c *singleFileCapture) MakeDirectory(path string) error {
	return fmt.Errorf("nar: flat-method archive must be a single file, not a directory")
}

func (c *singleFileCapture) MakeSymlink(path, target string) error {
	return fmt.Errorf("nar: flat-method archive must be a single file, not a symlink")
}

// extractSingleFile unpacks a NAR holding exactly one regular file and
// returns its content, for flat-ingestion hashing.
func extractSingleFile(narBytes []byte) ([]byte, error) {
	capture := &singleFileCapture{}

	if err := nar.Parser(capture, nar.NewReader(bytes.NewReader(narBytes))); err != nil {
		return nil, err
	}

	if !capture.seen {
		return nil, fmt.Errorf("nar: flat-method archive contained no file")
	}

	return capture.data, nil
}

// fixedOutputCA renders the CA string for a freshly computed
// fixed-output path, mirroring the "fixed:[r:]<algo>:<h>" grammar §4.6
// assigns to ValidPathInfo.CA.
func fixedOutputCA(method store.FileIngestionMethod, h hash.Hash) string {
	if method == store.FileIngestionRecursive {
		return "fixed:r:" + h.SQLString()
	}

	return "fixed:" + h.SQLString()
}
