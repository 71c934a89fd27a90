// Command nixd is the store daemon: it opens a LocalStore rooted at
// --root, wraps it with the build/substitute coordinator, and serves
// the Nix daemon wire protocol on a Unix socket (or on an
// already-bound fd handed to it by systemd socket activation).
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/coreos/go-systemd/v22/activation"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/nixcore/nixd/pkg/config"
	"github.com/nixcore/nixd/pkg/daemon"
	"github.com/nixcore/nixd/pkg/store"
	"github.com/nixcore/nixd/pkg/store/sqlrepo"
	"github.com/nixcore/nixd/pkg/substituter"
	"github.com/nixcore/nixd/pkg/worker"
)

var version = "0.1.0-dev"

type cli struct {
	Root            string        `help:"Root directory holding store/ and var/nix/." default:"/nix" env:"NIX_ROOT"`
	Socket          string        `help:"Path of the Unix socket to listen on. Overrides --root-derived default." env:"NIX_DAEMON_SOCKET_FILE"`
	BuildUsersGroup string        `help:"Group whose members own build sandboxes." default:"nixbld" env:"NIX_BUILD_USERS_GROUP"`
	MaxJobs         int           `help:"Maximum number of concurrent builds." default:"1" env:"NIX_MAX_JOBS"`
	TrustedUsers    []string      `help:"Users/@groups fully trusted by the daemon; '*' trusts everyone." default:"root,@wheel"`
	AllowedUsers    []string      `help:"Users/@groups permitted to connect at all." default:"*"`
	Substituters    []string      `help:"Binary cache URIs consulted for missing paths, in priority order."`
	RequireSigs     bool          `help:"Reject substituted paths lacking a trusted signature." default:"true" negatable:""`
	LogLevel        string        `help:"Logging verbosity (trace, debug, info, warn, error)." default:"info" env:"NIX_LOG_LEVEL"`
	Unprivileged    bool          `help:"Root a single-user store under $XDG_DATA_HOME instead of --root."`
	NarinfoPositive time.Duration `help:"How long a positive narinfo lookup is cached." default:"720h"`
	NarinfoNegative time.Duration `help:"How long a negative narinfo lookup is cached." default:"1h"`
	Version         kong.VersionFlag
}

func main() {
	_ = godotenv.Load(".env")

	var c cli

	kong.Parse(&c,
		kong.Name("nixd"),
		kong.Description("Content-addressed store daemon."),
		kong.Vars{"version": version},
	)

	log := newLogger(c.LogLevel)

	if err := run(context.Background(), &c, log); err != nil {
		log.WithError(err).Fatal("nixd: fatal")
	}
}

func newLogger(level string) *logrus.Entry {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}

	l.SetLevel(parsed)

	return logrus.NewEntry(l)
}

func run(ctx context.Context, c *cli, log *logrus.Entry) error {
	settings := resolveSettings(c)
	config.Set(settings)

	repoPath := filepath.Join(settings.NixStateDir, "db", "db.sqlite")
	if err := os.MkdirAll(filepath.Dir(repoPath), 0o755); err != nil {
		return fmt.Errorf("nixd: creating state dir: %w", err)
	}

	repo, err := sqlrepo.Open(repoPath)
	if err != nil {
		return fmt.Errorf("nixd: opening repository: %w", err)
	}
	defer repo.Close()

	base := storeBase(settings)

	local, err := store.NewLocalStore(base, repo)
	if err != nil {
		return fmt.Errorf("nixd: opening local store: %w", err)
	}

	subs, err := openSubstituters(ctx, settings)
	if err != nil {
		return fmt.Errorf("nixd: opening substituters: %w", err)
	}

	st := worker.NewCoordinatingStore(local, subs, settings, log)

	listener, err := openListener(c.Socket, settings)
	if err != nil {
		return fmt.Errorf("nixd: listening: %w", err)
	}
	defer listener.Close()

	log.WithField("socket", listener.Addr()).Info("nixd: listening")

	return acceptLoop(ctx, listener, st, settings, log)
}

// resolveSettings starts from the built-in defaults (or the
// unprivileged XDG-rooted ones) and overlays every CLI/env-sourced
// field the operator supplied.
func resolveSettings(c *cli) *config.Settings {
	var s *config.Settings
	if c.Unprivileged {
		s = config.DefaultUnprivileged()
	} else {
		s = config.Default()
		s.Store = filepath.Join(c.Root, "store")
		s.NixStateDir = filepath.Join(c.Root, "var", "nix")
	}

	s.NixDaemonSocketFile = c.Socket
	s.BuildUsersGroup = c.BuildUsersGroup
	s.MaxJobs = c.MaxJobs
	s.RequireSigs = c.RequireSigs
	s.NarinfoCachePositive = c.NarinfoPositive
	s.NarinfoCacheNegative = c.NarinfoNegative

	if len(c.TrustedUsers) > 0 {
		s.TrustedUsers = c.TrustedUsers
	}

	if len(c.AllowedUsers) > 0 {
		s.AllowedUsers = c.AllowedUsers
	}

	s.Substituters = c.Substituters

	return s
}

// storeBase recovers the "<root>" parent NewLocalStore expects
// (it derives store/ and var/nix/ itself) from the resolved
// Store/NixStateDir settings, which may have come from
// DefaultUnprivileged rather than the --root flag.
func storeBase(s *config.Settings) string {
	return filepath.Dir(s.Store)
}

func openSubstituters(ctx context.Context, s *config.Settings) ([]worker.NarFetcher, error) {
	fetchers := make([]worker.NarFetcher, 0, len(s.Substituters))

	for _, uri := range s.Substituters {
		sub, err := substituter.Open(ctx, uri, substituter.Options{
			PositiveTTL: s.NarinfoCachePositive,
			NegativeTTL: s.NarinfoCacheNegative,
		})
		if err != nil {
			return nil, fmt.Errorf("substituter %s: %w", uri, err)
		}

		fetchers = append(fetchers, sub)
	}

	return fetchers, nil
}

// openListener prefers a systemd-activated socket (LISTEN_FDS) over
// binding one itself, so nixd.socket unit configurations work
// unchanged; otherwise it binds a Unix socket at socketPath (or the
// settings-derived default), removing any stale socket file left by a
// prior crashed instance first.
func openListener(socketPath string, s *config.Settings) (net.Listener, error) {
	listeners, err := activation.Listeners()
	if err != nil {
		return nil, fmt.Errorf("nixd: systemd activation: %w", err)
	}

	if len(listeners) > 0 {
		return listeners[0], nil
	}

	if socketPath == "" {
		socketPath = s.DaemonSocketPath()
	}

	if err := os.MkdirAll(filepath.Dir(socketPath), 0o755); err != nil {
		return nil, err
	}

	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("nixd: removing stale socket: %w", err)
	}

	l, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, err
	}

	if err := os.Chmod(socketPath, 0o666); err != nil {
		l.Close()

		return nil, err
	}

	return l, nil
}

// acceptLoop accepts connections until ctx is cancelled or the
// listener fails, authenticating each peer's Unix credentials against
// --trusted-users/--allowed-users before handing it to daemon.Serve.
func acceptLoop(ctx context.Context, listener net.Listener, st store.BuildStore, s *config.Settings, log *logrus.Entry) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			return fmt.Errorf("nixd: accept: %w", err)
		}

		go handleConn(ctx, conn, st, s, log)
	}
}

func handleConn(ctx context.Context, conn net.Conn, st store.BuildStore, s *config.Settings, log *logrus.Entry) {
	defer conn.Close()

	connLog := log.WithField("remote", conn.RemoteAddr())

	trust, err := authenticate(conn, s)
	if err != nil {
		connLog.WithError(err).Warn("nixd: rejecting connection: peer authentication failed")

		return
	}

	if trust == daemon.TrustUnknown {
		connLog.Warn("nixd: rejecting connection: peer not in allowed-users")

		return
	}

	if err := daemon.Serve(ctx, conn, st, trust, "nix (Nix) "+version, connLog); err != nil {
		connLog.WithError(err).Debug("nixd: connection closed")
	}
}

// authenticate resolves conn's peer credentials (SO_PEERCRED on the
// listening Unix socket) and maps them to a daemon.TrustLevel by
// consulting trusted-users/allowed-users, same rule for both lists:
// bare name, "@group", or "*".
func authenticate(conn net.Conn, s *config.Settings) (daemon.TrustLevel, error) {
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		// Not a Unix socket (e.g. the in-process net.Pipe used by tests) —
		// nothing to authenticate, trust the caller.
		return daemon.TrustTrusted, nil
	}

	raw, err := unixConn.SyscallConn()
	if err != nil {
		return daemon.TrustUnknown, err
	}

	var (
		cred    *unix.Ucred
		credErr error
	)

	err = raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil {
		return daemon.TrustUnknown, err
	}

	if credErr != nil {
		return daemon.TrustUnknown, credErr
	}

	username, groups, err := lookupUser(cred.Uid)
	if err != nil {
		return daemon.TrustUnknown, err
	}

	if config.MatchesUserList(s.TrustedUsers, username, groups) {
		return daemon.TrustTrusted, nil
	}

	if config.MatchesUserList(s.AllowedUsers, username, groups) {
		return daemon.TrustNotTrusted, nil
	}

	return daemon.TrustUnknown, nil
}

// lookupUser resolves uid to a username and its group names. Root
// (uid 0) is resolved without a passwd lookup, since a from-scratch
// container image may have no /etc/passwd entry for it at all.
func lookupUser(uid uint32) (string, []string, error) {
	if uid == 0 {
		return "root", []string{"root"}, nil
	}

	name, err := usernameForUID(uid)
	if err != nil {
		return "", nil, err
	}

	groups, err := groupsForUsername(name)
	if err != nil {
		return name, nil, nil
	}

	return name, groups, nil
}

func usernameForUID(uid uint32) (string, error) {
	data, err := os.ReadFile("/etc/passwd")
	if err != nil {
		return "", err
	}

	uidStr := fmt.Sprintf("%d", uid)

	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Split(line, ":")
		if len(fields) >= 3 && fields[2] == uidStr {
			return fields[0], nil
		}
	}

	return "", fmt.Errorf("nixd: no passwd entry for uid %d", uid)
}

func groupsForUsername(name string) ([]string, error) {
	data, err := os.ReadFile("/etc/group")
	if err != nil {
		return nil, err
	}

	var groups []string

	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Split(line, ":")
		if len(fields) < 4 {
			continue
		}

		for _, member := range strings.Split(fields[3], ",") {
			if member == name {
				groups = append(groups, fields[0])
			}
		}
	}

	return groups, nil
}
