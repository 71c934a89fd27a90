// Package config holds the resolved daemon settings struct. The
// file-syntax parser that produces one of these is out of scope; this
// package only owns the struct, its defaults, and a process-wide handle
// to the currently active settings.
package config

import (
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/adrg/xdg"
)

// SandboxMode is the `sandbox` setting: true|false|relaxed.
type SandboxMode int

const (
	SandboxOff SandboxMode = iota
	SandboxOn
	SandboxRelaxed
)

// DefaultStoreDir and DefaultStateDir are used when the environment
// gives no indication the daemon should run out of a user's XDG data
// directory (the single-user / non-root installation layout).
const (
	DefaultStoreDir = "/nix/store"
	DefaultStateDir = "/nix/var/nix"
)

// Settings is the resolved configuration struct the core consumes. The
// surface syntax that produces it (a key=value config file plus
// environment overrides) is out of scope; callers construct one however
// they like and call Set to publish it.
type Settings struct {
	Store                string
	NixStateDir          string
	NixDaemonSocketFile  string
	BuildUsersGroup      string
	MaxJobs              int
	Cores                int
	Sandbox              SandboxMode
	SandboxPaths         []string
	ExtraSandboxPaths    []string
	SandboxFallback      bool
	SandboxBuildDir      string
	System               string
	ExtraPlatforms       []string
	SystemFeatures       []string
	Substituters         []string
	ExtraSubstituters    []string
	TrustedSubstituters  []string
	TrustedUsers         []string
	AllowedUsers         []string
	TrustedPublicKeys    []string
	RequireSigs          bool
	BuildRepeat          int
	EnforceDeterminism   bool
	KeepFailed           bool
	KeepGoing            bool
	Fallback             bool
	Timeout              time.Duration
	MaxSilentTime        time.Duration
	BuildPollInterval    time.Duration
	NarinfoCachePositive time.Duration
	NarinfoCacheNegative time.Duration
	MinFree              uint64
	MaxFree              uint64
	MinFreeCheckInterval time.Duration
	TarballTTL           time.Duration
	PluginFiles          []string // ignored with a warning; no native-plugin loader
	ExperimentalFeatures []string
}

// DaemonSocketPath reports the resolved socket path the bind/accept loop
// listens on.
func (s *Settings) DaemonSocketPath() string {
	if s.NixDaemonSocketFile != "" {
		return s.NixDaemonSocketFile
	}

	return filepath.Join(s.NixStateDir, "daemon-socket", "socket")
}

// Default returns the built-in defaults, the same values a fresh
// multi-user installation would resolve to.
func Default() *Settings {
	return &Settings{
		Store:                DefaultStoreDir,
		NixStateDir:          DefaultStateDir,
		BuildUsersGroup:      "nixbld",
		MaxJobs:              1,
		Cores:                1,
		Sandbox:              SandboxOn,
		SandboxFallback:      false,
		SandboxBuildDir:      "/build",
		AllowedUsers:         []string{"*"},
		RequireSigs:          true,
		Timeout:              0,
		MaxSilentTime:        0,
		BuildPollInterval:    5 * time.Second,
		NarinfoCachePositive: 30 * 24 * time.Hour,
		NarinfoCacheNegative: 3600 * time.Second,
		MinFreeCheckInterval: 5 * time.Second,
		TarballTTL:           3600 * time.Second,
	}
}

// DefaultUnprivileged returns defaults for a single-user install rooted
// under the invoking user's XDG data directory rather than /nix, for
// environments where a system-wide multi-user store isn't available.
func DefaultUnprivileged() *Settings {
	s := Default()

	root := filepath.Join(xdg.DataHome, "nix")
	s.Store = filepath.Join(root, "store")
	s.NixStateDir = filepath.Join(root, "var", "nix")
	s.BuildUsersGroup = ""

	return s
}

var current atomic.Pointer[Settings]

// Current returns the process-wide active settings, or Default() if
// none has been published yet via Set.
func Current() *Settings {
	if s := current.Load(); s != nil {
		return s
	}

	return Default()
}

// Set publishes s as the process-wide active settings.
func Set(s *Settings) {
	current.Store(s)
}

// MatchesUserList reports whether username or any of groups satisfies
// one of list's entries: a bare name matches username, "@group" matches
// group membership, and "*" matches anyone. Used for both
// allowed-users and trusted-users.
func MatchesUserList(list []string, username string, groups []string) bool {
	for _, entry := range list {
		if entry == "*" {
			return true
		}

		if group, ok := strings.CutPrefix(entry, "@"); ok {
			for _, g := range groups {
				if g == group {
					return true
				}
			}

			continue
		}

		if entry == username {
			return true
		}
	}

	return false
}
