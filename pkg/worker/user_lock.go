package worker

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// UserLock is an exclusive claim on one build user, acquired for the
// lifetime of a single derivation-goal build. Released drops the flock
// and kills every process still running as that UID.
type UserLock struct {
	mu sync.Mutex

	User              string
	UID               int
	GID               int
	SupplementaryGIDs []int

	file *os.File
}

// AcquireUserLock scans buildUsersGroup's members and flocks the first
// free "<nixStateDir>/userpool/<uid>" lock file it finds. It returns
// (nil, nil), not an error, when every member is currently locked — the
// caller (stepTryToBuild) treats that as "park and retry later".
func AcquireUserLock(buildUsersGroup, nixStateDir string) (*UserLock, error) {
	if buildUsersGroup == "" {
		return nil, fmt.Errorf("worker: build-users-group is unset; cannot allocate a build user")
	}

	members, err := groupMembers(buildUsersGroup)
	if err != nil {
		return nil, err
	}

	poolDir := filepath.Join(nixStateDir, "userpool")
	if err := os.MkdirAll(poolDir, 0o755); err != nil {
		return nil, fmt.Errorf("worker: creating user pool dir: %w", err)
	}

	selfUID := os.Getuid()
	selfEUID := os.Geteuid()

	for _, name := range members {
		u, err := user.Lookup(name)
		if err != nil {
			continue
		}

		uid, err := strconv.Atoi(u.Uid)
		if err != nil {
			continue
		}

		if uid == selfUID || uid == selfEUID {
			continue
		}

		lockPath := filepath.Join(poolDir, strconv.Itoa(uid))

		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
		if err != nil {
			continue
		}

		if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
			f.Close()

			continue
		}

		gid, _ := strconv.Atoi(u.Gid)

		return &UserLock{
			User:              name,
			UID:               uid,
			GID:               gid,
			SupplementaryGIDs: supplementaryGIDs(name, gid),
			file:              f,
		}, nil
	}

	return nil, nil
}

// Release unlocks the pool file and kills every process running as this
// UID, per the spec's "kill -1 as that uid in a forked setuid child"
// allocation note.
func (l *UserLock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}

	killUser(l.UID)

	err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	l.file.Close()
	l.file = nil

	return err
}

// killUser forks a child running setuid as uid and loops SIGKILL(-1)
// until every process under that uid is gone (ESRCH). The kill loop
// itself runs in the child via its Credential rather than in-process,
// since only a process actually running as uid may signal its whole
// process group with kill(-1, ...).
func killUser(uid int) {
	cmd := exec.Command("/bin/sh", "-c", `
		while kill -KILL -1 2>/dev/null; do
			sleep 0.1
		done
	`)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Credential: &syscall.Credential{Uid: uint32(uid)},
	}

	_ = cmd.Run()
}

// groupMembers reads /etc/group directly: os/user exposes no portable
// "members of group X" query, and getent's output format isn't stable
// enough to parse across distros, whereas /etc/group's format is fixed.
func groupMembers(name string) ([]string, error) {
	f, err := os.Open("/etc/group")
	if err != nil {
		return nil, fmt.Errorf("worker: reading /etc/group: %w", err)
	}
	defer f.Close()

	return parseGroupMembers(f, name)
}

func parseGroupMembers(r io.Reader, name string) ([]string, error) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Split(scanner.Text(), ":")
		if len(fields) < 4 || fields[0] != name {
			continue
		}

		if fields[3] == "" {
			return nil, nil
		}

		return strings.Split(fields[3], ","), nil
	}

	return nil, fmt.Errorf("worker: group %q not found", name)
}

// supplementaryGIDs prefetches every group name is a listed member of,
// the Go-portable equivalent of getgrouplist(3): x/sys/unix exposes the
// flock/kill primitives this package needs but not getgrouplist itself,
// so this re-scans /etc/group rather than reaching for cgo.
func supplementaryGIDs(name string, primaryGID int) []int {
	f, err := os.Open("/etc/group")
	if err != nil {
		return nil
	}
	defer f.Close()

	return parseSupplementaryGIDs(f, name, primaryGID)
}

func parseSupplementaryGIDs(r io.Reader, name string, primaryGID int) []int {
	var gids []int

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Split(scanner.Text(), ":")
		if len(fields) < 4 {
			continue
		}

		gid, err := strconv.Atoi(fields[2])
		if err != nil || gid == primaryGID {
			continue
		}

		for _, member := range strings.Split(fields[3], ",") {
			if member == name {
				gids = append(gids, gid)

				break
			}
		}
	}

	return gids
}
