//go:build linux

package proc

import (
	"bufio"
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// DefaultRoot is where procfs is normally mounted.
const DefaultRoot = "/proc"

// ClockTicks is USER_HZ, the unit of the utime, stime and starttime
// fields of stat. Linux fixes it at 100 on every architecture the
// limiter runs on; CLK_TCK overrides it for fake trees.
func ClockTicks() int {
	v, _ := strconv.Atoi(os.Getenv("CLK_TCK"))
	if v > 0 {
		return v
	}
	return 100
}

// CheckMounted verifies that root is a procfs mount.
func CheckMounted(root string) error {
	var st unix.Statfs_t
	if err := unix.Statfs(root, &st); err != nil {
		return errors.Wrapf(ErrSourceUnavailable, "statfs %s: %v", root, err)
	}
	if st.Type != unix.PROC_SUPER_MAGIC {
		return errors.Wrapf(ErrSourceUnavailable, "%s is not procfs (magic %#x)", root, st.Type)
	}
	return nil
}

// Exists reports whether pid has a directory under root, zombie or not.
func Exists(root string, pid int) bool {
	_, err := os.Stat(pidPath(root, pid))
	return err == nil
}

// Alive reports whether pid exists and is neither a zombie nor dead.
func Alive(root string, pid int) bool {
	st, err := ReadStat(root, pid)
	if err != nil {
		return false
	}
	return !st.Defunct()
}

//
// Per-PID readers
//

// Stat is the subset of /proc/<pid>/stat the limiter needs.
type Stat struct {
	PID   int
	Comm  string
	State byte
	PPID  int
	// UTime, STime and StartTime are in clock ticks.
	UTime     uint64
	STime     uint64
	StartTime uint64
}

// Defunct reports whether the task is a zombie or dead.
func (s Stat) Defunct() bool {
	return s.State == 'Z' || s.State == 'X' || s.State == 'x'
}

// ReadStat parses /proc/<pid>/stat.
//
// Caveats:
//   - comm (2nd field) is in parens and may contain spaces and parens.
//     We split on the last ") " so the numeric tail is parsed safely.
//   - utime/stime/starttime are monotonic tick counters.
func ReadStat(root string, pid int) (Stat, error) {
	b, err := os.ReadFile(filepath.Join(pidPath(root, pid), "stat"))
	if err != nil {
		return Stat{}, err
	}
	return parseStat(string(b))
}

func parseStat(line string) (Stat, error) {
	line = strings.TrimRight(line, "\n")
	open := strings.IndexByte(line, '(')
	i := strings.LastIndex(line, ") ")
	if open < 0 || i < open {
		return Stat{}, ErrNoStat
	}
	pid, err := strconv.Atoi(strings.TrimSpace(line[:open]))
	if err != nil {
		return Stat{}, ErrNoStat
	}
	fields := strings.Fields(line[i+2:])

	// Indexes relative to fields slice:
	// state (3rd overall) => fields[0]
	// ppid (4th overall) => fields[1]
	// utime (14th overall) => fields[11]
	// stime (15th overall) => fields[12]
	// starttime (22nd overall) => fields[19]
	if len(fields) < 20 || len(fields[0]) == 0 {
		return Stat{}, ErrShortStat
	}
	st := Stat{PID: pid, Comm: line[open+1 : i], State: fields[0][0]}
	if st.PPID, err = strconv.Atoi(fields[1]); err != nil {
		return Stat{}, errors.Wrap(ErrNoStat, "ppid")
	}
	if st.UTime, err = strconv.ParseUint(fields[11], 10, 64); err != nil {
		return Stat{}, errors.Wrap(ErrNoStat, "utime")
	}
	if st.STime, err = strconv.ParseUint(fields[12], 10, 64); err != nil {
		return Stat{}, errors.Wrap(ErrNoStat, "stime")
	}
	if st.StartTime, err = strconv.ParseUint(fields[19], 10, 64); err != nil {
		return Stat{}, errors.Wrap(ErrNoStat, "starttime")
	}
	return st, nil
}

// ReadPPID returns the parent pid of pid with a fresh read of its stat file.
func ReadPPID(root string, pid int) (int, error) {
	st, err := ReadStat(root, pid)
	if err != nil {
		return 0, err
	}
	return st.PPID, nil
}

// ReadUID returns the real uid from /proc/<pid>/status.
func ReadUID(root string, pid int) (uint32, error) {
	f, err := os.Open(filepath.Join(pidPath(root, pid), "status"))
	if err != nil {
		return 0, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "Uid:") {
			continue
		}
		fs := strings.Fields(strings.TrimPrefix(line, "Uid:"))
		if len(fs) == 0 {
			return 0, ErrNoUID
		}
		uid, err := strconv.ParseUint(fs[0], 10, 32)
		if err != nil {
			return 0, ErrNoUID
		}
		return uint32(uid), nil
	}
	if err := sc.Err(); err != nil {
		return 0, err
	}
	return 0, ErrNoUID
}

// ReadCmdline returns /proc/<pid>/cmdline with NUL separators turned into
// spaces and trailing separators removed. Kernel threads yield "".
func ReadCmdline(root string, pid int) (string, error) {
	b, err := os.ReadFile(filepath.Join(pidPath(root, pid), "cmdline"))
	if err != nil {
		return "", err
	}
	b = bytes.TrimRight(b, "\x00")
	return string(bytes.ReplaceAll(b, []byte{0}, []byte{' '})), nil
}

func pidPath(root string, pid int) string {
	return filepath.Join(root, strconv.Itoa(pid))
}
