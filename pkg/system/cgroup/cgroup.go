//go:build linux

// Package cgroup inspects the cgroup setup a limited process runs under.
// The limiter never writes to cgroups; this is startup diagnostics and a
// hint for how many cores the target can actually use.
package cgroup

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

type Version int

const (
	Unsupported Version = iota // no cgroup mounts
	V1                         // legacy multi-hierarchy cgroup v1
	V2                         // unified cgroup v2
	Hybrid                     // both v1 and v2 present
)

func (v Version) String() string {
	switch v {
	case V1:
		return "cgroup v1"
	case V2:
		return "cgroup v2"
	case Hybrid:
		return "cgroup hybrid"
	default:
		return "unsupported"
	}
}

// Mounts is the result of Detect.
type Mounts struct {
	Version Version
	V2      []string // cgroup2 mount points
	CPU     []string // v1 mount points carrying the cpu controller
	V1      []string // every v1 mount point
}

func (m Mounts) String() string {
	switch m.Version {
	case Hybrid:
		return fmt.Sprintf("cgroup2 on %s; cgroup v1 on %s", strings.Join(m.V2, ","), strings.Join(m.V1, ","))
	case V2:
		return "cgroup2 on " + strings.Join(m.V2, ",")
	case V1:
		return "cgroup v1 on " + strings.Join(m.V1, ",")
	default:
		return "no cgroup mounts found"
	}
}

// Detect parses <procRoot>/self/mountinfo looking for cgroup filesystems.
// The line format has a " - fstype " separator; we only care about fstype,
// the mount point and, for v1, the super options naming the controllers.
func Detect(procRoot string) (Mounts, error) {
	f, err := os.Open(filepath.Join(procRoot, "self", "mountinfo"))
	if err != nil {
		return Mounts{}, errors.Wrap(err, "open mountinfo")
	}
	defer func() {
		_ = f.Close()
	}()

	var (
		m  Mounts
		sc = bufio.NewScanner(f)
	)
	for sc.Scan() {
		line := sc.Text()
		// mountinfo has: <fields> - <fstype> <source> <superopts>
		sep := " - "
		i := strings.LastIndex(line, sep)
		if i < 0 {
			continue
		}
		tail := strings.Fields(line[i+len(sep):])
		if len(tail) < 1 {
			continue
		}

		// mount point is field 5 of the pre-separator part (man 5 proc)
		pre := strings.Fields(line[:i])
		if len(pre) < 5 {
			continue
		}
		mountPoint := pre[4]

		switch tail[0] {
		case "cgroup2":
			m.V2 = append(m.V2, mountPoint)
		case "cgroup":
			m.V1 = append(m.V1, mountPoint)
			if len(tail) >= 3 && hasOption(tail[2], "cpu") {
				m.CPU = append(m.CPU, mountPoint)
			}
		}
	}
	if err := sc.Err(); err != nil {
		return Mounts{}, errors.Wrap(err, "scan mountinfo")
	}

	switch {
	case len(m.V1) > 0 && len(m.V2) > 0:
		m.Version = Hybrid
	case len(m.V2) > 0:
		m.Version = V2
	case len(m.V1) > 0:
		m.Version = V1
	}
	return m, nil
}

func hasOption(opts, name string) bool {
	for _, o := range strings.Split(opts, ",") {
		if o == name {
			return true
		}
	}
	return false
}

// Membership is where one process sits in the hierarchy.
type Membership struct {
	Unified string // path under the cgroup2 mount ("" if none)
	CPU     string // path under the v1 cpu controller ("" if none)
}

// ReadMembership parses <procRoot>/<pid>/cgroup.
//
//	0::/user.slice/user-1000.slice       (v2)
//	4:cpu,cpuacct:/user.slice            (v1)
func ReadMembership(procRoot string, pid int) (Membership, error) {
	f, err := os.Open(filepath.Join(procRoot, strconv.Itoa(pid), "cgroup"))
	if err != nil {
		return Membership{}, errors.Wrapf(err, "open cgroup of pid %d", pid)
	}
	defer func() {
		_ = f.Close()
	}()

	var m Membership
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		parts := strings.SplitN(sc.Text(), ":", 3)
		if len(parts) != 3 {
			continue
		}
		switch {
		case parts[0] == "0" && parts[1] == "":
			m.Unified = parts[2]
		case hasOption(parts[1], "cpu"):
			m.CPU = parts[2]
		}
	}
	if err := sc.Err(); err != nil {
		return Membership{}, errors.Wrap(err, "scan cgroup")
	}
	return m, nil
}

// Quota is a CFS bandwidth limit in CPUs. Zero means unlimited.
type Quota float64

// Cores rounds the quota up to whole CPUs, capped at online. An unlimited
// quota yields online.
func (q Quota) Cores(online int) int {
	if q <= 0 {
		return online
	}
	n := int(math.Ceil(float64(q)))
	if n < 1 {
		n = 1
	}
	if n > online {
		return online
	}
	return n
}

// ReadQuotaV2 parses cpu.max ("max 100000" or "50000 100000") in dir.
func ReadQuotaV2(dir string) (Quota, error) {
	b, err := os.ReadFile(filepath.Join(dir, "cpu.max"))
	if err != nil {
		return 0, errors.Wrap(err, "read cpu.max")
	}
	fs := strings.Fields(string(b))
	if len(fs) != 2 {
		return 0, errors.Errorf("cpu.max: unexpected %q", strings.TrimSpace(string(b)))
	}
	if fs[0] == "max" {
		return 0, nil
	}
	return ratio(fs[0], fs[1])
}

// ReadQuotaV1 parses cpu.cfs_quota_us and cpu.cfs_period_us in dir.
func ReadQuotaV1(dir string) (Quota, error) {
	q, err := os.ReadFile(filepath.Join(dir, "cpu.cfs_quota_us"))
	if err != nil {
		return 0, errors.Wrap(err, "read cpu.cfs_quota_us")
	}
	p, err := os.ReadFile(filepath.Join(dir, "cpu.cfs_period_us"))
	if err != nil {
		return 0, errors.Wrap(err, "read cpu.cfs_period_us")
	}
	qs := strings.TrimSpace(string(q))
	if strings.HasPrefix(qs, "-") {
		return 0, nil
	}
	return ratio(qs, strings.TrimSpace(string(p)))
}

func ratio(quota, period string) (Quota, error) {
	q, err := strconv.ParseFloat(quota, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "quota %q", quota)
	}
	p, err := strconv.ParseFloat(period, 64)
	if err != nil || p <= 0 {
		return 0, errors.Errorf("period %q", period)
	}
	return Quota(q / p), nil
}

// ProcessQuota returns the CFS quota applied directly to the cgroup of
// pid. Quotas on ancestor cgroups are not considered.
func ProcessQuota(procRoot string, mounts Mounts, pid int) (Quota, error) {
	mem, err := ReadMembership(procRoot, pid)
	if err != nil {
		return 0, err
	}
	if mem.Unified != "" && len(mounts.V2) > 0 {
		q, err := ReadQuotaV2(filepath.Join(mounts.V2[0], mem.Unified))
		if err == nil || len(mounts.CPU) == 0 || mem.CPU == "" {
			return q, err
		}
	}
	if mem.CPU != "" && len(mounts.CPU) > 0 {
		return ReadQuotaV1(filepath.Join(mounts.CPU[0], mem.CPU))
	}
	return 0, nil
}
