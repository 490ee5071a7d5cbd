//go:build linux

package proc

import (
	"github.com/pkg/errors"
)

// FindByName returns the oldest process whose executable token, or its
// basename, equals name. The process self is never returned.
func FindByName(fs *FS, name string, self int) (Process, error) {
	it, err := fs.Open(Filter{})
	if err != nil {
		return Process{}, err
	}
	defer it.Close()

	var (
		best  Process
		found bool
	)
	for {
		p, ok := it.Next()
		if !ok {
			break
		}
		if p.PID == self || !matchesName(p, name) {
			continue
		}
		if !found || p.StartTime < best.StartTime ||
			(p.StartTime == best.StartTime && p.PID < best.PID) {
			best, found = p, true
		}
	}
	if err := it.Err(); err != nil {
		return Process{}, err
	}
	if !found {
		return Process{}, errors.Wrapf(ErrNoMatch, "name %q", name)
	}
	return best, nil
}

func matchesName(p Process, name string) bool {
	tok := firstToken(p.Command)
	if tok == "" {
		return false
	}
	return tok == name || baseName(tok) == name
}
