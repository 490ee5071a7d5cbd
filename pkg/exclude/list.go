package exclude

import (
	"bufio"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// DefaultPath is where the exclusion list is read from.
const DefaultPath = "/etc/cpulimit/exclude.conf"

// Defaults is used when no exclusion file exists.
var Defaults = []string{"bash", "sh", "ssh", "sshd", "systemd", "init", "cpulimit"}

// List is an immutable set of process basenames.
type List struct {
	names map[string]struct{}
}

// NewList builds a list from names. Empty names are ignored.
func NewList(names ...string) *List {
	l := &List{names: make(map[string]struct{}, len(names))}
	for _, n := range names {
		if n != "" {
			l.names[n] = struct{}{}
		}
	}
	return l
}

// DefaultList returns the built-in list.
func DefaultList() *List { return NewList(Defaults...) }

// Contains reports exact basename membership.
func (l *List) Contains(name string) bool {
	if l == nil {
		return false
	}
	_, ok := l.names[name]
	return ok
}

// Len returns the number of names in the list.
func (l *List) Len() int {
	if l == nil {
		return 0
	}
	return len(l.names)
}

// Parse reads one basename per line. '#' starts a comment, surrounding
// whitespace is trimmed and blank lines are ignored. Entries that contain
// whitespace or a path separator cannot match a basename and come back as
// warnings.
func Parse(r io.Reader) (*List, []Warning, error) {
	var (
		names []string
		warns []Warning
		sc    = bufio.NewScanner(r)
		n     int
	)
	for sc.Scan() {
		n++
		line := sc.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.ContainsAny(line, " \t/") {
			warns = append(warns, Warning{Line: n, Text: line})
			continue
		}
		names = append(names, line)
	}
	if err := sc.Err(); err != nil {
		return nil, warns, errors.Wrap(err, "exclude: scan")
	}
	return NewList(names...), warns, nil
}

// Load reads the exclusion file at path. A missing file yields the
// built-in defaults.
func Load(path string) (*List, []Warning, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultList(), nil, nil
		}
		return nil, nil, errors.Wrapf(err, "exclude: open %s", path)
	}
	defer f.Close()
	return Parse(f)
}
