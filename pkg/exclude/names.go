package exclude

import (
	"strings"
)

// Names derives the effective command names of a command line:
//
//   - the basename of the first token,
//   - that name without a leading '-' (login shells),
//   - for Python-family interpreters, the basename of the last token, and
//     the basename of the script when the kernel ran it through its shebang
//     ("python3 /usr/bin/tool args": the first argument is an absolute
//     path). Bare words such as "python3 -u ssh x" never name the script.
func Names(cmdline string) []string {
	first := cmdline
	if i := strings.IndexByte(cmdline, ' '); i >= 0 {
		first = cmdline[:i]
	}
	name := baseName(first)
	if name == "" {
		return nil
	}

	names := []string{name}
	resolved := name
	if len(name) > 1 && name[0] == '-' {
		resolved = name[1:]
		names = append(names, resolved)
	}

	if isInterpreter(resolved) {
		args := strings.Fields(cmdline)[1:]
		if len(args) > 0 {
			names = appendName(names, baseName(args[len(args)-1]))
		}
		if len(args) > 1 && strings.HasPrefix(args[0], "/") {
			names = appendName(names, baseName(args[0]))
		}
	}
	return names
}

func appendName(names []string, n string) []string {
	if n == "" {
		return names
	}
	for _, have := range names {
		if have == n {
			return names
		}
	}
	return append(names, n)
}

// baseName strips a path prefix. A trailing slash keeps the whole token.
func baseName(s string) string {
	i := strings.LastIndexByte(s, '/')
	if i < 0 || i == len(s)-1 {
		return s
	}
	return s[i+1:]
}

// isInterpreter matches python, python2, python3 and python3.N.
func isInterpreter(name string) bool {
	rest, ok := strings.CutPrefix(name, "python")
	if !ok {
		return false
	}
	for _, c := range rest {
		if (c < '0' || c > '9') && c != '.' {
			return false
		}
	}
	return true
}
