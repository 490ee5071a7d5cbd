package exclude

import (
	cache "github.com/Code-Hex/go-generics-cache"
	"github.com/Code-Hex/go-generics-cache/policy/lru"
)

// memoSize bounds the per-command-line decision cache.
const memoSize = 4096

// Filter decides whether a process must never be throttled.
// It satisfies proc.Excluder.
type Filter struct {
	list *List
	memo *cache.Cache[string, bool]
}

// NewFilter wraps list. The list is never modified afterwards.
func NewFilter(list *List) *Filter {
	if list == nil {
		list = NewList()
	}
	return &Filter{
		list: list,
		memo: cache.New(cache.AsLRU[string, bool](lru.WithCapacity(memoSize))),
	}
}

// List returns the underlying list.
func (f *Filter) List() *List { return f.list }

// Excluded reports whether any effective name of cmdline is listed.
// An empty command line is never excluded.
func (f *Filter) Excluded(cmdline string) bool {
	if cmdline == "" {
		return false
	}
	if v, ok := f.memo.Get(cmdline); ok {
		return v
	}
	v := f.match(cmdline)
	f.memo.Set(cmdline, v)
	return v
}

func (f *Filter) match(cmdline string) bool {
	for _, n := range Names(cmdline) {
		if f.list.Contains(n) {
			return true
		}
	}
	return false
}
