package exclude

import "fmt"

// Warning reports an exclusion file line that could not be used.
// Warnings are never fatal; the line is skipped.
type Warning struct {
	Line int
	Text string
}

func (w Warning) String() string {
	return fmt.Sprintf("line %d: unusable entry %q", w.Line, w.Text)
}
