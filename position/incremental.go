package position

import (
	"fmt"
	"strings"
)

// IncrementalPosition points into a change stream: Log names the log segment
// (binlog file, topic partition, changelog table) and Offset increases
// monotonically within it.
type IncrementalPosition struct {
	Log    string `json:"log"`
	Offset uint64 `json:"offset"`
}

func (p IncrementalPosition) Type() Type { return TypeIncremental }

func (p IncrementalPosition) Compare(other Position) int {
	o, ok := other.(IncrementalPosition)
	if !ok {
		return compareTypes(p.Type(), other.Type())
	}
	if c := strings.Compare(p.Log, o.Log); c != 0 {
		return c
	}
	return compareInts(p.Offset, o.Offset)
}

func (p IncrementalPosition) String() string {
	return fmt.Sprintf("%s:%d", p.Log, p.Offset)
}
