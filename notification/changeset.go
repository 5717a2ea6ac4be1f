package notification

import (
	"slices"

	"github.com/fulldump/objectdb/engine"
)

// Range is a run of consecutive indices.
type Range struct {
	Start  int `json:"start"`
	Length int `json:"length"`
}

func (r Range) End() int {
	return r.Start + r.Length
}

// Ranges coalesces indices into non-overlapping runs. Adjacent indices end
// up in the same run.
func Ranges(indices []int) []Range {
	sorted := slices.Clone(indices)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	ranges := []Range{}
	for _, i := range sorted {
		if n := len(ranges); n > 0 && ranges[n-1].End() == i {
			ranges[n-1].Length++
			continue
		}
		ranges = append(ranges, Range{Start: i, Length: 1})
	}
	return ranges
}

// ChangeSet describes how a result changed from one version to the next.
// Deletions index the previous result, insertions and modifications the new
// one.
type ChangeSet struct {
	Deletions     []int `json:"deletions"`
	Insertions    []int `json:"insertions"`
	Modifications []int `json:"modifications"`

	DeletionRanges     []Range `json:"deletion_ranges"`
	InsertionRanges    []Range `json:"insertion_ranges"`
	ModificationRanges []Range `json:"modification_ranges"`
}

func NewChangeSet(change *engine.Change) *ChangeSet {
	c := &ChangeSet{
		Deletions:     sortedCopy(change.Deletions),
		Insertions:    sortedCopy(change.Insertions),
		Modifications: sortedCopy(change.Modifications),
	}
	c.DeletionRanges = Ranges(c.Deletions)
	c.InsertionRanges = Ranges(c.Insertions)
	c.ModificationRanges = Ranges(c.Modifications)
	return c
}

func (c *ChangeSet) Empty() bool {
	return len(c.Deletions) == 0 && len(c.Insertions) == 0 && len(c.Modifications) == 0
}

func sortedCopy(indices []int) []int {
	result := slices.Clone(indices)
	if result == nil {
		result = []int{}
	}
	slices.Sort(result)
	return result
}
