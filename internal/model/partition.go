package model

// Effective partition key bounds covering the whole key space.
const (
	MinEffectiveKey = ""
	MaxEffectiveKey = "FF"
)

// PartitionKeyRange is a contiguous interval of the effective partition key space.
type PartitionKeyRange struct {
	ID           string   `json:"id" yaml:"id"`
	ResourceID   string   `json:"_rid,omitempty" yaml:"rid,omitempty"`
	MinInclusive string   `json:"minInclusive" yaml:"min_inclusive"`
	MaxExclusive string   `json:"maxExclusive" yaml:"max_exclusive"`
	Parents      []string `json:"parents,omitempty" yaml:"parents,omitempty"`
}

// Contains reports whether the effective key falls inside the range.
func (r *PartitionKeyRange) Contains(effectiveKey string) bool {
	return effectiveKey >= r.MinInclusive && effectiveKey < r.MaxExclusive
}

// SameBounds reports whether two ranges have the same id and interval.
func (r *PartitionKeyRange) SameBounds(other *PartitionKeyRange) bool {
	return r.ID == other.ID && r.MinInclusive == other.MinInclusive && r.MaxExclusive == other.MaxExclusive
}

// HasParent reports whether id is a (transitive) split ancestor of r.
func (r *PartitionKeyRange) HasParent(id string) bool {
	for _, p := range r.Parents {
		if p == id {
			return true
		}
	}
	return false
}

// ResolvedPartitionRange is what address resolution attaches to a request.
type ResolvedPartitionRange struct {
	CollectionRID string
	Range         *PartitionKeyRange
	// Master is set when the request targets the metadata partition.
	Master bool
}
