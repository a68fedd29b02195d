package routing

import (
	"fmt"
	"sort"

	"github.com/google/btree"

	"github.com/devrev/pairdb/directconn/internal/model"
)

const btreeDegree = 16

// rangeItem orders partition ranges by their lower bound.
type rangeItem struct {
	min string
	r   *model.PartitionKeyRange
}

func (item *rangeItem) Less(other btree.Item) bool {
	return item.min < other.(*rangeItem).min
}

// RoutingMap is an immutable, complete mapping of a collection's effective key
// space onto partition ranges. Refreshes build a new map.
type RoutingMap struct {
	collectionRID string
	byID          map[string]*model.PartitionKeyRange
	ordered       []*model.PartitionKeyRange
	byMin         *btree.BTree
	gone          map[string]struct{}
}

// NewRoutingMap builds a routing map. The ranges must tile [MinEffectiveKey, MaxEffectiveKey)
// without gaps or overlaps.
func NewRoutingMap(collectionRID string, ranges []*model.PartitionKeyRange) (*RoutingMap, error) {
	if len(ranges) == 0 {
		return nil, fmt.Errorf("collection %s has no partition key ranges", collectionRID)
	}

	ordered := make([]*model.PartitionKeyRange, len(ranges))
	copy(ordered, ranges)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].MinInclusive < ordered[j].MinInclusive })

	m := &RoutingMap{
		collectionRID: collectionRID,
		byID:          make(map[string]*model.PartitionKeyRange, len(ordered)),
		ordered:       ordered,
		byMin:         btree.New(btreeDegree),
		gone:          make(map[string]struct{}),
	}

	expectedMin := model.MinEffectiveKey
	for _, r := range ordered {
		if r.MinInclusive != expectedMin {
			return nil, fmt.Errorf("collection %s routing map is incomplete: expected range starting at %q, got %q (range %s)",
				collectionRID, expectedMin, r.MinInclusive, r.ID)
		}
		if r.MaxExclusive <= r.MinInclusive {
			return nil, fmt.Errorf("collection %s range %s has empty interval", collectionRID, r.ID)
		}
		m.byID[r.ID] = r
		m.byMin.ReplaceOrInsert(&rangeItem{min: r.MinInclusive, r: r})
		for _, parent := range r.Parents {
			m.gone[parent] = struct{}{}
		}
		expectedMin = r.MaxExclusive
	}
	if expectedMin != model.MaxEffectiveKey {
		return nil, fmt.Errorf("collection %s routing map is incomplete: ends at %q", collectionRID, expectedMin)
	}
	return m, nil
}

func (m *RoutingMap) CollectionRID() string {
	return m.collectionRID
}

// RangeByID returns the range with the given id, or nil.
func (m *RoutingMap) RangeByID(id string) *model.PartitionKeyRange {
	return m.byID[id]
}

// RangeByEffectiveKey returns the range containing the effective key.
func (m *RoutingMap) RangeByEffectiveKey(key string) *model.PartitionKeyRange {
	var found *model.PartitionKeyRange
	m.byMin.DescendLessOrEqual(&rangeItem{min: key}, func(item btree.Item) bool {
		found = item.(*rangeItem).r
		return false
	})
	if found == nil || !found.Contains(key) {
		return nil
	}
	return found
}

// IsGone reports whether the range id was split or merged away, i.e. it is a
// parent of a range in this map.
func (m *RoutingMap) IsGone(id string) bool {
	_, ok := m.gone[id]
	return ok
}

// OrderedRanges returns the ranges in key order. Callers must not modify them.
func (m *RoutingMap) OrderedRanges() []*model.PartitionKeyRange {
	return m.ordered
}

func (m *RoutingMap) Len() int {
	return len(m.ordered)
}
