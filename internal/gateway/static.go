package gateway

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	dcerrors "github.com/devrev/pairdb/directconn/internal/errors"
	"github.com/devrev/pairdb/directconn/internal/model"
)

// Topology is the YAML document describing a static deployment.
type Topology struct {
	MasterAddresses []model.ReplicaAddress `yaml:"master_addresses"`
	Collections     []CollectionTopology   `yaml:"collections"`
}

// CollectionTopology describes one collection and its ranges.
type CollectionTopology struct {
	Collection model.DocumentCollection `yaml:",inline"`
	Ranges     []RangeTopology          `yaml:"ranges"`
}

// RangeTopology is a partition range with its replica addresses.
type RangeTopology struct {
	Range     model.PartitionKeyRange `yaml:",inline"`
	Addresses []model.ReplicaAddress  `yaml:"addresses"`
}

// StaticStats counts reads served by a StaticSource.
type StaticStats struct {
	AddressReads    int64
	CollectionReads int64
	RangeReads      int64
}

// StaticSource serves metadata from an in-memory topology. It backs the
// "static" metadata mode and can be mutated to simulate splits and moves.
type StaticSource struct {
	mu        sync.RWMutex
	byLink    map[string]*model.DocumentCollection
	byRID     map[string]*model.DocumentCollection
	ranges    map[string][]*model.PartitionKeyRange
	addresses map[model.PartitionKeyRangeIdentity][]model.ReplicaAddress

	addressReads    atomic.Int64
	collectionReads atomic.Int64
	rangeReads      atomic.Int64
}

// NewStaticSource creates an empty source.
func NewStaticSource() *StaticSource {
	return &StaticSource{
		byLink:    make(map[string]*model.DocumentCollection),
		byRID:     make(map[string]*model.DocumentCollection),
		ranges:    make(map[string][]*model.PartitionKeyRange),
		addresses: make(map[model.PartitionKeyRangeIdentity][]model.ReplicaAddress),
	}
}

// LoadStaticSource reads a topology file.
func LoadStaticSource(path string) (*StaticSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read topology %s: %w", path, err)
	}
	return ParseStaticSource(data)
}

// ParseStaticSource builds a source from a YAML topology document.
func ParseStaticSource(data []byte) (*StaticSource, error) {
	var topo Topology
	if err := yaml.Unmarshal(data, &topo); err != nil {
		return nil, fmt.Errorf("failed to parse topology: %w", err)
	}

	s := NewStaticSource()
	if len(topo.MasterAddresses) > 0 {
		s.SetAddresses(model.MasterIdentity, topo.MasterAddresses)
	}
	for i := range topo.Collections {
		ct := topo.Collections[i]
		coll := ct.Collection
		if coll.ResourceID == "" || coll.AltLink == "" {
			return nil, fmt.Errorf("collection %d in topology needs rid and link", i)
		}
		s.PutCollection(&coll)

		ranges := make([]*model.PartitionKeyRange, 0, len(ct.Ranges))
		for j := range ct.Ranges {
			r := ct.Ranges[j].Range
			ranges = append(ranges, &r)
			s.SetAddresses(model.PartitionKeyRangeIdentity{CollectionRID: coll.ResourceID, PartitionKeyRangeID: r.ID}, ct.Ranges[j].Addresses)
		}
		s.SetRanges(coll.ResourceID, ranges)
	}
	return s, nil
}

// PutCollection registers or replaces a collection.
func (s *StaticSource) PutCollection(coll *model.DocumentCollection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.byLink[coll.AltLink]; ok && old.ResourceID != coll.ResourceID {
		delete(s.byRID, old.ResourceID)
	}
	s.byLink[coll.AltLink] = coll
	s.byRID[coll.ResourceID] = coll
}

// SetRanges replaces the partition ranges of a collection.
func (s *StaticSource) SetRanges(collectionRID string, ranges []*model.PartitionKeyRange) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ranges[collectionRID] = ranges
}

// SetAddresses replaces the replica addresses of a range. A nil slice removes them.
func (s *StaticSource) SetAddresses(identity model.PartitionKeyRangeIdentity, addresses []model.ReplicaAddress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if addresses == nil {
		delete(s.addresses, identity)
		return
	}
	cp := make([]model.ReplicaAddress, len(addresses))
	copy(cp, addresses)
	s.addresses[identity] = cp
}

// Stats returns read counters.
func (s *StaticSource) Stats() StaticStats {
	return StaticStats{
		AddressReads:    s.addressReads.Load(),
		CollectionReads: s.collectionReads.Load(),
		RangeReads:      s.rangeReads.Load(),
	}
}

func (s *StaticSource) ReadAddresses(ctx context.Context, identity model.PartitionKeyRangeIdentity, forceRefresh bool) ([]model.ReplicaAddress, error) {
	s.addressReads.Add(1)
	s.mu.RLock()
	defer s.mu.RUnlock()
	addrs, ok := s.addresses[identity]
	if !ok {
		return nil, nil
	}
	cp := make([]model.ReplicaAddress, len(addrs))
	copy(cp, addrs)
	return cp, nil
}

func (s *StaticSource) ReadCollectionByLink(ctx context.Context, link string) (*model.DocumentCollection, error) {
	s.collectionReads.Add(1)
	s.mu.RLock()
	defer s.mu.RUnlock()
	coll, ok := s.byLink[link]
	if !ok {
		return nil, dcerrors.NotFound(dcerrors.SubStatusUnknown, fmt.Sprintf("collection %s not found", link))
	}
	cp := *coll
	return &cp, nil
}

func (s *StaticSource) ReadCollectionByRID(ctx context.Context, rid string) (*model.DocumentCollection, error) {
	s.collectionReads.Add(1)
	s.mu.RLock()
	defer s.mu.RUnlock()
	coll, ok := s.byRID[rid]
	if !ok {
		return nil, dcerrors.NotFound(dcerrors.SubStatusUnknown, fmt.Sprintf("collection %s not found", rid))
	}
	cp := *coll
	return &cp, nil
}

func (s *StaticSource) ReadPartitionKeyRanges(ctx context.Context, collectionRID string) ([]*model.PartitionKeyRange, error) {
	s.rangeReads.Add(1)
	s.mu.RLock()
	defer s.mu.RUnlock()
	ranges, ok := s.ranges[collectionRID]
	if !ok {
		return nil, dcerrors.NotFound(dcerrors.SubStatusUnknown, fmt.Sprintf("collection %s not found", collectionRID))
	}
	out := make([]*model.PartitionKeyRange, len(ranges))
	for i, r := range ranges {
		cp := *r
		out[i] = &cp
	}
	return out, nil
}
