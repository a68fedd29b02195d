package model

import "strings"

// PartitionKind is the partitioning scheme of a collection.
type PartitionKind string

const (
	PartitionKindHash  PartitionKind = "Hash"
	PartitionKindRange PartitionKind = "Range"
)

// PartitionKeyDefinition describes the partition key paths of a collection.
type PartitionKeyDefinition struct {
	Paths   []string      `json:"paths" yaml:"paths"`
	Kind    PartitionKind `json:"kind" yaml:"kind"`
	Version int           `json:"version,omitempty" yaml:"version,omitempty"`
}

// DocumentCollection is the cached collection metadata used during resolution.
type DocumentCollection struct {
	ID           string                  `json:"id" yaml:"id"`
	ResourceID   string                  `json:"_rid" yaml:"rid"`
	AltLink      string                  `json:"-" yaml:"link"`
	PartitionKey *PartitionKeyDefinition `json:"partitionKey,omitempty" yaml:"partition_key,omitempty"`
}

// CollectionLink extracts "dbs/{db}/colls/{coll}" from a name-based resource address.
// It returns false when the address is not scoped to a collection.
func CollectionLink(resourceAddress string) (string, bool) {
	parts := strings.Split(strings.Trim(resourceAddress, "/"), "/")
	if len(parts) < 4 || parts[0] != "dbs" || parts[2] != "colls" {
		return "", false
	}
	return strings.Join(parts[:4], "/"), true
}

// DatabaseLink extracts "dbs/{db}" from a name-based resource address.
func DatabaseLink(resourceAddress string) (string, bool) {
	parts := strings.Split(strings.Trim(resourceAddress, "/"), "/")
	if len(parts) < 2 || parts[0] != "dbs" {
		return "", false
	}
	return strings.Join(parts[:2], "/"), true
}
