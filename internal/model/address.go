package model

import (
	"fmt"
	"net/url"
	"strings"
)

// Protocol is the transport scheme a replica address is reachable with.
type Protocol string

const (
	ProtocolHTTPS Protocol = "https"
	ProtocolTCP   Protocol = "rntbd"
)

// ParseProtocol maps a configured protocol name to a Protocol.
func ParseProtocol(name string) (Protocol, error) {
	switch strings.ToLower(name) {
	case "https":
		return ProtocolHTTPS, nil
	case "rntbd", "tcp":
		return ProtocolTCP, nil
	default:
		return "", fmt.Errorf("unsupported protocol %q", name)
	}
}

// ReplicaAddress identifies one physical replica endpoint. Values are immutable once cached.
type ReplicaAddress struct {
	PhysicalURI string   `json:"physical_uri" yaml:"physical_uri"`
	Protocol    Protocol `json:"protocol" yaml:"protocol"`
	IsPublic    bool     `json:"is_public" yaml:"is_public"`
	IsPrimary   bool     `json:"is_primary" yaml:"is_primary"`
}

// Scheme returns the protocol scheme of the address, taken from the URI when present.
func (a ReplicaAddress) Scheme() string {
	if i := strings.Index(a.PhysicalURI, "://"); i > 0 {
		return strings.ToLower(a.PhysicalURI[:i])
	}
	return string(a.Protocol)
}

// HostPort returns the host:port authority of the physical URI.
func (a ReplicaAddress) HostPort() (string, error) {
	u, err := url.Parse(a.PhysicalURI)
	if err != nil {
		return "", fmt.Errorf("invalid replica uri %q: %w", a.PhysicalURI, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("replica uri %q has no host", a.PhysicalURI)
	}
	return u.Host, nil
}

func (a ReplicaAddress) String() string {
	return a.PhysicalURI
}

// PhysicalURIs lists the physical URIs of a set of addresses.
func PhysicalURIs(addresses []ReplicaAddress) []string {
	uris := make([]string, 0, len(addresses))
	for _, a := range addresses {
		uris = append(uris, a.PhysicalURI)
	}
	return uris
}

// PartitionKeyRangeIdentity names a partition range within a collection.
type PartitionKeyRangeIdentity struct {
	CollectionRID       string
	PartitionKeyRangeID string
}

// MasterRangeID identifies the metadata (master) partition.
const MasterRangeID = "M"

// MasterIdentity is the identity used for master resource address lookups.
var MasterIdentity = PartitionKeyRangeIdentity{PartitionKeyRangeID: MasterRangeID}

func (id PartitionKeyRangeIdentity) IsMaster() bool {
	return id.PartitionKeyRangeID == MasterRangeID && id.CollectionRID == ""
}

func (id PartitionKeyRangeIdentity) String() string {
	if id.CollectionRID == "" {
		return id.PartitionKeyRangeID
	}
	return id.CollectionRID + "," + id.PartitionKeyRangeID
}

// ParsePartitionKeyRangeIdentity parses the "collectionRid,rangeId" header form.
func ParsePartitionKeyRangeIdentity(value string) (*PartitionKeyRangeIdentity, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, fmt.Errorf("empty partition key range identity")
	}
	parts := strings.Split(value, ",")
	switch len(parts) {
	case 1:
		return &PartitionKeyRangeIdentity{PartitionKeyRangeID: parts[0]}, nil
	case 2:
		return &PartitionKeyRangeIdentity{CollectionRID: parts[0], PartitionKeyRangeID: parts[1]}, nil
	default:
		return nil, fmt.Errorf("invalid partition key range identity %q", value)
	}
}
