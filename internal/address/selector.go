package address

import (
	"context"
	"fmt"
	"strings"

	dcerrors "github.com/devrev/pairdb/directconn/internal/errors"
	"github.com/devrev/pairdb/directconn/internal/model"
)

// Resolver resolves a request to the replica addresses of its target range.
type Resolver interface {
	Resolve(ctx context.Context, req *model.Request, forceRefresh bool) ([]model.ReplicaAddress, error)
}

// Selector narrows resolved addresses to the replicas a request may contact.
type Selector struct {
	resolver Resolver
	protocol model.Protocol
}

func NewSelector(resolver Resolver, protocol model.Protocol) *Selector {
	return &Selector{resolver: resolver, protocol: protocol}
}

// ResolveAll returns the usable replica addresses of the request's range.
// The primary is dropped unless includePrimary is set.
func (s *Selector) ResolveAll(ctx context.Context, req *model.Request, includePrimary, forceRefresh bool) ([]model.ReplicaAddress, error) {
	addresses, err := s.ResolveAddresses(ctx, req, forceRefresh)
	if err != nil {
		return nil, err
	}
	if includePrimary {
		return addresses, nil
	}
	out := make([]model.ReplicaAddress, 0, len(addresses))
	for _, a := range addresses {
		if !a.IsPrimary {
			out = append(out, a)
		}
	}
	return out, nil
}

// ResolvePrimary returns the primary replica of the request's range.
func (s *Selector) ResolvePrimary(ctx context.Context, req *model.Request, forceRefresh bool) (model.ReplicaAddress, error) {
	addresses, err := s.ResolveAddresses(ctx, req, forceRefresh)
	if err != nil {
		return model.ReplicaAddress{}, err
	}
	return PrimaryAddress(req, addresses)
}

// PrimaryAddress picks the primary from a usable address set. A default
// replica index on the request wins. Otherwise exactly one address must be
// flagged primary and carry a well-formed URI.
func PrimaryAddress(req *model.Request, addresses []model.ReplicaAddress) (model.ReplicaAddress, error) {
	if req.DefaultReplicaIndex != nil {
		idx := *req.DefaultReplicaIndex
		if idx >= 0 && idx < len(addresses) {
			return addresses[idx], nil
		}
	}

	var primary *model.ReplicaAddress
	for i := range addresses {
		if addresses[i].IsPrimary && !strings.Contains(addresses[i].PhysicalURI, "[") {
			if primary != nil {
				primary = nil
				break
			}
			primary = &addresses[i]
		}
	}
	if primary == nil {
		return model.ReplicaAddress{}, dcerrors.Gone(dcerrors.SubStatusUnknown,
			fmt.Sprintf("the requested resource is no longer available at the server, candidates: %s",
				strings.Join(model.PhysicalURIs(addresses), ", ")), nil).
			WithResourceAddress(req.ResourceAddress)
	}
	return *primary, nil
}

// ResolveAddresses resolves the request and narrows the result to usable addresses.
func (s *Selector) ResolveAddresses(ctx context.Context, req *model.Request, forceRefresh bool) ([]model.ReplicaAddress, error) {
	addresses, err := s.resolver.Resolve(ctx, req, forceRefresh)
	if err != nil {
		return nil, err
	}
	return UsableAddresses(addresses, s.protocol), nil
}

// UsableAddresses keeps addresses matching the protocol scheme with a
// non-empty URI. When any internal (non-public) address survives, only the
// internal ones are returned.
func UsableAddresses(addresses []model.ReplicaAddress, protocol model.Protocol) []model.ReplicaAddress {
	var public, internal []model.ReplicaAddress
	for _, a := range addresses {
		if a.PhysicalURI == "" || a.Scheme() != string(protocol) {
			continue
		}
		if a.IsPublic {
			public = append(public, a)
		} else {
			internal = append(internal, a)
		}
	}
	if len(internal) > 0 {
		return internal
	}
	return public
}
