package model

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// ResourceID is a decoded resource id. Collection-scoped ids start with the
// 4-byte database id followed by the 4-byte collection id.
type ResourceID struct {
	raw []byte
}

// ParseResourceID decodes a resource id string ('/' is carried as '-').
func ParseResourceID(rid string) (ResourceID, error) {
	if rid == "" {
		return ResourceID{}, fmt.Errorf("empty resource id")
	}
	raw, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(rid, "-", "/"))
	if err != nil {
		return ResourceID{}, fmt.Errorf("invalid resource id %q: %w", rid, err)
	}
	if len(raw) < 4 {
		return ResourceID{}, fmt.Errorf("resource id %q too short", rid)
	}
	return ResourceID{raw: raw}, nil
}

func encodeRID(raw []byte) string {
	return strings.ReplaceAll(base64.StdEncoding.EncodeToString(raw), "/", "-")
}

// DatabaseID returns the owning database id.
func (r ResourceID) DatabaseID() string {
	return encodeRID(r.raw[:4])
}

// DocumentCollectionID returns the owning collection id, or "" when the id is database scoped.
func (r ResourceID) DocumentCollectionID() string {
	if len(r.raw) < 8 {
		return ""
	}
	return encodeRID(r.raw[:8])
}
