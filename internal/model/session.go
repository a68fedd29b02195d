package model

import (
	"fmt"
	"strconv"
	"strings"
)

// SessionToken is the parsed form of a partition-local session token:
// "[rangeId:]version#globalLsn[#region=lsn...]" or the simple "[rangeId:]lsn".
type SessionToken struct {
	RangeID   string
	Version   int64
	GlobalLSN int64
	Regions   map[int]int64
}

// ParseSessionToken parses a single partition-local session token.
func ParseSessionToken(value string) (*SessionToken, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, fmt.Errorf("empty session token")
	}
	token := &SessionToken{}
	if i := strings.Index(value, ":"); i >= 0 {
		token.RangeID = value[:i]
		value = value[i+1:]
	}

	segments := strings.Split(value, "#")
	if len(segments) == 1 {
		lsn, err := strconv.ParseInt(segments[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid session token lsn %q: %w", segments[0], err)
		}
		token.GlobalLSN = lsn
		return token, nil
	}

	version, err := strconv.ParseInt(segments[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid session token version %q: %w", segments[0], err)
	}
	globalLSN, err := strconv.ParseInt(segments[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid session token global lsn %q: %w", segments[1], err)
	}
	token.Version = version
	token.GlobalLSN = globalLSN

	for _, seg := range segments[2:] {
		kv := strings.SplitN(seg, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("invalid session token region segment %q", seg)
		}
		region, err := strconv.Atoi(kv[0])
		if err != nil {
			return nil, fmt.Errorf("invalid session token region %q: %w", kv[0], err)
		}
		lsn, err := strconv.ParseInt(kv[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid session token region lsn %q: %w", kv[1], err)
		}
		if token.Regions == nil {
			token.Regions = make(map[int]int64)
		}
		token.Regions[region] = lsn
	}
	return token, nil
}

// IsValid reports whether other is at least as advanced as t, i.e. a replica
// returning other can serve a request carrying t.
func (t *SessionToken) IsValid(other *SessionToken) bool {
	if other == nil {
		return false
	}
	if other.Version < t.Version || other.GlobalLSN < t.GlobalLSN {
		return false
	}
	if other.Version == t.Version {
		for region, lsn := range t.Regions {
			if otherLSN, ok := other.Regions[region]; ok && otherLSN < lsn {
				return false
			}
		}
	}
	return true
}
