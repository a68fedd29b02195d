package model

import (
	"strconv"
	"strings"
)

// Wire header names. Values are compared case-insensitively.
const (
	HeaderSessionToken             = "x-ms-session-token"
	HeaderLSN                      = "lsn"
	HeaderLocalLSN                 = "x-ms-cosmos-llsn"
	HeaderQuorumAckedLSN           = "x-ms-quorum-acked-lsn"
	HeaderQuorumAckedLocalLSN      = "x-ms-cosmos-quorum-acked-llsn"
	HeaderGlobalCommittedLSN       = "x-ms-global-Committed-lsn"
	HeaderItemLSN                  = "x-ms-item-lsn"
	HeaderItemLocalLSN             = "x-ms-cosmos-item-llsn"
	HeaderCurrentReplicaSetSize    = "x-ms-current-replica-set-size"
	HeaderCurrentWriteQuorum       = "x-ms-current-write-quorum"
	HeaderNumberOfReadRegions      = "x-ms-number-of-read-regions"
	HeaderPartitionKeyRangeID      = "x-ms-documentdb-partitionkeyrangeid"
	HeaderCollectionRID            = "x-ms-documentdb-collection-rid"
	HeaderSubStatus                = "x-ms-substatus"
	HeaderRequestCharge            = "x-ms-request-charge"
	HeaderTargetLSN                = "x-ms-target-lsn"
	HeaderTargetGlobalCommittedLSN = "x-ms-target-global-committed-lsn"
	HeaderActivityID               = "x-ms-activity-id"
	HeaderRetryAfterMs             = "x-ms-retry-after-ms"
	HeaderPartitionKey             = "x-ms-documentdb-partitionkey"
	HeaderConsistencyLevel         = "x-ms-consistency-level"
	HeaderDate                     = "x-ms-date"
	HeaderAuthorization            = "authorization"
	HeaderRequestValidationFailure = "x-ms-request-validation-failure"
	HeaderForceRefresh             = "x-ms-force-refresh"
)

// Headers is a case-insensitive header map. Keys are stored lower-cased.
type Headers map[string]string

// NewHeaders builds a Headers map from arbitrary-case pairs.
func NewHeaders(kv map[string]string) Headers {
	h := make(Headers, len(kv))
	for k, v := range kv {
		h.Set(k, v)
	}
	return h
}

func (h Headers) Get(name string) string {
	if h == nil {
		return ""
	}
	return h[strings.ToLower(name)]
}

func (h Headers) Set(name, value string) {
	h[strings.ToLower(name)] = value
}

func (h Headers) Del(name string) {
	delete(h, strings.ToLower(name))
}

// Int64 parses a numeric header, returning def when absent or malformed.
func (h Headers) Int64(name string, def int64) int64 {
	v := h.Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return def
	}
	return n
}

// Float64 parses a floating point header, returning def when absent or malformed.
func (h Headers) Float64(name string, def float64) float64 {
	v := h.Get(name)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return def
	}
	return f
}

func (h Headers) Clone() Headers {
	out := make(Headers, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}
