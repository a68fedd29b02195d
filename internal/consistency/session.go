package consistency

import (
	"strings"
	"sync"

	dcerrors "github.com/devrev/pairdb/directconn/internal/errors"
	"github.com/devrev/pairdb/directconn/internal/model"
)

// SessionContainer remembers the session tokens returned by replicas so later
// requests in the same session can demand at least that progress.
type SessionContainer interface {
	// ResolveSessionToken returns the token to send with req, or "".
	ResolveSessionToken(req *model.Request) string
	// SetSessionToken records the token carried by a response to req.
	SetSessionToken(req *model.Request, headers model.Headers)
}

type sessionEntry struct {
	token *model.SessionToken
	raw   string
}

// MemorySessionContainer keeps session tokens per collection rid and range id.
type MemorySessionContainer struct {
	mu     sync.RWMutex
	tokens map[string]map[string]sessionEntry
}

func NewMemorySessionContainer() *MemorySessionContainer {
	return &MemorySessionContainer{tokens: make(map[string]map[string]sessionEntry)}
}

func (c *MemorySessionContainer) ResolveSessionToken(req *model.Request) string {
	collRID := sessionCollectionRID(req)
	if collRID == "" {
		return ""
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	ranges := c.tokens[collRID]
	if len(ranges) == 0 {
		return ""
	}

	if rr := req.Context.ResolvedRange; rr != nil && rr.Range != nil {
		if e, ok := ranges[rr.Range.ID]; ok {
			return rr.Range.ID + ":" + e.raw
		}
		for _, parent := range rr.Range.Parents {
			if e, ok := ranges[parent]; ok {
				return parent + ":" + e.raw
			}
		}
		return ""
	}

	parts := make([]string, 0, len(ranges))
	for id, e := range ranges {
		parts = append(parts, id+":"+e.raw)
	}
	return strings.Join(parts, ",")
}

func (c *MemorySessionContainer) SetSessionToken(req *model.Request, headers model.Headers) {
	value := headers.Get(model.HeaderSessionToken)
	collRID := sessionCollectionRID(req)
	if value == "" || collRID == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, part := range strings.Split(value, ",") {
		token, err := model.ParseSessionToken(part)
		if err != nil {
			continue
		}
		rangeID := token.RangeID
		if rangeID == "" {
			if rr := req.Context.ResolvedRange; rr != nil && rr.Range != nil {
				rangeID = rr.Range.ID
			}
		}
		if rangeID == "" {
			continue
		}
		raw := strings.TrimSpace(part)
		if i := strings.Index(raw, ":"); i >= 0 {
			raw = raw[i+1:]
		}

		ranges := c.tokens[collRID]
		if ranges == nil {
			ranges = make(map[string]sessionEntry)
			c.tokens[collRID] = ranges
		}
		if existing, ok := ranges[rangeID]; ok && !existing.token.IsValid(token) {
			continue
		}
		ranges[rangeID] = sessionEntry{token: token, raw: raw}
	}
}

// ClearCollection drops every token of a deleted or recreated collection.
func (c *MemorySessionContainer) ClearCollection(collRID string) {
	c.mu.Lock()
	delete(c.tokens, collRID)
	c.mu.Unlock()
}

func sessionCollectionRID(req *model.Request) string {
	if rr := req.Context.ResolvedRange; rr != nil && rr.CollectionRID != "" {
		return rr.CollectionRID
	}
	return req.CollectionRID()
}

// requestSessionToken returns the session token that applies to the
// request's resolved range. The header may list tokens for several ranges;
// a token for a parent range also applies to its children.
func requestSessionToken(req *model.Request) (*model.SessionToken, error) {
	value, err := partitionLocalSessionToken(req)
	if err != nil || value == "" {
		return nil, err
	}
	token, err := model.ParseSessionToken(value)
	if err != nil {
		return nil, dcerrors.BadRequest(dcerrors.SubStatusUnknown, "invalid session token: "+err.Error())
	}
	return token, nil
}

// partitionLocalSessionToken picks the entry of the session token header that
// applies to the resolved range, without its range prefix.
func partitionLocalSessionToken(req *model.Request) (string, error) {
	value := strings.TrimSpace(req.Headers.Get(model.HeaderSessionToken))
	if value == "" {
		return "", nil
	}
	parts := strings.Split(value, ",")
	if len(parts) == 1 && !strings.Contains(parts[0], ":") {
		return parts[0], nil
	}

	byRange := make(map[string]string, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		i := strings.Index(part, ":")
		if i <= 0 {
			return "", dcerrors.BadRequest(dcerrors.SubStatusUnknown, "invalid session token "+part)
		}
		byRange[part[:i]] = part[i+1:]
	}

	rr := req.Context.ResolvedRange
	if rr == nil || rr.Range == nil {
		return "", nil
	}
	if token, ok := byRange[rr.Range.ID]; ok {
		return token, nil
	}
	for _, parent := range rr.Range.Parents {
		if token, ok := byRange[parent]; ok {
			return token, nil
		}
	}
	return "", nil
}

// applySessionHeader narrows the session token header to the token of the
// resolved range, or removes it when use is false. The returned func restores
// the original header.
func applySessionHeader(req *model.Request, use bool) (func(), error) {
	original := req.Headers.Get(model.HeaderSessionToken)
	if original == "" {
		return func() {}, nil
	}
	restore := func() { req.Headers.Set(model.HeaderSessionToken, original) }
	if !use {
		req.Headers.Del(model.HeaderSessionToken)
		return restore, nil
	}
	local, err := partitionLocalSessionToken(req)
	if err != nil {
		return func() {}, err
	}
	if local == "" {
		req.Headers.Del(model.HeaderSessionToken)
	} else {
		req.Headers.Set(model.HeaderSessionToken, local)
	}
	return restore, nil
}
