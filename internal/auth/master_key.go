// Package auth mints authorization tokens for replica and gateway requests.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"

	"github.com/devrev/pairdb/directconn/internal/model"
)

// TokenProvider produces the authorization header value for a request.
type TokenProvider interface {
	AuthorizationToken(verb, resourceLink string, resourceType model.ResourceType, headers model.Headers, kind model.TokenKind) (string, error)
}

// MasterKeyProvider signs requests with an account master key.
type MasterKeyProvider struct {
	key []byte
}

// NewMasterKeyProvider decodes a base64 account key.
func NewMasterKeyProvider(base64Key string) (*MasterKeyProvider, error) {
	key, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("invalid master key: %w", err)
	}
	if len(key) == 0 {
		return nil, fmt.Errorf("master key is empty")
	}
	return &MasterKeyProvider{key: key}, nil
}

// AuthorizationToken signs verb, resource type, link and x-ms-date.
func (p *MasterKeyProvider) AuthorizationToken(verb, resourceLink string, resourceType model.ResourceType, headers model.Headers, kind model.TokenKind) (string, error) {
	if !kind.IsMasterKey() {
		return "", fmt.Errorf("master key provider cannot mint token kind %d", kind)
	}
	date := headers.Get(model.HeaderDate)
	if date == "" {
		return "", fmt.Errorf("%s header is required for signing", model.HeaderDate)
	}

	payload := strings.ToLower(verb) + "\n" +
		strings.ToLower(string(resourceType)) + "\n" +
		strings.Trim(resourceLink, "/") + "\n" +
		strings.ToLower(date) + "\n" +
		"\n"

	mac := hmac.New(sha256.New, p.key)
	mac.Write([]byte(payload))
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return url.QueryEscape("type=master&ver=1.0&sig=" + sig), nil
}
