// Package gateway implements the metadata sources used by the caches: an HTTP
// client for a regional gateway endpoint and a static topology loaded from YAML.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/devrev/pairdb/directconn/internal/auth"
	"github.com/devrev/pairdb/directconn/internal/config"
	dcerrors "github.com/devrev/pairdb/directconn/internal/errors"
	"github.com/devrev/pairdb/directconn/internal/metrics"
	"github.com/devrev/pairdb/directconn/internal/model"
)

// ClientOptions configures a gateway Client.
type ClientOptions struct {
	Endpoint   string
	Protocol   model.Protocol
	Config     config.MetadataConfig
	HTTPClient *http.Client
	// Limiter is shared by every regional client so the process as a whole
	// stays under the configured metadata QPS.
	Limiter *rate.Limiter
	Tokens  auth.TokenProvider
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// Client reads collections, partition ranges and replica addresses from one
// regional gateway endpoint.
type Client struct {
	base    *url.URL
	opts    ClientOptions
	http    *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewClient creates a gateway client for opts.Endpoint.
func NewClient(opts ClientOptions) (*Client, error) {
	base, err := url.Parse(opts.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid gateway endpoint %q: %w", opts.Endpoint, err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("gateway endpoint %q must be absolute", opts.Endpoint)
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Config.RequestTimeout}
	}
	limiter := opts.Limiter
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 0)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		base:    base,
		opts:    opts,
		http:    httpClient,
		limiter: limiter,
		logger:  logger.With(zap.String("gateway", opts.Endpoint)),
	}, nil
}

func (c *Client) Endpoint() string {
	return c.opts.Endpoint
}

type gatewayAddress struct {
	IsPrimary           bool   `json:"isPrimary"`
	Protocol            string `json:"protocol"`
	PhysicalURI         string `json:"physcialUri"`
	PartitionKeyRangeID string `json:"partitionKeyRangeId"`
	IsPublic            *bool  `json:"isPublic,omitempty"`
}

type addressFeed struct {
	Addresses []gatewayAddress `json:"Addresss"`
}

type rangeFeed struct {
	Ranges []*model.PartitionKeyRange `json:"PartitionKeyRanges"`
}

// ReadAddresses returns the replica addresses of a partition range, or nil
// when the gateway does not know the range.
func (c *Client) ReadAddresses(ctx context.Context, identity model.PartitionKeyRangeIdentity, forceRefresh bool) ([]model.ReplicaAddress, error) {
	query := url.Values{}
	query.Set("$filter", "protocol eq "+string(c.opts.Protocol))
	resourceLink := "dbs/"
	if identity.IsMaster() {
		query.Set("$resolveFor", "dbs/")
	} else {
		resourceLink = "dbs/" + identity.CollectionRID + "/docs"
		query.Set("$resolveFor", resourceLink)
		query.Set("$partitionKeyRangeIds", identity.PartitionKeyRangeID)
	}

	headers := make(model.Headers)
	if forceRefresh {
		headers.Set(model.HeaderForceRefresh, "true")
	}

	var feed addressFeed
	err := c.get(ctx, "addresses/", query, "addresses", resourceLink, model.ResourceDatabase, headers, &feed)
	if err != nil {
		if dcerrors.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []model.ReplicaAddress
	for _, a := range feed.Addresses {
		if !identity.IsMaster() && a.PartitionKeyRangeID != "" && a.PartitionKeyRangeID != identity.PartitionKeyRangeID {
			continue
		}
		public := true
		if a.IsPublic != nil {
			public = *a.IsPublic
		}
		out = append(out, model.ReplicaAddress{
			PhysicalURI: a.PhysicalURI,
			Protocol:    model.Protocol(strings.ToLower(a.Protocol)),
			IsPrimary:   a.IsPrimary,
			IsPublic:    public,
		})
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

// ReadCollectionByLink reads a collection by its name-based link.
func (c *Client) ReadCollectionByLink(ctx context.Context, link string) (*model.DocumentCollection, error) {
	var coll model.DocumentCollection
	if err := c.get(ctx, link, nil, "collection", link, model.ResourceCollection, nil, &coll); err != nil {
		return nil, err
	}
	coll.AltLink = link
	return &coll, nil
}

// ReadCollectionByRID reads a collection by resource id.
func (c *Client) ReadCollectionByRID(ctx context.Context, rid string) (*model.DocumentCollection, error) {
	link, err := collectionRIDLink(rid)
	if err != nil {
		return nil, dcerrors.BadRequest(dcerrors.SubStatusUnknown, err.Error())
	}
	var coll model.DocumentCollection
	if err := c.get(ctx, link, nil, "collection", strings.ToLower(rid), model.ResourceCollection, nil, &coll); err != nil {
		return nil, err
	}
	return &coll, nil
}

// ReadPartitionKeyRanges reads the current partition ranges of a collection.
func (c *Client) ReadPartitionKeyRanges(ctx context.Context, collectionRID string) ([]*model.PartitionKeyRange, error) {
	link, err := collectionRIDLink(collectionRID)
	if err != nil {
		return nil, dcerrors.BadRequest(dcerrors.SubStatusUnknown, err.Error())
	}
	var feed rangeFeed
	if err := c.get(ctx, link+"/pkranges", nil, "pkranges", strings.ToLower(collectionRID), model.ResourcePartitionKeyRange, nil, &feed); err != nil {
		return nil, err
	}
	return feed.Ranges, nil
}

func collectionRIDLink(rid string) (string, error) {
	parsed, err := model.ParseResourceID(rid)
	if err != nil {
		return "", err
	}
	if parsed.DocumentCollectionID() == "" {
		return "", fmt.Errorf("resource id %q is not a collection id", rid)
	}
	return "dbs/" + parsed.DatabaseID() + "/colls/" + rid, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, resource, resourceLink string, rt model.ResourceType, headers model.Headers, out interface{}) error {
	return c.withRetry(ctx, resource, func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return dcerrors.RequestTimeout("metadata rate limiter wait aborted", err)
		}

		u := c.base.ResolveReference(&url.URL{Path: strings.TrimPrefix(path, "/")})
		if query != nil {
			u.RawQuery = query.Encode()
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return fmt.Errorf("failed to build gateway request: %w", err)
		}

		signed := make(model.Headers)
		for k, v := range headers {
			signed.Set(k, v)
		}
		signed.Set(model.HeaderDate, time.Now().UTC().Format(http.TimeFormat))
		if c.opts.Tokens != nil {
			token, err := c.opts.Tokens.AuthorizationToken(http.MethodGet, resourceLink, rt, signed, model.TokenPrimaryMasterKey)
			if err != nil {
				return fmt.Errorf("failed to sign gateway request: %w", err)
			}
			signed.Set(model.HeaderAuthorization, token)
		}
		for k, v := range signed {
			req.Header.Set(k, v)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			c.opts.Metrics.RecordMetadataRequest(resource, "network_error")
			return dcerrors.ServiceUnavailable("gateway request failed", err).WithTriggerAddressRefresh()
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return dcerrors.ServiceUnavailable("failed to read gateway response", err)
		}
		c.opts.Metrics.RecordMetadataRequest(resource, fmt.Sprintf("%d", resp.StatusCode))

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			respHeaders := make(map[string]string, len(resp.Header))
			for k := range resp.Header {
				respHeaders[strings.ToLower(k)] = resp.Header.Get(k)
			}
			return dcerrors.FromResponse(resp.StatusCode, respHeaders, body, resourceLink)
		}
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("failed to decode %s response: %w", resource, err)
		}
		return nil
	})
}

// withRetry retries transient gateway failures with exponential backoff.
func (c *Client) withRetry(ctx context.Context, resource string, operation func() error) error {
	var lastErr error
	for attempt := 0; attempt <= c.opts.Config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.opts.Config.RetryBackoff * time.Duration(1<<uint(attempt-1))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		err := operation()
		if err == nil {
			return nil
		}
		lastErr = err

		if !isRetryable(err) {
			return err
		}

		c.logger.Warn("gateway call failed, retrying",
			zap.String("resource", resource),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	return lastErr
}

// isRetryable determines if a gateway error is transient.
func isRetryable(err error) bool {
	se, ok := dcerrors.As(err)
	if !ok {
		return false
	}
	switch se.Kind {
	case dcerrors.KindServiceUnavailable, dcerrors.KindRequestRateTooLarge, dcerrors.KindInternalServerError, dcerrors.KindGone:
		return true
	default:
		return false
	}
}
