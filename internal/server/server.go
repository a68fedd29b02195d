// Package server exposes the debug resolution API and health probes over HTTP.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/directconn/internal/address"
	"github.com/devrev/pairdb/directconn/internal/config"
	dcerrors "github.com/devrev/pairdb/directconn/internal/errors"
	"github.com/devrev/pairdb/directconn/internal/health"
	"github.com/devrev/pairdb/directconn/internal/model"
	"github.com/devrev/pairdb/directconn/internal/util/workerpool"
)

const resolveTimeout = 10 * time.Second

// Resolver is the part of the global address resolver the debug API reads.
type Resolver interface {
	ResolveWithRange(ctx context.Context, req *model.Request, forceRefresh bool) (*address.ResolutionResult, error)
	Endpoints() []address.EndpointInfo
}

// EndpointLister reports the regional endpoints in preference order.
type EndpointLister interface {
	WriteEndpoints() []string
	ReadEndpoints() []string
}

// Invoker sends a request through the replicated data plane.
type Invoker interface {
	Invoke(ctx context.Context, req *model.Request) (*model.StoreResponse, error)
}

// PoolStatter reports background worker pool statistics.
type PoolStatter interface {
	Stats() workerpool.Stats
}

// Options holds the server dependencies. Client and Pool may be nil.
type Options struct {
	Config    config.ServerConfig
	Resolver  Resolver
	Locations EndpointLister
	Client    Invoker
	Pool      PoolStatter
	Health    *health.HealthChecker
	Logger    *zap.Logger
}

// Server represents the debug HTTP server.
type Server struct {
	router       *mux.Router
	httpServer   *http.Server
	opts         Options
	errorHandler *dcerrors.Handler
	logger       *zap.Logger
}

// AddressesResponse is the body of the range address lookup.
type AddressesResponse struct {
	CollectionRID string                 `json:"collection_rid"`
	RangeID       string                 `json:"range_id"`
	MinInclusive  string                 `json:"min_inclusive"`
	MaxExclusive  string                 `json:"max_exclusive"`
	Addresses     []model.ReplicaAddress `json:"addresses"`
	ActivityID    string                 `json:"activity_id"`
}

// DocumentResponse is the body of a document read through the data plane.
type DocumentResponse struct {
	StatusCode    int                      `json:"status_code"`
	LSN           int64                    `json:"lsn"`
	SessionToken  string                   `json:"session_token,omitempty"`
	RequestCharge float64                  `json:"request_charge"`
	ActivityID    string                   `json:"activity_id"`
	Replicas      []model.ContactedReplica `json:"replicas"`
	Body          json.RawMessage          `json:"body,omitempty"`
}

// EndpointsResponse is the body of the endpoint listing.
type EndpointsResponse struct {
	Write      []string               `json:"write"`
	Read       []string               `json:"read"`
	Resolvers  []address.EndpointInfo `json:"resolvers"`
	Background *workerpool.Stats      `json:"background,omitempty"`
}

// NewServer creates a new HTTP server and configures its routes.
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	router := mux.NewRouter()
	s := &Server{
		router: router,
		httpServer: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", opts.Config.Host, opts.Config.Port),
			Handler:      router,
			ReadTimeout:  opts.Config.ReadTimeout,
			WriteTimeout: opts.Config.WriteTimeout,
		},
		opts:         opts,
		errorHandler: dcerrors.NewHandler(opts.Logger),
		logger:       opts.Logger,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(Chain(
		Recovery(s.logger),
		RequestID,
		Logging(s.logger),
	))

	if s.opts.Health != nil {
		s.opts.Health.RegisterRoutes(s.router)
	}

	debug := s.router.PathPrefix("/debug").Subrouter()
	debug.HandleFunc("/collections/{db}/{coll}/ranges/{range}/addresses", s.rangeAddresses).Methods(http.MethodGet)
	debug.HandleFunc("/endpoints", s.endpoints).Methods(http.MethodGet)
	if s.opts.Client != nil {
		debug.HandleFunc("/collections/{db}/{coll}/docs/{id}", s.readDocument).Methods(http.MethodGet)
	}

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.errorHandler.HandleError(w, r, dcerrors.NotFound(dcerrors.SubStatusUnknown, "endpoint not found"))
	})
}

// rangeAddresses resolves the replica set of one range of a collection.
// force=true bypasses the address cache.
func (s *Server) rangeAddresses(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	force := false
	if raw := r.URL.Query().Get("force"); raw != "" {
		var err error
		if force, err = strconv.ParseBool(raw); err != nil {
			s.errorHandler.HandleError(w, r, dcerrors.BadRequest(dcerrors.SubStatusUnknown, "force must be a boolean"))
			return
		}
	}

	link := fmt.Sprintf("dbs/%s/colls/%s", vars["db"], vars["coll"])
	req := model.NewRequest(model.OperationReadFeed, model.ResourceDocument, link, true, resolveTimeout)
	req.PartitionKeyRangeIdentity = &model.PartitionKeyRangeIdentity{PartitionKeyRangeID: vars["range"]}
	req.ForceCollectionRoutingMapRefresh = force

	res, err := s.opts.Resolver.ResolveWithRange(r.Context(), req, force)
	if err != nil {
		s.errorHandler.HandleError(w, r, err)
		return
	}
	if res == nil || res.Range == nil {
		s.errorHandler.HandleError(w, r, dcerrors.PartitionKeyRangeGone(
			fmt.Sprintf("range %s of %s not resolved", vars["range"], link)))
		return
	}

	writeJSON(w, http.StatusOK, AddressesResponse{
		CollectionRID: res.CollectionRID,
		RangeID:       res.Range.ID,
		MinInclusive:  res.Range.MinInclusive,
		MaxExclusive:  res.Range.MaxExclusive,
		Addresses:     res.Addresses,
		ActivityID:    req.Context.ActivityID,
	})
}

// readDocument reads one document through the replicated client. The
// partition key, consistency level and session token come from the query.
func (s *Server) readDocument(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	link := fmt.Sprintf("dbs/%s/colls/%s/docs/%s", vars["db"], vars["coll"], vars["id"])
	req := model.NewRequest(model.OperationRead, model.ResourceDocument, link, true, resolveTimeout)

	query := r.URL.Query()
	if pk := query.Get("pk"); pk != "" {
		req.Headers.Set(model.HeaderPartitionKey, pk)
	}
	if level := query.Get("consistency"); level != "" {
		if _, err := model.ParseConsistencyLevel(level); err != nil {
			s.errorHandler.HandleError(w, r, dcerrors.BadRequest(dcerrors.SubStatusUnknown, err.Error()))
			return
		}
		req.Headers.Set(model.HeaderConsistencyLevel, level)
	}
	if token := query.Get("session"); token != "" {
		req.Headers.Set(model.HeaderSessionToken, token)
	}

	resp, err := s.opts.Client.Invoke(r.Context(), req)
	if err != nil {
		if se, ok := dcerrors.As(err); ok && se.ActivityID == "" {
			se.ActivityID = req.Context.ActivityID
		}
		s.errorHandler.HandleError(w, r, err)
		return
	}

	out := DocumentResponse{
		StatusCode:    resp.StatusCode,
		LSN:           resp.LSN(),
		SessionToken:  resp.Headers.Get(model.HeaderSessionToken),
		RequestCharge: resp.RequestCharge(),
		ActivityID:    req.Context.ActivityID,
		Replicas:      req.Context.ContactedReplicas(),
	}
	if json.Valid(resp.Body) {
		out.Body = resp.Body
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) endpoints(w http.ResponseWriter, r *http.Request) {
	resp := EndpointsResponse{
		Write:     s.opts.Locations.WriteEndpoints(),
		Read:      s.opts.Locations.ReadEndpoints(),
		Resolvers: s.opts.Resolver.Endpoints(),
	}
	if s.opts.Pool != nil {
		stats := s.opts.Pool.Stats()
		resp.Background = &stats
	}
	writeJSON(w, http.StatusOK, resp)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Info("starting debug HTTP server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down debug HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the http.Handler for the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
