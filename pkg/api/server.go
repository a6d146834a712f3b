// Package api implements the node's two HTTP surfaces: the client-facing
// key-value API of §6.1 and the internal replica API of §6.2 that peer
// clients in pkg/rpc speak to. Handlers are thin: they decode, call into
// pkg/dynamo, and encode — the coordination logic lives entirely there.
package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/quorumkv/quorumkv/pkg/dynamo"
	"github.com/quorumkv/quorumkv/pkg/rpc"
	"github.com/quorumkv/quorumkv/pkg/versioning"
)

// Server is the HTTP front door for one node: one mux, two route families.
type Server struct {
	node   *dynamo.Node
	logger *zap.Logger
	mux    *http.ServeMux
	http   *http.Server
}

// New builds a Server bound to addr. Call ListenAndServe to run it.
func New(addr string, node *dynamo.Node, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		node:   node,
		logger: logger,
		mux:    http.NewServeMux(),
	}
	s.registerRoutes()
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/kv/", s.handleKV)
	s.mux.HandleFunc("/_replica/put", s.handleReplicaPut)
	s.mux.HandleFunc("/_replica/get", s.handleReplicaGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

// ListenAndServe starts serving and blocks until the server stops.
func (s *Server) ListenAndServe() error {
	s.logger.Info("http server starting", zap.String("addr", s.http.Addr))
	return s.http.ListenAndServe()
}

// Serve runs the server on a caller-supplied listener, for tests that need
// to reserve an address before the node's Config is built.
func (s *Server) Serve(l net.Listener) error {
	s.logger.Info("http server starting", zap.String("addr", l.Addr().String()))
	return s.http.Serve(l)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to encode response", zap.Error(err))
	}
}

// --- client-facing /kv/{key} -------------------------------------------

type putRequestBody struct {
	Value   any               `json:"value"`
	N       int               `json:"N,omitempty"`
	W       int               `json:"W,omitempty"`
	Context map[string]uint64 `json:"context,omitempty"`
}

type deleteRequestBody struct {
	N       int               `json:"N,omitempty"`
	W       int               `json:"W,omitempty"`
	Context map[string]uint64 `json:"context,omitempty"`
}

func (s *Server) handleKV(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Path[len("/kv/"):]
	if key == "" {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "missing key"})
		return
	}

	switch r.Method {
	case http.MethodPut:
		s.handlePut(w, r, key)
	case http.MethodGet:
		s.handleGet(w, r, key)
	case http.MethodDelete:
		s.handleDelete(w, r, key)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request, key string) {
	var body putRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed json"})
		return
	}

	_, err := s.node.Put(r.Context(), key, body.Value, versioning.VectorClock(body.Context),
		dynamo.RequestParams{N: body.N, W: body.W})
	s.respondWriteResult(w, err)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, key string) {
	var body deleteRequestBody
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed json"})
			return
		}
	}

	_, err := s.node.Delete(r.Context(), key, versioning.VectorClock(body.Context),
		dynamo.RequestParams{N: body.N, W: body.W})
	s.respondWriteResult(w, err)
}

func (s *Server) respondWriteResult(w http.ResponseWriter, err error) {
	if err == nil {
		s.writeJSON(w, http.StatusOK, successBody{Success: true})
		return
	}

	if e, ok := dynamo.AsError(err); ok {
		switch e.Kind {
		case dynamo.BadRequest:
			s.writeJSON(w, http.StatusBadRequest, errorBody{Error: e.Msg})
		case dynamo.QuorumFailed:
			s.writeJSON(w, http.StatusServiceUnavailable, writeFailureBody{Success: false, Reason: "quorum"})
		default:
			s.writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
		}
		return
	}
	s.writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request, key string) {
	params := dynamo.RequestParams{}
	if v := r.URL.Query().Get("N"); v != "" {
		params.N, _ = strconv.Atoi(v)
	}
	if v := r.URL.Query().Get("R"); v != "" {
		params.R, _ = strconv.Atoi(v)
	}

	result, err := s.node.Get(r.Context(), key, params)
	if err != nil {
		if e, ok := dynamo.AsError(err); ok {
			switch e.Kind {
			case dynamo.BadRequest:
				s.writeJSON(w, http.StatusBadRequest, errorBody{Error: e.Msg})
			case dynamo.QuorumFailed:
				s.writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "quorum"})
			default:
				s.writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
			}
			return
		}
		s.writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
		return
	}

	versions := make([]rpc.VersionDTO, len(result.Versions))
	for i, v := range result.Versions {
		versions[i] = rpc.VersionDTO{Value: v.Value, VectorClock: v.VectorClock}
	}
	s.writeJSON(w, http.StatusOK, getResponseBody{Versions: versions})
}

// --- internal /_replica/* -----------------------------------------------

func (s *Server) handleReplicaPut(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req rpc.PutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusInternalServerError, rpc.PutResponse{OK: false, Error: "invalid request"})
		return
	}

	s.node.StorageFor().Put(req.Key, req.ToVersionDTO().ToVersion())
	s.writeJSON(w, http.StatusOK, rpc.PutResponse{OK: true})
}

func (s *Server) handleReplicaGet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	key := r.URL.Query().Get("key")
	if key == "" {
		s.writeJSON(w, http.StatusInternalServerError, rpc.GetResponse{Error: "missing key"})
		return
	}

	versions := s.node.StorageFor().Get(key)
	dtos := make([]rpc.VersionDTO, len(versions))
	for i, v := range versions {
		dtos[i] = rpc.FromVersion(v)
	}
	s.writeJSON(w, http.StatusOK, rpc.GetResponse{Versions: dtos})
}

type errorBody struct {
	Error string `json:"error"`
}

type successBody struct {
	Success bool `json:"success"`
}

type writeFailureBody struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason"`
}

type getResponseBody struct {
	Versions []rpc.VersionDTO `json:"versions"`
}
