package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"SigMesh/internal/archive"
	"SigMesh/internal/engine"
	"SigMesh/internal/epoch"
	"SigMesh/internal/logger"
	"SigMesh/internal/notify"
	"SigMesh/internal/registry"
	"SigMesh/internal/request"
)

const (
	// maxBodySize is the maximum request body size in bytes.
	maxBodySize = 1 << 20 // 1 MB
)

// Server is the HTTP API server.
type Server struct {
	addr     string           // addr is the HTTP listen address
	engine   *engine.Engine   // engine drives signature aggregation
	store    *request.Store   // store holds signing requests
	registry *registry.Registry // registry holds validator sets
	clock    *epoch.Clock     // clock tracks per-chain epoch watermarks
	notifier *notify.Notifier // notifier feeds the streaming endpoints
	server   *http.Server     // server is the underlying HTTP server
}

// New creates a new HTTP API server.
func New(addr string, eng *engine.Engine, store *request.Store, reg *registry.Registry, clock *epoch.Clock, notifier *notify.Notifier) *Server {
	return &Server{
		addr:     addr,
		engine:   eng,
		store:    store,
		registry: reg,
		clock:    clock,
		notifier: notifier,
	}
}

// Routes builds the request multiplexer. Exposed so tests and embedded
// deployments can mount the API without a listening socket.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)

	mux.HandleFunc("GET /epoch", s.handleEpoch)
	mux.HandleFunc("POST /epoch/watermarks", s.handleAdvanceWatermark)

	mux.HandleFunc("POST /requests", s.handleCreateRequest)
	mux.HandleFunc("GET /requests", s.handleListRequests)
	mux.HandleFunc("GET /requests/{id}", s.handleGetRequest)
	mux.HandleFunc("POST /requests/{id}/signatures", s.handleAddSignature)
	mux.HandleFunc("POST /requests/{id}/failure", s.handleReportFailure)
	mux.HandleFunc("GET /requests/{id}/verify", s.handleVerifyProof)

	mux.HandleFunc("POST /validator-sets", s.handleActivateSet)
	mux.HandleFunc("GET /validator-sets/latest", s.handleLatestSet)
	mux.HandleFunc("GET /validator-sets/{epoch}", s.handleSetForEpoch)
	mux.HandleFunc("GET /validators/local", s.handleLocalValidator)
	mux.HandleFunc("GET /validators/by-key", s.handleValidatorByKey)

	mux.HandleFunc("GET /epochs/{epoch}/archive", s.handleArchive)

	mux.HandleFunc("GET /ws/requests/{id}", s.handleWatchRequest)
	mux.HandleFunc("GET /ws/signatures", s.streamHandler(notify.TypeSignature))
	mux.HandleFunc("GET /ws/proofs", s.streamHandler(notify.TypeProof))
	mux.HandleFunc("GET /ws/validator-sets", s.streamHandler(notify.TypeValidatorSet))

	return mux
}

// Start starts the HTTP server in a goroutine.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:        s.addr,
		Handler:     s.Routes(),
		ReadTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("http api started", "addr", s.addr)

		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// handleHealth handles GET /health requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// handleStatus handles GET /status requests.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var latestVersion uint64
	if set := s.registry.Latest(); set != nil {
		latestVersion = set.Version
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"currentEpoch":   s.clock.Current(),
		"suggestedEpoch": s.clock.Suggested(),
		"setVersion":     latestVersion,
		"requests":       s.store.Counts(),
		"subscribers":    s.notifier.SubscriberCount(),
	})
}

// handleEpoch handles GET /epoch requests.
func (s *Server) handleEpoch(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"current":    s.clock.Current(),
		"suggested":  s.clock.Suggested(),
		"watermarks": s.clock.Watermarks(),
	})
}

// watermarkBody is the POST /epoch/watermarks payload.
type watermarkBody struct {
	ChainID string `json:"chainId"` // ChainID identifies the observed chain
	Epoch   uint64 `json:"epoch"`   // Epoch is the chain's last committed epoch
}

// handleAdvanceWatermark handles POST /epoch/watermarks requests.
func (s *Server) handleAdvanceWatermark(w http.ResponseWriter, r *http.Request) {
	var body watermarkBody
	if !readJSON(w, r, &body) {
		return
	}

	if body.ChainID == "" {
		writeError(w, http.StatusBadRequest, "missing chainId")
		return
	}

	if err := s.clock.Advance(body.ChainID, body.Epoch); err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"suggested": s.clock.Suggested(),
	})
}

// createRequestBody is the POST /requests payload.
type createRequestBody struct {
	KeyTag  uint8   `json:"keyTag"`          // KeyTag selects the signature scheme
	Message []byte  `json:"message"`         // Message is the bytes to sign (base64 in JSON)
	Epoch   *uint64 `json:"epoch,omitempty"` // Epoch optionally pins the validator set epoch
}

// handleCreateRequest handles POST /requests requests.
func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var body createRequestBody
	if !readJSON(w, r, &body) {
		return
	}

	if len(body.Message) == 0 {
		writeError(w, http.StatusBadRequest, "empty message")
		return
	}

	req, err := s.engine.Submit(body.KeyTag, body.Message, body.Epoch)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, req)
}

// handleListRequests handles GET /requests?epoch=N requests.
func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	epochParam := r.URL.Query().Get("epoch")
	if epochParam == "" {
		writeError(w, http.StatusBadRequest, "missing epoch parameter")
		return
	}

	epochNum, err := strconv.ParseUint(epochParam, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid epoch parameter")
		return
	}

	writeJSON(w, http.StatusOK, s.store.ListByEpoch(epochNum))
}

// handleGetRequest handles GET /requests/{id} requests.
func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := parseRequestID(w, r)
	if !ok {
		return
	}

	req, err := s.store.Get(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, req)
}

// signatureBody is the POST /requests/{id}/signatures payload.
type signatureBody struct {
	PublicKey []byte `json:"publicKey"` // PublicKey is the signer's registered key
	Signature []byte `json:"signature"` // Signature is the raw signature bytes
}

// handleAddSignature handles POST /requests/{id}/signatures requests.
func (s *Server) handleAddSignature(w http.ResponseWriter, r *http.Request) {
	id, ok := parseRequestID(w, r)
	if !ok {
		return
	}

	var body signatureBody
	if !readJSON(w, r, &body) {
		return
	}

	if len(body.PublicKey) == 0 || len(body.Signature) == 0 {
		writeError(w, http.StatusBadRequest, "missing publicKey or signature")
		return
	}

	added, err := s.engine.AddSignature(id, request.Signature{
		PublicKey: body.PublicKey,
		Signature: body.Signature,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	req, err := s.store.Get(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"added": added,
		"state": req.State,
	})
}

// failureBody is the POST /requests/{id}/failure payload.
type failureBody struct {
	Code   string `json:"code"`   // Code is the machine-readable failure code
	Reason string `json:"reason"` // Reason is the human-readable description
}

// handleReportFailure handles POST /requests/{id}/failure requests.
func (s *Server) handleReportFailure(w http.ResponseWriter, r *http.Request) {
	id, ok := parseRequestID(w, r)
	if !ok {
		return
	}

	var body failureBody
	if !readJSON(w, r, &body) {
		return
	}

	if body.Code == "" {
		writeError(w, http.StatusBadRequest, "missing failure code")
		return
	}

	if err := s.engine.ReportFailure(id, body.Code, body.Reason); err != nil {
		writeDomainError(w, err)
		return
	}

	req, err := s.store.Get(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"state": req.State,
	})
}

// handleVerifyProof handles GET /requests/{id}/verify requests.
func (s *Server) handleVerifyProof(w http.ResponseWriter, r *http.Request) {
	id, ok := parseRequestID(w, r)
	if !ok {
		return
	}

	req, err := s.store.Get(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	valid, err := s.engine.VerifyProof(req)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"valid":      valid,
		"setVersion": req.Proof.SetVersion,
		"power":      req.Proof.Power,
	})
}

// activateSetBody is the POST /validator-sets payload.
type activateSetBody struct {
	Version         uint64               `json:"version"`         // Version is the monotonic set version
	Epoch           uint64               `json:"epoch"`           // Epoch is the first epoch the set covers
	Validators      []registry.Validator `json:"validators"`      // Validators are the set members
	QuorumThreshold uint64               `json:"quorumThreshold"` // QuorumThreshold is the required voting power
}

// handleActivateSet handles POST /validator-sets requests.
func (s *Server) handleActivateSet(w http.ResponseWriter, r *http.Request) {
	var body activateSetBody
	if !readJSON(w, r, &body) {
		return
	}

	if len(body.Validators) == 0 {
		writeError(w, http.StatusBadRequest, "empty validator set")
		return
	}

	set, err := s.registry.Activate(body.Version, body.Epoch, body.Validators, body.QuorumThreshold)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	s.engine.PublishSetChange(set)

	writeJSON(w, http.StatusCreated, set)
}

// handleLatestSet handles GET /validator-sets/latest requests.
func (s *Server) handleLatestSet(w http.ResponseWriter, r *http.Request) {
	set := s.registry.Latest()
	if set == nil {
		writeError(w, http.StatusNotFound, "no validator set activated")
		return
	}

	writeJSON(w, http.StatusOK, set)
}

// handleSetForEpoch handles GET /validator-sets/{epoch} requests.
func (s *Server) handleSetForEpoch(w http.ResponseWriter, r *http.Request) {
	epochNum, err := strconv.ParseUint(r.PathValue("epoch"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid epoch")
		return
	}

	set, err := s.registry.SetForEpoch(epochNum)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, set)
}

// queryEpoch parses the optional ?epoch= parameter, defaulting to the
// clock's suggested epoch.
func (s *Server) queryEpoch(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	epochParam := r.URL.Query().Get("epoch")
	if epochParam == "" {
		return s.clock.Suggested(), true
	}

	epochNum, err := strconv.ParseUint(epochParam, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid epoch parameter")
		return 0, false
	}

	return epochNum, true
}

// handleLocalValidator handles GET /validators/local requests: the
// node's own identity in the set covering the (optional) query epoch.
func (s *Server) handleLocalValidator(w http.ResponseWriter, r *http.Request) {
	epochNum, ok := s.queryEpoch(w, r)
	if !ok {
		return
	}

	v, err := s.registry.LocalValidator(epochNum)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, v)
}

// handleValidatorByKey handles GET /validators/by-key requests.
// Query parameters: tag (key scheme tag), key (hex public key) and an
// optional epoch.
func (s *Server) handleValidatorByKey(w http.ResponseWriter, r *http.Request) {
	tag, err := strconv.ParseUint(r.URL.Query().Get("tag"), 10, 8)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid tag parameter")
		return
	}

	key, err := hex.DecodeString(r.URL.Query().Get("key"))
	if err != nil || len(key) == 0 {
		writeError(w, http.StatusBadRequest, "invalid key parameter")
		return
	}

	epochNum, ok := s.queryEpoch(w, r)
	if !ok {
		return
	}

	v, err := s.registry.ValidatorByKey(uint8(tag), key, epochNum)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, v)
}

// handleArchive handles GET /epochs/{epoch}/archive requests.
// The response is a zstd-compressed, checksummed epoch archive.
func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	epochNum, err := strconv.ParseUint(r.PathValue("epoch"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid epoch")
		return
	}

	data, err := archive.Export(s.store, s.registry, epochNum)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/zstd")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=epoch-%d.zst", epochNum))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// parseRequestID extracts and validates the {id} path segment.
func parseRequestID(w http.ResponseWriter, r *http.Request) (request.ID, bool) {
	id, err := request.ParseID(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request id")
		return request.ID{}, false
	}

	return id, true
}

// readJSON decodes a JSON request body, writing a 400 on failure.
func readJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	body := http.MaxBytesReader(w, r.Body, maxBodySize)

	if err := json.NewDecoder(body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid body: %v", err))
		return false
	}

	return true
}

// writeDomainError maps domain errors to HTTP status codes.
func writeDomainError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError

	switch {
	case errors.Is(err, request.ErrUnknownRequest),
		errors.Is(err, registry.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, request.ErrInvalidSignature),
		errors.Is(err, engine.ErrUnknownSigner),
		errors.Is(err, registry.ErrInvalidQuorum):
		status = http.StatusBadRequest
	case errors.Is(err, engine.ErrFutureEpoch),
		errors.Is(err, registry.ErrStaleVersion),
		errors.Is(err, epoch.ErrStaleUpdate):
		status = http.StatusConflict
	}

	writeError(w, status, err.Error())
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}
