package server

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"spendguard/native/spend"
	"spendguard/observability"
	"spendguard/services/guardiand/parsers"
)

// Config captures the server wiring.
type Config struct {
	ListenAddress string
	OwnerToken    string
	Owner         [20]byte
}

// Server exposes the guardiand admin surface: health, status, metrics, the
// spend authorizer operations and the calldata classifier.
type Server struct {
	cfg        Config
	authorizer *spend.Authorizer
	registry   *parsers.Registry
	status     func(ctx context.Context) interface{}
	logger     *log.Logger
	httpServer *http.Server
}

// New constructs the admin server.
func New(cfg Config, authorizer *spend.Authorizer, registry *parsers.Registry, status func(ctx context.Context) interface{}, logger *log.Logger) (*Server, error) {
	if authorizer == nil {
		return nil, fmt.Errorf("server: authorizer required")
	}
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = ":7095"
	}
	if logger == nil {
		logger = log.Default()
	}
	srv := &Server{
		cfg:        cfg,
		authorizer: authorizer,
		registry:   registry,
		status:     status,
		logger:     logger,
	}
	srv.httpServer = &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv, nil
}

// Run serves until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
		return ctx.Err()
	}
}

// Handler exposes the router, primarily for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/status", s.handleStatus)
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/spend/eoas/{eoa}", s.handleEOAStatus)

	r.Group(func(admin chi.Router) {
		admin.Use(s.requireOwnerToken)
		admin.Post("/spend/authorize", s.handleAuthorize)
		admin.Post("/admin/eoas", s.handleRegister)
		admin.Delete("/admin/eoas/{eoa}", s.handleRevoke)
		admin.Put("/admin/eoas/{eoa}/limit", s.handleUpdateLimit)
		admin.Put("/admin/eoas/{eoa}/types", s.handleUpdateTypes)
		admin.Post("/admin/pause", s.handlePause)
		admin.Post("/admin/resume", s.handleResume)
		admin.Post("/admin/classify", s.handleClassify)
	})
	return r
}

func (s *Server) requireOwnerToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		if s.cfg.OwnerToken == "" || token != s.cfg.OwnerToken {
			writeError(w, http.StatusUnauthorized, fmt.Errorf("owner token required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	payload := map[string]interface{}{}
	if s.status != nil {
		payload["cycle"] = s.status(r.Context())
	}
	if eoas, err := s.authorizer.RegisteredEOAs(); err == nil {
		payload["registered_eoas"] = len(eoas)
	}
	writeJSON(w, http.StatusOK, payload)
}

type registerRequest struct {
	EOA          string  `json:"eoa"`
	DailyLimit   string  `json:"daily_limit"`
	AllowedTypes []uint8 `json:"allowed_types"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	eoa, err := parseAddressParam(req.EOA)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	limit, ok := new(big.Int).SetString(strings.TrimSpace(req.DailyLimit), 10)
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid daily limit %q", req.DailyLimit))
		return
	}
	types := make([]spend.TransferType, 0, len(req.AllowedTypes))
	for _, t := range req.AllowedTypes {
		types = append(types, spend.TransferType(t))
	}
	if err := s.authorizer.RegisterEOA(s.cfg.Owner, eoa, limit, types); err != nil {
		writeSpendError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"eoa": req.EOA})
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	eoa, err := parseAddressParam(chi.URLParam(r, "eoa"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.authorizer.RevokeEOA(s.cfg.Owner, eoa); err != nil {
		writeSpendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

type limitRequest struct {
	DailyLimit string `json:"daily_limit"`
}

func (s *Server) handleUpdateLimit(w http.ResponseWriter, r *http.Request) {
	eoa, err := parseAddressParam(chi.URLParam(r, "eoa"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req limitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	limit, ok := new(big.Int).SetString(strings.TrimSpace(req.DailyLimit), 10)
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid daily limit %q", req.DailyLimit))
		return
	}
	if err := s.authorizer.UpdateLimit(s.cfg.Owner, eoa, limit); err != nil {
		writeSpendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

type typesRequest struct {
	AllowedTypes []uint8 `json:"allowed_types"`
}

func (s *Server) handleUpdateTypes(w http.ResponseWriter, r *http.Request) {
	eoa, err := parseAddressParam(chi.URLParam(r, "eoa"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req typesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	types := make([]spend.TransferType, 0, len(req.AllowedTypes))
	for _, t := range req.AllowedTypes {
		types = append(types, spend.TransferType(t))
	}
	if err := s.authorizer.UpdateAllowedTypes(s.cfg.Owner, eoa, types); err != nil {
		writeSpendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

type authorizeRequest struct {
	EOA           string `json:"eoa"`
	Amount        string `json:"amount"`
	RecipientHash string `json:"recipient_hash"`
	TransferType  uint8  `json:"transfer_type"`
}

type authorizeResponse struct {
	Nonce         string `json:"nonce"`
	Amount        string `json:"amount"`
	RecipientHash string `json:"recipient_hash"`
	TransferType  uint8  `json:"transfer_type"`
}

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	var req authorizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	eoa, err := parseAddressParam(req.EOA)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	amount, ok := new(big.Int).SetString(strings.TrimSpace(req.Amount), 10)
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid amount %q", req.Amount))
		return
	}
	var recipientHash [32]byte
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(req.RecipientHash), "0x"))
	if err != nil || len(raw) != 32 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("recipient hash must be 32 bytes"))
		return
	}
	copy(recipientHash[:], raw)

	record, err := s.authorizer.AuthorizeSpend(eoa, amount, recipientHash, spend.TransferType(req.TransferType))
	if err != nil {
		observability.Spend().RecordDenial(denialReason(err))
		writeSpendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, authorizeResponse{
		Nonce:         record.Nonce.String(),
		Amount:        record.Amount.String(),
		RecipientHash: "0x" + hex.EncodeToString(record.RecipientHash[:]),
		TransferType:  uint8(record.TransferType),
	})
}

func (s *Server) handleEOAStatus(w http.ResponseWriter, r *http.Request) {
	eoa, err := parseAddressParam(chi.URLParam(r, "eoa"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	registered, err := s.authorizer.IsRegistered(eoa)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	payload := map[string]interface{}{"registered": registered}
	if registered {
		if limit, err := s.authorizer.DailyLimit(eoa); err == nil {
			payload["daily_limit"] = limit.String()
		}
		if rolling, err := s.authorizer.RollingSpend(eoa); err == nil {
			payload["rolling_spend"] = rolling.String()
		}
		if remaining, err := s.authorizer.RemainingLimit(eoa); err == nil {
			payload["remaining_limit"] = remaining.String()
		}
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handlePause(w http.ResponseWriter, _ *http.Request) {
	if err := s.authorizer.Pause(s.cfg.Owner); err != nil {
		writeSpendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (s *Server) handleResume(w http.ResponseWriter, _ *http.Request) {
	if err := s.authorizer.Unpause(s.cfg.Owner); err != nil {
		writeSpendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "running"})
}

type classifyRequest struct {
	Target string `json:"target"`
	Data   string `json:"data"`
}

func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		writeError(w, http.StatusNotImplemented, fmt.Errorf("no parser registry configured"))
		return
	}
	var req classifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	data, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(req.Data), "0x"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode calldata: %w", err))
		return
	}
	classified, err := s.registry.Classify(common.HexToAddress(req.Target), data)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	tokens := func(addrs []common.Address) []string {
		out := make([]string, 0, len(addrs))
		for _, addr := range addrs {
			out = append(out, strings.ToLower(addr.Hex()))
		}
		return out
	}
	amounts := make([]string, 0, len(classified.InputAmounts))
	for _, amount := range classified.InputAmounts {
		amounts = append(amounts, amount.String())
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"op":            classified.Op.String(),
		"input_tokens":  tokens(classified.InputTokens),
		"input_amounts": amounts,
		"output_tokens": tokens(classified.OutputTokens),
		"recipient":     strings.ToLower(classified.Recipient.Hex()),
	})
}

func parseAddressParam(value string) ([20]byte, error) {
	var out [20]byte
	trimmed := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(value)), "0x")
	raw, err := hex.DecodeString(trimmed)
	if err != nil || len(raw) != 20 {
		return out, fmt.Errorf("invalid address %q", value)
	}
	copy(out[:], raw)
	return out, nil
}

func denialReason(err error) string {
	var limitErr *spend.DailyLimitExceededError
	var typeErr *spend.TransferTypeNotAllowedError
	switch {
	case errors.As(err, &limitErr):
		return "daily_limit"
	case errors.As(err, &typeErr):
		return "transfer_type"
	case errors.Is(err, spend.ErrEOANotRegistered):
		return "not_registered"
	case errors.Is(err, spend.ErrTooManySpendRecords):
		return "record_cap"
	case errors.Is(err, spend.ErrPaused):
		return "paused"
	case errors.Is(err, spend.ErrZeroAmount):
		return "zero_amount"
	}
	return "other"
}

func writeSpendError(w http.ResponseWriter, err error) {
	var limitErr *spend.DailyLimitExceededError
	var typeErr *spend.TransferTypeNotAllowedError
	switch {
	case errors.As(err, &limitErr):
		writeJSON(w, http.StatusForbidden, map[string]interface{}{
			"error":     "daily limit exceeded",
			"requested": limitErr.Requested.String(),
			"remaining": limitErr.Remaining.String(),
		})
	case errors.As(err, &typeErr):
		writeJSON(w, http.StatusForbidden, map[string]interface{}{
			"error": "transfer type not allowed",
			"type":  uint8(typeErr.Type),
		})
	case errors.Is(err, spend.ErrEOANotRegistered),
		errors.Is(err, spend.ErrTooManySpendRecords),
		errors.Is(err, spend.ErrPaused):
		writeError(w, http.StatusForbidden, err)
	case errors.Is(err, spend.ErrZeroAmount),
		errors.Is(err, spend.ErrInvalidDailyLimit),
		errors.Is(err, spend.ErrInvalidTransferType),
		errors.Is(err, spend.ErrInvalidAddress),
		errors.Is(err, spend.ErrCannotRegisterCoreAddress),
		errors.Is(err, spend.ErrInvalidRecordAmount):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, spend.ErrEOAAlreadyRegistered):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, spend.ErrNotOwner):
		writeError(w, http.StatusUnauthorized, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
