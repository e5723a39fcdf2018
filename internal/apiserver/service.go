package apiserver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gagliardetto/solana-go"

	"github.com/omni-points/voucher-exchange/internal/config"
	"github.com/omni-points/voucher-exchange/internal/exchange"
	"github.com/omni-points/voucher-exchange/internal/indexer"
)

type Service struct {
	cfg              config.ServerConfig
	logger           *slog.Logger
	engine           *exchange.Engine
	store            *indexer.Store
	allowAllOrigins  bool
	allowedOriginSet map[string]struct{}
}

func New(cfg config.ServerConfig, engine *exchange.Engine, store *indexer.Store, logger *slog.Logger) *Service {
	allowAllOrigins := false
	allowedOriginSet := make(map[string]struct{}, len(cfg.AllowedOrigins))
	for _, origin := range cfg.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		if trimmed == "*" {
			allowAllOrigins = true
			continue
		}
		allowedOriginSet[trimmed] = struct{}{}
	}
	if len(allowedOriginSet) == 0 && !allowAllOrigins {
		allowAllOrigins = true
	}

	return &Service{
		cfg:              cfg,
		logger:           logger,
		engine:           engine,
		store:            store,
		allowAllOrigins:  allowAllOrigins,
		allowedOriginSet: allowedOriginSet,
	}
}

func (s *Service) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/api/v1/listings", s.handleListings)
	mux.HandleFunc("/api/v1/bids", s.handleBids)
	mux.HandleFunc("/api/v1/vouchers", s.handleVouchers)
	mux.HandleFunc("/api/v1/exchange", s.handleExchange)
	mux.HandleFunc("/api/v1/accounts/", s.handleAccount)
	mux.HandleFunc("/api/v1/instructions", s.handleInstruction)
	mux.HandleFunc("/ws", s.handleWebsocket)

	handler := s.withCORS(mux)
	server := &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		err := server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			errCh <- nil
			return
		}
		errCh <- err
	}()

	s.logger.Info("api started",
		"listen_addr", s.cfg.ListenAddr,
		"program_id", s.cfg.ProgramID,
		"allowed_origins", strings.Join(s.cfg.AllowedOrigins, ","),
	)

	select {
	case <-ctx.Done():
		s.logger.Info("api stopping")
		if err := server.Shutdown(context.Background()); err != nil {
			return fmt.Errorf("shutdown api: %w", err)
		}
		return <-errCh
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen and serve: %w", err)
		}
		return nil
	}
}

type listResponse[T any] struct {
	Items  []T `json:"items"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

type healthResponse struct {
	OK bool `json:"ok"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

type accountResponse struct {
	Pubkey string `json:"pubkey"`
	Kind   string `json:"kind"`
	Data   string `json:"data_base64"`
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}
	s.respondJSON(w, http.StatusOK, healthResponse{OK: true})
}

func (s *Service) handleListings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}

	active, err := parseOptionalBool(r, "active")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, offset, err := parsePagination(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	items, normalizedLimit, normalizedOffset, err := s.store.ListListings(r.Context(), indexer.ListingFilter{
		Owner:   strings.TrimSpace(r.URL.Query().Get("owner")),
		NftMint: strings.TrimSpace(r.URL.Query().Get("nft_mint")),
		Active:  active,
		Limit:   limit,
		Offset:  offset,
	})
	if err != nil {
		s.logger.Error("list listings failed", "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to list listings")
		return
	}

	s.respondJSON(w, http.StatusOK, listResponse[indexer.ListingRecord]{
		Items:  items,
		Limit:  normalizedLimit,
		Offset: normalizedOffset,
	})
}

func (s *Service) handleBids(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}

	active, err := parseOptionalBool(r, "active")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	requiresRefund, err := parseOptionalBool(r, "requires_refund")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, offset, err := parsePagination(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	items, normalizedLimit, normalizedOffset, err := s.store.ListBids(r.Context(), indexer.BidFilter{
		Bidder:         strings.TrimSpace(r.URL.Query().Get("bidder")),
		NftMint:        strings.TrimSpace(r.URL.Query().Get("nft_mint")),
		Active:         active,
		RequiresRefund: requiresRefund,
		Limit:          limit,
		Offset:         offset,
	})
	if err != nil {
		s.logger.Error("list bids failed", "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to list bids")
		return
	}

	s.respondJSON(w, http.StatusOK, listResponse[indexer.BidRecord]{
		Items:  items,
		Limit:  normalizedLimit,
		Offset: normalizedOffset,
	})
}

func (s *Service) handleVouchers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}

	sold, err := parseOptionalBool(r, "sold")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, offset, err := parsePagination(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	items, normalizedLimit, normalizedOffset, err := s.store.ListVoucherStates(r.Context(), indexer.VoucherStateFilter{
		NftMint: strings.TrimSpace(r.URL.Query().Get("nft_mint")),
		Sold:    sold,
		Limit:   limit,
		Offset:  offset,
	})
	if err != nil {
		s.logger.Error("list voucher states failed", "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to list voucher states")
		return
	}

	s.respondJSON(w, http.StatusOK, listResponse[indexer.VoucherStateRecord]{
		Items:  items,
		Limit:  normalizedLimit,
		Offset: normalizedOffset,
	})
}

func (s *Service) handleExchange(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}

	record, err := s.store.GetExchange(r.Context())
	if err != nil {
		s.logger.Error("get exchange failed", "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to get exchange")
		return
	}
	if record == nil {
		s.respondError(w, http.StatusNotFound, "exchange not initialized")
		return
	}
	s.respondJSON(w, http.StatusOK, record)
}

// handleAccount serves raw account bytes for clients that recompute the
// program-derived address themselves and decode the wire layout.
func (s *Service) handleAccount(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}

	raw := strings.TrimPrefix(r.URL.Path, "/api/v1/accounts/")
	raw = strings.Trim(raw, "/")
	if raw == "" || strings.Contains(raw, "/") {
		s.respondError(w, http.StatusBadRequest, "account pubkey is required")
		return
	}
	pubkey, err := solana.PublicKeyFromBase58(raw)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid account pubkey")
		return
	}

	data, kind, err := s.engine.AccountData(pubkey)
	if err != nil {
		s.respondError(w, http.StatusNotFound, "account not found")
		return
	}

	s.respondJSON(w, http.StatusOK, accountResponse{
		Pubkey: pubkey.String(),
		Kind:   string(kind),
		Data:   base64.StdEncoding.EncodeToString(data),
	})
}

func (s *Service) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin != "" && s.isOriginAllowed(origin) {
			if s.allowAllOrigins {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Max-Age", "300")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Service) isOriginAllowed(origin string) bool {
	if s.allowAllOrigins {
		return true
	}
	_, ok := s.allowedOriginSet[origin]
	return ok
}

func parsePagination(r *http.Request) (int, int, error) {
	limit, err := parseOptionalInt(r, "limit", 0)
	if err != nil {
		return 0, 0, err
	}
	offset, err := parseOptionalInt(r, "offset", 0)
	if err != nil {
		return 0, 0, err
	}
	return limit, offset, nil
}

func parseOptionalInt(r *http.Request, key string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return value, nil
}

func parseOptionalBool(r *http.Request, key string) (*bool, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return nil, nil
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", key, err)
	}
	return &value, nil
}

func (s *Service) respondMethodNotAllowed(w http.ResponseWriter) {
	s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (s *Service) respondError(w http.ResponseWriter, code int, message string) {
	s.respondJSON(w, code, errorResponse{Error: message})
}

func (s *Service) respondJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to write JSON response", "err", err)
	}
}
