// Package server exposes the router façade over HTTP.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	ledgererr "shardledger/core/errors"
	"shardledger/core/types"
	"shardledger/gateway/middleware"
	"shardledger/gateway/respond"
	"shardledger/native/logic"
	"shardledger/native/router"
	"shardledger/native/txguard"
	"shardledger/services/ledgerd/stream"
	"shardledger/storage/journal"
)

const maxRequestBody = 1 << 20

// Config captures the dependencies required to construct the server.
// Journal, Stream, RateLimiter and Observability are optional.
type Config struct {
	Router        *router.Router
	Journal       *journal.Journal
	Stream        *stream.Hub
	Auth          *middleware.Authenticator
	RateLimiter   *middleware.RateLimiter
	Observability *middleware.Observability
	Logger        *slog.Logger

	// OriginPatterns lists the hosts allowed to open the event websocket
	// from a browser. Same-origin requests are always accepted.
	OriginPatterns []string
}

// Server serves the public ledger API.
type Server struct {
	router  *router.Router
	journal *journal.Journal
	stream  *stream.Hub
	auth    *middleware.Authenticator
	limiter *middleware.RateLimiter
	obs     *middleware.Observability
	logger  *slog.Logger
	handler http.Handler

	originPatterns []string
}

func New(cfg Config) (*Server, error) {
	if cfg.Router == nil {
		return nil, errors.New("server: router required")
	}
	if cfg.Auth == nil {
		return nil, errors.New("server: authenticator required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		router:  cfg.Router,
		journal: cfg.Journal,
		stream:  cfg.Stream,
		auth:    cfg.Auth,
		limiter: cfg.RateLimiter,
		obs:     cfg.Observability,
		logger:  logger.With("component", "ledgerd.server"),

		originPatterns: cfg.OriginPatterns,
	}
	s.handler = s.routes()
	return s, nil
}

func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		respond.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.auth.Middleware())

		r.With(s.wrap("mint")...).Post("/mint", s.handleMint)
		r.With(s.wrap("burn")...).Post("/burn", s.handleBurn)
		r.With(s.wrap("transfer")...).Post("/transfer", s.handleTransfer)
		r.With(s.wrap("approve")...).Post("/approve", s.handleApprove)
		r.With(s.wrap("permit")...).Post("/permit", s.handlePermit)
		r.With(s.wrap("tx")...).Get("/tx/{sequence}", s.handleGetTx)
		r.With(s.wrap("tx")...).Delete("/tx/{sequence}", s.handleClearTx)
		r.With(s.wrap("tx")...).Get("/permits/{token}/{nonce}", s.handleGetPermit)
		r.With(s.wrap("tx")...).Delete("/permits/{token}/{nonce}", s.handleClearPermit)

		r.With(s.wrap("read")...).Get("/balances/{token}", s.handleBalances)
		r.With(s.wrap("read")...).Get("/balances/{token}/{account}", s.handleBalance)
		r.With(s.wrap("read")...).Get("/allowances/{token}/{owner}/{operator}", s.handleAllowance)
		r.With(s.wrap("read")...).Get("/nonces/{token}/{account}", s.handleNonce)
		r.With(s.wrap("read")...).Get("/supply/{token}", s.handleSupply)
		// No per-route wrapping: the websocket upgrade needs the raw writer.
		r.Get("/events", s.handleEvents)

		r.Group(func(r chi.Router) {
			r.Use(s.auth.Middleware(middleware.ScopeAdmin))
			r.With(s.wrap("admin")...).Get("/journal", s.handleJournal)
			r.With(s.wrap("admin")...).Get("/journal/incidents", s.handleIncidents)
			r.With(s.wrap("admin")...).Get("/admin/pending", s.handlePending)
			r.With(s.wrap("admin")...).Get("/admin/guards", s.handleGuards)
		})
	})
	return otelhttp.NewHandler(r, "ledgerd")
}

// wrap returns the per-route middleware chain.
func (s *Server) wrap(route string) []func(http.Handler) http.Handler {
	var chain []func(http.Handler) http.Handler
	if s.obs != nil {
		chain = append(chain, s.obs.Middleware(route))
	}
	if s.limiter != nil {
		chain = append(chain, s.limiter.Middleware(route))
	}
	return chain
}

// submitRequest is the body of every write endpoint.
type submitRequest struct {
	Sequence uint64          `json:"sequence"`
	Kind     string          `json:"kind,omitempty"`
	Intent   json.RawMessage `json:"intent"`
}

func parseKind(raw string) (txguard.Kind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "new":
		return txguard.New, nil
	case "retry":
		return txguard.Retry, nil
	}
	return 0, fmt.Errorf("unknown request kind %q", raw)
}

// decodeSubmit reads the request envelope and its intent into dst.
func decodeSubmit(w http.ResponseWriter, r *http.Request, dst any) (router.Request, bool) {
	var body submitRequest
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		respond.BadRequest(w, "invalid request body")
		return router.Request{}, false
	}
	kind, err := parseKind(body.Kind)
	if err != nil {
		respond.BadRequest(w, err.Error())
		return router.Request{}, false
	}
	if len(body.Intent) == 0 {
		respond.BadRequest(w, "intent required")
		return router.Request{}, false
	}
	if err := json.Unmarshal(body.Intent, dst); err != nil {
		respond.BadRequest(w, "invalid intent: "+err.Error())
		return router.Request{}, false
	}
	return router.Request{Kind: kind, Sequence: body.Sequence}, true
}

func (s *Server) caller(w http.ResponseWriter, r *http.Request) (types.Account, bool) {
	caller, ok := middleware.CallerFromContext(r.Context())
	if !ok {
		respond.JSON(w, http.StatusUnauthorized, respond.ErrorBody{Code: ledgererr.ErrUnauthorized.Code, Error: "caller required"})
		return types.Account{}, false
	}
	return caller, true
}

// submit runs one write and writes its receipt. Failed sagas still carry
// the receipt so clients learn the fingerprint they can query.
func (s *Server) submit(w http.ResponseWriter, r *http.Request, intent logic.Intent, req router.Request, caller types.Account) {
	receipt, err := s.router.Submit(r.Context(), caller, req, intent)
	if err != nil {
		s.logger.Debug("submit failed",
			"request_id", middleware.RequestIDFromContext(r.Context()),
			"caller", caller.String(),
			"intent", string(intent.Kind()),
			"error", err)
		status := respond.StatusOf(err)
		if receipt.Outcome.Status == "" {
			respond.Error(w, err)
			return
		}
		respond.JSON(w, status, struct {
			respond.ErrorBody
			Receipt router.Receipt `json:"receipt"`
		}{respond.ErrorBody{Code: ledgererr.CodeOf(err), Error: err.Error()}, receipt})
		return
	}
	respond.JSON(w, http.StatusOK, receipt)
}

func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var intent logic.Mint
	if req, ok := decodeSubmit(w, r, &intent); ok {
		s.submit(w, r, intent, req, caller)
	}
}

func (s *Server) handleBurn(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var intent logic.Burn
	if req, ok := decodeSubmit(w, r, &intent); ok {
		s.submit(w, r, intent, req, caller)
	}
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var intent logic.Transfer
	if req, ok := decodeSubmit(w, r, &intent); ok {
		s.submit(w, r, intent, req, caller)
	}
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var intent logic.Approve
	if req, ok := decodeSubmit(w, r, &intent); ok {
		s.submit(w, r, intent, req, caller)
	}
}

func (s *Server) handlePermit(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var intent logic.Permit
	if req, ok := decodeSubmit(w, r, &intent); ok {
		s.submit(w, r, intent, req, caller)
	}
}

func sequenceParam(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	seq, err := strconv.ParseUint(chi.URLParam(r, "sequence"), 10, 64)
	if err != nil {
		respond.BadRequest(w, "invalid sequence")
		return 0, false
	}
	return seq, true
}

func (s *Server) handleGetTx(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	seq, ok := sequenceParam(w, r)
	if !ok {
		return
	}
	rec, err := s.router.Transaction(r.Context(), caller, seq)
	if err != nil {
		respond.Error(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, rec)
}

func (s *Server) handleClearTx(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	seq, ok := sequenceParam(w, r)
	if !ok {
		return
	}
	if err := s.router.Clear(r.Context(), caller, seq); err != nil {
		respond.Error(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// permitParams reads the token and nonce of a permit record owned by the
// authenticated caller.
func (s *Server) permitParams(w http.ResponseWriter, r *http.Request) (types.Account, types.TokenID, uint64, bool) {
	owner, ok := s.caller(w, r)
	if !ok {
		return types.Account{}, 0, 0, false
	}
	token, ok := tokenParam(w, r)
	if !ok {
		return types.Account{}, 0, 0, false
	}
	nonce, err := strconv.ParseUint(chi.URLParam(r, "nonce"), 10, 64)
	if err != nil {
		respond.BadRequest(w, "invalid nonce")
		return types.Account{}, 0, 0, false
	}
	return owner, token, nonce, true
}

func (s *Server) handleGetPermit(w http.ResponseWriter, r *http.Request) {
	owner, token, nonce, ok := s.permitParams(w, r)
	if !ok {
		return
	}
	rec, err := s.router.PermitTransaction(r.Context(), owner, token, nonce)
	if err != nil {
		respond.Error(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, rec)
}

func (s *Server) handleClearPermit(w http.ResponseWriter, r *http.Request) {
	owner, token, nonce, ok := s.permitParams(w, r)
	if !ok {
		return
	}
	if err := s.router.ClearPermit(r.Context(), owner, token, nonce); err != nil {
		respond.Error(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type amountReply struct {
	Token  types.TokenID `json:"token"`
	Amount *uint256.Int  `json:"amount"`
}

type holdingReply struct {
	Account types.Account `json:"account"`
	Amount  *uint256.Int  `json:"amount"`
}

func tokenParam(w http.ResponseWriter, r *http.Request) (types.TokenID, bool) {
	token, err := types.ParseTokenID(chi.URLParam(r, "token"))
	if err != nil {
		respond.BadRequest(w, err.Error())
		return 0, false
	}
	return token, true
}

func accountParam(w http.ResponseWriter, raw, name string) (types.Account, bool) {
	acct, err := types.ParseAccount(raw)
	if err != nil {
		respond.BadRequest(w, fmt.Sprintf("invalid %s: %v", name, err))
		return types.Account{}, false
	}
	return acct, true
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	token, ok := tokenParam(w, r)
	if !ok {
		return
	}
	acct, ok := accountParam(w, chi.URLParam(r, "account"), "account")
	if !ok {
		return
	}
	bal, err := s.router.BalanceOf(r.Context(), token, acct)
	if err != nil {
		respond.Error(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, amountReply{Token: token, Amount: bal})
}

func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request) {
	token, ok := tokenParam(w, r)
	if !ok {
		return
	}
	raw := r.URL.Query()["account"]
	if len(raw) == 0 {
		respond.BadRequest(w, "at least one account required")
		return
	}
	accounts := make([]types.Account, 0, len(raw))
	for _, value := range raw {
		acct, ok := accountParam(w, value, "account")
		if !ok {
			return
		}
		accounts = append(accounts, acct)
	}
	balances, err := s.router.BalancesOf(r.Context(), token, accounts)
	if err != nil {
		respond.Error(w, err)
		return
	}
	out := make([]holdingReply, len(accounts))
	for i := range accounts {
		out[i] = holdingReply{Account: accounts[i], Amount: balances[i]}
	}
	respond.JSON(w, http.StatusOK, out)
}

func (s *Server) handleAllowance(w http.ResponseWriter, r *http.Request) {
	token, ok := tokenParam(w, r)
	if !ok {
		return
	}
	owner, ok := accountParam(w, chi.URLParam(r, "owner"), "owner")
	if !ok {
		return
	}
	operator, ok := accountParam(w, chi.URLParam(r, "operator"), "operator")
	if !ok {
		return
	}
	v, err := s.router.AllowanceOf(r.Context(), token, owner, operator)
	if err != nil {
		respond.Error(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, amountReply{Token: token, Amount: v})
}

func (s *Server) handleNonce(w http.ResponseWriter, r *http.Request) {
	token, ok := tokenParam(w, r)
	if !ok {
		return
	}
	acct, ok := accountParam(w, chi.URLParam(r, "account"), "account")
	if !ok {
		return
	}
	nonce, err := s.router.PermitNonceOf(r.Context(), token, acct)
	if err != nil {
		respond.Error(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, map[string]uint64{"nonce": nonce})
}

func (s *Server) handleSupply(w http.ResponseWriter, r *http.Request) {
	token, ok := tokenParam(w, r)
	if !ok {
		return
	}
	supply, err := s.router.TotalSupply(r.Context(), token)
	if err != nil {
		respond.Error(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, amountReply{Token: token, Amount: supply})
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		respond.JSON(w, http.StatusNotFound, respond.ErrorBody{Error: "journal disabled"})
		return
	}
	q := r.URL.Query()
	filter := journal.Filter{Caller: q.Get("caller"), Status: q.Get("status")}
	if raw := q.Get("after"); raw != "" {
		after, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			respond.BadRequest(w, "invalid after")
			return
		}
		filter.AfterID = after
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			respond.BadRequest(w, "invalid limit")
			return
		}
		filter.Limit = limit
	}
	entries, err := s.journal.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("journal list failed", "error", err)
		respond.JSON(w, http.StatusInternalServerError, respond.ErrorBody{Error: "journal unavailable"})
		return
	}
	respond.JSON(w, http.StatusOK, entries)
}

func (s *Server) handleIncidents(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		respond.JSON(w, http.StatusNotFound, respond.ErrorBody{Error: "journal disabled"})
		return
	}
	incidents, err := s.journal.Incidents(r.Context())
	if err != nil {
		s.logger.Error("journal incidents failed", "error", err)
		respond.JSON(w, http.StatusInternalServerError, respond.ErrorBody{Error: "journal unavailable"})
		return
	}
	respond.JSON(w, http.StatusOK, incidents)
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	records, err := s.router.Pending(r.Context())
	if err != nil {
		respond.Error(w, err)
		return
	}
	if records == nil {
		records = []*logic.Record{}
	}
	respond.JSON(w, http.StatusOK, records)
}

func (s *Server) handleGuards(w http.ResponseWriter, _ *http.Request) {
	guards := s.router.Guards()
	respond.JSON(w, http.StatusOK, struct {
		Capacity int             `json:"capacity"`
		Entries  []txguard.Entry `json:"entries"`
	}{guards.Capacity(), guards.Entries()})
}
