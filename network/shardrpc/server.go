// Package shardrpc serves a storage shard over HTTP and provides the
// orchestrator-side client for it.
package shardrpc

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	ledgererr "shardledger/core/errors"
	"shardledger/core/types"
	"shardledger/gateway/middleware"
	"shardledger/gateway/respond"
	"shardledger/native/shard"
)

const maxRequestBody = 1 << 20

// ExecuteRequest is the body of POST /shard/v1/execute.
type ExecuteRequest struct {
	Fingerprint types.Fingerprint `json:"fingerprint"`
	Action      shard.Action      `json:"action"`
}

type amountReply struct {
	Amount string `json:"amount"`
}

type nonceReply struct {
	Nonce uint64 `json:"nonce"`
}

// Server exposes one shard. The authenticated token subject is the sender
// the shard checks against its logic account.
type Server struct {
	shard  *shard.Shard
	auth   *middleware.Authenticator
	logger *slog.Logger
	router http.Handler
}

func NewServer(s *shard.Shard, auth *middleware.Authenticator, logger *slog.Logger) *Server {
	if s == nil {
		panic("shard required")
	}
	if auth == nil {
		auth = middleware.NewAuthenticator(middleware.AuthConfig{}, logger)
	}
	if logger == nil {
		logger = slog.Default()
	}
	srv := &Server{shard: s, auth: auth, logger: logger.With("component", "shardrpc", "shard", s.Address().String())}
	srv.router = srv.buildRouter()
	return srv
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(chimw.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		respond.JSON(w, http.StatusOK, map[string]string{"status": "ok", "shard": s.shard.Address().String()})
	})
	r.Route("/shard/v1", func(api chi.Router) {
		api.Use(s.auth.Middleware())
		api.Post("/execute", s.execute)
		api.Get("/balance", s.balance)
		api.Get("/allowance", s.allowance)
		api.Get("/nonce", s.nonce)
	})
	return r
}

func (s *Server) execute(w http.ResponseWriter, r *http.Request) {
	sender, ok := middleware.CallerFromContext(r.Context())
	if !ok {
		respond.Error(w, ledgererr.ErrUnauthorized)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		respond.BadRequest(w, "read body")
		return
	}
	var req ExecuteRequest
	if err := json.Unmarshal(body, &req); err != nil {
		respond.BadRequest(w, "invalid JSON payload: "+err.Error())
		return
	}
	if err := s.shard.Execute(r.Context(), sender, req.Fingerprint, req.Action); err != nil {
		if ledgererr.KindOf(err) != ledgererr.KindBusiness {
			s.logger.Warn("execute rejected", "fingerprint", req.Fingerprint.String(), "op", req.Action.Op, "error", err)
		}
		respond.Error(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) balance(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	token, err := types.ParseTokenID(q.Get("token"))
	if err != nil {
		respond.BadRequest(w, "invalid token")
		return
	}
	account, err := types.ParseAccount(q.Get("account"))
	if err != nil {
		respond.BadRequest(w, "invalid account")
		return
	}
	amount, err := s.shard.Balance(token, account)
	if err != nil {
		respond.Error(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, amountReply{Amount: amount.Dec()})
}

func (s *Server) allowance(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	token, err := types.ParseTokenID(q.Get("token"))
	if err != nil {
		respond.BadRequest(w, "invalid token")
		return
	}
	owner, err := types.ParseAccount(q.Get("owner"))
	if err != nil {
		respond.BadRequest(w, "invalid owner")
		return
	}
	operator, err := types.ParseAccount(q.Get("operator"))
	if err != nil {
		respond.BadRequest(w, "invalid operator")
		return
	}
	amount, err := s.shard.Allowance(token, owner, operator)
	if err != nil {
		respond.Error(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, amountReply{Amount: amount.Dec()})
}

func (s *Server) nonce(w http.ResponseWriter, r *http.Request) {
	account, err := types.ParseAccount(r.URL.Query().Get("account"))
	if err != nil {
		respond.BadRequest(w, "invalid account")
		return
	}
	n, err := s.shard.PermitNonce(account)
	if err != nil {
		respond.Error(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, nonceReply{Nonce: n})
}

