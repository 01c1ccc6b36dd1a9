package fund

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/defunds/fund-engine/internal/middleware"
	"github.com/defunds/fund-engine/internal/model"
)

// Routes mounts the fund API on r.
func (s *Service) Routes(r chi.Router) {
	r.Get("/funds", s.HandleListFunds)
	r.Post("/funds", s.HandleCreateFund)

	r.Route("/funds/{fundID}", func(r chi.Router) {
		r.Get("/", s.HandleGetFund)
		r.Patch("/", s.HandleUpdateFund)

		r.Post("/deposit", s.HandleDeposit)
		r.Post("/withdraw", s.HandleWithdraw)

		// Proportional withdrawal workflow of the caller.
		r.Post("/withdrawals", s.HandleInitiateWithdrawal)
		r.Delete("/withdrawals", s.HandleAbandonWithdrawal)
		r.Get("/withdrawals/{investor}", s.HandleGetWithdrawal)
		r.Post("/withdrawals/legs", s.HandleLiquidateLeg)
		r.Post("/withdrawals/ready", s.HandleMarkReady)
		r.Post("/withdrawals/finalize", s.HandleFinalizeWithdrawal)

		// Manager operations.
		r.Post("/swap/authorization", s.HandleAuthorizeSwap)
		r.Delete("/swap/authorization", s.HandleRevokeSwap)
		r.Post("/swap", s.HandleExecuteSwap)
		r.Post("/payouts", s.HandlePayInvestors)
		r.Post("/nav", s.HandleWriteNav)

		r.Get("/positions/{investor}", s.HandleGetPosition)
		r.Get("/trades", s.HandleListTrades)
	})

	r.Get("/holdings/{holder}/{asset}", s.HandleBalance)
	r.Post("/dev/credit", s.HandleCredit)
}

// --- Request bodies without a service-level type ---

type amountRequest struct {
	Amount uint64 `json:"amount"`
}

type sharesRequest struct {
	Shares uint64 `json:"shares"`
}

type revokeRequest struct {
	Asset string `json:"asset"`
}

// --- Fund lifecycle ---

// HandleListFunds handles GET /api/v1/funds
// Optionally filtered by ?manager=<id>.
func (s *Service) HandleListFunds(w http.ResponseWriter, r *http.Request) {
	funds, err := s.ListFunds(r.Context(), r.URL.Query().Get("manager"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, funds)
}

// HandleCreateFund handles POST /api/v1/funds
func (s *Service) HandleCreateFund(w http.ResponseWriter, r *http.Request) {
	var req CreateFundRequest
	if !decode(w, r, &req) {
		return
	}
	f, err := s.CreateFund(r.Context(), middleware.Caller(r.Context()), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, f)
}

// HandleGetFund handles GET /api/v1/funds/{fundID}
func (s *Service) HandleGetFund(w http.ResponseWriter, r *http.Request) {
	f, err := s.GetFund(r.Context(), chi.URLParam(r, "fundID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

// HandleUpdateFund handles PATCH /api/v1/funds/{fundID}
func (s *Service) HandleUpdateFund(w http.ResponseWriter, r *http.Request) {
	var req UpdateFundRequest
	if !decode(w, r, &req) {
		return
	}
	f, err := s.UpdateFund(r.Context(), middleware.Caller(r.Context()), chi.URLParam(r, "fundID"), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

// --- Deposits and withdrawals ---

// HandleDeposit handles POST /api/v1/funds/{fundID}/deposit
func (s *Service) HandleDeposit(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.Deposit(r.Context(), middleware.Caller(r.Context()), chi.URLParam(r, "fundID"), req.Amount)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HandleWithdraw handles POST /api/v1/funds/{fundID}/withdraw
func (s *Service) HandleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req sharesRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.Withdraw(r.Context(), middleware.Caller(r.Context()), chi.URLParam(r, "fundID"), req.Shares)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HandleInitiateWithdrawal handles POST /api/v1/funds/{fundID}/withdrawals
func (s *Service) HandleInitiateWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req sharesRequest
	if !decode(w, r, &req) {
		return
	}
	ws, err := s.InitiateWithdrawal(r.Context(), middleware.Caller(r.Context()), chi.URLParam(r, "fundID"), req.Shares)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ws)
}

// HandleGetWithdrawal handles GET /api/v1/funds/{fundID}/withdrawals/{investor}
func (s *Service) HandleGetWithdrawal(w http.ResponseWriter, r *http.Request) {
	view, err := s.GetWithdrawal(r.Context(), chi.URLParam(r, "fundID"), chi.URLParam(r, "investor"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// HandleLiquidateLeg handles POST /api/v1/funds/{fundID}/withdrawals/legs
func (s *Service) HandleLiquidateLeg(w http.ResponseWriter, r *http.Request) {
	var req LegRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.LiquidateLeg(r.Context(), middleware.Caller(r.Context()), chi.URLParam(r, "fundID"), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HandleMarkReady handles POST /api/v1/funds/{fundID}/withdrawals/ready
func (s *Service) HandleMarkReady(w http.ResponseWriter, r *http.Request) {
	ws, err := s.MarkWithdrawalReady(r.Context(), middleware.Caller(r.Context()), chi.URLParam(r, "fundID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ws)
}

// HandleFinalizeWithdrawal handles POST /api/v1/funds/{fundID}/withdrawals/finalize
func (s *Service) HandleFinalizeWithdrawal(w http.ResponseWriter, r *http.Request) {
	st, err := s.FinalizeWithdrawal(r.Context(), middleware.Caller(r.Context()), chi.URLParam(r, "fundID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// HandleAbandonWithdrawal handles DELETE /api/v1/funds/{fundID}/withdrawals
func (s *Service) HandleAbandonWithdrawal(w http.ResponseWriter, r *http.Request) {
	ws, err := s.AbandonWithdrawal(r.Context(), middleware.Caller(r.Context()), chi.URLParam(r, "fundID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ws)
}

// --- Manager operations ---

// HandleAuthorizeSwap handles POST /api/v1/funds/{fundID}/swap/authorization
func (s *Service) HandleAuthorizeSwap(w http.ResponseWriter, r *http.Request) {
	var req AuthorizeSwapRequest
	if !decode(w, r, &req) {
		return
	}
	d, err := s.AuthorizeSwap(r.Context(), middleware.Caller(r.Context()), chi.URLParam(r, "fundID"), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

// HandleRevokeSwap handles DELETE /api/v1/funds/{fundID}/swap/authorization
// The asset comes from ?asset= or a JSON body.
func (s *Service) HandleRevokeSwap(w http.ResponseWriter, r *http.Request) {
	assetID := r.URL.Query().Get("asset")
	if assetID == "" {
		var req revokeRequest
		if !decode(w, r, &req) {
			return
		}
		assetID = req.Asset
	}
	if err := s.RevokeSwap(r.Context(), middleware.Caller(r.Context()), chi.URLParam(r, "fundID"), assetID); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleExecuteSwap handles POST /api/v1/funds/{fundID}/swap
func (s *Service) HandleExecuteSwap(w http.ResponseWriter, r *http.Request) {
	var req SwapRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.ExecuteSwap(r.Context(), middleware.Caller(r.Context()), chi.URLParam(r, "fundID"), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HandlePayInvestors handles POST /api/v1/funds/{fundID}/payouts
func (s *Service) HandlePayInvestors(w http.ResponseWriter, r *http.Request) {
	var req PayInvestorsRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.PayInvestors(r.Context(), middleware.Caller(r.Context()), chi.URLParam(r, "fundID"), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HandleWriteNav handles POST /api/v1/funds/{fundID}/nav
func (s *Service) HandleWriteNav(w http.ResponseWriter, r *http.Request) {
	var req NavRequest
	if !decode(w, r, &req) {
		return
	}
	nav, err := s.WriteNavAttestation(r.Context(), middleware.Caller(r.Context()), chi.URLParam(r, "fundID"), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nav)
}

// --- Queries ---

// HandleGetPosition handles GET /api/v1/funds/{fundID}/positions/{investor}
func (s *Service) HandleGetPosition(w http.ResponseWriter, r *http.Request) {
	view, err := s.GetPosition(r.Context(), chi.URLParam(r, "fundID"), chi.URLParam(r, "investor"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// HandleListTrades handles GET /api/v1/funds/{fundID}/trades
func (s *Service) HandleListTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := s.ListTrades(r.Context(), chi.URLParam(r, "fundID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trades)
}

// HandleBalance handles GET /api/v1/holdings/{holder}/{asset}
func (s *Service) HandleBalance(w http.ResponseWriter, r *http.Request) {
	holder, assetID := chi.URLParam(r, "holder"), chi.URLParam(r, "asset")
	bal, err := s.Balance(r.Context(), holder, assetID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"holder": holder, "asset": assetID, "balance": bal})
}

// HandleCredit handles POST /api/v1/dev/credit
func (s *Service) HandleCredit(w http.ResponseWriter, r *http.Request) {
	var req CreditRequest
	if !decode(w, r, &req) {
		return
	}
	bal, err := s.Credit(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"holder": req.Holder, "asset": req.Asset, "balance": bal})
}

// --- Helpers ---

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// StatusFor maps an error to its HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrInvalidInput),
		errors.Is(err, model.ErrInvalidAmount),
		errors.Is(err, model.ErrInvalidShares),
		errors.Is(err, model.ErrInvalidFee):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrInsufficientFunds),
		errors.Is(err, model.ErrInvalidWithdrawalStatus),
		errors.Is(err, model.ErrSlippageExceeded),
		errors.Is(err, model.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, model.ErrMathOverflow):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrInvocationFailed):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeServiceError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("fund operation failed", "err", err)
		msg = "internal error"
	}
	writeError(w, msg, status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
