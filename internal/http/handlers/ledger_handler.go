// Points ledger HTTP handlers.
//
//   - GET  /points/balance
//   - POST /points/earn
//   - POST /points/spend
//   - GET  /points/entries
//   - GET  /points/audit
//
// Earn accepts only TRAIT_ADD and spend only PURCHASE; quiz and bonus
// reasons are written by their own flows.
package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/tbourn/go-affinity-backend/internal/domain"
	"github.com/tbourn/go-affinity-backend/internal/http/middleware"
	"github.com/tbourn/go-affinity-backend/internal/repo"
	"github.com/tbourn/go-affinity-backend/internal/services"
	"github.com/tbourn/go-affinity-backend/internal/utils"
)

// LedgerMutationRequest is the body of earn and spend.
type LedgerMutationRequest struct {
	Amount int64  `json:"amount" example:"50"`
	Reason string `json:"reason" example:"PURCHASE"`
	// RefID deduplicates retries. Idempotency-Key is used when omitted.
	RefID *string `json:"ref_id,omitempty" example:"order-8842"`
}

// bindMutation binds a LedgerMutationRequest, checks its reason against
// allowed and resolves its ref id. A body ref_id and an Idempotency-Key that
// disagree are rejected.
func bindMutation(c *gin.Context, allowed func(domain.LedgerReason) bool) (*LedgerMutationRequest, domain.LedgerReason, bool) {
	var req LedgerMutationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return nil, "", false
	}
	reason := domain.LedgerReason(strings.TrimSpace(req.Reason))
	if !allowed(reason) {
		fail(c, http.StatusBadRequest, ErrCodeInvalidReason, "reason not accepted on this route")
		return nil, "", false
	}
	key, hasKey := middleware.GetIdempotencyKey(c)
	switch {
	case req.RefID == nil || strings.TrimSpace(*req.RefID) == "":
		if hasKey {
			req.RefID = &key
		}
	case hasKey && strings.TrimSpace(*req.RefID) != key:
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "ref_id does not match Idempotency-Key")
		return nil, "", false
	}
	return &req, reason, true
}

// LedgerReplayLookup answers IdempotencyValidator for the earn and spend
// routes under basePath. A key is a replay only when the ledger already holds
// it under the (user, reason, ref) the route writes; other routes never
// bypass the rate limiter.
func LedgerReplayLookup(db *gorm.DB, basePath string) middleware.IdempotencyLookup {
	base := strings.TrimSuffix(basePath, "/")
	reasons := map[string]domain.LedgerReason{
		base + "/points/earn":  domain.ReasonTraitAdd,
		base + "/points/spend": domain.ReasonPurchase,
	}
	return func(ctx context.Context, route, userID, key string) (bool, error) {
		reason, ok := reasons[route]
		if !ok {
			return false, nil
		}
		return repo.LedgerRefExists(ctx, db, userID, reason, key)
	}
}

// GetBalance godoc
// @ID          getBalance
// @Summary     Current point balance
// @Description Returns the caller's balance and most recent ledger entries. A user who has never earned or spent reads as zero.
// @Tags        Points
// @Produce     json
// @Param       X-User-ID  header  string  true  "Acting user"  example(alice)
// @Success     200  {object} services.Balance
// @Failure     401  {object} handlers.ErrorResponse "Missing user"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /points/balance [get]
func (h *Handlers) GetBalance(c *gin.Context) {
	uid, okUser := requireUser(c)
	if !okUser {
		return
	}
	b, err := h.ledger.GetBalance(c.Request.Context(), uid)
	if err != nil {
		serviceError(c, err)
		return
	}
	ok(c, http.StatusOK, b)
}

// Earn godoc
// @ID          earnPoints
// @Summary     Credit points
// @Description Credits amount to the caller. Repeating the same (reason, ref_id) returns the first entry with replayed=true and credits nothing.
// @Tags        Points
// @Accept      json
// @Produce     json
// @Param       X-User-ID        header  string  true   "Acting user"  example(alice)
// @Param       Idempotency-Key  header  string  false  "Fallback ref_id"
// @Param       body             body    handlers.LedgerMutationRequest  true  "Credit"
// @Success     200  {object} services.EarnResult "Replayed credit"
// @Success     201  {object} services.EarnResult "New credit"
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     401  {object} handlers.ErrorResponse "Missing user"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /points/earn [post]
func (h *Handlers) Earn(c *gin.Context) {
	uid, okUser := requireUser(c)
	if !okUser {
		return
	}
	req, reason, valid := bindMutation(c, domain.LedgerReason.ExternalEarn)
	if !valid {
		return
	}
	res, err := h.ledger.Earn(c.Request.Context(), uid, req.Amount, reason, req.RefID)
	if err != nil {
		serviceError(c, err)
		return
	}
	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	ok(c, status, res)
}

// Spend godoc
// @ID          spendPoints
// @Summary     Debit points
// @Description Debits amount from the caller if the balance covers it. Insufficient funds is answered with 402 and the unchanged balance; nothing is written.
// @Tags        Points
// @Accept      json
// @Produce     json
// @Param       X-User-ID        header  string  true   "Acting user"  example(alice)
// @Param       Idempotency-Key  header  string  false  "Fallback ref_id"
// @Param       body             body    handlers.LedgerMutationRequest  true  "Debit"
// @Success     200  {object} services.SpendResult
// @Failure     402  {object} services.SpendResult "Insufficient funds"
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     401  {object} handlers.ErrorResponse "Missing user"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /points/spend [post]
func (h *Handlers) Spend(c *gin.Context) {
	uid, okUser := requireUser(c)
	if !okUser {
		return
	}
	req, reason, valid := bindMutation(c, domain.LedgerReason.ExternalSpend)
	if !valid {
		return
	}
	res, err := h.ledger.Spend(c.Request.Context(), uid, req.Amount, reason, req.RefID)
	if err != nil {
		serviceError(c, err)
		return
	}
	if !res.OK() {
		ok(c, http.StatusPaymentRequired, res)
		return
	}
	ok(c, http.StatusOK, res)
}

// ListEntries godoc
// @ID          listLedgerEntries
// @Summary     Ledger history
// @Description Cursor-paginated ledger entries, newest first.
// @Tags        Points
// @Produce     json
// @Param       X-User-ID  header  string  true   "Acting user"  example(alice)
// @Param       direction  query   string  false  "all, income or expense"  default(all)
// @Param       cursor     query   string  false  "next_cursor of the previous page"
// @Param       limit      query   int     false  "Page size"  minimum(1) maximum(100) default(20)
// @Success     200  {object} services.EntryPage
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     401  {object} handlers.ErrorResponse "Missing user"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /points/entries [get]
func (h *Handlers) ListEntries(c *gin.Context) {
	uid, okUser := requireUser(c)
	if !okUser {
		return
	}
	var dir repo.LedgerDirection
	switch strings.ToLower(c.DefaultQuery("direction", "all")) {
	case "all":
		dir = repo.LedgerAll
	case "income":
		dir = repo.LedgerIncome
	case "expense":
		dir = repo.LedgerExpense
	default:
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "direction must be all, income or expense")
		return
	}
	_, limit, _ := utils.ClampPage(1, utils.AtoiDefault(c.Query("limit"), utils.DefaultPageSize))

	page, err := h.ledger.ListEntries(c.Request.Context(), uid, services.EntryQuery{
		Direction: dir,
		Cursor:    c.Query("cursor"),
		Limit:     limit,
	})
	if err != nil {
		serviceError(c, err)
		return
	}
	ok(c, http.StatusOK, page)
}

// Audit godoc
// @ID          auditLedger
// @Summary     Conservation check
// @Description Compares the caller's balance with the sum of their ledger entries.
// @Tags        Points
// @Produce     json
// @Param       X-User-ID  header  string  true  "Acting user"  example(alice)
// @Success     200  {object} services.AuditReport
// @Failure     401  {object} handlers.ErrorResponse "Missing user"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /points/audit [get]
func (h *Handlers) Audit(c *gin.Context) {
	uid, okUser := requireUser(c)
	if !okUser {
		return
	}
	rep, err := h.ledger.Audit(c.Request.Context(), uid)
	if err != nil {
		serviceError(c, err)
		return
	}
	ok(c, http.StatusOK, rep)
}
