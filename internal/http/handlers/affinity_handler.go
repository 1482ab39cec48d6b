// Affinity and ranking HTTP handlers.
//
//   - GET /affinity/{targetId}
//   - GET /affinity/{targetId}/can-quiz
//   - GET /rankings
package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-affinity-backend/internal/services"
	"github.com/tbourn/go-affinity-backend/internal/utils"
)

// CanQuizResponse answers the quiz pre-check.
type CanQuizResponse struct {
	TargetID string `json:"target_id" example:"bob"`
	CanQuiz  bool   `json:"can_quiz"  example:"true"`
}

// RankingResponse wraps a viewer's ranking.
type RankingResponse struct {
	ViewerID string                  `json:"viewer_id" example:"alice"`
	Items    []services.RankedTarget `json:"items"`
}

// GetAffinity godoc
// @ID          getAffinity
// @Summary     Directed affinity toward a target
// @Description Score and unlocked stages of the caller toward targetId. An absent pair reads as score 0.
// @Tags        Affinity
// @Produce     json
// @Param       X-User-ID  header  string  true  "Acting user"  example(alice)
// @Param       targetId   path    string  true  "Target user"  example(bob)
// @Success     200  {object} services.AffinityView
// @Failure     401  {object} handlers.ErrorResponse "Missing user"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /affinity/{targetId} [get]
func (h *Handlers) GetAffinity(c *gin.Context) {
	uid, okUser := requireUser(c)
	if !okUser {
		return
	}
	v, err := h.affinity.Get(c.Request.Context(), uid, strings.TrimSpace(c.Param("targetId")))
	if err != nil {
		serviceError(c, err)
		return
	}
	ok(c, http.StatusOK, v)
}

// CanQuiz godoc
// @ID          canQuiz
// @Summary     Whether a quiz could start now
// @Description Read-only: true when the entry cost is affordable and the pair's rate limit has room.
// @Tags        Affinity
// @Produce     json
// @Param       X-User-ID  header  string  true  "Acting user"  example(alice)
// @Param       targetId   path    string  true  "Target user"  example(bob)
// @Success     200  {object} handlers.CanQuizResponse
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     401  {object} handlers.ErrorResponse "Missing user"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /affinity/{targetId}/can-quiz [get]
func (h *Handlers) CanQuiz(c *gin.Context) {
	uid, okUser := requireUser(c)
	if !okUser {
		return
	}
	target := strings.TrimSpace(c.Param("targetId"))
	can, err := h.affinity.CanQuiz(c.Request.Context(), uid, target)
	if err != nil {
		serviceError(c, err)
		return
	}
	ok(c, http.StatusOK, CanQuizResponse{TargetID: target, CanQuiz: can})
}

// GetRanking godoc
// @ID          getRanking
// @Summary     Caller's ranking
// @Description Targets ordered by the caller's affinity, highest first.
// @Tags        Affinity
// @Produce     json
// @Param       X-User-ID  header  string  true   "Acting user"  example(alice)
// @Param       top_n      query   int     false  "Max rows; server default when omitted"  minimum(1) maximum(100)
// @Success     200  {object} handlers.RankingResponse
// @Failure     401  {object} handlers.ErrorResponse "Missing user"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /rankings [get]
func (h *Handlers) GetRanking(c *gin.Context) {
	uid, okUser := requireUser(c)
	if !okUser {
		return
	}
	topN := utils.AtoiDefault(c.Query("top_n"), 0)
	if topN > utils.MaxPageSize {
		topN = utils.MaxPageSize
	}
	items, err := h.ranking.GetRanking(c.Request.Context(), uid, topN)
	if err != nil {
		serviceError(c, err)
		return
	}
	if items == nil {
		items = []services.RankedTarget{}
	}
	ok(c, http.StatusOK, RankingResponse{ViewerID: uid, Items: items})
}
