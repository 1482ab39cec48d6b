// Quiz HTTP handlers.
//
//   - POST /quiz/sessions
//   - POST /quiz/sessions/{id}/answers
//   - GET  /quiz/sessions/{id}/answers
//   - POST /quiz/sessions/{id}/end
//
// A refused start is not an error: the StartResult is returned as-is with a
// status code naming the refusal, so clients see the balance either way.
package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-affinity-backend/internal/domain"
	"github.com/tbourn/go-affinity-backend/internal/services"
)

// StartQuizRequest is the body of a quiz start.
type StartQuizRequest struct {
	TargetID string `json:"target_id" example:"bob"`
	// Mode defaults to "standard".
	Mode string `json:"mode,omitempty" example:"standard"`
}

// AnswerQuizRequest is one resolved question. The question bank lives
// client-side; Correct is the option the bank marks as right.
type AnswerQuizRequest struct {
	QuestionID string `json:"question_id" example:"q-7"`
	Chosen     string `json:"chosen"      example:"coffee"`
	Correct    string `json:"correct"     example:"coffee"`
}

// QuizAnswersResponse lists a session's answers.
type QuizAnswersResponse struct {
	SessionID string              `json:"session_id"`
	Answers   []domain.QuizAnswer `json:"answers"`
}

var startStatusCodes = map[services.StartStatus]int{
	services.StartAccepted:          http.StatusCreated,
	services.StartInsufficientFunds: http.StatusPaymentRequired,
	services.StartRateLimited:       http.StatusTooManyRequests,
	services.StartAffinityTooLow:    http.StatusForbidden,
}

// StartQuiz godoc
// @ID          startQuiz
// @Summary     Start a quiz round
// @Description Charges the entry cost and opens a session about target_id. Refusals return the StartResult with 402 (insufficient funds), 429 (pair rate limit) or 403 (affinity below the mode minimum); nothing is charged.
// @Tags        Quiz
// @Accept      json
// @Produce     json
// @Param       X-User-ID  header  string  true  "Acting user"  example(alice)
// @Param       body       body    handlers.StartQuizRequest  true  "Target and mode"
// @Success     201  {object} services.StartResult
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     402  {object} services.StartResult "Insufficient funds"
// @Failure     403  {object} services.StartResult "Affinity too low"
// @Failure     429  {object} services.StartResult "Rate limited"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /quiz/sessions [post]
func (h *Handlers) StartQuiz(c *gin.Context) {
	uid, okUser := requireUser(c)
	if !okUser {
		return
	}
	var req StartQuizRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.TargetID) == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "target_id required")
		return
	}
	res, err := h.quiz.StartSession(c.Request.Context(), uid, strings.TrimSpace(req.TargetID), strings.TrimSpace(req.Mode))
	if err != nil {
		serviceError(c, err)
		return
	}
	status, known := startStatusCodes[res.Status]
	if !known {
		status = http.StatusOK
	}
	ok(c, status, res)
}

// AnswerQuiz godoc
// @ID          answerQuiz
// @Summary     Resolve one question
// @Description Applies the affinity delta (and any configured reward or penalty) for one question. Re-sending an answered question returns the stored outcome with replayed=true.
// @Tags        Quiz
// @Accept      json
// @Produce     json
// @Param       X-User-ID  header  string  true  "Acting user"  example(alice)
// @Param       id         path    string  true  "Session ID"  format(uuid)
// @Param       body       body    handlers.AnswerQuizRequest  true  "Answer"
// @Success     200  {object} services.AnswerResult
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     404  {object} handlers.ErrorResponse "Session not found"
// @Failure     409  {object} handlers.ErrorResponse "Session ended"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /quiz/sessions/{id}/answers [post]
func (h *Handlers) AnswerQuiz(c *gin.Context) {
	uid, okUser := requireUser(c)
	if !okUser {
		return
	}
	var req AnswerQuizRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	res, err := h.quiz.ResolveAnswer(c.Request.Context(), services.AnswerInput{
		SessionID:  c.Param("id"),
		AskerID:    uid,
		QuestionID: req.QuestionID,
		Chosen:     req.Chosen,
		Correct:    req.Correct,
	})
	if err != nil {
		serviceError(c, err)
		return
	}
	ok(c, http.StatusOK, res)
}

// ListQuizAnswers godoc
// @ID          listQuizAnswers
// @Summary     Answers of a session
// @Tags        Quiz
// @Produce     json
// @Param       X-User-ID  header  string  true  "Acting user"  example(alice)
// @Param       id         path    string  true  "Session ID"  format(uuid)
// @Success     200  {object} handlers.QuizAnswersResponse
// @Failure     404  {object} handlers.ErrorResponse "Session not found"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /quiz/sessions/{id}/answers [get]
func (h *Handlers) ListQuizAnswers(c *gin.Context) {
	uid, okUser := requireUser(c)
	if !okUser {
		return
	}
	items, err := h.quiz.Answers(c.Request.Context(), c.Param("id"), uid)
	if err != nil {
		serviceError(c, err)
		return
	}
	if items == nil {
		items = []domain.QuizAnswer{}
	}
	ok(c, http.StatusOK, QuizAnswersResponse{SessionID: c.Param("id"), Answers: items})
}

// EndQuiz godoc
// @ID          endQuiz
// @Summary     End a session
// @Description Marks the session ended. Ending twice is a no-op.
// @Tags        Quiz
// @Produce     json
// @Param       X-User-ID  header  string  true  "Acting user"  example(alice)
// @Param       id         path    string  true  "Session ID"  format(uuid)
// @Success     200  {object} domain.QuizSession
// @Failure     404  {object} handlers.ErrorResponse "Session not found"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /quiz/sessions/{id}/end [post]
func (h *Handlers) EndQuiz(c *gin.Context) {
	uid, okUser := requireUser(c)
	if !okUser {
		return
	}
	sess, err := h.quiz.EndSession(c.Request.Context(), c.Param("id"), uid)
	if err != nil {
		serviceError(c, err)
		return
	}
	ok(c, http.StatusOK, sess)
}
