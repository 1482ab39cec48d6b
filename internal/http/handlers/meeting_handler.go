// Meeting and chat HTTP handlers.
//
//   - GET  /meetings
//   - POST /meetings
//   - POST /meetings/{id}/messages
//   - GET  /meetings/{id}/messages
package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-affinity-backend/internal/utils"
)

// EnterMeetingRequest names the counterpart of a meeting.
type EnterMeetingRequest struct {
	TargetID string `json:"target_id" example:"bob"`
}

// SendMessageRequest is one chat message.
type SendMessageRequest struct {
	Message string `json:"message" example:"hi there"`
}

// GetMeetings godoc
// @ID          getMeetings
// @Summary     Meeting overview
// @Description Targets the caller may meet and the caller's active chats.
// @Tags        Meetings
// @Produce     json
// @Param       X-User-ID  header  string  true  "Acting user"  example(alice)
// @Success     200  {object} services.MeetingOverview
// @Failure     401  {object} handlers.ErrorResponse "Missing user"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /meetings [get]
func (h *Handlers) GetMeetings(c *gin.Context) {
	uid, okUser := requireUser(c)
	if !okUser {
		return
	}
	ov, err := h.meetings.GetState(c.Request.Context(), uid)
	if err != nil {
		serviceError(c, err)
		return
	}
	ok(c, http.StatusOK, ov)
}

// EnterMeeting godoc
// @ID          enterMeeting
// @Summary     Enter a meeting
// @Description Connects the caller with target_id once the caller's affinity reached the meeting threshold. Entering an active meeting is a no-op.
// @Tags        Meetings
// @Accept      json
// @Produce     json
// @Param       X-User-ID  header  string  true  "Acting user"  example(alice)
// @Param       body       body    handlers.EnterMeetingRequest  true  "Counterpart"
// @Success     200  {object} services.EnterResult "Already active"
// @Success     201  {object} services.EnterResult "Connected"
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     409  {object} handlers.ErrorResponse "Not eligible"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /meetings [post]
func (h *Handlers) EnterMeeting(c *gin.Context) {
	uid, okUser := requireUser(c)
	if !okUser {
		return
	}
	var req EnterMeetingRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.TargetID) == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "target_id required")
		return
	}
	res, err := h.meetings.Enter(c.Request.Context(), uid, strings.TrimSpace(req.TargetID))
	if err != nil {
		serviceError(c, err)
		return
	}
	status := http.StatusOK
	if res.Changed {
		status = http.StatusCreated
	}
	ok(c, status, res)
}

// SendMessage godoc
// @ID          sendMeetingMessage
// @Summary     Send a chat message
// @Description Stores a message in an active meeting. The first message moves CONNECTED to CHATTING.
// @Tags        Meetings
// @Accept      json
// @Produce     json
// @Param       X-User-ID  header  string  true  "Acting user"  example(alice)
// @Param       id         path    string  true  "Meeting ID"  format(uuid)
// @Param       body       body    handlers.SendMessageRequest  true  "Message"
// @Success     201  {object} services.SendResult
// @Failure     400  {object} handlers.ErrorResponse "Empty or too long"
// @Failure     403  {object} handlers.ErrorResponse "Not a participant"
// @Failure     404  {object} handlers.ErrorResponse "Meeting not found"
// @Failure     409  {object} handlers.ErrorResponse "Meeting not active"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /meetings/{id}/messages [post]
func (h *Handlers) SendMessage(c *gin.Context) {
	uid, okUser := requireUser(c)
	if !okUser {
		return
	}
	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	res, err := h.meetings.SendMessage(c.Request.Context(), c.Param("id"), uid, req.Message)
	if err != nil {
		serviceError(c, err)
		return
	}
	ok(c, http.StatusCreated, res)
}

// ListMessages godoc
// @ID          listMeetingMessages
// @Summary     Chat history
// @Description Chronological page of messages; the counterpart's unread messages are marked read by this call.
// @Tags        Meetings
// @Produce     json
// @Param       X-User-ID  header  string  true   "Acting user"  example(alice)
// @Param       id         path    string  true   "Meeting ID"  format(uuid)
// @Param       page       query   int     false  "Page number, 1 is the newest"  minimum(1) default(1)
// @Param       per_page   query   int     false  "Items per page"  minimum(1) maximum(100) default(20)
// @Success     200  {object} services.MessagePage
// @Failure     403  {object} handlers.ErrorResponse "Not a participant"
// @Failure     404  {object} handlers.ErrorResponse "Meeting not found"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /meetings/{id}/messages [get]
func (h *Handlers) ListMessages(c *gin.Context) {
	uid, okUser := requireUser(c)
	if !okUser {
		return
	}
	page := utils.AtoiDefault(c.Query("page"), 1)
	perPage := utils.AtoiDefault(c.Query("per_page"), utils.DefaultPageSize)

	res, err := h.meetings.ListMessages(c.Request.Context(), c.Param("id"), uid, page, perPage)
	if err != nil {
		serviceError(c, err)
		return
	}
	ok(c, http.StatusOK, res)
}
