package httpapi

import (
	"errors"
	"io"
	"net/http"

	"meetai/internal/auth"
	"meetai/internal/calls"

	"github.com/gin-gonic/gin"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Calls *calls.Service
}

func requester(c *gin.Context) (calls.Requester, bool) {
	id, err := auth.IdentityFrom(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "identity required", "code": codeUnauthenticated})
		return calls.Requester{}, false
	}
	return calls.Requester{ID: id.UserID, Name: id.Name, Image: id.Image}, true
}

type createCallRequest struct {
	Name string `json:"name"`
}

// callResponse adds the display label so clients don't each reimplement the fallback.
type callResponse struct {
	calls.Call
	DisplayName string `json:"display_name"`
}

func toResponse(c calls.Call) callResponse {
	return callResponse{Call: c, DisplayName: c.DisplayName()}
}

func (h Handlers) CreateCall(c *gin.Context) {
	r, ok := requester(c)
	if !ok {
		return
	}
	var req createCallRequest
	// An empty body creates an untitled call.
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json", "code": codeInvalidArgument})
		return
	}

	call, err := h.Calls.Create(c.Request.Context(), r, req.Name)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toResponse(call))
}

func (h Handlers) ListCalls(c *gin.Context) {
	r, ok := requester(c)
	if !ok {
		return
	}
	list, err := h.Calls.ListForUser(c.Request.Context(), r.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]callResponse, 0, len(list))
	for _, call := range list {
		out = append(out, toResponse(call))
	}
	c.JSON(http.StatusOK, out)
}

// GetCall answers null for unknown ids, matching the lookup contract clients poll against.
func (h Handlers) GetCall(c *gin.Context) {
	call, found, err := h.Calls.GetByID(c.Request.Context(), c.Param("call_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if !found {
		c.JSON(http.StatusOK, nil)
		return
	}
	c.JSON(http.StatusOK, toResponse(call))
}

func (h Handlers) JoinCall(c *gin.Context) {
	r, ok := requester(c)
	if !ok {
		return
	}
	if err := h.Calls.Join(c.Request.Context(), r, c.Param("call_id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"joined": true})
}

func (h Handlers) CompleteCall(c *gin.Context) {
	r, ok := requester(c)
	if !ok {
		return
	}
	if err := h.Calls.Complete(c.Request.Context(), r.ID, c.Param("call_id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"completed": true})
}

func (h Handlers) RemoveCall(c *gin.Context) {
	r, ok := requester(c)
	if !ok {
		return
	}
	if err := h.Calls.Remove(c.Request.Context(), r.ID, c.Param("call_id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func (h Handlers) ListParticipants(c *gin.Context) {
	ps, err := h.Calls.ListParticipants(c.Request.Context(), c.Param("call_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ps)
}

func (h Handlers) MintToken(c *gin.Context) {
	r, ok := requester(c)
	if !ok {
		return
	}
	tok, err := h.Calls.MintAccessToken(c.Request.Context(), r, c.Param("call_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, tok)
}
