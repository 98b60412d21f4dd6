package server

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"tictactoe-sync/client"
	"tictactoe-sync/internal/auth"
	"tictactoe-sync/internal/validation"
	"tictactoe-sync/models"
)

const identityKey = "identity"

// Error codes carried next to the HTTP status so clients can map them back
// to store errors.
const (
	CodeInvalid   = "invalid"
	CodeForbidden = "forbidden"
	CodeNotFound  = "not_found"
	CodeConflict  = "conflict"
	CodeExists    = "exists"
	CodeInternal  = "internal"
)

// ErrorResponse is the body of every failed API call.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// AnonymousResponse carries a freshly minted identity.
type AnonymousResponse struct {
	Identity string `json:"identity"`
	Token    string `json:"token"`
}

func abort(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, ErrorResponse{Error: msg, Code: code})
}

// abortStoreError maps store errors onto statuses.
func abortStoreError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, client.ErrNotFound):
		abort(c, http.StatusNotFound, CodeNotFound, "Match not found")
	case errors.Is(err, client.ErrConflict):
		abort(c, http.StatusConflict, CodeConflict, "Match was modified concurrently")
	case errors.Is(err, client.ErrExists):
		abort(c, http.StatusConflict, CodeExists, "Match already exists")
	default:
		log.Printf("[SERVER] store error on %s %s: %v", c.Request.Method, c.Request.URL.Path, err)
		abort(c, http.StatusInternalServerError, CodeInternal, "Server error")
	}
}

// authMiddleware validates the bearer token and sets the identity in the
// context.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := auth.BearerToken(c.GetHeader("Authorization"))
		if err != nil {
			abort(c, http.StatusUnauthorized, CodeForbidden, "Unauthorized")
			return
		}
		identity, err := s.deps.Auth.ValidateToken(token)
		if err != nil {
			abort(c, http.StatusUnauthorized, CodeForbidden, "Invalid token")
			return
		}
		c.Set(identityKey, identity)
		c.Next()
	}
}

func (s *Server) handleAnonymous(c *gin.Context) {
	identity, token, err := s.deps.Auth.IssueAnonymous()
	if err != nil {
		log.Printf("[SERVER] issuing identity: %v", err)
		abort(c, http.StatusInternalServerError, CodeInternal, "Server error")
		return
	}
	c.JSON(http.StatusCreated, AnonymousResponse{Identity: identity, Token: token})
}

// handleCreateMatch stores a new Waiting match hosted by the caller. The
// client picks the id; everything else is reset to the initial record.
func (s *Server) handleCreateMatch(c *gin.Context) {
	identity := c.GetString(identityKey)

	var req models.MatchRecord
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, CodeInvalid, "Invalid request")
		return
	}
	if err := validation.ValidateUUID(req.ID); err != nil {
		abort(c, http.StatusBadRequest, CodeInvalid, err.Error())
		return
	}
	if req.HostID != identity {
		abort(c, http.StatusForbidden, CodeForbidden, "Matches can only be hosted by the caller")
		return
	}

	rec, err := s.deps.Store.Insert(c.Request.Context(), models.NewMatchRecord(strings.ToLower(req.ID), identity))
	if err != nil {
		abortStoreError(c, err)
		return
	}
	s.metrics.matchesCreated.Inc()
	c.JSON(http.StatusCreated, rec)
}

func (s *Server) handleGetMatch(c *gin.Context) {
	id, ok := matchID(c)
	if !ok {
		return
	}
	rec, err := s.deps.Store.Fetch(c.Request.Context(), id)
	if err != nil {
		abortStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) handlePatchMatch(c *gin.Context) {
	identity := c.GetString(identityKey)
	id, ok := matchID(c)
	if !ok {
		return
	}

	var patch models.Patch
	if err := c.ShouldBindJSON(&patch); err != nil {
		abort(c, http.StatusBadRequest, CodeInvalid, "Invalid request")
		return
	}
	if err := validation.ValidatePatch(patch); err != nil {
		abort(c, http.StatusBadRequest, CodeInvalid, err.Error())
		return
	}

	ctx := c.Request.Context()
	current, err := s.deps.Store.Fetch(ctx, id)
	if err != nil {
		abortStoreError(c, err)
		return
	}
	// A stale conditional write loses before authorization, so a late guest
	// claim reads as a conflict and the client re-fetches to find the seat
	// taken.
	if patch.IfRevision != 0 && patch.IfRevision != current.Revision {
		s.metrics.writes.WithLabelValues("conflict").Inc()
		abort(c, http.StatusConflict, CodeConflict, "Match was modified concurrently")
		return
	}
	if err := authorizePatch(current, patch, identity); err != nil {
		abort(c, http.StatusForbidden, CodeForbidden, err.Error())
		return
	}

	rec, err := s.deps.Store.Update(ctx, id, patch)
	if err != nil {
		s.metrics.writes.WithLabelValues(writeResult(err)).Inc()
		abortStoreError(c, err)
		return
	}
	s.metrics.writes.WithLabelValues("ok").Inc()
	if patch.Status != nil && rec.Status == models.StatusFinished && current.Status != models.StatusFinished {
		s.metrics.gamesFinished.WithLabelValues(string(rec.Winner)).Inc()
	}
	c.JSON(http.StatusOK, rec)
}

var (
	errNotAPlayer   = errors.New("caller does not play in this match")
	errForeignGuest = errors.New("the guest seat can only be claimed by the caller")
	errSeatTaken    = errors.New("the guest seat is already taken")
	errHostAsGuest  = errors.New("the host cannot take the guest seat")
	errClaimFields  = errors.New("a guest claim may only set the guest and the playing status")
	errForeignEmoji = errors.New("reactions must carry the caller's mark")
)

// authorizePatch lets the players write their match. A non-player may only
// claim the empty guest seat for itself, and once taken the seat never
// changes hands.
func authorizePatch(current models.MatchRecord, patch models.Patch, identity string) error {
	if patch.GuestID != nil {
		switch {
		case *patch.GuestID != identity:
			return errForeignGuest
		case current.GuestID == "":
			if identity == current.HostID {
				return errHostAsGuest
			}
			if !isGuestClaim(patch) {
				return errClaimFields
			}
			return nil
		case current.GuestID != identity:
			return errSeatTaken
		}
	}
	mark := current.MarkOf(identity)
	if mark == models.MarkNone {
		return errNotAPlayer
	}
	if patch.Reaction != nil && patch.Reaction.Mark != mark {
		return errForeignEmoji
	}
	return nil
}

// isGuestClaim reports whether patch sets nothing beyond the guest id and
// a Playing status.
func isGuestClaim(patch models.Patch) bool {
	if patch.Status != nil && *patch.Status != models.StatusPlaying {
		return false
	}
	rest := patch
	rest.GuestID = nil
	rest.Status = nil
	return rest.IsEmpty()
}

func writeResult(err error) string {
	switch {
	case errors.Is(err, client.ErrConflict):
		return "conflict"
	case errors.Is(err, client.ErrNotFound):
		return "not_found"
	}
	return "error"
}

func matchID(c *gin.Context) (string, bool) {
	id := c.Param("id")
	if err := validation.ValidateUUID(id); err != nil {
		abort(c, http.StatusBadRequest, CodeInvalid, err.Error())
		return "", false
	}
	return strings.ToLower(id), true
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := gin.H{}
	for name, check := range s.deps.Health {
		if err := check(ctx); err != nil {
			status = http.StatusServiceUnavailable
			checks[name] = err.Error()
			continue
		}
		checks[name] = "ok"
	}
	c.JSON(status, gin.H{"status": http.StatusText(status), "checks": checks})
}
