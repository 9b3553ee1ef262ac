package httpapi

import (
	"errors"
	"net/http"
	"time"

	"promptgate/internal/models"
)

// identityRequest 远程过程的请求体，user_id 可省略，省略时使用令牌中的用户
type identityRequest struct {
	UserID models.Identity `json:"user_id"`
}

type resetUsageRequest struct {
	UserID        models.Identity `json:"user_id"`
	NextResetDate time.Time       `json:"next_reset_date" validate:"required"`
}

var errOtherUser = errors.New("cannot access another user's records")

// requestIdentity 解析请求体并确认只访问自己的记录
func (s *Server) requestIdentity(w http.ResponseWriter, r *http.Request, claimed models.Identity) (models.Identity, bool) {
	self := getUserIDFromContext(r.Context())
	if claimed != "" && claimed != self {
		respondReason(w, http.StatusForbidden, "forbidden", errOtherUser)
		return "", false
	}
	return self, true
}

func (s *Server) decodeIdentity(w http.ResponseWriter, r *http.Request) (models.Identity, bool) {
	var req identityRequest
	if r.ContentLength != 0 {
		if !s.decodeJSON(w, r, &req) {
			return "", false
		}
	}
	return s.requestIdentity(w, r, req.UserID)
}

func (s *Server) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := s.repo.GetSubscription(r.Context(), getUserIDFromContext(r.Context()))
	if err != nil {
		s.respondServiceError(w, r, err, "get_subscription")
		return
	}
	respondJSON(w, http.StatusOK, sub)
}

func (s *Server) handleGetUsage(w http.ResponseWriter, r *http.Request) {
	u, err := s.repo.GetUsage(r.Context(), getUserIDFromContext(r.Context()))
	if err != nil {
		s.respondServiceError(w, r, err, "get_usage")
		return
	}
	respondJSON(w, http.StatusOK, u)
}

func (s *Server) handleEnsureRecords(w http.ResponseWriter, r *http.Request) {
	id, ok := s.decodeIdentity(w, r)
	if !ok {
		return
	}
	res, err := s.repo.EnsureRecordsExist(r.Context(), id)
	if err != nil {
		s.respondServiceError(w, r, err, "ensure_records_exist")
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleCanPerformAction(w http.ResponseWriter, r *http.Request) {
	id, ok := s.decodeIdentity(w, r)
	if !ok {
		return
	}
	allowed, err := s.repo.CanPerformAction(r.Context(), id)
	if err != nil {
		s.respondServiceError(w, r, err, "can_perform_action")
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"allowed": allowed})
}

// handleIncrementUsage 计数被拒绝时仍返回 200，由 incremented 表示结果
func (s *Server) handleIncrementUsage(w http.ResponseWriter, r *http.Request) {
	id, ok := s.decodeIdentity(w, r)
	if !ok {
		return
	}
	incremented, err := s.repo.IncrementUsage(r.Context(), id)
	if err != nil {
		s.respondServiceError(w, r, err, "increment_usage")
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"incremented": incremented})
}

func (s *Server) handleResetUsage(w http.ResponseWriter, r *http.Request) {
	var req resetUsageRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	id, ok := s.requestIdentity(w, r, req.UserID)
	if !ok {
		return
	}
	u, err := s.repo.ResetUsage(r.Context(), id, req.NextResetDate)
	if err != nil {
		s.respondServiceError(w, r, err, "reset_usage")
		return
	}
	respondJSON(w, http.StatusOK, u)
}
