package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
)

const maxBodyBytes = 1 << 20

// ErrorResponse 错误响应，reason 供客户端分类
type ErrorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, err error) {
	respondJSON(w, status, ErrorResponse{Error: err.Error()})
}

func respondReason(w http.ResponseWriter, status int, reason string, err error) {
	respondJSON(w, status, ErrorResponse{Error: err.Error(), Reason: reason})
}

// respondErrorWithLog 返回错误并记录请求上下文
func respondErrorWithLog(w http.ResponseWriter, r *http.Request, status int, err error, op string) {
	log.Error().
		Err(err).
		Str("request_id", middleware.GetReqID(r.Context())).
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Str("op", op).
		Int("status", status).
		Msg("request failed")
	respondError(w, status, err)
}

// decodeJSON 解析并校验请求体
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		respondReason(w, http.StatusBadRequest, "invalid_body", err)
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		respondReason(w, http.StatusBadRequest, "validation", validationError(err))
		return false
	}
	return true
}

func validationError(err error) error {
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) {
		return err
	}
	fields := make([]string, 0, len(errs))
	for _, fe := range errs {
		fields = append(fields, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return errors.New(strings.Join(fields, "; "))
}
