// Package httpapi exposes the node over HTTP.
//
//	POST /v1/intentions          submit a signed intention
//	GET  /v1/status              head, scheduler phase, pool counters
//	GET  /v1/bundles/{content_id} fetch a committed bundle
//	GET  /health                 liveness
package httpapi

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pithecene-io/cairn/auth"
	"github.com/pithecene-io/cairn/canon"
	"github.com/pithecene-io/cairn/contentstore"
	"github.com/pithecene-io/cairn/log"
	"github.com/pithecene-io/cairn/node"
	"github.com/pithecene-io/cairn/types"
	"github.com/pithecene-io/cairn/validator"
)

// maxBodyBytes bounds a submission body: payload plus hex fields and framing.
const maxBodyBytes = 2*validator.MaxPayloadBytes + 4096

// RetryAfter is advertised on retryable rejections.
const RetryAfter = time.Second

// Service is the node surface the API serves.
type Service interface {
	Submit(ctx context.Context, sub node.Submission) (node.Receipt, error)
	Status() node.Status
	Bundle(ctx context.Context, contentID string) (*types.Bundle, error)
}

// SubmitRequest is the POST /v1/intentions body.
type SubmitRequest struct {
	Writer    string          `json:"writer"`
	Nonce     uint64          `json:"nonce"`
	Payload   json.RawMessage `json:"payload"`
	Signature string          `json:"signature"`
}

// SubmitResponse acknowledges an accepted intention.
type SubmitResponse struct {
	RequestID string       `json:"request_id"`
	Receipt   node.Receipt `json:"receipt"`
}

// StatusForReason maps a rejection to its HTTP status.
func StatusForReason(r types.RejectReason) int {
	switch r {
	case types.ReasonMalformed:
		return http.StatusBadRequest
	case types.ReasonUnauthorized:
		return http.StatusUnauthorized
	case types.ReasonNotEligible:
		return http.StatusForbidden
	case types.ReasonReplayedNonce:
		return http.StatusConflict
	case types.ReasonInvalidSignature:
		return http.StatusUnprocessableEntity
	case types.ReasonPoolSaturated:
		return http.StatusTooManyRequests
	case types.ReasonEligibilityUnavailable, types.ReasonShuttingDown:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// NewRouter builds the API router.
func NewRouter(svc Service, logger *log.Logger) http.Handler {
	h := &handler{svc: svc, logger: logger}

	r := chi.NewRouter()
	r.Use(h.recoverer)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })

	r.Route("/v1", func(api chi.Router) {
		api.Post("/intentions", h.submit)
		api.Get("/status", h.status)
		api.Get("/bundles/{content_id}", h.bundle)
	})
	return r
}

type handler struct {
	svc    Service
	logger *log.Logger
}

func (h *handler) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				h.logger.Error("handler panic", map[string]any{
					"method": r.Method,
					"path":   r.URL.Path,
					"panic":  fmt.Sprint(rec),
				})
				WriteError(w, http.StatusInternalServerError, "INTERNAL", "internal error", false)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (h *handler) submit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var req SubmitRequest
	if err := ReadJSON(r, &req); err != nil {
		writeRejection(w, types.Reject(types.ReasonMalformed, nil, fmt.Errorf("decode body: %w", err)))
		return
	}
	sig, err := hex.DecodeString(strings.TrimSpace(req.Signature))
	if err != nil {
		writeRejection(w, types.Reject(types.ReasonMalformed, nil, errors.New("signature must be hex encoded")))
		return
	}

	credential := ""
	if header := r.Header.Get("Authorization"); header != "" {
		token, ok := auth.ParseBearer(header)
		if !ok {
			writeRejection(w, types.Reject(types.ReasonUnauthorized, nil,
				fmt.Errorf("%w: authorization header must be a bearer token", auth.ErrUnauthorized)))
			return
		}
		credential = token
	}

	receipt, err := h.svc.Submit(r.Context(), node.Submission{
		Writer:     req.Writer,
		Nonce:      req.Nonce,
		Payload:    req.Payload,
		Signature:  sig,
		Credential: credential,
	})
	if err != nil {
		var re *types.RejectionError
		if errors.As(err, &re) {
			writeRejection(w, re)
			return
		}
		h.logger.Error("submit failed", map[string]any{"error": err.Error()})
		WriteError(w, http.StatusInternalServerError, "INTERNAL", "internal error", false)
		return
	}
	WriteJSON(w, http.StatusAccepted, SubmitResponse{RequestID: NewRequestID(), Receipt: receipt})
}

func writeRejection(w http.ResponseWriter, re *types.RejectionError) {
	if re.Retryable() {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", int(RetryAfter.Seconds())))
	}
	msg := string(re.Reason)
	if re.Err != nil {
		msg = re.Err.Error()
	}
	WriteError(w, StatusForReason(re.Reason), strings.ToUpper(string(re.Reason)), msg, re.Retryable())
}

func (h *handler) status(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]any{
		"request_id": NewRequestID(),
		"status":     h.svc.Status(),
	})
}

func (h *handler) bundle(w http.ResponseWriter, r *http.Request) {
	cid := chi.URLParam(r, "content_id")
	b, err := h.svc.Bundle(r.Context(), cid)
	switch {
	case errors.Is(err, canon.ErrInvalidContentID):
		WriteError(w, http.StatusBadRequest, "BAD_CONTENT_ID", err.Error(), false)
		return
	case errors.Is(err, contentstore.ErrNotFound):
		WriteError(w, http.StatusNotFound, "NOT_FOUND", "no bundle "+cid, false)
		return
	case err != nil:
		h.logger.Error("bundle fetch failed", map[string]any{"content_id": cid, "error": err.Error()})
		WriteError(w, http.StatusBadGateway, "STORAGE_ERROR", "content store unavailable", contentstore.IsRetryable(err))
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"request_id": NewRequestID(),
		"bundle":     NewBundleView(b),
	})
}
