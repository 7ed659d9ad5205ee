package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aegisai/aegis-oss/internal/governance"
	"github.com/aegisai/aegis-oss/pkg/domain"
	"github.com/aegisai/aegis-oss/pkg/privacy"
)

// maxBodyBytes bounds the decoded request size.
const maxBodyBytes = 1 << 20

// inferRequest is the wire shape of one admission attempt.
type inferRequest struct {
	UserID        string `json:"user_id"`
	Tier          string `json:"tier"`
	Text          string `json:"text"`
	ContextID     string `json:"context_id,omitempty"`
	PrivacyChoice string `json:"privacy_choice,omitempty"`
}

// Handler exposes the admission pipeline over HTTP.
type Handler struct {
	pipeline *Pipeline
	backoff  *governance.IPBackoff
	client   *redis.Client
	log      *slog.Logger
}

// NewHandler builds the HTTP surface. backoff may be nil to disable per-IP
// throttling.
func NewHandler(p *Pipeline, backoff *governance.IPBackoff, client *redis.Client, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{pipeline: p, backoff: backoff, client: client, log: logger}
}

// Routes registers all endpoints on the mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/infer", h.handleInfer)
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	mux.HandleFunc("GET /readyz", h.handleReadyz)
}

func (h *Handler) handleInfer(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if h.backoff != nil && !h.backoff.Allow(ip) {
		h.writeRefusal(w, domain.DenyRetryAfter(domain.ReasonRateLimited, time.Second))
		return
	}

	var req inferRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := decoder.Decode(&req); err != nil {
		http.Error(w, `{"error":"malformed request body"}`, http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.UserID) == "" || strings.TrimSpace(req.Text) == "" {
		http.Error(w, `{"error":"user_id and text are required"}`, http.StatusBadRequest)
		return
	}

	admission, decision := h.pipeline.Evaluate(r.Context(), Request{
		Identity: domain.UserIdentity{
			ID:   req.UserID,
			Tier: domain.ParseTrustTier(req.Tier),
		},
		Body:          req.Text,
		ContextID:     req.ContextID,
		PrivacyChoice: privacy.Choice(strings.ToLower(req.PrivacyChoice)),
		SourceIP:      ip,
	})

	if decision.Denied() {
		if h.backoff != nil {
			h.backoff.Failure(ip)
		}
		h.writeRefusal(w, decision)
		return
	}
	if h.backoff != nil {
		h.backoff.Success(ip)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	if err := json.NewEncoder(w).Encode(admission); err != nil {
		h.log.Error("admission encode failed", "error", err)
	}
}

func (h *Handler) writeRefusal(w http.ResponseWriter, d domain.StageDecision) {
	w.Header().Set("Content-Type", "application/json")
	if d.RetryAfter > 0 {
		seconds := int(d.RetryAfter.Round(time.Second) / time.Second)
		if seconds < 1 {
			seconds = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
	}
	w.WriteHeader(d.Refusal.ReasonCode.HTTPStatus())
	if err := json.NewEncoder(w).Encode(d.Refusal); err != nil {
		h.log.Error("refusal encode failed", "error", err)
	}
}

func (h *Handler) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz reports ready only when the shared store answers: an instance
// that cannot reach it refuses everything, so it should not take traffic.
func (h *Handler) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.client.Ping(ctx).Err(); err != nil {
		http.Error(w, "store unreachable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.IndexByte(fwd, ','); idx > 0 {
			return strings.TrimSpace(fwd[:idx])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
