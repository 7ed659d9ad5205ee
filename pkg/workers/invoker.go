package workers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/aegisai/aegis-oss/pkg/domain"
)

// HTTPInvoker calls an upstream inference endpoint over HTTP. The request
// body it sends is the already-masked text from the admission pipeline.
type HTTPInvoker struct {
	endpoint string
	token    string
	client   *http.Client
}

// NewHTTPInvoker builds an invoker for the given endpoint. The transport is
// traced so upstream latency shows up on the worker span.
func NewHTTPInvoker(endpoint, token string) *HTTPInvoker {
	return &HTTPInvoker{
		endpoint: endpoint,
		token:    token,
		client: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

type upstreamRequest struct {
	TicketID string `json:"ticket_id"`
	UserID   string `json:"user_id"`
	Text     string `json:"text"`
}

type upstreamResponse struct {
	Output string `json:"output"`
}

// Invoke implements domain.ModelInvoker. The caller owns the deadline.
func (i *HTTPInvoker) Invoke(ctx context.Context, req domain.InferenceRequest) (string, error) {
	body, err := json.Marshal(upstreamRequest{
		TicketID: req.TicketID,
		UserID:   req.Identity.ID,
		Text:     req.Body,
	})
	if err != nil {
		return "", fmt.Errorf("marshal upstream request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, i.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build upstream request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if i.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+i.token)
	}

	resp, err := i.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("upstream call: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("upstream returned status %d", resp.StatusCode)
	}

	var out upstreamResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&out); err != nil {
		return "", fmt.Errorf("decode upstream response: %w", err)
	}
	return out.Output, nil
}

var _ domain.ModelInvoker = (*HTTPInvoker)(nil)
