package blocks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/flowmesh/engine/internal/graph"
	"github.com/flowmesh/engine/internal/handler"
)

// HTTPConfig is the shape of a "http" block's Node.Config.
type HTTPConfig struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
	Body    json.RawMessage   `json:"body"`
	Timeout int               `json:"timeout"` // seconds
}

// HTTPResult is what an "http" block produces.
type HTTPResult struct {
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers"`
	Body       interface{}       `json:"body"`
}

// HTTPHandler issues an outbound HTTP request, interpolating its URL and
// header values against the evaluator's expression environment built from
// previous node outputs. The body is sent exactly as configured; it is not
// interpolated.
type HTTPHandler struct {
	client *http.Client
	eval   *Evaluator
}

// NewHTTPHandler constructs an HTTPHandler sharing eval with the rest of
// the registry.
func NewHTTPHandler(eval *Evaluator) *HTTPHandler {
	return &HTTPHandler{client: &http.Client{}, eval: eval}
}

// ValidateConfig implements handler.Handler.
func (h *HTTPHandler) ValidateConfig(config map[string]interface{}, userID string) []string {
	var errs []string
	if _, ok := config["url"]; !ok {
		errs = append(errs, "url is required")
	}
	return errs
}

// Execute implements handler.Handler.
func (h *HTTPHandler) Execute(ctx context.Context, n graph.Node, execCtx handler.ExecutionContext) (interface{}, error) {
	raw, err := json.Marshal(n.Config)
	if err != nil {
		return nil, fmt.Errorf("blocks: marshal http config: %w", err)
	}
	var cfg HTTPConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("blocks: parse http config: %w", err)
	}

	method := strings.ToUpper(cfg.Method)
	if method == "" {
		method = http.MethodGet
	}
	timeout := 30 * time.Second
	if cfg.Timeout > 0 {
		timeout = time.Duration(cfg.Timeout) * time.Second
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url, err := h.interpolate(cfg.URL, execCtx)
	if err != nil {
		return nil, err
	}
	if url == "" {
		return nil, fmt.Errorf("blocks: url resolved empty")
	}

	var body io.Reader
	if len(cfg.Body) > 0 {
		body = bytes.NewReader(cfg.Body)
	}

	req, err := http.NewRequestWithContext(reqCtx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("blocks: build http request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range cfg.Headers {
		interpolated, err := h.interpolate(v, execCtx)
		if err != nil {
			return nil, err
		}
		req.Header.Set(k, interpolated)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("blocks: http request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("blocks: read http response: %w", err)
	}

	var parsed interface{}
	if strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(respBody, &parsed); err != nil {
			parsed = string(respBody)
		}
	} else {
		parsed = string(respBody)
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	return HTTPResult{StatusCode: resp.StatusCode, Headers: headers, Body: parsed}, nil
}

// interpolate evaluates s as an expr-lang expression when it is wrapped in
// ${...}, otherwise returns it unchanged.
func (h *HTTPHandler) interpolate(s string, execCtx handler.ExecutionContext) (string, error) {
	if !strings.HasPrefix(s, "${") || !strings.HasSuffix(s, "}") {
		return s, nil
	}
	expression := strings.TrimSuffix(strings.TrimPrefix(s, "${"), "}")
	result, err := h.eval.Evaluate(expression, execCtx.PreviousOutputs)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%v", result), nil
}
