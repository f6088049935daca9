package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/KafClaw/KafMesh/internal/naming"
	"github.com/KafClaw/KafMesh/internal/topology"
)

// maxResponseBytes bounds what a single tool call may return.
const maxResponseBytes = 1 << 20

// Invoker performs one HTTP operation of the mesh API.
type Invoker interface {
	Do(ctx context.Context, method, path string, query url.Values, body []byte) (status int, respBody []byte, err error)
}

// StatusError is a non-2xx response from the mesh API.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.Code, strings.TrimSpace(e.Body))
}

// Unwrap maps the status onto the error taxonomy.
func (e *StatusError) Unwrap() error {
	switch e.Code {
	case http.StatusBadRequest, http.StatusConflict, http.StatusUnprocessableEntity:
		return naming.ErrValidation
	case http.StatusNotFound:
		return topology.ErrUnknownEntity
	default:
		return ErrTransport
	}
}

// HTTPInvoker calls a remote gateway over the network.
type HTTPInvoker struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPInvoker creates an invoker for baseURL.
func NewHTTPInvoker(baseURL string) *HTTPInvoker {
	return &HTTPInvoker{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: 60 * time.Second},
	}
}

func (h *HTTPInvoker) Do(ctx context.Context, method, path string, query url.Values, body []byte) (int, []byte, error) {
	u := h.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := h.Client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %s %s: %v", ErrTransport, method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("%w: read response: %v", ErrTransport, err)
	}
	return resp.StatusCode, data, nil
}

// HandlerInvoker dispatches to an in-process handler, so the loop can drive
// the same routes the gateway serves without a network hop. Handler may be
// assigned after construction.
type HandlerInvoker struct {
	Handler http.Handler
}

func (h *HandlerInvoker) Do(ctx context.Context, method, path string, query url.Values, body []byte) (int, []byte, error) {
	if h.Handler == nil {
		return 0, nil, fmt.Errorf("%w: no handler attached", ErrTransport)
	}
	target := path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	var rd io.Reader = http.NoBody
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := &recorder{header: make(http.Header)}
	h.Handler.ServeHTTP(rec, req)
	if err := ctx.Err(); err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	if rec.code == 0 {
		rec.code = http.StatusOK
	}
	return rec.code, rec.body.Bytes(), nil
}

type recorder struct {
	header http.Header
	body   bytes.Buffer
	code   int
}

func (r *recorder) Header() http.Header { return r.header }

// Write keeps at most maxResponseBytes and silently discards the rest, so
// handlers see every write as fully accepted.
func (r *recorder) Write(p []byte) (int, error) {
	if r.code == 0 {
		r.code = http.StatusOK
	}
	keep := p
	if room := maxResponseBytes - r.body.Len(); len(keep) > room {
		keep = keep[:max(0, room)]
	}
	r.body.Write(keep)
	return len(p), nil
}

func (r *recorder) WriteHeader(code int) {
	if r.code == 0 {
		r.code = code
	}
}

// RouteTool executes one catalog Definition through an Invoker.
type RouteTool struct {
	def Definition
	inv Invoker
}

// NewRouteTool binds def to inv.
func NewRouteTool(def Definition, inv Invoker) *RouteTool {
	return &RouteTool{def: def.Clone(), inv: inv}
}

func (t *RouteTool) Name() string               { return t.def.Name }
func (t *RouteTool) Description() string        { return t.def.Description }
func (t *RouteTool) Parameters() map[string]any { return schemaFor(t.def) }
func (t *RouteTool) Definition() Definition     { return t.def.Clone() }

// Execute substitutes path parameters, sends the remaining arguments as
// query (GET) or JSON body (other methods) and classifies the response.
func (t *RouteTool) Execute(ctx context.Context, args map[string]any) (Output, error) {
	rest := make(map[string]any, len(args))
	for k, v := range args {
		rest[k] = v
	}
	path := t.def.Path
	for _, p := range t.def.PathParams() {
		val := GetString(rest, p, "")
		if val == "" {
			if v, ok := rest[p]; ok && v != nil {
				val = fmt.Sprint(v)
			}
		}
		if val == "" {
			return Output{}, fmt.Errorf("%w: %s: missing path argument %q", naming.ErrValidation, t.def.Name, p)
		}
		path = strings.Replace(path, "{"+p+"}", url.PathEscape(val), 1)
		delete(rest, p)
	}

	var query url.Values
	var body []byte
	if t.def.Method == http.MethodGet {
		if len(rest) > 0 {
			query = url.Values{}
			for k, v := range rest {
				query.Set(k, fmt.Sprint(v))
			}
		}
	} else {
		b, err := json.Marshal(rest)
		if err != nil {
			return Output{}, fmt.Errorf("%w: %s: encode args: %v", naming.ErrValidation, t.def.Name, err)
		}
		body = b
	}

	slog.Debug("Tool call", "tool", t.def.Name, "method", t.def.Method, "path", path)
	status, data, err := t.inv.Do(ctx, t.def.Method, path, query, body)
	if err != nil {
		return Output{}, err
	}
	out := ParseOutput(data)
	if status < 200 || status >= 300 {
		return out, &StatusError{Code: status, Body: out.Flatten()}
	}
	return out, nil
}
