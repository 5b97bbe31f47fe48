package member

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/itchyny/gojq"

	"github.com/tombee/maestro/pkg/errors"
)

// RegisterBuiltins installs the members that ship with the engine.
func RegisterBuiltins(r *Registry) error {
	builtins := []struct {
		meta    Metadata
		factory Factory
	}{
		{
			Metadata{Name: "passthrough", Version: "1.0.0", Type: "transform",
				Description: "Returns its input unchanged"},
			newPassthrough,
		},
		{
			Metadata{Name: "transform", Version: "1.0.0", Type: "transform",
				Description: "Applies a jq expression to the input"},
			newTransform,
		},
		{
			Metadata{Name: "http_request", Version: "1.0.0", Type: "http",
				Description: "Performs an HTTP request and returns the response"},
			newHTTPRequest,
		},
		{
			Metadata{Name: "approval", Version: "1.0.0", Type: "human",
				Description: "Suspends the execution until approved or rejected"},
			newApproval,
		},
	}
	for _, b := range builtins {
		if err := r.Register(b.meta, b.factory); err != nil {
			return err
		}
	}
	return nil
}

func newPassthrough(_, _ map[string]any) (Member, error) {
	return Func(func(_ context.Context, req *Request) (*Response, error) {
		return &Response{OK: true, Data: req.Input}, nil
	}), nil
}

// newTransform compiles the jq query once at member creation, so a
// bad expression fails fast rather than on first invocation.
func newTransform(config, _ map[string]any) (Member, error) {
	expr, _ := config["query"].(string)
	if expr == "" {
		return nil, &errors.ConfigError{Key: "query", Reason: "transform member requires a jq query"}
	}
	query, err := gojq.Parse(expr)
	if err != nil {
		return nil, &errors.ConfigError{Key: "query", Reason: "invalid jq query", Cause: err}
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, &errors.ConfigError{Key: "query", Reason: "invalid jq query", Cause: err}
	}

	return Func(func(ctx context.Context, req *Request) (*Response, error) {
		var input any = map[string]any{}
		if req.Input != nil {
			input = normalizeJSON(req.Input)
		}

		var results []any
		iter := code.RunWithContext(ctx, input)
		for {
			v, ok := iter.Next()
			if !ok {
				break
			}
			if err, isErr := v.(error); isErr {
				return &Response{OK: false, Error: fmt.Sprintf("jq: %v", err)}, nil
			}
			results = append(results, v)
		}

		var data any
		switch len(results) {
		case 0:
			data = nil
		case 1:
			data = results[0]
		default:
			data = results
		}
		return &Response{OK: true, Data: data}, nil
	}), nil
}

// normalizeJSON coerces a value into the shapes gojq accepts, in
// particular turning int into float-compatible JSON numbers.
func normalizeJSON(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}

func newHTTPRequest(config, _ map[string]any) (Member, error) {
	timeout := 30 * time.Second
	if t, ok := config["timeout"].(string); ok {
		parsed, err := time.ParseDuration(t)
		if err != nil {
			return nil, &errors.ConfigError{Key: "timeout", Reason: "invalid duration", Cause: err}
		}
		timeout = parsed
	}
	client := &http.Client{Timeout: timeout}

	return Func(func(ctx context.Context, req *Request) (*Response, error) {
		url, _ := req.Input["url"].(string)
		if url == "" {
			return &Response{OK: false, Error: "http_request requires input.url"}, nil
		}
		method, _ := req.Input["method"].(string)
		if method == "" {
			method = http.MethodGet
		}

		var body io.Reader
		if payload, ok := req.Input["body"]; ok && payload != nil {
			raw, err := json.Marshal(payload)
			if err != nil {
				return &Response{OK: false, Error: fmt.Sprintf("encoding body: %v", err)}, nil
			}
			body = strings.NewReader(string(raw))
		}

		httpReq, err := http.NewRequestWithContext(ctx, strings.ToUpper(method), url, body)
		if err != nil {
			return &Response{OK: false, Error: err.Error()}, nil
		}
		if body != nil {
			httpReq.Header.Set("Content-Type", "application/json")
		}
		if headers, ok := req.Input["headers"].(map[string]any); ok {
			for k, v := range headers {
				httpReq.Header.Set(k, fmt.Sprintf("%v", v))
			}
		}

		resp, err := client.Do(httpReq)
		if err != nil {
			return &Response{OK: false, Error: err.Error()}, nil
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
		if err != nil {
			return &Response{OK: false, Error: err.Error()}, nil
		}

		var parsed any
		if err := json.Unmarshal(raw, &parsed); err != nil {
			parsed = string(raw)
		}
		data := map[string]any{
			"status": resp.StatusCode,
			"body":   parsed,
		}
		if resp.StatusCode >= 400 {
			return &Response{OK: false, Data: data,
				Error: fmt.Sprintf("http %d from %s", resp.StatusCode, url)}, nil
		}
		return &Response{OK: true, Data: data}, nil
	}), nil
}

// newApproval returns a member that always suspends; resuming with
// approval injects the reviewer's input as the step output.
func newApproval(config, _ map[string]any) (Member, error) {
	ttl := time.Duration(0)
	if t, ok := config["ttl"].(string); ok {
		parsed, err := time.ParseDuration(t)
		if err != nil {
			return nil, &errors.ConfigError{Key: "ttl", Reason: "invalid duration", Cause: err}
		}
		ttl = parsed
	}

	return Func(func(_ context.Context, req *Request) (*Response, error) {
		reason, _ := req.Input["reason"].(string)
		if reason == "" {
			reason = "approval required"
		}
		return &Response{
			Suspend: &Suspend{
				Reason:   reason,
				TTL:      ttl,
				Metadata: req.Input,
			},
		}, nil
	}), nil
}
