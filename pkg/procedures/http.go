package procedures

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/rendis/stepmachine/internal/expressions"
	"github.com/rendis/stepmachine/pkg/machine"
	"github.com/rendis/stepmachine/pkg/schema"
)

// HTTP is the name of the built-in HTTP request procedure.
const HTTP = "http"

// Outcome tags reported by the http procedure for error statuses.
const (
	OutcomeHTTPClientError = "http_4xx"
	OutcomeHTTPServerError = "http_5xx"
)

const (
	defaultMaxResponseBody = 10 * 1024 * 1024
	defaultHTTPTimeout     = 30 * time.Second
	defaultResponseKey     = "response"
)

// HTTPConfig configures the http procedure.
type HTTPConfig struct {
	// Client sends the requests. Nil uses a client cloned from
	// http.DefaultTransport.
	Client          *http.Client
	MaxResponseBody int64
	DefaultTimeout  time.Duration
}

var bodyEncodings = []string{"json", "form", "text", "raw"}

// httpProcedure sends params.method to params.url and stores the response
// under params.into (default "response"). Statuses of 400 and above select
// http_4xx or http_5xx; transport errors are plain failures.
func httpProcedure(cfg HTTPConfig) *builtin {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultHTTPTimeout
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}
	}

	return &builtin{
		name:  HTTP,
		desc:  "Sends an HTTP request; stores status, headers and body under params.into (default response)",
		check: checkHTTPParams,
		invoke: func(ctx context.Context, call machine.Call, params map[string]any, _ expressions.Scope) (machine.Result, error) {
			if err := checkHTTPParams(params); err != nil {
				return machine.Result{}, err
			}
			into, _ := optionalString(params, "into")
			if into == "" {
				into = defaultResponseKey
			}

			response, err := doRequest(ctx, cfg, params)
			if err != nil {
				return machine.Result{}, err
			}

			payload := call.Payload
			payload[into] = response
			res := machine.Result{Payload: payload}
			switch status := response["status_code"].(int); {
			case status >= 500:
				res.Outcome = OutcomeHTTPServerError
			case status >= 400:
				res.Outcome = OutcomeHTTPClientError
			}
			return res, nil
		},
	}
}

func checkHTTPParams(params map[string]any) error {
	rawURL, err := requiredString(params, "url")
	if err != nil {
		return err
	}
	if !expressions.HasInterpolation(rawURL) {
		u, err := url.ParseRequestURI(rawURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return paramError("url", fmt.Sprintf("is not an http(s) URL: %q", rawURL))
		}
	}
	for _, name := range []string{"method", "into"} {
		if _, err := optionalString(params, name); err != nil {
			return err
		}
	}
	enc, err := optionalString(params, "body_encoding")
	if err != nil {
		return err
	}
	if enc != "" && !slices.Contains(bodyEncodings, enc) {
		return paramError("body_encoding", fmt.Sprintf("must be one of %s", strings.Join(bodyEncodings, ", ")))
	}
	if s, _ := params["timeout"].(string); !expressions.HasInterpolation(s) {
		if _, err := durationParam(params, "timeout"); err != nil {
			return err
		}
	}
	if h, ok := params["headers"]; ok {
		if _, isMap := h.(map[string]any); !isMap {
			return paramError("headers", "must be an object")
		}
	}
	if a, ok := params["auth"]; ok {
		if _, isMap := a.(map[string]any); !isMap {
			return paramError("auth", "must be an object")
		}
	}
	return nil
}

func doRequest(ctx context.Context, cfg HTTPConfig, params map[string]any) (map[string]any, error) {
	method, _ := optionalString(params, "method")
	if method == "" {
		method = http.MethodGet
	}
	method = strings.ToUpper(method)
	rawURL, _ := requiredString(params, "url")

	timeout := cfg.DefaultTimeout
	if d, _ := durationParam(params, "timeout"); d > 0 {
		timeout = d
	}

	body, contentType, err := requestBody(params)
	if err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, rawURL, body)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "http: build request: %s", err.Error()).WithCause(err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if hm, ok := params["headers"].(map[string]any); ok {
		for k, v := range hm {
			req.Header.Set(k, fmt.Sprintf("%v", v))
		}
	}
	if auth, ok := params["auth"].(map[string]any); ok {
		applyAuth(req, auth)
	}

	start := time.Now()
	resp, err := cfg.Client.Do(req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "http: %s %s: %s", method, rawURL, err.Error()).WithCause(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, cfg.MaxResponseBody))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "http: read response: %s", err.Error()).WithCause(err)
	}

	headers := make(map[string]any, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	respType := resp.Header.Get("Content-Type")

	return map[string]any{
		"status_code":  resp.StatusCode,
		"status":       resp.Status,
		"headers":      headers,
		"body":         parseBody(data, respType),
		"content_type": respType,
		"duration_ms":  time.Since(start).Milliseconds(),
	}, nil
}

func requestBody(params map[string]any) (io.Reader, string, error) {
	raw, ok := params["body"]
	if !ok || raw == nil {
		return nil, "", nil
	}
	enc, _ := optionalString(params, "body_encoding")
	switch enc {
	case "form":
		fields, ok := raw.(map[string]any)
		if !ok {
			return nil, "", paramError("body", "must be an object for form encoding")
		}
		vals := url.Values{}
		for k, v := range fields {
			vals.Set(k, fmt.Sprintf("%v", v))
		}
		return strings.NewReader(vals.Encode()), "application/x-www-form-urlencoded", nil
	case "text":
		return strings.NewReader(fmt.Sprintf("%v", raw)), "text/plain", nil
	case "raw":
		return strings.NewReader(fmt.Sprintf("%v", raw)), "", nil
	default:
		b, err := json.Marshal(raw)
		if err != nil {
			return nil, "", paramError("body", "is not JSON-serializable")
		}
		return strings.NewReader(string(b)), "application/json", nil
	}
}

func applyAuth(req *http.Request, auth map[string]any) {
	str := func(k string) string {
		s, _ := auth[k].(string)
		return s
	}
	switch str("type") {
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+str("token"))
	case "basic":
		req.SetBasicAuth(str("username"), str("password"))
	case "api_key":
		if name := str("header_name"); name != "" {
			req.Header.Set(name, str("header_value"))
		}
	}
}

// parseBody decodes JSON responses and keeps anything else as text.
func parseBody(data []byte, contentType string) any {
	if len(data) == 0 {
		return nil
	}
	if strings.Contains(contentType, "application/json") {
		var v any
		if err := json.Unmarshal(data, &v); err == nil {
			return v
		}
	}
	return string(data)
}
