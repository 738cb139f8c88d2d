package nodes

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	// TypeHTTPRequest: тип узла HTTP запроса.
	TypeHTTPRequest = "http_request"

	// Значения по умолчанию.
	defaultHTTPTimeout = 30 * time.Second
	maxResponseBody    = 10 * 1024 * 1024 // 10 MB
)

// Ключи конфигурации HTTP узла.
const (
	configMethod          = "method"
	configURL             = "url"
	configHeaders         = "headers"
	configBody            = "body"
	configFollowRedirects = "follow_redirects"
	configValidateSSL     = "validate_ssl"
	configTimeoutSec      = "timeout_sec"
	configFailOnError     = "fail_on_error"
)

var httpDefinition = Definition{
	Type:        TypeHTTPRequest,
	Label:       "HTTP request",
	Description: "Call an external API",
	Category:    CategoryIntegrations,
	Fields: []ConfigField{
		{Name: configURL, Type: "string", Required: true},
		{Name: configMethod, Type: "string", Default: "GET"},
		{Name: configHeaders, Type: "object"},
		{Name: configBody, Type: "object"},
		{Name: configTimeoutSec, Type: "number", Default: 30},
		{Name: configFollowRedirects, Type: "boolean", Default: true},
		{Name: configValidateSSL, Type: "boolean", Default: true},
		{Name: configFailOnError, Type: "boolean", Default: true, Description: "fail the node on 4xx/5xx"},
	},
}

// HTTPHandler: узел HTTP запроса.
//
// Конфигурация:
//
//	{
//	    "method": "POST",
//	    "url": "https://api.example.com/contacts/{{ trigger.contact_id }}",
//	    "headers": {"Authorization": "Bearer {{ trigger.token }}"},
//	    "body": {"email": "{{ trigger.from }}"},
//	    "timeout_sec": 30,
//	    "fail_on_error": true
//	}
//
// Output:
//
//	{
//	    "status_code": 200,
//	    "headers": {"Content-Type": "application/json", ...},
//	    "body": {...}  // parsed JSON or string
//	}
type HTTPHandler struct{}

// NewHTTPHandler создаёт HTTPHandler.
func NewHTTPHandler() *HTTPHandler {
	return &HTTPHandler{}
}

// Execute выполняет HTTP запрос.
func (h *HTTPHandler) Execute(ctx context.Context, inv *Invocation) (any, error) {
	cfg, err := h.parseConfig(inv.Config)
	if err != nil {
		return nil, err
	}

	client := inv.services().HTTPClient
	if client == nil {
		client = h.buildClient(cfg)
	}

	req, err := h.buildRequest(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	inv.logger().Info("http request", "method", cfg.Method, "url", cfg.URL)

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, cancelled(ctx)
		}
		return nil, NewExecutionError("http request failed: "+err.Error(), err)
	}
	defer resp.Body.Close()

	out, err := h.parseResponse(resp)
	if err != nil {
		return nil, err
	}

	inv.logger().Info("http response", "status_code", resp.StatusCode)

	if cfg.FailOnError && resp.StatusCode >= 400 {
		httpErr := &HTTPError{StatusCode: resp.StatusCode, Status: resp.Status, Body: out["body"]}
		return nil, NewExecutionError(httpErr.Error(), httpErr)
	}
	return out, nil
}

// ValidateConfig проверяет url и headers. Поля из выражений не проверяются.
func (h *HTTPHandler) ValidateConfig(config map[string]any) error {
	url := GetConfigString(config, configURL)
	if url == "" {
		return fmt.Errorf("%w: %s: url is required", ErrInvalidConfig, TypeHTTPRequest)
	}
	if !isExpr(url) && !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return fmt.Errorf("%w: %s: url must start with http:// or https://", ErrInvalidConfig, TypeHTTPRequest)
	}
	if raw, ok := config[configHeaders]; ok && raw != nil && !isExpr(raw) {
		if _, ok := raw.(map[string]any); !ok {
			return fmt.Errorf("%w: %s: headers must be an object", ErrInvalidConfig, TypeHTTPRequest)
		}
	}
	return nil
}

// httpConfig: распарсенная конфигурация HTTP узла.
type httpConfig struct {
	Method          string
	URL             string
	Headers         map[string]string
	Body            any
	FollowRedirects bool
	ValidateSSL     bool
	TimeoutSec      int
	FailOnError     bool
}

func (h *HTTPHandler) parseConfig(config map[string]any) (*httpConfig, error) {
	cfg := &httpConfig{
		Method:          GetConfigString(config, configMethod),
		URL:             GetConfigString(config, configURL),
		Headers:         GetConfigMapString(config, configHeaders),
		Body:            config[configBody],
		FollowRedirects: GetConfigBool(config, configFollowRedirects, true),
		ValidateSSL:     GetConfigBool(config, configValidateSSL, true),
		TimeoutSec:      GetConfigInt(config, configTimeoutSec),
		FailOnError:     GetConfigBool(config, configFailOnError, true),
	}

	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: %s: url is required", ErrInvalidConfig, TypeHTTPRequest)
	}

	if cfg.Method == "" {
		cfg.Method = http.MethodGet
	}
	cfg.Method = strings.ToUpper(cfg.Method)

	if cfg.Headers == nil {
		cfg.Headers = make(map[string]string)
	}
	return cfg, nil
}

func (h *HTTPHandler) buildClient(cfg *httpConfig) *http.Client {
	timeout := defaultHTTPTimeout
	if cfg.TimeoutSec > 0 {
		timeout = time.Duration(cfg.TimeoutSec) * time.Second
	}

	var checkRedirect func(*http.Request, []*http.Request) error
	if !cfg.FollowRedirects {
		checkRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}

	return &http.Client{
		Timeout:       timeout,
		CheckRedirect: checkRedirect,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: !cfg.ValidateSSL},
		},
	}
}

func (h *HTTPHandler) buildRequest(ctx context.Context, cfg *httpConfig) (*http.Request, error) {
	var bodyReader io.Reader

	if cfg.Body != nil {
		var bodyBytes []byte
		switch v := cfg.Body.(type) {
		case string:
			bodyBytes = []byte(v)
		default:
			b, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("serialize body: %w", err)
			}
			bodyBytes = b
		}
		bodyReader = bytes.NewReader(bodyBytes)

		if _, hasContentType := cfg.Headers["Content-Type"]; !hasContentType {
			cfg.Headers["Content-Type"] = "application/json"
		}
	}

	req, err := http.NewRequestWithContext(ctx, cfg.Method, cfg.URL, bodyReader)
	if err != nil {
		return nil, err
	}
	for key, value := range cfg.Headers {
		req.Header.Set(key, value)
	}
	return req, nil
}

func (h *HTTPHandler) parseResponse(resp *http.Response) (map[string]any, error) {
	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	var body any
	if strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(bodyBytes, &body); err != nil {
			body = string(bodyBytes)
		}
	} else {
		body = string(bodyBytes)
	}

	headers := make(map[string]any, len(resp.Header))
	for key := range resp.Header {
		headers[key] = resp.Header.Get(key)
	}

	return map[string]any{
		"status_code": float64(resp.StatusCode),
		"headers":     headers,
		"body":        body,
	}, nil
}

// HTTPError: ответ с кодом 4xx/5xx.
type HTTPError struct {
	StatusCode int
	Status     string
	Body       any
}

// Error реализует интерфейс error.
func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Status)
}

// IsHTTPError проверяет, является ли ошибка HTTP ошибкой.
func IsHTTPError(err error) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr)
}
