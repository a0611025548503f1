package processors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/shaiso/Relay/internal/domain"
)

const defaultHTTPTimeout = 30 * time.Second

// DefaultRetryOn — HTTP-коды, при которых запрос повторяется.
var DefaultRetryOn = []int{http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout}

// HTTP — процессор "http".
//
// Params:
//   - method (string): HTTP-метод. Default: GET
//   - url (string): URL запроса (обязательно)
//   - headers (map): заголовки запроса
//   - body (any): тело запроса (сериализуется в JSON)
//   - timeout_sec (number): таймаут запроса. Default: 30
//   - retry_on ([]number): коды ответа, при которых нужен повтор. Default: DefaultRetryOn
//
// Output: status_code, headers, body (JSON или строка).
//
// Ответ >= 400 из retry_on даёт RETRY, остальные >= 400 — FAILED.
// Сетевая ошибка возвращается как error и повторяется конвейером.
type HTTP struct {
	// Client — HTTP-клиент (если nil — http.DefaultClient).
	Client *http.Client
}

// Name возвращает "http".
func (p *HTTP) Name() string { return "http" }

// Process выполняет HTTP-запрос.
func (p *HTTP) Process(ctx context.Context, tc domain.TaskContext) (domain.TaskResult, error) {
	params := tc.Params
	method := strings.ToUpper(getString(params, "method", http.MethodGet))
	url := getString(params, "url", "")
	if url == "" {
		return domain.Failure("http: url is required"), nil
	}

	ctx, cancel := context.WithTimeout(ctx, getDuration(params, "timeout_sec", defaultHTTPTimeout))
	defer cancel()

	var bodyReader io.Reader
	if body, ok := params["body"]; ok && body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return domain.Failure(fmt.Sprintf("http: marshal body: %v", err)), nil
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return domain.Failure(fmt.Sprintf("http: create request: %v", err)), nil
	}
	setHeaders(req, params)
	if bodyReader != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return domain.TaskResult{}, fmt.Errorf("%w: %v", ErrHTTPRequest, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.TaskResult{}, fmt.Errorf("%w: read response: %v", ErrHTTPRequest, err)
	}

	outputs := buildOutputs(resp, respBody)
	if resp.StatusCode < 400 {
		return domain.Success(outputs), nil
	}

	msg := fmt.Sprintf("HTTP %d: %s", resp.StatusCode, truncate(string(respBody), 200))
	result := domain.Failure(msg)
	if slices.Contains(getInts(params, "retry_on", DefaultRetryOn), resp.StatusCode) {
		result = domain.RetryLater(msg)
	}
	result.Output["status_code"] = resp.StatusCode
	result.Output["body"] = outputs["body"]
	return result, nil
}

func buildOutputs(resp *http.Response, body []byte) map[string]any {
	headers := make(map[string]string, len(resp.Header))
	for key := range resp.Header {
		headers[key] = resp.Header.Get(key)
	}

	var parsedBody any
	if err := json.Unmarshal(body, &parsedBody); err != nil {
		parsedBody = string(body)
	}

	return map[string]any{
		"status_code": resp.StatusCode,
		"headers":     headers,
		"body":        parsedBody,
	}
}

func setHeaders(req *http.Request, params map[string]any) {
	switch h := params["headers"].(type) {
	case map[string]any:
		for key, val := range h {
			if s, ok := val.(string); ok {
				req.Header.Set(key, s)
			}
		}
	case map[string]string:
		for key, val := range h {
			req.Header.Set(key, val)
		}
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
