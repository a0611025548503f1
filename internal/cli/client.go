package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// --- Response types (дублируются из api, CLI не импортирует internal/api) ---

// InstanceResponse — экземпляр workflow из API.
type InstanceResponse struct {
	ID             string         `json:"id"`
	DefinitionID   string         `json:"definition_id"`
	Status         string         `json:"status"`
	ActiveNodes    []string       `json:"active_nodes"`
	CompletedNodes []string       `json:"completed_nodes"`
	Context        map[string]any `json:"context,omitempty"`
	Version        int64          `json:"version"`
	StartTime      string         `json:"start_time,omitempty"`
	EndTime        string         `json:"end_time,omitempty"`
	ErrorMessage   string         `json:"error_message,omitempty"`
	CreatedAt      string         `json:"created_at"`
	UpdatedAt      string         `json:"updated_at"`
}

// NodeResponse — узел определения.
type NodeResponse struct {
	ID        string         `json:"id"`
	Processor string         `json:"processor"`
	DependsOn []string       `json:"depends_on,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
}

// DefinitionResponse — определение workflow из API.
type DefinitionResponse struct {
	ID         string         `json:"id"`
	Name       string         `json:"name,omitempty"`
	Nodes      []NodeResponse `json:"nodes"`
	TimeoutSec int            `json:"timeout_sec,omitempty"`
	CreatedAt  string         `json:"created_at"`
}

// DelayTaskResponse — отложенная задача из API.
type DelayTaskResponse struct {
	TaskID      string         `json:"task_id"`
	TaskType    string         `json:"task_type"`
	Params      map[string]any `json:"params,omitempty"`
	CreateTime  string         `json:"create_time"`
	ExecuteTime string         `json:"execute_time"`
}

// BreakerResponse — состояние circuit breaker.
type BreakerResponse struct {
	Processor string `json:"processor"`
	State     string `json:"state"`
	Calls     int    `json:"calls"`
	Failures  int    `json:"failures"`
	SlowCalls int    `json:"slow_calls"`
}

// --- Request types ---

// SubmitInstanceRequest — создание экземпляра.
type SubmitInstanceRequest struct {
	DefinitionID string         `json:"definition_id"`
	Input        map[string]any `json:"input,omitempty"`
	Start        *bool          `json:"start,omitempty"`
}

// SubmitDelayRequest — планирование отложенной задачи.
type SubmitDelayRequest struct {
	TaskType string         `json:"task_type"`
	TaskID   string         `json:"task_id"`
	Params   map[string]any `json:"params,omitempty"`
	DelaySec int            `json:"delay_sec"`
}

// ListInstancesOpts — параметры фильтрации экземпляров.
type ListInstancesOpts struct {
	DefinitionID string
	Status       string
	Limit        int
	Offset       int
}

// --- API response wrappers ---

type dataResponse struct {
	Data json.RawMessage `json:"data"`
}

type listResponse struct {
	Data  json.RawMessage `json:"data"`
	Total int             `json:"total"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// --- Client ---

// Client — HTTP-клиент для Relay admin API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient создаёт клиент для API.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// --- Instances ---

// ListInstances возвращает экземпляры с фильтрацией.
func (c *Client) ListInstances(opts ListInstancesOpts) ([]InstanceResponse, error) {
	params := url.Values{}
	if opts.DefinitionID != "" {
		params.Set("definition_id", opts.DefinitionID)
	}
	if opts.Status != "" {
		params.Set("status", opts.Status)
	}
	if opts.Limit > 0 {
		params.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		params.Set("offset", strconv.Itoa(opts.Offset))
	}

	var instances []InstanceResponse
	err := c.list("/api/v1/instances", params, &instances)
	return instances, err
}

// GetInstance возвращает экземпляр по ID.
func (c *Client) GetInstance(id string) (*InstanceResponse, error) {
	var inst InstanceResponse
	err := c.get("/api/v1/instances/"+url.PathEscape(id), &inst)
	return &inst, err
}

// ListFailedInstances возвращает экземпляры, упавшие за последние minutes минут.
func (c *Client) ListFailedInstances(minutes int) ([]InstanceResponse, error) {
	params := url.Values{}
	if minutes > 0 {
		params.Set("minutes", strconv.Itoa(minutes))
	}
	var instances []InstanceResponse
	err := c.list("/api/v1/instances/failed", params, &instances)
	return instances, err
}

// CountActiveInstances возвращает количество активных экземпляров.
func (c *Client) CountActiveInstances() (int64, error) {
	var resp struct {
		Active int64 `json:"active"`
	}
	err := c.get("/api/v1/instances/count", &resp)
	return resp.Active, err
}

// SubmitInstance создаёт экземпляр.
func (c *Client) SubmitInstance(req SubmitInstanceRequest) (*InstanceResponse, error) {
	var inst InstanceResponse
	err := c.post("/api/v1/instances", req, &inst)
	return &inst, err
}

// TransitionInstance выполняет переход: start, pause, resume или cancel.
func (c *Client) TransitionInstance(id, action string) (*InstanceResponse, error) {
	var inst InstanceResponse
	err := c.post("/api/v1/instances/"+url.PathEscape(id)+"/"+action, nil, &inst)
	return &inst, err
}

// RedispatchInstance повторно отправляет активные узлы.
func (c *Client) RedispatchInstance(id string) (int, error) {
	var resp struct {
		Dispatched int `json:"dispatched"`
	}
	err := c.post("/api/v1/instances/"+url.PathEscape(id)+"/redispatch", nil, &resp)
	return resp.Dispatched, err
}

// --- Definitions ---

// ListDefinitions возвращает все определения.
func (c *Client) ListDefinitions() ([]DefinitionResponse, error) {
	var defs []DefinitionResponse
	err := c.list("/api/v1/definitions", nil, &defs)
	return defs, err
}

// GetDefinition возвращает определение по ID.
func (c *Client) GetDefinition(id string) (*DefinitionResponse, error) {
	var def DefinitionResponse
	err := c.get("/api/v1/definitions/"+url.PathEscape(id), &def)
	return &def, err
}

// SaveDefinition создаёт или заменяет определение.
func (c *Client) SaveDefinition(id string, def any) (*DefinitionResponse, error) {
	var saved DefinitionResponse
	err := c.put("/api/v1/definitions/"+url.PathEscape(id), def, &saved)
	return &saved, err
}

// DeleteDefinition удаляет определение.
func (c *Client) DeleteDefinition(id string) error {
	return c.delete("/api/v1/definitions/" + url.PathEscape(id))
}

// --- Delays ---

// SubmitDelay планирует задачу и возвращает её ключ.
func (c *Client) SubmitDelay(req SubmitDelayRequest) (string, error) {
	var resp struct {
		Key string `json:"key"`
	}
	err := c.post("/api/v1/delays", req, &resp)
	return resp.Key, err
}

// GetDelay возвращает запланированную задачу.
func (c *Client) GetDelay(key string) (*DelayTaskResponse, error) {
	var task DelayTaskResponse
	err := c.get("/api/v1/delays/"+url.PathEscape(key), &task)
	return &task, err
}

// CancelDelay отменяет задачу. false — задачи уже нет.
func (c *Client) CancelDelay(key string) (bool, error) {
	var resp struct {
		Cancelled bool `json:"cancelled"`
	}
	err := c.doData(http.MethodDelete, "/api/v1/delays/"+url.PathEscape(key), nil, &resp)
	return resp.Cancelled, err
}

// --- Ops ---

// Sweep запускает обслуживание: "timeouts" или "cleanup".
func (c *Client) Sweep(job string) (int64, error) {
	var resp struct {
		Affected int64 `json:"affected"`
	}
	err := c.post("/api/v1/sweep/"+job, nil, &resp)
	return resp.Affected, err
}

// ListProcessors возвращает процессоры воркера.
func (c *Client) ListProcessors() ([]string, error) {
	var names []string
	err := c.list("/api/v1/processors", nil, &names)
	return names, err
}

// ListBreakers возвращает состояние circuit breakers воркера.
func (c *Client) ListBreakers() ([]BreakerResponse, error) {
	var breakers []BreakerResponse
	err := c.list("/api/v1/breakers", nil, &breakers)
	return breakers, err
}

// WorkerStats возвращает загрузку пулов воркера.
func (c *Client) WorkerStats() (map[string]int, error) {
	var stats map[string]int
	err := c.get("/api/v1/worker/stats", &stats)
	return stats, err
}

// --- HTTP helpers ---

func (c *Client) get(path string, result any) error {
	return c.doData(http.MethodGet, path, nil, result)
}

func (c *Client) post(path string, body any, result any) error {
	return c.doData(http.MethodPost, path, body, result)
}

func (c *Client) put(path string, body any, result any) error {
	return c.doData(http.MethodPut, path, body, result)
}

func (c *Client) delete(path string) error {
	resp, err := c.do(http.MethodDelete, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return c.checkError(resp)
}

func (c *Client) list(path string, params url.Values, result any) error {
	if len(params) > 0 {
		path = path + "?" + params.Encode()
	}

	resp, err := c.do(http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	var lr listResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return json.Unmarshal(lr.Data, result)
}

func (c *Client) doData(method, path string, body any, result any) error {
	resp, err := c.do(method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	// 204 No Content
	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	var dr dataResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if result != nil {
		return json.Unmarshal(dr.Data, result)
	}
	return nil
}

func (c *Client) do(method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.httpClient.Do(req)
}

func (c *Client) checkError(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}

	apiErr := &APIError{Status: resp.StatusCode}
	var er errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err == nil {
		apiErr.Code = er.Error.Code
		apiErr.Message = er.Error.Message
	}
	return apiErr
}

// APIError — ошибка, возвращённая API.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("API error: HTTP %d", e.Status)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}
