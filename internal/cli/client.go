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

// --- Response types (CLI не импортирует internal/api) ---

// StatusResponse — ответ /readyz.
type StatusResponse struct {
	Service      string            `json:"service"`
	Ready        bool              `json:"ready"`
	ConnectionUp bool              `json:"connection_up"`
	Bindings     map[string]string `json:"bindings"`
}

// PublishResponse — принятая публикация.
type PublishResponse struct {
	Queue string `json:"queue"`
	Bytes int    `json:"bytes,omitempty"`
}

type dataResponse struct {
	Data json.RawMessage `json:"data"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// --- Client ---

// Client — HTTP-клиент для процесса сервиса Teamhub.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient создаёт клиент для адреса сервиса.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Status возвращает состояние сервиса. 503 — не ошибка: сервис ответил,
// но не готов.
func (c *Client) Status() (*StatusResponse, error) {
	resp, err := c.do(http.MethodGet, "/readyz", "", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return nil, c.checkError(resp)
	}

	var status StatusResponse
	if err := decodeData(resp.Body, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Publish публикует сырое тело в исходящую очередь сервиса.
func (c *Client) Publish(queue string, body []byte) (*PublishResponse, error) {
	var out PublishResponse
	err := c.post("/v1/messages/"+url.PathEscape(queue), body, &out)
	return &out, err
}

// CheckTeam запрашивает проверку team id.
func (c *Client) CheckTeam(teamID int64) (*PublishResponse, error) {
	var out PublishResponse
	err := c.post("/v1/teams/"+strconv.FormatInt(teamID, 10)+"/check", nil, &out)
	return &out, err
}

// --- HTTP helpers ---

func (c *Client) post(path string, body []byte, result any) error {
	resp, err := c.do(http.MethodPost, path, "application/json", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}
	return decodeData(resp.Body, result)
}

func (c *Client) do(method, path, contentType string, body []byte) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequest(method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if contentType != "" && body != nil {
		req.Header.Set("Content-Type", contentType)
	}

	return c.httpClient.Do(req)
}

func decodeData(r io.Reader, result any) error {
	var dr dataResponse
	if err := json.NewDecoder(r).Decode(&dr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if result != nil {
		return json.Unmarshal(dr.Data, result)
	}
	return nil
}

func (c *Client) checkError(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}

	var er errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return fmt.Errorf("API error: HTTP %d", resp.StatusCode)
	}

	return fmt.Errorf("%s: %s", er.Error.Code, er.Error.Message)
}
