// Package agentmesh provides a thin Go client for the AgentMesh-Chain
// control plane REST API.
package agentmesh

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 30 * time.Second

// Client wraps the HTTP interactions with the AgentMesh-Chain REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	wallet     string
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("agentmesh api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the control plane API. When httpClient
// is nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// WithWallet returns a copy of the client that sends the given wallet
// address on every chat request.
func (c *Client) WithWallet(wallet string) *Client {
	clone := *c
	clone.wallet = wallet
	return &clone
}

// AgentResult mirrors the per-agent portion of a chat response.
type AgentResult struct {
	Agent   string   `json:"agent"`
	Name    string   `json:"name"`
	Tools   []string `json:"tools"`
	Summary string   `json:"summary"`
}

// ChatResponse is the orchestrated multi-agent answer.
type ChatResponse struct {
	Success      bool            `json:"success"`
	Message      string          `json:"message"`
	AgentsUsed   []string        `json:"agentsUsed"`
	QueryHash    string          `json:"queryHash"`
	AgentResults []AgentResult   `json:"agentResults"`
	Charged      bool            `json:"charged"`
	Payment      json.RawMessage `json:"payment,omitempty"`
}

// Chat submits an orchestrated multi-agent query.
func (c *Client) Chat(ctx context.Context, message string) (*ChatResponse, error) {
	var resp ChatResponse
	headers := map[string]string{}
	if c.wallet != "" {
		headers["X-Wallet-Address"] = c.wallet
	}
	if err := c.post(ctx, "/api/chat", map[string]string{"message": message}, headers, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RunResponse is the outcome of a single dispatched job.
type RunResponse struct {
	Success bool            `json:"success"`
	JobID   string          `json:"jobId"`
	RunID   string          `json:"runId"`
	Output  json.RawMessage `json:"output,omitempty"`
	Logs    []string        `json:"logs"`
	Error   string          `json:"error,omitempty"`
}

// Run dispatches a single job to an idle worker node.
func (c *Client) Run(ctx context.Context, input any, agentID string, timeout time.Duration) (*RunResponse, error) {
	encoded, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("encode input: %w", err)
	}
	body := map[string]any{"input": json.RawMessage(encoded)}
	if agentID != "" {
		body["agentId"] = agentID
	}
	if timeout > 0 {
		body["timeout"] = timeout.Milliseconds()
	}
	var resp RunResponse
	if err := c.post(ctx, "/api/run", body, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Balance describes the prepaid account state of a wallet.
type Balance struct {
	Wallet           string  `json:"wallet"`
	Balance          float64 `json:"balance"`
	TotalDeposited   float64 `json:"totalDeposited"`
	TotalSpent       float64 `json:"totalSpent"`
	QueryPrice       float64 `json:"queryPrice"`
	QueriesRemaining int     `json:"queriesRemaining"`
}

// GetBalance fetches the prepaid balance for a wallet.
func (c *Client) GetBalance(ctx context.Context, wallet string) (*Balance, error) {
	var balance Balance
	if err := c.get(ctx, "/api/balance?wallet="+url.QueryEscape(wallet), &balance); err != nil {
		return nil, err
	}
	return &balance, nil
}

// DepositResult is the outcome of crediting an on-chain deposit.
type DepositResult struct {
	Success    bool    `json:"success"`
	Deposited  float64 `json:"deposited"`
	NewBalance float64 `json:"newBalance"`
}

// Deposit asks the control plane to verify and credit a deposit transaction.
func (c *Client) Deposit(ctx context.Context, txHash, wallet string) (*DepositResult, error) {
	var result DepositResult
	body := map[string]string{"txHash": txHash, "wallet": wallet}
	if err := c.post(ctx, "/api/deposit", body, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Status returns the control plane status summary as raw JSON.
func (c *Client) Status(ctx context.Context) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := c.get(ctx, "/api/status", &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func (c *Client) post(ctx context.Context, path string, body any, headers map[string]string, out any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.resolve(path), bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.resolve(path), nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if decodeErr := json.NewDecoder(resp.Body).Decode(apiErr); decodeErr != nil || apiErr.Message == "" {
			apiErr.Message = resp.Status
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) resolve(path string) string {
	return strings.TrimRight(c.baseURL.String(), "/") + path
}
