package fundrouter

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"

	"FundRouter/internal/auth"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the FundRouter REST API. Every
// request is signed with the account key.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	key        *ecdsa.PrivateKey
	account    common.Address
	now        func() time.Time
}

// Agent is the subset of the agent view the SDK exposes.
type Agent struct {
	ID                 string `json:"id"`
	State              string `json:"state"`
	Round              uint64 `json:"round"`
	Name               string `json:"name"`
	Type               string `json:"type"`
	DepositToken       string `json:"deposit_token"`
	TotalShares        uint64 `json:"total_shares"`
	TotalDeposited     string `json:"total_deposited"`
	DistributionAmount string `json:"distribution_amount"`
}

// DepositRequest is the payload of POST /agents/{id}/deposits.
type DepositRequest struct {
	Method    string `json:"method,omitempty"`
	Shares    uint64 `json:"shares"`
	Receiver  string `json:"receiver,omitempty"`
	TokenID   string `json:"token_id,omitempty"`
	Signature string `json:"signature,omitempty"`
}

// DepositReceipt describes a recorded deposit.
type DepositReceipt struct {
	AgentID   string `json:"agent_id"`
	Round     uint64 `json:"round"`
	Depositor string `json:"depositor"`
	Receiver  string `json:"receiver"`
	Shares    uint64 `json:"shares"`
	Amount    string `json:"amount"`
	Credited  string `json:"credited"`
	Member    bool   `json:"member"`
}

// DistributionResult reports the progress of one distribution call.
type DistributionResult struct {
	AgentID   string `json:"agent_id"`
	Round     uint64 `json:"round"`
	Mode      string `json:"mode"`
	Processed int    `json:"processed"`
	Cursor    int    `json:"cursor"`
	Total     int    `json:"total"`
	Completed bool   `json:"completed"`
	FeesPaid  string `json:"fees_paid"`
}

// Task mirrors a distribution resume task.
type Task struct {
	ID        string `json:"id"`
	AgentID   string `json:"agent_id"`
	Round     uint64 `json:"round"`
	Status    string `json:"status"`
	Attempts  int    `json:"attempts"`
	LastError string `json:"last_error,omitempty"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Category   string            `json:"category"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("fundrouter api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("fundrouter api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the FundRouter API. When httpClient is
// nil, a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, key *ecdsa.PrivateKey, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if key == nil {
		return nil, errors.New("fundrouter: signing key is required")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{
		baseURL:    parsed,
		httpClient: httpClient,
		key:        key,
		account:    crypto.PubkeyToAddress(key.PublicKey),
		now:        time.Now,
	}, nil
}

// Account returns the address requests are signed for.
func (c *Client) Account() common.Address { return c.account }

// Agent fetches the agent view.
func (c *Client) Agent(ctx context.Context, agentID string) (Agent, error) {
	var out Agent
	err := c.call(ctx, http.MethodGet, "/api/v1/agents/"+url.PathEscape(agentID), nil, &out)
	return out, err
}

// Deposit buys shares in the agent's open round.
func (c *Client) Deposit(ctx context.Context, agentID string, req DepositRequest) (DepositReceipt, error) {
	var out DepositReceipt
	err := c.call(ctx, http.MethodPost, "/api/v1/agents/"+url.PathEscape(agentID)+"/deposits", req, &out)
	return out, err
}

// ResumeDistribution processes the next slice of a pending distribution.
// A zero budget lets the server apply its default.
func (c *Client) ResumeDistribution(ctx context.Context, agentID string, budget uint64) (DistributionResult, error) {
	var out DistributionResult
	body := map[string]uint64{"budget": budget}
	err := c.call(ctx, http.MethodPost, "/api/v1/agents/"+url.PathEscape(agentID)+"/distribution/resume", body, &out)
	return out, err
}

// SubmitTask queues a background resume for the given round.
func (c *Client) SubmitTask(ctx context.Context, agentID string, round uint64) (Task, error) {
	var out Task
	body := map[string]any{"agent_id": agentID, "round": round}
	err := c.call(ctx, http.MethodPost, "/api/v1/tasks", body, &out)
	return out, err
}

// GetTask fetches task details by identifier.
func (c *Client) GetTask(ctx context.Context, taskID string) (Task, error) {
	var out Task
	err := c.call(ctx, http.MethodGet, "/api/v1/tasks/"+url.PathEscape(taskID), nil, &out)
	return out, err
}

func (c *Client) call(ctx context.Context, method, endpoint string, payload, out any) error {
	var body []byte
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}
	req, err := c.newRequest(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body []byte) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	ts := c.now().Unix()
	sig, err := auth.SignRequest(c.key, method, req.URL.RequestURI(), ts, body)
	if err != nil {
		return nil, fmt.Errorf("sign request: %w", err)
	}
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(auth.HeaderAccount, c.account.Hex())
	req.Header.Set(auth.HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(auth.HeaderSignature, sig)
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		_ = json.Unmarshal(data, apiErr)
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
