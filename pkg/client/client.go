package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/killallgit/divechat/pkg/history"
	"github.com/killallgit/divechat/pkg/transcript"
)

// ErrUnsuccessful is returned when the backend answers 2xx with success=false
var ErrUnsuccessful = errors.New("backend reported failure")

// Client talks to the chat backend
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// ChatSummary is one entry of the chat list
type ChatSummary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	SessionID string    `json:"session_id,omitempty"`
}

// Chat is a persisted chat with its records
type Chat struct {
	ChatSummary
	Records []history.Record
}

// SubTool is one tool exposed by an MCP server
type SubTool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
}

// ToolServer is an MCP server and the tools it provides
type ToolServer struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Icon        string    `json:"icon,omitempty"`
	Tools       []SubTool `json:"tools,omitempty"`
	Enabled     bool      `json:"enabled"`
	Disabled    bool      `json:"disabled"`
}

// New creates a client for baseURL. A zero timeout means none, which is
// what streaming requests need.
func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// NewWithHTTPClient creates a client using a caller supplied http.Client
func NewWithHTTPClient(baseURL string, httpClient *http.Client) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

// History fetches a chat and its persisted records
func (c *Client) History(ctx context.Context, chatID string) (*Chat, error) {
	var resp struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
		Data    struct {
			Chat     ChatSummary      `json:"chat"`
			Messages []history.Record `json:"messages"`
		} `json:"data"`
	}
	if err := c.getJSON(ctx, "/api/chat/"+url.PathEscape(chatID), &resp); err != nil {
		return nil, fmt.Errorf("failed to load chat %s: %w", chatID, err)
	}
	if !resp.Success {
		return nil, fmt.Errorf("failed to load chat %s: %w", chatID, unsuccessful(resp.Message))
	}

	chat := &Chat{ChatSummary: resp.Data.Chat, Records: resp.Data.Messages}
	if chat.ID == "" {
		chat.ID = chatID
	}
	return chat, nil
}

// Sources fetches the persisted citations of a chat
func (c *Client) Sources(ctx context.Context, chatID string) ([]transcript.Source, error) {
	var sources []transcript.Source
	if err := c.getJSON(ctx, "/api/chat/"+url.PathEscape(chatID)+"/sources", &sources); err != nil {
		return nil, fmt.Errorf("failed to load sources for %s: %w", chatID, err)
	}
	return transcript.MergeSources(nil, sources), nil
}

// ListChats lists chats, newest message first. A non-empty sessionID
// restricts the list to chats created by that client session.
func (c *Client) ListChats(ctx context.Context, sessionID string) ([]ChatSummary, error) {
	query := url.Values{"sort_by": {"msg"}}
	if sessionID != "" {
		query.Set("sessionId", sessionID)
	}

	var resp struct {
		Success bool          `json:"success"`
		Message string        `json:"message"`
		Data    []ChatSummary `json:"data"`
	}
	if err := c.getJSON(ctx, "/api/chat/list?"+query.Encode(), &resp); err != nil {
		return nil, fmt.Errorf("failed to list chats: %w", err)
	}
	if !resp.Success {
		return nil, fmt.Errorf("failed to list chats: %w", unsuccessful(resp.Message))
	}
	return resp.Data, nil
}

// DeleteChat deletes one chat
func (c *Client) DeleteChat(ctx context.Context, chatID string) error {
	if err := c.doSuccess(ctx, http.MethodDelete, "/api/chat/"+url.PathEscape(chatID)); err != nil {
		return fmt.Errorf("failed to delete chat %s: %w", chatID, err)
	}
	return nil
}

// ClearMCP drops the MCP server state kept for a chat
func (c *Client) ClearMCP(ctx context.Context, chatID string) error {
	if err := c.doSuccess(ctx, http.MethodPost, "/api/mcp/clear/"+url.PathEscape(chatID)); err != nil {
		return fmt.Errorf("failed to clear MCP data for %s: %w", chatID, err)
	}
	return nil
}

// ClearResult counts the outcome of ClearAll
type ClearResult struct {
	Deleted int
	Failed  int
}

// ClearAll deletes every listed chat and clears its MCP state. Failures are
// counted, not returned; only a failed listing is an error.
func (c *Client) ClearAll(ctx context.Context, sessionID string) (ClearResult, error) {
	chats, err := c.ListChats(ctx, sessionID)
	if err != nil {
		return ClearResult{}, err
	}

	var res ClearResult
	for _, chat := range chats {
		if err := c.DeleteChat(ctx, chat.ID); err != nil {
			res.Failed++
			continue
		}
		if err := c.ClearMCP(ctx, chat.ID); err != nil {
			res.Failed++
			continue
		}
		res.Deleted++
	}
	return res, nil
}

// ListTools lists the MCP servers and their tools
func (c *Client) ListTools(ctx context.Context) ([]ToolServer, error) {
	var resp struct {
		Success bool         `json:"success"`
		Message string       `json:"message"`
		Tools   []ToolServer `json:"tools"`
	}
	if err := c.getJSON(ctx, "/api/tools", &resp); err != nil {
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}
	if !resp.Success {
		return nil, fmt.Errorf("failed to list tools: %w", unsuccessful(resp.Message))
	}
	return resp.Tools, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	resp, err := c.do(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// doSuccess issues a request whose response is {success, message}
func (c *Client) doSuccess(ctx context.Context, method, path string) error {
	resp, err := c.do(ctx, method, path, nil, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var body struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if !body.Success {
		return unsuccessful(body.Message)
	}
	return nil
}

// do sends a request and returns the response when the status is 2xx.
// Any other status is turned into an error and the body is closed.
func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, statusError(resp)
	}
	return resp, nil
}

// StatusError is a non-2xx answer from the backend
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("request failed with status %d", e.StatusCode)
	}
	return fmt.Sprintf("request failed with status %d: %s", e.StatusCode, e.Message)
}

func statusError(resp *http.Response) error {
	errorBody, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return &StatusError{StatusCode: resp.StatusCode}
	}

	var errorResp struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(errorBody, &errorResp) == nil {
		if errorResp.Error != "" {
			return &StatusError{StatusCode: resp.StatusCode, Message: errorResp.Error}
		}
		if errorResp.Message != "" {
			return &StatusError{StatusCode: resp.StatusCode, Message: errorResp.Message}
		}
	}
	return &StatusError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(errorBody))}
}

func unsuccessful(message string) error {
	if message == "" {
		return ErrUnsuccessful
	}
	return fmt.Errorf("%w: %s", ErrUnsuccessful, message)
}

func jsonBody(v any) (io.Reader, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	return bytes.NewReader(raw), nil
}
