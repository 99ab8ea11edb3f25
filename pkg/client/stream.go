package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"

	"github.com/killallgit/divechat/pkg/transcript"
)

// SendRequest is a new user prompt. ChatID is empty for a new chat.
type SendRequest struct {
	Message string
	ChatID  string
	Files   []transcript.File
}

type retryRequest struct {
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
}

type editRequest struct {
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
	Content   string `json:"content"`
}

// Send posts a prompt as multipart form data and returns the event stream
// body. The caller closes it.
func (c *Client) Send(ctx context.Context, req SendRequest) (io.ReadCloser, error) {
	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)

	if req.Message != "" {
		if err := form.WriteField("message", req.Message); err != nil {
			return nil, fmt.Errorf("failed to write message field: %w", err)
		}
	}
	if req.ChatID != "" {
		if err := form.WriteField("chatId", req.ChatID); err != nil {
			return nil, fmt.Errorf("failed to write chatId field: %w", err)
		}
	}
	for _, f := range req.Files {
		if err := attach(form, f); err != nil {
			return nil, err
		}
	}
	if err := form.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish form: %w", err)
	}

	return c.openStream(ctx, "/api/chat", &buf, form.FormDataContentType())
}

// Retry regenerates the assistant message messageID
func (c *Client) Retry(ctx context.Context, chatID, messageID string) (io.ReadCloser, error) {
	body, err := jsonBody(retryRequest{ChatID: chatID, MessageID: messageID})
	if err != nil {
		return nil, err
	}
	return c.openStream(ctx, "/api/chat/retry", body, "application/json")
}

// Edit replaces the text of user message messageID and regenerates the
// reply
func (c *Client) Edit(ctx context.Context, chatID, messageID, content string) (io.ReadCloser, error) {
	body, err := jsonBody(editRequest{ChatID: chatID, MessageID: messageID, Content: content})
	if err != nil {
		return nil, err
	}
	return c.openStream(ctx, "/api/chat/edit", body, "application/json")
}

// Abort asks the backend to stop generating for a chat
func (c *Client) Abort(ctx context.Context, chatID string) error {
	resp, err := c.do(ctx, http.MethodPost, "/api/chat/"+url.PathEscape(chatID)+"/abort", nil, "")
	if err != nil {
		return fmt.Errorf("failed to abort chat %s: %w", chatID, err)
	}
	io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

func (c *Client) openStream(ctx context.Context, path string, body io.Reader, contentType string) (io.ReadCloser, error) {
	resp, err := c.do(ctx, http.MethodPost, path, body, contentType)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func attach(form *multipart.Writer, f transcript.File) error {
	file, err := os.Open(f.Path)
	if err != nil {
		return fmt.Errorf("failed to open attachment: %w", err)
	}
	defer file.Close()

	name := f.Name
	if name == "" {
		name = filepath.Base(f.Path)
	}
	part, err := form.CreateFormFile("files", name)
	if err != nil {
		return fmt.Errorf("failed to add attachment %s: %w", name, err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return fmt.Errorf("failed to read attachment %s: %w", name, err)
	}
	return nil
}
