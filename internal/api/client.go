// Package api is the consumer-side client for the collaborator REST
// service: match listing, message history pages and chat-image uploads.
// The service itself is owned elsewhere; this package only speaks to it.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"sync"

	"github.com/pairup/chatlink/internal/wire"
	"go.uber.org/zap"
)

// ErrUnauthorized is returned when the bearer token is rejected.
var ErrUnauthorized = errors.New("api: unauthorized")

// Client talks to the REST collaborator service with bearer auth.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger

	mu    sync.RWMutex
	token string
}

// NewClient creates a REST client for the given base URL.
func NewClient(baseURL string, logger *zap.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{},
		logger:  logger,
	}
}

// SetToken installs the bearer token supplied at connection time.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Match is one conversation channel between two matched users.
type Match struct {
	ID        string   `json:"id"`
	UserIDs   []string `json:"userIds"`
	UpdatedAt int64    `json:"updatedAt"`
}

// MessagesPage is one page of message history.
type MessagesPage struct {
	Messages []wire.Message `json:"messages"`
	HasMore  bool           `json:"hasMore"`
}

// ListMatches fetches the caller's matches.
func (c *Client) ListMatches(ctx context.Context) ([]Match, error) {
	var matches []Match
	if err := c.getJSON(ctx, c.baseURL+"/matches", &matches); err != nil {
		return nil, err
	}
	return matches, nil
}

// ListMessages fetches one history page for a match. Bodies come back as
// stored, i.e. still encrypted; decryption is the chat session's job.
func (c *Client) ListMessages(ctx context.Context, matchID string, page, limit int) (*MessagesPage, error) {
	url := fmt.Sprintf("%s/matches/%s/messages?page=%s&limit=%s",
		c.baseURL, matchID, strconv.Itoa(page), strconv.Itoa(limit))
	var result MessagesPage
	if err := c.getJSON(ctx, url, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// UploadChatImage posts an image as multipart form data and returns the
// hosted URL to reference in a send-message event.
func (c *Client) UploadChatImage(ctx context.Context, matchID, filename string, r io.Reader) (string, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		defer func() { _ = pw.Close() }()
		if err := mw.WriteField("matchId", matchID); err != nil {
			_ = pw.CloseWithError(err)
			return
		}
		part, err := mw.CreateFormFile("image", filename)
		if err != nil {
			_ = pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, r); err != nil {
			_ = pw.CloseWithError(err)
			return
		}
		_ = pw.CloseWithError(mw.Close())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/upload/chat-image", pr)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload chat image: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := checkStatus(resp); err != nil {
		return "", err
	}

	var result struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode upload response: %w", err)
	}
	return result.URL, nil
}

func (c *Client) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := checkStatus(resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

func checkStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrUnauthorized
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return fmt.Errorf("api: unexpected status %s", resp.Status)
	}
	return nil
}
