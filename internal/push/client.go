package push

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/sebastianm/agentmux/internal/session"
)

// ChatClient posts chunks to the chat API over HTTP. A 429 response is
// retried once after the server's Retry-After; other failures are
// returned to the caller, who logs and drops.
type ChatClient struct {
	log     *slog.Logger
	client  *http.Client
	baseURL string
	token   string
}

func NewChatClient(log *slog.Logger, baseURL, token string) *ChatClient {
	return &ChatClient{
		log:     log,
		client:  &http.Client{Timeout: 15 * time.Second},
		baseURL: baseURL,
		token:   token,
	}
}

type chatPayload struct {
	Channel string `json:"channel"`
	Text    string `json:"text"`
}

func (c *ChatClient) Send(ctx context.Context, destination, text string) error {
	status, retryAfter, err := c.post(ctx, destination, text)
	if err != nil {
		return err
	}
	if status == http.StatusTooManyRequests {
		select {
		case <-time.After(retryAfter):
		case <-ctx.Done():
			return session.Wrap(session.KindTimeout, ctx.Err(), "rate-limit wait")
		}
		status, _, err = c.post(ctx, destination, text)
		if err != nil {
			return err
		}
	}
	if status < 200 || status >= 300 {
		return session.Errf(session.KindTransport, "chat API returned %d", status)
	}
	return nil
}

func (c *ChatClient) post(ctx context.Context, destination, text string) (status int, retryAfter time.Duration, err error) {
	body, err := json.Marshal(chatPayload{Channel: destination, Text: text})
	if err != nil {
		return 0, 0, session.Wrap(session.KindTransport, err, "marshal chat payload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return 0, 0, session.Wrap(session.KindTransport, err, "build chat request")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, 0, session.Wrap(session.KindTransport, err, "post to chat API")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	retryAfter = time.Second
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, perr := strconv.Atoi(v); perr == nil && secs >= 0 {
			retryAfter = time.Duration(secs) * time.Second
		}
	}
	return resp.StatusCode, retryAfter, nil
}
