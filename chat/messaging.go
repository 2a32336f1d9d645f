package chat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"bitbucket.org/atelierworks/bridge_backend/utils"
)

// ErrThreadCreationUnsupported: the messaging platform is push-to-user, so a
// conversation handle only ever comes from an inbound event.
var ErrThreadCreationUnsupported = errors.New("platform cannot originate threads")

// messagingClient pushes messages to the mobile messaging platform. The
// thread ref is the recipient's user id.
type messagingClient struct {
	baseURL     string
	accessToken string
	http        *http.Client
}

func NewMessagingClient() (Sender, error) {
	accessToken := strings.TrimSpace(os.Getenv("MESSAGING_CHANNEL_ACCESS_TOKEN"))
	if accessToken == "" {
		return nil, errors.New("messaging channel access token is empty")
	}
	baseURL := strings.TrimSpace(os.Getenv("MESSAGING_API_BASE_URL"))
	if baseURL == "" {
		baseURL = "https://api.line.me"
	}
	return &messagingClient{
		baseURL:     strings.TrimRight(baseURL, "/"),
		accessToken: accessToken,
		http:        &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (c *messagingClient) CreateThread(ctx context.Context, orderId, title string) (string, error) {
	return "", ErrThreadCreationUnsupported
}

func (c *messagingClient) SendMessage(ctx context.Context, threadRef, body string) (string, error) {
	payload := map[string]any{
		"to": threadRef,
		"messages": []map[string]any{
			{"type": "text", "text": body},
		},
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v2/bot/message/push", strings.NewReader(string(b)))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &utils.ExternalError{
			Op:         "messaging push",
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(respBody)),
		}
	}

	// The push API acks without a message id; sentinel keeps the outbox row
	// marked as delivered.
	var parsed struct {
		SentMessages []struct {
			ID string `json:"id"`
		} `json:"sentMessages"`
	}
	if err := json.Unmarshal(respBody, &parsed); err == nil && len(parsed.SentMessages) > 0 {
		return parsed.SentMessages[0].ID, nil
	}
	return "pushed", nil
}
