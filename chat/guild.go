package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"bitbucket.org/atelierworks/bridge_backend/utils"
)

// guildClient talks to the guild chat platform's REST API with a bot token.
// Threads live under a forum channel; operator alerts go through an
// incoming-webhook URL so they never land in a customer thread.
type guildClient struct {
	baseURL    string
	botToken   string
	forumId    string
	webhookURL string
	http       *http.Client
}

func NewGuildClient() (Sender, error) {
	botToken := strings.TrimSpace(os.Getenv("GUILD_BOT_TOKEN"))
	if botToken == "" {
		return nil, errors.New("guild bot token is empty")
	}
	forumId := strings.TrimSpace(os.Getenv("GUILD_FORUM_CHANNEL_ID"))
	if forumId == "" {
		return nil, errors.New("guild forum channel id is empty")
	}
	baseURL := strings.TrimSpace(os.Getenv("GUILD_API_BASE_URL"))
	if baseURL == "" {
		baseURL = "https://discord.com/api/v10"
	}
	return &guildClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		botToken:   botToken,
		forumId:    forumId,
		webhookURL: strings.TrimSpace(os.Getenv("GUILD_OPERATOR_WEBHOOK_URL")),
		http:       &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// NewGuildOperatorNotifier reuses the same webhook config for the alert path.
func NewGuildOperatorNotifier() (OperatorNotifier, error) {
	webhookURL := strings.TrimSpace(os.Getenv("GUILD_OPERATOR_WEBHOOK_URL"))
	if webhookURL == "" {
		return nil, errors.New("guild operator webhook url is empty")
	}
	return &guildClient{
		webhookURL: webhookURL,
		http:       &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (c *guildClient) CreateThread(ctx context.Context, orderId, title string) (string, error) {
	payload := map[string]any{
		"name": title,
		"message": map[string]any{
			"content": fmt.Sprintf("Order ID: `%s`", orderId),
		},
	}
	raw, err := c.doJSON(ctx, http.MethodPost, fmt.Sprintf("%s/channels/%s/threads", c.baseURL, c.forumId), payload)
	if err != nil {
		return "", err
	}
	var parsed struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", err
	}
	if parsed.ID == "" {
		return "", &utils.ExternalError{Op: "guild create thread", StatusCode: http.StatusBadGateway, Body: "response carried no thread id"}
	}
	return parsed.ID, nil
}

func (c *guildClient) SendMessage(ctx context.Context, threadRef, body string) (string, error) {
	payload := map[string]any{"content": body}
	raw, err := c.doJSON(ctx, http.MethodPost, fmt.Sprintf("%s/channels/%s/messages", c.baseURL, threadRef), payload)
	if err != nil {
		return "", err
	}
	var parsed struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", err
	}
	return parsed.ID, nil
}

func (c *guildClient) SendOperatorAlert(ctx context.Context, body string) error {
	if c.webhookURL == "" {
		return errors.New("guild operator webhook url is empty")
	}
	b, _ := json.Marshal(map[string]any{"content": body})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.webhookURL, strings.NewReader(string(b)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	// Webhook deliveries answer 204 on success.
	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return &utils.ExternalError{
			Op:         "guild operator alert",
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(respBody)),
		}
	}
	return nil
}

func (c *guildClient) doJSON(ctx context.Context, method, endpoint string, payload any) ([]byte, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(string(b)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bot "+c.botToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &utils.ExternalError{
			Op:         "guild " + method + " " + endpoint,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(respBody)),
		}
	}
	return respBody, nil
}
