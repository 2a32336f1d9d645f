package designapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"bitbucket.org/atelierworks/bridge_backend/models"
	"bitbucket.org/atelierworks/bridge_backend/utils"
)

// JobState is the external service's view of one import job.
type JobState string

const (
	JobStateInProgress JobState = "in_progress"
	JobStateSuccess    JobState = "success"
	JobStateFailed     JobState = "failed"
)

type JobStatus struct {
	State         JobState
	ResultURL     string
	FailureReason string
}

// Client is the slice of the design-automation API the dispatcher depends on.
type Client interface {
	SubmitJob(ctx context.Context, orderId string, meta models.OrderMetadata) (jobRef string, err error)
	GetJobStatus(ctx context.Context, jobRef string) (JobStatus, error)
}

type restClient struct {
	baseURL      string
	clientId     string
	clientSecret string
	http         *http.Client
	limiter      <-chan time.Time

	mu           sync.Mutex
	accessToken  string
	refreshToken string
}

// NewClient builds the REST client from env. Tokens rotate at runtime (the
// service refreshes on 401), so they live behind the mutex, not in env reads.
func NewClient() (Client, error) {
	baseURL := strings.TrimSpace(os.Getenv("DESIGN_API_BASE_URL"))
	if baseURL == "" {
		baseURL = "https://api.canva.com"
	}
	accessToken := strings.TrimSpace(os.Getenv("DESIGN_API_ACCESS_TOKEN"))
	refreshToken := strings.TrimSpace(os.Getenv("DESIGN_API_REFRESH_TOKEN"))
	if accessToken == "" {
		return nil, errors.New("design api access token is empty")
	}
	rateLimitPerMin := int64(10)
	if v := strings.TrimSpace(os.Getenv("DESIGN_API_RATE_LIMIT_PER_MIN")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			rateLimitPerMin = n
		}
	}
	interval := time.Minute / time.Duration(rateLimitPerMin)

	return &restClient{
		baseURL:      strings.TrimRight(baseURL, "/"),
		clientId:     strings.TrimSpace(os.Getenv("DESIGN_API_CLIENT_ID")),
		clientSecret: strings.TrimSpace(os.Getenv("DESIGN_API_CLIENT_SECRET")),
		http:         &http.Client{Timeout: 30 * time.Second},
		limiter:      time.Tick(interval),
		accessToken:  accessToken,
		refreshToken: refreshToken,
	}, nil
}

type submitResponse struct {
	Job struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		Error  struct {
			Message string `json:"message"`
		} `json:"error"`
		Result struct {
			Designs []struct {
				Urls struct {
					EditURL string `json:"edit_url"`
				} `json:"urls"`
			} `json:"designs"`
		} `json:"result"`
	} `json:"job"`
}

func (c *restClient) SubmitJob(ctx context.Context, orderId string, meta models.OrderMetadata) (string, error) {
	title := fmt.Sprintf("Order %s - %s", orderId, meta.CustomerName)
	body := map[string]any{
		"title": title,
		"metadata": map[string]any{
			"order_id":     orderId,
			"product_name": meta.ProductName,
			"board_name":   meta.BoardName,
			"board_number": meta.BoardNumber,
			"board_size":   meta.BoardSize,
			"order_total":  meta.Total.String(),
		},
	}

	raw, err := c.doJSON(ctx, http.MethodPost, "/rest/v1/imports", body, false)
	if err != nil {
		return "", err
	}
	var parsed submitResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", err
	}
	if parsed.Job.ID == "" {
		return "", &utils.ExternalError{Op: "design api submit", StatusCode: http.StatusBadGateway, Body: "response carried no job id"}
	}
	return parsed.Job.ID, nil
}

func (c *restClient) GetJobStatus(ctx context.Context, jobRef string) (JobStatus, error) {
	raw, err := c.doJSON(ctx, http.MethodGet, "/rest/v1/imports/"+url.PathEscape(jobRef), nil, false)
	if err != nil {
		return JobStatus{}, err
	}
	var parsed submitResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return JobStatus{}, err
	}

	status := JobStatus{State: JobState(parsed.Job.Status)}
	switch status.State {
	case JobStateSuccess:
		if len(parsed.Job.Result.Designs) > 0 {
			status.ResultURL = parsed.Job.Result.Designs[0].Urls.EditURL
		}
	case JobStateFailed:
		status.FailureReason = parsed.Job.Error.Message
	case JobStateInProgress:
	default:
		// Unknown status strings are treated as still-running; the poll
		// timeout bounds how long that can last.
		status.State = JobStateInProgress
	}
	return status, nil
}

// doJSON performs one request with the current access token. A 401 triggers a
// refresh-token exchange and exactly one retry; a second 401 is surfaced.
func (c *restClient) doJSON(ctx context.Context, method, path string, body any, retried bool) ([]byte, error) {
	<-c.limiter

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = strings.NewReader(string(b))
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	token := c.accessToken
	c.mu.Unlock()
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode == http.StatusUnauthorized && !retried {
		if err := c.refreshAccessToken(ctx); err != nil {
			return nil, err
		}
		return c.doJSON(ctx, method, path, body, true)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &utils.ExternalError{
			Op:         "design api " + method + " " + path,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(respBody)),
		}
	}
	return respBody, nil
}

func (c *restClient) refreshAccessToken(ctx context.Context) error {
	c.mu.Lock()
	refresh := c.refreshToken
	c.mu.Unlock()
	if refresh == "" || c.clientId == "" || c.clientSecret == "" {
		return errors.New("design api token expired and no refresh credentials configured")
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refresh)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/rest/v1/oauth/token", strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.clientId, c.clientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &utils.ExternalError{
			Op:         "design api token refresh",
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(respBody)),
		}
	}

	var parsed struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return err
	}
	if parsed.AccessToken == "" {
		return errors.New("design api token refresh returned no access token")
	}

	c.mu.Lock()
	c.accessToken = parsed.AccessToken
	if parsed.RefreshToken != "" {
		c.refreshToken = parsed.RefreshToken
	}
	c.mu.Unlock()
	return nil
}
