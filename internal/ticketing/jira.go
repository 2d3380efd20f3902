// Package ticketing files escalation tickets in a Jira-compatible tracker.
//
// Ticketing failures are non-fatal to the conversation: escalation proceeds
// with a pending ticket and the failure is recorded in the audit trail.
package ticketing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/supportdhq/supportd/internal/config"
	"github.com/supportdhq/supportd/internal/logging"
	"github.com/supportdhq/supportd/internal/retry"
)

// ErrTicketing wraps any tracker failure so callers can degrade instead of
// aborting the escalation.
var ErrTicketing = errors.New("ticketing: tracker request failed")

// Issue describes a ticket to create.
type Issue struct {
	Summary     string
	Description string
	Labels      []string
}

// Client files and annotates tickets.
type Client interface {
	CreateIssue(ctx context.Context, issue Issue) (string, error)
	AddComment(ctx context.Context, key, body string) error
}

type createIssueRequest struct {
	Fields issueFields `json:"fields"`
}

type issueFields struct {
	Project     projectRef `json:"project"`
	Summary     string     `json:"summary"`
	Description string     `json:"description"`
	IssueType   typeRef    `json:"issuetype"`
	Labels      []string   `json:"labels,omitempty"`
}

type projectRef struct {
	Key string `json:"key"`
}

type typeRef struct {
	Name string `json:"name"`
}

type createIssueResponse struct {
	ID  string `json:"id"`
	Key string `json:"key"`
}

type commentRequest struct {
	Body string `json:"body"`
}

type errorResponse struct {
	ErrorMessages []string `json:"errorMessages"`
}

// JiraClient talks to the Jira REST v2 API.
type JiraClient struct {
	baseURL    string
	username   string
	token      string
	projectKey string
	issueType  string
	httpClient *http.Client
	limiter    *rate.Limiter
	retry      retry.Config
	logger     *logging.Logger
}

// NewJiraClient builds a client from configuration.
func NewJiraClient(cfg config.TicketingConfig, logger *logging.Logger) *JiraClient {
	timeout := cfg.Timeout.Duration()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	issueType := cfg.IssueType
	if issueType == "" {
		issueType = "Task"
	}
	return &JiraClient{
		baseURL:    cfg.URL,
		username:   cfg.Username,
		token:      cfg.APIToken.Value(),
		projectKey: cfg.ProjectKey,
		issueType:  issueType,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(2), 1),
		retry:      retry.DefaultConfig(),
		logger:     logger.Named("ticketing"),
	}
}

// CreateIssue files a ticket and returns its key.
func (c *JiraClient) CreateIssue(ctx context.Context, issue Issue) (string, error) {
	req := createIssueRequest{
		Fields: issueFields{
			Project:     projectRef{Key: c.projectKey},
			Summary:     issue.Summary,
			Description: issue.Description,
			IssueType:   typeRef{Name: c.issueType},
			Labels:      issue.Labels,
		},
	}

	var resp createIssueResponse
	if err := c.do(ctx, http.MethodPost, "/rest/api/2/issue", req, &resp); err != nil {
		return "", err
	}

	c.logger.Info(ctx, "ticket created", zap.String("ticket_key", resp.Key))
	return resp.Key, nil
}

// AddComment appends a comment to an existing ticket.
func (c *JiraClient) AddComment(ctx context.Context, key, body string) error {
	path := fmt.Sprintf("/rest/api/2/issue/%s/comment", key)
	return c.do(ctx, http.MethodPost, path, commentRequest{Body: body}, nil)
}

func (c *JiraClient) do(ctx context.Context, method, path string, payload, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrTicketing, err)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: encode request: %v", ErrTicketing, err)
	}

	err = retry.Do(ctx, c.retry, func() error {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return retry.NoRetry(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.SetBasicAuth(c.username, c.token)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return err
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			if out == nil {
				return nil
			}
			return json.Unmarshal(data, out)
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return fmt.Errorf("tracker returned %d", resp.StatusCode)
		default:
			var apiErr errorResponse
			_ = json.Unmarshal(data, &apiErr)
			return retry.NoRetry(fmt.Errorf("tracker returned %d: %v", resp.StatusCode, apiErr.ErrorMessages))
		}
	})
	if err != nil {
		c.logger.Warn(ctx, "tracker request failed",
			zap.String("path", path),
			zap.Error(err))
		return fmt.Errorf("%w: %v", ErrTicketing, err)
	}
	return nil
}
