package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/codeready-toolchain/herder/pkg/config"
	"github.com/codeready-toolchain/herder/pkg/store"
	"github.com/codeready-toolchain/herder/pkg/version"
)

// HTTPClient implements Client against the tracker's GraphQL endpoint.
// Every call is gated by the shared token bucket and circuit breaker, and
// every response feeds the quota tracker.
type HTTPClient struct {
	cfg     *config.TrackerConfig
	orgID   string
	http    *http.Client
	bucket  *TokenBucket
	breaker *CircuitBreaker
	quota   *QuotaTracker
}

// NewHTTPClient builds a gated tracker client for one organisation.
func NewHTTPClient(st store.Store, cfg *config.TrackerConfig, orgID string) *HTTPClient {
	return &HTTPClient{
		cfg:     cfg,
		orgID:   orgID,
		http:    &http.Client{Timeout: 30 * time.Second},
		bucket:  NewTokenBucket(st, cfg),
		breaker: NewCircuitBreaker(st, cfg),
		quota:   NewQuotaTracker(st),
	}
}

// graphQLRequest is the wire form of a tracker call.
type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphQLError struct {
	Message    string `json:"message"`
	Extensions struct {
		Code string `json:"code"`
	} `json:"extensions"`
}

type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphQLError  `json:"errors"`
}

// do runs one gated GraphQL call and decodes the data payload into out.
func (c *HTTPClient) do(ctx context.Context, query string, variables map[string]any, out any) error {
	if !c.breaker.CanProceed(ctx, c.orgID) {
		return ErrCircuitOpen
	}
	if err := c.bucket.Acquire(ctx, c.orgID); err != nil {
		return err
	}

	body, err := json.Marshal(graphQLRequest{Query: query, Variables: variables})
	if err != nil {
		return fmt.Errorf("marshaling tracker request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building tracker request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", c.cfg.APIToken)
	req.Header.Set("User-Agent", version.Full())

	resp, err := c.http.Do(req)
	if err != nil {
		// Transport failures do not trip the circuit.
		return fmt.Errorf("tracker request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	c.quota.RecordFromHeaders(ctx, c.orgID, resp.Header)

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("reading tracker response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: string(payload)}
		c.recordOutcome(ctx, apiErr)
		return apiErr
	}

	var gql graphQLResponse
	if err := json.Unmarshal(payload, &gql); err != nil {
		return fmt.Errorf("parsing tracker response: %w", err)
	}
	if len(gql.Errors) > 0 {
		apiErr := &APIError{
			StatusCode: resp.StatusCode,
			Code:       gql.Errors[0].Extensions.Code,
			Message:    gql.Errors[0].Message,
		}
		c.recordOutcome(ctx, apiErr)
		return apiErr
	}

	c.recordOutcome(ctx, nil)
	if out != nil {
		if err := json.Unmarshal(gql.Data, out); err != nil {
			return fmt.Errorf("decoding tracker data: %w", err)
		}
	}
	return nil
}

// recordOutcome feeds the circuit breaker. Only auth-or-rate errors count as
// breaker failures.
func (c *HTTPClient) recordOutcome(ctx context.Context, err error) {
	if err == nil {
		c.breaker.RecordSuccess(ctx, c.orgID)
		return
	}
	if IsAuthOrRateError(err) {
		c.breaker.RecordFailure(ctx, c.orgID)
	}
}

// IsQuotaLow reports whether the organisation's fresh quota is running low.
func (c *HTTPClient) IsQuotaLow(ctx context.Context) bool {
	return c.quota.IsQuotaLow(ctx, c.orgID)
}

func (c *HTTPClient) GetIssue(ctx context.Context, issueID string) (*Issue, error) {
	var data struct {
		Issue *Issue `json:"issue"`
	}
	err := c.do(ctx, `query($id: String!) { issue(id: $id) { id identifier title description status assignee_id project_id url } }`,
		map[string]any{"id": issueID}, &data)
	if err != nil {
		return nil, err
	}
	return data.Issue, nil
}

func (c *HTTPClient) UpdateStatus(ctx context.Context, issueID, status string) error {
	return c.do(ctx, `mutation($id: String!, $status: String!) { issueUpdate(id: $id, input: { status: $status }) { success } }`,
		map[string]any{"id": issueID, "status": status}, nil)
}

func (c *HTTPClient) CreateComment(ctx context.Context, issueID, body string) error {
	return c.do(ctx, `mutation($id: String!, $body: String!) { commentCreate(input: { issueId: $id, body: $body }) { success } }`,
		map[string]any{"id": issueID, "body": body}, nil)
}

func (c *HTTPClient) Unassign(ctx context.Context, issueID string) error {
	return c.do(ctx, `mutation($id: String!) { issueUpdate(id: $id, input: { assigneeId: null }) { success } }`,
		map[string]any{"id": issueID}, nil)
}

func (c *HTTPClient) CreateIssue(ctx context.Context, issue NewIssue) (*Issue, error) {
	var data struct {
		IssueCreate struct {
			Issue *Issue `json:"issue"`
		} `json:"issueCreate"`
	}
	err := c.do(ctx, `mutation($input: IssueCreateInput!) { issueCreate(input: $input) { issue { id identifier title status url } } }`,
		map[string]any{"input": map[string]any{
			"title":       issue.Title,
			"description": issue.Description,
			"projectId":   issue.ProjectID,
			"parentId":    issue.ParentID,
			"labels":      issue.Labels,
		}}, &data)
	if err != nil {
		return nil, err
	}
	return data.IssueCreate.Issue, nil
}

func (c *HTTPClient) CreateRelation(ctx context.Context, issueID, relatedID, relationType string) error {
	return c.do(ctx, `mutation($id: String!, $related: String!, $type: String!) { issueRelationCreate(input: { issueId: $id, relatedIssueId: $related, type: $type }) { success } }`,
		map[string]any{"id": issueID, "related": relatedID, "type": relationType}, nil)
}

func (c *HTTPClient) ListSubIssues(ctx context.Context, issueID string) ([]*Issue, error) {
	var data struct {
		Issue struct {
			Children []*Issue `json:"children"`
		} `json:"issue"`
	}
	err := c.do(ctx, `query($id: String!) { issue(id: $id) { children { id identifier title status } } }`,
		map[string]any{"id": issueID}, &data)
	if err != nil {
		return nil, err
	}
	return data.Issue.Children, nil
}

func (c *HTTPClient) SetExternalURLs(ctx context.Context, issueID string, urls []string) error {
	return c.do(ctx, `mutation($id: String!, $urls: [String!]!) { issueUpdate(id: $id, input: { externalUrls: $urls }) { success } }`,
		map[string]any{"id": issueID, "urls": urls}, nil)
}

func (c *HTTPClient) TransitionIssue(ctx context.Context, issueID, toStatus string) error {
	return c.UpdateStatus(ctx, issueID, toStatus)
}
