package tracker

import (
	"context"
	"fmt"
	"sync"
)

// FakeClient is an in-memory Client for tests. It records every call and
// serves issues from the Issues map.
type FakeClient struct {
	mu sync.Mutex

	// Issues maps issue id to the record GetIssue serves.
	Issues map[string]*Issue

	// Err, when set, fails every call.
	Err error

	Comments     map[string][]string // issue id -> comment bodies
	Statuses     map[string]string   // issue id -> last status
	Unassigned   []string
	Created      []NewIssue
	Relations    []string // "<id> <type> <related>"
	ExternalURLs map[string][]string

	nextIssue int
}

// NewFakeClient creates an empty fake tracker.
func NewFakeClient() *FakeClient {
	return &FakeClient{
		Issues:       map[string]*Issue{},
		Comments:     map[string][]string{},
		Statuses:     map[string]string{},
		ExternalURLs: map[string][]string{},
	}
}

func (f *FakeClient) GetIssue(_ context.Context, issueID string) (*Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	issue, ok := f.Issues[issueID]
	if !ok {
		return nil, &APIError{StatusCode: 404, Message: "issue not found"}
	}
	return issue, nil
}

func (f *FakeClient) UpdateStatus(_ context.Context, issueID, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	f.Statuses[issueID] = status
	if issue, ok := f.Issues[issueID]; ok {
		issue.Status = status
	}
	return nil
}

func (f *FakeClient) CreateComment(_ context.Context, issueID, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	f.Comments[issueID] = append(f.Comments[issueID], body)
	return nil
}

func (f *FakeClient) Unassign(_ context.Context, issueID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	f.Unassigned = append(f.Unassigned, issueID)
	return nil
}

func (f *FakeClient) CreateIssue(_ context.Context, issue NewIssue) (*Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	f.Created = append(f.Created, issue)
	f.nextIssue++
	created := &Issue{
		ID:          fmt.Sprintf("fake-%d", f.nextIssue),
		Identifier:  fmt.Sprintf("FAKE-%d", f.nextIssue),
		Title:       issue.Title,
		Description: issue.Description,
		Status:      "Triage",
	}
	f.Issues[created.ID] = created
	return created, nil
}

func (f *FakeClient) CreateRelation(_ context.Context, issueID, relatedID, relationType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	f.Relations = append(f.Relations, fmt.Sprintf("%s %s %s", issueID, relationType, relatedID))
	return nil
}

func (f *FakeClient) ListSubIssues(_ context.Context, _ string) ([]*Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return nil, f.Err
}

func (f *FakeClient) SetExternalURLs(_ context.Context, issueID string, urls []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	f.ExternalURLs[issueID] = urls
	return nil
}

func (f *FakeClient) TransitionIssue(ctx context.Context, issueID, toStatus string) error {
	return f.UpdateStatus(ctx, issueID, toStatus)
}
