// Package prompts stores user follow-up messages addressed to running
// sessions. Workers poll the inbox between agent turns and inject the
// prompts into the live stream.
package prompts

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/codeready-toolchain/herder/pkg/models"
	"github.com/codeready-toolchain/herder/pkg/store"
)

// Inbox is the per-session FIFO of pending prompts.
type Inbox struct {
	store store.Store
	now   func() time.Time
}

// NewInbox creates a pending-prompts inbox.
func NewInbox(st store.Store) *Inbox {
	return &Inbox{store: st, now: time.Now}
}

// Add appends a prompt to the session's inbox and returns its id.
func (i *Inbox) Add(ctx context.Context, sessionID, prompt, userID, userName string) (string, error) {
	p := models.PendingPrompt{
		ID:        uuid.NewString(),
		Prompt:    prompt,
		UserID:    userID,
		UserName:  userName,
		CreatedAt: i.now().UnixMilli(),
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshaling pending prompt: %w", err)
	}
	if _, err := i.store.RPush(ctx, store.PromptsKey(sessionID), string(data)); err != nil {
		return "", err
	}
	return p.ID, nil
}

// List returns all pending prompts for a session in FIFO order.
func (i *Inbox) List(ctx context.Context, sessionID string) ([]models.PendingPrompt, error) {
	raws, err := i.store.LRange(ctx, store.PromptsKey(sessionID), 0, -1)
	if err != nil {
		return nil, err
	}
	out := make([]models.PendingPrompt, 0, len(raws))
	for _, raw := range raws {
		var p models.PendingPrompt
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// Len returns the number of pending prompts for a session.
func (i *Inbox) Len(ctx context.Context, sessionID string) (int64, error) {
	return i.store.LLen(ctx, store.PromptsKey(sessionID))
}

// Pop removes and returns the oldest pending prompt, or (nil, nil) when the
// inbox is empty.
func (i *Inbox) Pop(ctx context.Context, sessionID string) (*models.PendingPrompt, error) {
	raw, err := i.store.LPop(ctx, store.PromptsKey(sessionID))
	if store.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var p models.PendingPrompt
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("parsing pending prompt: %w", err)
	}
	return &p, nil
}

// Claim removes a specific prompt by id, scanning the list. Returns the
// claimed prompt, or (nil, nil) when no entry matches.
func (i *Inbox) Claim(ctx context.Context, sessionID, promptID string) (*models.PendingPrompt, error) {
	raws, err := i.store.LRange(ctx, store.PromptsKey(sessionID), 0, -1)
	if err != nil {
		return nil, err
	}
	for _, raw := range raws {
		var p models.PendingPrompt
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			continue
		}
		if p.ID != promptID {
			continue
		}
		n, err := i.store.LRem(ctx, store.PromptsKey(sessionID), 1, raw)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			// Another worker claimed it between the scan and the removal.
			return nil, nil
		}
		return &p, nil
	}
	return nil, nil
}
