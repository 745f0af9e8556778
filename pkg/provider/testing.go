package provider

import (
	"context"
	"sync"
)

// FakeProvider is a scripted in-memory Provider for tests.
type FakeProvider struct {
	mu sync.Mutex

	// Script is the event sequence every spawned handle replays.
	Script []Event

	// SpawnErr, when set, makes Spawn and Resume fail.
	SpawnErr error

	// Spawned records the configs passed to Spawn/Resume.
	Spawned []SpawnConfig

	// ResumedWith records the provider session ids passed to Resume.
	ResumedWith []string

	// Handles holds every handle created, newest last.
	Handles []*FakeHandle
}

// Spawn replays the scripted events on a new handle.
func (p *FakeProvider) Spawn(_ context.Context, cfg SpawnConfig) (Handle, error) {
	return p.spawn(cfg, "")
}

// Resume behaves like Spawn and records the resumed session id.
func (p *FakeProvider) Resume(_ context.Context, providerSessionID string, cfg SpawnConfig) (Handle, error) {
	return p.spawn(cfg, providerSessionID)
}

func (p *FakeProvider) spawn(cfg SpawnConfig, resumeID string) (Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.SpawnErr != nil {
		return nil, p.SpawnErr
	}
	p.Spawned = append(p.Spawned, cfg)
	if resumeID != "" {
		p.ResumedWith = append(p.ResumedWith, resumeID)
	}
	if cfg.OnProcessSpawned != nil {
		cfg.OnProcessSpawned(4242)
	}

	h := &FakeHandle{events: make(chan Event, len(p.Script)+1)}
	for _, ev := range p.Script {
		h.events <- ev
	}
	close(h.events)
	p.Handles = append(p.Handles, h)
	return h, nil
}

// FakeHandle is the handle returned by FakeProvider.
type FakeHandle struct {
	events chan Event

	mu        sync.Mutex
	Injected  []string
	Cancelled bool
	TermErr   error
}

func (h *FakeHandle) Events() <-chan Event { return h.events }

func (h *FakeHandle) InjectMessage(_ context.Context, text string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Injected = append(h.Injected, text)
	return nil
}

func (h *FakeHandle) Cancel() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Cancelled = true
	h.TermErr = ErrStreamAborted
}

func (h *FakeHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.TermErr
}
