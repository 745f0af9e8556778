package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type recordedActivity struct {
	kind ActivityKind
	tool string
	text string
}

func recordingHooks() (ActivityHooks, func() []recordedActivity) {
	var mu sync.Mutex
	var got []recordedActivity
	add := func(kind ActivityKind, tool, text string) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, recordedActivity{kind, tool, text})
	}
	hooks := ActivityHooks{
		OnThought: func(_ context.Context, text string) { add(ActivityThought, "", text) },
		OnAction:  func(_ context.Context, tool, text string) { add(ActivityAction, tool, text) },
		OnResult:  func(_ context.Context, tool, text string) { add(ActivityResult, tool, text) },
		OnStatus:  func(_ context.Context, text string) { add(ActivityStatus, "", text) },
	}
	return hooks, func() []recordedActivity {
		mu.Lock()
		defer mu.Unlock()
		return append([]recordedActivity(nil), got...)
	}
}

func TestEmitterMergesConsecutiveSameKind(t *testing.T) {
	hooks, got := recordingHooks()
	e := newActivityEmitter(hooks, time.Hour)
	e.sleep = func(context.Context, time.Duration) {}

	e.Emit(Activity{Kind: ActivityThought, Text: "first"})
	e.Emit(Activity{Kind: ActivityThought, Text: "second"})
	e.Emit(Activity{Kind: ActivityAction, Tool: "bash", Text: "ls"})
	e.Emit(Activity{Kind: ActivityAction, Tool: "bash", Text: "cat"})
	e.Emit(Activity{Kind: ActivityAction, Tool: "edit", Text: "patch"})
	e.Flush(context.Background())

	activities := got()
	assert.Equal(t, []recordedActivity{
		{ActivityThought, "", "first\nsecond"},
		{ActivityAction, "bash", "ls\ncat"},
		{ActivityAction, "edit", "patch"},
	}, activities)
}

func TestEmitterDropsEmptyText(t *testing.T) {
	hooks, got := recordingHooks()
	e := newActivityEmitter(hooks, time.Hour)
	e.Emit(Activity{Kind: ActivityThought, Text: ""})
	e.Flush(context.Background())
	assert.Empty(t, got())
}

func TestEmitterStopFlushesPending(t *testing.T) {
	hooks, got := recordingHooks()
	e := newActivityEmitter(hooks, time.Hour)
	e.sleep = func(context.Context, time.Duration) {}
	ctx := context.Background()
	e.Start(ctx)
	e.Emit(Activity{Kind: ActivityStatus, Text: "done"})
	e.Stop(ctx)

	activities := got()
	assert.Len(t, activities, 1)
	assert.Equal(t, "done", activities[0].text)
}

func TestEmitterNormalizeTolerantOfAbsentHooks(t *testing.T) {
	e := newActivityEmitter(ActivityHooks{}, 0)
	e.sleep = func(context.Context, time.Duration) {}
	e.Emit(Activity{Kind: ActivityThought, Text: "no listener"})
	e.Flush(context.Background()) // must not panic
	assert.Equal(t, defaultMinInterval, e.minInterval)
}
