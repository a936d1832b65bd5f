package usage

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/refly-ai/credit-engine/internal/accumulator"
	"github.com/refly-ai/credit-engine/internal/billing"
)

type wordCounter struct{}

func (wordCounter) Count(text string) (int, error) {
	return len(strings.Fields(text)), nil
}

type recordingSink struct {
	uids    []string
	credits []int64
	metas   []ChargeMeta
	err     error
}

func (s *recordingSink) CommitFlush(_ context.Context, uid string, credits int64, meta ChargeMeta) error {
	if s.err != nil {
		return s.err
	}
	s.uids = append(s.uids, uid)
	s.credits = append(s.credits, credits)
	s.metas = append(s.metas, meta)
	return nil
}

var imageResponseSchema = []byte(`{
	"type": "object",
	"properties": {
		"images": {"type": "array", "items": {"type": "string"}}
	}
}`)

func imageConfig() *billing.Config {
	return &billing.Config{
		Rules: []billing.Rule{{
			FieldPath:             "images",
			Phase:                 billing.PhaseOutput,
			Category:              billing.CategoryImage,
			DefaultCreditsPerUnit: 0.5,
		}},
	}
}

func newTestProcessor(t *testing.T, sink FlushSink, loader billing.LoaderFunc) *Processor {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	acc, err := accumulator.New(rdb, accumulator.Options{})
	if err != nil {
		t.Fatalf("new accumulator: %v", err)
	}
	if loader == nil {
		loader = func(context.Context, string, string) (*billing.Config, error) {
			return nil, errors.New("no config for tool")
		}
	}
	cache := billing.NewConfigCache(time.Minute, loader)
	proc, err := NewProcessor(cache, wordCounter{}, acc, sink)
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}
	return proc
}

func imageCall(uid, callID string, imageCount int) ToolCall {
	images := make([]any, imageCount)
	for i := range images {
		images[i] = "url"
	}
	return ToolCall{
		UID:            uid,
		ToolsetKey:     "media",
		ToolName:       "generate",
		CallID:         callID,
		ResultID:       0,
		Version:        1,
		Output:         map[string]any{"images": images},
		ResponseSchema: imageResponseSchema,
		Config:         imageConfig(),
	}
}

func TestProcessChargesAndFlushes(t *testing.T) {
	sink := &recordingSink{}
	proc := newTestProcessor(t, sink, nil)

	res := proc.Process(context.Background(), imageCall("u1", "c1", 3))
	if !res.Success {
		t.Fatal("expected success")
	}
	if res.Credits != 1.5 {
		t.Fatalf("credits = %v, want 1.5", res.Credits)
	}
	if res.MicroCredits != 1_500_000 {
		t.Fatalf("micro credits = %d, want 1500000", res.MicroCredits)
	}
	if res.FlushCredits != 1 || res.RemainderMicroCredits != 500_000 {
		t.Fatalf("unexpected flush %+v", res)
	}
	if len(sink.uids) != 1 || sink.uids[0] != "u1" || sink.credits[0] != 1 {
		t.Fatalf("unexpected sink calls %+v %+v", sink.uids, sink.credits)
	}
	meta := sink.metas[0]
	if meta.ToolsetKey != "media" || meta.ToolName != "generate" || meta.Credits != 1.5 {
		t.Fatalf("unexpected meta %+v", meta)
	}
	if meta.IdempotencyKey != "media:generate:c1:0_v1" {
		t.Fatalf("idempotency key = %q", meta.IdempotencyKey)
	}
}

func TestProcessReplayedCallNotRecharged(t *testing.T) {
	sink := &recordingSink{}
	proc := newTestProcessor(t, sink, nil)
	ctx := context.Background()

	first := proc.Process(ctx, imageCall("u1", "c1", 1))
	if !first.Success || first.Replayed {
		t.Fatalf("unexpected first result %+v", first)
	}
	second := proc.Process(ctx, imageCall("u1", "c1", 1))
	if !second.Success || !second.Replayed {
		t.Fatalf("unexpected replay result %+v", second)
	}
	if second.RemainderMicroCredits != first.RemainderMicroCredits {
		t.Fatalf("replay changed counter: %d vs %d", second.RemainderMicroCredits, first.RemainderMicroCredits)
	}
}

func TestProcessBelowScaleSkipsSink(t *testing.T) {
	sink := &recordingSink{}
	proc := newTestProcessor(t, sink, nil)

	res := proc.Process(context.Background(), imageCall("u1", "c1", 1))
	if !res.Success || res.FlushCredits != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(sink.uids) != 0 {
		t.Fatalf("sink should not be called, got %+v", sink.uids)
	}
}

func TestProcessSinkFailureKeepsCharge(t *testing.T) {
	sink := &recordingSink{err: errors.New("ledger down")}
	proc := newTestProcessor(t, sink, nil)

	res := proc.Process(context.Background(), imageCall("u1", "c1", 3))
	if !res.Success {
		t.Fatal("sink failure must not fail the charge")
	}
	if res.FlushCredits != 1 {
		t.Fatalf("flush = %d, want 1", res.FlushCredits)
	}
}

func TestProcessEvaluationFailure(t *testing.T) {
	proc := newTestProcessor(t, nil, nil)

	call := imageCall("u1", "c1", 1)
	call.ResponseSchema = []byte(`{not json`)
	res := proc.Process(context.Background(), call)
	if res.Success {
		t.Fatal("expected failure on malformed schema")
	}
	if res.MicroCredits != 0 || res.FlushCredits != 0 {
		t.Fatalf("failed charge must be zero, got %+v", res)
	}
}

func TestProcessMissingUID(t *testing.T) {
	proc := newTestProcessor(t, nil, nil)

	call := imageCall("", "c1", 1)
	if res := proc.Process(context.Background(), call); res.Success {
		t.Fatal("expected failure for missing uid")
	}
}

func TestProcessLoadsConfigFromCache(t *testing.T) {
	loads := 0
	loader := func(_ context.Context, toolsetKey, toolName string) (*billing.Config, error) {
		loads++
		if toolsetKey != "media" || toolName != "generate" {
			return nil, errors.New("unknown tool")
		}
		return imageConfig(), nil
	}
	proc := newTestProcessor(t, nil, loader)
	ctx := context.Background()

	call := imageCall("u1", "c1", 1)
	call.Config = nil
	if res := proc.Process(ctx, call); !res.Success {
		t.Fatal("expected success via cached config")
	}
	call2 := imageCall("u1", "c2", 1)
	call2.Config = nil
	if res := proc.Process(ctx, call2); !res.Success {
		t.Fatal("expected success on second call")
	}
	if loads != 1 {
		t.Fatalf("loader calls = %d, want 1 (cached)", loads)
	}
}

func TestPreviewDoesNotCharge(t *testing.T) {
	sink := &recordingSink{}
	proc := newTestProcessor(t, sink, nil)
	ctx := context.Background()

	credits, err := proc.Preview(ctx, imageCall("u1", "c1", 3))
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if credits != 1.5 {
		t.Fatalf("preview credits = %v, want 1.5", credits)
	}

	// A later identical charge must not be treated as a replay.
	res := proc.Process(ctx, imageCall("u1", "c1", 3))
	if !res.Success || res.Replayed {
		t.Fatalf("unexpected result after preview %+v", res)
	}
	if len(sink.uids) != 1 {
		t.Fatalf("sink calls = %d, want 1", len(sink.uids))
	}
}

func TestBuildIdempotencyKey(t *testing.T) {
	got := BuildIdempotencyKey("web-search", "search", "call-7", 2, 1)
	if got != "web-search:search:call-7:2_v1" {
		t.Fatalf("key = %q", got)
	}

	// Missing call IDs fall back to a timestamp member so retries within the
	// same delivery are still deduplicated.
	a := BuildIdempotencyKey("web-search", "search", "", 0, 1)
	time.Sleep(time.Millisecond)
	b := BuildIdempotencyKey("web-search", "search", "", 0, 1)
	if !strings.HasPrefix(a, "web-search:search:t") {
		t.Fatalf("fallback key = %q", a)
	}
	if a == b {
		t.Fatal("fallback keys should differ between builds")
	}
}
