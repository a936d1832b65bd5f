// Package usage turns tool-call payloads into accumulated credit charges.
package usage

import (
	"context"
	"errors"
	"math"

	log "github.com/sirupsen/logrus"

	"github.com/refly-ai/credit-engine/internal/accumulator"
	"github.com/refly-ai/credit-engine/internal/billing"
	internalsettings "github.com/refly-ai/credit-engine/internal/settings"
)

// ChargeMeta describes a flushed charge for the durable ledger.
type ChargeMeta struct {
	ToolsetKey     string  `json:"toolset_key"`
	ToolName       string  `json:"tool_name"`
	CallID         string  `json:"call_id,omitempty"`
	ResultID       int     `json:"result_id"`
	Version        int     `json:"version"`
	Credits        float64 `json:"credits"`
	MicroCredits   int64   `json:"micro_credits"`
	IdempotencyKey string  `json:"idempotency_key"`
}

// FlushSink records whole credits released by the accumulator.
type FlushSink interface {
	CommitFlush(ctx context.Context, uid string, credits int64, meta ChargeMeta) error
}

// ToolCall carries one completed tool invocation to be billed.
type ToolCall struct {
	UID        string
	ToolsetKey string
	ToolName   string
	CallID     string
	ResultID   int
	Version    int

	Input  map[string]any
	Output map[string]any

	RequestSchema  []byte
	ResponseSchema []byte

	// Config overrides the cached rule config when set. Used by previews and
	// by callers that carry the config inline.
	Config *billing.Config
}

// ChargeResult reports the outcome of billing one tool call.
type ChargeResult struct {
	// Success is false when any stage failed and no charge was applied.
	Success bool
	// Credits is the evaluated fractional charge.
	Credits float64
	// MicroCredits is Credits scaled to the accumulator's fixed-point unit.
	MicroCredits int64
	// FlushCredits is the whole credits released by this charge.
	FlushCredits int64
	// RemainderMicroCredits is the counter value left after the charge.
	RemainderMicroCredits int64
	// Replayed reports that this result was already billed.
	Replayed bool
}

// Processor wires rule evaluation, accumulation, and the ledger together.
type Processor struct {
	configs *billing.ConfigCache
	tokens  billing.TokenCounter
	acc     *accumulator.Accumulator
	sink    FlushSink
}

// NewProcessor constructs a charge processor. The sink is optional; without
// one flushed credits are only logged.
func NewProcessor(configs *billing.ConfigCache, tokens billing.TokenCounter, acc *accumulator.Accumulator, sink FlushSink) (*Processor, error) {
	if configs == nil {
		return nil, errors.New("usage: nil config cache")
	}
	if tokens == nil {
		return nil, errors.New("usage: nil token counter")
	}
	if acc == nil {
		return nil, errors.New("usage: nil accumulator")
	}
	return &Processor{configs: configs, tokens: tokens, acc: acc, sink: sink}, nil
}

// Process bills one completed tool call. Billing never fails the tool call:
// every failure is logged and reported as an unsuccessful zero charge.
func (p *Processor) Process(ctx context.Context, call ToolCall) ChargeResult {
	if p == nil {
		return ChargeResult{}
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if call.UID == "" {
		log.Warnf("usage: missing uid (toolset=%s tool=%s)", call.ToolsetKey, call.ToolName)
		return ChargeResult{}
	}

	credits, errEvaluate := p.evaluate(ctx, call)
	if errEvaluate != nil {
		log.WithError(errEvaluate).Warnf("usage: evaluation failed (uid=%s toolset=%s tool=%s)", call.UID, call.ToolsetKey, call.ToolName)
		return ChargeResult{}
	}

	microCredits := int64(math.Round(credits * float64(p.acc.Scale())))
	if microCredits < 0 {
		log.Warnf("usage: negative charge rejected (uid=%s credits=%v)", call.UID, credits)
		return ChargeResult{}
	}

	idempotencyKey := BuildIdempotencyKey(call.ToolsetKey, call.ToolName, call.CallID, call.ResultID, call.Version)
	res, errAccumulate := p.acc.AccumulateAndFlush(ctx, call.UID, microCredits, idempotencyKey)
	if errAccumulate != nil {
		log.WithError(errAccumulate).Warnf("usage: accumulation failed (uid=%s key=%s)", call.UID, idempotencyKey)
		return ChargeResult{}
	}

	if res.FlushCredits > 0 {
		meta := ChargeMeta{
			ToolsetKey:     call.ToolsetKey,
			ToolName:       call.ToolName,
			CallID:         call.CallID,
			ResultID:       call.ResultID,
			Version:        call.Version,
			Credits:        credits,
			MicroCredits:   microCredits,
			IdempotencyKey: idempotencyKey,
		}
		if p.sink != nil {
			if errCommit := p.sink.CommitFlush(ctx, call.UID, res.FlushCredits, meta); errCommit != nil {
				// The counter was already decremented; the flush stands even
				// when the ledger write fails.
				log.WithError(errCommit).Errorf("usage: ledger commit failed (uid=%s credits=%d)", call.UID, res.FlushCredits)
			}
		} else {
			log.Infof("usage: flushed credits (uid=%s credits=%d)", call.UID, res.FlushCredits)
		}
	}

	return ChargeResult{
		Success:               true,
		Credits:               credits,
		MicroCredits:          microCredits,
		FlushCredits:          res.FlushCredits,
		RemainderMicroCredits: res.RemainderMicroCredits,
		Replayed:              res.Replayed,
	}
}

// Preview evaluates the charge for a tool call without touching the
// accumulator or the ledger.
func (p *Processor) Preview(ctx context.Context, call ToolCall) (float64, error) {
	if p == nil {
		return 0, errors.New("usage: nil processor")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return p.evaluate(ctx, call)
}

func (p *Processor) evaluate(ctx context.Context, call ToolCall) (float64, error) {
	cfg := call.Config
	if cfg == nil {
		loaded, errLoad := p.configs.Load(ctx, call.ToolsetKey, call.ToolName)
		if errLoad != nil {
			return 0, errLoad
		}
		cfg = loaded
	}
	if cfg == nil {
		return 0, errors.New("usage: no billing config")
	}

	rate := internalsettings.FloatValue(
		internalsettings.UsdToCreditsRateKey,
		internalsettings.DefaultUsdToCreditsRate,
	)
	evaluator := billing.NewEvaluator(p.tokens, rate)
	return evaluator.Evaluate(cfg, call.Input, call.Output, call.RequestSchema, call.ResponseSchema)
}
