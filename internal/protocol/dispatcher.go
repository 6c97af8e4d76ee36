package protocol

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/easeaico/code-review-agent/internal/metrics"
	"github.com/easeaico/code-review-agent/internal/service"
)

// handler runs one inbound message against an agent and returns the reply.
type handler func(ctx context.Context, a *service.Agent, in Inbound) (any, error)

// operations is the dispatch table consumed by both the message channel and
// direct calls.
var operations = map[string]handler{
	TypeReview:            handleReview,
	TypeUpdatePreferences: handleUpdatePreferences,
	TypeFeedback:          handleFeedback,
	TypeGetStats:          handleGetStats,
}

func handleReview(ctx context.Context, a *service.Agent, in Inbound) (any, error) {
	res, err := a.ReviewCode(ctx, in.Code, in.Language)
	if err != nil {
		return nil, err
	}
	return ReviewResultMessage{Type: TypeReviewResult, ReviewResult: res}, nil
}

func handleUpdatePreferences(ctx context.Context, a *service.Agent, in Inbound) (any, error) {
	var patch service.PreferencesPatch
	if in.Preferences != nil {
		patch = *in.Preferences
	}
	prefs, err := a.UpdatePreferences(ctx, patch)
	if err != nil {
		return nil, err
	}
	return PreferencesUpdatedMessage{Type: TypePreferencesUpdated, Success: true, Preferences: prefs}, nil
}

func handleFeedback(ctx context.Context, a *service.Agent, in Inbound) (any, error) {
	res, err := a.ProvideFeedback(ctx, in.ReviewID, *in.Helpful, in.Comments)
	if err != nil {
		return nil, err
	}
	return FeedbackReceivedMessage{Type: TypeFeedbackReceived, FeedbackResult: res}, nil
}

func handleGetStats(ctx context.Context, a *service.Agent, in Inbound) (any, error) {
	stats, err := a.GetStats(ctx)
	if err != nil {
		return nil, err
	}
	return StatsMessage{Type: TypeStats, Stats: stats}, nil
}

// validate checks the fields a message type cannot do without.
func validate(in Inbound) error {
	if in.Type == TypeFeedback && in.Helpful == nil {
		return fmt.Errorf("%w: feedback requires helpful", ErrMalformedMessage)
	}
	return nil
}

// Dispatcher routes inbound messages to the actor of their identity.
type Dispatcher struct {
	registry *service.Registry
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// NewDispatcher creates a dispatcher over registry.
func NewDispatcher(registry *service.Registry, logger *zap.Logger, m *metrics.Metrics) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{registry: registry, logger: logger, metrics: m}
}

// Dispatch runs in on identity's actor and returns the tagged reply.
// Errors wrap ErrUnknownMessage or ErrMalformedMessage for bad input; any
// other error comes from the operation itself.
func (d *Dispatcher) Dispatch(ctx context.Context, identity string, in Inbound) (any, error) {
	h, ok := operations[in.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, in.Type)
	}
	if err := validate(in); err != nil {
		return nil, err
	}

	var reply any
	err := d.registry.Do(ctx, identity, func(ctx context.Context, a *service.Agent) error {
		var err error
		reply, err = h(ctx, a, in)
		return err
	})
	if err != nil {
		return nil, err
	}
	return reply, nil
}

// Call is the direct-call entry point: msgType selects the operation and
// payload holds the remaining fields of the message.
func (d *Dispatcher) Call(ctx context.Context, identity, msgType string, payload []byte) (any, error) {
	var in Inbound
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &in); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
	}
	in.Type = msgType
	return d.Dispatch(ctx, identity, in)
}

// Handle parses and dispatches one raw message. It always returns a reply;
// failures become error messages.
func (d *Dispatcher) Handle(ctx context.Context, identity string, raw []byte) any {
	in, err := ParseInbound(raw)
	if err == nil {
		var reply any
		reply, err = d.Dispatch(ctx, identity, in)
		if err == nil {
			return reply
		}
	}

	d.logger.Warn("Message failed",
		zap.String("identity", identity),
		zap.String("type", in.Type),
		zap.Error(err))
	return NewErrorMessage(err)
}

// Stats returns the stats message for identity, or an error message.
func (d *Dispatcher) Stats(ctx context.Context, identity string) any {
	reply, err := d.Dispatch(ctx, identity, Inbound{Type: TypeGetStats})
	if err != nil {
		d.logger.Warn("Stats snapshot failed", zap.String("identity", identity), zap.Error(err))
		return NewErrorMessage(err)
	}
	return reply
}
