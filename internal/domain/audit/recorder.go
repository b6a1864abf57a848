package audit

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/matiasleandrokruk/enact/internal/domain/execution"
	"github.com/matiasleandrokruk/enact/internal/domain/orchestrator"
	"github.com/matiasleandrokruk/enact/internal/domain/tool"
	"github.com/matiasleandrokruk/enact/internal/infra/eventbus"
)

// Recorder persists pipeline events published on the bus.
type Recorder struct {
	svc    *Service
	bus    eventbus.EventBus
	logger zerolog.Logger
}

func NewRecorder(svc *Service, bus eventbus.EventBus, logger zerolog.Logger) *Recorder {
	return &Recorder{svc: svc, bus: bus, logger: logger.With().Str("component", "audit").Logger()}
}

var recordedTopics = []string{
	eventbus.TopicExecutionCompleted,
	eventbus.TopicVerificationFailed,
	eventbus.TopicVerificationBypass,
	eventbus.TopicCommandBlocked,
	eventbus.TopicToolPublished,
	eventbus.TopicEngineReset,
}

// Start subscribes to the pipeline topics and records events in the
// background. When ctx is done it unsubscribes, records what was already
// delivered and closes the returned channel.
func (r *Recorder) Start(ctx context.Context) <-chan struct{} {
	merged := make(chan eventbus.Event)
	subs := make([]<-chan eventbus.Event, len(recordedTopics))
	for i, topic := range recordedTopics {
		subs[i] = r.bus.Subscribe(topic)
	}
	var fwd sync.WaitGroup
	for _, ch := range subs {
		fwd.Add(1)
		go func(ch <-chan eventbus.Event) {
			defer fwd.Done()
			for ev := range ch {
				merged <- ev
			}
		}(ch)
	}
	go func() {
		<-ctx.Done()
		for i, topic := range recordedTopics {
			r.bus.Unsubscribe(topic, subs[i])
		}
		fwd.Wait()
		close(merged)
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range merged {
			r.Record(context.WithoutCancel(ctx), ev)
		}
	}()
	return done
}

// Record writes the audit entries for one bus event.
func (r *Recorder) Record(ctx context.Context, ev eventbus.Event) {
	for _, entry := range entriesFor(ev) {
		if err := r.svc.Log(ctx, entry); err != nil {
			r.logger.Error().Err(err).Str("topic", ev.Topic).Msg("audit write failed")
		}
	}
}

func entriesFor(ev eventbus.Event) []*Event {
	switch p := ev.Payload.(type) {
	case orchestrator.Event:
		return executionEntries(ev.Topic, p)
	case tool.Summary:
		return []*Event{{
			ActorID:   actorOr(p.PublishedBy),
			ActorType: actorTypeFor(p.PublishedBy),
			Action:    ActionToolPublished,
			ToolName:  optional(p.Name),
			Details:   mustJSON(map[string]any{"version": p.Version, "checksum": p.Checksum, "id": p.ID}),
			Outcome:   OutcomeSuccess,
		}}
	case execution.ResetEvent:
		return []*Event{{
			ActorID:   "system",
			ActorType: ActorTypeSystem,
			Action:    ActionEngineReset,
			Details:   mustJSON(p),
			Outcome:   OutcomeWarning,
			CreatedAt: p.At,
		}}
	}
	return nil
}

func executionEntries(topic string, p orchestrator.Event) []*Event {
	base := func(action string, outcome Outcome) *Event {
		return &Event{
			ActorID:     actorOr(p.Actor),
			ActorType:   actorTypeFor(p.Actor),
			Action:      action,
			ToolName:    optional(p.ToolName),
			ExecutionID: optional(p.ExecutionID),
			Details:     mustJSON(p),
			Outcome:     outcome,
		}
	}
	switch topic {
	case eventbus.TopicVerificationFailed:
		return []*Event{base(ActionVerificationFailed, OutcomeDenied)}
	case eventbus.TopicVerificationBypass:
		return []*Event{base(ActionVerificationSkipped, OutcomeWarning)}
	case eventbus.TopicCommandBlocked:
		return []*Event{base(ActionSafetyBlocked, OutcomeDenied)}
	case eventbus.TopicExecutionCompleted:
		var out []*Event
		if p.VerificationDegraded {
			out = append(out, base(ActionVerificationDegraded, OutcomeWarning))
		}
		if p.Forced {
			out = append(out, base(ActionSafetyForced, OutcomeWarning))
		}
		outcome := OutcomeSuccess
		switch {
		case p.Success:
		case isDenial(p.Code):
			outcome = OutcomeDenied
		default:
			outcome = OutcomeError
		}
		return append(out, base(ActionExecute, outcome))
	}
	return nil
}

func isDenial(code orchestrator.Code) bool {
	switch code {
	case orchestrator.CodeSignatureInvalid, orchestrator.CodeNoSignatures,
		orchestrator.CodePublicKeyMissing, orchestrator.CodeCommandUnsafe:
		return true
	}
	return false
}

func actorOr(actor string) string {
	if actor == "" {
		return "system"
	}
	return actor
}

func actorTypeFor(actor string) ActorType {
	if actor == "" {
		return ActorTypeSystem
	}
	return ActorTypeUser
}
