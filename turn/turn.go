// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package turn runs one conversational turn: admission, prompt assembly,
// the primary model stream, optional escalation to the secondary model,
// and the post-processing of the final reply.
package turn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bureau-foundation/chatrelay/admission"
	"github.com/bureau-foundation/chatrelay/fragment"
	"github.com/bureau-foundation/chatrelay/history"
	"github.com/bureau-foundation/chatrelay/lib/clock"
	"github.com/bureau-foundation/chatrelay/lib/config"
	"github.com/bureau-foundation/chatrelay/lib/llm"
	"github.com/bureau-foundation/chatrelay/lib/metrics"
	"github.com/bureau-foundation/chatrelay/lib/notes"
	"github.com/bureau-foundation/chatrelay/platform"
	"github.com/bureau-foundation/chatrelay/stream"
)

// Fixed replies.
const (
	ThinkingNotice = "🧠 Thinking deeper..."
	ErrorReply     = "⚠️ An unexpected error occurred"
)

// Model is one model backend with its settings.
type Model struct {
	Provider llm.Provider
	Settings config.ModelConfig
}

// Config holds a Controller's dependencies.
type Config struct {
	Platform platform.Platform
	Cache    *fragment.Cache
	History  *history.Assembler

	// Limiter admits turns; SecondaryLimiter admits escalations. Nil
	// admits everything.
	Limiter          *admission.Limiter
	SecondaryLimiter *admission.Limiter

	Primary Model

	// Secondary is the escalation model. Nil disables escalation and
	// the control instruction.
	Secondary *Model

	// Signal is the control token that requests escalation.
	Signal string

	// NotifyEscalation writes ThinkingNotice over the primary messages
	// before the secondary model starts.
	NotifyEscalation bool

	// Notes is nil when notes are disabled.
	Notes         *notes.Store
	NotesSettings config.NotesConfig

	SystemPrompt  string
	HistoryLimits config.HistoryConfig
	Stream        config.StreamConfig

	Clock   clock.Clock
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Controller runs turns. It is safe for concurrent use; every turn
// shares the cache and limiters.
type Controller struct {
	platform         platform.Platform
	cache            *fragment.Cache
	history          *history.Assembler
	limiter          *admission.Limiter
	secondaryLimiter *admission.Limiter
	primary          Model
	secondary        *Model
	signal           string
	notifyEscalation bool
	notes            *notes.Store
	notesSettings    config.NotesConfig
	systemBase       string
	historyLimits    config.HistoryConfig
	streamSettings   config.StreamConfig
	clock            clock.Clock
	metrics          *metrics.Metrics
	logger           *slog.Logger
}

// New creates a Controller.
func New(cfg Config) (*Controller, error) {
	switch {
	case cfg.Platform == nil:
		return nil, errors.New("turn: Platform is required")
	case cfg.Cache == nil:
		return nil, errors.New("turn: Cache is required")
	case cfg.History == nil:
		return nil, errors.New("turn: History is required")
	case cfg.Primary.Provider == nil:
		return nil, errors.New("turn: Primary.Provider is required")
	case cfg.Secondary != nil && cfg.Secondary.Provider == nil:
		return nil, errors.New("turn: Secondary.Provider is required when Secondary is set")
	case cfg.Secondary != nil && cfg.Signal == "":
		return nil, errors.New("turn: Signal is required when Secondary is set")
	case cfg.Stream.MaxLength() <= 0:
		return nil, fmt.Errorf("turn: stream max length must be positive, got %d", cfg.Stream.MaxLength())
	}

	controller := &Controller{
		platform:         cfg.Platform,
		cache:            cfg.Cache,
		history:          cfg.History,
		limiter:          cfg.Limiter,
		secondaryLimiter: cfg.SecondaryLimiter,
		primary:          cfg.Primary,
		secondary:        cfg.Secondary,
		signal:           cfg.Signal,
		notifyEscalation: cfg.NotifyEscalation,
		notes:            cfg.Notes,
		notesSettings:    cfg.NotesSettings,
		systemBase:       cfg.SystemPrompt,
		historyLimits:    cfg.HistoryLimits,
		streamSettings:   cfg.Stream,
		clock:            cfg.Clock,
		metrics:          metrics.OrDiscard(cfg.Metrics),
		logger:           cfg.Logger,
	}
	if controller.clock == nil {
		controller.clock = clock.Real()
	}
	if controller.logger == nil {
		controller.logger = slog.Default()
	}
	return controller, nil
}

// Handle runs one turn for trigger. Expected outcomes (a rate limit, a
// provider failure shown in-band) are not errors. On an error the user
// gets ErrorReply unless ctx has ended.
func (controller *Controller) Handle(ctx context.Context, trigger platform.Message) error {
	logger := controller.logger.With(
		"room_id", trigger.RoomID,
		"event_id", trigger.ID,
		"user_id", trigger.AuthorID,
	)

	outcome, err := controller.run(ctx, trigger, logger)
	if err != nil {
		outcome = metrics.OutcomeFailed
		logger.Error("turn failed", "error", err)
		if ctx.Err() == nil {
			controller.reply(ctx, trigger, ErrorReply, logger)
		}
	}
	controller.metrics.Turns.WithLabelValues(outcome).Inc()
	controller.cache.EnforceCapacity()
	return err
}

func (controller *Controller) run(ctx context.Context, trigger platform.Message, logger *slog.Logger) (string, error) {
	if controller.limiter != nil {
		if decision := controller.limiter.Check(trigger.AuthorID); !decision.Allowed {
			controller.metrics.AdmissionRejections.WithLabelValues("normal", string(decision.Scope)).Inc()
			wait := controller.limiter.RetryAfter(trigger.AuthorID)
			logger.Info("turn rejected by rate limit", "scope", decision.Scope, "retry_after", wait)
			controller.reply(ctx, trigger, fmt.Sprintf("⏳ %s rate limit reached. Please wait %s seconds.",
				scopeTitle(decision.Scope), admission.FormatSeconds(wait)), logger)
			return metrics.OutcomeRejected, nil
		}
	}

	escalation := controller.secondary != nil
	result, synchronizer, err := controller.generate(ctx, trigger, controller.primary, "primary", escalation, nil)
	if err != nil {
		return "", err
	}
	outcome := metrics.OutcomeCompleted

	if result.Finish.Kind == stream.OutputControlSignal && escalation {
		admitted := true
		var decision admission.Decision
		if controller.secondaryLimiter != nil {
			decision = controller.secondaryLimiter.Check(trigger.AuthorID)
			admitted = decision.Allowed
		}

		if admitted {
			logger.Info("escalating to secondary model")
			existing := sentHandles(result.Handles)
			if controller.notifyEscalation {
				controller.notifyThinking(ctx, existing, logger)
			}
			result, synchronizer, err = controller.generate(ctx, trigger, *controller.secondary, "secondary", false, existing)
			if err != nil {
				return "", err
			}
			outcome = metrics.OutcomeEscalated
		} else {
			controller.metrics.AdmissionRejections.WithLabelValues("secondary", string(decision.Scope)).Inc()
			wait := controller.secondaryLimiter.RetryAfter(trigger.AuthorID)
			logger.Info("escalation rejected by rate limit", "scope", decision.Scope, "retry_after", wait)
			notice := fmt.Sprintf("🧠 Reasoning rate limit reached. Please wait %s seconds before triggering complex tasks again.",
				admission.FormatSeconds(wait))

			stripped := strings.TrimSpace(strings.ReplaceAll(result.Text, controller.signal, ""))
			if stripped == "" {
				// Nothing but the token: the notice becomes the reply.
				result = synchronizer.Reconcile(ctx, result, notice)
			} else {
				result = synchronizer.Reconcile(ctx, result, stripped)
				controller.reply(ctx, trigger, notice, logger)
			}
			outcome = metrics.OutcomeEscalationRejected
		}
	}

	if result.Finish.Kind != stream.OutputTransportError {
		controller.applyNotes(ctx, trigger, synchronizer, result, logger)
	}
	return outcome, nil
}

// generate builds the prompt for model and streams its reply. signal
// adds the control instruction and classification.
func (controller *Controller) generate(ctx context.Context, trigger platform.Message, model Model, label string, signal bool, existing []platform.Handle) (stream.Result, *stream.Synchronizer, error) {
	limits := history.Limits{
		MaxMessages: controller.historyLimits.MaxMessages,
		MaxText:     controller.historyLimits.MaxText,
		MaxImages:   controller.historyLimits.MaxImages,
		Vision:      model.Settings.Vision,
		AuthorNames: model.Settings.Variant().SupportsAuthorNames(),
	}
	prompt, warnings, err := controller.history.Build(ctx, trigger, limits)
	if err != nil {
		return stream.Result{}, nil, err
	}
	system := controller.systemPrompt(ctx, trigger.AuthorID, limits.AuthorNames, signal)

	synchronizer, err := stream.New(stream.Config{
		Platform:         controller.platform,
		Cache:            controller.cache,
		Clock:            controller.clock,
		Metrics:          controller.metrics,
		Logger:           controller.logger,
		MaxContentLength: controller.streamSettings.MaxLength(),
		MinEditSpacing:   controller.streamSettings.EditInterval,
		Rich:             controller.streamSettings.Rich,
		Target:           platform.TargetFor(trigger),
		ParentID:         trigger.ID,
		Notices:          warnings,
		Existing:         existing,
	})
	if err != nil {
		return stream.Result{}, nil, err
	}

	token := ""
	if signal {
		token = controller.signal
	}
	source := OpenModelSource(ctx, model.Provider, request(model, system, prompt), token)
	defer source.Close()

	started := controller.clock.Now()
	result, err := synchronizer.Run(ctx, source)
	controller.metrics.StreamDuration.WithLabelValues(label).Observe(clock.Since(controller.clock, started).Seconds())
	if err != nil {
		return result, synchronizer, fmt.Errorf("turn: %s model: %w", label, err)
	}
	return result, synchronizer, nil
}

func (controller *Controller) notifyThinking(ctx context.Context, handles []platform.Handle, logger *slog.Logger) {
	content := platform.Content{Text: ThinkingNotice, Rich: controller.streamSettings.Rich, InProgress: true}
	for _, handle := range handles {
		if err := controller.platform.Edit(ctx, handle, content); err != nil {
			controller.metrics.PlatformFailures.WithLabelValues("edit").Inc()
			logger.Warn("writing escalation notice failed", "reply_event_id", handle.MessageID, "error", err)
		}
	}
}

// applyNotes applies notes tags in the final reply and rewrites the
// displayed messages without them. Notes failures never fail the turn.
func (controller *Controller) applyNotes(ctx context.Context, trigger platform.Message, synchronizer *stream.Synchronizer, result stream.Result, logger *slog.Logger) {
	if controller.notes == nil || !controller.notesSettings.ModelTags {
		return
	}
	cleaned, actions, err := controller.notes.ApplyTags(ctx, trigger.AuthorID, result.Text)
	if err != nil {
		logger.Warn("applying notes tags failed", "error", err)
	}
	if len(actions) == 0 {
		return
	}
	logger.Info("notes updated from reply", "actions", len(actions))

	confirmation := notes.Confirmation(actions)
	if cleaned == "" {
		synchronizer.Reconcile(ctx, result, confirmation)
		return
	}
	synchronizer.Reconcile(ctx, result, cleaned)
	if controller.notesSettings.ShowConfirmation {
		controller.reply(ctx, trigger, confirmation, logger)
	}
}

// reply sends a short standalone notice in reply to trigger.
func (controller *Controller) reply(ctx context.Context, trigger platform.Message, text string, logger *slog.Logger) {
	content := platform.Content{Text: text, Rich: controller.streamSettings.Rich}
	if _, err := controller.platform.Send(context.WithoutCancel(ctx), platform.TargetFor(trigger), content); err != nil {
		controller.metrics.PlatformFailures.WithLabelValues("send").Inc()
		logger.Error("sending notice failed", "error", err)
	}
}

func sentHandles(handles []platform.Handle) []platform.Handle {
	var sent []platform.Handle
	for _, handle := range handles {
		if handle != (platform.Handle{}) {
			sent = append(sent, handle)
		}
	}
	return sent
}

func scopeTitle(scope admission.Scope) string {
	if scope == admission.ScopeGlobal {
		return "Global"
	}
	return "User"
}
