// Package engine drives replay of queued mutations. At most one drain pass
// runs at a time; concurrent flush triggers coalesce into it. The pass walks
// the queue strictly in order and halts at the first mutation that does not
// resolve, so causally dependent writes are never replayed out of order.
package engine

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/opsdeck/offline/internal/events"
	"github.com/opsdeck/offline/internal/model"
	"github.com/opsdeck/offline/internal/registry"
	"github.com/opsdeck/offline/internal/store"
)

type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

func parseLogLevel(s string) LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return LogLevelDebug
	case "info":
		return LogLevelInfo
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

// Notifier shows a desktop notification. A nil Notifier disables stuck
// notifications.
type Notifier func(title, message string) error

// Options configures an Engine. Store and Registry are required.
type Options struct {
	Store    *store.Store
	Registry *registry.Registry
	Bus      *events.Bus
	Logger   *log.Logger
	LogLevel string
	// StuckThreshold is the attempt count at which a retryable mutation is
	// surfaced as stuck. Defaults to 5.
	StuckThreshold int
	Notifier       Notifier
}

// Engine coordinates the store, the handler registry, and the event bus.
type Engine struct {
	store    *store.Store
	registry *registry.Registry
	bus      *events.Bus
	logger   *log.Logger
	logLevel LogLevel

	stuckThreshold int
	notifier       Notifier

	flushGroup singleflight.Group

	mu            sync.Mutex
	stuckNotified map[string]bool
}

func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("engine requires a store")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("engine requires a registry")
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "", 0)
	}
	threshold := opts.StuckThreshold
	if threshold <= 0 {
		threshold = 5
	}

	return &Engine{
		store:          opts.Store,
		registry:       opts.Registry,
		bus:            opts.Bus,
		logger:         logger,
		logLevel:       parseLogLevel(opts.LogLevel),
		stuckThreshold: threshold,
		notifier:       opts.Notifier,
		stuckNotified:  make(map[string]bool),
	}, nil
}

// Queue persists a mutation for later replay and publishes a queued event.
// The mutation is durable when this returns.
func (e *Engine) Queue(mutType string, payload any, meta model.Meta) (model.Mutation, error) {
	m, err := e.store.Enqueue(mutType, payload, meta)
	if err != nil {
		return model.Mutation{}, err
	}

	e.log(LogLevelInfo, "queued mutation id=%s type=%s summary=%q", m.ID, m.Type, m.Meta.Summary)
	e.publish(events.Event{
		Type:         events.EventQueued,
		MutationID:   m.ID,
		MutationType: m.Type,
		Meta:         m.Meta,
	})
	return m, nil
}

// RegisterHandler wires a replay handler for a mutation type. Returns an
// unregister function.
func (e *Engine) RegisterHandler(mutType string, h registry.Handler) func() {
	return e.registry.Register(mutType, h)
}

// Pending returns the queued mutations in replay order.
func (e *Engine) Pending() []model.Mutation {
	return e.store.List()
}

// Flush runs a drain pass. If a pass is already in progress the call joins it
// instead of starting a second one, so replay triggers (reconnect, timer,
// manual) can all fire freely without ever producing duplicate sends.
func (e *Engine) Flush(ctx context.Context) error {
	_, err, _ := e.flushGroup.Do("drain", func() (any, error) {
		return nil, e.drain(ctx)
	})
	return err
}

// drain replays from the head of the queue. It stops at the first retry
// verdict: skipping ahead could replay a later mutation that depends on the
// failed one.
func (e *Engine) drain(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			e.log(LogLevelInfo, "drain interrupted: %v", err)
			return err
		}

		queue := e.store.List()
		if len(queue) == 0 {
			return nil
		}
		head := queue[0]

		if head.Status == model.StatusInFlight {
			// Leftover from an attempt whose status write failed mid-drain.
			// Replay it directly rather than wedging the queue until restart.
			e.log(LogLevelWarn, "head id=%s still in_flight, resuming replay", head.ID)
		} else {
			if !model.Replayable(head.Status) {
				return fmt.Errorf("head mutation %s has status %s, expected a replayable state", head.ID, head.Status)
			}
			if err := e.markInFlight(head.ID); err != nil {
				return fmt.Errorf("mark in_flight %s: %w", head.ID, err)
			}
		}

		handler, ok := e.registry.Lookup(head.Type)
		if !ok {
			// No handler this session: the feature module that owns this type
			// has not registered yet. Leave the mutation in place and stop —
			// it is not an error worth discarding data over.
			e.log(LogLevelWarn, "no handler for type=%s id=%s, halting drain", head.Type, head.ID)
			if err := e.recordRetry(head, fmt.Sprintf("no handler registered for type %s", head.Type)); err != nil {
				return err
			}
			return nil
		}

		result := invoke(ctx, handler, head)

		switch result.Status {
		case registry.ResultSuccess:
			if err := e.store.Remove(head.ID); err != nil {
				return fmt.Errorf("remove %s after success: %w", head.ID, err)
			}
			e.log(LogLevelInfo, "replayed mutation id=%s type=%s attempts=%d", head.ID, head.Type, head.Attempts+1)
			e.forget(head.ID)
			e.publish(events.Event{
				Type:         events.EventSucceeded,
				MutationID:   head.ID,
				MutationType: head.Type,
				Meta:         head.Meta,
				Attempts:     head.Attempts + 1,
			})

		case registry.ResultDiscard:
			if err := e.store.Remove(head.ID); err != nil {
				return fmt.Errorf("remove %s after discard: %w", head.ID, err)
			}
			e.log(LogLevelWarn, "discarded mutation id=%s type=%s reason=%q", head.ID, head.Type, result.Message)
			e.forget(head.ID)
			e.publish(events.Event{
				Type:         events.EventDiscarded,
				MutationID:   head.ID,
				MutationType: head.Type,
				Meta:         head.Meta,
				Attempts:     head.Attempts + 1,
				Message:      result.Message,
			})

		case registry.ResultRetry:
			if err := e.recordRetry(head, result.Message); err != nil {
				return err
			}
			return nil

		default:
			return fmt.Errorf("handler for %s returned unknown result status %q", head.Type, result.Status)
		}
	}
}

// invoke runs the handler, converting a panic into a retry verdict so a buggy
// handler cannot take down the drain loop or discard data.
func invoke(ctx context.Context, h registry.Handler, m model.Mutation) (result registry.Result) {
	defer func() {
		if r := recover(); r != nil {
			result = registry.Retry(fmt.Sprintf("handler panic: %v", r))
		}
	}()
	return h(ctx, m)
}

func (e *Engine) markInFlight(id string) error {
	status := model.StatusInFlight
	return e.store.Update(id, model.Patch{Status: &status})
}

// recordRetry moves the head back to failed_retryable with an incremented
// attempt count. The mutation is never discarded here, no matter how many
// attempts it has accumulated — only surfaced. A persistence failure is
// reported to the caller so the drain ends in error instead of silently
// leaving the head in_flight.
func (e *Engine) recordRetry(m model.Mutation, message string) error {
	status := model.StatusFailedRetryable
	attempts := m.Attempts + 1
	now := time.Now().UTC().Format(time.RFC3339)
	patch := model.Patch{
		Status:        &status,
		Attempts:      &attempts,
		LastAttemptAt: &now,
	}
	if message != "" {
		patch.LastError = &message
	}
	if err := e.store.Update(m.ID, patch); err != nil {
		e.log(LogLevelError, "record retry for id=%s: %v", m.ID, err)
		return fmt.Errorf("record retry %s: %w", m.ID, err)
	}

	e.log(LogLevelInfo, "retry scheduled id=%s type=%s attempts=%d error=%q", m.ID, m.Type, attempts, message)
	e.publish(events.Event{
		Type:         events.EventRetried,
		MutationID:   m.ID,
		MutationType: m.Type,
		Meta:         m.Meta,
		Attempts:     attempts,
		Message:      message,
	})

	if attempts >= e.stuckThreshold {
		e.surfaceStuck(m, attempts, message)
	}
	return nil
}

// surfaceStuck warns and notifies once per mutation when it crosses the stuck
// threshold. Repeated drains do not re-notify.
func (e *Engine) surfaceStuck(m model.Mutation, attempts int, message string) {
	e.mu.Lock()
	already := e.stuckNotified[m.ID]
	e.stuckNotified[m.ID] = true
	e.mu.Unlock()

	e.log(LogLevelWarn, "mutation stuck id=%s type=%s attempts=%d threshold=%d error=%q",
		m.ID, m.Type, attempts, e.stuckThreshold, message)

	if already || e.notifier == nil {
		return
	}

	title := "Changes not syncing"
	summary := m.Meta.Summary
	if summary == "" {
		summary = m.Type
	}
	body := fmt.Sprintf("%q has failed %d times and needs attention", summary, attempts)
	if err := e.notifier(title, body); err != nil {
		e.log(LogLevelDebug, "stuck notification failed: %v", err)
	}
}

// forget clears the one-shot stuck marker for a resolved mutation.
func (e *Engine) forget(id string) {
	e.mu.Lock()
	delete(e.stuckNotified, id)
	e.mu.Unlock()
}

func (e *Engine) publish(ev events.Event) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(ev)
}

func (e *Engine) log(level LogLevel, format string, args ...any) {
	if level < e.logLevel {
		return
	}
	levelStr := "INFO"
	switch level {
	case LogLevelDebug:
		levelStr = "DEBUG"
	case LogLevelWarn:
		levelStr = "WARN"
	case LogLevelError:
		levelStr = "ERROR"
	}
	msg := fmt.Sprintf(format, args...)
	e.logger.Printf("%s %s engine: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}
