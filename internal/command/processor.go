package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/mattn/go-sqlite3"

	"github.com/starford/eihwaz/internal/apperr"
	"github.com/starford/eihwaz/internal/models"
	"github.com/starford/eihwaz/internal/registry"
	"github.com/starford/eihwaz/internal/store"
)

// DefaultUndoDepth bounds the undo stack; the oldest record falls off when
// the bound is hit.
const DefaultUndoDepth = 100

// Notifier receives every change event after its command commits, stamped
// with the global sequence number.
type Notifier interface {
	Publish(ev models.ChangeEvent)
}

type undoRecord struct {
	forward models.CommandEnvelope
	inverse models.CommandEnvelope
}

type request struct {
	op    string // "execute", "undo", "redo"
	env   models.CommandEnvelope
	ctx   context.Context
	reply chan models.CommandResult
}

type stateSnapshot struct {
	canUndo   bool
	canRedo   bool
	undoDepth int
	lastEvent *models.ChangeEvent
}

// Processor is the engine's single mutation entry point. All commands,
// undos and redos funnel through one goroutine, so mutations are strictly
// serialized and the undo/redo stacks never race.
type Processor struct {
	db        *store.DB
	reg       *registry.Registry
	notifier  Notifier
	log       *slog.Logger
	undoLimit int
	handlers  map[string]handlerFunc

	seq atomic.Uint64

	reqCh      chan request
	stateReqCh chan chan stateSnapshot
	stopCh     chan struct{}
	stopped    chan struct{}
	closed     atomic.Bool
}

// Option configures a Processor.
type Option func(*Processor)

// WithUndoDepth overrides the default undo stack bound.
func WithUndoDepth(n int) Option {
	return func(p *Processor) {
		if n > 0 {
			p.undoLimit = n
		}
	}
}

// WithNotifier wires the change-event sink. Without one, events are
// produced and dropped.
func WithNotifier(n Notifier) Option {
	return func(p *Processor) { p.notifier = n }
}

// WithLogger overrides the default logger.
func WithLogger(log *slog.Logger) Option {
	return func(p *Processor) { p.log = log }
}

// NewProcessor starts the command loop.
func NewProcessor(db *store.DB, reg *registry.Registry, opts ...Option) *Processor {
	p := &Processor{
		db:         db,
		reg:        reg,
		log:        slog.Default().With("component", "command"),
		undoLimit:  DefaultUndoDepth,
		reqCh:      make(chan request),
		stateReqCh: make(chan chan stateSnapshot),
		stopCh:     make(chan struct{}),
		stopped:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.handlers = p.builtinHandlers()
	go p.run()
	return p
}

// run owns the undo and redo stacks. Nothing outside this goroutine
// touches them.
func (p *Processor) run() {
	defer close(p.stopped)

	var undo, redo []undoRecord
	var lastEvent *models.ChangeEvent

	for {
		select {
		case <-p.stopCh:
			return

		case replyCh := <-p.stateReqCh:
			replyCh <- stateSnapshot{
				canUndo:   len(undo) > 0,
				canRedo:   len(redo) > 0,
				undoDepth: len(undo),
				lastEvent: lastEvent,
			}

		case req := <-p.reqCh:
			switch req.op {
			case "execute":
				res, rec, last := p.apply(req.ctx, req.env)
				if res.Success {
					// A fresh command forks history; the redo branch is gone.
					redo = redo[:0]
					if rec != nil {
						undo = append(undo, *rec)
						if len(undo) > p.undoLimit {
							undo = undo[1:]
						}
					}
					if last != nil {
						lastEvent = last
					}
				}
				req.reply <- res

			case "undo":
				if len(undo) == 0 {
					req.reply <- models.CommandResult{Success: false, Error: "No command to undo", Code: apperr.CodeInvalidOperation}
					continue
				}
				rec := undo[len(undo)-1]
				res, _, last := p.apply(req.ctx, rec.inverse)
				if res.Success {
					undo = undo[:len(undo)-1]
					redo = append(redo, rec)
					if last != nil {
						lastEvent = last
					}
				}
				req.reply <- res

			case "redo":
				if len(redo) == 0 {
					req.reply <- models.CommandResult{Success: false, Error: "No command to redo", Code: apperr.CodeInvalidOperation}
					continue
				}
				rec := redo[len(redo)-1]
				res, applied, last := p.apply(req.ctx, rec.forward)
				if res.Success {
					redo = redo[:len(redo)-1]
					if applied != nil {
						undo = append(undo, *applied)
					} else {
						undo = append(undo, rec)
					}
					if last != nil {
						lastEvent = last
					}
				}
				req.reply <- res
			}
		}
	}
}

// apply executes one envelope end to end: dispatch, stamp events with the
// next sequence number, publish, build the result. The returned record is
// nil for non-invertible commands; the returned event is the last one
// produced, recorded by the loop for LastEvent.
func (p *Processor) apply(ctx context.Context, env models.CommandEnvelope) (models.CommandResult, *undoRecord, *models.ChangeEvent) {
	handler, err := p.resolve(env)
	if err != nil {
		return p.failure(env, err), nil, nil
	}

	outcome, err := handler(ctx, env)
	if err != nil {
		return p.failure(env, err), nil, nil
	}

	seq := p.seq.Add(1)
	correlationID := ""
	if env.Meta != nil {
		correlationID = env.Meta.CorrelationID
	}
	for i := range outcome.Events {
		outcome.Events[i].Seq = seq
		outcome.Events[i].CorrelationID = correlationID
		if p.notifier != nil {
			p.notifier.Publish(outcome.Events[i])
		}
	}

	p.log.Debug("command applied",
		"kind", env.Kind,
		"command_id", env.CommandID,
		"node_id", outcome.NodeID,
		"seq", seq)

	var rec *undoRecord
	if outcome.Inverse != nil {
		forward := env
		if outcome.Forward != nil {
			forward = *outcome.Forward
		}
		rec = &undoRecord{forward: forward, inverse: *outcome.Inverse}
	}
	var last *models.ChangeEvent
	if n := len(outcome.Events); n > 0 {
		last = &outcome.Events[n-1]
	}
	return models.CommandResult{Success: true, Seq: seq, NodeID: outcome.NodeID}, rec, last
}

// resolve finds the handler for an envelope kind. Built-in kinds win;
// anything with a dot is a plugin command, "nodeType.command".
func (p *Processor) resolve(env models.CommandEnvelope) (handlerFunc, error) {
	if h, ok := p.handlers[env.Kind]; ok {
		return h, nil
	}
	nodeType, cmd, ok := strings.Cut(env.Kind, ".")
	if ok {
		if h, ec, found := p.reg.CommandFor(nodeType, cmd); found {
			return func(ctx context.Context, env models.CommandEnvelope) (registry.Outcome, error) {
				return h(ctx, ec, env)
			}, nil
		}
	}
	return nil, fmt.Errorf("command: unknown command kind %q: %w", env.Kind, apperr.ErrInvalidOperation)
}

func (p *Processor) failure(env models.CommandEnvelope, err error) models.CommandResult {
	code := apperr.CodeFor(err)
	if code == apperr.CodeUnknown {
		var serr sqlite3.Error
		if errors.As(err, &serr) {
			code = apperr.CodeDatabase
		}
	}
	p.log.Warn("command failed",
		"kind", env.Kind,
		"command_id", env.CommandID,
		"code", code,
		"error", err)
	return models.CommandResult{Success: false, Error: err.Error(), Code: code}
}

func (p *Processor) submit(ctx context.Context, op string, env models.CommandEnvelope) models.CommandResult {
	if p.closed.Load() {
		return models.CommandResult{Success: false, Error: "command processor is closed", Code: apperr.CodeInvalidOperation}
	}
	req := request{op: op, env: env, ctx: ctx, reply: make(chan models.CommandResult, 1)}
	select {
	case p.reqCh <- req:
	case <-p.stopped:
		return models.CommandResult{Success: false, Error: "command processor is closed", Code: apperr.CodeInvalidOperation}
	case <-ctx.Done():
		return models.CommandResult{Success: false, Error: ctx.Err().Error(), Code: apperr.CodeUnknown}
	}
	select {
	case res := <-req.reply:
		return res
	case <-ctx.Done():
		return models.CommandResult{Success: false, Error: ctx.Err().Error(), Code: apperr.CodeUnknown}
	}
}

// ProcessCommand executes one command envelope. A successful invertible
// command pushes an undo record and clears the redo stack.
func (p *Processor) ProcessCommand(ctx context.Context, env models.CommandEnvelope) models.CommandResult {
	return p.submit(ctx, "execute", env)
}

// Undo applies the inverse of the most recent undoable command.
func (p *Processor) Undo(ctx context.Context) models.CommandResult {
	return p.submit(ctx, "undo", models.CommandEnvelope{})
}

// Redo re-applies the most recently undone command.
func (p *Processor) Redo(ctx context.Context) models.CommandResult {
	return p.submit(ctx, "redo", models.CommandEnvelope{})
}

func (p *Processor) state() stateSnapshot {
	if p.closed.Load() {
		return stateSnapshot{}
	}
	replyCh := make(chan stateSnapshot, 1)
	select {
	case p.stateReqCh <- replyCh:
		return <-replyCh
	case <-p.stopped:
		return stateSnapshot{}
	}
}

// CanUndo reports whether an undo record is available.
func (p *Processor) CanUndo() bool { return p.state().canUndo }

// CanRedo reports whether a redo record is available.
func (p *Processor) CanRedo() bool { return p.state().canRedo }

// UndoStackSize returns the current undo stack depth.
func (p *Processor) UndoStackSize() int { return p.state().undoDepth }

// LastEvent returns the most recent change event, or nil before the first
// successful command. New subscribers use it to catch up.
func (p *Processor) LastEvent() *models.ChangeEvent { return p.state().lastEvent }

// Seq returns the last assigned global sequence number.
func (p *Processor) Seq() uint64 { return p.seq.Load() }

// Close stops the command loop. In-flight submits get a closed result.
func (p *Processor) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	close(p.stopCh)
	<-p.stopped
}
