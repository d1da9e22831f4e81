// Package dispatch owns the tenant registry and applies lifecycle and
// playback commands to engines, one command at a time.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/lexiqai/tts-relay/internal/observability"
	"github.com/lexiqai/tts-relay/internal/playback"
)

var (
	// ErrUnknownTenant is returned for commands naming a tenant with no engine.
	ErrUnknownTenant = errors.New("unknown tenant")

	// ErrStopped is returned once the dispatcher loop has exited.
	ErrStopped = errors.New("dispatcher stopped")

	// ErrInvalidCommand wraps malformed commands.
	ErrInvalidCommand = errors.New("invalid command")
)

// CommandType names a dispatcher operation.
type CommandType string

const (
	CmdJoin     CommandType = "join"
	CmdLeave    CommandType = "leave"
	CmdEnqueue  CommandType = "enqueue"
	CmdSkip     CommandType = "skip"
	CmdBind     CommandType = "bind"
	CmdUnbind   CommandType = "unbind"
	CmdSnapshot CommandType = "snapshot"
	CmdList     CommandType = "list"
)

// Command is one request to the dispatcher. Sink is only meaningful for bind
// and unbind and never travels over the bus.
type Command struct {
	Type         CommandType   `json:"type"`
	TenantID     string        `json:"tenant_id"`
	Text         string        `json:"text,omitempty"`
	VoiceStyleID int           `json:"voice_style_id,omitempty"`
	Sink         playback.Sink `json:"-"`
}

// Result is the outcome of a command.
type Result struct {
	Created   bool                `json:"created,omitempty"`
	Released  bool                `json:"released,omitempty"`
	Utterance *playback.Utterance `json:"utterance,omitempty"`
	Snapshot  *playback.Snapshot  `json:"snapshot,omitempty"`
	Tenants   []string            `json:"tenants,omitempty"`
}

type request struct {
	cmd   Command
	reply chan response
}

type response struct {
	result Result
	err    error
}

// Dispatcher serializes every registry access through its Run loop. Handlers
// of inbound events never touch the registry directly; they call Do.
type Dispatcher struct {
	registry *playback.Registry
	requests chan request
	done     chan struct{}
	logger   zerolog.Logger
}

// New creates a dispatcher whose engines come from factory.
func New(factory playback.EngineFactory, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		registry: playback.NewRegistry(factory),
		requests: make(chan request),
		done:     make(chan struct{}),
		logger:   logger,
	}
}

// Run processes commands until ctx is done, then shuts every engine down.
func (d *Dispatcher) Run(ctx context.Context) {
	defer close(d.done)
	d.logger.Info().Msg("Dispatcher started")

	for {
		select {
		case <-ctx.Done():
			n := d.registry.Len()
			d.registry.ShutdownAll()
			d.logger.Info().Int("tenants", n).Msg("Dispatcher stopped")
			return
		case req := <-d.requests:
			result, err := d.apply(req.cmd)
			observability.RecordCommand(string(req.cmd.Type), err)
			req.reply <- response{result: result, err: err}
		}
	}
}

// Done is closed after Run has returned.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

// Do submits cmd and waits for its result.
func (d *Dispatcher) Do(ctx context.Context, cmd Command) (Result, error) {
	req := request{cmd: cmd, reply: make(chan response, 1)}

	select {
	case d.requests <- req:
	case <-d.done:
		return Result{}, ErrStopped
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}

	select {
	case resp := <-req.reply:
		return resp.result, resp.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (d *Dispatcher) apply(cmd Command) (Result, error) {
	if cmd.Type == CmdList {
		return Result{Tenants: d.registry.Tenants()}, nil
	}
	if strings.TrimSpace(cmd.TenantID) == "" {
		return Result{}, fmt.Errorf("%w: tenant_id is required", ErrInvalidCommand)
	}

	if cmd.Type == CmdJoin {
		if _, ok := d.registry.Lookup(cmd.TenantID); ok {
			return Result{}, nil
		}
		if _, err := d.registry.Create(cmd.TenantID); err != nil {
			return Result{}, err
		}
		d.logger.Info().Str("tenant_id", cmd.TenantID).Msg("Tenant joined")
		return Result{Created: true}, nil
	}

	if cmd.Type == CmdLeave {
		if !d.registry.Remove(cmd.TenantID) {
			return Result{}, ErrUnknownTenant
		}
		d.logger.Info().Str("tenant_id", cmd.TenantID).Msg("Tenant left")
		return Result{}, nil
	}

	engine, ok := d.registry.Lookup(cmd.TenantID)
	if !ok {
		return Result{}, ErrUnknownTenant
	}

	switch cmd.Type {
	case CmdEnqueue:
		if strings.TrimSpace(cmd.Text) == "" {
			return Result{}, fmt.Errorf("%w: text is required", ErrInvalidCommand)
		}
		u, err := engine.Enqueue(cmd.Text, cmd.VoiceStyleID)
		if err != nil {
			return Result{}, err
		}
		return Result{Utterance: &u}, nil

	case CmdSkip:
		engine.SkipCurrent()
		return Result{}, nil

	case CmdBind:
		if cmd.Sink == nil {
			return Result{}, fmt.Errorf("%w: bind needs a sink", ErrInvalidCommand)
		}
		engine.RebindOutput(cmd.Sink)
		return Result{}, nil

	case CmdUnbind:
		if cmd.Sink == nil {
			engine.RebindOutput(nil)
			return Result{Released: true}, nil
		}
		return Result{Released: engine.ReleaseOutput(cmd.Sink)}, nil

	case CmdSnapshot:
		snap := engine.Snapshot()
		return Result{Snapshot: &snap}, nil
	}

	return Result{}, fmt.Errorf("%w: unknown type %q", ErrInvalidCommand, cmd.Type)
}
