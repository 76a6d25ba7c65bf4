package manager

import (
	"context"
	"fmt"

	"github.com/candyconnect/candyconnect-core/internal/protocol"
)

// Op is a lifecycle operation.
type Op string

const (
	OpInstall Op = "install"
	OpStart   Op = "start"
	OpStop    Op = "stop"
	OpRestart Op = "restart"
)

// ParseOp returns ErrUnknownAction for anything but the four operations.
func ParseOp(s string) (Op, error) {
	switch op := Op(s); op {
	case OpInstall, OpStart, OpStop, OpRestart:
		return op, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownAction, s)
	}
}

// Install installs the protocol's packages or binaries.
func (m *Manager) Install(ctx context.Context, id protocol.ID) error {
	return m.lifecycle(ctx, id, OpInstall)
}

// Start starts the protocol's daemon.
func (m *Manager) Start(ctx context.Context, id protocol.ID) error {
	return m.lifecycle(ctx, id, OpStart)
}

// Stop stops the protocol's daemon.
func (m *Manager) Stop(ctx context.Context, id protocol.ID) error {
	return m.lifecycle(ctx, id, OpStop)
}

// Restart stops and starts the protocol's daemon.
func (m *Manager) Restart(ctx context.Context, id protocol.ID) error {
	return m.lifecycle(ctx, id, OpRestart)
}

// Do runs action on the protocol named by rawID. Unknown protocols give
// protocol.ErrNotFound and unknown actions ErrUnknownAction.
func (m *Manager) Do(ctx context.Context, rawID, action string) error {
	id, err := protocol.Parse(rawID)
	if err != nil {
		m.logger.Warn("lifecycle request for unknown protocol", "protocol", rawID, "action", action)
		return err
	}
	op, err := ParseOp(action)
	if err != nil {
		return err
	}
	return m.lifecycle(ctx, id, op)
}

func (m *Manager) lifecycle(ctx context.Context, id protocol.ID, op Op) error {
	b, err := m.Backend(id)
	if err != nil {
		m.logger.Warn("lifecycle request for unknown protocol", "protocol", string(id), "op", op)
		return err
	}

	mu := m.locks[id]
	mu.Lock()
	defer mu.Unlock()

	m.logger.Info("core operation started", "protocol", id, "op", op)
	started := m.now()
	err = run(id, string(op), func() error {
		switch op {
		case OpInstall:
			return b.Install(ctx)
		case OpStart:
			return b.Start(ctx)
		case OpStop:
			return b.Stop(ctx)
		case OpRestart:
			return b.Restart(ctx)
		default:
			return fmt.Errorf("%w: %q", ErrUnknownAction, string(op))
		}
	})
	m.metrics.observeOperation(id, op, err)

	// Read the resulting state outside the caller's deadline so the event
	// is published even when the operation ran out of time.
	state := m.currentState(context.WithoutCancel(ctx), id)
	ev := Event{
		Protocol: id,
		Type:     EventLifecycle,
		Op:       op,
		Result:   result(err),
		Status:   state,
		Time:     m.now().UTC(),
	}
	if err != nil {
		ev.Error = err.Error()
		m.logger.Error("core operation failed", "protocol", id, "op", op,
			"duration", m.now().Sub(started), "error", err)
	} else {
		m.logger.Info("core operation completed", "protocol", id, "op", op,
			"duration", m.now().Sub(started), "status", state)
	}
	m.publishEvent(ev)
	return err
}

