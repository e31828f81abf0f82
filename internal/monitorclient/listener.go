package monitorclient

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/cloudnative-pg/pg-keeper/internal/domain"
	"github.com/cloudnative-pg/pg-keeper/internal/logging"
)

// CurrentNodeState is the payload of a `state` channel notification, as
// emitted by the monitor on every node/group state change. It is consumed
// by wait-for-transition helpers in the CLI layer, never by the Keeper
// Loop itself: no callbacks from the client into keeper internals.
type CurrentNodeState struct {
	NodeID       int    `json:"nodeid"`
	Name         string `json:"name"`
	GroupID      int    `json:"groupid"`
	CurrentRole  string `json:"current_role"`
	AssignedRole string `json:"assigned_role"`
	ReportedLSN  string `json:"reported_lsn"`
}

// EventQueue is the bounded, one-way notification queue the Monitor Client
// exposes. Listener.Events publishes into it; nothing reads it back into
// the client.
type EventQueue chan CurrentNodeState

// Listener subscribes to the monitor's `state` and `log` notification
// channels via pq.Listener, decoupled from the polling connection used for
// RPCs.
type Listener struct {
	conninfo string
	listener *pq.Listener
	Events   EventQueue
}

// NewListener builds (but does not yet start) a Listener against conninfo.
// minReconnect/maxReconnect mirror the backoff bounds pq.NewListener itself
// accepts.
func NewListener(conninfo string, minReconnect, maxReconnect time.Duration, queueSize int) *Listener {
	l := &Listener{conninfo: conninfo, Events: make(EventQueue, queueSize)}
	l.listener = pq.NewListener(conninfo, minReconnect, maxReconnect, l.logEvent)
	return l
}

func (l *Listener) logEvent(event pq.ListenerEventType, err error) {
	contextLogger := logging.Get().WithName("monitor-listener")
	switch event {
	case pq.ListenerEventConnectionAttemptFailed, pq.ListenerEventDisconnected:
		if err != nil {
			contextLogger.Warning("listener connection event", "event", int(event), "err", err.Error())
		}
	}
}

// Start subscribes to both channels and begins forwarding state
// notifications into the event queue. A panic inside the forwarding loop
// is recovered and logged so a malformed notification cannot take the
// whole keeper down.
func (l *Listener) Start(ctx context.Context) error {
	if err := l.listener.Listen("state"); err != nil {
		return fmt.Errorf("while subscribing to the state channel: %w", err)
	}
	if err := l.listener.Listen("log"); err != nil {
		return fmt.Errorf("while subscribing to the log channel: %w", err)
	}

	go l.forward(ctx)
	return nil
}

func (l *Listener) forward(ctx context.Context) {
	contextLogger := logging.Get().WithName("monitor-listener")
	defer func() {
		if r := recover(); r != nil {
			contextLogger.Error(fmt.Errorf("%v", r), "recovered panic in monitor listener forwarding loop")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case notification, ok := <-l.listener.Notify:
			if !ok {
				return
			}
			if notification == nil {
				// pq sends a nil notification after a reconnect; nothing
				// to forward.
				continue
			}
			if notification.Channel != "state" {
				contextLogger.Debug("log channel notification", "payload", notification.Extra)
				continue
			}
			var event CurrentNodeState
			if err := json.Unmarshal([]byte(notification.Extra), &event); err != nil {
				contextLogger.Warning("failed to decode state notification", "err", err.Error())
				continue
			}
			select {
			case l.Events <- event:
			default:
				contextLogger.Warning("monitor event queue full, dropping notification", "nodeid", event.NodeID)
			}
		}
	}
}

// Close stops the listener and releases its connection.
func (l *Listener) Close() error {
	return l.listener.Close()
}

// WaitForNodeState drains the event queue until a node reports goal as
// its current role, the timeout elapses, or ctx is cancelled. nodeID == 0
// matches any node in the formation. It returns false on timeout without
// error: not reaching the goal in time is an observation, not a failure.
func WaitForNodeState(
	ctx context.Context,
	events EventQueue,
	nodeID int,
	goal domain.Role,
	timeout time.Duration,
) (bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-timer.C:
			return false, nil
		case event := <-events:
			if nodeID != 0 && event.NodeID != nodeID {
				continue
			}
			reported, err := domain.ParseRole(event.CurrentRole)
			if err != nil {
				logging.FromContext(ctx).Warning("ignoring notification with unknown role",
					"role", event.CurrentRole)
				continue
			}
			if reported == goal {
				return true, nil
			}
		}
	}
}
