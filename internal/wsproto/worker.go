package wsproto

import (
	"context"
	"log/slog"
	"time"
)

// Handler processes one decoded text-frame payload for conn and
// returns the reply bytes to send back (already JSON-encoded), or nil
// if there's nothing to send. It is supplied by the caller (the
// dispatcher) to keep this package free of a dependency on message
// envelope shapes.
type Handler func(ctx context.Context, conn *Conn, payload []byte) []byte

// WorkerConfig carries the per-connection policy knobs (spec §4.1's
// max_frame_bytes, idle_timeout_s, heartbeat_interval_ms).
type WorkerConfig struct {
	MaxFrameBytes     int64
	IdleTimeout       time.Duration
	HeartbeatInterval time.Duration
}

// Worker owns one connection's read loop, heartbeat, and idle
// supervision — the single owning task per connection described by
// spec §9's actor-tree redesign note. Its read loop makes the auth
// transitions; its heartbeat loop (and server shutdown) may close the
// Conn.
type Worker struct {
	cfg      WorkerConfig
	conn     *Conn
	registry *Registry
	handle   Handler
	log      *slog.Logger
	now      func() time.Time
}

// NewWorker builds a Worker for an already-accepted connection. handle
// is invoked once per decoded text frame, single-threaded, guaranteeing
// per-connection ordering (spec §5).
func NewWorker(cfg WorkerConfig, conn *Conn, registry *Registry, handle Handler, log *slog.Logger, now func() time.Time) *Worker {
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = slog.Default()
	}
	return &Worker{cfg: cfg, conn: conn, registry: registry, handle: handle, log: log, now: now}
}

// Run drives the connection until it closes, then deregisters it. It
// blocks the calling goroutine and is meant to be invoked as `go
// worker.Run(ctx)` per accepted connection.
func (w *Worker) Run(ctx context.Context) {
	defer w.registry.Remove(w.conn.ID)
	defer w.conn.Close(CloseNormal)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	go w.heartbeatLoop(ctx, done)
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		frame, err := w.conn.ReadFrame(w.cfg.MaxFrameBytes)
		if err != nil {
			if err == ErrFrameTooLarge {
				w.conn.Close(CloseMessageTooBig)
			} else {
				w.conn.Close(CloseProtocolError)
			}
			return
		}

		w.conn.Touch(w.now())

		switch frame.Opcode {
		case OpClose:
			w.conn.Close(CloseNormal)
			return
		case OpPing:
			if err := w.conn.Send(OpPong, frame.Payload); err != nil {
				return
			}
		case OpPong:
			// No action: Touch above already recorded the activity.
		case OpText:
			reply := w.handle(ctx, w.conn, frame.Payload)
			if reply != nil {
				if err := w.conn.Send(OpText, reply); err != nil {
					return
				}
			}
		case OpBinary:
			// Binary payloads carry no defined envelope; spec C10 only
			// routes text-frame JSON, so binary frames are acknowledged
			// at the transport level and otherwise ignored.
		default:
			w.conn.Close(CloseProtocolError)
			return
		}
	}
}

// heartbeatLoop sends pings on HeartbeatInterval and force-closes the
// connection once IdleTimeout elapses with no inbound activity (spec
// §4.6: "idle_timeout_s with no inbound activity terminates the
// worker").
func (w *Worker) heartbeatLoop(ctx context.Context, done <-chan struct{}) {
	if w.cfg.HeartbeatInterval <= 0 {
		return
	}
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			if w.cfg.IdleTimeout > 0 && w.conn.IdleSince(w.now()) > w.cfg.IdleTimeout {
				w.log.Info("closing idle connection", "connection_id", w.conn.ID)
				w.conn.Close(CloseGoingAway)
				return
			}
			if err := w.conn.Send(OpPing, nil); err != nil {
				return
			}
		}
	}
}
