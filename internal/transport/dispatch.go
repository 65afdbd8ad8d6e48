package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// pollInterval bounds each blocking receive attempt in the dispatch loop,
// so the termination signal is observed at least 20 times per second.
const pollInterval = 50 * time.Millisecond

// DispatchResult describes why the dispatch loop exited. It never carries
// a panic or unwinds through the caller; every exit path, including
// errors, is represented as a value.
type DispatchResult struct {
	// Reason is one of: "scheduler_init_failed", "terminated",
	// "comms_timeout", "expired", "handler_stop", "handler_error",
	// "codec_error".
	Reason string
	Err    error
}

// Dispatch starts sched, then polls the stream until a packet arrives, the
// comms/expiry budget elapses, or terminate is closed. Each received
// packet is handed to handler; handler's "continue" return value decides
// whether the loop keeps running. Once sched has initialized, every exit
// path tears it down and joins its outstanding tasks before Dispatch
// returns; if Initialize fails, Dispatch returns without calling Destroy
// or Join.
func (t *Transport) Dispatch(ctx context.Context, sched Scheduler, handler CommandHandler, terminate <-chan struct{}) DispatchResult {
	if err := sched.Initialize(); err != nil {
		return DispatchResult{Reason: "scheduler_init_failed", Err: fmt.Errorf("%w: %v", ErrSocketInit, err)}
	}
	defer func() {
		sched.Destroy()
		sched.Join()
	}()

	t.mu.Lock()
	conn := t.ctx.conn
	codec := t.ctx.codec
	t.mu.Unlock()
	if conn == nil || codec == nil {
		return DispatchResult{Reason: "codec_error", Err: ErrNotBound}
	}

	t.CommsLastPacket = time.Now()

	for {
		select {
		case <-terminate:
			return DispatchResult{Reason: "terminated"}
		case <-ctx.Done():
			return DispatchResult{Reason: "terminated", Err: ctx.Err()}
		default:
		}

		if err := conn.SetReadDeadline(time.Now().Add(pollInterval)); err != nil {
			return DispatchResult{Reason: "codec_error", Err: err}
		}

		packet, err := codec.Receive()
		now := time.Now()

		if err == nil {
			t.CommsLastPacket = now
			cont, herr := handler.Handle(t, packet)
			if herr != nil {
				return DispatchResult{Reason: "handler_error", Err: herr}
			}
			if !cont {
				return DispatchResult{Reason: "handler_stop"}
			}
			continue
		}

		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			if !t.ExpirationEnd.IsZero() && now.After(t.ExpirationEnd) {
				return DispatchResult{Reason: "expired"}
			}
			if t.Timeouts.Comms > 0 && now.Sub(t.CommsLastPacket) > t.Timeouts.Comms {
				return DispatchResult{Reason: "comms_timeout"}
			}
			continue
		}

		return DispatchResult{Reason: "codec_error", Err: err}
	}
}
