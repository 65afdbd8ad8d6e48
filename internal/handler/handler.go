// Package handler provides the default Command Handler: it decodes a
// packet's body as a small JSON command envelope and replies over the same
// transport, satisfying the dispatch loop's command_handle(remote, packet)
// -> continue contract.
package handler

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/duskline/rcagent/internal/protocol"
	"github.com/duskline/rcagent/internal/transport"
)

// Envelope is the JSON command body this handler understands.
type Envelope struct {
	Command string          `json:"command"`
	Args    json.RawMessage `json:"args,omitempty"`
}

// Reply is the JSON body this handler writes back for every command
// except "shutdown".
type Reply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	Data  any    `json:"data,omitempty"`
}

// Func adapts a plain function to transport.CommandHandler.
type Func func(t *transport.Transport, p *protocol.Packet) (bool, error)

// Handle implements transport.CommandHandler.
func (f Func) Handle(t *transport.Transport, p *protocol.Packet) (bool, error) {
	return f(t, p)
}

// Default decodes each request's JSON envelope and dispatches to a
// registered command function; unrecognized commands get an error reply
// rather than terminating the session.
type Default struct {
	logger   *slog.Logger
	commands map[string]func(args json.RawMessage) (any, error)
}

// New creates a Default handler with the built-in "ping" command
// registered. Additional commands can be added with Register.
func New(logger *slog.Logger) *Default {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Default{
		logger:   logger,
		commands: make(map[string]func(args json.RawMessage) (any, error)),
	}
	d.Register("ping", func(json.RawMessage) (any, error) {
		return "pong", nil
	})
	return d
}

// Register adds or replaces the function invoked for a named command.
func (d *Default) Register(name string, fn func(args json.RawMessage) (any, error)) {
	d.commands[name] = fn
}

// Handle implements transport.CommandHandler. A "shutdown" command ends
// the dispatch loop by returning cont=false; every other recognized or
// unrecognized command replies and returns cont=true.
func (d *Default) Handle(t *transport.Transport, p *protocol.Packet) (bool, error) {
	body, err := p.Body()
	if err != nil {
		d.reply(t, p, Reply{OK: false, Error: fmt.Sprintf("malformed packet: %v", err)})
		return true, nil
	}

	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		d.reply(t, p, Reply{OK: false, Error: fmt.Sprintf("malformed command envelope: %v", err)})
		return true, nil
	}

	if env.Command == "shutdown" {
		return false, nil
	}

	fn, ok := d.commands[env.Command]
	if !ok {
		d.reply(t, p, Reply{OK: false, Error: fmt.Sprintf("unknown command %q", env.Command)})
		return true, nil
	}

	data, err := fn(env.Args)
	if err != nil {
		d.reply(t, p, Reply{OK: false, Error: err.Error()})
		return true, nil
	}

	d.reply(t, p, Reply{OK: true, Data: data})
	return true, nil
}

// reply marshals resp and transmits it as a RESPONSE packet carrying the
// same request id as the packet it answers, so the peer's completion
// handler (if any) can correlate it.
func (d *Default) reply(t *transport.Transport, request *protocol.Packet, resp Reply) {
	body, err := json.Marshal(resp)
	if err != nil {
		d.logger.Error("marshal reply", "error", err)
		return
	}

	responseType := protocol.TypeResponse
	if request.Type.IsPlaintext() {
		responseType = protocol.TypePlainResponse
	}

	out := protocol.NewPacket(responseType, body)
	if id, ok := request.RequestID(); ok {
		out.AddTLVString(protocol.TLVTypeRequestID, id)
	}

	if err := t.Transmit(out, nil); err != nil {
		d.logger.Error("transmit reply", "error", err)
	}
}
