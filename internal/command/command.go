// Package command implements the CheckCommands task: poll the backend for
// pending operator commands and apply them against the inverter gateway.
// set_power, a power setpoint write to the POW register, is the one
// supported action.
package command

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ecowatt/agent/internal/diagnostics"
	"github.com/ecowatt/agent/internal/modbus"
	"github.com/ecowatt/agent/internal/transport"
)

// Command is one operator-issued action fetched from the backend.
type Command struct {
	ID     string `json:"id"`
	Action string `json:"action"`
	Value  uint16 `json:"value"`
}

// ackRequest reports a command's outcome back to the backend.
type ackRequest struct {
	ID      string `json:"id"`
	Applied bool   `json:"applied"`
	Error   string `json:"error,omitempty"`
}

const actionSetPower = "set_power"

// powerRegisterAddr is the POW register's Modbus address.
const powerRegisterAddr = 8

// Engine polls the backend's command queue and applies supported actions
// against the inverter gateway via write-single-register.
type Engine struct {
	slave       byte
	gatewayURL  string
	commandsURL string
	ackURL      string
	gatewayAPI  string
	backendAPI  string
	transport   transport.Transport
	diag        *diagnostics.Diagnostics
}

// New constructs a command Engine.
func New(slave byte, gatewayURL, commandsURL, ackURL, gatewayAPIKey, backendAPIKey string, tr transport.Transport, diag *diagnostics.Diagnostics) *Engine {
	return &Engine{
		slave:       slave,
		gatewayURL:  gatewayURL,
		commandsURL: commandsURL,
		ackURL:      ackURL,
		gatewayAPI:  gatewayAPIKey,
		backendAPI:  backendAPIKey,
		transport:   tr,
		diag:        diag,
	}
}

// Check fetches pending commands and applies each in turn. Failures are
// logged and counted; one command's failure never blocks the rest.
func (e *Engine) Check(ctx context.Context) {
	resp, err := e.transport.Get(ctx, e.commandsURL, map[string]string{"Authorization": e.backendAPI})
	if err != nil {
		e.diag.Log(diagnostics.WARN, 0, fmt.Sprintf("command: fetch failed: %v", err))
		return
	}
	if len(resp.Body) == 0 {
		return
	}

	var cmds []Command
	if err := json.Unmarshal(resp.Body, &cmds); err != nil {
		e.diag.Log(diagnostics.WARN, 0, "command: malformed command list")
		return
	}

	for _, c := range cmds {
		e.apply(ctx, c)
	}
}

func (e *Engine) apply(ctx context.Context, c Command) {
	switch c.Action {
	case actionSetPower:
		ok := e.SetPower(ctx, c.Value)
		e.ack(ctx, c.ID, ok)
	default:
		e.diag.Log(diagnostics.WARN, 0, "command: unknown action "+c.Action)
		e.ack(ctx, c.ID, false)
	}
}

// SetPower writes value to the POW register and returns true iff the
// gateway answered with a well-formed frame carrying no Modbus exception.
// The answer is not compared with the frame that was sent.
func (e *Engine) SetPower(ctx context.Context, value uint16) bool {
	frame := modbus.BuildWrite(e.slave, powerRegisterAddr, value)
	body, err := json.Marshal(struct {
		Frame string `json:"frame"`
	}{Frame: frame})
	if err != nil {
		e.diag.Log(diagnostics.ERROR, 0, "command: marshal write request failed")
		return false
	}

	headers := map[string]string{
		"Content-Type":  "application/json",
		"accept":        "*/*",
		"Authorization": e.gatewayAPI,
	}
	resp, err := e.transport.Post(ctx, e.gatewayURL, headers, body)
	if err != nil {
		e.incr(diagnostics.WriteErrors)
		e.diag.Log(diagnostics.ERROR, 0, fmt.Sprintf("command: write post failed: %v", err))
		return false
	}

	var rr struct {
		Frame string `json:"frame"`
	}
	if err := json.Unmarshal(resp.Body, &rr); err != nil || rr.Frame == "" {
		e.incr(diagnostics.MalformedFrames)
		e.diag.Log(diagnostics.ERROR, 0, "command: malformed write response")
		return false
	}

	result, err := modbus.Parse(rr.Frame)
	if err != nil {
		e.incr(diagnostics.MalformedFrames)
		return false
	}
	if result.Outcome == modbus.ExceptionOutcome {
		e.incr(diagnostics.WriteErrors)
		e.diag.Log(diagnostics.ERROR, int(result.Exception), "command: modbus exception: "+result.Exception.Name())
		return false
	}
	return true
}

func (e *Engine) ack(ctx context.Context, id string, applied bool) {
	if id == "" {
		return
	}
	body := ackRequest{ID: id, Applied: applied}
	if _, err := transport.PostJSON(ctx, e.transport, e.ackURL, map[string]string{"Authorization": e.backendAPI}, body); err != nil {
		e.diag.Log(diagnostics.WARN, 0, fmt.Sprintf("command: ack post failed: %v", err))
	}
}

func (e *Engine) incr(name diagnostics.CounterName) {
	if _, err := e.diag.Incr(context.Background(), name); err != nil {
		e.diag.Log(diagnostics.WARN, 0, "command: counter persist failed")
	}
}
