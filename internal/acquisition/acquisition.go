// Package acquisition implements the poll-decode-store pipeline: build a
// Modbus read request, post it to the inverter gateway, decode the response,
// and push the resulting Sample into the ring buffer.
package acquisition

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ecowatt/agent/internal/clock"
	"github.com/ecowatt/agent/internal/diagnostics"
	"github.com/ecowatt/agent/internal/modbus"
	"github.com/ecowatt/agent/internal/samplestore"
	"github.com/ecowatt/agent/internal/transport"
)

// readRequest is the JSON body posted to the inverter gateway.
type readRequest struct {
	Frame string `json:"frame"`
}

// readResponse is the JSON body returned by the inverter gateway.
type readResponse struct {
	Frame string `json:"frame"`
}

// Engine polls the inverter gateway on demand and stores decoded samples.
type Engine struct {
	slave     byte
	registers []modbus.RegisterID
	url       string
	apiKey    string
	transport transport.Transport
	store     *samplestore.Store
	diag      *diagnostics.Diagnostics
	clock     clock.Clock
}

// New constructs an acquisition Engine polling the given register selection
// from slave at url.
func New(slave byte, registers []modbus.RegisterID, url, apiKey string, tr transport.Transport, store *samplestore.Store, diag *diagnostics.Diagnostics, c clock.Clock) *Engine {
	return &Engine{
		slave:     slave,
		registers: registers,
		url:       url,
		apiKey:    apiKey,
		transport: tr,
		store:     store,
		diag:      diag,
		clock:     c,
	}
}

// Poll runs one acquisition cycle. It never returns an error to the
// Supervisor: failures are logged and counted, and no sample is pushed.
func (e *Engine) Poll(ctx context.Context) {
	frameHex, start, count, err := modbus.BuildRead(e.slave, e.registers)
	if err != nil {
		e.diag.Log(diagnostics.ERROR, 0, "acquisition: build_read failed")
		return
	}

	body, err := json.Marshal(readRequest{Frame: frameHex})
	if err != nil {
		e.diag.Log(diagnostics.ERROR, 0, "acquisition: marshal request failed")
		return
	}

	headers := map[string]string{
		"Content-Type":  "application/json",
		"accept":        "*/*",
		"Authorization": e.apiKey,
	}

	resp, err := e.transport.Post(ctx, e.url, headers, body)
	if err != nil {
		e.countTransportFailure(err)
		return
	}

	if len(resp.Body) == 0 {
		e.incr(diagnostics.MalformedFrames)
		e.diag.Log(diagnostics.ERROR, modbus.StatusEmptyBody, "acquisition: empty response body")
		return
	}

	var rr readResponse
	if err := json.Unmarshal(resp.Body, &rr); err != nil {
		e.incr(diagnostics.MalformedFrames)
		e.diag.Log(diagnostics.ERROR, modbus.StatusJSONParseFailure, "acquisition: json parse failure")
		return
	}
	if rr.Frame == "" {
		e.incr(diagnostics.MalformedFrames)
		e.diag.Log(diagnostics.ERROR, modbus.StatusMissingFrameField, "acquisition: missing frame field")
		return
	}

	result, err := modbus.Parse(rr.Frame)
	if err != nil {
		e.incr(diagnostics.MalformedFrames)
		e.diag.Log(diagnostics.ERROR, 0, fmt.Sprintf("acquisition: malformed frame: %v", err))
		return
	}
	if result.Outcome == modbus.ExceptionOutcome {
		e.incr(diagnostics.ReadErrors)
		e.diag.Log(diagnostics.ERROR, int(result.Exception), "acquisition: modbus exception: "+result.Exception.Name())
		return
	}

	values, err := modbus.DecodeReadResponse(rr.Frame, start, count, e.registers)
	if err != nil {
		e.incr(diagnostics.MalformedFrames)
		e.diag.Log(diagnostics.ERROR, 0, fmt.Sprintf("acquisition: decode failed: %v", err))
		return
	}

	sample := samplestore.Sample{
		Timestamp: e.clock.Now().Unix(),
		Values:    make(map[modbus.RegisterID]uint16, len(e.registers)),
	}
	for i, r := range e.registers {
		sample.Values[r] = values[i]
	}

	e.store.Push(sample)
}

func (e *Engine) countTransportFailure(err error) {
	if errors.Is(err, transport.ErrTimeout) {
		e.incr(diagnostics.Timeouts)
	}
	e.incr(diagnostics.ReadErrors)
	e.diag.Log(diagnostics.ERROR, modbus.StatusTransportTimeout, fmt.Sprintf("acquisition: transport error: %v", err))
}

func (e *Engine) incr(name diagnostics.CounterName) {
	if _, err := e.diag.Incr(context.Background(), name); err != nil {
		e.diag.Log(diagnostics.WARN, 0, "acquisition: counter persist failed")
	}
}
