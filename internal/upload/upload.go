// Package upload implements the drain-aggregate-compress-seal-post pipeline
// that empties the sample buffer toward the backend, requeuing on failure.
package upload

import (
	"context"
	"fmt"

	"github.com/ecowatt/agent/internal/aggregate"
	"github.com/ecowatt/agent/internal/diagnostics"
	"github.com/ecowatt/agent/internal/envelope"
	"github.com/ecowatt/agent/internal/samplestore"
	"github.com/ecowatt/agent/internal/transport"
)

// Engine drains SampleStore, optionally downsamples, compresses, seals, and
// posts to the ingest endpoint, requeuing the original batch on any failure.
type Engine struct {
	store         *samplestore.Store
	env           *envelope.Envelope
	transport     transport.Transport
	diag          *diagnostics.Diagnostics
	url           string
	deviceID      string
	apiKey        string
	targetSamples int
}

// New constructs an upload Engine. targetSamples is the batch size above
// which adaptive downsampling (SMART mode) kicks in before compression.
func New(store *samplestore.Store, env *envelope.Envelope, tr transport.Transport, diag *diagnostics.Diagnostics, url, deviceID, apiKey string, targetSamples int) *Engine {
	return &Engine{
		store:         store,
		env:           env,
		transport:     tr,
		diag:          diag,
		url:           url,
		deviceID:      deviceID,
		apiKey:        apiKey,
		targetSamples: targetSamples,
	}
}

// Upload runs one upload cycle.
func (e *Engine) Upload(ctx context.Context) {
	if e.store.IsEmpty() {
		return
	}

	batch := e.store.DrainAll()

	toSend := batch
	if len(batch) > e.targetSamples {
		toSend = aggregate.AdaptiveDownsample(batch, e.targetSamples, aggregate.SMART)
	}

	compressed, err := encodeBatch(toSend)
	if err != nil {
		if _, cerr := e.diag.Incr(context.Background(), diagnostics.CompressionFailures); cerr != nil {
			e.diag.Log(diagnostics.WARN, 0, "upload: counter persist failed")
		}
		e.requeue(batch, fmt.Sprintf("upload: compression failed: %v", err))
		return
	}

	sealed, err := e.env.Seal(ctx, compressed)
	if err != nil {
		e.requeue(batch, fmt.Sprintf("upload: seal failed: %v", err))
		return
	}

	headers := map[string]string{
		"Content-Type": "application/json",
		"X-Device-ID":  e.deviceID,
		"X-API-Key":    e.apiKey,
	}
	if _, err := e.transport.Post(ctx, e.url, headers, sealed); err != nil {
		e.requeue(batch, fmt.Sprintf("upload: post failed: %v", err))
		return
	}
}

func (e *Engine) requeue(batch []samplestore.Sample, msg string) {
	e.store.PushBatchFront(batch)
	if _, err := e.diag.Incr(context.Background(), diagnostics.UploadFailures); err != nil {
		e.diag.Log(diagnostics.WARN, 0, "upload: counter persist failed")
	}
	e.diag.Log(diagnostics.ERROR, 0, msg)
}
