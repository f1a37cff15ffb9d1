// Package fota implements the firmware-over-the-air pipeline: manifest
// check, streaming download-and-hash into the inactive partition slot,
// verify, commit, and the post-reboot confirmation/rollback state machine.
package fota

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io"
	"runtime"
	"strings"
	"time"

	"github.com/ecowatt/agent/internal/clock"
	"github.com/ecowatt/agent/internal/diagnostics"
	"github.com/ecowatt/agent/internal/kvstore"
	"github.com/ecowatt/agent/internal/partition"
	"github.com/ecowatt/agent/internal/transport"
)

// chunkSize is the reference streaming chunk size fed into the running
// SHA-256 context and the partition writer.
const chunkSize = 4096

// confirmWindow is how long a freshly booted image has to call ConfirmBoot
// before it's considered failed.
const confirmWindow = 300 * time.Second

// maxBootAttempts bounds how many boots of a pending image are tolerated
// before a rollback is forced.
const maxBootAttempts = 3

// maxConsecutiveRollbacks is the threshold past which further updates are
// refused until a factory reset.
const maxConsecutiveRollbacks = 3

// overallBudget bounds a single Check+download+verify+commit attempt.
const overallBudget = 10 * time.Minute

// chunkTimeout bounds how long a single streamed read may stall before the
// download is aborted.
const chunkTimeout = 30 * time.Second

// ErrHashMismatch is returned when the streamed SHA-256 doesn't match the
// manifest.
var ErrHashMismatch = errors.New("fota: sha256 mismatch")

// ErrHMACMismatch is returned when the manifest's optional HMAC doesn't
// match the firmware-signing key.
var ErrHMACMismatch = errors.New("fota: hmac mismatch")

// ErrSizeMismatch is returned when the downloaded image doesn't match the
// manifest's declared size.
var ErrSizeMismatch = errors.New("fota: content-length mismatch")

// Engine drives the FOTA pipeline for one device.
type Engine struct {
	transport transport.Transport
	store     kvstore.Store
	device    partition.Device
	diag      *diagnostics.Diagnostics
	clock     clock.Clock

	deviceID    string
	apiKey      string
	manifestURL string
	reportURL   string
	signingKey  []byte

	runningVersion string
	startedAt      time.Time
}

// New constructs a FOTA Engine. signingKey may be nil if manifests never
// carry an hmac field.
func New(tr transport.Transport, store kvstore.Store, device partition.Device, diag *diagnostics.Diagnostics, c clock.Clock, deviceID, apiKey, manifestURL, reportURL, runningVersion string, signingKey []byte) *Engine {
	return &Engine{
		transport:      tr,
		store:          store,
		device:         device,
		diag:           diag,
		clock:          c,
		deviceID:       deviceID,
		apiKey:         apiKey,
		manifestURL:    manifestURL,
		reportURL:      reportURL,
		signingKey:     signingKey,
		runningVersion: runningVersion,
		startedAt:      c.Now(),
	}
}

// Check fetches the manifest and reports whether an update should proceed.
func (e *Engine) Check(ctx context.Context) (*Manifest, bool, error) {
	headers := map[string]string{"accept": "application/json", "Authorization": e.apiKey}
	resp, err := e.transport.Get(ctx, e.manifestURL, headers)
	if err != nil {
		e.diag.Log(diagnostics.ERROR, 0, fmt.Sprintf("fota: manifest fetch failed: %v", err))
		return nil, false, err
	}

	var m Manifest
	if err := json.Unmarshal(resp.Body, &m); err != nil {
		e.diag.Log(diagnostics.ERROR, 0, "fota: manifest parse failed")
		return nil, false, err
	}

	should := m.ForceUpdate || compareVersions(m.Version, e.runningVersion) > 0
	return &m, should, nil
}

// Run checks for an update and, if one applies, downloads, verifies, and
// commits it. A failed download, verification or commit is reported to the
// backend as "failed"; a successful update is reported later, when the boot
// is confirmed. A nil error with no pending update is the common case.
func (e *Engine) Run(ctx context.Context) error {
	manifest, should, err := e.Check(ctx)
	if err != nil {
		return err
	}
	if !should {
		return nil
	}

	blocked, err := e.loadFactoryResetFlag(ctx)
	if err != nil {
		return err
	}
	if blocked {
		e.diag.Log(diagnostics.WARN, 0, "fota: update skipped, factory reset required")
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, overallBudget)
	defer cancel()

	if err := e.applyUpdate(ctx, manifest); err != nil {
		e.report(context.Background(), manifest.Version, statusFailed, err.Error())
		return err
	}
	return nil
}

func (e *Engine) loadFactoryResetFlag(ctx context.Context) (bool, error) {
	rec, err := loadRecord(ctx, e.store)
	if err != nil {
		return false, err
	}
	return rec.FactoryResetRequired, nil
}

// applyUpdate runs download-and-hash, verify, and commit in sequence,
// aborting and erasing the inactive slot on any failure. Every downloaded
// chunk is fed to the running SHA-256 (and HMAC, if the manifest signs the
// image) as it is written, so verification never needs a second read pass.
func (e *Engine) applyUpdate(ctx context.Context, manifest *Manifest) error {
	inactive := e.device.InactiveSlot()

	h := sha256.New()
	var mac hash.Hash
	if manifest.HMAC != "" {
		mac = hmac.New(sha256.New, e.signingKey)
	}

	var err error
	if s, ok := e.transport.(transport.Streamer); ok {
		err = e.streamImage(ctx, s, manifest, inactive, h, mac)
	} else {
		err = e.bufferImage(ctx, manifest, inactive, h, mac)
	}
	if err != nil {
		return err
	}

	gotHex := hex.EncodeToString(h.Sum(nil))
	if subtle.ConstantTimeCompare([]byte(gotHex), []byte(strings.ToLower(manifest.SHA256))) != 1 {
		e.abort(inactive, diagnostics.SecurityViolations, "fota: sha256 mismatch")
		return ErrHashMismatch
	}

	if mac != nil {
		want, err := hex.DecodeString(manifest.HMAC)
		if err != nil {
			e.abort(inactive, diagnostics.SecurityViolations, "fota: hmac field undecodable")
			return ErrHMACMismatch
		}
		if !hmac.Equal(mac.Sum(nil), want) {
			e.abort(inactive, diagnostics.SecurityViolations, "fota: hmac mismatch")
			return ErrHMACMismatch
		}
	}

	if err := e.device.SetBoot(inactive); err != nil {
		return fmt.Errorf("fota: set_boot failed: %w", err)
	}

	rec := Record{
		PendingVersion: manifest.Version,
		BootCount:      0,
		Confirmed:      false,
		RebootReason:   rebootReasonOTAUpdate,
	}
	if err := e.carryForward(ctx, &rec); err != nil {
		return err
	}
	if err := persistRecord(ctx, e.store, rec); err != nil {
		return err
	}

	e.diag.Log(diagnostics.INFO, 0, "fota: committed "+manifest.Version+", reboot requested")
	return nil
}

// streamImage downloads the firmware through the transport's chunked-read
// path, writing each chunk into the inactive slot as it arrives. The stream
// is guarded against stalls: a single read blocked past chunkTimeout kills
// the connection and aborts the update.
func (e *Engine) streamImage(ctx context.Context, s transport.Streamer, manifest *Manifest, inactive partition.Slot, digests ...hash.Hash) error {
	headers := map[string]string{"accept": "application/octet-stream", "Authorization": e.apiKey}
	resp, err := s.GetStream(ctx, manifest.URL, headers)
	if err != nil {
		e.abort(inactive, diagnostics.UploadFailures, fmt.Sprintf("fota: download failed: %v", err))
		return err
	}
	defer resp.Body.Close()

	if resp.ContentLength >= 0 && resp.ContentLength != manifest.Size {
		e.abort(inactive, diagnostics.UploadFailures, "fota: content-length mismatch")
		return ErrSizeMismatch
	}

	guard := newStallGuard(resp.Body, chunkTimeout)
	defer guard.stop()

	buf := make([]byte, chunkSize)
	var offset int64
	for {
		n, rerr := io.ReadFull(guard, buf)
		if n > 0 {
			if offset+int64(n) > manifest.Size {
				e.abort(inactive, diagnostics.UploadFailures, "fota: image longer than manifest size")
				return ErrSizeMismatch
			}
			chunk := buf[:n]
			for _, d := range digests {
				if d != nil {
					d.Write(chunk)
				}
			}
			if werr := e.device.Write(inactive, offset, chunk); werr != nil {
				e.abort(inactive, diagnostics.CompressionFailures, fmt.Sprintf("fota: write failed: %v", werr))
				return werr
			}
			offset += int64(n)
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			e.abort(inactive, diagnostics.UploadFailures, fmt.Sprintf("fota: stream read failed: %v", rerr))
			return rerr
		}
	}

	if offset != manifest.Size {
		e.abort(inactive, diagnostics.UploadFailures, "fota: short download")
		return ErrSizeMismatch
	}
	return nil
}

// bufferImage is the fallback download path for Transports without chunked
// reads; the body arrives whole and is fed through the same per-chunk write
// loop.
func (e *Engine) bufferImage(ctx context.Context, manifest *Manifest, inactive partition.Slot, digests ...hash.Hash) error {
	headers := map[string]string{"accept": "application/octet-stream", "Authorization": e.apiKey}
	resp, err := e.transport.Get(ctx, manifest.URL, headers)
	if err != nil {
		e.abort(inactive, diagnostics.UploadFailures, fmt.Sprintf("fota: download failed: %v", err))
		return err
	}

	if int64(len(resp.Body)) != manifest.Size {
		e.abort(inactive, diagnostics.UploadFailures, "fota: size mismatch")
		return ErrSizeMismatch
	}

	r := bytes.NewReader(resp.Body)
	buf := make([]byte, chunkSize)
	var offset int64
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			for _, d := range digests {
				if d != nil {
					d.Write(chunk)
				}
			}
			if werr := e.device.Write(inactive, offset, chunk); werr != nil {
				e.abort(inactive, diagnostics.CompressionFailures, fmt.Sprintf("fota: write failed: %v", werr))
				return werr
			}
			offset += int64(n)
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			e.abort(inactive, diagnostics.UploadFailures, fmt.Sprintf("fota: read failed: %v", rerr))
			return rerr
		}
	}
}

// stallGuard closes the underlying stream if a single Read blocks longer
// than timeout, turning a hung connection into a read error the download
// loop can abort on.
type stallGuard struct {
	rc      io.ReadCloser
	timeout time.Duration
	timer   *time.Timer
}

func newStallGuard(rc io.ReadCloser, timeout time.Duration) *stallGuard {
	g := &stallGuard{rc: rc, timeout: timeout}
	g.timer = time.AfterFunc(timeout, func() { rc.Close() })
	return g
}

func (g *stallGuard) Read(p []byte) (int, error) {
	g.timer.Reset(g.timeout)
	return g.rc.Read(p)
}

func (g *stallGuard) stop() { g.timer.Stop() }

// carryForward preserves last_good_version and consecutive_rollbacks across
// the commit, since only pending-update fields change here.
func (e *Engine) carryForward(ctx context.Context, rec *Record) error {
	prev, err := loadRecord(ctx, e.store)
	if err != nil {
		return err
	}
	rec.LastGoodVersion = prev.LastGoodVersion
	rec.ConsecutiveRollbacks = prev.ConsecutiveRollbacks
	rec.FactoryResetRequired = prev.FactoryResetRequired
	return nil
}

func (e *Engine) abort(slot partition.Slot, counter diagnostics.CounterName, msg string) {
	if err := e.device.Erase(slot); err != nil {
		e.diag.Log(diagnostics.ERROR, 0, "fota: erase after abort failed")
	}
	if _, err := e.diag.Incr(context.Background(), counter); err != nil {
		e.diag.Log(diagnostics.WARN, 0, "fota: counter persist failed")
	}
	e.diag.Log(diagnostics.ERROR, 0, msg)
}

func (e *Engine) report(ctx context.Context, version, status, message string) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	body := report{
		DeviceID:  e.deviceID,
		Version:   version,
		Status:    status,
		Message:   message,
		Timestamp: e.clock.Now().Unix(),
		FreeHeap:  int64(mem.HeapIdle),
		Uptime:    int64(e.clock.Now().Sub(e.startedAt).Seconds()),
	}
	if _, err := transport.PostJSON(ctx, e.transport, e.reportURL, map[string]string{"Authorization": e.apiKey}, body); err != nil {
		e.diag.Log(diagnostics.WARN, 0, fmt.Sprintf("fota: report post failed: %v", err))
	}
}

// OnBoot runs the post-reboot bookkeeping step: when an image is pending it
// increments boot_count, clears pending_version if that image is already
// confirmed, and persists the record. It starts no timer; the confirmation
// window is enforced by CheckRollback, given the boot time the caller
// records. Returns the current record for the caller's inspection.
func (e *Engine) OnBoot(ctx context.Context) (Record, error) {
	rec, err := loadRecord(ctx, e.store)
	if err != nil {
		return Record{}, err
	}
	if rec.PendingVersion == "" {
		return rec, nil
	}

	rec.BootCount++
	if rec.Confirmed {
		rec.PendingVersion = ""
		if err := persistRecord(ctx, e.store, rec); err != nil {
			return Record{}, err
		}
		return rec, nil
	}

	if err := persistRecord(ctx, e.store, rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// ConfirmBoot is called by the host application once it has verified the
// newly booted image is stable. It clears the pending state and resets the
// rollback counter.
func (e *Engine) ConfirmBoot(ctx context.Context) error {
	rec, err := loadRecord(ctx, e.store)
	if err != nil {
		return err
	}
	if rec.PendingVersion == "" {
		return nil
	}

	rec.Confirmed = true
	rec.LastGoodVersion = rec.PendingVersion
	rec.ConsecutiveRollbacks = 0
	rec.PendingVersion = ""
	if err := persistRecord(ctx, e.store, rec); err != nil {
		return err
	}
	e.runningVersion = rec.LastGoodVersion
	e.diag.Log(diagnostics.INFO, 0, "fota: boot confirmed "+rec.LastGoodVersion)
	e.report(ctx, rec.LastGoodVersion, statusSuccess, "boot confirmed")
	return nil
}

// CheckRollback evaluates whether the confirmation window or boot-attempt
// budget has been exceeded for a still-unconfirmed pending image, and if so
// flips the boot pointer back and records the rollback. bootedAt is when the
// pending image was last booted; callers track this themselves since the
// engine has no wall-clock memory across restarts.
func (e *Engine) CheckRollback(ctx context.Context, bootedAt time.Time) (bool, error) {
	rec, err := loadRecord(ctx, e.store)
	if err != nil {
		return false, err
	}
	if rec.PendingVersion == "" || rec.Confirmed {
		return false, nil
	}

	expired := e.clock.Now().After(bootedAt.Add(confirmWindow))
	exhausted := rec.BootCount > maxBootAttempts
	if !expired && !exhausted {
		return false, nil
	}

	previous := e.device.InactiveSlot()
	if err := e.device.SetBoot(previous); err != nil {
		return false, fmt.Errorf("fota: rollback set_boot failed: %w", err)
	}

	rec.ConsecutiveRollbacks++
	rec.RebootReason = rebootReasonRollback
	rec.PendingVersion = ""
	rec.BootCount = 0
	if rec.ConsecutiveRollbacks >= maxConsecutiveRollbacks {
		rec.FactoryResetRequired = true
		e.diag.Log(diagnostics.FAULT, 0, "fota: consecutive rollbacks exhausted, factory reset required")
	}
	if err := persistRecord(ctx, e.store, rec); err != nil {
		return false, err
	}

	e.diag.Log(diagnostics.ERROR, 0, "fota: rolled back, consecutive_rollbacks="+fmt.Sprint(rec.ConsecutiveRollbacks))
	e.report(context.Background(), rec.LastGoodVersion, statusRollback, "boot confirmation window expired")
	return true, nil
}
