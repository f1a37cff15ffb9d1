// Package supervisor wires every EcoWatt collaborator together and runs the
// single-threaded dispatch loop: drain timer tokens into the scheduler, pop
// the highest-priority task, run it to completion, repeat.
package supervisor

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/ecowatt/agent/internal/acquisition"
	"github.com/ecowatt/agent/internal/clock"
	"github.com/ecowatt/agent/internal/command"
	"github.com/ecowatt/agent/internal/config"
	"github.com/ecowatt/agent/internal/configsync"
	"github.com/ecowatt/agent/internal/diagnostics"
	"github.com/ecowatt/agent/internal/envelope"
	"github.com/ecowatt/agent/internal/fota"
	"github.com/ecowatt/agent/internal/hexcodec"
	"github.com/ecowatt/agent/internal/kvstore"
	"github.com/ecowatt/agent/internal/modbus"
	"github.com/ecowatt/agent/internal/partition"
	"github.com/ecowatt/agent/internal/samplestore"
	"github.com/ecowatt/agent/internal/scheduler"
	"github.com/ecowatt/agent/internal/timer"
	"github.com/ecowatt/agent/internal/transport"
	"github.com/ecowatt/agent/internal/upload"
)

// defaultGranularity is the dispatch loop's idle sleep when no task is
// ready to run.
const defaultGranularity = 10 * time.Millisecond

// Supervisor owns every collaborator and drives the run-to-completion
// dispatch loop. It is the sole writer of SampleStore and the sole caller
// into every engine, so none of those collaborators need their own locking
// beyond what they use to protect cross-goroutine KeyValueStore access.
type Supervisor struct {
	cfg   *config.Config
	clock clock.Clock

	sched *scheduler.Scheduler

	pollTimer   *timer.Source
	uploadTimer *timer.Source
	configTimer *timer.Source
	fotaTimer   *timer.Source

	acquisition *acquisition.Engine
	upload      *upload.Engine
	fota        *fota.Engine
	command     *command.Engine
	configsync  *configsync.Engine

	diag    *diagnostics.Diagnostics
	samples *samplestore.Store

	granularity time.Duration

	bootedAt        time.Time
	awaitingConfirm bool
	confirmRequest  atomic.Bool
}

// stabilityConfirmDelay is how long the dispatch loop must run without
// restarting before it treats a newly applied image as stable enough to
// call ConfirmBoot itself. It is well inside the 300s confirmWindow the
// FOTA engine enforces, so the rollback watchdog never
// fires ahead of this unless the process actually crashes and restarts.
const stabilityConfirmDelay = 30 * time.Second

// New wires every collaborator from cfg. store and device are injected so
// hosts can substitute a durable KeyValueStore and real PartitionDevice;
// tr is the shared Transport used by every engine.
func New(cfg *config.Config, tr transport.Transport, store kvstore.Store, device partition.Device, c clock.Clock) (*Supervisor, error) {
	diag := diagnostics.NewSized(cfg.Device.ID, c, store, cfg.Diagnostics.RingSize)

	regs := modbus.AllRegisters()
	sampleStore := samplestore.New(cfg.Store.SampleCapacity)

	readURL := cfg.Network.InverterURL + "/api/inverter/read"
	writeURL := cfg.Network.InverterURL + "/api/inverter/write"
	ingestURL := cfg.Network.BackendBaseURL + "/ingest"
	manifestURL := cfg.Network.BackendBaseURL + "/firmware/manifest"
	reportURL := cfg.Network.BackendBaseURL + "/firmware/report"
	commandsURL := cfg.Network.BackendBaseURL + "/commands"
	commandAckURL := cfg.Network.BackendBaseURL + "/commands/ack"
	configURL := cfg.Network.BackendBaseURL + "/config"

	psk, err := hexcodec.Decode(cfg.Security.PSKHex)
	if err != nil {
		return nil, err
	}
	env := envelope.New(psk, store)

	signingKey, err := hexcodec.Decode(cfg.Fota.SigningKeyHex)
	if err != nil {
		return nil, err
	}

	acq := acquisition.New(byte(cfg.Device.Slave), regs, readURL, cfg.Device.APIKey, tr, sampleStore, diag, c)
	up := upload.New(sampleStore, env, tr, diag, ingestURL, cfg.Device.ID, cfg.Device.APIKey, cfg.Store.TargetSamples)
	fe := fota.New(tr, store, device, diag, c, cfg.Device.ID, cfg.Device.APIKey, manifestURL, reportURL, cfg.Fota.RunningVersion, signingKey)
	cmd := command.New(byte(cfg.Device.Slave), writeURL, commandsURL, commandAckURL, cfg.Device.APIKey, cfg.Device.APIKey, tr, diag)
	cs := configsync.New(configURL, cfg.Device.APIKey, tr, cfg, diag)

	sched := scheduler.New(func() int64 { return c.Now().UnixNano() })

	granularity := time.Duration(cfg.Network.PollGranularityMs) * time.Millisecond
	if granularity <= 0 {
		granularity = defaultGranularity
	}

	return &Supervisor{
		cfg:         cfg,
		clock:       c,
		sched:       sched,
		pollTimer:   timer.NewSource(time.Duration(cfg.Network.PollIntervalMs)*time.Millisecond, c),
		uploadTimer: timer.NewSource(time.Duration(cfg.Network.UploadIntervalMs)*time.Millisecond, c),
		configTimer: timer.NewSource(time.Duration(cfg.Network.ConfigCheckIntervalMs)*time.Millisecond, c),
		fotaTimer:   timer.NewSource(time.Duration(cfg.Fota.CheckIntervalMs)*time.Millisecond, c),
		acquisition: acq,
		upload:      up,
		fota:        fe,
		command:     cmd,
		configsync:  cs,
		diag:        diag,
		samples:     sampleStore,
		granularity: granularity,
	}, nil
}

// Diagnostics exposes the diagnostics collaborator for host-level reporting
// endpoints.
func (s *Supervisor) Diagnostics() *diagnostics.Diagnostics { return s.diag }

// Fota exposes the FOTA engine for host-level reporting; boot bookkeeping
// itself is driven by BootSequence below so the dispatch loop can own the
// confirm/rollback watchdog.
func (s *Supervisor) Fota() *fota.Engine { return s.fota }

// SchedulerSnapshot exposes the scheduler's debug view for the maintenance
// endpoint.
func (s *Supervisor) SchedulerSnapshot() scheduler.Snapshot { return s.sched.Snapshot() }

// BufferedSamples reports the ring buffer's current depth for the
// maintenance endpoint's gauges.
func (s *Supervisor) BufferedSamples() int { return s.samples.Len() }

// RequestBootConfirm asks the dispatch loop to confirm a pending firmware
// image on its next tick. Safe to call from any goroutine; the confirmation
// itself still happens on the dispatch thread.
func (s *Supervisor) RequestBootConfirm() { s.confirmRequest.Store(true) }

// BootSequence runs the FOTA post-reboot bookkeeping step and arms the
// confirm/rollback watchdog if a pending image is awaiting confirmation.
// The host calls this once at startup, before Run.
func (s *Supervisor) BootSequence(ctx context.Context) (fota.Record, error) {
	rec, err := s.fota.OnBoot(ctx)
	if err != nil {
		return fota.Record{}, err
	}
	s.bootedAt = s.clock.Now()
	s.awaitingConfirm = rec.PendingVersion != ""
	return rec, nil
}

// checkBootWatchdog evaluates the pending-image confirmation/rollback
// state once per dispatch tick: past stabilityConfirmDelay with no crash,
// it confirms the boot; the FOTA engine's own CheckRollback enforces the
// hard confirmation window and boot-attempt budget regardless.
func (s *Supervisor) checkBootWatchdog(ctx context.Context) {
	if !s.awaitingConfirm {
		return
	}

	rolledBack, err := s.fota.CheckRollback(ctx, s.bootedAt)
	if err != nil {
		s.diag.Log(diagnostics.WARN, 0, "supervisor: fota rollback check failed: "+err.Error())
		return
	}
	if rolledBack {
		s.awaitingConfirm = false
		return
	}

	if s.confirmRequest.Swap(false) || s.clock.Now().After(s.bootedAt.Add(stabilityConfirmDelay)) {
		if err := s.fota.ConfirmBoot(ctx); err != nil {
			s.diag.Log(diagnostics.WARN, 0, "supervisor: fota confirm boot failed: "+err.Error())
			return
		}
		s.awaitingConfirm = false
	}
}

// drainTimers arms scheduler tasks for every timer source that has fired
// since the last dispatch iteration. Ordering across distinct sources is
// not guaranteed; each source's own firings remain ordered by
// construction.
func (s *Supervisor) drainTimers() {
	if s.pollTimer.TakeIfSet() {
		s.sched.Queue(scheduler.PollSensors)
	}
	if s.uploadTimer.TakeIfSet() {
		s.sched.Queue(scheduler.UploadData)
	}
	if s.configTimer.TakeIfSet() {
		s.sched.Queue(scheduler.CheckConfig)
	}
	if s.fotaTimer.TakeIfSet() {
		if s.sched.CanStartFota() {
			s.sched.Queue(scheduler.CheckFota)
		}
	}
}

// pollTimers advances every timer source's elapsed-time check. Real timer
// sources are interrupt-driven on hardware; on a host OS this loop stands in
// for that by sampling the clock each dispatch tick.
func (s *Supervisor) pollTimers() {
	s.pollTimer.Poll()
	s.uploadTimer.Poll()
	s.configTimer.Poll()
	s.fotaTimer.Poll()
}

// QueueCommandCheck lets a host-level event (e.g. an MQTT/webhook push out
// of this module's scope) request an immediate CheckCommands pass rather
// than waiting on a timer.
func (s *Supervisor) QueueCommandCheck() {
	s.sched.Queue(scheduler.CheckCommands)
}

// run executes one task to completion and reports it to the scheduler.
func (s *Supervisor) run(ctx context.Context, task scheduler.Task) {
	switch task.Kind {
	case scheduler.PollSensors:
		s.acquisition.Poll(ctx)
	case scheduler.UploadData:
		s.upload.Upload(ctx)
	case scheduler.CheckCommands:
		s.command.Check(ctx)
	case scheduler.CheckConfig:
		s.configsync.Check(ctx)
		s.applyLiveIntervals()
	case scheduler.CheckFota:
		if err := s.fota.Run(ctx); err != nil {
			s.diag.Log(diagnostics.WARN, 0, "supervisor: fota run failed: "+err.Error())
		}
	}
}

// applyLiveIntervals re-arms timer sources whose interval CheckConfig may
// have just changed in the shared Config.
func (s *Supervisor) applyLiveIntervals() {
	s.pollTimer.SetInterval(time.Duration(s.cfg.Network.PollIntervalMs) * time.Millisecond)
	s.uploadTimer.SetInterval(time.Duration(s.cfg.Network.UploadIntervalMs) * time.Millisecond)
}

// Run drives the dispatch loop until ctx is canceled. Exactly one task runs
// at a time; FOTA blocks further selection until it returns to Idle.
func (s *Supervisor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		s.pollTimers()
		s.drainTimers()
		s.checkBootWatchdog(ctx)

		if task, ok := s.sched.NextTask(); ok {
			s.sched.TaskStarted(task.Kind)
			s.run(ctx, task)
			s.sched.TaskCompleted()
			continue
		}

		s.clock.Sleep(s.granularity)
	}
}
