// Package cron runs the engine's periodic housekeeping: a disk-headroom
// check and a sweep for sessions stuck CONNECTING past a reasonable
// window. Grounded on windalfin-ayo-mwr/cron/health_check_cron.go's
// robfig/cron/v3 wiring (cron.New(cron.WithSeconds()), AddFunc, Start).
package cron

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"nvrcore/session"
	"nvrcore/storage"
)

// Scheduler owns the process's background housekeeping jobs.
type Scheduler struct {
	cron     *cron.Cron
	registry *session.Registry
	guard    *storage.Guard

	staleConnectingAfter time.Duration
}

// NewScheduler constructs a Scheduler. guard may be nil to skip the disk
// check. readyTimeout is the same pipeline.ready_timeout_secs the session
// registry's own wait_ready call uses; the stale-CONNECTING sweep here is a
// defensive backstop beyond that synchronous path, not an independent
// policy, so it shares the same threshold.
func NewScheduler(registry *session.Registry, guard *storage.Guard, readyTimeout time.Duration) *Scheduler {
	return &Scheduler{
		cron:                 cron.New(cron.WithSeconds()),
		registry:             registry,
		guard:                guard,
		staleConnectingAfter: readyTimeout,
	}
}

// Start registers and runs the housekeeping jobs. It does not block.
func (s *Scheduler) Start() error {
	if s.guard != nil {
		if _, err := s.cron.AddFunc("0 */5 * * * *", s.guard.LogUsage); err != nil {
			return err
		}
	}
	if _, err := s.cron.AddFunc("0 * * * * *", s.sweepStaleConnecting); err != nil {
		return err
	}

	s.cron.Start()
	log.Println("[cron] housekeeping scheduler started")
	return nil
}

// Stop halts the scheduler, waiting for any in-flight job to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// sweepStaleConnecting disconnects sessions that are still not READY once
// the pipeline's ready_timeout has passed since they connected, which would
// otherwise mean a leaked ffmpeg subprocess and a registry entry that
// never reaches READY or FAILED on its own.
func (s *Scheduler) sweepStaleConnecting() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, snap := range s.registry.List(ctx) {
		if snap.IsConnected {
			continue
		}
		if time.Since(snap.ConnectedAt) < s.staleConnectingAfter {
			continue
		}
		log.Printf("[cron] disconnecting session %s: stuck CONNECTING since %s", snap.ID, snap.ConnectedAt)
		if err := s.registry.Disconnect(ctx, snap.ID); err != nil {
			log.Printf("[cron] failed to disconnect stale session %s: %v", snap.ID, err)
		}
	}
}
