// Package session implements the Session Registry (spec §4.1) together
// with the Bus Supervisor's per-pipeline event routing (spec §4.5). Each
// Session runs one dedicated goroutine that is both its command mailbox
// (spec §5's ordering guarantee: "commands directed at the same session
// are serialized by sending them through a single per-session command
// mailbox") and the Bus Supervisor's "one dedicated task per pipeline."
// Merging the two responsibilities into one select loop is documented as
// an explicit design decision (see the project's grounding ledger): the
// same loop already needs exclusive access to the session's mutable
// state to apply command effects in mailbox order, and routing pipeline
// events through that same loop gets cross-thread delivery (spec §9) for
// free, without a second internal channel hop.
//
// Grounded on windalfin-ayo-mwr/recording/manager.go's
// map[string]*CameraRecording-plus-mutex registry shape, generalized to
// a concurrent session map with a per-entry run loop.
package session

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"nvrcore/apierr"
	"nvrcore/config"
	"nvrcore/pipeline"
	"nvrcore/recording"
)

// Session is the Session Registry's handle (spec §3's Session entity).
type Session struct {
	ID          string
	Protocol    pipeline.Protocol
	SourceURL   string
	ConnectedAt time.Time

	pipeline *pipeline.Pipeline

	cmdCh  chan command
	stopCh chan struct{}
	doneCh chan struct{}
}

// Snapshot is a point-in-time, serialization-safe copy of a Session's
// externally visible state (spec §4.1's "snapshots are point-in-time
// copies safe to serialize").
type Snapshot struct {
	ID            string
	Protocol      pipeline.Protocol
	SourceURL     string
	ConnectedAt   time.Time
	PipelineState pipeline.State
	IsConnected   bool
	IsRecording   bool
	RecordingID   string
}

type commandKind int

const (
	cmdDisconnect commandKind = iota
	cmdStartRecording
	cmdStopRecording
	cmdSnapshot
)

type command struct {
	kind  commandKind
	reply chan commandReply
}

type commandReply struct {
	recordingID string
	snapshot    Snapshot
	err         error
}

// Registry is the process-wide, concurrent session map (spec §4.1).
type Registry struct {
	controller   *recording.Controller
	readyTimeout time.Duration

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry constructs a Session Registry that routes recording
// start/stop commands through controller and honors cfg's
// pipeline.ready_timeout_secs for the wait_ready primitive (spec §4.2).
func NewRegistry(controller *recording.Controller, cfg config.Config) *Registry {
	return &Registry{
		controller:   controller,
		readyTimeout: time.Duration(cfg.PipelineReadyTimeoutSecs) * time.Second,
		sessions:     make(map[string]*Session),
	}
}

// Create constructs a Media Pipeline for (protocol, sourceURL), starts
// it, inserts the resulting Session, and returns its id (spec §4.1's
// create operation).
func (r *Registry) Create(ctx context.Context, protocol pipeline.Protocol, sourceURL string) (string, error) {
	pl, err := pipeline.New(protocol, sourceURL)
	if err != nil {
		return "", err
	}

	sess := &Session{
		ID:          uuid.NewString(),
		Protocol:    protocol,
		SourceURL:   sourceURL,
		ConnectedAt: time.Now(),
		pipeline:    pl,
		cmdCh:       make(chan command),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}

	if err := pl.Play(ctx); err != nil {
		return "", apierr.Wrap(apierr.PipelineError, "failed to start pipeline", err)
	}

	r.mu.Lock()
	r.sessions[sess.ID] = sess
	r.mu.Unlock()

	go r.runSession(sess)
	go r.watchReadiness(sess)

	log.Printf("[session] created session %s protocol=%s source=%s", sess.ID, protocol, sourceURL)
	return sess.ID, nil
}

// watchReadiness implements the wait_ready(timeout) primitive's caller side
// (spec §4.2): a session that never reaches READY within
// pipeline.ready_timeout_secs is disconnected rather than left CONNECTING
// indefinitely. It runs off the HTTP request goroutine so Create itself
// stays non-blocking (spec.md §5's "offloaded to a blocking worker" note).
// The cron stale-CONNECTING sweep is a defensive backstop beyond this path.
func (r *Registry) watchReadiness(sess *Session) {
	if err := sess.pipeline.WaitReady(r.readyTimeout); err != nil {
		if sess.pipeline.State() == pipeline.StateConnecting {
			log.Printf("[session] %s: wait_ready timed out after %s, disconnecting", sess.ID, r.readyTimeout)
			if err := r.Disconnect(context.Background(), sess.ID); err != nil {
				log.Printf("[session] %s: disconnect after wait_ready timeout failed: %v", sess.ID, err)
			}
		}
	}
}

// Get returns the Session for id, or nil if not present (spec §4.1's get
// operation). The returned pointer is a non-owning handle: callers must
// not retain it past a subsequent Remove.
func (r *Registry) Get(id string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// List returns a point-in-time snapshot of every session (spec §4.1's
// list operation).
func (r *Registry) List(ctx context.Context) []Snapshot {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(sessions))
	for _, s := range sessions {
		snap, err := s.snapshot(ctx)
		if err != nil {
			continue // session exited its run loop between List's read and the snapshot request
		}
		out = append(out, snap)
	}
	return out
}

// remove performs the atomic takeout (spec §4.1's remove operation). It
// is unexported: only a session's own run loop calls it, on its way out,
// so the registry's map and a session's lifecycle cannot race.
func (r *Registry) remove(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

// Disconnect sends a disconnect command to the session's mailbox and
// waits for teardown to complete (spec §4.3.3's implicit-stop path runs
// inside this command's handling).
func (r *Registry) Disconnect(ctx context.Context, id string) error {
	sess := r.Get(id)
	if sess == nil {
		return apierr.New(apierr.ResourceNotFound, "unknown stream id")
	}
	_, err := sess.send(ctx, cmdDisconnect)
	return err
}

// StartRecording sends a start-recording command to the session's
// mailbox (spec §4.3.1).
func (r *Registry) StartRecording(ctx context.Context, id string) (string, error) {
	sess := r.Get(id)
	if sess == nil {
		return "", apierr.New(apierr.ResourceNotFound, "unknown stream id")
	}
	reply, err := sess.send(ctx, cmdStartRecording)
	if err != nil {
		return "", err
	}
	return reply, nil
}

// StopRecording sends a stop-recording command to the session's mailbox
// (spec §4.3.2).
func (r *Registry) StopRecording(ctx context.Context, id string) (string, error) {
	sess := r.Get(id)
	if sess == nil {
		return "", apierr.New(apierr.ResourceNotFound, "unknown stream id")
	}
	reply, err := sess.send(ctx, cmdStopRecording)
	if err != nil {
		return "", err
	}
	return reply, nil
}

// Status returns a single session's snapshot (spec §6's per-stream status
// endpoint).
func (r *Registry) Status(ctx context.Context, id string) (Snapshot, error) {
	sess := r.Get(id)
	if sess == nil {
		return Snapshot{}, apierr.New(apierr.ResourceNotFound, "unknown stream id")
	}
	return sess.snapshot(ctx)
}

// Pipeline exposes the underlying pipeline for debug/elements reporting
// (spec §6's debug endpoint). Returns nil if id is unknown.
func (r *Registry) Pipeline(id string) *pipeline.Pipeline {
	sess := r.Get(id)
	if sess == nil {
		return nil
	}
	return sess.pipeline
}

// DrainAll disconnects every session, used during graceful shutdown
// (spec §9's "drained...during shutdown" global-state note).
func (r *Registry) DrainAll(ctx context.Context) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := r.Disconnect(ctx, id); err != nil {
				log.Printf("[session] drain: disconnect of %s failed: %v", id, err)
			}
		}(id)
	}
	wg.Wait()
}

// send delivers a command to sess's mailbox and blocks for its reply.
func (s *Session) send(ctx context.Context, kind commandKind) (string, error) {
	reply := make(chan commandReply, 1)
	select {
	case s.cmdCh <- command{kind: kind, reply: reply}:
	case <-s.doneCh:
		return "", apierr.New(apierr.ResourceNotFound, "session is shutting down")
	case <-ctx.Done():
		return "", ctx.Err()
	}

	select {
	case r := <-reply:
		return r.recordingID, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (s *Session) snapshot(ctx context.Context) (Snapshot, error) {
	reply := make(chan commandReply, 1)
	select {
	case s.cmdCh <- command{kind: cmdSnapshot, reply: reply}:
	case <-s.doneCh:
		return Snapshot{}, fmt.Errorf("session exited")
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}

	select {
	case r := <-reply:
		return r.snapshot, r.err
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}
