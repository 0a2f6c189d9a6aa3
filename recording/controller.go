// Package recording implements the Recording Controller (spec §4.3): it
// attaches and detaches the transient file-writing branch of a session's
// Media Pipeline, drives the recording state machine, and enforces
// finalization. Grounded on windalfin-ayo-mwr/recording/recording.go's
// exec.Cmd-based muxer orchestration, generalized from "one ffmpeg per
// camera" to "one ffmpeg per attached recording branch."
package recording

import (
	"context"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"nvrcore/apierr"
	"nvrcore/config"
	"nvrcore/database"
	"nvrcore/pipeline"
	"nvrcore/storage"
)

// Controller owns the in-memory recording table (spec §4.3.1 step 7): at
// most one active branch per session.
type Controller struct {
	store     database.Store
	cfg       config.Config
	diskGuard *storage.Guard // nil disables the disk-headroom check

	mu     sync.Mutex
	active map[string]*branch // keyed by session id
}

// NewController constructs a Recording Controller backed by store and
// configured with cfg's timing knobs (spec §6). diskGuard may be nil, in
// which case Start never rejects a recording for lack of free space.
func NewController(store database.Store, cfg config.Config, diskGuard *storage.Guard) *Controller {
	return &Controller{
		store:     store,
		cfg:       cfg,
		diskGuard: diskGuard,
		active:    make(map[string]*branch),
	}
}

// branch is the transient queue -> muxer -> file-sink graph attached to a
// pipeline's branching point for the lifetime of one recording.
type branch struct {
	recordingID string
	sessionID   string
	filePath    string
	startTime   time.Time

	ctrl  *Controller
	pl    *pipeline.Pipeline
	subID string
	nalCh <-chan []byte

	muxer    *muxerProcess
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{} // closed once the feeder goroutine has exited

	crashOnce sync.Once
	crashCh   chan struct{} // closed if the branch detaches due to a muxer crash, not a requested stop
}

// IsRecording reports whether sessionID has an active recording, for the
// HTTP status surface (spec §6).
func (c *Controller) IsRecording(sessionID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.active[sessionID]
	if !ok {
		return "", false
	}
	return b.recordingID, true
}

// Start implements the Start protocol (spec §4.3.1).
func (c *Controller) Start(ctx context.Context, sessionID string, pl *pipeline.Pipeline) (string, error) {
	deadline := time.Duration(c.cfg.StartDeadlineSecs) * time.Second
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	if pl.State() != pipeline.StateReady {
		return "", apierr.New(apierr.NotConnected, "session is not READY")
	}

	if c.diskGuard != nil {
		if err := c.diskGuard.Check(); err != nil {
			return "", apierr.Wrap(apierr.InternalServer, "insufficient disk headroom for a new recording", err)
		}
	}

	c.mu.Lock()
	if _, exists := c.active[sessionID]; exists {
		c.mu.Unlock()
		return "", apierr.New(apierr.AlreadyRecording, "session already has an active recording")
	}
	// Reserve the slot under the lock so two concurrent starts cannot both
	// pass the existence check (spec §8's "exactly one succeeds" law).
	c.active[sessionID] = &branch{sessionID: sessionID}
	c.mu.Unlock()

	recordingID := uuid.NewString()
	filePath := filepath.Join(c.cfg.RecordingDirectory, recordingID+".mp4")
	startTime := time.Now()

	b := &branch{
		recordingID: recordingID,
		sessionID:   sessionID,
		filePath:    filePath,
		startTime:   startTime,
		ctrl:        c,
		pl:          pl,
		subID:       recordingID,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		crashCh:     make(chan struct{}),
	}

	abort := func(err error) (string, error) {
		c.mu.Lock()
		delete(c.active, sessionID)
		c.mu.Unlock()
		return "", err
	}

	if err := c.store.Create(database.Recording{
		ID:        recordingID,
		SessionID: sessionID,
		FileName:  recordingID + ".mp4",
		FilePath:  filePath,
		StartTime: startTime,
		Status:    database.StatusRecording,
	}); err != nil {
		return abort(apierr.Wrap(apierr.DBError, "failed to insert recording row", err))
	}

	b.nalCh = pl.Subscribe(b.subID)

	muxer, err := startMuxerProcess(filePath)
	if err != nil {
		pl.Unsubscribe(b.subID)
		c.store.MarkFailed(recordingID)
		return abort(apierr.Wrap(apierr.PipelineError, "failed to start muxer process", err))
	}
	b.muxer = muxer

	keyframeWait := time.Duration(c.cfg.PipelineKeyframeWaitSecs) * time.Second
	if err := b.waitForFirstKeyframeAndFeed(ctx, keyframeWait); err != nil {
		pl.Unsubscribe(b.subID)
		b.muxer.abort()
		c.store.MarkFailed(recordingID)
		return abort(apierr.Wrap(apierr.PipelineError, "no keyframe observed within wait window", err))
	}

	c.mu.Lock()
	c.active[sessionID] = b
	c.mu.Unlock()

	log.Printf("[recording] started recording %s for session %s -> %s", recordingID, sessionID, filePath)
	return recordingID, nil
}

// waitForFirstKeyframeAndFeed buffers only the run of parameter-set NAL
// units (SPS/PPS) immediately preceding the first keyframe observed (spec
// §4.3.1 step 6's keyframe-boundary link; the glossary's "Keyframe —
// mandatory as the first frame of every recording"), discarding any
// inter-frame that arrives mid-GOP before a keyframe is seen, then launches
// the steady-state feeder goroutine with [parameter sets..., keyframe] as
// the muxer's first input.
func (b *branch) waitForFirstKeyframeAndFeed(ctx context.Context, wait time.Duration) error {
	var paramSets [][]byte
	deadline := time.After(wait)

	for {
		select {
		case nal, ok := <-b.nalCh:
			if !ok {
				return fmt.Errorf("branch: subscription closed before keyframe")
			}
			switch {
			case isKeyframeNAL(nal):
				go b.feed(append(paramSets, nal))
				return nil
			case isParameterSetNAL(nal):
				paramSets = append(paramSets, nal)
			default:
				// An inter-frame arrived before any keyframe: it cannot be
				// decoded on its own, so it must not become (part of) the
				// muxer's first input. Drop it and anything buffered before it.
				paramSets = paramSets[:0]
			}
		case <-deadline:
			return fmt.Errorf("timed out waiting for keyframe")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func isKeyframeNAL(nal []byte) bool {
	if len(nal) == 0 {
		return false
	}
	return int(nal[0]&0x1F) == 5 // IDR, mirrors pipeline.nalTypeIDR
}

func isParameterSetNAL(nal []byte) bool {
	if len(nal) == 0 {
		return false
	}
	switch int(nal[0] & 0x1F) {
	case 7, 8: // SPS, PPS; mirrors pipeline.nalTypeSPS/nalTypePPS
		return true
	default:
		return false
	}
}

// feed writes the buffered prefix then streams further NAL units into the
// muxer's stdin until the branch is stopped or the subscription closes. A
// write failure or an unrequested muxer exit is routed to reportCrash
// rather than silently returning, so spec §4.5's "ERROR isolated to a
// recording branch" row has somewhere to land.
func (b *branch) feed(prefix [][]byte) {
	defer close(b.doneCh)

	for _, nal := range prefix {
		if !b.writeNAL(nal) {
			b.reportCrash(fmt.Errorf("muxer stdin write failed"))
			return
		}
	}
	for {
		select {
		case nal, ok := <-b.nalCh:
			if !ok {
				b.muxer.closeWrite()
				b.pl.PushBranchEvent(pipeline.Event{Kind: pipeline.EventBranchEOS, BranchID: b.recordingID})
				return
			}
			if !b.writeNAL(nal) {
				b.reportCrash(fmt.Errorf("muxer stdin write failed"))
				return
			}
		case <-b.stopCh:
			b.muxer.closeWrite()
			b.pl.PushBranchEvent(pipeline.Event{Kind: pipeline.EventBranchEOS, BranchID: b.recordingID})
			return
		case <-b.muxer.done:
			if b.stopRequested() {
				return
			}
			b.reportCrash(fmt.Errorf("muxer process exited unexpectedly"))
			return
		}
	}
}

var annexBStartCode = []byte{0x00, 0x00, 0x00, 0x01}

func (b *branch) writeNAL(nal []byte) bool {
	if _, err := b.muxer.stdin.Write(annexBStartCode); err != nil {
		return false
	}
	if _, err := b.muxer.stdin.Write(nal); err != nil {
		return false
	}
	return true
}

func (b *branch) stopRequested() bool {
	select {
	case <-b.stopCh:
		return true
	default:
		return false
	}
}

// reportCrash detaches the branch on its first unrequested failure,
// marking the recording FAILED and notifying the pipeline's Bus Supervisor
// (spec §4.5: isolate the error to this branch, leave the main pipeline
// rolling).
func (b *branch) reportCrash(err error) {
	b.crashOnce.Do(func() {
		close(b.crashCh)
		b.ctrl.handleBranchCrash(b, err)
	})
}

func (b *branch) crashed() bool {
	select {
	case <-b.crashCh:
		return true
	default:
		return false
	}
}

// Stop implements the Stop protocol (spec §4.3.2).
func (c *Controller) Stop(ctx context.Context, sessionID string) (string, error) {
	deadline := time.Duration(c.cfg.StopDeadlineSecs) * time.Second
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	c.mu.Lock()
	b, ok := c.active[sessionID]
	c.mu.Unlock()
	if !ok {
		return "", apierr.New(apierr.NotRecording, "session has no active recording")
	}

	b.stopOnce.Do(func() { close(b.stopCh) })
	b.pl.Unsubscribe(b.subID)

	eosWait := time.Duration(c.cfg.PipelineStopEOSWaitSecs) * time.Second
	select {
	case <-b.muxer.done:
	case <-time.After(eosWait):
		b.muxer.abort()
	case <-ctx.Done():
		b.muxer.abort()
	}
	<-b.doneCh // feeder goroutine has finished writing / closed stdin

	c.mu.Lock()
	delete(c.active, sessionID)
	c.mu.Unlock()

	if b.crashed() {
		// handleBranchCrash already marked this recording FAILED; the file
		// behind it has no trailer and must not be reconsidered here.
		return b.recordingID, nil
	}
	return c.finalize(b)
}

// handleBranchCrash implements spec §4.5's "ERROR isolated to a recording
// branch" row: the branch is detached from the active table and the
// recording is marked FAILED without waiting for a Stop call, so a muxer
// that dies mid-recording never leaves its row stuck RECORDING or, worse,
// gets marked COMPLETED by a later Stop against a trailer-less file.
func (c *Controller) handleBranchCrash(b *branch, err error) {
	c.mu.Lock()
	if cur, ok := c.active[b.sessionID]; ok && cur == b {
		delete(c.active, b.sessionID)
	}
	c.mu.Unlock()

	b.pl.Unsubscribe(b.subID)
	b.muxer.abort()
	if markErr := c.store.MarkFailed(b.recordingID); markErr != nil {
		log.Printf("[recording] failed to mark %s FAILED after branch crash: %v", b.recordingID, markErr)
	}
	log.Printf("[recording] recording branch %s crashed (muxer exited cleanly=%v): %v",
		b.recordingID, b.muxer.exitedCleanly(), err)
	b.pl.PushBranchEvent(pipeline.Event{Kind: pipeline.EventBranchError, BranchID: b.recordingID, Err: err})
}

// finalize stats the output file and transitions the catalog row to its
// terminal status (spec §4.3.2 steps 5-6).
func (c *Controller) finalize(b *branch) (string, error) {
	info, err := os.Stat(b.filePath)
	if err != nil || info.Size() == 0 {
		if markErr := c.store.MarkFailed(b.recordingID); markErr != nil {
			log.Printf("[recording] failed to mark %s FAILED after empty/missing file: %v", b.recordingID, markErr)
		}
		log.Printf("[recording] recording %s produced no playable file (err=%v)", b.recordingID, err)
		return b.recordingID, nil
	}

	end := time.Now()
	duration := int64(math.Floor(end.Sub(b.startTime).Seconds()))
	if err := c.store.MarkCompleted(b.recordingID, end, duration, info.Size()); err != nil {
		return b.recordingID, apierr.Wrap(apierr.DBError, "failed to mark recording completed", err)
	}
	log.Printf("[recording] completed recording %s (%d bytes, %ds)", b.recordingID, info.Size(), duration)
	return b.recordingID, nil
}

// HandlePipelineFailure implements spec §4.5's "ERROR on the main
// pipeline" routing: any active recording for sessionID is marked FAILED
// without attempting muxer finalization (its trailer would be invalid).
func (c *Controller) HandlePipelineFailure(sessionID string) {
	c.mu.Lock()
	b, ok := c.active[sessionID]
	if ok {
		delete(c.active, sessionID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	b.stopOnce.Do(func() { close(b.stopCh) })
	b.muxer.abort()
	if err := c.store.MarkFailed(b.recordingID); err != nil {
		log.Printf("[recording] failed to mark %s FAILED on pipeline error: %v", b.recordingID, err)
	}
}

// DisconnectFinalize implements the implicit-stop path of spec §4.3.3: it
// runs the Stop protocol for sessionID if it has an active recording,
// swallowing NOT_RECORDING, and marks FAILED (rather than failing the
// disconnect) on any other error.
func (c *Controller) DisconnectFinalize(ctx context.Context, sessionID string) {
	recordingID, ok := c.IsRecording(sessionID)
	if !ok {
		return
	}
	if _, err := c.Stop(ctx, sessionID); err != nil {
		if apiErr, ok := apierr.As(err); !ok || apiErr.Code != apierr.NotRecording {
			log.Printf("[recording] stop-on-disconnect failed for session %s: %v", sessionID, err)
			c.HandlePipelineFailure(sessionID)
			// Stop may already have detached the branch, in which case
			// HandlePipelineFailure finds nothing to mark.
			if markErr := c.store.MarkFailed(recordingID); markErr != nil {
				log.Printf("[recording] failed to mark %s FAILED after stop-on-disconnect error: %v", recordingID, markErr)
			}
		}
	}
}
