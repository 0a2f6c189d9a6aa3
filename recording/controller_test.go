package recording

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"nvrcore/apierr"
	"nvrcore/config"
	"nvrcore/database"
	"nvrcore/pipeline"
)

// memWriteCloser is a non-blocking stand-in for the muxer subprocess's
// stdin pipe, used so branch-level tests never need a real ffmpeg process.
type memWriteCloser struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
}

func (m *memWriteCloser) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, io.ErrClosedPipe
	}
	return m.buf.Write(p)
}

func (m *memWriteCloser) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *memWriteCloser) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.buf.Bytes()...)
}

func newTestController(t *testing.T) (*Controller, database.Store) {
	t.Helper()
	tempDir, err := os.MkdirTemp("", "nvrcore-recording-test")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tempDir) })

	store, err := database.NewSQLiteStore(filepath.Join(tempDir, "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := config.Config{
		RecordingDirectory:       tempDir,
		PipelineKeyframeWaitSecs: 5,
		PipelineStopEOSWaitSecs:  10,
		StartDeadlineSecs:        15,
		StopDeadlineSecs:         15,
	}
	return NewController(store, cfg, nil), store
}

func TestStartFailsWhenPipelineNotReady(t *testing.T) {
	c, _ := newTestController(t)
	pl := pipeline.NewRTSPPipeline("rtsp://example.invalid/stream")

	_, err := c.Start(context.Background(), "sess-1", pl)
	if err == nil {
		t.Fatal("expected error when pipeline is not READY")
	}
	apiErr, ok := apierr.As(err)
	if !ok || apiErr.Code != apierr.NotConnected {
		t.Fatalf("expected NOT_CONNECTED, got %v", err)
	}
}

func TestStopFailsWhenNoActiveRecording(t *testing.T) {
	c, _ := newTestController(t)

	_, err := c.Stop(context.Background(), "sess-never-started")
	if err == nil {
		t.Fatal("expected error when session has no active recording")
	}
	apiErr, ok := apierr.As(err)
	if !ok || apiErr.Code != apierr.NotRecording {
		t.Fatalf("expected NOT_RECORDING, got %v", err)
	}
}

// TestStartChecksReadinessBeforeActiveRecording pins Start's validation
// order: with a branch already registered for the session and a pipeline
// that is not READY, the readiness check runs first and wins.
func TestStartChecksReadinessBeforeActiveRecording(t *testing.T) {
	c, _ := newTestController(t)
	// Simulate an already-registered branch the way Start would leave one,
	// without spawning a real ffmpeg muxer process.
	c.active["sess-2"] = &branch{sessionID: "sess-2", recordingID: "rec-x"}

	pl := pipeline.NewRTSPPipeline("rtsp://example.invalid/stream")
	_, err := c.Start(context.Background(), "sess-2", pl)
	if err == nil {
		t.Fatal("expected NOT_CONNECTED")
	}
	apiErr, ok := apierr.As(err)
	if !ok || apiErr.Code != apierr.NotConnected {
		t.Fatalf("expected NOT_CONNECTED, got %v", err)
	}
}

func TestIsKeyframeNAL(t *testing.T) {
	idr := []byte{0x65, 0x00}
	sps := []byte{0x67, 0x00}
	if !isKeyframeNAL(idr) {
		t.Error("expected IDR NAL to be recognized as a keyframe")
	}
	if isKeyframeNAL(sps) {
		t.Error("SPS NAL must not be treated as a keyframe")
	}
	if isKeyframeNAL(nil) {
		t.Error("empty NAL must not be treated as a keyframe")
	}
}

func TestIsParameterSetNAL(t *testing.T) {
	sps := []byte{0x67, 0x00}
	pps := []byte{0x68, 0x00}
	idr := []byte{0x65, 0x00}
	if !isParameterSetNAL(sps) {
		t.Error("expected SPS to be recognized as a parameter set")
	}
	if !isParameterSetNAL(pps) {
		t.Error("expected PPS to be recognized as a parameter set")
	}
	if isParameterSetNAL(idr) {
		t.Error("IDR must not be treated as a parameter set")
	}
	if isParameterSetNAL(nil) {
		t.Error("empty NAL must not be treated as a parameter set")
	}
}

// TestWaitForFirstKeyframeAndFeedDropsLeadingInterFrames exercises the
// keyframe-boundary fix directly: inter-frames seen before any keyframe
// must never reach the muxer, only the parameter-set run immediately
// preceding the keyframe plus the keyframe itself.
func TestWaitForFirstKeyframeAndFeedDropsLeadingInterFrames(t *testing.T) {
	mw := &memWriteCloser{}

	b := &branch{
		recordingID: "rec-trim",
		pl:          pipeline.NewRTSPPipeline("rtsp://example.invalid/stream"),
		muxer:       &muxerProcess{cmd: &exec.Cmd{}, stdin: mw, done: make(chan struct{})},
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
	nalCh := make(chan []byte, 8)
	b.nalCh = nalCh

	interFrame := []byte{0x41, 0xAA} // a non-IDR slice NAL (type 1)
	sps := []byte{0x67, 0x01}
	pps := []byte{0x68, 0x02}
	idr := []byte{0x65, 0x03}

	nalCh <- interFrame // must be dropped: arrives before any parameter set
	nalCh <- sps
	nalCh <- pps
	nalCh <- idr

	if err := b.waitForFirstKeyframeAndFeed(context.Background(), time.Second); err != nil {
		t.Fatalf("waitForFirstKeyframeAndFeed: %v", err)
	}

	// feed() is now writing asynchronously; close the subscription so it
	// flushes and exits, then read back everything the muxer received.
	close(nalCh)
	<-b.doneCh

	got := mw.Bytes()
	if containsBytes(got, interFrame) {
		t.Errorf("leading inter-frame must not reach the muxer, got %x", got)
	}
	for _, want := range [][]byte{sps, pps, idr} {
		if !containsBytes(got, want) {
			t.Errorf("expected %x to reach the muxer, got %x", want, got)
		}
	}
}

func containsBytes(haystack, needle []byte) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		match := true
		for j := range needle {
			if haystack[i+j] != needle[j] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

// TestReportCrashDetachesAndMarksFailed exercises the branch-crash path: a
// muxer stdin write failure must detach the branch and mark the recording
// FAILED rather than leaving it RECORDING forever.
func TestReportCrashDetachesAndMarksFailed(t *testing.T) {
	c, store := newTestController(t)

	mw := &memWriteCloser{closed: true} // any write now fails, simulating a dead muxer

	pl := pipeline.NewRTSPPipeline("rtsp://example.invalid/stream")
	b := &branch{
		ctrl:        c,
		sessionID:   "sess-crash",
		recordingID: "rec-crash",
		startTime:   time.Now(),
		pl:          pl,
		subID:       "rec-crash",
		muxer:       &muxerProcess{cmd: &exec.Cmd{}, stdin: mw, done: make(chan struct{})},
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		crashCh:     make(chan struct{}),
	}
	c.active[b.sessionID] = b

	if err := store.Create(database.Recording{
		ID:        b.recordingID,
		SessionID: b.sessionID,
		FileName:  "rec-crash.mp4",
		FilePath:  "rec-crash.mp4",
		StartTime: b.startTime,
		Status:    database.StatusRecording,
	}); err != nil {
		t.Fatalf("store.Create: %v", err)
	}

	b.reportCrash(fmt.Errorf("muxer stdin write failed"))

	if !b.crashed() {
		t.Error("expected branch to report itself crashed")
	}
	if _, ok := c.active[b.sessionID]; ok {
		t.Error("expected crashed branch to be detached from the active table")
	}
	rec, err := store.Get(b.recordingID)
	if err != nil {
		t.Fatalf("store.Get: %v", err)
	}
	if rec.Status != database.StatusFailed {
		t.Errorf("expected recording to be marked FAILED, got %s", rec.Status)
	}
}
