package session

import (
	"context"
	"log"
	"time"

	"nvrcore/pipeline"
)

// runSession is the dedicated per-pipeline task of spec §4.5 and the
// per-session command mailbox of spec §5, merged into one goroutine: the
// select statement below is simultaneously the Bus Supervisor's event
// router and the serialization point for commands aimed at this session.
func (r *Registry) runSession(sess *Session) {
	defer close(sess.doneCh)
	defer r.remove(sess.ID)

	var (
		recordingID string
		isRecording bool
	)

	for {
		select {
		case cmd := <-sess.cmdCh:
			switch cmd.kind {
			case cmdDisconnect:
				r.controller.DisconnectFinalize(context.Background(), sess.ID)
				if err := sess.pipeline.Stop(10 * time.Second); err != nil {
					log.Printf("[session] %s: pipeline stop on disconnect: %v", sess.ID, err)
				}
				// Leave the registry before replying, so a caller whose
				// Disconnect has returned no longer finds the session.
				r.remove(sess.ID)
				cmd.reply <- commandReply{}
				return

			case cmdStartRecording:
				id, err := r.controller.Start(context.Background(), sess.ID, sess.pipeline)
				if err == nil {
					recordingID, isRecording = id, true
				}
				cmd.reply <- commandReply{recordingID: id, err: err}

			case cmdStopRecording:
				id, err := r.controller.Stop(context.Background(), sess.ID)
				if err == nil {
					recordingID, isRecording = "", false
				}
				cmd.reply <- commandReply{recordingID: id, err: err}

			case cmdSnapshot:
				cmd.reply <- commandReply{snapshot: Snapshot{
					ID:            sess.ID,
					Protocol:      sess.Protocol,
					SourceURL:     sess.SourceURL,
					ConnectedAt:   sess.ConnectedAt,
					PipelineState: sess.pipeline.State(),
					IsConnected:   sess.pipeline.State() == pipeline.StateReady,
					IsRecording:   isRecording,
					RecordingID:   recordingID,
				}}
			}

		case ev, ok := <-sess.pipeline.Events():
			if !ok {
				return
			}
			r.routeEvent(sess, ev, &recordingID, &isRecording)
			if ev.Kind == pipeline.EventFailed {
				sess.pipeline.Stop(2 * time.Second)
				return
			}
		}
	}
}

// routeEvent implements the Bus Supervisor's event table (spec §4.5).
func (r *Registry) routeEvent(sess *Session, ev pipeline.Event, recordingID *string, isRecording *bool) {
	switch ev.Kind {
	case pipeline.EventReady:
		log.Printf("[bus] session %s: pipeline READY", sess.ID)

	case pipeline.EventWarning:
		log.Printf("[bus] session %s: warning: %s", sess.ID, ev.Message)

	case pipeline.EventFailed:
		log.Printf("[bus] session %s: pipeline FAILED: %v", sess.ID, ev.Err)
		r.controller.HandlePipelineFailure(sess.ID)
		*recordingID, *isRecording = "", false

	case pipeline.EventBranchEOS:
		log.Printf("[bus] session %s: branch %s EOS", sess.ID, ev.BranchID)

	case pipeline.EventBranchError:
		log.Printf("[bus] session %s: branch %s error: %v", sess.ID, ev.BranchID, ev.Err)
	}
}
