package recording

import (
	"io"
	"log"
	"os/exec"
)

// muxerProcess wraps the per-branch ffmpeg subprocess that remuxes a raw
// Annex-B H.264 elementary stream fed over stdin into a faststart,
// fragment-friendly MP4 (spec §6's "File format" contract). Grounded on
// windalfin-ayo-mwr/recording/recording.go's pattern of building an
// ffmpeg argument slice and driving it with exec.Cmd.
type muxerProcess struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	done    chan struct{} // closed once Wait() returns
	exitErr error         // set before done is closed; nil means a clean (status 0) exit
}

// startMuxerProcess launches ffmpeg reading Annex-B H.264 from stdin and
// writing an MP4 to path with -movflags faststart+empty_moov. empty_moov
// writes a sample-less moov atom at the head of the file, which switches
// ffmpeg's mp4 muxer to fragmented output; closing stdin (EOS) makes
// ffmpeg flush the last fragment and finish the file.
func startMuxerProcess(path string) (*muxerProcess, error) {
	cmd := exec.Command("ffmpeg",
		"-loglevel", "warning",
		"-f", "h264",
		"-i", "pipe:0",
		"-c:v", "copy",
		"-movflags", "faststart+empty_moov",
		"-f", "mp4",
		path,
	)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	m := &muxerProcess{cmd: cmd, stdin: stdin, done: make(chan struct{})}

	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := stderr.Read(buf)
			if n > 0 {
				log.Printf("[recording] ffmpeg(muxer): %s", string(buf[:n]))
			}
			if err != nil {
				return
			}
		}
	}()

	go func() {
		err := cmd.Wait()
		if err != nil {
			log.Printf("[recording] muxer process for %s exited: %v", path, err)
		}
		m.exitErr = err
		close(m.done)
	}()

	return m, nil
}

// exitedCleanly reports whether the muxer process exited with status 0.
// Only meaningful once done is closed.
func (m *muxerProcess) exitedCleanly() bool {
	return m.exitErr == nil
}

// closeWrite signals EOS to the muxer by closing its stdin, the trigger
// for ffmpeg to flush and write the MP4 trailer (spec §4.3.2 step 3).
func (m *muxerProcess) closeWrite() {
	_ = m.stdin.Close()
}

// abort forcibly kills the muxer process, used on deadline/cancellation
// paths where the produced file is documented as possibly unplayable
// (spec §5's Cancellation policy).
func (m *muxerProcess) abort() {
	_ = m.stdin.Close()
	if m.cmd.Process != nil {
		_ = m.cmd.Process.Kill()
	}
}
