package pipeline

import (
	"bytes"
	"io"
)

const (
	nalTypeSPS = 7
	nalTypePPS = 8
	nalTypeIDR = 5
)

// nalType extracts the H.264 NAL unit type from an Annex-B unit's first
// byte (bits 0-4, per spec §4.2's "in-band parameter set" framing).
func nalType(nal []byte) int {
	if len(nal) == 0 {
		return -1
	}
	return int(nal[0] & 0x1F)
}

const readChunkSize = 64 * 1024

var startCode = []byte{0x00, 0x00, 0x01}

// annexBScanner splits a raw Annex-B byte stream (start-code delimited:
// 0x000001, or 0x00000001 which the 3-byte search below matches one byte
// in) into individual NAL units, one per Next() call. It mirrors
// bufio.Scanner's Scan/Bytes/Err shape, the idiom windalfin-ayo-mwr's
// other stream readers already use.
//
// It keeps the whole not-yet-fully-scanned tail of the stream in buf and
// searches forward for the next start code, which is simple and correct
// for elementary streams where NAL units are at most a few hundred KB.
type annexBScanner struct {
	r   io.Reader
	buf []byte // unscanned bytes, starting right at (or before) a unit boundary
	cur []byte
	err error
	eof bool
}

func newAnnexBScanner(r io.Reader) *annexBScanner {
	return &annexBScanner{r: r}
}

// Next advances to the next complete NAL unit, returning false once the
// stream is exhausted or a read error occurs.
func (s *annexBScanner) Next() bool {
	for {
		firstOff := bytes.Index(s.buf, startCode)
		if firstOff < 0 {
			if s.eof {
				return false
			}
			if !s.fill() {
				// EOF with no start code left in the tail at all.
				return false
			}
			continue
		}
		nalStart := firstOff + len(startCode)
		secondOff := bytes.Index(s.buf[nalStart:], startCode)
		if secondOff < 0 {
			if !s.eof {
				if s.fill() {
					continue
				}
			}
			// EOF: whatever remains after the one start code we found is
			// the final unit.
			s.cur = stripTrailingZero(s.buf[nalStart:])
			s.buf = nil
			return len(s.cur) > 0
		}
		nalEnd := nalStart + secondOff
		s.cur = stripTrailingZero(s.buf[nalStart:nalEnd])
		s.buf = s.buf[nalEnd:]
		if len(s.cur) > 0 {
			return true
		}
	}
}

// fill reads one more chunk from the underlying reader, appending to buf.
// Returns false once EOF/error has been recorded.
func (s *annexBScanner) fill() bool {
	if s.eof {
		return false
	}
	chunk := make([]byte, readChunkSize)
	n, err := s.r.Read(chunk)
	if n > 0 {
		s.buf = append(s.buf, chunk[:n]...)
	}
	if err != nil {
		if err != io.EOF {
			s.err = err
		}
		s.eof = true
	}
	return true
}

// NAL returns the NAL unit (without start code) found by the last Next.
func (s *annexBScanner) NAL() []byte { return s.cur }

func (s *annexBScanner) Err() error { return s.err }

// stripTrailingZero drops a single trailing zero byte some encoders leave
// immediately before the next 4-byte start code, so it is not mistaken for
// NAL payload.
func stripTrailingZero(b []byte) []byte {
	if len(b) > 0 && b[len(b)-1] == 0 {
		return b[:len(b)-1]
	}
	return b
}
