package proto

import "bytes"

// LineBuffer reassembles newline-terminated lines from arbitrarily split chunks.
// It is not safe for concurrent use.
type LineBuffer struct {
	buf []byte
}

// Write appends a chunk.
func (l *LineBuffer) Write(p []byte) (int, error) {
	l.buf = append(l.buf, p...)
	return len(p), nil
}

// Next pops the next complete line without its terminator (a trailing \r is dropped too).
// The returned slice is only valid until the next Write.
func (l *LineBuffer) Next() ([]byte, bool) {
	i := bytes.IndexByte(l.buf, '\n')
	if i < 0 {
		if len(l.buf) == 0 {
			l.buf = nil
		}
		return nil, false
	}
	line := l.buf[:i]
	l.buf = l.buf[i+1:]
	return bytes.TrimSuffix(line, []byte{'\r'}), true
}

// Len reports the number of buffered bytes not yet returned as a line.
func (l *LineBuffer) Len() int { return len(l.buf) }

// Reset drops any partial line.
func (l *LineBuffer) Reset() { l.buf = nil }
