package session

import "bytes"

const maxLineBytes = 1024 * 1024 // 1 MB

// lineFramer splits a byte stream into newline-terminated lines. A partial
// line that grows past max is discarded together with the rest of that
// line.
type lineFramer struct {
	max      int
	buf      []byte
	skipping bool
}

func newLineFramer(max int) *lineFramer {
	return &lineFramer{max: max}
}

// Push appends chunk and returns the complete lines it finished, without
// their terminators. dropped reports whether an over-long line was thrown
// away during this call.
func (f *lineFramer) Push(chunk []byte) (lines [][]byte, dropped bool) {
	for len(chunk) > 0 {
		i := bytes.IndexByte(chunk, '\n')
		if i < 0 {
			if !f.skipping {
				f.buf = append(f.buf, chunk...)
				if len(f.buf) > f.max {
					f.buf = f.buf[:0]
					f.skipping = true
					dropped = true
				}
			}
			break
		}

		part := chunk[:i]
		chunk = chunk[i+1:]
		if f.skipping {
			f.skipping = false
			continue
		}
		f.buf = append(f.buf, part...)
		if len(f.buf) > f.max {
			f.buf = f.buf[:0]
			dropped = true
			continue
		}
		line := bytes.TrimSuffix(f.buf, []byte{'\r'})
		lines = append(lines, append([]byte(nil), line...))
		f.buf = f.buf[:0]
	}
	return lines, dropped
}

// Flush returns any buffered partial line and resets the framer.
func (f *lineFramer) Flush() []byte {
	defer func() {
		f.buf = f.buf[:0]
		f.skipping = false
	}()
	if f.skipping || len(f.buf) == 0 {
		return nil
	}
	return append([]byte(nil), bytes.TrimSuffix(f.buf, []byte{'\r'})...)
}
