package delivery

import (
	"bytes"
	"strconv"
	"strings"
)

// Reply is one complete, possibly multi-line, SMTP reply.
type Reply struct {
	Code  int
	Lines []string // Text after the code and separator, one entry per line.
}

// Text returns the reply lines joined by newlines.
func (r Reply) Text() string {
	return strings.Join(r.Lines, "\n")
}

// lineSplitter cuts inbound chunks into lines. A trailing fragment without
// line ending is kept and prefixed to the next chunk.
type lineSplitter struct {
	partial []byte
}

func (s *lineSplitter) feed(chunk []byte) []string {
	data := append(s.partial, chunk...)
	var lines []string
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		lines = append(lines, string(bytes.TrimSuffix(data[:i], []byte{'\r'})))
		data = data[i+1:]
	}
	s.partial = append([]byte(nil), data...)
	return lines
}

// pending reports whether a partial line is buffered.
func (s *lineSplitter) pending() bool {
	return len(s.partial) > 0
}

func (s *lineSplitter) reset() {
	s.partial = nil
}

// replyBuffer accumulates the lines of one multi-line reply. Per RFC 5321
// section 4.2 a "-" after the code marks a continuation, a space (or the end
// of the line) the final line.
type replyBuffer struct {
	lines []string
}

// add appends line and returns the reply once it is complete. The buffer is
// cleared at every reply boundary.
func (b *replyBuffer) add(line string) (Reply, bool, error) {
	if len(line) < 3 {
		b.lines = nil
		return Reply{}, false, &ProtocolError{Message: line}
	}
	code, err := strconv.Atoi(line[:3])
	if err != nil || code < 100 || code > 599 {
		b.lines = nil
		return Reply{}, false, &ProtocolError{Message: line}
	}

	var text string
	last := true
	if len(line) > 3 {
		switch line[3] {
		case '-':
			last = false
		case ' ':
		default:
			b.lines = nil
			return Reply{}, false, &ProtocolError{Message: line}
		}
		text = line[4:]
	}
	b.lines = append(b.lines, text)
	if !last {
		return Reply{}, false, nil
	}

	r := Reply{Code: code, Lines: b.lines}
	b.lines = nil
	return r, true, nil
}
