package smtp

import "fmt"

// MaxReplyLine is the maximum number of octets, including the trailing
// CRLF, RFC 5321 allows for a single reply line.
const MaxReplyLine = 512

// ReplyWriter appends SMTP reply lines to a SendBuffer, taking care of
// the continuation-marker bookkeeping a multi-line reply needs: each
// line begins with the three-digit code, followed by '-' when another
// line follows or ' ' on the final line. Because the writer doesn't know
// a line is the last one until it's asked for another, it always writes
// the final separator optimistically and patches it to '-' if more
// content arrives.
type ReplyWriter struct {
	buf *SendBuffer

	open      bool
	sepPos    int
	lineStart int
	wrote     bool
}

// NewReplyWriter wraps buf.
func NewReplyWriter(buf *SendBuffer) *ReplyWriter {
	return &ReplyWriter{buf: buf}
}

// wroteNothing reports whether Reply/Start has been called yet on this
// writer. Handler capability methods may write their own reply text
// before returning a rejection; dispatch uses this to decide whether it
// still needs to synthesize a generic one.
func (w *ReplyWriter) wroteNothing() bool {
	return !w.wrote
}

// Reply appends one complete reply. text may itself contain embedded "\n"
// line breaks (without CRLF or a leading dash) to request a multi-line
// reply in a single call; each is turned into its own SMTP line.
func (w *ReplyWriter) Reply(code int, status string, text string) {
	a := w.Start(code, status)
	a.Write([]byte(text))
	a.Finish()
}

// replyAccumulator is the line accumulator returned by Start. Callers
// write to it with Write (an io.Writer), splitting their content on "\n"
// wherever a new reply line should begin, and must call Finish exactly
// once when done.
type replyAccumulator struct {
	w      *ReplyWriter
	code   int
	status string
}

// Start begins a (possibly multi-line) reply with the given code and
// optional enhanced status code (pass "" to omit it).
func (w *ReplyWriter) Start(code int, status string) *replyAccumulator {
	w.writePrefix(code, status, true)
	return &replyAccumulator{w: w, code: code, status: status}
}

func (w *ReplyWriter) writePrefix(code int, status string, final bool) {
	w.wrote = true
	w.lineStart = w.buf.NextWritePos()
	w.sepPos = w.buf.NextWritePos() + 3
	sep := byte(' ')
	if !final {
		sep = '-'
	}
	fmt.Fprintf(appendWriter{w.buf}, "%03d", code)
	w.buf.AppendByte(sep)
	if status != "" {
		w.buf.Append([]byte(status))
		w.buf.AppendByte(' ')
	}
}

// lineLen reports how many octets the current reply line has accumulated
// so far, not counting its terminating CRLF.
func (w *ReplyWriter) lineLen() int {
	return w.buf.NextWritePos() - w.lineStart
}

// Write implements io.Writer. An embedded '\n' in p closes the current
// line (patching its separator to '-'), appends CRLF, and opens a new
// line with the same code/status before continuing with the remainder.
// A line that would otherwise grow past MaxReplyLine octets (including
// its trailing CRLF) is also broken into a continuation line, even
// without an embedded '\n'.
func (a *replyAccumulator) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	start := 0
	flush := func(end int) {
		a.w.buf.Append(p[start:end])
		a.w.buf.Append(crlf)
		a.w.buf.UpdateAt(a.w.sepPos, '-')
		a.w.writePrefix(a.code, a.status, true)
		start = end
	}
	for i := 0; i < len(p); i++ {
		if p[i] == '\n' {
			flush(i)
			start = i + 1
			continue
		}
		if a.w.lineLen()+(i-start)+len(crlf) >= MaxReplyLine {
			flush(i)
			i--
		}
	}
	a.w.buf.Append(p[start:])
	return len(p), nil
}

var crlf = []byte{'\r', '\n'}

// Finish terminates the accumulator's final line with CRLF. The last
// line's separator is left as ' ', the required final-line marker.
func (a *replyAccumulator) Finish() {
	a.w.buf.Append(crlf)
}

// appendWriter adapts SendBuffer.Append to io.Writer for fmt.Fprintf.
type appendWriter struct{ buf *SendBuffer }

func (w appendWriter) Write(p []byte) (int, error) {
	w.buf.Append(p)
	return len(p), nil
}
