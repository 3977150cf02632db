package smtp

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestReplySingleLine(t *testing.T) {
	Convey("Given a ReplyWriter over an empty SendBuffer", t, func() {
		var buf SendBuffer
		w := NewReplyWriter(&buf)

		w.Reply(250, "2.1.0", "Ok")

		Convey("it writes one CRLF-terminated line with a space separator", func() {
			So(string(buf.data), ShouldEqual, "250 2.1.0 Ok\r\n")
		})
	})
}

func TestReplyNoStatus(t *testing.T) {
	Convey("Given a reply with no enhanced status code", t, func() {
		var buf SendBuffer
		w := NewReplyWriter(&buf)

		w.Reply(220, "", "mail.example.com ESMTP Ready")

		Convey("the status field is omitted", func() {
			So(string(buf.data), ShouldEqual, "220 mail.example.com ESMTP Ready\r\n")
		})
	})
}

func TestReplyMultiLine(t *testing.T) {
	Convey("Given a multi-line EHLO-style reply", t, func() {
		var buf SendBuffer
		w := NewReplyWriter(&buf)

		a := w.Start(250, "")
		a.Write([]byte("mail.example.com"))
		a.Write([]byte("\nPIPELINING"))
		a.Write([]byte("\n8BITMIME"))
		a.Finish()

		Convey("every line but the last uses '-' as separator", func() {
			So(string(buf.data), ShouldEqual,
				"250-mail.example.com\r\n250-PIPELINING\r\n250 8BITMIME\r\n")
		})
	})
}

func TestReplyLongLineWraps(t *testing.T) {
	Convey("Given a reply line that would exceed MaxReplyLine octets", t, func() {
		var buf SendBuffer
		w := NewReplyWriter(&buf)

		w.Reply(250, "2.1.0", string(make([]byte, MaxReplyLine)))

		Convey("it is broken into continuation lines instead of one oversized line", func() {
			for _, line := range splitCRLF(buf.data) {
				So(len(line)+2, ShouldBeLessThanOrEqualTo, MaxReplyLine)
			}
			So(string(buf.data), ShouldContainSubstring, "250-")
		})
	})
}

// splitCRLF splits b on CRLF, dropping the trailing empty element left by
// the final terminator.
func splitCRLF(b []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i := 0; i+1 < len(b); i++ {
		if b[i] == '\r' && b[i+1] == '\n' {
			lines = append(lines, b[start:i])
			start = i + 2
			i++
		}
	}
	return lines
}

func TestReplyWroteNothing(t *testing.T) {
	Convey("Given a fresh ReplyWriter", t, func() {
		var buf SendBuffer
		w := NewReplyWriter(&buf)

		Convey("wroteNothing is true until Reply is called", func() {
			So(w.wroteNothing(), ShouldBeTrue)
			w.Reply(250, "", "Ok")
			So(w.wroteNothing(), ShouldBeFalse)
		})
	})
}
