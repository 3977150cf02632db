package smtp

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestParseCommandVerbs(t *testing.T) {

	Convey("Testing ParseCommand() recognized verbs", t, func() {

		cmd := ParseCommand([]byte("ehlo mail.example.com"))
		So(cmd.Kind, ShouldEqual, CmdEhlo)
		So(cmd.Domain, ShouldEqual, "mail.example.com")

		cmd = ParseCommand([]byte("QUIT"))
		So(cmd.Kind, ShouldEqual, CmdQuit)

		cmd = ParseCommand([]byte("NOOP ignored args"))
		So(cmd.Kind, ShouldEqual, CmdNoop)

		cmd = ParseCommand([]byte("RSET"))
		So(cmd.Kind, ShouldEqual, CmdRset)

		cmd = ParseCommand([]byte("STARTTLS"))
		So(cmd.Kind, ShouldEqual, CmdStartTLS)
	})

	Convey("Testing ParseCommand() rejects an empty HELO argument", t, func() {
		cmd := ParseCommand([]byte("HELO"))
		So(cmd.Kind, ShouldEqual, CmdParamError)
	})

	Convey("Testing ParseCommand() falls back to Unrecognized", t, func() {
		cmd := ParseCommand([]byte("BOGUS"))
		So(cmd.Kind, ShouldEqual, CmdUnrecognized)
		So(cmd.Verb, ShouldEqual, "BOGUS")
	})
}

func TestParseCommandMail(t *testing.T) {

	Convey("Testing ParseCommand() MAIL FROM with parameters", t, func() {
		cmd := ParseCommand([]byte("MAIL FROM:<a@b.com> SIZE=1024 BODY=8BITMIME"))

		So(cmd.Kind, ShouldEqual, CmdMail)
		So(cmd.Path.String(), ShouldEqual, "<a@b.com>")
		So(cmd.MailParams.Size, ShouldEqual, 1024)
		So(cmd.MailParams.Body, ShouldEqual, "8BITMIME")
	})

	Convey("Testing ParseCommand() MAIL FROM with the null reverse-path", t, func() {
		cmd := ParseCommand([]byte("MAIL FROM:<>"))

		So(cmd.Kind, ShouldEqual, CmdMail)
		So(cmd.Path.String(), ShouldEqual, "<>")
	})

	Convey("Testing ParseCommand() MAIL with an invalid parameter", t, func() {
		cmd := ParseCommand([]byte("MAIL FROM:<a@b.com> SIZE=notanumber"))
		So(cmd.Kind, ShouldEqual, CmdParamError)
	})
}

func TestParseCommandRcpt(t *testing.T) {

	Convey("Testing ParseCommand() RCPT TO with NOTIFY", t, func() {
		cmd := ParseCommand([]byte("RCPT TO:<b@c.com> NOTIFY=SUCCESS,FAILURE"))

		So(cmd.Kind, ShouldEqual, CmdRcpt)
		So(cmd.Path.String(), ShouldEqual, "<b@c.com>")
		So(cmd.RcptParams.Notify, ShouldResemble, []string{"SUCCESS", "FAILURE"})
	})
}

func TestParseCommandBdat(t *testing.T) {

	Convey("Testing ParseCommand() BDAT with LAST", t, func() {
		cmd := ParseCommand([]byte("BDAT 1024 LAST"))

		So(cmd.Kind, ShouldEqual, CmdBdat)
		So(cmd.ChunkSize, ShouldEqual, 1024)
		So(cmd.Last, ShouldBeTrue)
	})
}
