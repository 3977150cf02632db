package smtp

import (
	"crypto/tls"
	"crypto/x509"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/cloudgate/smtpd/loop"
)

// testHandler accepts everything unconditionally and never defers,
// enough to exercise SessionMachine's sequencing without a real
// embedder's policy logic.
type testHandler struct {
	delivered [][]byte
}

func (h *testHandler) Start(seed StartSeed, notifier loop.Notifier) Hesitant[*Session] {
	return Final(&Session{})
}
func (h *testHandler) Hello(s *Session, domain string, extended bool, reply *ReplyWriter) Hesitant[*Session] {
	return Final(s)
}
func (h *testHandler) CheckTLS(s *Session, peerCert *x509.Certificate) Hesitant[*Session] {
	return Final(s)
}
func (h *testHandler) Mail(s *Session, path *MailAddress, params MailParams, reply *ReplyWriter) Hesitant[MailOutcome] {
	return Final(MailOutcome{Txn: &MailTxn{From: path, Params: params}})
}
func (h *testHandler) Recipient(s *Session, txn *MailTxn, path *MailAddress, params RcptParams, reply *ReplyWriter) Hesitant[MailOutcome] {
	txn.Recipients = append(txn.Recipients, *path)
	return Final(MailOutcome{Txn: txn})
}
func (h *testHandler) Data(s *Session, txn *MailTxn) Hesitant[DataOutcome] {
	return Final(DataOutcome{Sink: &testSink{h: h}})
}
func (h *testHandler) Reset(s *Session) *Session { return s }
func (h *testHandler) Verify(s *Session, word string, reply *ReplyWriter) Hesitant[*Session] {
	return Final(s)
}
func (h *testHandler) Expand(s *Session, word string, reply *ReplyWriter) Hesitant[*Session] {
	return Final(s)
}
func (h *testHandler) Help(s *Session, word string, reply *ReplyWriter) Hesitant[*Session] {
	return Final(s)
}

type testSink struct {
	h   *testHandler
	buf []byte
}

func (s *testSink) Chunk(b []byte) { s.buf = append(s.buf, b...) }
func (s *testSink) Complete(reply *ReplyWriter, sizeExceeded bool) Hesitant[*Session] {
	if !sizeExceeded {
		s.h.delivered = append(s.h.delivered, s.buf)
	}
	return Final[*Session](nil)
}

func newTestMachine() (*SessionMachine, *testHandler) {
	cfg := &Config{Hostname: "mail.example.com", SystemName: "testd"}
	h := &testHandler{}
	return NewSessionMachine(cfg, h), h
}

func feed(m *SessionMachine, line string) Action {
	var recv RecvBuffer
	recv.data = []byte(line)
	var send SendBuffer
	return m.Receive(&recv, &send)
}

func TestSessionGreeting(t *testing.T) {
	Convey("Given a fresh SessionMachine", t, func() {
		m, _ := newTestMachine()
		var send SendBuffer

		s, action := m.Start(StartSeed{}, nil, &send)

		Convey("Start greets with 220 and asks to Write", func() {
			So(s, ShouldNotBeNil)
			So(action, ShouldEqual, ActionWrite)
			So(string(send.data), ShouldContainSubstring, "220 ")
			So(s.Level, ShouldEqual, LevelEarly)
		})
	})
}

func TestSessionEhloSequence(t *testing.T) {
	Convey("Given a greeted session", t, func() {
		m, _ := newTestMachine()
		var send SendBuffer
		m.Start(StartSeed{}, nil, &send)

		var recv RecvBuffer
		recv.data = []byte("EHLO client.example.com\r\n")
		var send2 SendBuffer
		action := m.Receive(&recv, &send2)

		Convey("it replies with a multi-line 250 and advances to Greeted", func() {
			So(action, ShouldEqual, ActionWrite)
			So(string(send2.data), ShouldContainSubstring, "250-mail.example.com")
			So(m.session.Level, ShouldEqual, LevelGreeted)
		})
	})
}

func TestSessionMailRcptPipeline(t *testing.T) {
	Convey("Given a session past EHLO", t, func() {
		m, _ := newTestMachine()
		var send SendBuffer
		m.Start(StartSeed{}, nil, &send)
		feed(m, "EHLO client\r\n")

		Convey("MAIL and RCPT sent back to back both get replies in one flush", func() {
			var recv RecvBuffer
			recv.data = []byte("MAIL FROM:<a@b.com>\r\nRCPT TO:<c@d.com>\r\n")
			var out SendBuffer
			action := m.Receive(&recv, &out)

			So(action, ShouldEqual, ActionWrite)
			So(m.level, ShouldEqual, LevelInMail)
			So(len(m.txn.Recipients), ShouldEqual, 1)

			text := string(out.data)
			So(text, ShouldContainSubstring, "250 2.1.0 Ok\r\n250 2.1.0 Ok\r\n")
		})
	})
}

func TestSessionDataDotUnstuffing(t *testing.T) {
	Convey("Given a transaction ready for DATA", t, func() {
		m, h := newTestMachine()
		var send SendBuffer
		m.Start(StartSeed{}, nil, &send)
		feed(m, "EHLO client\r\n")
		feed(m, "MAIL FROM:<a@b.com>\r\n")
		feed(m, "RCPT TO:<c@d.com>\r\n")

		action := feed(m, "DATA\r\n")
		So(action, ShouldEqual, ActionWrite)
		So(m.level, ShouldEqual, LevelInData)

		Convey("a leading-dot line is unstuffed and the terminator ends the transaction", func() {
			body := "Subject: hi\r\n..escaped\r\nnormal\r\n.\r\n"
			var recv RecvBuffer
			recv.data = []byte(body)
			var out SendBuffer
			action := m.Receive(&recv, &out)

			So(action, ShouldEqual, ActionWrite)
			So(m.level, ShouldEqual, LevelGreeted)
			So(string(out.data), ShouldContainSubstring, "250")
			So(len(h.delivered), ShouldEqual, 1)
			So(string(h.delivered[0]), ShouldEqual, "Subject: hi\r\n.escaped\r\nnormal\r\n")
		})
	})
}

func TestSessionRsetClearsTxn(t *testing.T) {
	Convey("Given an in-progress transaction", t, func() {
		m, _ := newTestMachine()
		var send SendBuffer
		m.Start(StartSeed{}, nil, &send)
		feed(m, "EHLO client\r\n")
		feed(m, "MAIL FROM:<a@b.com>\r\n")

		action := feed(m, "RSET\r\n")

		Convey("the transaction is discarded and the level resets to Greeted", func() {
			So(action, ShouldEqual, ActionWrite)
			So(m.level, ShouldEqual, LevelGreeted)
			So(m.txn, ShouldBeNil)
		})
	})
}

func TestSessionRcptBeforeMailRejected(t *testing.T) {
	Convey("Given a greeted session with no MAIL yet", t, func() {
		m, _ := newTestMachine()
		var send SendBuffer
		m.Start(StartSeed{}, nil, &send)
		feed(m, "EHLO client\r\n")

		var recv RecvBuffer
		recv.data = []byte("RCPT TO:<c@d.com>\r\n")
		var out SendBuffer
		m.Receive(&recv, &out)

		Convey("RCPT is rejected with 503", func() {
			So(string(out.data), ShouldContainSubstring, "503")
		})
	})
}

func TestSessionStartTLSDiscardsPipelinedPlaintext(t *testing.T) {
	Convey("Given a client that pipelines a command right after STARTTLS", t, func() {
		cfg := &Config{Hostname: "mail.example.com", SystemName: "testd", TLSConfig: &tls.Config{}}
		h := &testHandler{}
		m := NewSessionMachine(cfg, h)
		var greet SendBuffer
		m.Start(StartSeed{}, nil, &greet)
		feed(m, "EHLO client\r\n")

		var recv RecvBuffer
		recv.data = []byte("STARTTLS\r\nMAIL FROM:<attacker@evil>\r\n")
		var out SendBuffer
		action := m.Receive(&recv, &out)

		Convey("the machine hands back ActionStartTLS with the injected command still unread", func() {
			So(action, ShouldEqual, ActionStartTLS)
			So(recv.Len(), ShouldBeGreaterThan, 0)
			So(m.txn, ShouldBeNil)
		})

		Convey("once the driver clears both buffers before the handshake, the injected command never runs", func() {
			recv.Clear()
			out.Clear()

			confirmAction := m.ConfirmTLS(nil)

			So(confirmAction, ShouldEqual, ActionRead)
			So(m.txn, ShouldBeNil)
			So(m.session.Level, ShouldEqual, LevelGreeted)

			Convey("and a legitimate post-handshake MAIL still works normally", func() {
				feed(m, "MAIL FROM:<real@sender.com>\r\n")
				So(m.txn, ShouldNotBeNil)
				So(m.txn.From.String(), ShouldEqual, "<real@sender.com>")
			})
		})
	})
}

func TestSessionQuitCloses(t *testing.T) {
	Convey("Given a greeted session", t, func() {
		m, _ := newTestMachine()
		var send SendBuffer
		m.Start(StartSeed{}, nil, &send)

		action := feed(m, "QUIT\r\n")

		Convey("QUIT replies 221 and the next action is Close", func() {
			So(action, ShouldEqual, ActionClose)
			So(m.level, ShouldEqual, LevelDead)
		})
	})
}
