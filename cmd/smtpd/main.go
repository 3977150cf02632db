// Command smtpd is a minimal embedder of the smtp package: it wires a
// JSON config file, a maildrop.Store, a directory.Directory and a
// policy.Checker into a Handler and drives connections accepted from a
// plain net.Listener through loop.Reactor, mirroring how the teacher's
// main.go built a smtp.Config and called ListenAndServe but generalized
// across the event-loop boundary spec.md introduces.
package main

import (
	"crypto/tls"
	"crypto/x509"
	"flag"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/cloudgate/smtpd/config"
	"github.com/cloudgate/smtpd/directory"
	"github.com/cloudgate/smtpd/loop"
	"github.com/cloudgate/smtpd/maildrop"
	"github.com/cloudgate/smtpd/policy"
	"github.com/cloudgate/smtpd/smtp"
)

func main() {
	configPath := flag.String("config", "smtpd.json", "path to the JSON configuration file")
	flag.Parse()

	log := logrus.StandardLogger()

	cfgFile, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("could not load configuration")
	}

	store := maildrop.NewStore(cfgFile.MaildropPath)

	var dir *directory.Directory
	if cfgFile.DirectoryFile != "" {
		dir, err = directory.Load(cfgFile.DirectoryFile)
		if err != nil {
			log.WithError(err).Warn("could not load directory, starting empty")
			dir = directory.New()
		}
	} else {
		dir = directory.New()
	}

	var checker policy.Checker
	if cfgFile.SPFEnabled {
		checker = policy.NewSPFChecker()
	}

	var tlsConfig *tls.Config
	if cfgFile.TLSCertFile != "" && cfgFile.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfgFile.TLSCertFile, cfgFile.TLSKeyFile)
		if err != nil {
			log.WithError(err).Fatal("could not load TLS certificate")
		}
		tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	cfg := &smtp.Config{
		ListenAddr:       cfgFile.ListenAddr,
		Hostname:         cfgFile.Hostname,
		SystemName:       cfgFile.SystemName,
		MessageSizeLimit: cfgFile.MessageSizeLimit,
		TLSConfig:        tlsConfig,
		Logger:           log,
	}

	handler := &exampleHandler{store: store, dir: dir, checker: checker, log: log}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		log.WithError(err).Fatal("could not listen")
	}
	log.WithField("listen_addr", cfg.ListenAddr).Info("smtpd listening")

	srv := newServer(cfg, handler)
	srv.serve(ln)
}

// server owns the Reactor and the live set of ConnectionDrivers it
// dispatches readiness callbacks to.
type server struct {
	cfg     *smtp.Config
	handler smtp.Handler

	mu      sync.Mutex
	drivers map[loop.Token]*smtp.ConnectionDriver

	reactor *loop.Reactor
}

func newServer(cfg *smtp.Config, handler smtp.Handler) *server {
	s := &server{cfg: cfg, handler: handler, drivers: make(map[loop.Token]*smtp.ConnectionDriver)}
	s.reactor = loop.NewReactor(s.onReady)
	return s
}

func (s *server) onReady(tok loop.Token, interest loop.Interest) {
	s.mu.Lock()
	d, ok := s.drivers[tok]
	s.mu.Unlock()
	if !ok {
		return
	}
	d.Ready(interest)
}

func (s *server) serve(ln net.Listener) {
	stop := make(chan struct{})
	go s.reactor.Run(stop)

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.cfg.Logger.WithError(err).Error("accept failed")
			continue
		}

		driver, err := smtp.NewConnectionDriver(s.cfg, s.handler, conn, s.reactor)
		if err != nil {
			s.cfg.Logger.WithError(err).Error("could not start connection")
			conn.Close()
			continue
		}

		s.mu.Lock()
		s.drivers[driver.Token()] = driver
		s.mu.Unlock()
	}
}

// exampleHandler is a small, synchronous smtp.Handler: it accepts every
// connection and HELO/EHLO, checks recipients against dir, consults
// checker for MAIL FROM when SPF is enabled, and delivers accepted mail
// through store. Embedders are expected to replace this with their own
// policy.
type exampleHandler struct {
	store   *maildrop.Store
	dir     *directory.Directory
	checker policy.Checker
	log     logrus.FieldLogger
}

// connState is the per-connection application state exampleHandler
// keeps in Session.App, since the core never inspects that field.
type connState struct {
	remoteIP net.IP
}

func (h *exampleHandler) Start(seed smtp.StartSeed, notifier loop.Notifier) smtp.Hesitant[*smtp.Session] {
	var ip net.IP
	if tcpAddr, ok := seed.RemoteAddr.(*net.TCPAddr); ok {
		ip = tcpAddr.IP
	}
	return smtp.Final(&smtp.Session{App: &connState{remoteIP: ip}})
}

func (h *exampleHandler) Hello(s *smtp.Session, domain string, extended bool, reply *smtp.ReplyWriter) smtp.Hesitant[*smtp.Session] {
	return smtp.Final(s)
}

func (h *exampleHandler) CheckTLS(s *smtp.Session, peerCert *x509.Certificate) smtp.Hesitant[*smtp.Session] {
	return smtp.Final(s)
}

func (h *exampleHandler) Mail(s *smtp.Session, path *smtp.MailAddress, params smtp.MailParams, reply *smtp.ReplyWriter) smtp.Hesitant[smtp.MailOutcome] {
	if h.checker != nil {
		state, _ := s.App.(*connState)
		var remoteIP net.IP
		if state != nil {
			remoteIP = state.remoteIP
		}

		result, err := h.checker.Check(remoteIP, s.HelloDomain, path.Domain)
		if err != nil {
			h.log.WithError(err).Warn("spf check failed, treating as neutral")
		} else if result == policy.ResultFail {
			reply.Reply(550, "5.7.1", "SPF check failed.")
			return smtp.Final(smtp.MailOutcome{Reject: s})
		}
	}

	txn := &smtp.MailTxn{From: path, Params: params}
	return smtp.Final(smtp.MailOutcome{Txn: txn})
}

func (h *exampleHandler) Recipient(s *smtp.Session, txn *smtp.MailTxn, path *smtp.MailAddress, params smtp.RcptParams, reply *smtp.ReplyWriter) smtp.Hesitant[smtp.MailOutcome] {
	if !h.dir.Exists(path.Local, path.Domain) {
		reply.Reply(550, "5.1.1", "No such mailbox.")
		return smtp.Final(smtp.MailOutcome{Reject: s})
	}
	txn.Recipients = append(txn.Recipients, *path)
	return smtp.Final(smtp.MailOutcome{Txn: txn})
}

func (h *exampleHandler) Data(s *smtp.Session, txn *smtp.MailTxn) smtp.Hesitant[smtp.DataOutcome] {
	return smtp.Final(smtp.DataOutcome{Sink: h.store.Sink(txn.Recipients)})
}

func (h *exampleHandler) Reset(s *smtp.Session) *smtp.Session {
	return s
}

func (h *exampleHandler) Verify(s *smtp.Session, word string, reply *smtp.ReplyWriter) smtp.Hesitant[*smtp.Session] {
	reply.Reply(252, "2.5.2", "Cannot verify; try RCPT instead.")
	return smtp.Final(s)
}

func (h *exampleHandler) Expand(s *smtp.Session, word string, reply *smtp.ReplyWriter) smtp.Hesitant[*smtp.Session] {
	reply.Reply(502, "5.5.1", "EXPN not supported.")
	return smtp.Final(s)
}

func (h *exampleHandler) Help(s *smtp.Session, word string, reply *smtp.ReplyWriter) smtp.Hesitant[*smtp.Session] {
	reply.Reply(214, "2.0.0", "See RFC 5321.")
	return smtp.Final(s)
}
