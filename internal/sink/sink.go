// Package sink provides a reference smtpserver.DataSink: it reads the
// message into memory (up to the caller-provided limit), adds a Received
// header, does basic loop detection, and hands the result to a Deliver
// callback. It exists as a usable starting point for embedders, not as
// the only way to consume mail -- a sink streaming straight to disk would
// skip the buffering entirely.
package sink

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"net/mail"
	"strings"
	"time"

	"github.com/go-smtpcore/smtpcore/internal/envelope"
	"github.com/go-smtpcore/smtpcore/internal/tlsconst"
	"github.com/go-smtpcore/smtpcore/smtpserver"
)

// Deliver receives one fully-assembled message, with its Received header
// already prepended. A non-nil error is treated by Sink as a permanent
// rejection (554) unless it implements Temporary() bool and returns true,
// in which case it is reported as a transient failure (451).
type Deliver func(sess *smtpserver.Session, from string, to []string, data []byte) error

type temporary interface {
	Temporary() bool
}

// Sink builds a smtpserver.DataSink backed by deliver. MaxReceivedHeaders
// bounds how many Received headers are tolerated before the message is
// rejected as a probable loop; 0 uses a default of 50.
type Sink struct {
	Hostname           string
	MaxReceivedHeaders int
	Deliver            Deliver
}

// New returns a Sink ready to be assigned to Server.DataSink via Handler.
func New(hostname string, deliver Deliver) *Sink {
	return &Sink{Hostname: hostname, Deliver: deliver}
}

// Handler returns the smtpserver.DataSink closure for this Sink.
func (s *Sink) Handler() smtpserver.DataSink {
	return func(sess *smtpserver.Session, data io.Reader) error {
		buf, err := io.ReadAll(data)
		if err != nil {
			return err
		}

		buf = s.addReceivedHeader(sess, buf)

		if err := s.checkLoop(buf); err != nil {
			return &smtpserver.Error{Code: 554, EnhancedCode: "5.4.6", Message: err.Error()}
		}

		to := append([]string(nil), sess.RcptTo...)
		if err := s.Deliver(sess, sess.MailFrom, to, buf); err != nil {
			if t, ok := err.(temporary); ok && t.Temporary() {
				return &smtpserver.Error{Code: 451, EnhancedCode: "4.3.0", Message: err.Error()}
			}
			return &smtpserver.Error{Code: 554, EnhancedCode: "5.3.0", Message: err.Error()}
		}
		return nil
	}
}

func (s *Sink) maxReceived() int {
	if s.MaxReceivedHeaders > 0 {
		return s.MaxReceivedHeaders
	}
	return 50
}

// checkLoop performs a basic sanity check on the message, to help detect
// broad problems like mail loops.
// https://tools.ietf.org/html/rfc5321#section-6.3
func (s *Sink) checkLoop(data []byte) error {
	msg, err := mail.ReadMessage(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("error parsing message: %v", err)
	}
	if len(msg.Header["Received"]) > s.maxReceived() {
		return fmt.Errorf("loop detected (more than %d hops)", s.maxReceived())
	}
	return nil
}

func (s *Sink) addReceivedHeader(sess *smtpserver.Session, data []byte) []byte {
	var v string

	if sess.Authenticated {
		v += fmt.Sprintf("from %s\n", sess.EHLODomain)
	} else {
		v += fmt.Sprintf("from [%s] (%s)\n", addrLiteral(sess.RemoteAddr), sess.EHLODomain)
	}

	v += fmt.Sprintf("by %s ", s.Hostname)

	with := "SMTP"
	if sess.ESMTP {
		with = "ESMTP"
	}
	if sess.TLS {
		with += "S"
	}
	if sess.Authenticated {
		with += "A"
	}
	v += fmt.Sprintf("with %s\n", with)

	if sess.TLSState != nil {
		v += fmt.Sprintf("tls %s\n", tlsconst.CipherSuiteName(sess.TLSState.CipherSuite))
	}

	v += fmt.Sprintf("(envelope from %q)\n", sess.MailFrom)
	v += fmt.Sprintf("; %s\n", time.Now().Format(time.RFC1123Z))

	return envelope.AddHeader(data, "Received", v)
}

func addrLiteral(addr net.Addr) string {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return addr.String()
	}
	s := tcp.IP.String()
	if strings.Contains(s, ":") {
		return "IPv6:" + s
	}
	return s
}
