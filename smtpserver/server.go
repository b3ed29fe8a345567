// Package smtpserver's Server type manages listeners and the lifecycle of
// the connections accepted on them.
package smtpserver

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/go-smtpcore/smtpcore/internal/auth"
	"github.com/go-smtpcore/smtpcore/internal/maillog"
	"github.com/go-smtpcore/smtpcore/internal/set"
	"github.com/go-smtpcore/smtpcore/internal/systemd"
	"github.com/go-smtpcore/smtpcore/internal/trace"
)

// SocketMode describes the policy that applies to a listening address:
// whether it is a submission port, and whether it is TLS-wrapped from the
// start (as opposed to using STARTTLS).
type SocketMode struct {
	// Submission marks this as a mail submission port; unauthenticated
	// MAIL FROM is rejected.
	Submission bool

	// TLS marks this socket as TLS-wrapped (like HTTPS, as opposed to
	// starting in the clear and upgrading via STARTTLS).
	TLS bool
}

func (m SocketMode) String() string {
	s := "SMTP"
	if m.Submission {
		s = "submission"
	}
	if m.TLS {
		s += "+TLS"
	}
	return s
}

// Common socket modes.
var (
	ModeSMTP          = SocketMode{}
	ModeSubmission    = SocketMode{Submission: true}
	ModeSubmissionTLS = SocketMode{Submission: true, TLS: true}
)

// DataSink consumes one message body. It receives the session (envelope
// and connection metadata) and a reader that streams the decoded message
// in bounded memory -- the engine never buffers the whole message itself.
//
// If the sink returns before fully draining r, the engine drains the
// remainder on its behalf, so the SMTP dialog doesn't desync; the sink
// does not need to read to EOF to "finish early" (e.g. after detecting a
// size limit or a policy rejection from the first few bytes).
//
// Returning a *Error gives full control over the reply code and text;
// any other non-nil error becomes a generic 554 transaction failed;
// returning nil accepts the message with a default success reply.
type DataSink func(sess *Session, data io.Reader) error

// AuthCallback validates one decoded SASL attempt. See
// github.com/go-smtpcore/smtpcore/internal/auth.Callback for the
// semantics of the return values.
type AuthCallback = auth.Callback

// Server represents an SMTP server instance: a set of listening
// addresses sharing one protocol configuration and one set of consumer
// callbacks.
type Server struct {
	// Hostname is used in the greeting banner and EHLO response, and as
	// the default Received header identity.
	Hostname string

	// MaxDataSize bounds the size of a message's DATA payload, in bytes.
	MaxDataSize int64

	// MaxClients caps the number of concurrently active connections; 0
	// means unlimited. Connections beyond the cap are rejected with 421
	// at accept time.
	MaxClients int

	// ConnTimeout bounds the lifetime of a single connection, regardless
	// of activity.
	ConnTimeout time.Duration

	// CommandTimeout bounds how long the server waits for a single
	// command line (the DATA payload itself uses ConnTimeout instead, so
	// large transfers aren't penalized).
	CommandTimeout time.Duration

	// CloseTimeout bounds how long Close waits for in-flight connections
	// to finish on their own before giving up.
	CloseTimeout time.Duration

	// AllowXOAuth2 advertises and accepts the XOAUTH2 SASL mechanism in
	// addition to PLAIN and LOGIN.
	AllowXOAuth2 bool

	// HAProxyEnabled expects incoming connections to start with a HAProxy
	// PROXY protocol header identifying the real client address.
	HAProxyEnabled bool

	// FromSystemd, if true, makes ListenAndServe pick up listening sockets
	// passed down by systemd socket activation: for each address added via
	// AddAddr, the sockets whose FileDescriptorName equals that address are
	// used instead of opening a new one. Sockets whose name matches no
	// registered address are not served.
	FromSystemd bool

	// AllowInsecureAuth permits AUTH on a connection that isn't
	// TLS-protected. Off by default, since SASL PLAIN/LOGIN send
	// credentials in the clear otherwise.
	AllowInsecureAuth bool

	// HideSTARTTLS omits STARTTLS from the EHLO capability list even
	// when a certificate is configured, for compatibility with clients
	// that mishandle the advertisement.
	HideSTARTTLS bool

	// MaxUnauthCommands caps the number of commands a connection may
	// issue before authenticating; 0 disables the cap. NewServer sets it
	// to 10. Exceeding it terminates the session with 421.
	MaxUnauthCommands int

	// MaxUnrecognizedCommands caps the number of unknown commands a
	// connection may send; 0 disables the cap. NewServer sets it to 10.
	// Exceeding it terminates the session with 421.
	MaxUnrecognizedCommands int

	mechanisms       *set.String
	disabledCommands *set.String

	// DataSink receives each accepted message. It must be set for the
	// server to accept any mail; if nil, DATA always fails with 554.
	DataSink DataSink

	// Auth, if set, enables the AUTH command (advertised only once the
	// connection is TLS-protected, per RFC 4954, unless AllowInsecureAuth
	// is set).
	Auth *auth.Authenticator

	// Log receives listen and auth events. NewServer sets it to
	// maillog.Default, which discards events until replaced via
	// maillog.SetDefault; a nil Log is not replaced with a default.
	Log *maillog.Logger

	// Metrics, if set (via NewMetrics), receives Prometheus instrumentation
	// for connections, commands, replies, AUTH attempts and accepted
	// messages.
	Metrics *Metrics

	addrsMu sync.Mutex
	addrs   map[SocketMode][]string

	tlsConfig *tls.Config

	mu        sync.Mutex
	listeners []net.Listener
	active    int
	draining  bool
	drainedCh chan struct{}
}

// NewServer returns a Server with the defaults used by the rest of the
// package; callers adjust fields before calling ListenAndServe.
func NewServer() *Server {
	return &Server{
		MaxDataSize:             25 * 1024 * 1024,
		ConnTimeout:             20 * time.Minute,
		CommandTimeout:          1 * time.Minute,
		CloseTimeout:            10 * time.Second,
		MaxUnauthCommands:       10,
		MaxUnrecognizedCommands: 10,
		addrs:                   map[SocketMode][]string{},
		Log:                     maillog.Default,
		mechanisms:              set.NewString("PLAIN", "LOGIN"),
	}
}

// SetDisabledCommands makes the given verbs answered exactly as if they
// were unrecognized, regardless of whether the engine implements them.
// This is how an embedder can turn off e.g. VRFY-adjacent surface without
// forking the engine.
func (s *Server) SetDisabledCommands(names ...string) {
	upper := make([]string, len(names))
	for i, n := range names {
		upper[i] = strings.ToUpper(n)
	}
	s.disabledCommands = set.NewString(upper...)
}

// SetMechanisms restricts the SASL mechanisms AUTH accepts to names (in
// addition to XOAUTH2, which is governed separately by AllowXOAuth2). This
// is how an embedder disables LOGIN, for example, without forking the
// engine.
func (s *Server) SetMechanisms(names ...string) {
	s.mechanisms = set.NewString(names...)
}

// AddAddr registers an address for the server to listen on once
// ListenAndServe is called.
func (s *Server) AddAddr(addr string, mode SocketMode) {
	s.addrsMu.Lock()
	defer s.addrsMu.Unlock()
	s.addrs[mode] = append(s.addrs[mode], addr)
}

// AddCert loads a TLS certificate/key pair, used both for STARTTLS and for
// TLS-wrapped listeners.
func (s *Server) AddCert(certPath, keyPath string) error {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return err
	}
	if s.tlsConfig == nil {
		s.tlsConfig = &tls.Config{}
	}
	s.tlsConfig.Certificates = append(s.tlsConfig.Certificates, cert)
	return nil
}

// ListenAndServe opens all registered addresses and serves connections on
// them until Close is called, or a listener fails. It does not return
// until then.
func (s *Server) ListenAndServe() error {
	s.mu.Lock()
	s.drainedCh = make(chan struct{})
	s.mu.Unlock()

	var wg sync.WaitGroup
	errCh := make(chan error, 1)

	s.addrsMu.Lock()
	addrs := s.addrs
	s.addrsMu.Unlock()

	fromSystemd := map[string][]net.Listener{}
	if s.FromSystemd {
		var err error
		fromSystemd, err = systemd.Listeners()
		if err != nil {
			return fmt.Errorf("getting systemd listeners: %w", err)
		}
	}

	for mode, as := range addrs {
		for _, addr := range as {
			listeners := fromSystemd[addr]
			if len(listeners) == 0 {
				l, err := net.Listen("tcp", addr)
				if err != nil {
					return fmt.Errorf("listening on %s: %w", addr, err)
				}
				listeners = []net.Listener{l}
			}

			for _, l := range listeners {
				if mode.TLS {
					if s.tlsConfig == nil {
						l.Close()
						return fmt.Errorf("address %s requires TLS but no certificate was configured", addr)
					}
					l = tls.NewListener(l, s.tlsConfig)
				}

				s.mu.Lock()
				s.listeners = append(s.listeners, l)
				s.mu.Unlock()

				s.Log.Listening(l.Addr().String())

				wg.Add(1)
				go func(l net.Listener, mode SocketMode) {
					defer wg.Done()
					if err := s.serve(l, mode); err != nil {
						select {
						case errCh <- err:
						default:
						}
					}
				}(l, mode)
			}
		}
	}

	wg.Wait()
	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}

func (s *Server) serve(l net.Listener, mode SocketMode) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			s.mu.Lock()
			draining := s.draining
			s.mu.Unlock()
			if draining {
				return nil
			}
			return err
		}

		s.mu.Lock()
		if s.draining {
			s.mu.Unlock()
			fmt.Fprintf(conn, "421 4.3.2 Server shutting down\r\n")
			conn.Close()
			continue
		}
		if s.MaxClients > 0 && s.active >= s.MaxClients {
			s.mu.Unlock()
			fmt.Fprintf(conn, "421 4.3.2 Too many connections, try again later\r\n")
			conn.Close()
			continue
		}
		s.active++
		s.mu.Unlock()

		c := &Conn{
			srv:  s,
			conn: conn,
			mode: mode,
			tls:  mode.TLS,
			tr:   trace.New("SMTP", conn.RemoteAddr().String()),
		}
		s.Metrics.connOpened()
		go func() {
			defer s.connDone()
			defer s.Metrics.connClosed()
			c.handle()
		}()
	}
}

func (s *Server) connDone() {
	s.mu.Lock()
	s.active--
	drained := s.draining && s.active == 0
	s.mu.Unlock()
	if drained {
		close(s.drainedCh)
	}
}

// Close stops accepting new connections and waits up to CloseTimeout for
// in-flight connections to finish on their own before returning. It does
// not forcibly close connections still in progress after the timeout; it
// simply stops waiting for them.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return nil
	}
	s.draining = true
	listeners := s.listeners
	active := s.active
	drainedCh := s.drainedCh
	if active == 0 && drainedCh != nil {
		select {
		case <-drainedCh:
		default:
			close(drainedCh)
		}
	}
	s.mu.Unlock()

	for _, l := range listeners {
		l.Close()
	}

	timeout := s.CloseTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-drainedCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("smtpserver: %d connection(s) still active after close timeout", s.activeCount())
	}
}

func (s *Server) activeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}
