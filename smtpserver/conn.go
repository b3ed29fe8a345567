package smtpserver

import (
	"bufio"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-smtpcore/smtpcore/internal/auth"
	"github.com/go-smtpcore/smtpcore/internal/haproxy"
	"github.com/go-smtpcore/smtpcore/internal/normalize"
	"github.com/go-smtpcore/smtpcore/internal/trace"
)

var connCounter int64

func nextConnID() string {
	return strconv.FormatInt(atomic.AddInt64(&connCounter, 1), 36)
}

// Conn represents one accepted SMTP connection and drives its protocol
// state machine: GREETING_SENT -> READY -> (MAIL_ACCEPTED ->
// DATA_RECEIVING)*, with AUTHENTICATING_* as a synchronous sub-dialogue
// entered from READY and CLOSING reachable at any point on error or QUIT.
type Conn struct {
	srv  *Server
	conn net.Conn
	mode SocketMode

	reader *bufio.Reader
	writer *bufio.Writer

	tr *trace.Trace

	tls      bool
	tlsState *tls.ConnectionState

	hostname string

	sess Session

	deadline time.Time
}

// Close the underlying connection.
func (c *Conn) Close() {
	c.conn.Close()
}

// handle runs the connection's main protocol loop until the client
// disconnects, QUITs, or an unrecoverable error occurs.
func (c *Conn) handle() {
	defer c.Close()
	defer c.tr.Finish()

	c.hostname = c.srv.Hostname
	c.sess.ID = nextConnID()
	c.deadline = time.Now().Add(c.srv.ConnTimeout)

	c.conn.SetDeadline(time.Now().Add(c.srv.CommandTimeout))

	if tc, ok := c.conn.(*tls.Conn); ok {
		if err := tc.Handshake(); err != nil {
			c.tr.Errorf("TLS handshake: %v", err)
			return
		}
		cstate := tc.ConnectionState()
		c.tlsState = &cstate
		if cstate.ServerName != "" {
			c.hostname = cstate.ServerName
		}
	}

	c.reader = bufio.NewReader(c.conn)
	c.writer = bufio.NewWriter(c.conn)

	c.sess.RemoteAddr = c.conn.RemoteAddr()
	if c.srv.HAProxyEnabled {
		src, dst, err := haproxy.Handshake(c.reader)
		if err != nil {
			c.tr.Errorf("haproxy handshake: %v", err)
			return
		}
		c.sess.RemoteAddr = src
		c.tr.Debugf("haproxy: %v -> %v", src, dst)
	}

	if c.earlyTalker() {
		c.tr.Errorf("early talker, closing connection")
		c.writeReply(554, "5.5.1 Go ahead")
		return
	}

	c.printfLine("220 %s ESMTP", c.hostname)

	var errCount int
	for {
		if time.Since(c.deadline) > 0 {
			c.tr.Errorf("connection deadline exceeded")
			return
		}
		c.conn.SetDeadline(time.Now().Add(c.srv.CommandTimeout))

		cmd, params, err := c.readCommand()
		if err != nil {
			c.writeReply(554, "5.5.0 error reading command: "+err.Error())
			return
		}

		c.srv.mu.Lock()
		draining := c.srv.draining
		c.srv.mu.Unlock()
		if draining && cmd != "QUIT" {
			c.writeReply(421, "4.3.2 Server shutting down")
			return
		}

		if cmd == "AUTH" {
			c.tr.Debugf("-> AUTH <redacted>")
		} else {
			c.tr.Debugf("-> %s %s", cmd, params)
		}

		c.srv.Metrics.command(cmd)
		code, msg, quit, unrecognized := c.dispatch(cmd, params)
		if quit {
			return
		}
		if code == 0 {
			continue
		}

		if !c.sess.Authenticated {
			c.sess.UnauthCommands++
			if limit := c.srv.MaxUnauthCommands; limit > 0 && c.sess.UnauthCommands > limit {
				c.writeReply(421, "4.7.0 too many unauthenticated commands, bye")
				return
			}
		}
		if unrecognized {
			c.sess.UnrecognizedCommands++
			if limit := c.srv.MaxUnrecognizedCommands; limit > 0 && c.sess.UnrecognizedCommands > limit {
				c.writeReply(421, "4.5.0 Too many unrecognized commands")
				return
			}
		}

		c.srv.Metrics.reply(code)
		c.tr.Debugf("<- %d %s", code, msg)
		if code >= 400 {
			errCount++
			if errCount >= 3 {
				// https://tools.ietf.org/html/rfc5321#section-4.3.2
				c.writeReply(421, "4.5.0 too many errors, bye")
				return
			}
		}
		if err := c.writeReply(code, msg); err != nil {
			return
		}
		if code == 421 {
			// 421 closes the transmission channel.
			return
		}
	}
}

// earlyTalkerWindow bounds how long handle waits, after accepting a
// connection and before writing the greeting, to see if the client is
// already sending bytes -- a sign of a pipelining spam bot that doesn't
// wait for the banner, per RFC 5321 section 3.1's admonition that the
// client must wait for the greeting.
const earlyTalkerWindow = 200 * time.Millisecond

// earlyTalker peeks the connection for a short window before the banner
// is sent; if the client has already written anything, it's an early
// talker and the connection is rejected instead of greeted.
func (c *Conn) earlyTalker() bool {
	c.conn.SetReadDeadline(time.Now().Add(earlyTalkerWindow))
	_, err := c.reader.Peek(1)
	c.conn.SetReadDeadline(time.Time{})
	return err == nil
}

func (c *Conn) dispatch(cmd, params string) (code int, msg string, quit, unrecognized bool) {
	if c.srv.disabledCommands.Has(cmd) {
		return 500, fmt.Sprintf("5.5.1 unknown command %q", truncate(cmd, 6)), false, true
	}
	switch cmd {
	case "HELO":
		code, msg = c.HELO(params)
	case "EHLO":
		code, msg = c.EHLO(params)
	case "HELP":
		code, msg = 214, "2.0.0 at your service"
	case "NOOP":
		code, msg = 250, "2.0.0 ok"
	case "RSET":
		c.sess.resetEnvelope()
		code, msg = 250, "2.0.0 ok"
	case "VRFY", "EXPN":
		code, msg = 502, "5.5.1 not supported"
	case "MAIL":
		code, msg = c.MAIL(params)
	case "RCPT":
		code, msg = c.RCPT(params)
	case "DATA":
		code, msg = c.DATA(params)
	case "STARTTLS":
		code, msg = c.STARTTLS(params)
	case "AUTH":
		code, msg = c.AUTH(params)
	case "QUIT":
		c.writeReply(221, "2.0.0 bye")
		return 0, "", true, false
	case "GET", "POST", "HEAD", "PUT", "DELETE", "OPTIONS", "CONNECT", "TRACE", "PATCH":
		// Cross-protocol attack detection (e.g. https://alpaca-attack.com/).
		c.tr.Errorf("http-like command, closing connection")
		c.writeReply(554, "5.7.0 this is not an HTTP server")
		return 0, "", true, false
	default:
		code = 500
		msg = fmt.Sprintf("5.5.1 unknown command %q", truncate(cmd, 6))
		unrecognized = true
	}
	return code, msg, false, unrecognized
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// HELO command handler.
func (c *Conn) HELO(params string) (int, string) {
	if strings.TrimSpace(params) == "" {
		return 501, "5.5.4 syntax: HELO domain"
	}
	c.sess.EHLODomain, _ = normalize.Domain(strings.Fields(params)[0])
	return 250, fmt.Sprintf("%s", c.hostname)
}

// EHLO command handler.
func (c *Conn) EHLO(params string) (int, string) {
	if strings.TrimSpace(params) == "" {
		return 501, "5.5.4 syntax: EHLO domain"
	}
	c.sess.EHLODomain, _ = normalize.Domain(strings.Fields(params)[0])
	c.sess.ESMTP = true
	return 250, c.capabilities()
}

// MAIL command handler.
func (c *Conn) MAIL(params string) (int, string) {
	if c.mode.Submission && !c.sess.Authenticated {
		return 550, "5.7.9 mail to submission port must be authenticated"
	}

	addr, _, err := ParseMailFrom(params)
	if err != nil {
		return 501, "5.5.4 " + err.Error()
	}

	// Some servers reject a second MAIL without an intervening RSET, but
	// that's not mandated by the RFC; we just reset the envelope instead.
	c.sess.resetEnvelope()
	c.sess.MailFrom = addr
	return 250, "2.1.0 ok"
}

// RCPT command handler.
func (c *Conn) RCPT(params string) (int, string) {
	if c.sess.MailFrom == "" {
		return 503, "5.5.1 sender not yet given"
	}

	// https://tools.ietf.org/html/rfc5321#section-4.5.3.1.8
	if len(c.sess.RcptTo) > 100 {
		return 452, "4.5.3 too many recipients"
	}

	addr, _, err := ParseRcptTo(params)
	if err != nil {
		return 501, "5.1.3 " + err.Error()
	}

	c.sess.RcptTo = append(c.sess.RcptTo, addr)
	return 250, "2.1.5 ok"
}

// DATA command handler. It streams the payload through a bounded-memory
// DotReader into the configured DataSink, rather than buffering the
// message itself.
func (c *Conn) DATA(params string) (int, string) {
	if c.sess.EHLODomain == "" {
		return 503, "5.5.1 say HELO/EHLO first"
	}
	if c.sess.MailFrom == "" {
		return 503, "5.5.1 sender not yet given"
	}
	if len(c.sess.RcptTo) == 0 {
		return 503, "5.5.1 need a recipient"
	}
	if c.srv.DataSink == nil {
		return 554, "5.3.0 mail acceptance is not configured"
	}

	if err := c.writeReply(354, "go ahead"); err != nil {
		return 554, "5.4.0 error writing DATA response: " + err.Error()
	}

	// The data transfer uses the whole-connection deadline, not the
	// shorter per-command one.
	c.conn.SetDeadline(c.deadline)

	dr := NewDotReader(c.reader, c.srv.MaxDataSize)

	sinkErr := c.srv.DataSink(&c.sess, dr)

	// Drain whatever the sink left unread, so later commands aren't
	// misinterpreted as leftover message bytes.
	_, drainErr := io.Copy(io.Discard, dr)

	if drainErr == ErrMessageTooLarge {
		return 552, "5.3.4 message too big"
	}
	if drainErr != nil && drainErr != io.EOF {
		return 554, "5.4.0 error reading DATA: " + drainErr.Error()
	}

	if sinkErr != nil {
		if se, ok := sinkErr.(*Error); ok {
			return se.Code, se.reply()
		}
		return 554, "5.3.0 " + sinkErr.Error()
	}

	c.sess.resetEnvelope()
	c.srv.Metrics.messageAccepted()
	return 250, "2.0.0 ok, message accepted"
}

// STARTTLS command handler.
func (c *Conn) STARTTLS(params string) (int, string) {
	if c.tls {
		return 503, "5.5.1 already using TLS"
	}
	if c.srv.tlsConfig == nil {
		return 454, "4.7.0 TLS not available"
	}

	if err := c.writeReply(220, "2.0.0 ready to start TLS"); err != nil {
		return 554, "5.4.0 error writing STARTTLS response: " + err.Error()
	}

	tc := tls.Server(c.conn, c.srv.tlsConfig)
	if err := tc.Handshake(); err != nil {
		return 554, "5.5.0 TLS handshake failed: " + err.Error()
	}

	c.conn = tc
	c.reader = bufio.NewReader(c.conn)
	c.writer = bufio.NewWriter(c.conn)

	cstate := tc.ConnectionState()
	c.tlsState = &cstate
	c.tls = true
	c.sess.TLS = true
	c.sess.TLSState = &cstate

	if cstate.ServerName != "" {
		c.hostname = cstate.ServerName
	}

	// Clients must start the envelope over after upgrading.
	c.sess.resetEnvelope()
	c.sess.EHLODomain = ""
	c.sess.ESMTP = false

	return 0, ""
}

// AUTH command handler, implementing the PLAIN, LOGIN and (optionally)
// XOAUTH2 SASL mechanisms synchronously: each continuation is read
// inline, rather than requiring the top-level command loop to track a
// separate AUTHENTICATING_* state.
func (c *Conn) AUTH(params string) (int, string) {
	if !c.tls && !c.srv.AllowInsecureAuth {
		return 503, "5.7.10 AUTH requires a TLS-protected connection"
	}
	if c.srv.Auth == nil {
		return 502, "5.5.1 AUTH not supported"
	}
	if c.sess.Authenticated {
		// https://tools.ietf.org/html/rfc4954#section-4
		return 503, "5.5.1 already authenticated"
	}

	sp := strings.SplitN(params, " ", 2)
	mechanism := strings.ToUpper(sp[0])

	if mechanism != "XOAUTH2" && !c.srv.mechanisms.Has(mechanism) {
		return 504, "5.5.4 unsupported authentication mechanism"
	}

	var req auth.Request
	var err error

	switch mechanism {
	case "PLAIN":
		response := ""
		if len(sp) == 2 {
			response = sp[1]
		} else {
			if err := c.writeReply(334, ""); err != nil {
				return 554, "5.4.0 error writing AUTH continuation: " + err.Error()
			}
			response, err = c.readLine()
			if err != nil {
				return 554, "5.4.0 error reading AUTH response: " + err.Error()
			}
		}
		req, err = auth.DecodePlain(response)

	case "LOGIN":
		userB64 := ""
		if len(sp) == 2 {
			userB64 = sp[1]
		} else {
			if err := c.writeReply(334, "VXNlcm5hbWU6"); err != nil {
				return 554, "5.4.0 error writing AUTH continuation: " + err.Error()
			}
			userB64, err = c.readLine()
			if err != nil {
				return 554, "5.4.0 error reading AUTH LOGIN username: " + err.Error()
			}
		}
		user, derr := auth.DecodeBase64(userB64)
		if derr != nil {
			return 501, "5.5.2 invalid LOGIN username encoding"
		}

		if err := c.writeReply(334, "UGFzc3dvcmQ6"); err != nil {
			return 554, "5.4.0 error writing AUTH continuation: " + err.Error()
		}
		passB64, rerr := c.readLine()
		if rerr != nil {
			return 554, "5.4.0 error reading AUTH LOGIN password: " + rerr.Error()
		}
		pass, derr2 := auth.DecodeBase64(passB64)
		if derr2 != nil {
			return 501, "5.5.2 invalid LOGIN password encoding"
		}

		req = auth.Request{Method: auth.Login, Username: user, Password: pass}

	case "XOAUTH2":
		if !c.srv.AllowXOAuth2 {
			return 504, "5.5.4 unsupported authentication mechanism"
		}
		response := ""
		if len(sp) == 2 {
			response = sp[1]
		} else {
			if err := c.writeReply(334, ""); err != nil {
				return 554, "5.4.0 error writing AUTH continuation: " + err.Error()
			}
			response, err = c.readLine()
			if err != nil {
				return 554, "5.4.0 error reading AUTH response: " + err.Error()
			}
		}
		req, err = auth.DecodeXOAuth2(response)

	default:
		return 504, "5.5.4 unsupported authentication mechanism"
	}

	if err != nil {
		return 501, "5.5.2 error decoding AUTH response: " + err.Error()
	}

	result, ok, err := c.srv.Auth.Authenticate(req)
	if err != nil {
		if oerr, isOAuth := err.(*auth.OAuthError); isOAuth && mechanism == "XOAUTH2" {
			// https://developers.google.com/gmail/imap/xoauth2-protocol#error_response
			_ = c.writeReply(334, base64.StdEncoding.EncodeToString([]byte(oauthErrorJSON(oerr))))
			_, _ = c.readLine()
			c.srv.Log.Auth(c.sess.RemoteAddr, req.Username, mechanism, false)
			c.srv.Metrics.auth(mechanism, false)
			return 535, "5.7.8 authentication failed"
		}
		c.tr.Errorf("authentication backend error: %v", err)
		c.srv.Log.Auth(c.sess.RemoteAddr, req.Username, mechanism, false)
		c.srv.Metrics.auth(mechanism, false)
		return 421, "4.7.0 temporary authentication failure, closing connection"
	}
	if !ok {
		c.srv.Log.Auth(c.sess.RemoteAddr, req.Username, mechanism, false)
		c.srv.Metrics.auth(mechanism, false)
		return 535, "5.7.8 incorrect username or password"
	}

	c.sess.Authenticated = true
	if result != nil {
		c.sess.User = result.User
	}
	c.srv.Log.Auth(c.sess.RemoteAddr, req.Username, mechanism, true)
	c.srv.Metrics.auth(mechanism, true)
	return 235, "2.7.0 authentication successful"
}

func oauthErrorJSON(e *auth.OAuthError) string {
	return fmt.Sprintf(
		`{"status":"%s","schemes":"%s","scope":"%s"}`,
		e.Status, e.Schemes, e.Scope)
}

func (c *Conn) readCommand() (cmd, params string, err error) {
	line, err := c.readLine()
	if err != nil {
		return "", "", err
	}
	sp := strings.SplitN(line, " ", 2)
	cmd = strings.ToUpper(sp[0])
	if len(sp) > 1 {
		params = sp[1]
	}
	return cmd, params, nil
}

// readLine reads a single CRLF-terminated line, bounded to 1000 octets
// per https://tools.ietf.org/html/rfc5321#section-4.5.3.1.6.
func (c *Conn) readLine() (string, error) {
	l, more, err := c.reader.ReadLine()
	if err != nil {
		return "", err
	}
	if len(l) > 1000 || more {
		for more && err == nil {
			_, more, err = c.reader.ReadLine()
		}
		return "", fmt.Errorf("line too long")
	}
	return string(l), nil
}

func (c *Conn) writeReply(code int, msg string) error {
	defer c.writer.Flush()
	return writeReply(c.writer, code, msg)
}

func (c *Conn) printfLine(format string, args ...interface{}) {
	fmt.Fprintf(c.writer, format+"\r\n", args...)
	c.writer.Flush()
}
