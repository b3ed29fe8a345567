package smtpserver

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"io/ioutil"
	"net"
	"net/smtp"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-smtpcore/smtpcore/internal/auth"
	"github.com/go-smtpcore/smtpcore/internal/testlib"
)

var (
	smtpAddr       = "127.0.0.1:13444"
	submissionAddr = "127.0.0.1:13999"
	clientTLSConf  *tls.Config

	receivedMu sync.Mutex
	received   [][]byte
)

func mustDial(tb testing.TB, mode SocketMode, useTLS bool) *smtp.Client {
	addr := smtpAddr
	if mode == ModeSubmission {
		addr = submissionAddr
	}

	c, err := smtp.Dial(addr)
	if err != nil {
		tb.Fatalf("smtp.Dial: %v", err)
	}
	if err := c.Hello("test"); err != nil {
		tb.Fatalf("c.Hello: %v", err)
	}

	if useTLS {
		if ok, _ := c.Extension("STARTTLS"); !ok {
			tb.Fatalf("STARTTLS not advertised in EHLO")
		}
		if err := c.StartTLS(clientTLSConf); err != nil {
			tb.Fatalf("StartTLS: %v", err)
		}
	}

	return c
}

func sendEmail(tb testing.TB, c *smtp.Client) {
	sendEmailWithAuth(tb, c, nil)
}

func sendEmailWithAuth(tb testing.TB, c *smtp.Client, a smtp.Auth) {
	from := "from@example.com"
	if a != nil {
		if err := c.Auth(a); err != nil {
			tb.Errorf("Auth: %v", err)
		}
	}

	if err := c.Mail(from); err != nil {
		tb.Errorf("Mail: %v", err)
	}
	if err := c.Rcpt("to@example.com"); err != nil {
		tb.Errorf("Rcpt: %v", err)
	}

	w, err := c.Data()
	if err != nil {
		tb.Fatalf("Data: %v", err)
	}
	msg := []byte("Subject: hi\n\nbody\n")
	if _, err := w.Write(msg); err != nil {
		tb.Errorf("Data write: %v", err)
	}
	if err := w.Close(); err != nil {
		tb.Errorf("Data close: %v", err)
	}
}

func simpleCmd(t *testing.T, c *smtp.Client, cmd string, expected int) {
	if err := c.Text.PrintfLine(cmd); err != nil {
		t.Fatalf("failed to write %s: %v", cmd, err)
	}
	if _, _, err := c.Text.ReadResponse(expected); err != nil {
		t.Errorf("incorrect %s response: %v", cmd, err)
	}
}

func TestSimple(t *testing.T) {
	c := mustDial(t, ModeSMTP, false)
	defer c.Close()
	sendEmail(t, c)
}

func TestSimpleTLS(t *testing.T) {
	c := mustDial(t, ModeSMTP, true)
	defer c.Close()
	sendEmail(t, c)
}

func TestAuth(t *testing.T) {
	c := mustDial(t, ModeSubmission, true)
	defer c.Close()
	a := smtp.PlainAuth("", "juan", "hunter2", "127.0.0.1")
	sendEmailWithAuth(t, c, a)
}

func TestSubmissionWithoutAuth(t *testing.T) {
	c := mustDial(t, ModeSubmission, true)
	defer c.Close()
	if err := c.Mail("from@example.com"); err == nil {
		t.Errorf("Mail not failed as expected")
	}
}

func TestWrongMailParsing(t *testing.T) {
	c := mustDial(t, ModeSMTP, false)
	defer c.Close()

	addrs := []string{"from", "a b c", "a @ b", "<x>", "<x y>", "><"}
	for _, addr := range addrs {
		if err := c.Mail(addr); err == nil {
			t.Errorf("Mail not failed as expected with %q", addr)
		}
	}
}

func TestNullMailFrom(t *testing.T) {
	c := mustDial(t, ModeSMTP, false)
	defer c.Close()

	addrs := []string{"<>", "  <>", "<> OPTION"}
	for _, addr := range addrs {
		simpleCmd(t, c, fmt.Sprintf("MAIL FROM:%s", addr), 250)
	}
}

func TestRcptBeforeMail(t *testing.T) {
	c := mustDial(t, ModeSMTP, false)
	defer c.Close()
	if err := c.Rcpt("to@example.com"); err == nil {
		t.Errorf("Rcpt not failed as expected")
	}
}

func TestReset(t *testing.T) {
	c := mustDial(t, ModeSMTP, false)
	defer c.Close()

	if err := c.Mail("from@example.com"); err != nil {
		t.Fatalf("MAIL FROM: %v", err)
	}
	if err := c.Reset(); err != nil {
		t.Errorf("RSET: %v", err)
	}
	if err := c.Mail("from@example.com"); err != nil {
		t.Errorf("MAIL after RSET: %v", err)
	}
}

func TestRepeatedStartTLS(t *testing.T) {
	c, err := smtp.Dial(smtpAddr)
	if err != nil {
		t.Fatalf("smtp.Dial: %v", err)
	}
	if err := c.StartTLS(clientTLSConf); err != nil {
		t.Fatalf("StartTLS: %v", err)
	}
	if err := c.StartTLS(clientTLSConf); err == nil {
		t.Errorf("second STARTTLS did not fail as expected")
	}
}

func TestSimpleCommands(t *testing.T) {
	c := mustDial(t, ModeSMTP, false)
	defer c.Close()
	simpleCmd(t, c, "HELP", 214)
	simpleCmd(t, c, "NOOP", 250)
	simpleCmd(t, c, "VRFY", 502)
}

func TestEarlyTalkerRejected(t *testing.T) {
	conn, err := net.Dial("tcp", smtpAddr)
	if err != nil {
		t.Fatalf("net.Dial: %v", err)
	}
	defer conn.Close()

	// Write before reading anything, simulating a client that doesn't
	// wait for the greeting.
	if _, err := conn.Write([]byte("EHLO early.example\r\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 512)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	reply := string(buf[:n])
	if !strings.HasPrefix(reply, "554") {
		t.Errorf("early talker reply = %q, want a 554", reply)
	}
}

func TestHTTPOnSMTPPortRejected(t *testing.T) {
	conn, err := net.Dial("tcp", smtpAddr)
	if err != nil {
		t.Fatalf("net.Dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	r := bufio.NewReader(conn)
	banner, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("reading banner: %v", err)
	}
	if !strings.HasPrefix(banner, "220") {
		t.Fatalf("banner = %q, want 220", banner)
	}

	if _, err := conn.Write([]byte("GET / HTTP/1.0\r\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	reply, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("reading reply: %v", err)
	}
	if !strings.HasPrefix(reply, "554") {
		t.Errorf("HTTP-on-SMTP reply = %q, want a 554", reply)
	}
}

func waitForServer(addr string) error {
	start := time.Now()
	for time.Since(start) < 10*time.Second {
		conn, err := net.Dial("tcp", addr)
		if err == nil {
			conn.Close()
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("not reachable")
}

func realMain(m *testing.M) int {
	tmpDir, err := ioutil.TempDir("", "smtpserver_test:")
	if err != nil {
		fmt.Printf("failed to create temp dir: %v\n", err)
		return 1
	}
	defer os.RemoveAll(tmpDir)

	tlsConf, err := testlib.GenerateCert(tmpDir)
	if err != nil {
		fmt.Printf("failed to generate cert: %v\n", err)
		return 1
	}
	clientTLSConf = tlsConf
	clientTLSConf.InsecureSkipVerify = true

	srv := NewServer()
	srv.Hostname = "localhost"
	srv.MaxDataSize = 1024 * 1024
	if err := srv.AddCert(tmpDir+"/cert.pem", tmpDir+"/key.pem"); err != nil {
		fmt.Printf("failed to load cert: %v\n", err)
		return 1
	}
	srv.AddAddr(smtpAddr, ModeSMTP)
	srv.AddAddr(submissionAddr, ModeSubmission)

	srv.Auth = auth.NewAuthenticator(func(req auth.Request) (*auth.Result, bool, error) {
		if req.Username == "juan" && req.Password == "hunter2" {
			return &auth.Result{User: "juan"}, true, nil
		}
		return nil, false, nil
	})
	srv.Auth.MinDuration = 0

	srv.DataSink = func(sess *Session, data io.Reader) error {
		buf, err := ioutil.ReadAll(data)
		if err != nil {
			return err
		}
		receivedMu.Lock()
		received = append(received, buf)
		receivedMu.Unlock()
		return nil
	}

	go srv.ListenAndServe()

	if err := waitForServer(smtpAddr); err != nil {
		fmt.Println(err)
		return 1
	}
	if err := waitForServer(submissionAddr); err != nil {
		fmt.Println(err)
		return 1
	}

	code := m.Run()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	srv.Close(ctx)

	return code
}

func TestMain(m *testing.M) {
	os.Exit(realMain(m))
}
