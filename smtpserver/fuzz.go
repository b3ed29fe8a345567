// Fuzz testing for package smtpserver. Based on the server_test harness.

//go:build gofuzz
// +build gofuzz

package smtpserver

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"fmt"
	"io"
	"io/ioutil"
	"net"
	"net/textproto"
	"os"
	"strings"
	"time"

	"github.com/go-smtpcore/smtpcore/internal/auth"
	"github.com/go-smtpcore/smtpcore/internal/testlib"
)

var (
	fuzzSMTPAddr       string
	fuzzSubmissionAddr string
	fuzzSubmissionTLS  string
	fuzzTLSConfig      *tls.Config
)

// Fuzz drives the protocol engine over a real TCP connection with
// attacker-controlled command lines, exercising the same code paths a
// real client would.
func Fuzz(data []byte) int {
	if len(data) < 1 {
		return 0
	}

	var mode SocketMode
	addr := ""
	switch data[0] {
	case '0':
		mode, addr = ModeSMTP, fuzzSMTPAddr
	case '1':
		mode, addr = ModeSubmission, fuzzSubmissionAddr
	case '2':
		mode, addr = ModeSubmissionTLS, fuzzSubmissionTLS
	default:
		return 0
	}
	data = data[1:]

	var conn net.Conn
	var err error
	if mode.TLS {
		conn, err = tls.Dial("tcp", addr, fuzzTLSConfig)
	} else {
		conn, err = net.Dial("tcp", addr)
	}
	if err != nil {
		panic(fmt.Errorf("dial: %v", err))
	}
	defer conn.Close()

	tconn := textproto.NewConn(conn)
	defer tconn.Close()

	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := scanner.Text()
		cmd := strings.TrimSpace(strings.ToUpper(line))

		if cmd == "STARTTLS" && !mode.TLS {
			continue
		}

		if err = tconn.PrintfLine(line); err != nil {
			break
		}
		if _, _, err = tconn.ReadResponse(-1); err != nil {
			break
		}
		if cmd == "DATA" {
			err = fuzzExchangeData(scanner, tconn)
			if err != nil {
				break
			}
		}
	}
	if (err != nil && err != io.EOF) || scanner.Err() != nil {
		return 1
	}
	return 0
}

func fuzzExchangeData(scanner *bufio.Scanner, tconn *textproto.Conn) error {
	for scanner.Scan() {
		line := scanner.Text()
		if err := tconn.PrintfLine(line); err != nil {
			return err
		}
		if line == "." {
			break
		}
	}
	_, _, err := tconn.ReadResponse(-1)
	return err
}

func fuzzWaitForServer(addr string) {
	start := time.Now()
	for time.Since(start) < 10*time.Second {
		conn, err := net.Dial("tcp", addr)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	panic(fmt.Errorf("%v not reachable", addr))
}

func init() {
	tmpDir, err := ioutil.TempDir("", "smtpserver_fuzz:")
	if err != nil {
		panic(err)
	}
	defer os.RemoveAll(tmpDir)

	conf, err := testlib.GenerateCert(tmpDir)
	if err != nil {
		panic(err)
	}
	fuzzTLSConfig = conf
	fuzzTLSConfig.InsecureSkipVerify = true

	fuzzSMTPAddr = testlib.GetFreePort()
	fuzzSubmissionAddr = testlib.GetFreePort()
	fuzzSubmissionTLS = testlib.GetFreePort()

	s := NewServer()
	s.Hostname = "localhost"
	s.MaxDataSize = 10 * 1024 * 1024
	if err := s.AddCert(tmpDir+"/cert.pem", tmpDir+"/key.pem"); err != nil {
		panic(err)
	}
	s.AddAddr(fuzzSMTPAddr, ModeSMTP)
	s.AddAddr(fuzzSubmissionAddr, ModeSubmission)
	s.AddAddr(fuzzSubmissionTLS, ModeSubmissionTLS)

	s.Auth = auth.NewAuthenticator(func(req auth.Request) (*auth.Result, bool, error) {
		return &auth.Result{User: req.Username}, req.Username == "testuser" && req.Password == "testpasswd", nil
	})
	s.Auth.MinDuration = 0

	s.DataSink = func(sess *Session, data io.Reader) error {
		_, err := io.Copy(io.Discard, data)
		return err
	}

	go s.ListenAndServe()

	fuzzWaitForServer(fuzzSMTPAddr)
	fuzzWaitForServer(fuzzSubmissionAddr)
	fuzzWaitForServer(fuzzSubmissionTLS)
}
