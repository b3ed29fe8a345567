package smtpserver

import (
	"strings"
	"testing"

	"github.com/go-smtpcore/smtpcore/internal/auth"
)

func TestCapabilitiesAdvertisesConfiguredMechanisms(t *testing.T) {
	c, _ := newTestConn("")
	c.tls = true
	c.srv.Auth = auth.NewAuthenticator(func(req auth.Request) (*auth.Result, bool, error) {
		return nil, false, nil
	})

	caps := c.capabilities()
	if !strings.Contains(caps, "AUTH PLAIN LOGIN") {
		t.Errorf("expected both mechanisms advertised by default, got %q", caps)
	}

	c.srv.SetMechanisms("PLAIN")
	caps = c.capabilities()
	if !strings.Contains(caps, "AUTH PLAIN") || strings.Contains(caps, "LOGIN") {
		t.Errorf("expected only PLAIN advertised after SetMechanisms, got %q", caps)
	}
}

func TestAUTHRejectsDisabledMechanism(t *testing.T) {
	c, _ := newTestConn("dXNlcgB1c2VyAHBhc3M=\r\n")
	c.tls = true
	c.srv.Auth = auth.NewAuthenticator(func(req auth.Request) (*auth.Result, bool, error) {
		return &auth.Result{User: req.Username}, true, nil
	})
	c.srv.Auth.MinDuration = 0
	c.srv.SetMechanisms("PLAIN")

	if code, _ := c.AUTH("LOGIN"); code != 504 {
		t.Errorf("AUTH LOGIN with only PLAIN enabled: got %d, want 504", code)
	}
}
