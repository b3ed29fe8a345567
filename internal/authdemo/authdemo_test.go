package authdemo

import (
	"testing"

	"github.com/go-smtpcore/smtpcore/internal/auth"
)

func TestBackend(t *testing.T) {
	b := New()
	if err := b.SetPassword("juan", "hunter2"); err != nil {
		t.Fatalf("SetPassword: %v", err)
	}

	if !b.Exists("juan") {
		t.Errorf("expected juan to exist")
	}
	if b.Exists("nadie") {
		t.Errorf("expected nadie to not exist")
	}

	cb := b.Callback()

	res, ok, err := cb(auth.Request{Method: auth.Plain, Username: "juan", Password: "hunter2"})
	if err != nil || !ok || res == nil || res.User != "juan" {
		t.Errorf("expected successful auth, got res=%v ok=%v err=%v", res, ok, err)
	}

	_, ok, err = cb(auth.Request{Method: auth.Plain, Username: "juan", Password: "wrong"})
	if err != nil || ok {
		t.Errorf("expected auth to fail for wrong password")
	}

	_, ok, err = cb(auth.Request{Method: auth.Plain, Username: "nadie", Password: "x"})
	if err != nil || ok {
		t.Errorf("expected auth to fail for unknown user")
	}

	_, ok, err = cb(auth.Request{Method: auth.XOAuth2, Username: "juan", AccessToken: "tok"})
	if err != nil || ok {
		t.Errorf("expected XOAUTH2 to be rejected by this backend")
	}
}
