package smtpserver

import "testing"

func TestParseMailFrom(t *testing.T) {
	cases := []struct {
		raw      string
		wantAddr string
		wantErr  bool
	}{
		{"FROM:<juan@example.com>", "juan@example.com", false},
		{"from:<juan@example.com>", "juan@example.com", false},
		{"FROM:<>", "<>", false},
		{"FROM: <>", "<>", false},
		{"FROM :<juan@example.com>", "juan@example.com", false},
		{"FROM:<juan@example.com> SIZE=1024 BODY=8BITMIME", "juan@example.com", false},
		{"TO:<juan@example.com>", "", true},
		{"FROM:juan", "", true},
		{"FROM:<noatsign>", "", true},
	}

	for _, c := range cases {
		addr, _, err := ParseMailFrom(c.raw)
		if (err != nil) != c.wantErr {
			t.Errorf("ParseMailFrom(%q): err=%v, wantErr=%v", c.raw, err, c.wantErr)
			continue
		}
		if err == nil && addr != c.wantAddr {
			t.Errorf("ParseMailFrom(%q) = %q, want %q", c.raw, addr, c.wantAddr)
		}
	}
}

func TestParseMailFromParams(t *testing.T) {
	_, params, err := ParseMailFrom("FROM:<a@b.com> SIZE=1024 BODY=8BITMIME")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !params.Set() {
		t.Fatalf("expected params to be set")
	}
	if v, ok := params.Get("size"); !ok || v != "1024" {
		t.Errorf("got SIZE=%q, %v", v, ok)
	}
	if v, ok := params.Get("BODY"); !ok || v != "8BITMIME" {
		t.Errorf("got BODY=%q, %v", v, ok)
	}

	_, noParams, err := ParseMailFrom("FROM:<a@b.com>")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if noParams.Set() {
		t.Errorf("expected params unset when none given")
	}
}

func TestParseRcptTo(t *testing.T) {
	cases := []struct {
		raw      string
		wantAddr string
		wantErr  bool
	}{
		{"TO:<juan@example.com>", "juan@example.com", false},
		{"TO:<juan@example.com> NOTIFY=SUCCESS,DELAY", "juan@example.com", false},
		{"FROM:<juan@example.com>", "", true},
		{"TO:notanaddress", "", true},
	}

	for _, c := range cases {
		addr, _, err := ParseRcptTo(c.raw)
		if (err != nil) != c.wantErr {
			t.Errorf("ParseRcptTo(%q): err=%v, wantErr=%v", c.raw, err, c.wantErr)
			continue
		}
		if err == nil && addr != c.wantAddr {
			t.Errorf("ParseRcptTo(%q) = %q, want %q", c.raw, addr, c.wantAddr)
		}
	}
}
