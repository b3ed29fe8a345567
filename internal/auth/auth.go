// Package auth implements the SASL sub-protocol support used by the AUTH
// command: decoding PLAIN/LOGIN/XOAUTH2 responses, and routing the
// decoded credentials to a consumer-supplied callback.
//
// Unlike a standalone MTA, this package has no notion of per-domain
// authentication backends: there is exactly one callback, supplied by
// whoever embeds the server, and it alone decides whether credentials are
// valid.
package auth

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"math/rand"
	"strings"
	"time"
)

// Method identifies a SASL mechanism.
type Method string

// Supported mechanisms.
const (
	Plain   Method = "PLAIN"
	Login   Method = "LOGIN"
	XOAuth2 Method = "XOAUTH2"
)

// Request carries one decoded AUTH attempt, passed to the consumer's
// callback.
type Request struct {
	Method Method

	// AuthzID is the optional authorization identity from AUTH PLAIN; it is
	// empty unless the client supplied one.
	AuthzID string

	// Username is set for PLAIN, LOGIN and XOAUTH2.
	Username string

	// Password is set for PLAIN and LOGIN.
	Password string

	// AccessToken is set for XOAUTH2.
	AccessToken string
}

// Result is what the consumer callback returns on success. User is an
// opaque, consumer-defined value that gets attached to the session.
type Result struct {
	User interface{}
}

// OAuthError is the structured failure a consumer callback may return for
// an XOAUTH2 attempt, per the mechanism's error-reporting convention
// (https://developers.google.com/gmail/imap/xoauth2-protocol#error_response).
// When present, the engine sends it back to the client as one additional
// base64-JSON continuation before the final 535.
type OAuthError struct {
	Status  string `json:"status"`
	Schemes string `json:"schemes"`
	Scope   string `json:"scope"`
}

func (e *OAuthError) Error() string {
	return fmt.Sprintf("xoauth2: status=%s schemes=%s scope=%s",
		e.Status, e.Schemes, e.Scope)
}

// Callback is the shape of the consumer-supplied authentication function.
// A nil, non-nil-error-less Result with ok=false indicates a rejection (the
// engine replies 535); a non-nil error is an internal failure (the engine
// replies 421 and ends the session).
type Callback func(req Request) (result *Result, ok bool, err error)

// Authenticator drives the consumer callback, enforcing a minimum
// wall-clock duration per attempt (successful or not) to blunt basic
// timing side-channels on the callback's own implementation.
type Authenticator struct {
	Callback Callback

	// MinDuration is the minimum time an Authenticate call takes, padded
	// with 0-20% jitter. Defaults to 100ms.
	MinDuration time.Duration
}

// NewAuthenticator returns an Authenticator wrapping cb.
func NewAuthenticator(cb Callback) *Authenticator {
	return &Authenticator{
		Callback:    cb,
		MinDuration: 100 * time.Millisecond,
	}
}

// Authenticate runs the callback for req, and pads the call to at least
// MinDuration regardless of outcome.
func (a *Authenticator) Authenticate(req Request) (result *Result, ok bool, err error) {
	defer func(start time.Time) {
		elapsed := time.Since(start)
		delay := a.MinDuration - elapsed
		if delay > 0 {
			maxDelta := int64(float64(delay) * 0.2)
			if maxDelta > 0 {
				delay += time.Duration(rand.Int63n(maxDelta))
			}
			time.Sleep(delay)
		}
	}(time.Now())

	if a.Callback == nil {
		return nil, false, fmt.Errorf("no authentication callback configured")
	}
	return a.Callback(req)
}

// DecodePlain decodes an AUTH PLAIN response, per
// https://tools.ietf.org/html/rfc4954#section-4.1: a base64-encoded
// "authzid\x00authcid\x00password".
func DecodePlain(response string) (req Request, err error) {
	buf, err := base64.StdEncoding.DecodeString(response)
	if err != nil {
		return req, err
	}

	parts := bytes.SplitN(buf, []byte{0}, 3)
	if len(parts) != 3 {
		return req, fmt.Errorf("expected 3 NUL-separated fields, got %d", len(parts))
	}

	req.Method = Plain
	req.AuthzID = string(parts[0])
	req.Username = string(parts[1])
	req.Password = string(parts[2])

	if req.Username == "" {
		return req, fmt.Errorf("empty username")
	}

	return req, nil
}

// DecodeBase64 base64-decodes a single LOGIN continuation line (the
// username or the password, depending on which prompt it answers).
func DecodeBase64(line string) (string, error) {
	buf, err := base64.StdEncoding.DecodeString(line)
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

// DecodeXOAuth2 decodes an AUTH XOAUTH2 response: a base64-encoded
// "user=<u>\x01auth=Bearer <token>\x01\x01".
func DecodeXOAuth2(response string) (req Request, err error) {
	buf, err := base64.StdEncoding.DecodeString(response)
	if err != nil {
		return req, err
	}

	fields := strings.Split(strings.TrimRight(string(buf), "\x01"), "\x01")

	var user, token string
	for _, f := range fields {
		switch {
		case strings.HasPrefix(f, "user="):
			user = strings.TrimPrefix(f, "user=")
		case strings.HasPrefix(f, "auth="):
			auth := strings.TrimPrefix(f, "auth=")
			if !strings.HasPrefix(strings.ToLower(auth), "bearer ") {
				return req, fmt.Errorf("auth field missing Bearer prefix")
			}
			token = auth[len("Bearer "):]
		}
	}

	if user == "" || token == "" {
		return req, fmt.Errorf("missing user or bearer token")
	}

	req.Method = XOAuth2
	req.Username = user
	req.AccessToken = token
	return req, nil
}
