package smtpserver

import (
	"bytes"
	"fmt"
	"strings"
)

// capabilities builds the EHLO response body: the greeting line followed
// by one capability per line, in the order clients commonly expect to see
// them (size and transfer capabilities first, then security
// capabilities, then HELP).
func (c *Conn) capabilities() string {
	buf := bytes.NewBuffer(nil)
	fmt.Fprintf(buf, "%s - pleased to meet you\n", c.srv.Hostname)
	fmt.Fprintf(buf, "8BITMIME\n")
	fmt.Fprintf(buf, "PIPELINING\n")
	fmt.Fprintf(buf, "SMTPUTF8\n")
	fmt.Fprintf(buf, "ENHANCEDSTATUSCODES\n")
	fmt.Fprintf(buf, "SIZE %d\n", c.srv.MaxDataSize)

	if c.tls || c.srv.AllowInsecureAuth {
		if c.srv.Auth != nil {
			mechs := []string{}
			for _, m := range []string{"PLAIN", "LOGIN"} {
				if c.srv.mechanisms.Has(m) {
					mechs = append(mechs, m)
				}
			}
			if c.srv.AllowXOAuth2 {
				mechs = append(mechs, "XOAUTH2")
			}
			if len(mechs) > 0 {
				fmt.Fprintf(buf, "AUTH %s\n", strings.Join(mechs, " "))
			}
		}
	}
	if !c.tls && c.srv.tlsConfig != nil && !c.srv.HideSTARTTLS {
		fmt.Fprintf(buf, "STARTTLS\n")
	}

	fmt.Fprintf(buf, "HELP\n")
	return buf.String()
}
