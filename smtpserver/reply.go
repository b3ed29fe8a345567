package smtpserver

import (
	"fmt"
	"io"
	"strings"
)

// writeReply writes a (possibly multi-line) SMTP reply to w, in the
// "code-text" / "code text" format described by
// https://tools.ietf.org/html/rfc5321#section-4.2.1.
func writeReply(w io.Writer, code int, msg string) error {
	lines := strings.Split(msg, "\n")

	for i := 0; i < len(lines)-1; i++ {
		if _, err := fmt.Fprintf(w, "%d-%s\r\n", code, lines[i]); err != nil {
			return err
		}
	}

	_, err := fmt.Fprintf(w, "%d %s\r\n", code, lines[len(lines)-1])
	return err
}
