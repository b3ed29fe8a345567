// Package normalize contains functions to normalize usernames, domains and
// addresses, for consistent comparisons across AUTH and envelope commands.
package normalize

import (
	"golang.org/x/net/idna"
	"golang.org/x/text/secure/precis"

	"github.com/go-smtpcore/smtpcore/internal/envelope"
)

// User normalizes a username using PRECIS.
// On error, it will also return the original username to simplify callers.
func User(user string) (string, error) {
	norm, err := precis.UsernameCaseMapped.String(user)
	if err != nil {
		return user, err
	}

	return norm, nil
}

// Domain normalizes a domain name to its Unicode form (the form used
// internally throughout the engine), converting from IDNA/punycode if
// necessary. On error, it returns the original domain.
func Domain(domain string) (string, error) {
	return DomainToUnicode(domain)
}

// DomainToUnicode converts a domain to Unicode (from IDNA/punycode, if
// applicable). On error, it also returns the original domain, to simplify
// callers.
func DomainToUnicode(domain string) (string, error) {
	norm, err := idna.ToUnicode(domain)
	if err != nil {
		return domain, err
	}
	return norm, nil
}

// Addr normalizes an email address, by normalizing its user and domain
// parts independently. On error, it also returns the original address.
func Addr(addr string) (string, error) {
	user, domain := envelope.Split(addr)

	user, err := User(user)
	if err != nil {
		return addr, err
	}

	domain, err = DomainToUnicode(domain)
	if err != nil {
		return addr, err
	}

	return user + "@" + domain, nil
}
