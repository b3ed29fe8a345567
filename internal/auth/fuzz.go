// Fuzz testing for package auth.

//go:build gofuzz
// +build gofuzz

package auth

func Fuzz(data []byte) int {
	interesting := 0

	if _, err := DecodePlain(string(data)); err == nil {
		interesting = 1
	}
	if _, err := DecodeXOAuth2(string(data)); err == nil {
		interesting = 1
	}
	if _, err := DecodeBase64(string(data)); err == nil {
		interesting = 1
	}

	return interesting
}
