package services

import "strings"

// MaskContact hides the middle of an e-mail local part:
// "alice@example.com" -> "a***e@example.com", "ab@x.io" -> "a*@x.io".
// Values without "@" are masked like names.
func MaskContact(contact string) string {
	local, domain, ok := strings.Cut(contact, "@")
	if !ok {
		return MaskName(contact)
	}
	r := []rune(local)
	switch {
	case len(r) == 0:
		return "*@" + domain
	case len(r) <= 2:
		return string(r[0]) + "*@" + domain
	}
	return string(r[0]) + strings.Repeat("*", len(r)-2) + string(r[len(r)-1]) + "@" + domain
}

// MaskName applies the contact rule to a bare name.
func MaskName(name string) string {
	r := []rune(strings.TrimSpace(name))
	switch {
	case len(r) == 0:
		return "Anonymous"
	case len(r) <= 2:
		return string(r[0]) + "*"
	}
	return string(r[0]) + strings.Repeat("*", len(r)-2) + string(r[len(r)-1])
}

// displayName falls back to the contact's local part.
func displayName(name, contact string) string {
	if strings.TrimSpace(name) != "" {
		return name
	}
	local, _, _ := strings.Cut(contact, "@")
	return local
}
