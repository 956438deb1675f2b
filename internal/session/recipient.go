// ABOUTME: Recipient identifier normalization for outbound commands
// ABOUTME: Bare phone numbers become contact ids; contact and group ids are validated

package session

import (
	"regexp"
	"strings"
)

const contactSuffix = "@c.us"

var (
	digitsPattern  = regexp.MustCompile(`^\d+$`)
	contactPattern = regexp.MustCompile(`^\d{6,20}@(c\.us|g\.us)$`)
	groupPattern   = regexp.MustCompile(`^[\d-]+@g\.us$`)
)

// NormalizeRecipient turns user input into a chat id. "+52 1 555 000 1234"
// becomes "5215550001234@c.us"; already-qualified ids are validated as is.
func NormalizeRecipient(raw string) (string, error) {
	id := strings.TrimSpace(raw)
	if !strings.Contains(id, "@") {
		id = strings.NewReplacer("+", "", " ", "", "-", "", "(", "", ")", "").Replace(id)
		if digitsPattern.MatchString(id) {
			id += contactSuffix
		}
	}

	if contactPattern.MatchString(id) || groupPattern.MatchString(id) {
		return id, nil
	}
	return "", ErrInvalidRecipient
}

// IsGroupID reports whether id names a group conversation.
func IsGroupID(id string) bool {
	return strings.HasSuffix(id, "@g.us")
}
