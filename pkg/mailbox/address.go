package mailbox

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

const MaxNameLength = 128

var (
	ErrNameInvalid    = errors.New("mailbox: names must only contain alphanum, dashes, dots, underscores and be less than 128 chars")
	ErrAddressInvalid = errors.New("mailbox: address must be of the form host/id")
)

var invalidName = regexp.MustCompile(`[^A-Za-z0-9\-\._]+`)

// Address globally identifies a mailbox: the host it lives on and its
// identifier within that host.
type Address struct {
	Host string
	ID   string
}

func (a Address) String() string {
	if a.IsZero() {
		return ""
	}
	return a.Host + "/" + a.ID
}

func (a Address) IsZero() bool {
	return a.Host == "" && a.ID == ""
}

func ParseAddress(s string) (Address, error) {
	idx := strings.LastIndexByte(s, '/')
	if idx <= 0 || idx == len(s)-1 {
		return Address{}, fmt.Errorf("%w: %q", ErrAddressInvalid, s)
	}
	return Address{Host: s[:idx], ID: s[idx+1:]}, nil
}

// IsAddress reports whether s looks like an `Address` rather than a
// discoverable name.
func IsAddress(s string) bool {
	return strings.ContainsRune(s, '/')
}

func ValidateName(name string) bool {
	return name != "" && !invalidName.MatchString(name) && len(name) <= MaxNameLength
}
