package account

import (
	"fmt"
	"regexp"
)

var idRegexp = regexp.MustCompile(`^[0-9]{1,20}$`)

// ValidateID checks that id is a server-issued numeric account identifier.
func ValidateID(id string) error {
	if !idRegexp.MatchString(id) {
		return fmt.Errorf("invalid account id %q: must match ^[0-9]{1,20}$", id)
	}
	return nil
}
