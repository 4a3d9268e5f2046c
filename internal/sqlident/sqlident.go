// Package sqlident validates the table and channel names interpolated into SQL.
package sqlident

import (
	"fmt"
	"regexp"
)

var identifierRegexp = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Validate returns an error unless name is a plain unquoted SQL identifier.
// what names the identifier in the error message.
func Validate(what, name string) error {
	if name == "" {
		return fmt.Errorf("%s cannot be empty", what)
	}
	if !identifierRegexp.MatchString(name) {
		return fmt.Errorf(
			"invalid %s %q: must match [a-zA-Z_][a-zA-Z0-9_]*",
			what, name,
		)
	}
	return nil
}
