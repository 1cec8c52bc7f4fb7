// Package naming validates category and package name tokens used throughout
// the atom grammar and repository layout.
package naming

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"alchemist.dev/alloy/internal/version"
)

var categoryPattern = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9+_.-]*$`)

// CheckCategory reports whether s is a syntactically valid category name.
func CheckCategory(s string) error {
	if !categoryPattern.MatchString(s) {
		return fmt.Errorf("invalid category name %q", s)
	}
	return nil
}

var packagePattern = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9+_-]*$`)

// CheckPackageName reports whether s is a syntactically valid short package
// name. Names that look like they end in a version component are rejected
// since they would make atom parsing ambiguous.
func CheckPackageName(s string) error {
	if _, _, err := version.ExtractSuffix(s); err == nil {
		return errors.New("invalid package name: ends in a version-like suffix")
	}
	if !packagePattern.MatchString(s) {
		return fmt.Errorf("invalid package name %q", s)
	}
	return nil
}

// CheckQualifiedName validates a "category/name" pair.
func CheckQualifiedName(s string) error {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 {
		return fmt.Errorf("invalid package name %q: missing category", s)
	}
	if err := CheckCategory(parts[0]); err != nil {
		return err
	}
	return CheckPackageName(parts[1])
}
