package apiutil

import (
	"net/http"
	"unicode/utf8"
)

// RequireNonEmpty checks that s is not empty. On failure it writes a 400
// invalid_request error and returns false.
func RequireNonEmpty(w http.ResponseWriter, s string) bool {
	if s == "" {
		WriteError(w, http.StatusBadRequest, "invalid_request")
		return false
	}
	return true
}

// ValidateStringLength checks that s has between min and max runes
// (inclusive). Pass min=0 to skip the minimum check.
func ValidateStringLength(w http.ResponseWriter, s string, min, max int) bool {
	n := utf8.RuneCountInString(s)
	if min > 0 && n < min {
		WriteError(w, http.StatusBadRequest, "invalid_request")
		return false
	}
	if max > 0 && n > max {
		WriteError(w, http.StatusBadRequest, "invalid_request")
		return false
	}
	return true
}

// ValidateEnum checks that value is one of the allowed values.
func ValidateEnum(w http.ResponseWriter, value string, allowed []string) bool {
	for _, a := range allowed {
		if value == a {
			return true
		}
	}
	WriteError(w, http.StatusBadRequest, "invalid_request")
	return false
}
