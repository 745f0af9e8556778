package tracker

import (
	"errors"
	"fmt"
	"regexp"
)

// APIError is a failed tracker call with enough context to classify it.
type APIError struct {
	StatusCode int
	Code       string // GraphQL extension code, e.g. "RATELIMITED"
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("tracker API error %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("tracker API error %d: %s", e.StatusCode, e.Message)
}

// authOrRatePattern matches the message family the tracker uses for auth and
// rate-limit failures.
var authOrRatePattern = regexp.MustCompile(`(?i)(access denied|unauthorized|forbidden|RATELIMITED)`)

// IsAuthOrRateError reports whether the error is an auth-or-rate failure:
// these trip the circuit breaker, other failures do not.
func IsAuthOrRateError(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 400, 401, 403:
			return true
		}
		if apiErr.Code == "RATELIMITED" {
			return true
		}
		return authOrRatePattern.MatchString(apiErr.Message)
	}
	return authOrRatePattern.MatchString(err.Error())
}
