package session

import (
	"context"
	"net/http"
	"strings"

	"github.com/pkg/errors"
)

var (
	ErrStoreNotFound          = errors.New("store is not available to the current user")
	ErrUnsupportedLoginMethod = errors.New("unsupported login method")
)

const invalidCredentialsMessage = "invalid credentials"

// authMessageMarkers are fragments of token signature/expiry failures as
// reported by the API and by jwt parsers.
var authMessageMarkers = []string{
	"token is expired",
	"token has expired",
	"token expired",
	"jwt expired",
	"invalid signature",
	"signature is invalid",
	"invalid or expired token",
	"invalid token subject",
}

// IsAuthError reports whether err means the credential itself was rejected:
// an HTTP 401, an explicit auth-error marker, or a token signature/expiry
// message. Network failures, 404s and permission errors are not auth errors.
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}

	var coded interface{ StatusCode() int }
	if errors.As(err, &coded) && coded.StatusCode() == http.StatusUnauthorized {
		return true
	}
	var marked interface{ AuthFailure() bool }
	if errors.As(err, &marked) && marked.AuthFailure() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range authMessageMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// UserMessage turns a login failure into text safe to show. Rejected
// credentials never expose the server's wording.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	if IsAuthError(err) {
		return invalidCredentialsMessage
	}
	return errors.Cause(err).Error()
}

// CheckRegistration asks checker whether registration must run. Any failure,
// and a missing checker, count as required.
func CheckRegistration(ctx context.Context, checker RegistrationChecker) (bool, error) {
	if checker == nil {
		return true, nil
	}
	required, err := checker.NeedsRegistration(ctx)
	if err != nil {
		return true, err
	}
	return required, nil
}
