package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrInvalidCredentials indicates login failure.
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// UserSafeMessage converts internal errors into a message safe to show users.
func UserSafeMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "Requested record was not found"
	case errors.Is(err, ErrInvalidCredentials):
		return "Email or password is not valid"
	default:
		return "Something went wrong, please try again"
	}
}
