package auth

// UserClaims represents the JWT claims for a user
type UserClaims struct {
	UserID  string `json:"user_id"`
	Email   string `json:"email,omitempty"`
	IsAdmin bool   `json:"is_admin"`
}

// Error types for authentication
type AuthError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e AuthError) Error() string {
	return e.Message
}

// Common authentication errors
var (
	ErrInvalidToken = AuthError{Code: "UNAUTHENTICATED", Message: "invalid or expired token"}
	ErrTokenExpired = AuthError{Code: "UNAUTHENTICATED", Message: "token has expired"}
	ErrUnauthorized = AuthError{Code: "UNAUTHENTICATED", Message: "Authentication required"}
	ErrForbidden    = AuthError{Code: "FORBIDDEN", Message: "Admin access required"}
)
