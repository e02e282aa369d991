package api

import (
	"time"

	"github.com/jmcleod/bizadmin/accounts"
	"github.com/jmcleod/bizadmin/auth"
)

// SignInRequest is the JSON body for POST /auth/sign-in. Email also accepts
// a username.
type SignInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// SignInResponse is returned from POST /auth/sign-in.
type SignInResponse struct {
	Success   bool          `json:"success"`
	User      auth.Identity `json:"user"`
	ExpiresAt time.Time     `json:"expires_at"`
}

// SuccessResponse is returned by endpoints with no other payload.
type SuccessResponse struct {
	Success bool `json:"success"`
}

// UserResponse describes an account without its password hash.
type UserResponse struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	Role      auth.Role `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

func userResponse(u *accounts.User) UserResponse {
	return UserResponse{
		ID:        u.ID,
		Username:  u.Username,
		Email:     u.Email,
		Role:      u.Role,
		CreatedAt: u.CreatedAt,
	}
}

// CreateUserRequest is the JSON body for POST /users.
type CreateUserRequest struct {
	Username string    `json:"username"`
	Email    string    `json:"email"`
	Password string    `json:"password"`
	Role     auth.Role `json:"role"`
}

// ListResponse wraps a page of records.
type ListResponse[T any] struct {
	Items []T `json:"items"`
	PaginationMeta
}

// ErrorResponse is returned for all error cases.
type ErrorResponse struct {
	Error string `json:"error"`
}
