package user

// Public is the user representation returned by the API.
type Public struct {
	ID          int64  `json:"id"`
	Email       string `json:"email"`
	FullName    string `json:"full_name,omitempty"`
	IsActive    bool   `json:"is_active"`
	IsSuperuser bool   `json:"is_superuser"`
}

// DisplayName prefers the full name and falls back to the email.
func (u Public) DisplayName() string {
	if u.FullName != "" {
		return u.FullName
	}
	return u.Email
}

// Token is the login response.
type Token struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

// Register is the signup payload.
type Register struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name,omitempty"`
}
