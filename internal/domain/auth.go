package domain

// Credentials is the access/refresh bearer pair owned by the token store.
type Credentials struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

func (c Credentials) IsZero() bool {
	return c.AccessToken == "" && c.RefreshToken == ""
}

type Category struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Slug     string `json:"slug,omitempty"`
	Position int    `json:"position"`
}
