package fedauth

// A Provider describes the endpoints and accepted issuers of an OpenID
// Connect identity provider.
type Provider struct {
	AuthURL      string   `yaml:"auth-url"`       // authorization endpoint
	TokenURL     string   `yaml:"token-url"`      // token endpoint
	TokenInfoURL string   `yaml:"token-info-url"` // identity token introspection endpoint
	Issuers      []string `yaml:"issuers"`        // accepted "iss" claim values
	Scopes       []string `yaml:"scopes"`         // requested scopes
}

// Google is the default identity provider.
var Google = Provider{
	AuthURL:      "https://accounts.google.com/o/oauth2/v2/auth",
	TokenURL:     "https://oauth2.googleapis.com/token",
	TokenInfoURL: "https://oauth2.googleapis.com/tokeninfo",
	Issuers:      []string{"accounts.google.com", "https://accounts.google.com"},
	Scopes:       []string{"openid", "email", "profile"},
}

// IsZero reports whether p has no endpoints set.
func (p Provider) IsZero() bool {
	return p.AuthURL == "" && p.TokenURL == "" && p.TokenInfoURL == ""
}
