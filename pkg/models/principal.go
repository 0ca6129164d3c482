package models

// AnonymousPrincipal is used when authentication is disabled.
const AnonymousPrincipal = "anonymous"

// Principal is the identity a request runs on behalf of.
type Principal struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
}

// Anonymous returns the principal used when auth is disabled.
func Anonymous() *Principal {
	return &Principal{ID: AnonymousPrincipal}
}

// RedactPrincipal trims a principal id to its first 8 characters for logs and
// traces. Full ids never appear in telemetry.
func RedactPrincipal(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
