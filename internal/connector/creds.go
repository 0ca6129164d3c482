package connector

import (
	"regexp"

	"github.com/haasonsaas/crossquery/pkg/models"
)

// credPlaceholder matches {{key}} references in connector definitions.
// Plain ${VAR} syntax is reserved for process-environment expansion at file
// load time; credential material resolves later, per principal.
var credPlaceholder = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_]+)\s*\}\}`)

// WithCredentials returns a copy of the definition with every {{key}}
// placeholder in args, env, and headers replaced by the matching credential.
// A placeholder with no matching credential fails with MISSING_CREDENTIALS
// so a half-configured session never starts.
func (d *Definition) WithCredentials(creds map[string]string) (*Definition, error) {
	out := *d

	expand := func(s string) (string, error) {
		var missing string
		expanded := credPlaceholder.ReplaceAllStringFunc(s, func(match string) string {
			key := credPlaceholder.FindStringSubmatch(match)[1]
			v, ok := creds[key]
			if !ok {
				missing = key
				return match
			}
			return v
		})
		if missing != "" {
			return "", models.NewError(models.CodeMissingCreds, "credential referenced by connector definition is missing").
				WithDetail("provider", string(d.ID)).
				WithDetail("credential_key", missing)
		}
		return expanded, nil
	}

	if len(d.Args) > 0 {
		out.Args = make([]string, len(d.Args))
		for i, a := range d.Args {
			v, err := expand(a)
			if err != nil {
				return nil, err
			}
			out.Args[i] = v
		}
	}
	if len(d.Env) > 0 {
		out.Env = make(map[string]string, len(d.Env))
		for k, val := range d.Env {
			v, err := expand(val)
			if err != nil {
				return nil, err
			}
			out.Env[k] = v
		}
	}
	if len(d.Headers) > 0 {
		out.Headers = make(map[string]string, len(d.Headers))
		for k, val := range d.Headers {
			v, err := expand(val)
			if err != nil {
				return nil, err
			}
			out.Headers[k] = v
		}
	}
	return &out, nil
}
