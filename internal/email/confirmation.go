package email

import (
	"strings"
	"text/template"
)

// ConfirmationData is the template context for the confirmation email that is
// sent when a consent record needs its address verified.
type ConfirmationData struct {
	RecipientName string
	SourceName    string
	Definition    string
	ConfirmURL    string
	SiteName      string
}

var confirmationSubject = template.Must(template.New("subject").Parse(
	`Please confirm your email address{{if .SiteName}} for {{.SiteName}}{{end}}`,
))

var confirmationBody = template.Must(template.New("body").Parse(
	`Hello{{if .RecipientName}} {{.RecipientName}}{{end}},

You (or someone else) signed this email address up for:

    {{.SourceName}}
{{if .Definition}}
{{.Definition}}
{{end}}
To confirm that this address belongs to you, follow this link:

    {{.ConfirmURL}}

If you did not request this, you can safely ignore this email and no
further messages will be sent to you.
`,
))

// BuildConfirmation renders the confirmation subject and body.
// The subject is trimmed, templates tend to leave dangling newlines that are
// not accepted as subject lines.
func BuildConfirmation(data ConfirmationData) (subject, body string, err error) {
	var s, b strings.Builder
	if err := confirmationSubject.Execute(&s, data); err != nil {
		return "", "", err
	}
	if err := confirmationBody.Execute(&b, data); err != nil {
		return "", "", err
	}
	return strings.TrimSpace(s.String()), b.String(), nil
}
