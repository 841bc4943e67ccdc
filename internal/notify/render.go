package notify

import (
	"bytes"
	"fmt"
	"html/template"
	"strconv"
	"time"

	"safety-timer/internal/models"
)

const AlertSubject = "Safety Timer Alert - Check-in Missed"

var alertTemplate = template.Must(template.New("alert").Parse(`<h2>Safety Timer Alert</h2>
<p>Hello {{.Name}},</p>
<p>A safety timer has expired without confirmation.</p>
<ul>
  <li><strong>Timer Duration:</strong> {{.Duration}} minutes</li>
  <li><strong>Expected Check-in:</strong> {{.ExpiresAt}}</li>
  <li><strong>Started:</strong> {{.CreatedAt}}</li>
{{- if .Location}}
  <li><strong>Last Known Location:</strong> {{.Location}}</li>
{{- end}}
</ul>
<p>Please verify their safety and well-being.</p>
<p><em>This is an automated message from Safety Timer</em></p>
`))

type alertView struct {
	Name      string
	Duration  string
	ExpiresAt string
	CreatedAt string
	Location  string
}

// RenderAlert builds the escalation email for one contact.
func RenderAlert(t models.Timer, c models.Contact) (subject, body string, err error) {
	name := c.Name
	if name == "" {
		name = "Contact"
	}
	view := alertView{
		Name:      name,
		Duration:  strconv.FormatFloat(t.DurationMinutes(), 'f', -1, 64),
		ExpiresAt: t.ExpiresAt.UTC().Format(time.RFC1123),
		CreatedAt: t.CreatedAt.UTC().Format(time.RFC1123),
	}
	if t.Location != nil {
		view.Location = fmt.Sprintf("%.6f, %.6f", t.Location.Latitude, t.Location.Longitude)
	}
	var buf bytes.Buffer
	if err := alertTemplate.Execute(&buf, view); err != nil {
		return "", "", fmt.Errorf("render alert: %w", err)
	}
	return AlertSubject, buf.String(), nil
}
