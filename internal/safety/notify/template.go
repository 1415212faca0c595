package notify

import (
	"bytes"
	"errors"
	"text/template"
	"time"
)

const DefaultTemplate = `[Vivarium {{.EventLabel}}]
{{- if .RuleID }}
Rule: {{.RuleID}}
{{- end }}
{{- if .Component }}
Component: {{.Component}}
{{- end }}
Severity: {{.Severity}}
{{- if .Class }}
Class: {{.Class}}
{{- end }}
{{- if .RuleID }}
Value: {{printf "%.2f" .MetricValue}}
{{- end }}
{{- if .Detail }}
{{.Detail}}
{{- end }}
Time: {{.At.Format "2006-01-02T15:04:05Z07:00"}}`

// TemplateData provides fields for rendering notification content. Alert
// and emergency events fill RuleID/MetricValue; recovery escalations fill
// Component/Detail.
type TemplateData struct {
	Event       string
	EventLabel  string
	RuleID      string
	Severity    string
	Class       string
	Component   string
	Detail      string
	MetricValue float64
	At          time.Time
}

// Template renders notification content.
type Template struct {
	tpl *template.Template
}

// NewTemplate parses a notification template, falling back to DefaultTemplate.
func NewTemplate(tpl string) (*Template, error) {
	if tpl == "" {
		tpl = DefaultTemplate
	}
	parsed, err := template.New("safety-notification").Parse(tpl)
	if err != nil {
		return nil, err
	}
	return &Template{tpl: parsed}, nil
}

// Render applies the template to data.
func (t *Template) Render(data TemplateData) (string, error) {
	if t == nil || t.tpl == nil {
		return "", errors.New("safety template: nil")
	}
	var buf bytes.Buffer
	if err := t.tpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
