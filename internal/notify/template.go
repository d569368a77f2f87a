package notify

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
)

// Spec declares a message template. Subject and Body are text/template
// sources addressing slots as {{.name}}.
type Spec struct {
	Name    string
	Subject string
	Body    string
}

// Slots are the named values a template renders.
type Slots map[string]any

// Set returns s with k bound, for chained construction.
func (s Slots) Set(k string, v any) Slots {
	if s == nil {
		s = Slots{}
	}
	s[k] = v
	return s
}

// Content is rendered, transport-independent message text.
type Content struct {
	Subject string
	Body    string
}

type Template struct {
	name    string
	subject *template.Template
	body    *template.Template
}

func MakeTemplate(s Spec) (*Template, error) {
	if strings.TrimSpace(s.Name) == "" {
		return nil, fmt.Errorf("missing template name")
	}
	subj, err := template.New(s.Name + ".subject").Option("missingkey=error").Parse(s.Subject)
	if err != nil {
		return nil, fmt.Errorf("%s subject template parse: %w", s.Name, err)
	}
	body, err := template.New(s.Name + ".body").Option("missingkey=error").Parse(s.Body)
	if err != nil {
		return nil, fmt.Errorf("%s body template parse: %w", s.Name, err)
	}
	return &Template{name: s.Name, subject: subj, body: body}, nil
}

// MustTemplate is MakeTemplate for package-level template tables.
func MustTemplate(s Spec) *Template {
	t, err := MakeTemplate(s)
	if err != nil {
		panic(err)
	}
	return t
}

func (t *Template) Name() string { return t.name }

func (t *Template) Render(s Slots) (Content, error) {
	subj, err := execute(t.subject, s)
	if err != nil {
		return Content{}, fmt.Errorf("%s subject: %w", t.name, err)
	}
	body, err := execute(t.body, s)
	if err != nil {
		return Content{}, fmt.Errorf("%s body: %w", t.name, err)
	}
	return Content{Subject: subj, Body: body}, nil
}

func execute(t *template.Template, s Slots) (string, error) {
	var b bytes.Buffer
	if err := t.Execute(&b, map[string]any(s)); err != nil {
		return "", err
	}
	return strings.TrimSpace(b.String()), nil
}
