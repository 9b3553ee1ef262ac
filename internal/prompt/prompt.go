// Package prompt renders the mock prompt text produced by a metered action.
package prompt

import (
	"errors"
	"strings"
	"text/template"
)

var ErrEmptyTopic = errors.New("prompt: topic is required")

type Request struct {
	Topic    string
	Audience string
	Tone     string
	Format   string
}

var promptTemplate = template.Must(template.New("prompt").Parse(
	`You are an expert writer. Write {{.Format}} about "{{.Topic}}" for {{.Audience}}.
Use a {{.Tone}} tone, open with a hook, cover the three most important points and end with a clear call to action.`))

func (r Request) withDefaults() Request {
	r.Topic = strings.TrimSpace(r.Topic)
	if r.Audience == "" {
		r.Audience = "a general audience"
	}
	if r.Tone == "" {
		r.Tone = "friendly"
	}
	if r.Format == "" {
		r.Format = "a short article"
	}
	return r
}

// Render fills the template. It never touches usage accounting.
func Render(req Request) (string, error) {
	req = req.withDefaults()
	if req.Topic == "" {
		return "", ErrEmptyTopic
	}
	var b strings.Builder
	if err := promptTemplate.Execute(&b, req); err != nil {
		return "", err
	}
	return b.String(), nil
}

// Producer adapts Render to the metered-action callback shape.
func Producer(req Request) func() (string, error) {
	return func() (string, error) { return Render(req) }
}
