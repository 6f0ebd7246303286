package llm

import (
	"bytes"
	"fmt"
	"text/template"
)

// Prompt is a parsed prompt template.
type Prompt struct {
	name string
	tmpl *template.Template
}

// MustPrompt parses text as a named template and panics on error. It is
// meant for package-level prompt definitions.
func MustPrompt(name, text string) *Prompt {
	return &Prompt{name: name, tmpl: template.Must(template.New(name).Option("missingkey=error").Parse(text))}
}

// Render executes the prompt with data.
func (p *Prompt) Render(data any) (string, error) {
	var buf bytes.Buffer
	if err := p.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render prompt %s: %w", p.name, err)
	}
	return buf.String(), nil
}
