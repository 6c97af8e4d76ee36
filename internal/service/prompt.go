package service

import (
	"bytes"
	"strings"
	"text/template"
)

var reviewPromptTmpl = template.Must(template.New("reviewPrompt").Funcs(template.FuncMap{
	"join":  strings.Join,
	"fence": func() string { return "```" },
}).Parse(`You are an expert {{.Language}} code reviewer. Apply a {{.Strictness}} level of strictness when deciding what to flag.
{{if .FocusAreas}}Focus especially on: {{join .FocusAreas ", "}}.{{else}}Focus on overall code quality.{{end}}
Follow the {{.StyleGuide}} style guide.
{{- if .Patterns}}
This developer's code has repeatedly shown these issues before; check for them again: {{join .Patterns "; "}}.
{{- end}}

Code to review:
{{fence}}{{.Language}}
{{.Code}}
{{fence}}

Structure your response in these sections:
1. Issues Found (prefix each one with "Issue:")
2. Suggestions
3. Good Practices
4. Security Concerns
`))

// BuildPrompt renders the review prompt. The output depends only on the
// arguments.
func BuildPrompt(code, language string, prefs Preferences, patterns []string) string {
	data := struct {
		Code       string
		Language   string
		Strictness string
		StyleGuide string
		FocusAreas []string
		Patterns   []string
	}{
		Code:       code,
		Language:   language,
		Strictness: prefs.Strictness,
		StyleGuide: prefs.StyleGuide,
		FocusAreas: prefs.FocusAreas,
		Patterns:   patterns,
	}

	var buf bytes.Buffer
	// The template only ranges over strings; Execute cannot fail on this data.
	_ = reviewPromptTmpl.Execute(&buf, data)
	return buf.String()
}
