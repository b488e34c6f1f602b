// Package prompt renders versioned generation prompts. Built-in template
// versions ship with the binary; a template directory can add or override
// versions at startup.
package prompt

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/template"

	"go.uber.org/zap"

	"github.com/BaSui01/dataforge/config"
	"github.com/BaSui01/dataforge/types"
)

// Data is the input to a prompt template.
type Data struct {
	Topic string
	Index int // 1-based position of this sample within the job
	Count int // total samples requested by the job
}

// builtins are the template versions compiled into the binary. A template
// directory may override them by file name.
var builtins = map[string]string{
	"v1": `Write a short, self-contained passage about the following topic.

Topic: {{.Topic}}

Requirements:
- Write in clear, natural prose.
- Stay on topic and be factually plausible.
- Do not mention that you are generating text.

This is sample {{.Index}} of {{.Count}}; make it distinct from other samples on the same topic.`,
	"v2": `You are a dataset author producing diverse training text.

Produce one original passage on the topic "{{.Topic}}".

Guidelines:
- Vary sentence structure and vocabulary.
- Avoid lists; write flowing paragraphs.
- Sample {{.Index}}/{{.Count}}: choose an angle not covered by a typical first answer.`,
}

// Renderer holds parsed templates keyed by version. Immutable after
// construction, so it is safe for concurrent use.
type Renderer struct {
	templates      map[string]*template.Template
	defaultVersion string
	logger         *zap.Logger
}

// NewRenderer parses the built-in versions, then merges *.tmpl files from
// the configured directory (file base name becomes the version).
func NewRenderer(cfg config.PromptConfig, logger *zap.Logger) (*Renderer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Renderer{
		templates:      make(map[string]*template.Template, len(builtins)),
		defaultVersion: cfg.DefaultVersion,
		logger:         logger.With(zap.String("component", "prompt")),
	}

	for version, text := range builtins {
		tmpl, err := template.New(version).Parse(text)
		if err != nil {
			return nil, fmt.Errorf("parse builtin template %q: %w", version, err)
		}
		r.templates[version] = tmpl
	}

	if cfg.TemplateDir != "" {
		if err := r.loadDir(cfg.TemplateDir); err != nil {
			return nil, err
		}
	}

	if _, ok := r.templates[r.defaultVersion]; !ok {
		return nil, types.NewErrorf(types.ErrConfiguration,
			"default prompt version %q is not defined", r.defaultVersion)
	}

	return r, nil
}

func (r *Renderer) loadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read template dir %q: %w", dir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".tmpl") {
			continue
		}
		version := strings.TrimSuffix(entry.Name(), ".tmpl")
		path := filepath.Join(dir, entry.Name())

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read template %q: %w", path, err)
		}
		tmpl, err := template.New(version).Parse(string(data))
		if err != nil {
			return fmt.Errorf("parse template %q: %w", path, err)
		}

		if _, exists := r.templates[version]; exists {
			r.logger.Info("overriding builtin prompt template",
				zap.String("version", version),
				zap.String("path", path),
			)
		}
		r.templates[version] = tmpl
	}

	return nil
}

// Render produces the prompt for the given version. An empty version uses
// the configured default; an unknown version is a validation error.
func (r *Renderer) Render(version string, d Data) (string, error) {
	if version == "" {
		version = r.defaultVersion
	}

	tmpl, ok := r.templates[version]
	if !ok {
		return "", types.NewErrorf(types.ErrValidation,
			"unknown prompt template version %q (available: %s)",
			version, strings.Join(r.Versions(), ", "))
	}

	var sb strings.Builder
	if err := tmpl.Execute(&sb, d); err != nil {
		return "", types.NewErrorf(types.ErrInternal,
			"render prompt version %q", version).WithCause(err)
	}
	return sb.String(), nil
}

// Has reports whether a template version exists. An empty version refers
// to the default and always exists.
func (r *Renderer) Has(version string) bool {
	if version == "" {
		return true
	}
	_, ok := r.templates[version]
	return ok
}

// Versions lists the known template versions, sorted.
func (r *Renderer) Versions() []string {
	versions := make([]string, 0, len(r.templates))
	for v := range r.templates {
		versions = append(versions, v)
	}
	sort.Strings(versions)
	return versions
}

// DefaultVersion returns the version used when a request names none.
func (r *Renderer) DefaultVersion() string {
	return r.defaultVersion
}
