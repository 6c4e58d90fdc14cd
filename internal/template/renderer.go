package template

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"sync"
	tmpl "text/template"

	"gopkg.in/yaml.v3"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
)

// Definition describes a message template. Subject and Body use text/template
// syntax with the variable map as dot, e.g. "Hello {{.customerName}}".
type Definition struct {
	Key     string         `yaml:"key"`
	Channel domain.Channel `yaml:"channel"`
	Subject string         `yaml:"subject"`
	Body    string         `yaml:"body"`
}

type compiled struct {
	channel domain.Channel
	subject *tmpl.Template
	body    *tmpl.Template
}

// Renderer turns a template key and a variable map into immutable content.
// It is safe for concurrent use.
type Renderer struct {
	mu        sync.RWMutex
	templates map[string]compiled
}

// NewRenderer compiles the given definitions. Later definitions override
// earlier ones with the same key.
func NewRenderer(defs ...Definition) (*Renderer, error) {
	r := &Renderer{templates: make(map[string]compiled, len(defs))}
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register compiles and adds a definition, replacing any previous one with the
// same key. Content already rendered from the old definition is unaffected.
func (r *Renderer) Register(def Definition) error {
	key := strings.TrimSpace(def.Key)
	if key == "" {
		return fmt.Errorf("%w: template key is required", domain.ErrValidation)
	}
	if !def.Channel.IsValid() {
		return fmt.Errorf("%w: template %q has invalid channel %q", domain.ErrValidation, key, def.Channel)
	}
	if strings.TrimSpace(def.Body) == "" {
		return fmt.Errorf("%w: template %q has empty body", domain.ErrValidation, key)
	}

	subject, err := parse(key+".subject", def.Subject)
	if err != nil {
		return err
	}
	body, err := parse(key+".body", def.Body)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.templates[key] = compiled{channel: def.Channel, subject: subject, body: body}
	r.mu.Unlock()
	return nil
}

func parse(name, text string) (*tmpl.Template, error) {
	t, err := tmpl.New(name).Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("%w: parse template %s: %v", domain.ErrValidation, name, err)
	}
	return t, nil
}

// Channel returns the channel a template key is written for.
func (r *Renderer) Channel(key string) (domain.Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.templates[key]
	return c.channel, ok
}

// Keys returns the registered template keys.
func (r *Renderer) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.templates))
	for k := range r.templates {
		keys = append(keys, k)
	}
	return keys
}

// Render produces the subject and body for key. It fails with
// domain.ErrUnknownTemplateKey or domain.ErrMissingVariable.
func (r *Renderer) Render(key string, variables map[string]string) (domain.Content, error) {
	r.mu.RLock()
	c, ok := r.templates[key]
	r.mu.RUnlock()
	if !ok {
		return domain.Content{}, fmt.Errorf("%w: %q", domain.ErrUnknownTemplateKey, key)
	}

	if variables == nil {
		variables = map[string]string{}
	}

	subject, err := execute(c.subject, variables)
	if err != nil {
		return domain.Content{}, fmt.Errorf("%w: template %q: %v", domain.ErrMissingVariable, key, err)
	}
	body, err := execute(c.body, variables)
	if err != nil {
		return domain.Content{}, fmt.Errorf("%w: template %q: %v", domain.ErrMissingVariable, key, err)
	}

	return domain.Content{Subject: subject, Body: body}, nil
}

func execute(t *tmpl.Template, variables map[string]string) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, variables); err != nil {
		return "", err
	}
	return buf.String(), nil
}

type definitionsFile struct {
	Templates []Definition `yaml:"templates"`
}

// LoadFile reads template definitions from a YAML file of the form
//
//	templates:
//	  - key: booking_confirmation
//	    channel: email
//	    subject: "..."
//	    body: "..."
func LoadFile(path string) ([]Definition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read templates file: %w", err)
	}

	var file definitionsFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("decode templates file: %w", err)
	}
	return file.Templates, nil
}
