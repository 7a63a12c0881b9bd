// Package registry holds the read-only catalogue of selectable models.
package registry

import (
	"errors"
	"fmt"
	"strings"

	"RelayChat/internal/config"
)

// ErrUnknownModel is returned when a model identifier is not registered.
var ErrUnknownModel = errors.New("unknown model")

// Descriptor describes one selectable backend model. Values are immutable once registered.
type Descriptor struct {
	ID            string
	DisplayName   string
	Endpoint      string // base URL of the completion service
	APIVersion    string
	Deployment    string
	MaxTokens     int // max output tokens per completion
	ContextTokens int // context window; 0 means unknown
	Temperature   float64
	SystemPrompt  string
	Description   string
}

// Label returns the display name, falling back to the id.
func (d Descriptor) Label() string {
	if d.DisplayName != "" {
		return d.DisplayName
	}
	return d.ID
}

// Registry maps model identifiers to descriptors. It is never mutated after New.
type Registry struct {
	order     []Descriptor
	byID      map[string]int
	defaultID string
}

// New builds a registry in the given order. defaultID must name one of the descriptors.
func New(descriptors []Descriptor, defaultID string) (*Registry, error) {
	if len(descriptors) == 0 {
		return nil, fmt.Errorf("registry: no models")
	}

	r := &Registry{
		order: make([]Descriptor, 0, len(descriptors)),
		byID:  make(map[string]int, len(descriptors)),
	}
	for _, d := range descriptors {
		key := normalize(d.ID)
		if key == "" {
			return nil, fmt.Errorf("registry: model with empty id")
		}
		if _, dup := r.byID[key]; dup {
			return nil, fmt.Errorf("registry: duplicate model %q", d.ID)
		}
		if d.Deployment == "" {
			d.Deployment = d.ID
		}
		r.byID[key] = len(r.order)
		r.order = append(r.order, d)
	}

	def, err := r.Resolve(defaultID)
	if err != nil {
		return nil, fmt.Errorf("registry: default model: %w", err)
	}
	r.defaultID = def.ID
	return r, nil
}

// FromConfig builds the registry from the configured catalogue, filling per-model
// endpoint and API version from the shared Azure settings.
func FromConfig(cfg config.Config) (*Registry, error) {
	models := cfg.Models
	if len(models) == 0 {
		models = config.BuiltinModels()
	}

	descriptors := make([]Descriptor, 0, len(models))
	for _, m := range models {
		d := Descriptor{
			ID:            strings.TrimSpace(m.ID),
			DisplayName:   m.DisplayName,
			Endpoint:      strings.TrimRight(m.Endpoint, "/"),
			APIVersion:    m.APIVersion,
			Deployment:    m.Deployment,
			MaxTokens:     m.MaxTokens,
			ContextTokens: m.ContextTokens,
			Temperature:   m.Temperature,
			SystemPrompt:  m.SystemPrompt,
			Description:   m.Description,
		}
		if d.Endpoint == "" {
			d.Endpoint = cfg.Azure.Endpoint
		}
		if d.APIVersion == "" {
			d.APIVersion = cfg.Azure.APIVersion
		}
		descriptors = append(descriptors, d)
	}
	return New(descriptors, cfg.DefaultModel)
}

// Resolve looks up a descriptor by id (case-insensitive).
func (r *Registry) Resolve(id string) (Descriptor, error) {
	i, ok := r.byID[normalize(id)]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %s", ErrUnknownModel, strings.TrimSpace(id))
	}
	return r.order[i], nil
}

// List returns all descriptors in configuration order.
func (r *Registry) List() []Descriptor {
	out := make([]Descriptor, len(r.order))
	copy(out, r.order)
	return out
}

// Default returns the descriptor new sessions start with.
func (r *Registry) Default() Descriptor {
	return r.order[r.byID[normalize(r.defaultID)]]
}

func normalize(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
