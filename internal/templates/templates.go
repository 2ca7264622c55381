// Copyright 2024 The Alloy Agent Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package templates is the agent-side half of the Asset Provider
// boundary (spec §1): it owns the parameter schema for each template and
// turns validated params into a PreparedLaunch. The actual asset
// acquisition (downloading/extracting vendor server builds) is out of
// scope (§1) and modelled here only as the AssetProvider interface plus a
// reference in-process implementation used by tests.
package templates

import (
	"context"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/alloyinfra/alloy-agent/internal/status"
)

// PreparedLaunch is what the Asset Provider hands back for a validated
// start request (spec §1).
type PreparedLaunch struct {
	Exec         string
	Args         []string
	Cwd          string
	ExtraRWPaths []string
}

// Param describes one entry of a template's parameter schema.
type Param struct {
	Name        string `json:"name" toml:"name"`
	Required    bool   `json:"required" toml:"required"`
	Default     string `json:"default,omitempty" toml:"default"`
	Description string `json:"description,omitempty" toml:"description"`
}

// Template is the declarative description of how to turn params into a
// PreparedLaunch (GLOSSARY).
type Template struct {
	ID            string  `toml:"id"`
	DisplayName   string  `toml:"display_name"`
	GracefulStdin string  `toml:"graceful_stdin"`
	Params        []Param `toml:"params"`
}

// ParamsSchema is the subset of Template returned by ListTemplates
// (spec §6's Process.ListTemplates).
type ParamsSchema struct {
	ID          string  `json:"id"`
	DisplayName string  `json:"display_name"`
	Params      []Param `json:"params_schema"`
}

// AssetProvider is the out-of-scope collaborator (spec §1) that resolves
// a template + params into a concrete launch. Implementations may be
// slow (network fetches) and should respect ctx cancellation.
type AssetProvider interface {
	Prepare(ctx context.Context, instanceDir string, tmpl Template, params map[string]string) (PreparedLaunch, error)
}

// Registry holds the template catalogue, loaded from an optional
// templates.toml (§SPEC_FULL ambient stack) or populated programmatically
// by tests.
type Registry struct {
	templates map[string]Template
	provider  AssetProvider
}

// NewRegistry builds an empty registry bound to provider.
func NewRegistry(provider AssetProvider) *Registry {
	return &Registry{templates: make(map[string]Template), provider: provider}
}

// LoadTOML reads a templates.toml catalogue file, merging its entries
// into the registry. A missing file is not an error (the agent may run
// with only programmatically-registered templates).
func (r *Registry) LoadTOML(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	var doc struct {
		Templates []Template `toml:"templates"`
	}
	if _, err := toml.DecodeFile(path, &doc); err != nil {
		return fmt.Errorf("decoding template catalogue %q: %w", path, err)
	}
	for _, t := range doc.Templates {
		r.Register(t)
	}
	return nil
}

// Register adds or replaces a template definition.
func (r *Registry) Register(t Template) {
	r.templates[t.ID] = t
}

// Get looks up a template by id.
func (r *Registry) Get(id string) (Template, bool) {
	t, ok := r.templates[id]
	return t, ok
}

// List returns the param schema for every registered template, in the
// shape Process.ListTemplates exposes.
func (r *Registry) List() []ParamsSchema {
	out := make([]ParamsSchema, 0, len(r.templates))
	for _, t := range r.templates {
		out = append(out, ParamsSchema{ID: t.ID, DisplayName: t.DisplayName, Params: t.Params})
	}
	return out
}

// Validate checks params against tmpl's schema, filling in defaults and
// returning a field_errors map (spec §7) for every required param that is
// missing or empty and has no default. Unknown params are passed through: templates may carry
// implementation-specific extras (e.g. sandbox_* overrides, port) that
// aren't part of the declared schema.
func (r *Registry) Validate(tmpl Template, params map[string]string) (map[string]string, *status.Status) {
	out := make(map[string]string, len(params))
	for k, v := range params {
		out[k] = v
	}
	fieldErrors := map[string]string{}
	for _, p := range tmpl.Params {
		v, present := out[p.Name]
		if !present || v == "" {
			if p.Required && p.Default == "" {
				fieldErrors[p.Name] = "required parameter missing"
				continue
			}
			if !present && p.Default != "" {
				out[p.Name] = p.Default
			}
		}
	}
	if len(fieldErrors) > 0 {
		return nil, status.Validation(
			fmt.Sprintf("invalid params for template %q", tmpl.ID),
			fieldErrors, "")
	}
	return out, nil
}

// Prepare resolves template+params into a PreparedLaunch via the bound
// AssetProvider (start algorithm step 2, spec §4.1).
func (r *Registry) Prepare(ctx context.Context, instanceDir, templateID string, params map[string]string) (PreparedLaunch, *status.Status) {
	tmpl, ok := r.Get(templateID)
	if !ok {
		return PreparedLaunch{}, status.InvalidArgumentf("unknown template %q", templateID)
	}
	validated, verr := r.Validate(tmpl, params)
	if verr != nil {
		return PreparedLaunch{}, verr
	}
	launch, err := r.provider.Prepare(ctx, instanceDir, tmpl, validated)
	if err != nil {
		return PreparedLaunch{}, status.Internalf(err, "preparing launch for template %q: %v", templateID, err)
	}
	return launch, nil
}

// GracefulStdinBytes returns the template's graceful-stop stdin payload, or
// nil if it declares none.
func (t Template) GracefulStdinBytes() []byte {
	if t.GracefulStdin == "" {
		return nil
	}
	return []byte(t.GracefulStdin)
}
