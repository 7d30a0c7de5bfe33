// Package roles holds the immutable catalog of agent roles.
package roles

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"roledesk/internal/domain"
)

const catalogSchema = `{
	"type": "object",
	"required": ["roles"],
	"properties": {
		"roles": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["id"],
				"properties": {
					"id": {"type": "string", "pattern": "^[A-Za-z0-9][A-Za-z0-9_.-]*$"},
					"label": {"type": "string"},
					"capabilities": {"type": "array", "items": {"type": "string"}},
					"escalation_targets": {"type": "array", "items": {"type": "string"}},
					"requires_review": {"type": "boolean"}
				},
				"additionalProperties": false
			}
		}
	}
}`

type catalog struct {
	Roles []domain.Role `yaml:"roles"`
}

// Registry maps role ids to roles. It is never mutated after construction.
type Registry struct {
	roles map[string]domain.Role
}

// New builds a registry from the given roles. Duplicate ids and escalation
// targets naming unknown roles are rejected.
func New(list ...domain.Role) (*Registry, error) {
	roles := make(map[string]domain.Role, len(list))
	for _, r := range list {
		r.ID = strings.TrimSpace(r.ID)
		if r.ID == "" {
			return nil, fmt.Errorf("role id is required")
		}
		if _, exists := roles[r.ID]; exists {
			return nil, fmt.Errorf("duplicate role id %s", r.ID)
		}
		if r.Label == "" {
			r.Label = r.ID
		}
		roles[r.ID] = clone(r)
	}
	for _, r := range roles {
		for _, target := range r.EscalationTargets {
			if _, ok := roles[target]; !ok {
				return nil, fmt.Errorf("role %s escalates to unknown role %s", r.ID, target)
			}
		}
	}
	return &Registry{roles: roles}, nil
}

// Load reads a YAML role catalog from path.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read role catalog %s: %w", path, err)
	}
	return Parse(data)
}

// Parse validates a YAML role catalog against the catalog schema and builds
// a registry from it.
func Parse(data []byte) (*Registry, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode role catalog: %w", err)
	}
	if err := validate(doc); err != nil {
		return nil, err
	}
	var cat catalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("decode role catalog: %w", err)
	}
	return New(cat.Roles...)
}

func validate(doc any) error {
	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(catalogSchema))
	if err != nil {
		return fmt.Errorf("unmarshal catalog schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("roles.json", schemaDoc); err != nil {
		return fmt.Errorf("add catalog schema: %w", err)
	}
	schema, err := c.Compile("roles.json")
	if err != nil {
		return fmt.Errorf("compile catalog schema: %w", err)
	}

	// Round-trip through JSON so numbers and maps have the shapes the
	// validator expects.
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode role catalog: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("decode role catalog json: %w", err)
	}
	if err := schema.Validate(inst); err != nil {
		return fmt.Errorf("invalid role catalog: %w", err)
	}
	return nil
}

func (r *Registry) Lookup(roleID string) (domain.Role, bool) {
	role, ok := r.roles[roleID]
	if !ok {
		return domain.Role{}, false
	}
	return clone(role), true
}

func (r *Registry) Get(roleID string) (domain.Role, error) {
	role, ok := r.Lookup(roleID)
	if !ok {
		return domain.Role{}, fmt.Errorf("%w: %s", domain.ErrUnknownRole, roleID)
	}
	return role, nil
}

func (r *Registry) List() []domain.Role {
	out := make([]domain.Role, 0, len(r.roles))
	for _, role := range r.roles {
		out = append(out, clone(role))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func clone(r domain.Role) domain.Role {
	r.Capabilities = slices.Clone(r.Capabilities)
	r.EscalationTargets = slices.Clone(r.EscalationTargets)
	return r
}
