package roles

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"roledesk/internal/domain"
)

const sampleCatalog = `
roles:
  - id: backend
    label: Backend Engineer
    capabilities: [api, schema]
    escalation_targets: [frontend]
  - id: frontend
    label: Frontend Engineer
    capabilities: [ui]
    requires_review: true
`

func TestLoadCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roles.yaml")
	if err := os.WriteFile(path, []byte(sampleCatalog), 0o644); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	reg, err := Load(path)
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}

	backend, ok := reg.Lookup("backend")
	if !ok {
		t.Fatalf("expected backend role")
	}
	if backend.Label != "Backend Engineer" || len(backend.Capabilities) != 2 {
		t.Fatalf("unexpected backend role: %+v", backend)
	}
	frontend, _ := reg.Lookup("frontend")
	if !frontend.RequiresReview {
		t.Fatalf("expected frontend to require review")
	}
	if got := reg.List(); len(got) != 2 || got[0].ID != "backend" {
		t.Fatalf("unexpected role list: %+v", got)
	}
}

func TestLookupUnknownRole(t *testing.T) {
	reg, err := New(domain.Role{ID: "backend"})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	if _, ok := reg.Lookup("nobody"); ok {
		t.Fatalf("expected lookup miss")
	}
	if _, err := reg.Get("nobody"); !errors.Is(err, domain.ErrUnknownRole) {
		t.Fatalf("expected ErrUnknownRole, got %v", err)
	}
}

func TestRegistryIsImmutable(t *testing.T) {
	reg, err := New(domain.Role{ID: "backend", Capabilities: []string{"api"}})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	role, _ := reg.Lookup("backend")
	role.Capabilities[0] = "changed"
	again, _ := reg.Lookup("backend")
	if again.Capabilities[0] != "api" {
		t.Fatalf("registry leaked internal state: %+v", again)
	}
}

func TestParseMixedCaseIDs(t *testing.T) {
	doc := "roles:\n  - id: agentA\n    escalation_targets: [agentB]\n  - id: agentB\n  - id: ops.v2\n"
	reg, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	for _, id := range []string{"agentA", "agentB", "ops.v2"} {
		if _, err := reg.Get(id); err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
	}
	if _, err := Parse([]byte("roles:\n  - id: -agent\n")); err == nil {
		t.Fatalf("ids must start with a letter or digit")
	}
}

func TestParseRejectsInvalidCatalogs(t *testing.T) {
	cases := map[string]string{
		"schema violation":   "roles:\n  - label: missing id\n",
		"unknown field":      "roles:\n  - id: a\n    colour: red\n",
		"duplicate id":       "roles:\n  - id: a\n  - id: a\n",
		"unknown escalation": "roles:\n  - id: a\n    escalation_targets: [ghost]\n",
		"empty":              "roles: []\n",
	}
	for name, doc := range cases {
		if _, err := Parse([]byte(doc)); err == nil {
			t.Fatalf("%s: expected parse error", name)
		}
	}
}
