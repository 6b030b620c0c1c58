package policy

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/ignite/pkg/backend"
	"github.com/openfroyo/ignite/pkg/engine"
)

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	eng, err := NewEngine(zerolog.Nop(), opts...)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	t.Cleanup(func() { _ = eng.Close() })
	return eng
}

// vaultModule declares a vault, a routine call and a destructive call.
func vaultModule(t *testing.T) *engine.Module {
	t.Helper()
	b := engine.NewModuleBuilder("Vault")
	vault := b.Contract("Vault", []interface{}{"main"})
	b.Call(vault, "setOwner", []interface{}{"0xabc"})
	b.Call(vault, "selfdestruct", nil, engine.WithID("wipe"))
	m, err := b.Build()
	if err != nil {
		t.Fatalf("Failed to build module: %v", err)
	}
	return m
}

func proxyModule(t *testing.T) *engine.Module {
	t.Helper()
	b := engine.NewModuleBuilder("Upgradeable")
	impl := b.Contract("Token", nil)
	b.Contract("Proxy", []interface{}{impl})
	m, err := b.Build()
	if err != nil {
		t.Fatalf("Failed to build module: %v", err)
	}
	return m
}

func plan(t *testing.T, m *engine.Module, snapshot ...engine.JournalEntry) *engine.ExecutionPlan {
	t.Helper()
	p, err := engine.NewResolver().Plan(m, snapshot)
	if err != nil {
		t.Fatalf("Failed to plan: %v", err)
	}
	return p
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t)

	policies := eng.ListPolicies()
	want := []string{PolicyForbiddenMethods, PolicyModuleSize, PolicyReferenceAddress}
	if len(policies) != len(want) {
		t.Fatalf("Expected %d built-in policies, got %d", len(want), len(policies))
	}
	for i, p := range policies {
		if p.Name != want[i] {
			t.Errorf("policies[%d] = %s, want %s", i, p.Name, want[i])
		}
		if !p.Builtin || !p.Enabled {
			t.Errorf("Built-in policy %s should be enabled and marked builtin", p.Name)
		}
	}
}

func TestEngine_ForbiddenMethods(t *testing.T) {
	tests := []struct {
		name      string
		opts      []Option
		snapshot  []engine.JournalEntry
		wantDeny  bool
		wantMatch string
	}{
		{
			name:      "destructive call denied",
			wantDeny:  true,
			wantMatch: "method selfdestruct is forbidden",
		},
		{
			name: "allowlisted action passes",
			opts: []Option{WithAllowedActions("Vault#wipe")},
		},
		{
			name:      "custom list replaces defaults",
			opts:      []Option{WithForbiddenMethods("setOwner")},
			wantDeny:  true,
			wantMatch: "method setOwner is forbidden",
		},
		{
			name:     "already executed call is not re-checked",
			snapshot: []engine.JournalEntry{
				{ActionID: "Vault#Vault", Status: engine.EntrySuccess, Result: json.RawMessage(`"0x01"`)},
				{ActionID: "Vault#wipe", Status: engine.EntrySuccess, Result: json.RawMessage(`null`)},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := newTestEngine(t, tt.opts...)
			m := vaultModule(t)

			err := eng.Check(context.Background(), m, plan(t, m, tt.snapshot...))
			if !tt.wantDeny {
				if err != nil {
					t.Fatalf("Check() error = %v", err)
				}
				return
			}
			if !engine.HasCode(err, engine.ErrCodePolicyDenied) {
				t.Fatalf("Expected %s, got: %v", engine.ErrCodePolicyDenied, err)
			}
			if !strings.Contains(err.Error(), tt.wantMatch) {
				t.Errorf("Error %q does not mention %q", err, tt.wantMatch)
			}
		})
	}
}

func TestEngine_Warnings(t *testing.T) {
	b := engine.NewModuleBuilder("Refs")
	b.ContractAt("Token", "0x5FbDB2315678afecb367f032d93F642f64180aa3")
	b.ContractAt("Oracle", "oracle.eth")
	m, err := b.Build()
	if err != nil {
		t.Fatalf("Failed to build module: %v", err)
	}

	eng := newTestEngine(t, WithMaxActions(1))
	p := plan(t, m)

	result, err := eng.Evaluate(context.Background(), m, p)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if !result.Allowed {
		t.Errorf("Warnings must not block: %+v", result)
	}

	byPolicy := make(map[string][]Violation)
	for _, v := range result.Violations {
		byPolicy[v.Policy] = append(byPolicy[v.Policy], v)
	}
	if got := byPolicy[PolicyModuleSize]; len(got) != 1 || got[0].Severity != SeverityWarning {
		t.Errorf("Expected one module-size warning, got %+v", got)
	}
	refs := byPolicy[PolicyReferenceAddress]
	if len(refs) != 1 || refs[0].Action != "Refs#Oracle" {
		t.Errorf("Expected one reference-address warning for Refs#Oracle, got %+v", refs)
	}
	if len(result.EvaluatedPolicies) != 3 {
		t.Errorf("Expected 3 evaluated policies, got %v", result.EvaluatedPolicies)
	}

	if err := eng.Check(context.Background(), m, p); err != nil {
		t.Errorf("Check() should pass with only warnings, got %v", err)
	}
}

func TestEngine_DisablePolicy(t *testing.T) {
	eng := newTestEngine(t)
	m := vaultModule(t)

	if err := eng.DisablePolicy(PolicyForbiddenMethods); err != nil {
		t.Fatalf("DisablePolicy() error = %v", err)
	}
	if err := eng.Check(context.Background(), m, plan(t, m)); err != nil {
		t.Errorf("Disabled policy still denied: %v", err)
	}

	p, err := eng.GetPolicy(PolicyForbiddenMethods)
	if err != nil || p.Enabled {
		t.Errorf("GetPolicy() = %+v, %v", p, err)
	}

	if err := eng.EnablePolicy(PolicyForbiddenMethods); err != nil {
		t.Fatalf("EnablePolicy() error = %v", err)
	}
	if err := eng.Check(context.Background(), m, plan(t, m)); err == nil {
		t.Error("Re-enabled policy did not deny")
	}

	if err := eng.DisablePolicy("nope"); err == nil {
		t.Error("Expected error for unknown policy")
	}
}

func TestEngine_WithData(t *testing.T) {
	custom := Policy{
		Name:     "approved-types",
		Severity: SeverityError,
		Enabled:  true,
		Rego: `package ignite.custom.approved_types

import rego.v1

deny contains violation if {
	some action in input.actions
	action.kind == "create"
	not action.contract_type in data.ignite.approved_types
	violation := {"message": sprintf("%s is not approved", [action.contract_type]), "action": action.id}
}
`,
	}

	eng := newTestEngine(t, WithData("approved_types", []interface{}{"Token"}))
	if err := eng.replaceCustom(context.Background(), []Policy{custom}); err != nil {
		t.Fatalf("replaceCustom() error = %v", err)
	}

	m := vaultModule(t)
	result, err := eng.Evaluate(context.Background(), m, plan(t, m))
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	var found bool
	for _, v := range result.Violations {
		if v.Policy == "approved-types" && v.Action == "Vault#Vault" {
			found = true
		}
	}
	if !found || result.Allowed {
		t.Errorf("Expected approved-types to deny Vault#Vault, got %+v", result)
	}
}

func TestEngine_Evaluate_RequiresPlan(t *testing.T) {
	eng := newTestEngine(t)
	if _, err := eng.Evaluate(context.Background(), vaultModule(t), nil); err == nil {
		t.Error("Expected error for nil plan")
	}
}

func TestEngine_ExecutorGate(t *testing.T) {
	ctx := context.Background()
	sim := backend.NewSimulator()
	eng := newTestEngine(t)
	opts := engine.DefaultOptions()

	_, err := engine.NewExecutor(sim, engine.NewMemoryJournal(), engine.WithOptions(opts), engine.WithPlanGate(eng)).
		Run(ctx, vaultModule(t))
	if !engine.HasCode(err, engine.ErrCodePolicyDenied) {
		t.Fatalf("Expected %s, got: %v", engine.ErrCodePolicyDenied, err)
	}
	if sim.TotalSubmissions() != 0 {
		t.Errorf("Denied plan reached the backend: %d submissions", sim.TotalSubmissions())
	}

	allowed := newTestEngine(t, WithAllowedActions("Vault#wipe"))
	report, err := engine.NewExecutor(sim, engine.NewMemoryJournal(), engine.WithOptions(opts), engine.WithPlanGate(allowed)).
		Run(ctx, vaultModule(t))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.Status != engine.RunStatusSucceeded {
		t.Errorf("Expected succeeded run, got %+v", report)
	}
}
