package config

import (
	"testing"
)

func TestSchemaRegistry_RegisterAndGet(t *testing.T) {
	sr := NewSchemaRegistry()

	customSchema := `
#Custom: {
	field1: string
	field2: int
}
`

	if err := sr.RegisterSchema("custom", customSchema); err != nil {
		t.Fatalf("failed to register schema: %v", err)
	}

	schema, ok := sr.GetSchema("custom")
	if !ok {
		t.Fatal("expected to find custom schema")
	}
	if schema.Err() != nil {
		t.Errorf("schema has errors: %v", schema.Err())
	}

	if got := sr.ListSchemas(); len(got) != 2 || got[0] != "custom" || got[1] != SchemaModule {
		t.Errorf("ListSchemas() = %v", got)
	}
}

func TestSchemaRegistry_InvalidSchema(t *testing.T) {
	sr := NewSchemaRegistry()

	tests := []struct {
		name   string
		schema string
	}{
		{"syntax error", `#Broken: { field: string`},
		{"missing definition", `#Other: { field: string }`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := sr.RegisterSchema("broken", tt.schema); err == nil {
				t.Error("expected error registering schema")
			}
		})
	}
}

func TestSchemaRegistry_UnifyModule(t *testing.T) {
	sr := NewSchemaRegistry()

	tests := []struct {
		name    string
		data    map[string]interface{}
		wantErr bool
	}{
		{
			name: "minimal",
			data: map[string]interface{}{
				"module":  "CounterModule",
				"actions": []interface{}{map[string]interface{}{"name": "counter", "type": "Counter"}},
			},
		},
		{
			name: "invalid module name",
			data: map[string]interface{}{
				"module":  "Counter Module",
				"actions": []interface{}{},
			},
			wantErr: true,
		},
		{
			name: "unknown action field",
			data: map[string]interface{}{
				"module":  "CounterModule",
				"actions": []interface{}{map[string]interface{}{"name": "counter", "typ": "Counter"}},
			},
			wantErr: true,
		},
		{
			name: "unknown kind",
			data: map[string]interface{}{
				"module":  "CounterModule",
				"actions": []interface{}{map[string]interface{}{"name": "counter", "kind": "deploy"}},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			val, err := sr.Encode(tt.data)
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}
			_, err = sr.Unify(SchemaModule, val)
			if (err != nil) != tt.wantErr {
				t.Errorf("Unify() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}

	if _, err := sr.Unify("missing", sr.Context().CompileString(`{}`)); err == nil {
		t.Error("expected error for unknown schema")
	}
}

func TestDefinitionName(t *testing.T) {
	tests := map[string]string{
		"module": "#Module",
		"Target": "#Target",
		"":       "#",
	}
	for in, want := range tests {
		if got := definitionName(in); got != want {
			t.Errorf("definitionName(%q) = %q, want %q", in, got, want)
		}
	}
}
