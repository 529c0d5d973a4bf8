package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestListValuesMasksSecrets(t *testing.T) {
	cfg := &Config{}
	cfg.LLM.APIKey = "sk-abcdef123456"
	cfg.LLM.Model = "gpt-4o"

	values, err := ListValues(cfg, true)
	if err != nil {
		t.Fatal(err)
	}
	if values["llm.api_key"] != "***3456" {
		t.Errorf("secret should be masked: %v", values["llm.api_key"])
	}
	if values["llm.model"] != "gpt-4o" {
		t.Errorf("non-secret should pass through: %v", values["llm.model"])
	}

	unmasked, err := ListValues(cfg, false)
	if err != nil {
		t.Fatal(err)
	}
	if unmasked["llm.api_key"] != "sk-abcdef123456" {
		t.Errorf("unmasked listing should show the value: %v", unmasked["llm.api_key"])
	}
}

func TestSetGetValue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	if err := SetValue(path, "llm.model", "gpt-4o-mini"); err != nil {
		t.Fatal(err)
	}
	if err := SetValue(path, "triage.max_tool_rounds", "5"); err != nil {
		t.Fatal(err)
	}

	v, err := GetValue(path, "llm.model")
	if err != nil {
		t.Fatal(err)
	}
	if v != "gpt-4o-mini" {
		t.Errorf("unexpected value: %v", v)
	}

	// Numbers are stored as numbers, and the file stays loadable.
	v, err = GetValue(path, "triage.max_tool_rounds")
	if err != nil {
		t.Fatal(err)
	}
	if f, ok := v.(float64); !ok || f != 5 {
		t.Errorf("numeric value should round-trip: %v (%T)", v, v)
	}
	if _, err := Load(path); err != nil {
		t.Fatalf("file written by SetValue should load: %v", err)
	}
}

func TestGetValueSecretMasked(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"llm": {"api_key": "sk-abcdef123456"}}`), 0644); err != nil {
		t.Fatal(err)
	}

	v, err := GetValue(path, "llm.api_key")
	if err != nil {
		t.Fatal(err)
	}
	if v != "***3456" {
		t.Errorf("secret read should be masked: %v", v)
	}
}

func TestGetValueUnknownKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{}`), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := GetValue(path, "no.such.key"); err == nil {
		t.Fatal("expected error for unknown key")
	}
}
