package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	if cfg.Version != 1 {
		t.Errorf("expected version 1, got %d", cfg.Version)
	}
	if cfg.Server.Listen != DefaultListen {
		t.Errorf("expected listen %s, got %s", DefaultListen, cfg.Server.Listen)
	}
	if cfg.WebSocketProxy.MaxMessageBytes != 1048576 {
		t.Errorf("expected 1MB max message bytes, got %d", cfg.WebSocketProxy.MaxMessageBytes)
	}
}

func TestDefaults_Validates(t *testing.T) {
	cfg := Defaults()
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate, got: %v", err)
	}
}

func TestValidate_InvalidLoggingFormat(t *testing.T) {
	cfg := Defaults()
	cfg.Logging.Format = "xml"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for invalid logging format")
	}
}

func TestValidate_FileOutputRequiresPath(t *testing.T) {
	cfg := Defaults()
	cfg.Logging.Output = OutputFile
	cfg.Logging.File = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected error when output=file but no file path set")
	}
}

func TestValidate_RejectsUnknownHandlerTag(t *testing.T) {
	cfg := Defaults()
	cfg.Rules = []RuleConfig{{ID: "r1", Handler: "ws-teleport"}}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for unknown handler tag")
	}
}

func TestValidate_RejectsDuplicateRuleIDs(t *testing.T) {
	cfg := Defaults()
	cfg.Rules = []RuleConfig{
		{ID: "dup", Handler: HandlerReject},
		{ID: "dup", Handler: HandlerEcho},
	}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for duplicate rule ids")
	}
}

func TestValidate_RejectsNegativeTimes(t *testing.T) {
	cfg := Defaults()
	cfg.Rules = []RuleConfig{{ID: "r1", Handler: HandlerEcho, Times: -1}}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for negative times")
	}
}

func TestApplyDefaults_GeneratesRuleIDs(t *testing.T) {
	cfg := &Config{Rules: []RuleConfig{{Handler: HandlerEcho}}}
	cfg.ApplyDefaults()
	if cfg.Rules[0].ID == "" {
		t.Error("expected a generated rule id")
	}
}

func TestLoad_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wsintercept.yaml")
	contents := `
version: 1
server:
  listen: "127.0.0.1:9443"
websocket_proxy:
  max_message_bytes: 2048
rules:
  - id: reject-all
    handler: ws-reject
    handler_options:
      statusCode: 403
`
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("writing test config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Listen != "127.0.0.1:9443" {
		t.Errorf("expected listen override, got %s", cfg.Server.Listen)
	}
	if cfg.WebSocketProxy.MaxMessageBytes != 2048 {
		t.Errorf("expected max_message_bytes override, got %d", cfg.WebSocketProxy.MaxMessageBytes)
	}
	if len(cfg.Rules) != 1 || cfg.Rules[0].Handler != HandlerReject {
		t.Fatalf("expected one reject rule, got %+v", cfg.Rules)
	}
}

func TestValidateReload_FlagsRejectToPassthrough(t *testing.T) {
	old := Defaults()
	old.Rules = []RuleConfig{{ID: "r1", Handler: HandlerReject}}
	updated := Defaults()
	updated.Rules = []RuleConfig{{ID: "r1", Handler: HandlerPassthrough}}

	warnings := ValidateReload(old, updated)
	found := false
	for _, w := range warnings {
		if w.Field == "rules[r1].handler" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a warning for reject->passthrough handler change, got %+v", warnings)
	}
}

func TestValidateReload_FlagsEmptiedTrustAdditionalCAs(t *testing.T) {
	old := Defaults()
	old.WebSocketProxy.TrustAdditionalCAs = []TrustAdditionalCAConfig{{Cert: "fake-pem"}}
	updated := Defaults()

	warnings := ValidateReload(old, updated)
	found := false
	for _, w := range warnings {
		if w.Field == "websocket_proxy.trust_additional_cas" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a warning for emptied trust_additional_cas, got %+v", warnings)
	}
}
