package wsconfig

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_AppliesDefaultsAndExpandsEnv(t *testing.T) {
	t.Setenv("WSKIT_PORT_ENV", "9001")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	contents := "listen:\n  port: ${WSKIT_PORT_ENV}\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen.Port != 9001 {
		t.Fatalf("Listen.Port = %d, want 9001 (expanded from env)", cfg.Listen.Port)
	}
	if cfg.Client.QueuePolicy != QueueDropOldest {
		t.Fatalf("Client.QueuePolicy = %q, want default drop-oldest", cfg.Client.QueuePolicy)
	}
	if cfg.PubSub.MaxTopicsPerConnection != 256 {
		t.Fatalf("PubSub.MaxTopicsPerConnection = %d, want default 256", cfg.PubSub.MaxTopicsPerConnection)
	}
}

func TestValidate_RejectsBadPort(t *testing.T) {
	cfg := Default()
	cfg.Listen.Port = 70000

	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() = nil, want error for out-of-range port")
	}
}

func TestValidate_RejectsUnknownQueuePolicy(t *testing.T) {
	cfg := Default()
	cfg.Client.QueuePolicy = "bogus"

	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() = nil, want error for unknown queue policy")
	}
}

func TestValidate_RejectsInitialDelayAboveMax(t *testing.T) {
	cfg := Default()
	cfg.Client.InitialDelayMs = 5000
	cfg.Client.MaxDelayMs = 1000

	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() = nil, want error when initial delay exceeds max delay")
	}
}

func TestParseLogLevel(t *testing.T) {
	cases := map[string]bool{
		"trace": true,
		"DEBUG": true,
		"warn":  true,
		"bogus": false,
	}
	for level, wantOK := range cases {
		_, err := ParseLogLevel(level)
		if (err == nil) != wantOK {
			t.Errorf("ParseLogLevel(%q) err = %v, want ok=%v", level, err, wantOK)
		}
	}
}
