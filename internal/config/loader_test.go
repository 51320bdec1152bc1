package config

import (
	"testing"
	"time"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := NewLoader().Parse([]byte("server:\n  address: \":9090\"\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Server.Address != ":9090" {
		t.Errorf("address = %q", cfg.Server.Address)
	}
	if cfg.Sandbox.Timeout != 30*time.Second {
		t.Errorf("default sandbox timeout = %v", cfg.Sandbox.Timeout)
	}
	if cfg.ExecLog.BatchSize != 64 {
		t.Errorf("default batch size = %d", cfg.ExecLog.BatchSize)
	}
}

func TestParseEnvExpansion(t *testing.T) {
	t.Setenv("FUNCRUN_TEST_BUCKET", "pkgs")
	cfg, err := NewLoader().Parse([]byte("object_store:\n  driver: mem\n  bucket: ${FUNCRUN_TEST_BUCKET}\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.ObjectStore.Bucket != "pkgs" {
		t.Errorf("bucket = %q", cfg.ObjectStore.Bucket)
	}
}

func TestHostEnvOverrides(t *testing.T) {
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("DB_PORT", "5433")
	t.Setenv("TEMP_DIR", "/var/cache/funcrun")
	cfg, err := NewLoader().Parse([]byte("database:\n  host: ignored\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Database.Host != "db.internal" {
		t.Errorf("host = %q", cfg.Database.Host)
	}
	if cfg.Database.Port != 5433 {
		t.Errorf("port = %d", cfg.Database.Port)
	}
	if cfg.PkgCache.Dir != "/var/cache/funcrun" {
		t.Errorf("pkg cache dir = %q", cfg.PkgCache.Dir)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad db driver", "database:\n  driver: mysql\n"},
		{"bad objstore driver", "object_store:\n  driver: gcs\n"},
		{"file driver without dir", "object_store:\n  driver: file\n"},
		{"bad bus driver", "bus:\n  driver: kafka\n"},
		{"bad timezone", "scheduler:\n  timezone: CET\n"},
		{"zero timeout", "sandbox:\n  timeout: 0s\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewLoader().Parse([]byte(tt.yaml)); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestValidators(t *testing.T) {
	if err := ValidateEnvVarName("FEATURE_FLAG"); err != nil {
		t.Error(err)
	}
	if err := ValidateEnvVarName("lower"); err == nil {
		t.Error("lowercase env name should fail")
	}
	if err := ValidateEnvVarName("1BAD"); err == nil {
		t.Error("leading digit should fail")
	}

	if err := ValidateSlug("alpha-2"); err != nil {
		t.Error(err)
	}
	if err := ValidateSlug("Alpha"); err == nil {
		t.Error("uppercase slug should fail")
	}

	if err := ValidateCron("*/5 * * * *"); err != nil {
		t.Error(err)
	}
	if err := ValidateCron("61 * * * *"); err == nil {
		t.Error("invalid cron should fail")
	}

	if err := ValidateRuleTarget("cidr", "10.0.0.0/8"); err != nil {
		t.Error(err)
	}
	if err := ValidateRuleTarget("cidr", "10.0.0.0"); err == nil {
		t.Error("bare IP should fail CIDR validation")
	}
	if err := ValidateRuleTarget("ip", "::1"); err != nil {
		t.Error(err)
	}
	if err := ValidateRuleTarget("domain", "*.example.com"); err != nil {
		t.Error(err)
	}
	if err := ValidateRuleTarget("domain", "no spaces.com"); err == nil {
		t.Error("invalid domain should fail")
	}
}
