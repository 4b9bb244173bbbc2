package config

import (
	"os"
	"path/filepath"
	"testing"
)

var envKeys = []string{
	"APP_ENV", "WEBSOCKET_HOST", "WEBSOCKET_PORT", "HTTP_HOST", "HTTP_PORT",
	"DATABASE_DRIVER", "DATABASE_PATH", "UPLOAD_DIR", "MAX_UPLOAD_SIZE",
	"SECRET_KEY", "TOKEN_TTL_MINUTES", "LOG_LEVEL", "LOG_DIR", "ALLOWED_ORIGINS",
	"WS_MESSAGES_PER_SECOND", "WS_MESSAGE_BURST",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg := Load()

	if cfg.WSPort != "8001" {
		t.Errorf("Load() WSPort = %v, want 8001", cfg.WSPort)
	}
	if cfg.HTTPPort != "8000" {
		t.Errorf("Load() HTTPPort = %v, want 8000", cfg.HTTPPort)
	}
	if cfg.DatabaseDriver != "sqlite" {
		t.Errorf("Load() DatabaseDriver = %v, want sqlite", cfg.DatabaseDriver)
	}
	if cfg.MaxUploadSize != 100*1024*1024 {
		t.Errorf("Load() MaxUploadSize = %v, want 100MB", cfg.MaxUploadSize)
	}
	if cfg.Env != "dev" {
		t.Errorf("Load() Env = %v, want dev", cfg.Env)
	}
}

func TestLoad_FromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("WEBSOCKET_PORT", "9001")
	t.Setenv("HTTP_PORT", "9000")
	t.Setenv("DATABASE_PATH", "/tmp/titan.db")
	t.Setenv("SECRET_KEY", "my-secret")
	t.Setenv("APP_ENV", "prod")
	t.Setenv("MAX_UPLOAD_SIZE", "2048")
	t.Setenv("ALLOWED_ORIGINS", "http://a.example, http://b.example")

	cfg := Load()

	if cfg.WSPort != "9001" || cfg.HTTPPort != "9000" {
		t.Errorf("Load() ports = %v/%v, want 9001/9000", cfg.WSPort, cfg.HTTPPort)
	}
	if cfg.DatabasePath != "/tmp/titan.db" {
		t.Errorf("Load() DatabasePath = %v", cfg.DatabasePath)
	}
	if cfg.SecretKey != "my-secret" {
		t.Errorf("Load() SecretKey = %v, want my-secret", cfg.SecretKey)
	}
	if cfg.MaxUploadSize != 2048 {
		t.Errorf("Load() MaxUploadSize = %v, want 2048", cfg.MaxUploadSize)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "http://b.example" {
		t.Errorf("Load() AllowedOrigins = %v", cfg.AllowedOrigins)
	}
}

func TestLoad_InvalidNumbers(t *testing.T) {
	clearEnv(t)
	t.Setenv("MAX_UPLOAD_SIZE", "invalid")
	t.Setenv("TOKEN_TTL_MINUTES", "-5")

	cfg := Load()

	if cfg.MaxUploadSize != 100*1024*1024 {
		t.Errorf("Load() MaxUploadSize = %v, want default", cfg.MaxUploadSize)
	}
	if cfg.TokenTTLMinutes != 24*60 {
		t.Errorf("Load() TokenTTLMinutes = %v, want default", cfg.TokenTTLMinutes)
	}
}

func TestLoadFile_EnvOverridesYAML(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "titannet.yaml")
	yml := "http_port: \"7000\"\nupload_dir: /srv/uploads\nmax_upload_size: 4096\n"
	if err := os.WriteFile(path, []byte(yml), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	t.Setenv("UPLOAD_DIR", "/override")

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if cfg.HTTPPort != "7000" {
		t.Errorf("LoadFile() HTTPPort = %v, want 7000", cfg.HTTPPort)
	}
	if cfg.MaxUploadSize != 4096 {
		t.Errorf("LoadFile() MaxUploadSize = %v, want 4096", cfg.MaxUploadSize)
	}
	if cfg.UploadDir != "/override" {
		t.Errorf("LoadFile() UploadDir = %v, want /override", cfg.UploadDir)
	}
	if cfg.WSPort != "8001" {
		t.Errorf("LoadFile() WSPort = %v, want default 8001", cfg.WSPort)
	}
}

func TestLoadFile_Missing(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("LoadFile() should fail for a missing file")
	}
}

func TestValidate(t *testing.T) {
	valid := Default()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid dev config", func(*Config) {}, false},
		{"valid prod config", func(c *Config) { c.Env = "prod"; c.SecretKey = "production-secret" }, false},
		{"empty port", func(c *Config) { c.HTTPPort = "" }, true},
		{"shared address", func(c *Config) { c.HTTPPort = c.WSPort }, true},
		{"empty database path", func(c *Config) { c.DatabasePath = "" }, true},
		{"unknown driver", func(c *Config) { c.DatabaseDriver = "mysql" }, true},
		{"zero upload size", func(c *Config) { c.MaxUploadSize = 0 }, true},
		{"default secret in prod", func(c *Config) { c.Env = "prod" }, true},
		{"empty secret", func(c *Config) { c.SecretKey = "" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := Validate(cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidCategory(t *testing.T) {
	for _, c := range Categories {
		if !ValidCategory(c) {
			t.Errorf("ValidCategory(%q) = false", c)
		}
	}
	if ValidCategory("malware") {
		t.Error("ValidCategory(malware) = true")
	}
}
