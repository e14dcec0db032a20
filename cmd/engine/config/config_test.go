package config

import (
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/HatiCode/microdose/pkg/safety"
)

func resetFlags(args ...string) {
	flag.CommandLine = flag.NewFlagSet(os.Args[0], flag.ContinueOnError)
	os.Args = append([]string{"engine"}, args...)
}

func validConfig() *Config {
	return &Config{
		Session:        "patient-1",
		Source:         "file",
		Interval:       5 * time.Minute,
		Timezone:       "UTC",
		Predictor:      "none",
		PredictTimeout: 10 * time.Second,
		MaxIOB:         5,
		MaxSMB:         1,
		TargetBG:       100,
		Policy:         safety.DefaultPolicy(),
		Storage:        "memory",
	}
}

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("TEST_STR", "from-env")
	t.Setenv("TEST_INT", "42")
	t.Setenv("TEST_BAD_INT", "forty")
	t.Setenv("TEST_FLOAT", "0.35")
	t.Setenv("TEST_DUR", "90s")
	t.Setenv("TEST_BOOL", "1")

	if got := getEnv("TEST_STR", "d"); got != "from-env" {
		t.Errorf("getEnv = %q", got)
	}
	if got := getEnv("TEST_UNSET", "d"); got != "d" {
		t.Errorf("getEnv default = %q", got)
	}
	if got := getEnvInt("TEST_INT", 1); got != 42 {
		t.Errorf("getEnvInt = %d", got)
	}
	if got := getEnvInt("TEST_BAD_INT", 1); got != 1 {
		t.Errorf("getEnvInt invalid = %d, want default", got)
	}
	if got := getEnvFloat("TEST_FLOAT", 1); got != 0.35 {
		t.Errorf("getEnvFloat = %v", got)
	}
	if got := getEnvDuration("TEST_DUR", time.Second); got != 90*time.Second {
		t.Errorf("getEnvDuration = %v", got)
	}
	if got := getEnvBool("TEST_BOOL", false); !got {
		t.Error("getEnvBool = false")
	}
}

func TestParseSourceConfig(t *testing.T) {
	got := parseSourceConfig([]string{
		"SOURCE_URL=http://bridge:8080/state?a=b",
		"SOURCE_TIME_FORMAT=unix_milli",
		"SOURCE_TEMPLATE_VARS={\"Secret\":\"x\"}",
		"SOURCE=http",
		"SOURCE_=ignored",
		"PATH=/usr/bin",
	})
	want := map[string]string{
		"url":          "http://bridge:8080/state?a=b",
		"timeFormat":   "unix_milli",
		"templateVars": `{"Secret":"x"}`,
	}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %q, want %q", k, got[k], v)
		}
	}
}

func TestToLowerCamelCase(t *testing.T) {
	tests := map[string]string{
		"URL":           "url",
		"TIME_FORMAT":   "timeFormat",
		"TEMPLATE_VARS": "templateVars",
		"RATE_LIMIT":    "rateLimit",
		"":              "",
	}
	for in, want := range tests {
		if got := toLowerCamelCase(in); got != want {
			t.Errorf("toLowerCamelCase(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseFlags_Defaults(t *testing.T) {
	resetFlags("-session=patient-1", "-source=file")
	t.Setenv("SOURCE_PATH", "/data/state.yaml")

	cfg, err := ParseFlags()
	if err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}

	if cfg.Listen != ":8081" || cfg.GRPCListen != ":9091" {
		t.Errorf("listen = %q %q", cfg.Listen, cfg.GRPCListen)
	}
	if cfg.Interval != 5*time.Minute || cfg.StaleAfter() != 10*time.Minute {
		t.Errorf("Interval = %v, StaleAfter = %v", cfg.Interval, cfg.StaleAfter())
	}
	if cfg.MaxIOB != 5 || cfg.MaxSMB != 1 || cfg.TargetBG != 100 {
		t.Errorf("limits = %v %v %v", cfg.MaxIOB, cfg.MaxSMB, cfg.TargetBG)
	}
	if cfg.Predictor != "none" || cfg.PredictorValuePath != "smb" || cfg.PredictTimeout != 10*time.Second {
		t.Errorf("predictor = %q %q %v", cfg.Predictor, cfg.PredictorValuePath, cfg.PredictTimeout)
	}
	if cfg.Policy != safety.DefaultPolicy() {
		t.Errorf("Policy = %+v", cfg.Policy)
	}
	if cfg.Storage != "memory" || cfg.LogFormat != "text" || cfg.LogLevel != "info" {
		t.Errorf("storage/log = %q %q %q", cfg.Storage, cfg.LogFormat, cfg.LogLevel)
	}
	if cfg.SourceConfig["path"] != "/data/state.yaml" {
		t.Errorf("SourceConfig = %v", cfg.SourceConfig)
	}
}

func TestParseFlags_FlagsOverrideEnv(t *testing.T) {
	t.Setenv("SESSION", "from-env")
	t.Setenv("MAX_SMB", "0.8")
	resetFlags("-session=from-flag", "-source=http", "-max-smb=0.5", "-interval=3m", "-predictor=constant", "-constant-dose=0.2")

	cfg, err := ParseFlags()
	if err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}
	if cfg.Session != "from-flag" || cfg.MaxSMB != 0.5 || cfg.Interval != 3*time.Minute {
		t.Errorf("unexpected cfg %+v", cfg)
	}
	if cfg.ConstantDose != 0.2 {
		t.Errorf("ConstantDose = %v", cfg.ConstantDose)
	}
}

func TestParseFlags_Invalid(t *testing.T) {
	resetFlags("-source=http")
	if _, err := ParseFlags(); err == nil {
		t.Error("expected error without session")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"bad session", func(c *Config) { c.Session = "a b" }, "session"},
		{"missing source", func(c *Config) { c.Source = "" }, "source is required"},
		{"unknown source", func(c *Config) { c.Source = "kafka" }, "unknown source"},
		{"zero interval", func(c *Config) { c.Interval = 0 }, "interval"},
		{"bad timezone", func(c *Config) { c.Timezone = "Mars/Olympus" }, "timezone"},
		{"file without path", func(c *Config) { c.Predictor = "file" }, "model path"},
		{"remote without url", func(c *Config) { c.Predictor = "remote" }, "predictor url"},
		{"unknown predictor", func(c *Config) { c.Predictor = "oracle" }, "unknown predictor"},
		{"zero max iob", func(c *Config) { c.MaxIOB = 0 }, "max iob"},
		{"negative max smb", func(c *Config) { c.MaxSMB = -1 }, "max smb"},
		{"zero target", func(c *Config) { c.TargetBG = 0 }, "target bg"},
		{"loose policy", func(c *Config) { c.Policy.AbsoluteFloor = 20 }, "safety policy"},
		{"unknown storage", func(c *Config) { c.Storage = "etcd" }, "unknown storage"},
		{"redis without addr", func(c *Config) { c.AuditRedis = true }, "redis address"},
		{"tls without files", func(c *Config) { c.TLS.Enabled = true }, "tls"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_JoinsErrors(t *testing.T) {
	c := validConfig()
	c.MaxIOB = 0
	c.MaxSMB = 0
	err := c.Validate()
	if err == nil || !strings.Contains(err.Error(), "max iob") || !strings.Contains(err.Error(), "max smb") {
		t.Errorf("error = %v, want both limits reported", err)
	}
}

func TestApplyProfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.yaml")
	doc := `maxIob: 3.5
targetBg: 110
fullEveningBucket: true
safety:
  absoluteFloor: 80
  fastDropDelta: -4
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	c := validConfig()
	if err := c.ApplyProfile(path); err != nil {
		t.Fatalf("ApplyProfile: %v", err)
	}

	if c.MaxIOB != 3.5 || c.TargetBG != 110 || !c.FullEveningBucket {
		t.Errorf("profile limits not applied: %+v", c)
	}
	if c.MaxSMB != 1 {
		t.Errorf("MaxSMB = %v, absent key should keep the default", c.MaxSMB)
	}
	want := safety.DefaultPolicy()
	want.AbsoluteFloor = 80
	want.FastDropDelta = -4
	if c.Policy != want {
		t.Errorf("Policy = %+v, want %+v", c.Policy, want)
	}
	if err := c.Validate(); err != nil {
		t.Errorf("Validate after profile: %v", err)
	}
}

func TestApplyProfile_Errors(t *testing.T) {
	c := validConfig()
	if err := c.ApplyProfile(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected error for missing file")
	}

	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("maxIob: [1, 2"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := c.ApplyProfile(path); err == nil {
		t.Error("expected error for malformed yaml")
	}
}
