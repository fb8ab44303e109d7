package main

import (
	"bytes"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/sigbus/internal/bridge"
	"github.com/danmuck/sigbus/internal/config"
	"github.com/danmuck/sigbus/internal/protocol/sasl"
	"github.com/danmuck/sigbus/internal/testutil/testlog"
	"github.com/rs/zerolog"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sigbus.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadServiceConfigDefaultsAndOverrides(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, `
[bus]
address = "tcp:host=bus.local,port=47001"
auth = "external"
uid = 0
obey = false

[bus.backoff]
initial = "1s"

[admin]
cors_origins = [" http://a ", ""]

[log]
level = "debug"
json = true
`)
	cfg, logCfg, err := loadServiceConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	def := bridge.DefaultConfig()
	if cfg.Address != "tcp:host=bus.local,port=47001" {
		t.Fatalf("unexpected address: %q", cfg.Address)
	}
	if cfg.AuthPolicy != sasl.ExternalOnly {
		t.Fatalf("unexpected auth: %s", cfg.AuthPolicy)
	}
	if cfg.UID != 0 || cfg.Obey {
		t.Fatalf("explicit zero values must win: uid=%d obey=%v", cfg.UID, cfg.Obey)
	}
	if cfg.Backoff.InitialDelay != time.Second || cfg.Backoff.MaxDelay != def.Backoff.MaxDelay {
		t.Fatalf("unexpected backoff: %+v", cfg.Backoff)
	}
	if cfg.Name != def.Name || cfg.AdminAddr != def.AdminAddr || cfg.DialTimeout != def.DialTimeout {
		t.Fatalf("defaults lost: %+v", cfg)
	}
	if len(cfg.CorsOrigins) != 1 || cfg.CorsOrigins[0] != "http://a" {
		t.Fatalf("unexpected origins: %v", cfg.CorsOrigins)
	}
	if logCfg.Level != zerolog.DebugLevel || !logCfg.Bypass || !logCfg.Timestamp {
		t.Fatalf("unexpected log config: %+v", logCfg)
	}
}

func TestLoadServiceConfigAcceptsTemplate(t *testing.T) {
	testlog.Start(t)
	cfg, _, err := loadServiceConfig(writeConfig(t, config.Template()))
	if err != nil {
		t.Fatalf("load template: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("template config invalid: %v", err)
	}
}

func TestLoadServiceConfigRejects(t *testing.T) {
	testlog.Start(t)
	cases := map[string]string{
		"auth":    "[bus]\nauth = \"cookie\"\n",
		"timeout": "[bus]\ndial_timeout = \"later\"\n",
		"level":   "[log]\nlevel = \"shout\"\n",
		"unknown": "[bus]\nadress = \"x\"\n",
		"syntax":  "[bus\n",
	}
	for name, body := range cases {
		if _, _, err := loadServiceConfig(writeConfig(t, body)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestRunAndCheckAgreeOnSettings(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		name string
		body string
		ok   bool
	}{
		{"empty name", "[bus]\nname = \"\"\n", false},
		{"empty duration keeps default", "[bus]\ndial_timeout = \"\"\n", true},
		{"bad address", "[bus]\naddress = \"unix:path=/run/bus\"\n", false},
		{"negative queue", "[bus]\nqueue_capacity = -1\n", false},
		{"overrides", "[bus]\nname = \"edge\"\nuid = 0\nobey = false\n[admin]\ncors_origins = [\" http://a \"]\ntoken = \" t \"\n[log]\nlevel = \"warn\"\n", true},
	}
	for _, tc := range cases {
		path := writeConfig(t, tc.body)
		runCfg, runLog, runErr := loadServiceConfig(path)
		settings, checkErr := config.Load(path)
		if (runErr == nil) != tc.ok || (checkErr == nil) != tc.ok {
			t.Fatalf("%s: run err=%v check err=%v, want ok=%v", tc.name, runErr, checkErr, tc.ok)
		}
		if !tc.ok {
			continue
		}
		checkCfg, err := settings.Bridge()
		if err != nil {
			t.Fatalf("%s: bridge: %v", tc.name, err)
		}
		if !reflect.DeepEqual(runCfg, checkCfg) {
			t.Fatalf("%s: configs differ\n run=%+v\ncheck=%+v", tc.name, runCfg, checkCfg)
		}
		if runLog != settings.Logging() {
			t.Fatalf("%s: log configs differ: %+v vs %+v", tc.name, runLog, settings.Logging())
		}
	}
}

func TestConfigCommands(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "sigbus.toml")

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"config", "init", path})
	if err := root.Execute(); err != nil {
		t.Fatalf("config init: %v", err)
	}

	out.Reset()
	root = newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"config", "check", path})
	if err := root.Execute(); err != nil {
		t.Fatalf("config check: %v", err)
	}
	if !strings.HasPrefix(out.String(), "ok: sigbus -> tcp:host=127.0.0.1,port=47000") {
		t.Fatalf("unexpected check output: %q", out.String())
	}

	out.Reset()
	root = newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"config", "export", path})
	if err := root.Execute(); err != nil {
		t.Fatalf("config export: %v", err)
	}
	if !strings.Contains(out.String(), "[bus.backoff]") {
		t.Fatalf("export missing backoff table:\n%s", out.String())
	}

	root = newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"config", "init", path})
	if err := root.Execute(); err == nil {
		t.Fatalf("config init must refuse to overwrite without --force")
	}
}

func TestServicesCommand(t *testing.T) {
	testlog.Start(t)
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"services"})
	if err := root.Execute(); err != nil {
		t.Fatalf("services: %v", err)
	}
	if !strings.Contains(out.String(), "org.asamk.Signal") {
		t.Fatalf("unexpected services output:\n%s", out.String())
	}
}
