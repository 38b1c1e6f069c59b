package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Storage.SteamCmdPath != "steamcmd" {
		t.Errorf("SteamCmdPath = %q", cfg.Storage.SteamCmdPath)
	}
	if cfg.Shutdown.GraceMinutes != 10 {
		t.Errorf("GraceMinutes = %d", cfg.Shutdown.GraceMinutes)
	}
	if cfg.Watcher.IntervalMillis != 3500 {
		t.Errorf("IntervalMillis = %d", cfg.Watcher.IntervalMillis)
	}
	if !cfg.Update.SmartCopy {
		t.Error("smart copy must default on")
	}
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "arkmgr.yaml")
	content := `
storage:
  data_dir: /srv/ark
  cache_dir: /srv/ark/cache
shutdown:
  grace_minutes: 3
profiles:
  - name: island
    install_dir: /srv/ark/island
    map_name: TheIsland
    query_port: 27015
  - name: center
    install_dir: /srv/ark/center
    map_name: TheCenter
    query_port: 27017
    branch: earlybird
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Storage.DataDir != "/srv/ark" {
		t.Errorf("DataDir = %q", cfg.Storage.DataDir)
	}
	if cfg.Shutdown.GraceMinutes != 3 {
		t.Errorf("GraceMinutes = %d", cfg.Shutdown.GraceMinutes)
	}
	// Sections absent from the file keep their defaults.
	if cfg.Backup.RetentionDays != 7 {
		t.Errorf("RetentionDays = %d", cfg.Backup.RetentionDays)
	}

	if p := cfg.FindProfile("center"); p == nil || p.Branch != "earlybird" {
		t.Errorf("FindProfile(center) = %+v", p)
	}
	if p := cfg.FindProfile("nope"); p != nil {
		t.Errorf("unknown profile lookup returned %+v", p)
	}

	onDefault := cfg.ProfilesOnBranch("")
	if len(onDefault) != 1 || onDefault[0].Name != "island" {
		t.Errorf("ProfilesOnBranch(\"\") = %+v", onDefault)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ARKMGR_CACHE_DIR", "/mnt/fast/cache")
	t.Setenv("ARKMGR_LOG_LEVEL", "debug")
	t.Setenv("ARKMGR_WEB_PORT", "9090")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Storage.CacheDir != "/mnt/fast/cache" {
		t.Errorf("CacheDir = %q", cfg.Storage.CacheDir)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Level = %q", cfg.Logging.Level)
	}
	if cfg.Web.Port != 9090 {
		t.Errorf("Port = %d", cfg.Web.Port)
	}
}

func TestEnvOverrideIgnoresBadPort(t *testing.T) {
	t.Setenv("ARKMGR_WEB_PORT", "not-a-port")
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Web.Port != 8085 {
		t.Errorf("Port = %d", cfg.Web.Port)
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Profiles = []Profile{{Name: "island"}, {Name: "island"}}
	if err := cfg.Validate(); err == nil {
		t.Error("duplicate profile names must be rejected")
	}

	cfg = Default()
	cfg.Profiles = []Profile{{Name: "  "}}
	if err := cfg.Validate(); err == nil {
		t.Error("blank profile names must be rejected")
	}

	cfg = Default()
	cfg.Watcher.IntervalMillis = 0
	if err := cfg.Validate(); err == nil {
		t.Error("non-positive watcher interval must be rejected")
	}

	cfg = Default()
	cfg.Backup.RetentionDays = -1
	if err := cfg.Validate(); err == nil {
		t.Error("negative retention must be rejected")
	}
}

func TestEnsureDirs(t *testing.T) {
	base := t.TempDir()
	cfg := Default()
	cfg.Storage.DataDir = filepath.Join(base, "data")
	cfg.Storage.CacheDir = filepath.Join(base, "data", "cache")
	cfg.Storage.BackupDir = filepath.Join(base, "data", "backups")
	cfg.Storage.OpsLogDir = filepath.Join(base, "data", "logs")
	cfg.Database.Path = filepath.Join(base, "data", "db", "arkmgr.db")

	if err := cfg.EnsureDirs(); err != nil {
		t.Fatal(err)
	}
	for _, dir := range []string{cfg.Storage.CacheDir, cfg.Storage.BackupDir, filepath.Dir(cfg.Database.Path)} {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			t.Errorf("directory %s not created", dir)
		}
	}
}
