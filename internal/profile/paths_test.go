package profile

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/matheus3301/atlas/internal/config"
)

func TestDir(t *testing.T) {
	t.Setenv(BaseDirEnv, "")
	home, _ := os.UserHomeDir()
	got := Dir("main")
	want := filepath.Join(home, ".atlas", "profiles", "main")
	if got != want {
		t.Errorf("Dir(main) = %q, want %q", got, want)
	}
}

func TestBaseDirOverride(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv(BaseDirEnv, tmpDir)
	if got := CachePath("work"); got != filepath.Join(tmpDir, "profiles", "work", "cache.db") {
		t.Errorf("CachePath(work) = %q", got)
	}
	if got := ConfigPath(); got != filepath.Join(tmpDir, "config.toml") {
		t.Errorf("ConfigPath() = %q", got)
	}
}

func TestSocketPath(t *testing.T) {
	got := SocketPath("test")
	if !strings.HasSuffix(got, filepath.Join("profiles", "test", "daemon.sock")) {
		t.Errorf("SocketPath(test) = %q, want suffix profiles/test/daemon.sock", got)
	}
}

func TestLockPath(t *testing.T) {
	got := LockPath("test")
	if !strings.HasSuffix(got, filepath.Join("profiles", "test", "LOCK")) {
		t.Errorf("LockPath(test) = %q, want suffix profiles/test/LOCK", got)
	}
}

func TestEnsureDir(t *testing.T) {
	t.Setenv(BaseDirEnv, t.TempDir())
	if err := EnsureDir("test"); err != nil {
		t.Fatal(err)
	}
	for _, dir := range []string{Dir("test"), LogDir("test")} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Fatalf("%s not created: %v", dir, err)
		}
		if !info.IsDir() || info.Mode().Perm() != 0700 {
			t.Errorf("%s mode = %v, want dir 0700", dir, info.Mode())
		}
	}
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name string
		flag string
		cfg  *config.Config
		want string
	}{
		{"flag wins", "work", &config.Config{DefaultProfile: "home"}, "work"},
		{"config default", "", &config.Config{DefaultProfile: "home"}, "home"},
		{"fallback", "", nil, DefaultProfileName},
		{"empty config", "", &config.Config{}, DefaultProfileName},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Resolve(tt.flag, tt.cfg); got != tt.want {
				t.Errorf("Resolve() = %q, want %q", got, tt.want)
			}
		})
	}
}
