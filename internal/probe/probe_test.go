package probe

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/arkops/arkmgr/internal/profile"
)

func TestSamePath(t *testing.T) {
	if !SamePath("/srv/ark/island/", "/srv/ark/island") {
		t.Error("trailing separator must not matter")
	}
	if !SamePath("/srv/ark/./island", "/srv/ark/island") {
		t.Error("dot segments must be cleaned")
	}
	if SamePath("/srv/ark/island", "/srv/ark/center") {
		t.Error("distinct paths must not match")
	}
}

func TestMatchesCommandLine(t *testing.T) {
	dir := "/srv/ark/island"
	cmdline := "/srv/ark/island/ShooterGame/Binaries/Linux/ShooterGameServer " +
		"TheIsland?listen?MultiHome=10.0.0.5?Port=7777?QueryPort=27015 -server -log"

	if !MatchesCommandLine(cmdline, dir, 27015, "10.0.0.5") {
		t.Error("full match expected")
	}
	if !MatchesCommandLine(cmdline, dir, 27015, "") {
		t.Error("empty bind IP must not be required")
	}
	if !MatchesCommandLine(cmdline, dir, 0, "") {
		t.Error("zero query port must not be required")
	}
	if MatchesCommandLine(cmdline, dir, 27016, "") {
		t.Error("wrong query port must not match")
	}
	if MatchesCommandLine(cmdline, dir, 27015, "10.0.0.6") {
		t.Error("wrong bind IP must not match")
	}
	if MatchesCommandLine(cmdline, "/srv/ark/center", 27015, "") {
		t.Error("wrong install dir must not match")
	}
}

func TestBinaryInstalled(t *testing.T) {
	p := New()
	dir := t.TempDir()

	if p.BinaryInstalled(dir) {
		t.Error("empty install dir must not report an installed binary")
	}

	binPath := filepath.Join(dir, profile.ServerBinaryRelPath())
	if err := os.MkdirAll(filepath.Dir(binPath), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(binPath, []byte{0}, 0o755); err != nil {
		t.Fatal(err)
	}
	if !p.BinaryInstalled(dir) {
		t.Error("binary at the expected path must be detected")
	}
}

func TestFindProcessNoMatchIsNotAnError(t *testing.T) {
	p := New()
	proc, err := p.FindProcess(t.TempDir())
	if err != nil {
		t.Fatalf("no-match lookup failed: %v", err)
	}
	if proc != nil {
		t.Errorf("no server should be running from a fresh temp dir, got pid %d", proc.Pid)
	}

	pid, found, err := p.FindPID(t.TempDir(), 27015, "")
	if err != nil || found || pid != 0 {
		t.Errorf("FindPID = (%d, %v, %v)", pid, found, err)
	}
}
