package launcher

import (
	"reflect"
	"strings"
	"testing"

	"github.com/arkops/arkmgr/internal/profile"
)

func TestQueryArgs(t *testing.T) {
	snap := profile.Snapshot{
		MapName:       "TheIsland",
		ServerIP:      "10.0.0.5",
		GamePort:      7777,
		QueryPort:     27015,
		RCONEnabled:   true,
		RCONPort:      32330,
		AdminPassword: "hunter2",
	}
	got := QueryArgs(snap)
	want := "TheIsland?listen?MultiHome=10.0.0.5?Port=7777?QueryPort=27015" +
		"?RCONEnabled=True?RCONPort=32330?ServerAdminPassword=hunter2"
	if got != want {
		t.Errorf("QueryArgs() = %q, want %q", got, want)
	}
}

func TestQueryArgsMinimal(t *testing.T) {
	got := QueryArgs(profile.Snapshot{MapName: "Ragnarok"})
	if got != "Ragnarok?listen" {
		t.Errorf("QueryArgs() = %q", got)
	}
	if strings.Contains(got, "RCONEnabled") {
		t.Error("rcon settings must be omitted when disabled")
	}
}

func TestFlags(t *testing.T) {
	got := Flags(profile.Snapshot{})
	if !reflect.DeepEqual(got, []string{"-server", "-log"}) {
		t.Errorf("base flags = %v", got)
	}

	got = Flags(profile.Snapshot{TotalConversionModID: "496735411", SOTF: true})
	want := []string{"-server", "-log", "-TotalConversionMod=496735411", "-sotf"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("flags = %v", got)
	}
}

func TestStartMissingBinary(t *testing.T) {
	snap := profile.Snapshot{ProfileName: "island", InstallDir: t.TempDir(), MapName: "TheIsland"}
	if _, err := Start(snap); err == nil {
		t.Error("starting without an installed binary must fail")
	}
}
