package steamcmd

import (
	"bufio"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func TestSplitOnNewlineOrCarriageReturn(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  []string
	}{
		{"newlines", "a\nb\nc", []string{"a", "b", "c"}},
		{"bare carriage returns", "10%\r20%\r30%", []string{"10%", "20%", "30%"}},
		{"crlf pairs", "a\r\nb\r\n", []string{"a", "b"}},
		{"mixed", "progress 10%\rprogress 90%\ndone", []string{"progress 10%", "progress 90%", "done"}},
		{"trailing partial", "no terminator", []string{"no terminator"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			scanner := bufio.NewScanner(strings.NewReader(tc.input))
			scanner.Split(splitOnNewlineOrCarriageReturn)
			var got []string
			for scanner.Scan() {
				got = append(got, scanner.Text())
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Errorf("split %q = %v, want %v", tc.input, got, tc.want)
			}
		})
	}
}

func TestClassifyLine(t *testing.T) {
	var r Result
	ClassifyLine(" Update state (0x61) downloading, progress: 12.04", &r)
	if !r.SawDownload {
		t.Error("download progress line must set SawDownload")
	}
	if r.SuccessMarker {
		t.Error("progress line must not set SuccessMarker")
	}

	ClassifyLine("Success! App '376030' fully installed.", &r)
	if !r.SuccessMarker {
		t.Error("completion line must set SuccessMarker")
	}

	var clean Result
	ClassifyLine("Loading Steam API...OK", &clean)
	if clean.SawDownload || clean.SuccessMarker {
		t.Errorf("neutral line must not classify, got %+v", clean)
	}
}

func TestInstallArgs(t *testing.T) {
	got := InstallArgs("/srv/cache/default", "", "", false)
	want := []string{
		"+force_install_dir", "/srv/cache/default",
		"+login", "anonymous",
		"+app_update", ServerAppID,
		"+quit",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("default branch args = %v", got)
	}

	got = InstallArgs("/srv/cache/beta", "earlybird", "s3cret", true)
	want = []string{
		"+force_install_dir", "/srv/cache/beta",
		"+login", "anonymous",
		"+app_update", ServerAppID,
		"-beta", "earlybird",
		"-betapassword", "s3cret",
		"validate",
		"+quit",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("beta branch args = %v", got)
	}
}

func TestInstallArgsPasswordRequiresBranch(t *testing.T) {
	got := InstallArgs("/srv/cache/default", "", "orphan-password", false)
	for _, a := range got {
		if a == "-betapassword" || a == "orphan-password" {
			t.Fatalf("password must not be passed without a branch: %v", got)
		}
	}
}

func TestModDownloadArgs(t *testing.T) {
	got := ModDownloadArgs("/srv/cache/workshop", "346110", "731604991")
	want := []string{
		"+force_install_dir", "/srv/cache/workshop",
		"+login", "anonymous",
		"+workshop_download_item", "346110", "731604991",
		"+quit",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("mod download args = %v", got)
	}
}

func TestAvailable(t *testing.T) {
	if (&Runner{binPath: filepath.Join(t.TempDir(), "missing")}).Available() {
		t.Error("nonexistent path must not be available")
	}
	if (&Runner{binPath: "definitely-not-a-real-binary-name"}).Available() {
		t.Error("unknown PATH entry must not be available")
	}
}
