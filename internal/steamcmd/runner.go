// Package steamcmd drives the external download tool. The tool is a black
// box: the core passes arguments and a working directory, consumes a
// line-oriented output stream and an exit code.
package steamcmd

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
)

// ServerAppID is the dedicated-server application id on the platform.
const ServerAppID = "376030"

// Result summarizes one tool invocation.
type Result struct {
	ExitCode      int
	SuccessMarker bool // the tool reported a fully-installed app
	SawDownload   bool // the tool actually downloaded something
}

// Runner invokes the download tool binary.
type Runner struct {
	binPath string
}

// NewRunner creates a runner for the tool at binPath.
func NewRunner(binPath string) *Runner {
	return &Runner{binPath: binPath}
}

// Available reports whether the tool binary can be found.
func (r *Runner) Available() bool {
	if strings.ContainsAny(r.binPath, `/\`) {
		_, err := os.Stat(r.binPath)
		return err == nil
	}
	_, err := exec.LookPath(r.binPath)
	return err == nil
}

// Run executes the tool, streaming every output line to onLine (which may be
// nil). The context cancels the child process. A non-zero exit is reported in
// Result, not as an error; errors are reserved for failures to launch or
// stream.
func (r *Runner) Run(ctx context.Context, args []string, workDir string, onLine func(string)) (*Result, error) {
	cmd := exec.CommandContext(ctx, r.binPath, args...)
	if strings.TrimSpace(workDir) != "" {
		cmd.Dir = workDir
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start download tool: %w", err)
	}

	result := &Result{}
	outputCh := make(chan string, 32)
	done := make(chan struct{})

	readPipe := func(reader io.Reader) {
		scanner := bufio.NewScanner(reader)
		scanner.Split(splitOnNewlineOrCarriageReturn)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			outputCh <- scanner.Text()
		}
		done <- struct{}{}
	}

	go readPipe(stdout)
	go readPipe(stderr)

	go func() {
		<-done
		<-done
		close(outputCh)
	}()

	for line := range outputCh {
		ClassifyLine(line, result)
		if onLine != nil {
			onLine(line)
		}
	}

	if err := cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return nil, fmt.Errorf("download tool failed: %w", err)
	}
	return result, nil
}

// ClassifyLine updates the result from one output line.
func ClassifyLine(line string, result *Result) {
	if strings.Contains(line, "Success! App '") && strings.Contains(line, "fully installed") {
		result.SuccessMarker = true
	}
	lower := strings.ToLower(line)
	if strings.Contains(lower, "downloading") || strings.Contains(lower, "update state") {
		result.SawDownload = true
	}
}

// InstallArgs builds the invocation that refreshes a branch cache.
func InstallArgs(cacheDir, branch, branchPassword string, validate bool) []string {
	args := []string{
		"+force_install_dir", cacheDir,
		"+login", "anonymous",
		"+app_update", ServerAppID,
	}
	if branch != "" {
		args = append(args, "-beta", branch)
		if branchPassword != "" {
			args = append(args, "-betapassword", branchPassword)
		}
	}
	if validate {
		args = append(args, "validate")
	}
	return append(args, "+quit")
}

// ModDownloadArgs builds the invocation that downloads one workshop mod into
// the shared mod cache.
func ModDownloadArgs(workshopDir, appID, modID string) []string {
	return []string{
		"+force_install_dir", workshopDir,
		"+login", "anonymous",
		"+workshop_download_item", appID, modID,
		"+quit",
	}
}

// splitOnNewlineOrCarriageReturn treats both \n and bare \r as line breaks,
// so the tool's in-place progress updates become individual lines.
func splitOnNewlineOrCarriageReturn(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		advance = i + 1
		if data[i] == '\r' && i+1 < len(data) && data[i+1] == '\n' {
			advance++
		}
		return advance, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
