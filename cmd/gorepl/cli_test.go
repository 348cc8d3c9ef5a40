package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
)

func executeCommand(root *cobra.Command, args ...string) (string, error) {
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func TestCLIHelp(t *testing.T) {
	output, err := executeCommand(rootCmd, "--help")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expectedPhrases := []string{
		"gorepl",
		"Starlark",
		"run",
		"repl",
		"serve",
		"deps",
		"--package-dir",
		"--exec-timeout",
	}

	for _, phrase := range expectedPhrases {
		if !strings.Contains(output, phrase) {
			t.Errorf("help output should contain %q", phrase)
		}
	}
	if strings.Contains(output, "worker  ") {
		t.Error("worker command should be hidden")
	}
}

func TestCLIRunHelp(t *testing.T) {
	output, err := executeCommand(rootCmd, "run", "--help")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, phrase := range []string{"--code", "--eval", "--package"} {
		if !strings.Contains(output, phrase) {
			t.Errorf("run help output should contain %q", phrase)
		}
	}
}

func TestCLIReplHelp(t *testing.T) {
	output, err := executeCommand(rootCmd, "repl", "--help")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expectedPhrases := []string{
		"--package",
		"--history",
		"Command history",
		":stream",
		":sexec",
		":reset",
	}

	for _, phrase := range expectedPhrases {
		if !strings.Contains(output, phrase) {
			t.Errorf("repl help output should contain %q", phrase)
		}
	}
}

func TestCLIServeHelp(t *testing.T) {
	output, err := executeCommand(rootCmd, "serve", "--help")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expectedPhrases := []string{
		"--config",
		"--addr",
		"--no-cors",
		"--session-ttl",
		"/api/stream/poll",
		"X-Session-ID",
	}

	for _, phrase := range expectedPhrases {
		if !strings.Contains(output, phrase) {
			t.Errorf("serve help output should contain %q", phrase)
		}
	}
}

func TestCLIDepsHelp(t *testing.T) {
	output, err := executeCommand(rootCmd, "deps", "--help")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, phrase := range []string{"install", "list", "remove", "name==1.2.0"} {
		if !strings.Contains(output, phrase) {
			t.Errorf("deps help output should contain %q", phrase)
		}
	}
}

func TestParseInstallArg(t *testing.T) {
	tests := []struct {
		arg      string
		wantName string
		wantSpec string
		wantErr  bool
	}{
		{arg: "mathx", wantName: "mathx", wantSpec: "mathx"},
		{arg: "mathx==1.2.0", wantName: "mathx", wantSpec: "mathx==1.2.0"},
		{arg: "m=./lib/mathx.star", wantName: "m", wantSpec: "./lib/mathx.star"},
		{arg: "./lib/mathx-v1.0.0.star", wantName: "mathx", wantSpec: "./lib/mathx-v1.0.0.star"},
		{arg: "arith.wasm", wantName: "arith", wantSpec: "arith.wasm"},
		{arg: "https://example.com/pkgs/geo-v0.3.1.star?x=1", wantName: "geo", wantSpec: "https://example.com/pkgs/geo-v0.3.1.star?x=1"},
		{arg: "", wantErr: true},
		{arg: "bad-name", wantErr: true},
		{arg: "x=", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.arg, func(t *testing.T) {
			name, spec, err := parseInstallArg(tt.arg)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("parseInstallArg(%q) expected error, got %q %q", tt.arg, name, spec)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseInstallArg(%q) unexpected error: %v", tt.arg, err)
			}
			if name != tt.wantName || spec != tt.wantSpec {
				t.Errorf("parseInstallArg(%q) = %q, %q; want %q, %q", tt.arg, name, spec, tt.wantName, tt.wantSpec)
			}
		})
	}
}

func TestParsePackagesAreRequired(t *testing.T) {
	pkgs, err := parsePackages([]string{"mathx==1.0.0", "geo"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pkgs) != 2 {
		t.Fatalf("expected 2 packages, got %d", len(pkgs))
	}
	for _, p := range pkgs {
		if !p.Required {
			t.Errorf("package %s should be required", p.Import)
		}
	}
	if pkgs[0].Specifier() != "mathx==1.0.0" {
		t.Errorf("unexpected specifier %q", pkgs[0].Specifier())
	}
}

func TestCLIDepsLifecycle(t *testing.T) {
	pkgDir := filepath.Join(t.TempDir(), "packages")
	src := filepath.Join(t.TempDir(), "mathx-v1.2.0.star")
	if err := os.WriteFile(src, []byte("def twice(x):\n    return 2 * x\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	output, err := executeCommand(rootCmd, "deps", "list", "--package-dir", pkgDir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(output, "No packages installed") {
		t.Errorf("expected empty list message, got %q", output)
	}

	output, err = executeCommand(rootCmd, "deps", "install", "--package-dir", pkgDir, src)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(output, "Installed mathx v1.2.0 (star)") {
		t.Errorf("unexpected install output %q", output)
	}
	if _, err := os.Stat(filepath.Join(pkgDir, "mathx.star")); err != nil {
		t.Errorf("package file not installed: %v", err)
	}

	output, err = executeCommand(rootCmd, "deps", "list", "--package-dir", pkgDir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, phrase := range []string{"NAME", "mathx", "v1.2.0", "star"} {
		if !strings.Contains(output, phrase) {
			t.Errorf("list output should contain %q, got %q", phrase, output)
		}
	}

	output, err = executeCommand(rootCmd, "deps", "remove", "--package-dir", pkgDir, "mathx")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(output, "Removed mathx") {
		t.Errorf("unexpected remove output %q", output)
	}
	if _, err := os.Stat(filepath.Join(pkgDir, "mathx.star")); !os.IsNotExist(err) {
		t.Errorf("package file should be gone, stat err = %v", err)
	}
}

func TestServeConfigOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gorepl.toml")
	data := "addr = \"0.0.0.0:7000\"\nsession_ttl = \"10m\"\nexec_timeout = \"5s\"\nread_timeout = \"8s\"\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cmd := &cobra.Command{Use: "serve"}
	cmd.Flags().AddFlagSet(serveCmd.Flags())
	cmd.Flags().AddFlagSet(rootCmd.PersistentFlags())
	if err := cmd.ParseFlags([]string{"--config", path, "--addr", "127.0.0.1:9000", "--no-cors"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}

	cfg, err := serveConfig(cmd)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Addr != "127.0.0.1:9000" {
		t.Errorf("addr = %q, want flag override", cfg.Addr)
	}
	if cfg.SessionTTL != 10*time.Minute {
		t.Errorf("session ttl = %s, want 10m from file", cfg.SessionTTL)
	}
	if cfg.ExecTimeout != 5*time.Second || cfg.ReadTimeout != 8*time.Second {
		t.Errorf("timeouts = %s/%s, want 5s/8s", cfg.ExecTimeout, cfg.ReadTimeout)
	}
	if cfg.CORS {
		t.Error("cors should be disabled by --no-cors")
	}
}

func TestCLICompletionCommands(t *testing.T) {
	for _, shell := range []string{"bash", "zsh", "fish", "powershell"} {
		t.Run(shell, func(t *testing.T) {
			output, err := executeCommand(rootCmd, "completion", shell)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(output) == 0 {
				t.Errorf("%s completion should produce output", shell)
			}
		})
	}
}
