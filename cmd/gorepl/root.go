package main

import (
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/caffeineduck/gorepl/executor"
	"github.com/caffeineduck/gorepl/protocol"
	"github.com/caffeineduck/gorepl/worker"
)

var rootCmd = &cobra.Command{
	Use:   "gorepl",
	Short: "Stateful Starlark interpreter sessions over HTTP",
	Long: `gorepl - Run persistent Starlark interpreter sessions, one worker process each.

A session keeps its namespace between requests, so variables and functions
defined by one exec are visible to the next. Sessions can also stream the
results of a step function until it reports done.

Use "gorepl serve" for the HTTP API, "gorepl repl" for a local console and
"gorepl run" for one-off scripts.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("package-dir", ".gorepl/packages", "Installed package directory")
	rootCmd.PersistentFlags().String("package-index", "", "Local package index directory")
	rootCmd.PersistentFlags().Duration("exec-timeout", worker.DefaultExecTimeout, "Per-call execution budget inside the worker")
}

// workerConfig builds the worker configuration from the persistent flags.
func workerConfig(cmd *cobra.Command) worker.Config {
	cfg := worker.DefaultConfig()
	flags := cmd.Flags()
	cfg.PackageDir, _ = flags.GetString("package-dir")
	cfg.PackageIndex, _ = flags.GetString("package-index")
	cfg.ExecTimeout, _ = flags.GetDuration("exec-timeout")
	return cfg
}

// localExecutor starts a registry whose sessions run this binary as worker.
func localExecutor(cmd *cobra.Command) (*executor.Executor, *executor.Registry) {
	cfg := workerConfig(cmd)
	reg := executor.NewRegistry(executor.WithSessionOptions(executor.WithWorkerConfig(cfg)))
	exec := executor.New(reg, executor.WithReadTimeout(cfg.ExecTimeout+5*time.Second))
	return exec, reg
}

// parsePackages turns "name", "name==version" and "name=spec" arguments into
// required packages.
func parsePackages(args []string) ([]protocol.Package, error) {
	var pkgs []protocol.Package
	for _, arg := range args {
		name, spec, err := parseInstallArg(arg)
		if err != nil {
			return nil, err
		}
		pkgs = append(pkgs, protocol.Package{Import: name, Install: spec, Required: true})
	}
	return pkgs, nil
}

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// parseInstallArg splits a package argument into import name and installer
// spec. A bare path or URL takes its name from the file, minus any -vX.Y.Z
// suffix.
func parseInstallArg(arg string) (name, spec string, err error) {
	arg = strings.TrimSpace(arg)
	prefix, rest, found := strings.Cut(arg, "=")
	switch {
	case found && identifier.MatchString(prefix) && strings.HasPrefix(rest, "="):
		name, spec = prefix, arg
	case found && identifier.MatchString(prefix):
		name, spec = prefix, rest
	case strings.ContainsAny(arg, "/\\") || strings.HasSuffix(arg, ".star") || strings.HasSuffix(arg, ".wasm"):
		name, spec = nameFromFile(arg), arg
	default:
		name, spec = arg, arg
	}
	if !identifier.MatchString(name) || spec == "" {
		return "", "", fmt.Errorf("invalid package %q (expected name, name==version or name=path)", arg)
	}
	return name, spec, nil
}

func nameFromFile(spec string) string {
	if u, err := url.Parse(spec); err == nil && u.Scheme != "" {
		spec = u.Path
	}
	base := path.Base(filepath.ToSlash(spec))
	base = strings.TrimSuffix(strings.TrimSuffix(base, ".star"), ".wasm")
	if i := strings.LastIndex(base, "-v"); i > 0 {
		base = base[:i]
	}
	return base
}

// printReply writes a reply's captured output followed by its value or error.
func printReply(stdout, stderr io.Writer, reply protocol.Message) {
	fmt.Fprint(stdout, reply.Stdout)
	fmt.Fprint(stderr, reply.Stderr)
	switch reply.Type {
	case protocol.TypeValue:
		fmt.Fprintln(stdout, reply.Value)
	case protocol.TypeError:
		if reply.Traceback != "" {
			fmt.Fprint(stderr, reply.Traceback)
			if !strings.HasSuffix(reply.Traceback, "\n") {
				fmt.Fprintln(stderr)
			}
		}
		fmt.Fprintf(stderr, "Error: %s\n", reply.Error)
	}
}
