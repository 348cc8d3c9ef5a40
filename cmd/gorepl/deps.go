package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/caffeineduck/gorepl/hostfunc"
)

var depsCmd = &cobra.Command{
	Use:   "deps",
	Short: "Manage packages available to sessions",
	Long: `Install and manage Starlark (.star) and WebAssembly (.wasm) packages.

Packages are resolved from the local index (--package-index), a file path
or an http(s) URL, and installed into --package-dir where workers load
them at init.

Arguments take the forms:
  name              Highest release of name in the index
  name==1.2.0       Exact version from the index
  name=./lib.star   File or URL installed under name
  ./name-v1.0.0.star  File or URL, name taken from the file`,
}

var depsInstallCmd = &cobra.Command{
	Use:   "install [packages...]",
	Short: "Install packages",
	Args:  cobra.MinimumNArgs(1),
	Run:   runDepsInstall,
}

var depsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List installed packages",
	Run:   runDepsList,
}

var depsRemoveCmd = &cobra.Command{
	Use:   "remove [packages...]",
	Short: "Remove packages",
	Args:  cobra.MinimumNArgs(1),
	Run:   runDepsRemove,
}

func init() {
	depsInstallCmd.Flags().Bool("pre", false, "Allow pre-release versions")
	depsCmd.AddCommand(depsInstallCmd, depsListCmd, depsRemoveCmd)
	rootCmd.AddCommand(depsCmd)
}

func installer(cmd *cobra.Command) *hostfunc.Installer {
	cfg := workerConfig(cmd)
	return hostfunc.NewInstaller(hostfunc.PkgConfig{
		PackageDir: cfg.PackageDir,
		IndexDir:   cfg.PackageIndex,
	})
}

func runDepsInstall(cmd *cobra.Command, args []string) {
	pre, _ := cmd.Flags().GetBool("pre")
	inst := installer(cmd)

	failed := false
	for _, arg := range args {
		name, spec, err := parseInstallArg(arg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			failed = true
			continue
		}
		pkg, err := inst.Install(context.Background(), name, spec, pre)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error installing %s: %v\n", name, err)
			failed = true
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Installed %s %s (%s)\n", pkg.Name, pkg.Version, pkg.Kind)
	}
	if failed {
		os.Exit(1)
	}
}

func runDepsList(cmd *cobra.Command, args []string) {
	inst := installer(cmd)
	pkgs, err := inst.List()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if len(pkgs) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "No packages installed in %s\n", inst.PackageDir())
		return
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tVERSION\tKIND")
	for _, p := range pkgs {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", p.Name, p.Version, p.Kind)
	}
	tw.Flush()
}

func runDepsRemove(cmd *cobra.Command, args []string) {
	inst := installer(cmd)
	failed := false
	for _, name := range args {
		if err := inst.Remove(name); err != nil {
			fmt.Fprintf(os.Stderr, "Error removing %s: %v\n", name, err)
			failed = true
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", name)
	}
	if failed {
		os.Exit(1)
	}
}
