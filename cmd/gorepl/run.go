package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/caffeineduck/gorepl/protocol"
)

var runCmd = &cobra.Command{
	Use:   "run [file]",
	Short: "Run a Starlark script in a fresh session",
	Long: `Execute Starlark code in a fresh worker session and exit.

Code can be provided via:
  - File argument: gorepl run script.star
  - Inline flag: gorepl run -c 'print(1+1)'
  - Stdin: echo 'print(1+1)' | gorepl run

With --eval the code is evaluated as one expression and its JSON value
printed.`,
	Args: cobra.MaximumNArgs(1),
	Run:  runRun,
}

func init() {
	runCmd.Flags().StringP("code", "c", "", "Code to execute")
	runCmd.Flags().Bool("eval", false, "Evaluate the code as an expression and print its value")
	runCmd.Flags().StringSlice("package", nil, "Package to install first: name, name==version or name=path (repeatable)")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) {
	code, err := readCode(cmd, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	pkgArgs, _ := cmd.Flags().GetStringSlice("package")
	packages, err := parsePackages(pkgArgs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	eval, _ := cmd.Flags().GetBool("eval")

	exec, reg := localExecutor(cmd)
	defer reg.CloseAll()

	ctx := context.Background()
	const sid = "run"

	if _, err := exec.Init(ctx, sid, packages); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		reg.CloseAll()
		os.Exit(1)
	}

	call := exec.Exec
	if eval {
		call = exec.Eval
	}
	reply, err := call(ctx, sid, "", code)
	if reply.Type != "" {
		printReply(cmd.OutOrStdout(), cmd.ErrOrStderr(), reply)
	}
	if err != nil || reply.Type == protocol.TypeError {
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		reg.CloseAll()
		os.Exit(1)
	}
}

func readCode(cmd *cobra.Command, args []string) (string, error) {
	code, _ := cmd.Flags().GetString("code")
	switch {
	case code != "":
		return code, nil
	case len(args) > 0:
		data, err := os.ReadFile(args[0])
		if err != nil {
			return "", fmt.Errorf("reading file: %w", err)
		}
		return string(data), nil
	default:
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return "", fmt.Errorf("reading stdin: %w", err)
		}
		if len(data) == 0 {
			return "", fmt.Errorf("no code provided (use -c, a file argument, or stdin)")
		}
		return string(data), nil
	}
}
