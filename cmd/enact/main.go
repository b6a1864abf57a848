// Command enact validates, signs, publishes and runs tools through the trust
// pipeline, and serves the same pipeline over HTTP.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/matiasleandrokruk/enact/internal/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

type command func(ctx context.Context, args []string, out, errOut io.Writer) int

var commands = map[string]command{
	"validate": cmdValidate,
	"run":      cmdRun,
	"sign":     cmdSign,
	"keygen":   cmdKeygen,
	"env":      cmdEnv,
	"publish":  cmdPublish,
	"search":   cmdSearch,
	"token":    cmdToken,
	"serve":    cmdServe,
}

func run(ctx context.Context, args []string, out, errOut io.Writer) int {
	fs := flag.NewFlagSet("enact", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	showVersion := fs.Bool("version", false, "Show version information")
	showHelp := fs.Bool("help", false, "Show help")

	if err := fs.Parse(args); err != nil {
		return 2
	}

	if *showVersion {
		fmt.Fprintln(out, version.String()) //nolint:errcheck
		return 0
	}

	rest := fs.Args()
	if *showHelp || len(rest) == 0 {
		printHelp(out)
		return 0
	}

	if rest[0] == "version" {
		fmt.Fprintln(out, version.String()) //nolint:errcheck
		return 0
	}
	cmd, ok := commands[rest[0]]
	if !ok {
		fmt.Fprintf(errOut, "enact: unknown command %q\n\n", rest[0]) //nolint:errcheck
		printHelp(errOut)
		return 2
	}
	return cmd(ctx, rest[1:], out, errOut)
}

func printHelp(out io.Writer) {
	helpText := `enact - run signed tools through a verified pipeline

Usage:
  enact [options] <command> [arguments]

Options:
  --version    Show version information
  --help       Show this help message

Commands:
  validate     Check a tool definition and its command safety
  run          Execute a tool file or a published tool
  sign         Append a signature to a tool definition
  keygen       Create an ed25519 signing key pair
  env          Manage package environment variables (set, list, delete)
  publish      Publish a signed tool to the local registry
  search       Search the local registry
  token        Issue an API token
  serve        Start the HTTP API
  version      Show version information

Examples:
  enact validate tool.yaml
  enact run --dry-run tool.yaml text=hello
  enact keygen --signer alice --trust
  enact sign --key ~/.enact/keys/alice --signer alice tool.yaml
  enact env set acme API_KEY s3cret
  enact serve`
	fmt.Fprintln(out, helpText) //nolint:errcheck
}
