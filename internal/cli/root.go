// Package cli wires the command line to the finder.
package cli

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"parasiteinvoke/internal/config"
	"parasiteinvoke/internal/generation"
	"parasiteinvoke/internal/logging"
	"parasiteinvoke/internal/metadata"
	"parasiteinvoke/internal/nuget"
	"parasiteinvoke/internal/scan"
)

// Exit codes.
const (
	ExitOK          = 0
	ExitUsage       = 1
	ExitMissingPath = 2
	ExitFailure     = 3
)

//go:embed banner.txt
var banner string

// Opens the -o destination. Replaced in tests.
var createOutput = func(path string) (io.WriteCloser, error) {
	return os.Create(path)
}

// exitError carries the process exit code for a failed run.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

type options struct {
	path       string
	recurse    bool
	method     string
	workers    int
	format     string
	nuget      string
	configPath string
	logLevel   string
	output     string
	banner     bool
}

// NewRootCmd builds the root command writing snippets to stdout and
// diagnostics to stderr.
func NewRootCmd(stdout, stderr io.Writer) *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "parasite-invoke",
		Short: "Generate reflection snippets for P/Invoke methods in .NET assemblies",
		Long: `Lists the P/Invoke (DllImport) methods declared in .NET assemblies and prints,
for each one, a snippet that loads the assembly and calls the method through
reflection, so hidden or non-public native imports can be reused from a
debugger or scripting console.

Files that are not .NET assemblies are skipped silently.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts, stdout, stderr)
		},
	}

	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	flags := cmd.Flags()
	flags.StringVar(&opts.path, "path", "", "The start directory to list .NET assemblies from.")
	flags.BoolVarP(&opts.recurse, "recurse", "r", false, "Recursively discover assemblies")
	flags.StringVar(&opts.method, "method", "", "Name of the PInvoke method to find")
	flags.IntVar(&opts.workers, "workers", 0, "Number of files scanned in parallel (default from config, 1)")
	flags.StringVar(&opts.format, "format", "", "Snippet language: csharp or go (default from config, csharp)")
	flags.StringVar(&opts.nuget, "nuget", "", "Scan a NuGet package instead of a directory, as <id>[@version]")
	flags.StringVar(&opts.configPath, "config", "", "Path to a YAML config file")
	flags.StringVar(&opts.logLevel, "log-level", "info", "Log level: trace, debug, info, warn, error")
	flags.StringVarP(&opts.output, "output", "o", "", "Write snippets to this file instead of stdout")
	flags.BoolVar(&opts.banner, "banner", false, "Print the banner to stderr before scanning")

	return cmd
}

func run(cmd *cobra.Command, opts *options, stdout, stderr io.Writer) (runErr error) {
	if opts.banner {
		fmt.Fprintln(stderr, banner)
	}

	if opts.path == "" && opts.nuget == "" {
		_ = cmd.Help()
		return &exitError{code: ExitUsage, err: errors.New("--path or --nuget is required")}
	}

	log := logging.NewWithComponent(logging.Config{Level: opts.logLevel, Pretty: true, Output: stderr}, "parasite-invoke")

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return &exitError{code: ExitFailure, err: err}
	}
	if cmd.Flags().Changed("workers") {
		cfg.Workers = opts.workers
	}
	if opts.format != "" {
		cfg.Format = opts.format
	}
	if err := cfg.Validate(); err != nil {
		return &exitError{code: ExitFailure, err: err}
	}

	format, err := generation.ParseFormat(cfg.Format)
	if err != nil {
		return &exitError{code: ExitFailure, err: err}
	}

	root := opts.path
	if opts.nuget != "" {
		dir, err := fetchPackage(cmd.Context(), opts.nuget, cfg.Extensions, log)
		if err != nil {
			return &exitError{code: ExitFailure, err: err}
		}
		defer os.RemoveAll(dir)
		root = dir
	} else if info, err := os.Stat(root); err != nil || !info.IsDir() {
		fmt.Fprintf(stdout, "Path doesn't exists: %s\n", root)
		return &exitError{code: ExitMissingPath, err: fmt.Errorf("path %s does not exist", root)}
	}

	out := stdout
	if opts.output != "" {
		file, err := createOutput(opts.output)
		if err != nil {
			return &exitError{code: ExitFailure, err: fmt.Errorf("creating output file: %w", err)}
		}
		// write errors on network filesystems surface on close
		defer func() {
			if err := file.Close(); err != nil && runErr == nil {
				runErr = &exitError{code: ExitFailure, err: fmt.Errorf("closing output file: %w", err)}
			}
		}()
		out = file
	}

	finder := &scan.Finder{
		Extensions:  cfg.Extensions,
		Recurse:     opts.recurse || opts.nuget != "",
		Method:      opts.method,
		Workers:     cfg.Workers,
		Synthesizer: generation.NewSynthesizer(generation.NewRenderer(cfg.Aliases), format),
		Sink:        generation.NewSink(out),
		Read:        metadata.ReadMethods,
		Log:         log,
	}

	if err := finder.Run(cmd.Context(), root); err != nil {
		return &exitError{code: ExitFailure, err: fmt.Errorf("writing snippets: %w", err)}
	}

	return nil
}

func fetchPackage(ctx context.Context, reference string, extensions []string, log zerolog.Logger) (string, error) {
	id, packageVersion, err := nuget.ParseReference(reference)
	if err != nil {
		return "", err
	}

	dir, err := os.MkdirTemp("", "parasite-invoke-*")
	if err != nil {
		return "", fmt.Errorf("creating download directory: %w", err)
	}

	if _, err := nuget.NewClient(log).Fetch(ctx, id, packageVersion, dir, extensions); err != nil {
		os.RemoveAll(dir)
		return "", err
	}

	return dir, nil
}

// Execute runs the command line and returns the process exit code.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := NewRootCmd(stdout, stderr)
	cmd.SetArgs(args)

	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return ExitOK
	}

	fmt.Fprintf(stderr, "Error: %v\n", err)

	var exit *exitError
	if errors.As(err, &exit) {
		return exit.code
	}

	return ExitUsage
}
