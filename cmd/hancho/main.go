// Command hancho runs a build described by .hancho scripts.
//
// Usage:
//
//	hancho [flags] [target-regex] [-key=value ...]
//
// Unrecognized -key=value arguments become fields on the root config.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"regexp"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aappleby/hancho"
)

var (
	opts hancho.Options
	tool string
)

var rootCmd = &cobra.Command{
	Use:           "hancho [target]",
	Short:         "a simple, pleasant build system",
	SilenceUsage:  true,
	SilenceErrors: true,
	Args:          cobra.ArbitraryArgs,
	FParseErrWhitelist: cobra.FParseErrWhitelist{
		UnknownFlags: true,
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBuild(args)
	},
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVarP(&opts.RootFile, "root_file", "f", "build.hancho", "the name of the .hancho file to build")
	flags.StringVarP(&opts.RootDir, "root_dir", "C", "", "directory to load the root build file from")
	flags.CountVarP(&opts.Verbosity, "verbose", "v", "increase verbosity (-v, -vv, -vvv)")
	flags.BoolVarP(&opts.Debug, "debug", "d", false, "print debugging information")
	flags.BoolVar(&opts.Force, "force", false, "force rebuild of everything")
	flags.BoolVar(&opts.Trace, "trace", false, "trace all text expansion")
	flags.IntVarP(&opts.Jobs, "jobs", "j", 0, "run N jobs in parallel (default = cpu count)")
	flags.BoolVarP(&opts.Quiet, "quiet", "q", false, "mute all output")
	flags.BoolVarP(&opts.DryRun, "dry_run", "n", false, "do not run commands")
	flags.BoolVarP(&opts.Shuffle, "shuffle", "s", false, "shuffle task order to shake out dependency issues")
	flags.StringVarP(&tool, "tool", "t", "", "run a subtool")
	flags.IntVarP(&opts.KeepGoing, "keep_going", "k", 1, "keep going until N jobs fail (0 means infinity)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "hancho: %v\n", err)
		os.Exit(1)
	}
}

var extraFlagRegex = regexp.MustCompile(`^-+([^=\s]+)(?:=(\S+))?$`)

// splitArgs separates the positional target regex from key=value and
// -key=value arguments, which become root config fields.
func splitArgs(args []string) (target string, extra map[string]hancho.Variant) {
	extra = make(map[string]hancho.Variant)
	for _, arg := range args {
		if m := extraFlagRegex.FindStringSubmatch(arg); m != nil {
			if m[2] == "" {
				extra[m[1]] = true
			} else {
				extra[m[1]] = maybeAsNumber(m[2])
			}
			continue
		}
		if key, val, found := strings.Cut(arg, "="); found {
			extra[key] = maybeAsNumber(val)
			continue
		}
		if target == "" {
			target = arg
		}
	}
	return target, extra
}

// maybeAsNumber converts flag values to ints or floats when they parse as
// one.
func maybeAsNumber(text string) hancho.Variant {
	if n, err := strconv.Atoi(text); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(text, 64); err == nil {
		return f
	}
	return text
}

func runBuild(args []string) error {
	target, extra := splitArgs(args)
	opts.Target = target

	eng := hancho.NewEngine(opts, os.Stdout)

	root, err := eng.RootContext()
	if err != nil {
		return err
	}
	root.Config.Merge(extra)

	if _, err := root.LoadRoot(); err != nil {
		return err
	}

	if tool != "" {
		return runTool(eng, tool)
	}

	if err := eng.QueueTargets(opts.Target); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Build failures are reported task by task as they happen; the exit
	// code is all that's left to propagate.
	_ = eng.Build(ctx)
	if eng.Failed() {
		os.Exit(1)
	}
	return nil
}

// runTool dispatches -t subtools. Only "clean" exists: it removes every
// distinct build root the loaded scripts declared.
func runTool(eng *hancho.Engine, name string) error {
	switch name {
	case "clean":
		for _, root := range eng.BuildRoots() {
			fmt.Printf("deleting build root %s\n", root)
			if err := os.RemoveAll(root); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown tool %q", strings.TrimSpace(name))
	}
}
