package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	platformerrors "github.com/jmgilman/go/errors"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/kamusis/nix-query/internal/config"
	"github.com/kamusis/nix-query/internal/evaluator"
	"github.com/kamusis/nix-query/internal/pkgmeta"
	"github.com/kamusis/nix-query/internal/session"
	"github.com/kamusis/nix-query/internal/tui"
)

var (
	flagChannel    string
	flagRefresh    bool
	flagVerbose    bool
	flagClearCache bool
	flagPrintCache bool
	flagInfo       string
)

var rootCmd = &cobra.Command{
	Use:          "nix-query",
	Short:        "Interactively search the packages of a Nix channel",
	SilenceUsage: true, // don't print usage on operational errors
	Long: `nix-query evaluates a channel's package metadata once, caches it under
the user cache directory and lets you fuzzy-search it. The accepted
attribute name is printed on stdout:

  nix-env -iA nixpkgs.$(nix-query)`,
	Args: cobra.NoArgs,
	RunE: runRoot,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flagChannel, "channel", "c", "", "Channel name, <lookup-path> or directory to search (default from config)")
	pf.BoolVar(&flagRefresh, "refresh", false, "Re-evaluate the channel even if a cache exists")
	pf.BoolVarP(&flagVerbose, "verbose", "v", false, "Print debug logs to stderr")

	f := rootCmd.Flags()
	f.BoolVar(&flagClearCache, "clear-cache", false, "Delete every channel cache and exit")
	f.BoolVar(&flagPrintCache, "print-cache", false, "Print every cached attribute with its description and exit")
	f.StringVar(&flagInfo, "info", "", "Print the metadata of one attribute and exit")
	rootCmd.MarkFlagsMutuallyExclusive("clear-cache", "print-cache", "info")
}

// Execute is called by main.go.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		if hint := evaluationHint(err); hint != "" {
			fmt.Fprintln(os.Stderr, "  "+hint)
		}
		os.Exit(1)
	}
}

// evaluationHint suggests a next step for evaluator failures.
func evaluationHint(err error) string {
	var ee *evaluator.EvaluationError
	if !errors.As(err, &ee) {
		return ""
	}
	switch ee.Code() {
	case platformerrors.CodeTimeout:
		return "The evaluation timed out. Raise eval_timeout in config.yaml or " + config.EnvEvalTimeout + "."
	case platformerrors.CodeSchemaFailed:
		return "The evaluator output was not understood. Run with -v for details."
	default:
		return "Run 'nix-query doctor' to check the evaluator, or -v for its full output."
	}
}

func runRoot(cmd *cobra.Command, _ []string) error {
	if flagClearCache {
		return runClearCache(cmd)
	}

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	switch {
	case flagPrintCache:
		return runPrintCache(cmd, a)
	case flagInfo != "":
		return runInfo(cmd, a, flagInfo)
	}

	if !interactive() {
		return errors.New("nix-query needs a terminal on stdin and stderr for interactive search\n" +
			"  Use 'nix-query search <query>' in scripts and pipes.")
	}

	ctrl := session.New(a.manager, tui.New(tui.WithHolder(a.gate)), a.channel,
		session.WithRefresh(flagRefresh),
		session.WithLogger(a.logger),
	)
	out, err := ctrl.Run(cmd.Context())
	a.logger.Debug("session ended", "state", ctrl.State())
	if err != nil {
		return err
	}
	if out.Kind == session.KindAccepted {
		fmt.Fprintln(cmd.OutOrStdout(), out.Record.Attr)
	}
	return nil
}

func runClearCache(cmd *cobra.Command) error {
	a, err := newStoreApp(cmd)
	if err != nil {
		return err
	}
	if err := a.store.RemoveAll(); err != nil {
		return err
	}
	a.logger.Debug("cache cleared", "dir", a.store.Dir())
	return nil
}

func runInfo(cmd *cobra.Command, a *app, attr string) error {
	gen, err := a.store.Load(a.channel.Name)
	if err == nil {
		if r, ok := gen.Lookup(attr); ok {
			fmt.Fprint(cmd.OutOrStdout(), pkgmeta.FormatPreview(r))
			return nil
		}
	} else if platformerrors.GetCode(err) != platformerrors.CodeNotFound {
		a.logger.Debug("cache unreadable, asking the evaluator", "channel", a.channel.Name, "error", err)
	}

	r, err := a.eval.Describe(cmd.Context(), a.channel, attr)
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), pkgmeta.FormatPreview(r))
	return nil
}

func runPrintCache(cmd *cobra.Command, a *app) error {
	res, err := a.manager.GetOrRefresh(cmd.Context(), a.channel, flagRefresh)
	if err != nil {
		return err
	}
	for _, w := range res.Warnings {
		a.logger.Warn(w.Error(), "channel", a.channel.Name)
	}
	return writeCacheListing(cmd.OutOrStdout(), res.Generation)
}

// interactive reports whether both stdin and stderr are terminals. The
// picker reads keys from stdin and draws on stderr.
func interactive() bool {
	return isTerminal(os.Stdin) && isTerminal(os.Stderr)
}

func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
