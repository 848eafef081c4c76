package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jmgilman/go/exec"
	"github.com/spf13/cobra"

	"github.com/kamusis/nix-query/internal/config"
	"github.com/kamusis/nix-query/internal/evaluator"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run pre-flight environment checks",
	Long: `Check that nix-query's dependencies and environment are correctly configured.
Run this command when something seems wrong, or before filing a bug report.`,
	Args: cobra.NoArgs,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	allOK := true
	failD := func(format string, args ...any) {
		printErr("", fmt.Sprintf(format, args...))
		allOK = false
	}

	printSection("nix-query doctor")
	fmt.Println()

	// ── Check 1: config is valid ──────────────────────────────────────────────
	fmt.Println("[ config.yaml ]")
	cfg, loadErr := config.Load()
	if loadErr != nil {
		failD("cannot load config: %v", loadErr)
		cfg = config.DefaultConfig()
	} else {
		cfgPath, _ := config.ConfigPath()
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			printSkip("", "no config file, using defaults (run 'nix-query init' to write one)")
		} else {
			printOK("", fmt.Sprintf("valid YAML, %d channel(s) defined", len(cfg.Channels)))
		}
	}
	fmt.Println()

	// ── Check 2: evaluator installed ──────────────────────────────────────────
	fmt.Println("[ evaluator ]")
	binary := evaluator.NewNixEnv(evaluator.WithBinary(cfg.Evaluator)).Binary()
	if v, err := evaluatorVersion(cmd.Context(), exec.New(), binary); err != nil {
		failD("%s not usable: %v\n     Install Nix from https://nixos.org/download and make sure %s is on PATH.", binary, err, binary)
	} else {
		printOK("", v)
	}
	fmt.Println()

	// ── Check 3: channel resolves ─────────────────────────────────────────────
	fmt.Println("[ channel ]")
	if ch, err := cfg.ResolveChannel(flagChannel); err != nil {
		failD("%v", err)
	} else if resolved, err := evaluator.ResolveRoot(ch.Root); err != nil {
		printWarn(ch.Name, fmt.Sprintf("%s does not resolve locally (%v); nix-env may still find it", ch.Root, err))
	} else {
		printOK(ch.Name, resolved)
	}
	fmt.Println()

	// ── Check 4: cache directory writable ─────────────────────────────────────
	fmt.Println("[ cache ]")
	if dir, err := cfg.ResolveCacheDir(); err != nil {
		failD("cannot resolve cache directory: %v", err)
	} else if err := checkWritable(dir); err != nil {
		failD("cache directory not writable: %v", err)
	} else {
		printOK("", fmt.Sprintf("writable: %s", dir))
	}
	fmt.Println()

	// ── Summary ───────────────────────────────────────────────────────────────
	fmt.Println("===================")
	if allOK {
		fmt.Println("✓  All checks passed. nix-query is ready to use.")
		return nil
	}
	fmt.Fprintln(os.Stderr, "✗  One or more checks failed. See details above.")
	return fmt.Errorf("doctor found issues")
}

// evaluatorVersion runs `<binary> --version` and returns its first line.
func evaluatorVersion(ctx context.Context, ex exec.Executor, binary string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	res, err := exec.NewWrapper(ex.Clone().WithContext(ctx), binary).Run("--version")
	if err != nil {
		return "", err
	}
	line, _, _ := strings.Cut(strings.TrimSpace(res.Stdout), "\n")
	return line, nil
}

// checkWritable creates dir if needed and probes it with a temporary file.
func checkWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return err
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}
