package cmd

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/aep/kvshim/config"
	"github.com/aep/kvshim/kv"
	"github.com/aep/kvshim/metrics"
	"github.com/aep/kvshim/store"
	"github.com/aep/kvshim/telemetry"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
)

// DefaultPath is the store directory used when a command names none.
const DefaultPath = "./"

type app struct {
	version string

	cfgFile     string
	engine      string
	lockTimeout config.Duration
	pool        bool
	logLevel    string
	metricsFile string
	hexArgs     bool

	cfg      *config.Config
	accessor *store.Accessor
	envPool  *store.Pool
	shutdown func(context.Context) error
}

// Main runs one command line and returns the process exit status.
// Accessor failures map to their kind's exit code; anything else is a
// usage or setup error and exits 1.
func Main(ctx context.Context, version string, args []string, stdout, stderr io.Writer) int {
	a := &app{version: version, lockTimeout: config.Default().LockTimeout}
	root := a.root()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	c, err := root.ExecuteContextC(ctx)

	if terr := a.teardown(ctx); terr != nil {
		fmt.Fprintln(stderr, "warning:", terr)
	}

	if err == nil {
		return 0
	}

	fmt.Fprintln(stderr, "error:", err)
	if store.KindOf(err) == 0 && c != nil && !errors.Is(err, errSetup) {
		fmt.Fprint(stderr, c.UsageString())
	}
	return store.ExitCode(err)
}

var errSetup = errors.New("setup failed")

func (a *app) root() *cobra.Command {
	root := &cobra.Command{
		Use:               "kvshim",
		Short:             "get, set, delete and list records of an embedded key-value store",
		Version:           a.version,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}

	f := root.PersistentFlags()
	f.StringVar(&a.cfgFile, "config", "", "Path to a YAML, JSON or TOML config file")
	f.StringVar(&a.engine, "engine", "", fmt.Sprintf("Storage engine, one of %v", kv.Engines()))
	f.Var(durationFlag{&a.lockTimeout}, "lock-timeout", "How long to wait for another writer's lock")
	f.BoolVar(&a.pool, "pool", false, "Keep store environments open for the life of the process")
	f.StringVar(&a.logLevel, "log-level", "", "Log level: debug, info, warn or error")
	f.StringVar(&a.metricsFile, "metrics-file", "", "Write Prometheus metrics to this file on exit")
	f.BoolVar(&a.hexArgs, "hex", false, "Keys and values on the command line are hex encoded")

	root.AddCommand(a.listCmd())
	root.AddCommand(a.getCmd())
	root.AddCommand(a.setCmd())
	root.AddCommand(a.delCmd())

	return root
}

func (a *app) setup(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(a.cfgFile)
	if err != nil {
		return fmt.Errorf("%w: %w", errSetup, err)
	}
	if err := cfg.ApplyEnv(); err != nil {
		return fmt.Errorf("%w: %w", errSetup, err)
	}

	f := cmd.Flags()
	if f.Changed("engine") {
		cfg.Engine = a.engine
	}
	if f.Changed("lock-timeout") {
		cfg.LockTimeout = a.lockTimeout
	}
	if f.Changed("pool") {
		cfg.Pool.Enabled = a.pool
	}
	if f.Changed("log-level") {
		cfg.Log.Level = a.logLevel
	}
	if f.Changed("metrics-file") {
		cfg.Metrics.File = a.metricsFile
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %w", errSetup, err)
	}
	a.cfg = cfg

	slog.SetDefault(slog.New(tint.NewHandler(cmd.ErrOrStderr(), &tint.Options{Level: cfg.LogLevel()})))
	kv.SetLogLevel(cfg.LogLevel())

	a.shutdown, err = telemetry.Init(cmd.Context(), cfg.Telemetry.Endpoint, a.version)
	if err != nil {
		return fmt.Errorf("%w: telemetry: %w", errSetup, err)
	}

	engine, err := kv.Lookup(cfg.Engine)
	if err != nil {
		return fmt.Errorf("%w: %w", errSetup, err)
	}

	opts := []store.Option{store.WithOptions(cfg.Options())}
	if cfg.Pool.Enabled {
		a.envPool, err = store.NewPool(engine, cfg.Options(), cfg.Pool.Capacity, cfg.Pool.TTL.Duration)
		if err != nil {
			return fmt.Errorf("%w: pool: %w", errSetup, err)
		}
		opts = append(opts, store.WithPool(a.envPool))
	}
	a.accessor = store.New(engine, opts...)

	slog.Debug("kvshim starting", "engine", cfg.Engine, "pool", cfg.Pool.Enabled, "command", cmd.Name())
	return nil
}

func (a *app) teardown(ctx context.Context) error {
	var errs []error
	if a.envPool != nil {
		a.envPool.Close()
	}
	if a.shutdown != nil {
		errs = append(errs, a.shutdown(ctx))
	}
	if a.cfg != nil && a.cfg.Metrics.File != "" {
		if err := metrics.WriteFile(a.cfg.Metrics.File); err != nil {
			errs = append(errs, fmt.Errorf("writing metrics: %w", err))
		}
	}
	return errors.Join(errs...)
}

// pathArg returns args[i], or DefaultPath when the caller left it out, and
// makes sure the directory exists.
func pathArg(args []string, i int) (string, error) {
	path := DefaultPath
	if len(args) > i {
		path = args[i]
	}
	if err := ensureDir(path); err != nil {
		return "", &store.Error{Kind: store.KindEnvironment, Op: "open", Path: path, Err: err}
	}
	return path, nil
}

func ensureDir(path string) error {
	st, err := os.Stat(path)
	if err == nil {
		if !st.IsDir() {
			return fmt.Errorf("%s exists and is not a directory", path)
		}
		return nil
	}
	if !os.IsNotExist(err) {
		return err
	}
	if err := os.MkdirAll(path, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	return nil
}

func (a *app) decode(what, arg string) ([]byte, error) {
	if !a.hexArgs {
		return []byte(arg), nil
	}
	b, err := hex.DecodeString(arg)
	if err != nil {
		return nil, &store.Error{Kind: store.KindInvalid, Op: "decode " + what, Err: err}
	}
	return b, nil
}

func (a *app) listCmd() *cobra.Command {
	var count, keysOnly bool
	c := &cobra.Command{
		Use:     "list [path]",
		Aliases: []string{"ls"},
		Short:   "List all key-value pairs",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := pathArg(args, 0)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if count {
				n, err := a.accessor.Count(cmd.Context(), path)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, n)
				return nil
			}

			for rec, err := range a.accessor.ScanAll(cmd.Context(), path) {
				if err != nil {
					return err
				}
				if keysOnly {
					fmt.Fprintf(out, "\"%s\"\n", escapeNonPrintable(rec.K))
				} else {
					printRecord(out, rec.K, rec.V)
				}
			}
			return nil
		},
	}
	c.Flags().BoolVar(&count, "count", false, "Print only the number of records")
	c.Flags().BoolVar(&keysOnly, "keys-only", false, "Print keys without values")
	return c
}

func (a *app) getCmd() *cobra.Command {
	var orDefault bool
	c := &cobra.Command{
		Use:   "get [key] [path]",
		Short: "Get value for a key",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := a.decode("key", args[0])
			if err != nil {
				return err
			}
			path, err := pathArg(args, 1)
			if err != nil {
				return err
			}

			var v []byte
			if orDefault {
				v, err = a.accessor.GetOrDefault(cmd.Context(), path, key)
			} else {
				v, err = a.accessor.Get(cmd.Context(), path, key)
			}
			if err != nil {
				return err
			}
			printRecord(cmd.OutOrStdout(), key, v)
			return nil
		},
	}
	c.Flags().BoolVar(&orDefault, "default", false, "Print an empty value instead of failing when the key is missing")
	return c
}

func (a *app) setCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "set [key] [value] [path]",
		Aliases: []string{"put"},
		Short:   "Put a key-value pair",
		Args:    cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := a.decode("key", args[0])
			if err != nil {
				return err
			}
			value, err := a.decode("value", args[1])
			if err != nil {
				return err
			}
			path, err := pathArg(args, 2)
			if err != nil {
				return err
			}
			if err := a.accessor.Put(cmd.Context(), path, key, value); err != nil {
				return err
			}
			printRecord(cmd.OutOrStdout(), key, value)
			return nil
		},
	}
}

func (a *app) delCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "del [key] [path]",
		Aliases: []string{"rm"},
		Short:   "Delete a key-value pair",
		Args:    cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := a.decode("key", args[0])
			if err != nil {
				return err
			}
			path, err := pathArg(args, 1)
			if err != nil {
				return err
			}
			if err := a.accessor.Delete(cmd.Context(), path, key); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "\"%s\" is deleted\n", escapeNonPrintable(key))
			return nil
		},
	}
}

func printRecord(w io.Writer, k, v []byte) {
	fmt.Fprintf(w, "\"%s\"\t\"%s\"\n", escapeNonPrintable(k), escapeNonPrintable(v))
}

func escapeNonPrintable(b []byte) string {
	var result strings.Builder
	for _, c := range b {
		switch {
		case c == '"' || c == '\\':
			result.WriteByte('\\')
			result.WriteByte(c)
		case c >= 32 && c <= 126:
			result.WriteByte(c)
		default:
			result.WriteString(fmt.Sprintf("\\x%02x", c))
		}
	}
	return result.String()
}

// durationFlag adapts config.Duration to pflag.Value.
type durationFlag struct {
	d *config.Duration
}

func (f durationFlag) String() string {
	if f.d == nil {
		return "0s"
	}
	return f.d.String()
}

func (f durationFlag) Set(s string) error {
	return f.d.UnmarshalText([]byte(s))
}

func (f durationFlag) Type() string {
	return "duration"
}
