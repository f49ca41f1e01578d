package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/bmcszk/go-curlstep"
)

type runOptions struct {
	file         bool
	envFiles     []string
	varsFile     string
	sets         []string
	osEnv        bool
	silent       bool
	fullResponse bool
	noRedirect   bool
	until        string
	untilStatus  []int
	maxAttempts  int
	interval     time.Duration
	timeout      time.Duration
	extracts     []string
}

func runCmd(newLogger func(*cobra.Command) *slog.Logger) *cobra.Command {
	var opts runOptions

	c := &cobra.Command{
		Use:   "run <curl-command | file>",
		Short: "Resolve the markers of a curl command and send it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cmd.OutOrStdout(), newLogger(cmd), args[0], opts)
		},
	}

	c.Flags().BoolVarP(&opts.file, "file", "f", false, "Treat the argument as a file holding the curl command")
	c.Flags().StringArrayVarP(&opts.envFiles, "env", "e", nil, "Load variables from a .env file (repeatable; later files win)")
	c.Flags().StringVar(&opts.varsFile, "vars", "", "Load variables from a YAML file")
	c.Flags().StringArrayVar(&opts.sets, "set", nil, "Set a variable as key=value (repeatable; wins over files)")
	c.Flags().BoolVar(&opts.osEnv, "os-env", false, "Fall back to process environment variables")
	c.Flags().BoolVar(&opts.silent, "silent", false, "Do not print the SENT/RECV lines")
	c.Flags().BoolVar(&opts.fullResponse, "full-response", false, "Accept any status code")
	c.Flags().BoolVar(&opts.noRedirect, "no-redirect", false, "Do not follow redirects")
	c.Flags().StringVar(&opts.until, "until", "", "Repeat until this JSONPath matches a non-empty value")
	c.Flags().IntSliceVar(&opts.untilStatus, "until-status", nil, "Repeat until the status is one of these codes (implies --full-response)")
	c.Flags().IntVar(&opts.maxAttempts, "max-attempts", 0, "Maximum number of requests sent (0 = no limit)")
	c.Flags().DurationVar(&opts.interval, "interval", curlstep.DefaultRetryInterval, "Wait between attempts")
	c.Flags().DurationVar(&opts.timeout, "timeout", 0, "Give up after this long (0 = no limit)")
	c.Flags().StringArrayVar(&opts.extracts, "extract", nil, "Print the JSONPath matches of the response (repeatable)")

	return c
}

func run(ctx context.Context, out io.Writer, logger *slog.Logger, source string, opts runOptions) error {
	store, err := buildStore(opts)
	if err != nil {
		return err
	}

	builder, err := curlstep.NewBuilder(store,
		curlstep.WithLogger(logger),
		curlstep.WithConsole(out),
		curlstep.WithRetryPolicy(curlstep.RetryPolicy{
			MaxAttempts: opts.maxAttempts,
			Backoff:     curlstep.ConstantBackoff(opts.interval),
		}),
	)
	if err != nil {
		return err
	}

	e, err := builder.CreateRequest(source, requestOptions(opts)...)
	if err != nil {
		return err
	}

	doWhile, err := condition(opts)
	if err != nil {
		return err
	}

	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}
	if _, err := e.Execute(ctx, doWhile); err != nil {
		return err
	}

	return printExtracts(out, e, opts.extracts)
}

// buildStore chains the variable sources: --set, then --vars, then --env
// files, then the process environment.
func buildStore(opts runOptions) (curlstep.Store, error) {
	sets, err := parseSets(opts.sets)
	if err != nil {
		return nil, err
	}
	stores := curlstep.Stores{sets}

	if opts.varsFile != "" {
		vars, err := curlstep.LoadYAML(opts.varsFile)
		if err != nil {
			return nil, err
		}
		stores = append(stores, vars)
	}
	if len(opts.envFiles) > 0 {
		env, err := curlstep.LoadDotEnv(opts.envFiles...)
		if err != nil {
			return nil, err
		}
		stores = append(stores, env)
	}
	if opts.osEnv {
		stores = append(stores, curlstep.EnvStore{})
	}
	return stores, nil
}

func parseSets(sets []string) (*curlstep.MapStore, error) {
	store := curlstep.NewMapStore(nil)
	for _, s := range sets {
		k, v, ok := strings.Cut(s, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid --set %q (expected key=value)", s)
		}
		store.Set(strings.TrimSpace(k), v)
	}
	return store, nil
}

func requestOptions(opts runOptions) []curlstep.RequestOption {
	var ro []curlstep.RequestOption
	if opts.file {
		ro = append(ro, curlstep.FromFile())
	}
	if opts.silent {
		ro = append(ro, curlstep.Silent())
	}
	if opts.fullResponse || len(opts.untilStatus) > 0 {
		ro = append(ro, curlstep.FullResponse())
	}
	if opts.noRedirect {
		ro = append(ro, curlstep.NoRedirect())
	}
	return ro
}

// condition combines --until and --until-status; both must hold when both are set.
func condition(opts runOptions) (curlstep.Condition, error) {
	var conds []curlstep.Condition
	if opts.until != "" {
		c, err := curlstep.UntilJSONPath(opts.until)
		if err != nil {
			return nil, err
		}
		conds = append(conds, c)
	}
	if len(opts.untilStatus) > 0 {
		conds = append(conds, curlstep.UntilStatus(opts.untilStatus...))
	}
	if len(conds) == 0 {
		return nil, nil
	}
	return func(e *curlstep.Execution, v any) bool {
		for _, c := range conds {
			if !c(e, v) {
				return false
			}
		}
		return true
	}, nil
}

func printExtracts(w io.Writer, e *curlstep.Execution, exprs []string) error {
	for _, expr := range exprs {
		matches, err := e.JSONPath(expr)
		if err != nil {
			return err
		}
		b, err := json.Marshal(matches)
		if err != nil {
			return fmt.Errorf("failed to encode matches of %s: %w", expr, err)
		}
		fmt.Fprintf(w, "%s = %s\n", expr, b)
	}
	return nil
}
