// Command fireflow manages a project of remote computational jobs: importing
// bundles, inspecting clients, codes and calcjobs, and driving unfinished
// calcjobs to completion.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chrisjsewell/fireflow/pkg/core"
	"github.com/chrisjsewell/fireflow/pkg/engine"
	"github.com/chrisjsewell/fireflow/pkg/gateway"
	"github.com/chrisjsewell/fireflow/pkg/importer"
	"github.com/chrisjsewell/fireflow/pkg/project"
	"github.com/chrisjsewell/fireflow/pkg/runner"
	"github.com/chrisjsewell/fireflow/ui"
)

const usageText = `fireflow - drive remote computational jobs to completion

Usage:
  fireflow <command> [flags]

Project commands:
  init     initialize a project directory (-a bundle.yml imports after init)
  add      import a YAML bundle of objects, clients, codes and calcjobs
  status   show object store and database counts
  run      drive unfinished calcjobs (--serve keeps running, --http serves the status API)

Entity commands:
  client   list | show <pk>
  code     list | show <pk> | tree
  calcjob  list | show <pk> | tree

Common flags:
  -p, --project       project directory (default ` + project.DefaultDir + `, env FIREFLOW_PROJECT)
  --where             filter string, e.g. "state == 'playing' AND pk > 3"
  --page, --page-size page through listings
`

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(out, usageText)
		return nil
	}
	switch args[0] {
	case "init":
		return cmdInit(args[1:], out)
	case "add":
		return cmdAdd(args[1:], out)
	case "status":
		return cmdStatus(args[1:], out)
	case "run":
		return cmdRun(args[1:], out)
	case "client":
		return clientGroup(args[1:], out)
	case "code":
		return codeGroup(args[1:], out)
	case "calcjob":
		return calcjobGroup(args[1:], out)
	case "help", "-h", "--help":
		fmt.Fprint(out, usageText)
		return nil
	default:
		fmt.Fprint(out, usageText)
		return fmt.Errorf("unknown command %q", args[0])
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Project commands
// ─────────────────────────────────────────────────────────────────────────────

func cmdInit(args []string, out io.Writer) error {
	fs := newFlagSet("init", out)
	dir := projectFlag(fs)
	bundle := fs.String("a", "", "YAML bundle to import after initializing")
	fs.StringVar(bundle, "add", "", "YAML bundle to import after initializing (shorthand -a)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	ctx := context.Background()

	proj, err := project.Init(ctx, *dir)
	if err != nil {
		return err
	}
	defer func() { _ = proj.Close() }()
	fmt.Fprintf(out, "%s %s\n", okStyle.Render("Project initialized:"), proj.Dir())

	if *bundle != "" {
		res, err := importer.ImportFile(ctx, proj.Storage(), proj.Objects(), *bundle)
		if err != nil {
			return err
		}
		printAdded(out, res)
	}
	return nil
}

func cmdAdd(args []string, out io.Writer) error {
	fs := newFlagSet("add", out)
	dir := projectFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: fireflow add <bundle.yml>")
	}
	ctx := context.Background()

	proj, err := project.Open(*dir)
	if err != nil {
		return err
	}
	defer func() { _ = proj.Close() }()

	res, err := importer.ImportFile(ctx, proj.Storage(), proj.Objects(), fs.Arg(0))
	if err != nil {
		return err
	}
	printAdded(out, res)
	return nil
}

func cmdStatus(args []string, out io.Writer) error {
	fs := newFlagSet("status", out)
	dir := projectFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	ctx := context.Background()

	proj, err := project.Open(*dir)
	if err != nil {
		return err
	}
	defer func() { _ = proj.Close() }()

	objects, err := proj.Objects().Count()
	if err != nil {
		return err
	}
	stats, err := proj.Storage().Stats(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintln(out, titleStyle.Render("Object store:"))
	fmt.Fprintf(out, "- %s\n", plural(objects, "object"))
	fmt.Fprintln(out, titleStyle.Render("Database:"))
	fmt.Fprintf(out, "- %s\n", plural(int(stats.Clients), "client"))
	fmt.Fprintf(out, "- %s\n", plural(int(stats.Codes), "code"))
	fmt.Fprintf(out, "- %s\n", plural(int(stats.CalcJobs), "calcjob"))
	for _, state := range []core.State{core.StatePlaying, core.StateFinished, core.StateExcepted} {
		if n := stats.ByState[state]; n > 0 {
			fmt.Fprintf(out, "  - %d %s\n", n, renderState(string(state)))
		}
	}
	return nil
}

func cmdRun(args []string, out io.Writer) error {
	fs := newFlagSet("run", out)
	dir := projectFlag(fs)
	limit := fs.Int("limit", 0, "maximum calcjobs to drive (0 = all)")
	concurrency := fs.Int("concurrency", runner.DefaultConfig().Concurrency, "concurrent calcjob drivers")
	serve := fs.Bool("serve", false, "keep running and pick up new calcjobs")
	httpAddr := fs.String("http", "", "address for the status API (serve mode)")
	logLevel := fs.String("log-level", "info", "log level: debug|info|warn|error")
	if err := fs.Parse(args); err != nil {
		return err
	}

	logger, err := newLogger(*logLevel)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	proj, err := project.Open(*dir)
	if err != nil {
		return err
	}
	defer func() { _ = proj.Close() }()

	hub := gateway.NewHub(gateway.DefaultConfig())
	eng := engine.New(proj.Storage(), proj.Objects(), hub, engine.WithLogger(logger))
	r := runner.New(proj.Storage(), eng,
		runner.Concurrency(*concurrency),
		runner.Limit(*limit),
		runner.Logger(logger),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *httpAddr != "" {
		srv := &http.Server{
			Addr:    *httpAddr,
			Handler: ui.Handler(proj.Storage(), ui.WithLogger(logger)),
		}
		go func() {
			logger.Info("status api listening", "addr", *httpAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("status api failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	if *serve {
		err = r.Serve(ctx)
		if errors.Is(err, context.Canceled) {
			err = nil
		}
	} else {
		err = r.Run(ctx)
	}
	if err != nil {
		return err
	}

	stats, err := proj.Storage().Stats(context.Background())
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s %d finished, %d excepted, %d playing\n",
		okStyle.Render("Run complete:"),
		stats.ByState[core.StateFinished],
		stats.ByState[core.StateExcepted],
		stats.ByState[core.StatePlaying],
	)
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Shared helpers
// ─────────────────────────────────────────────────────────────────────────────

func newFlagSet(name string, out io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(out)
	return fs
}

func projectFlag(fs *flag.FlagSet) *string {
	def := envDefault("FIREFLOW_PROJECT", project.DefaultDir)
	dir := new(string)
	fs.StringVar(dir, "project", def, "project directory")
	fs.StringVar(dir, "p", def, "project directory (shorthand)")
	return dir
}

func envDefault(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func newLogger(level string) (*slog.Logger, error) {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "info":
		l = slog.LevelInfo
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level %q (want debug|info|warn|error)", level)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})), nil
}

func printAdded(out io.Writer, res *importer.Result) {
	fmt.Fprintf(out, "%s %s, %s, %s, %s\n", okStyle.Render("Added:"),
		plural(len(res.ObjectKeys), "object"),
		plural(len(res.ClientPKs), "client"),
		plural(len(res.CodePKs), "code"),
		plural(len(res.CalcJobPKs), "calcjob"),
	)
}
