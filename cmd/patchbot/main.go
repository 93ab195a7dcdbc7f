package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"patchbot/internal/app"
	"patchbot/internal/demo"
)

func main() {
	var (
		opts     app.Options
		listPats bool
	)
	pflag.StringVarP(&opts.ConfigPath, "config", "c", "", "path to config (json or yaml)")
	pflag.StringVarP(&opts.Pattern, "pattern", "p", "", "pattern to play at startup")
	pflag.StringArrayVarP(&opts.Args, "arg", "a", nil, "pattern argument (repeatable)")
	pflag.BoolVar(&opts.DryRun, "dry-run", false, "print Pd messages instead of sending them")
	pflag.BoolVar(&opts.Simulate, "simulate", false, "run on virtual time until idle (implies --dry-run)")
	pflag.StringVar(&opts.LogLevel, "log-level", "", "override logging.level")
	pflag.BoolVar(&listPats, "list-patterns", false, "list built-in patterns and exit")
	pflag.Parse()

	if listPats {
		r := demo.NewRegistry()
		for _, name := range r.Names() {
			p, _ := r.Lookup(name)
			fmt.Println(p.Usage)
		}
		return
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	a, err := app.New(opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
	if err := a.Start(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		_ = a.Stop(context.Background(), app.StopFatalError)
		os.Exit(1)
	}

	reason := app.StopFatalError
	select {
	case sig := <-sigs:
		reason = app.StopSIGINT
		if sig == syscall.SIGTERM {
			reason = app.StopSIGTERM
		}
	case <-a.Idle():
		reason = app.StopIdle
	case <-a.Done():
	}
	runErr := a.Err()

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = a.Stop(stopCtx, reason)

	if runErr != nil {
		fmt.Fprintln(os.Stderr, "fatal:", runErr)
		os.Exit(1)
	}
}
