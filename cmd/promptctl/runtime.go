package main

import (
	"context"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"promptgate/internal/address"
	"promptgate/internal/app"
	"promptgate/internal/client"
	"promptgate/internal/config"
	"promptgate/internal/logging"
	"promptgate/internal/settlement"
)

// runtime holds the collaborators built for one command invocation.
type runtime struct {
	apiURL string

	cfg    config.ClientConfig
	logger zerolog.Logger
	client *client.Client
	loc    *address.Memory
	app    *app.App

	mu    sync.Mutex
	fired chan struct{}
}

func (rt *runtime) open(cmd *cobra.Command) error {
	rt.cfg = config.LoadClient()
	if rt.apiURL != "" {
		rt.cfg.APIBaseURL = rt.apiURL
	}
	rt.logger = logging.Init(logging.Config{
		Format:    "console",
		Level:     rt.cfg.LogLevel,
		Component: "promptctl",
		Output:    cmd.ErrOrStderr(),
	})

	rt.client = client.New(rt.cfg.APIBaseURL, client.NewFileTokens(rt.cfg.TokenFile),
		client.WithHTTPClient(&http.Client{Timeout: rt.cfg.RequestTimeout}),
		client.WithLogger(rt.logger),
	)
	loc, err := address.NewMemory(rt.cfg.AppURL + "/")
	if err != nil {
		return err
	}
	rt.loc = loc
	rt.fired = make(chan struct{})

	opts := app.DefaultOptions()
	opts.Logger = rt.logger
	opts.AppURL = rt.cfg.AppURL
	opts.ReconcileAttempts = rt.cfg.ReconcileAttempts
	opts.ReconcileBackoff = rt.cfg.ReconcileBackoff
	opts.SettlementDelay = rt.cfg.SettlementDelay
	opts.DefaultFreeLimit = rt.cfg.DefaultFreeLimit
	opts.ResetInterval = time.Duration(rt.cfg.UsageResetDays) * 24 * time.Hour
	opts.ServerCheck = rt.cfg.ServerCheck
	opts.AfterFunc = rt.afterFunc

	a, err := app.New(app.Deps{
		Auth:       rt.client,
		Repository: rt.client,
		Payments:   rt.client,
		Location:   loc,
	}, opts)
	if err != nil {
		return err
	}
	rt.app = a
	return nil
}

// afterFunc signals rt.fired once the scheduled settlement refresh has run.
func (rt *runtime) afterFunc(d time.Duration, f func()) settlement.Timer {
	return time.AfterFunc(d, func() {
		f()
		rt.mu.Lock()
		defer rt.mu.Unlock()
		select {
		case <-rt.fired:
		default:
			close(rt.fired)
		}
	})
}

// start restores the stored session and waits for the first reconciliation.
func (rt *runtime) start(ctx context.Context) error {
	if err := rt.app.Start(ctx); err != nil {
		return err
	}
	rt.app.Reconciler.Wait()
	return nil
}

func (rt *runtime) close() {
	if rt.app != nil {
		rt.app.Close()
	}
}

func readSecret(cmd *cobra.Command, flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	if v := os.Getenv("PROMPTCTL_PASSWORD"); v != "" {
		return v, nil
	}
	return promptLine(cmd, "Password: ")
}
