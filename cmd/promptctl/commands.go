package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"promptgate/internal/entitlement"
	"promptgate/internal/models"
	"promptgate/internal/prompt"
	"promptgate/internal/session"
	"promptgate/internal/settlement"
)

func promptLine(cmd *cobra.Command, label string) (string, error) {
	fmt.Fprint(cmd.ErrOrStderr(), label)
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return "", errors.New("password is required")
	}
	return line, nil
}

func signupCmd(rt *runtime) *cobra.Command {
	var password string
	cmd := &cobra.Command{
		Use:   "signup <email>",
		Short: "Create an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, err := readSecret(cmd, password)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if err := rt.start(ctx); err != nil {
				return err
			}
			confirm, err := rt.app.Session.Register(ctx, args[0], secret)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if confirm {
				fmt.Fprintln(out, "Check your email to confirm your account, then run `promptctl callback <url>` with the link you land on.")
				return nil
			}
			rt.app.Reconciler.Wait()
			fmt.Fprintf(out, "Signed up as %s\n", args[0])
			return printStatus(out, rt)
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "account password (prompted when empty)")
	return cmd
}

func loginCmd(rt *runtime) *cobra.Command {
	var password string
	cmd := &cobra.Command{
		Use:   "login <email>",
		Short: "Sign in with email and password",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, err := readSecret(cmd, password)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if err := rt.start(ctx); err != nil {
				return err
			}
			if err := rt.app.Session.Authenticate(ctx, args[0], secret); err != nil {
				return err
			}
			rt.app.Reconciler.Wait()
			fmt.Fprintf(cmd.OutOrStdout(), "Signed in as %s\n", args[0])
			return printStatus(cmd.OutOrStdout(), rt)
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "account password (prompted when empty)")
	return cmd
}

func loginOAuthCmd(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "login-oauth [provider]",
		Short: "Print the URL that starts an OAuth sign-in",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			provider := "google"
			if len(args) == 1 {
				provider = args[0]
			}
			authURL, err := rt.app.Session.AuthenticateViaOAuth(cmd.Context(), provider)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Open this URL in a browser:")
			fmt.Fprintln(out, authURL)
			fmt.Fprintln(out, "Then run `promptctl callback <url>` with the address you land on.")
			return nil
		},
	}
}

func callbackCmd(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "callback <url>",
		Short: "Finish an email confirmation or OAuth sign-in",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			landing, err := url.Parse(args[0])
			if err != nil {
				return fmt.Errorf("parse url: %w", err)
			}
			if err := rt.loc.Set(args[0]); err != nil {
				return fmt.Errorf("parse url: %w", err)
			}
			ctx := cmd.Context()
			if err := rt.start(ctx); err != nil {
				return err
			}
			// The session store strips the tokens from the address on sign-in.
			sess, err := rt.client.CompleteRedirect(ctx, landing)
			if err != nil {
				return err
			}
			rt.app.Reconciler.Wait()
			fmt.Fprintf(cmd.OutOrStdout(), "Signed in as %s\n", sess.Email)
			return printStatus(cmd.OutOrStdout(), rt)
		},
	}
}

func logoutCmd(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and forget the stored session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			err := rt.app.Session.Deauthenticate(cmd.Context())
			fmt.Fprintln(cmd.OutOrStdout(), "Signed out")
			var ae *session.AuthError
			if errors.As(err, &ae) && ae.Reason == session.ReasonProviderUnavailable {
				rt.logger.Warn().Err(err).Msg("Server sign-out failed, local session cleared")
				return nil
			}
			return err
		},
	}
}

func statusCmd(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the plan and usage of the signed-in account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := rt.start(cmd.Context()); err != nil {
				return err
			}
			return printStatus(cmd.OutOrStdout(), rt)
		},
	}
}

func generateCmd(rt *runtime) *cobra.Command {
	var req prompt.Request
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate one prompt, counting against the usage limit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(req.Topic) == "" {
				return prompt.ErrEmptyTopic
			}
			ctx := cmd.Context()
			if err := rt.start(ctx); err != nil {
				return err
			}
			if rt.app.Session.Identity() == "" {
				return errNotSignedIn
			}
			out, d, err := rt.app.Generate(ctx, prompt.Producer(req))
			if !d.Allowed {
				return denial(d)
			}
			if out != "" {
				fmt.Fprintln(cmd.OutOrStdout(), out)
			}
			if err != nil {
				var me *entitlement.MeteringError
				if errors.As(err, &me) {
					rt.logger.Warn().Err(err).Msg("Prompt generated but usage was not recorded")
					return nil
				}
				return err
			}
			rt.app.Reconciler.Wait()
			if cur := rt.app.Gate.Current(); cur.Reason != entitlement.ReasonUnknown {
				fmt.Fprintf(cmd.ErrOrStderr(), "%d prompts left this period\n", cur.Remaining)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&req.Topic, "topic", "", "what the prompt is about")
	cmd.Flags().StringVar(&req.Audience, "audience", "", "who the text is for")
	cmd.Flags().StringVar(&req.Tone, "tone", "", "tone of voice")
	cmd.Flags().StringVar(&req.Format, "format", "", "kind of text to write")
	return cmd
}

func checkoutCmd(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:       "checkout <monthly|yearly>",
		Short:     "Start a checkout for a paid plan",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{string(models.PlanMonthly), string(models.PlanYearly)},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := rt.start(ctx); err != nil {
				return err
			}
			if rt.app.Session.Identity() == "" {
				return errNotSignedIn
			}
			sess, err := rt.app.Checkout.Start(ctx, models.PlanTier(args[0]))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Complete the payment at:")
			fmt.Fprintln(out, sess.URL)
			fmt.Fprintln(out, "Then run `promptctl return <url>` with the address you are sent back to.")
			return nil
		},
	}
}

func returnCmd(rt *runtime) *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "return <url>",
		Short: "Handle the redirect back from checkout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := rt.loc.Set(args[0]); err != nil {
				return fmt.Errorf("parse url: %w", err)
			}
			ctx := cmd.Context()
			if err := rt.start(ctx); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			switch rt.app.Watcher.Last() {
			case settlement.OutcomeCanceled:
				fmt.Fprintln(out, "Checkout canceled, your plan is unchanged")
				return nil
			case settlement.OutcomeNone:
				return errors.New("url does not look like a checkout return")
			}

			fmt.Fprintln(out, "Payment received, refreshing your plan...")
			select {
			case <-rt.fired:
				rt.app.Reconciler.Wait()
			case <-time.After(rt.cfg.SettlementDelay + wait):
				rt.logger.Warn().Msg("Plan refresh did not finish in time")
			case <-ctx.Done():
				return ctx.Err()
			}
			return printStatus(out, rt)
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 10*time.Second, "extra time to wait for the plan refresh")
	return cmd
}

var errNotSignedIn = errors.New("not signed in, run `promptctl login` first")

func denial(d entitlement.Decision) error {
	switch d.Reason {
	case entitlement.ReasonLimitExhausted:
		return errors.New("usage limit reached, run `promptctl checkout monthly` or `promptctl checkout yearly` to upgrade")
	case entitlement.ReasonSubscriptionInactive:
		return errors.New("subscription is not active, run `promptctl checkout` to renew")
	}
	return errors.New("could not verify your plan, try again in a moment")
}

func printStatus(w io.Writer, rt *runtime) error {
	sess := rt.app.Session.Session()
	if sess == nil {
		fmt.Fprintln(w, "Not signed in")
		return nil
	}
	e, ok := rt.app.Reconciler.Snapshot()
	if !ok {
		return errors.New("entitlement not loaded")
	}
	u := e.EffectiveUsage()
	fmt.Fprintf(w, "Account:  %s\n", sess.Email)
	fmt.Fprintf(w, "Plan:     %s (%s)\n", e.Subscription.PlanTier, e.Subscription.Status)
	fmt.Fprintf(w, "Usage:    %d/%d prompts\n", u.PromptsUsed, u.PromptsLimit)
	fmt.Fprintf(w, "Resets:   %s\n", u.ResetDate.Local().Format("2006-01-02"))
	if e.Subscription.CurrentPeriodEnd != nil {
		fmt.Fprintf(w, "Renews:   %s\n", e.Subscription.CurrentPeriodEnd.Local().Format("2006-01-02"))
	}
	if e.Defaulted() {
		fmt.Fprintf(w, "Warning:  %v\n", e.Warning)
	}
	return nil
}
