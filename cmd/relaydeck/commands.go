package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"relaydeck/internal/app"
	"relaydeck/internal/signer"
)

const defaultConfig = "./relaydeck.yaml"

func newRootCommand() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:           "relaydeck",
		Short:         "Relay connection manager with an operator decision deck",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", defaultConfig, "path to config (json or yaml)")

	root.AddCommand(
		newRunCommand(&cfgPath),
		newCheckConfigCommand(&cfgPath),
		newKeygenCommand(&cfgPath),
	)
	return root
}

func newRunCommand(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run relaydeck until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := app.New(ctx, *cfgPath)
			if err != nil {
				return err
			}
			if err := a.Start(ctx); err != nil {
				_ = a.Stop(context.Background(), app.StopFatalError)
				return fmt.Errorf("start: %w", err)
			}

			reason := app.StopSignal
			select {
			case <-ctx.Done():
			case <-a.Done():
				reason = app.StopShutdown
			}
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer stopCancel()
			return a.Stop(stopCtx, reason)
		},
	}
}

func newCheckConfigCommand(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the config file and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := app.CheckConfig(*cfgPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: ok\n", *cfgPath)
			if strings.TrimSpace(cfg.Signer.KeyFile) == "" {
				fmt.Fprintln(out, "warning: signer.key_file is not set; relays requiring auth will fail")
			}
			return nil
		},
	}
}

func newKeygenCommand(cfgPath *string) *cobra.Command {
	var (
		out     string
		passEnv string
		force   bool
	)
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Create a new encrypted identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := out
			if path == "" {
				cfg, err := app.CheckConfig(*cfgPath)
				if err != nil {
					return fmt.Errorf("no --out given and config unusable: %w", err)
				}
				path = cfg.Signer.KeyFile
			}
			if strings.TrimSpace(path) == "" {
				return errors.New("no key file path: pass --out or set signer.key_file")
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s exists; pass --force to replace it", path)
			}
			pass := os.Getenv(passEnv)
			if pass == "" {
				return fmt.Errorf("passphrase variable %s is empty", passEnv)
			}

			s := signer.New()
			if err := s.Generate(pass); err != nil {
				return err
			}
			if err := s.Save(path); err != nil {
				return fmt.Errorf("save %s: %w", path, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "identity written to %s\npublic key: %s\n", path, s.PublicKey())
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "key file path (default signer.key_file from config)")
	cmd.Flags().StringVar(&passEnv, "passphrase-env", app.DefaultPassphraseEnv, "environment variable holding the passphrase")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing key file")
	return cmd
}
