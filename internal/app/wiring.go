package app

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"relaydeck/internal/config"
	"relaydeck/internal/coordinator"
	"relaydeck/internal/maintenance"
	"relaydeck/internal/relay"
	"relaydeck/internal/signer"
	"relaydeck/internal/storage"
	telegram "relaydeck/internal/transport/telegram/adapter"
	logx "relaydeck/pkg/logx"
)

// DefaultPassphraseEnv holds the identity passphrase when the config does
// not name another variable.
const DefaultPassphraseEnv = "RELAYDECK_PASSPHRASE"

func logConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func storageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	if sc == nil {
		return storage.Config{}, nil
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:        strings.TrimSpace(sc.Path),
		BusyTimeout: busy,
	}, nil
}

func maintenanceConfig(cfg *config.Config) maintenance.Config {
	return maintenance.Config{
		Enabled:  cfg.Maintenance.Enabled,
		Timezone: cfg.Maintenance.Timezone,
		Jobs:     cfg.Maintenance.Jobs,
	}
}

// coordinatorOptions maps durations; zero values keep coordinator defaults.
func coordinatorOptions(cfg *config.Config) (coordinator.Options, error) {
	co := cfg.Coordinator
	var (
		opts coordinator.Options
		errs []error
	)
	parse := func(path, raw string) time.Duration {
		d, err := config.ParseDurationField(path, raw)
		if err != nil {
			errs = append(errs, err)
		}
		return d
	}
	handshake := parse("coordinator.handshake_timeout", co.HandshakeTimeout)
	opts.RestartMin = parse("coordinator.restart_min", co.RestartMin)
	opts.RestartMax = parse("coordinator.restart_max", co.RestartMax)
	opts.StopTimeout = parse("coordinator.stop_timeout", co.StopTimeout)
	opts.StoreTimeout = parse("coordinator.store_timeout", co.StoreTimeout)
	if err := errors.Join(errs...); err != nil {
		return opts, err
	}
	if handshake <= 0 {
		handshake = 10 * time.Second
	}
	opts.Dialer = relay.WSDialer{HandshakeTimeout: handshake, WriteTimeout: handshake}
	opts.DialRate = rate.Limit(co.DialRate)
	opts.DialBurst = co.DialBurst
	return opts, nil
}

func telegramConfig(cfg *config.Config) (telegram.Config, error) {
	c := cfg.Console
	poll, err := config.ParseDurationOrDefault("console.poll_timeout", c.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:       c.Token,
		PollTimeout: poll,
		SendRate:    c.SendRate,
		SendBurst:   c.SendBurst,
	}, nil
}

func passphraseEnv(cfg *config.Config) string {
	if v := strings.TrimSpace(cfg.Signer.PassphraseEnv); v != "" {
		return v
	}
	return DefaultPassphraseEnv
}

// loadSigner loads the identity file when configured and unlocks it from the
// environment. A missing or locked identity is not fatal: workers raise a
// pending item asking the operator to unlock it.
func loadSigner(cfg *config.Config, log logx.Logger) (*signer.Signer, error) {
	s := signer.New()
	path := strings.TrimSpace(cfg.Signer.KeyFile)
	if path == "" {
		log.Warn("no signer.key_file configured; relay authentication is unavailable")
		return s, nil
	}
	if err := s.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Warn("identity file not found; run keygen", logx.String("path", path))
			return s, nil
		}
		return nil, fmt.Errorf("signer: %w", err)
	}
	env := passphraseEnv(cfg)
	pass, ok := os.LookupEnv(env)
	if !ok {
		log.Warn("identity is locked; passphrase variable not set", logx.String("env", env))
		return s, nil
	}
	if err := s.Unlock(pass); err != nil {
		return nil, fmt.Errorf("signer: unlock: %w", err)
	}
	log.Info("identity unlocked", logx.String("pubkey", s.PublicKey()))
	return s, nil
}
