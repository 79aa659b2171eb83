package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/joncooperworks/amks/config"
	"github.com/joncooperworks/amks/crypto/envelope"
	"github.com/joncooperworks/amks/crypto/keystore"
	"github.com/joncooperworks/amks/prefs"
	"github.com/joncooperworks/amks/recovery"
	"github.com/joncooperworks/amks/store"
)

// EnvFilePassword supplies the password of the file keystore backend.
const EnvFilePassword = "AMKS_FILE_PASSWORD"

// app holds what every command shares. A process has one key store
// manager; commands reach it through manager().
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	cipher *envelope.Cipher
	opts   store.Options
	mgr    *store.Manager
	tty    *terminalPrompter
}

var shared *app

func setup() error {
	path := configPath
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	shared, err = newApp(cfg, logger)
	return err
}

func newLogger(cfg *config.Config) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	if verbose {
		level = slog.LevelDebug
	}
	handlerOpts := &slog.HandlerOptions{Level: level}
	if cfg.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, handlerOpts)), nil
	}
	return slog.New(slog.NewTextHandler(os.Stderr, handlerOpts)), nil
}

func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	backend, err := keystore.NewBackend(keystore.Config{
		Platform:     cfg.Keystore.Platform,
		ServiceName:  cfg.Keystore.ServiceName,
		FileDir:      cfg.Keystore.FileDir,
		FilePassword: os.Getenv(EnvFilePassword),
		KeychainName: cfg.Keystore.KeychainName,
	})
	if err != nil {
		return nil, fmt.Errorf("opening OS key store: %w", err)
	}

	p, err := prefs.Open(cfg.PrefsPath())
	if err != nil {
		return nil, err
	}

	cipher, err := envelope.NewCipher(envelope.Options{
		Backend: backend,
		Prefs:   p,
		Level:   cfg.Keystore.Level,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}

	tty := newTerminalPrompter()
	coordinator := recovery.NewCoordinator(tty,
		recovery.WithTimeout(cfg.Recovery.Timeout.Duration),
		recovery.WithLogger(logger),
	)
	coordinator.Subscribe(func(ev recovery.Event) {
		logger.Debug("user interaction", "signal", ev.Signal, "request_id", ev.RequestID.String(), "alias", ev.Alias)
	})

	return &app{
		cfg:    cfg,
		logger: logger,
		cipher: cipher,
		tty:    tty,
		opts: store.Options{
			Path:     cfg.ContainerPath(),
			Prefs:    p,
			Cipher:   cipher,
			Recovery: coordinator,
			KDF:      cfg.StoreKDF(),
			Logger:   logger,
		},
	}, nil
}

// manager opens the key store on first use. A container whose password
// record was lost is recovered by asking the user.
func (a *app) manager(ctx context.Context) (*store.Manager, error) {
	if a.mgr != nil {
		return a.mgr, nil
	}
	mgr, err := store.Open(a.opts)
	if errors.Is(err, store.ErrNoStoredPassword) {
		if _, statErr := os.Stat(a.opts.Path); errors.Is(statErr, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w; run amks init first", err)
		}
		a.logger.Warn("master password record missing, asking user", "path", a.opts.Path)
		if err := store.RecoverMasterPassword(ctx, a.opts); err != nil {
			return nil, err
		}
		mgr, err = store.Open(a.opts)
	}
	if err != nil {
		return nil, err
	}
	a.mgr = mgr
	return mgr, nil
}

func (a *app) close() {
	a.tty.Close()
	if a.mgr != nil {
		if err := a.mgr.Close(); err != nil {
			a.logger.Warn("failed to close key store", "error", err)
		}
		a.mgr = nil
	}
}
