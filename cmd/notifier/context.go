package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"release_notifier/internal/config"
	"release_notifier/internal/model"
	"release_notifier/internal/storage"
)

type appContext struct {
	policyFlag *string

	once   sync.Once
	cfg    *config.Config
	policy *config.Policy
	log    *slog.Logger
	err    error
}

func newAppContext(policyFlag *string) *appContext {
	return &appContext{policyFlag: policyFlag}
}

// load reads the environment and the policy file once per process.
func (a *appContext) load() error {
	a.once.Do(func() {
		cfg, err := config.Load()
		if err != nil {
			a.err = err
			return
		}
		path := cfg.PolicyPath
		if a.policyFlag != nil && strings.TrimSpace(*a.policyFlag) != "" {
			path = strings.TrimSpace(*a.policyFlag)
		}
		policy, err := config.LoadPolicy(path)
		if err != nil {
			a.err = err
			return
		}
		a.cfg = cfg
		a.policy = policy
		a.log = newLogger(cfg.LogLevel)
	})
	return a.err
}

// openStore opens the database, creating its directory when needed.
func (a *appContext) openStore() (*storage.SQLite, error) {
	if err := a.load(); err != nil {
		return nil, err
	}
	if err := ensureDir(a.cfg.DatabasePath); err != nil {
		return nil, err
	}
	store, err := storage.NewSQLite(a.cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", a.cfg.DatabasePath, err)
	}
	return store, nil
}

func ensureDir(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// parseAsOf parses a --as-of flag value. Empty means today in UTC.
func parseAsOf(value string, now time.Time) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		now = now.UTC()
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC), nil
	}
	t, err := time.Parse(model.DateLayout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --as-of %q, want YYYY-MM-DD", value)
	}
	return t, nil
}
