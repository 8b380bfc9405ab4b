package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orders/internal/storage/postgres"
)

const (
	defaultTimeout = 30 * time.Second
	envPostgresDSN = "ORDERS_POSTGRES_DSN"
)

// Направления, которые понимает CLI.
const (
	directionUp     = "up"
	directionDown   = "down"
	directionStatus = "status"
)

// migrator описывает операции над схемой, которые нужны CLI.
type migrator interface {
	MigrateUp(ctx context.Context, steps int) error
	MigrateDown(ctx context.Context, steps int) error
	MigrationStatus(ctx context.Context) (postgres.MigrationState, error)
}

type config struct {
	dsn       string
	direction string
	steps     int
	timeout   time.Duration
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	cfg, err := parseConfig(os.Args[1:], os.Getenv)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fail("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, cfg.timeout)
	defer cancel()

	store, err := postgres.Open(ctx, cfg.dsn)
	if err != nil {
		fail("open postgres store: %v", err)
	}
	defer store.Close()

	state, err := runMigration(ctx, store, cfg.direction, cfg.steps)
	if err != nil {
		fail("%v", err)
	}
	log.WithFields(log.Fields{
		"direction": cfg.direction,
		"version":   state.Version,
		"applied":   state.Applied,
		"pending":   state.Pending,
	}).Info("migrations done")
}

// parseConfig разбирает флаги; DSN можно передать через ORDERS_POSTGRES_DSN.
func parseConfig(args []string, getenv func(string) string) (config, error) {
	cfg := config{}

	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&cfg.direction, "direction", directionUp, "migration direction: up|down|status")
	fs.IntVar(&cfg.steps, "steps", 0, "number of migrations to apply or roll back (0 = all for up, 1 for down)")
	fs.StringVar(&cfg.dsn, "dsn", "", "PostgreSQL DSN (fallback: "+envPostgresDSN+")")
	fs.DurationVar(&cfg.timeout, "timeout", defaultTimeout, "overall timeout")
	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	cfg.direction = strings.ToLower(strings.TrimSpace(cfg.direction))
	cfg.dsn = strings.TrimSpace(cfg.dsn)
	if cfg.dsn == "" {
		cfg.dsn = strings.TrimSpace(getenv(envPostgresDSN))
	}

	switch {
	case cfg.dsn == "":
		return config{}, fmt.Errorf("%s (or -dsn) is required", envPostgresDSN)
	case cfg.direction != directionUp && cfg.direction != directionDown && cfg.direction != directionStatus:
		return config{}, fmt.Errorf("unsupported direction %q (use up|down|status)", cfg.direction)
	case cfg.steps < 0:
		return config{}, errors.New("steps must not be negative")
	case cfg.timeout <= 0:
		return config{}, errors.New("timeout must be positive")
	}
	if cfg.direction == directionDown && cfg.steps == 0 {
		cfg.steps = 1
	}
	return cfg, nil
}

// runMigration выполняет direction и возвращает итоговое состояние схемы.
func runMigration(ctx context.Context, m migrator, direction string, steps int) (postgres.MigrationState, error) {
	switch direction {
	case directionUp:
		if err := m.MigrateUp(ctx, steps); err != nil {
			return postgres.MigrationState{}, fmt.Errorf("migrate up: %w", err)
		}
	case directionDown:
		if err := m.MigrateDown(ctx, steps); err != nil {
			return postgres.MigrationState{}, fmt.Errorf("migrate down: %w", err)
		}
	case directionStatus:
	default:
		return postgres.MigrationState{}, fmt.Errorf("unsupported direction %q", direction)
	}

	state, err := m.MigrationStatus(ctx)
	if err != nil {
		return postgres.MigrationState{}, fmt.Errorf("migration status: %w", err)
	}
	return state, nil
}

func fail(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
