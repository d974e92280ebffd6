package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/highscore-gateway/internal/config"
	"github.com/highscore-gateway/internal/domain"
	"github.com/highscore-gateway/internal/postgres"
	"github.com/highscore-gateway/internal/redis"
	"github.com/highscore-gateway/internal/signing"
	"github.com/highscore-gateway/internal/sqlite"
)

const usage = `usage: highscore-admin [-config path] <command> [flags]

commands:
  seed        create a developer, a game and a highscore table
  invalidate  drop a cached game or table from every gateway`

// registry is the management side of a store
type registry interface {
	CreateDeveloper(ctx context.Context, d *domain.Developer) error
	CreateGame(ctx context.Context, g *domain.Game) error
	CreateTable(ctx context.Context, t *domain.HighscoreTable) error
}

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Usage = func() { fmt.Fprintln(os.Stderr, usage) }
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			log.Fatalf("Invalid config file %s: %v", *configPath, err)
		}
		log.Printf("Config file %s not found, using defaults", *configPath)
		cfg = config.DefaultConfig()
		if err := cfg.ApplyEnv(); err != nil {
			log.Fatal(err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	switch flag.Arg(0) {
	case "seed":
		err = seed(ctx, cfg, flag.Args()[1:])
	case "invalidate":
		err = invalidate(ctx, cfg, flag.Args()[1:])
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatal(err)
	}
}

func seed(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("seed", flag.ExitOnError)
	developer := fs.String("developer", "Local Developer", "Developer name")
	email := fs.String("email", "dev@localhost", "Developer email")
	admin := fs.Bool("admin", false, "Create the developer as an admin")
	game := fs.String("game", "Sample Game", "Game name")
	level := fs.Int("security-level", domain.DefaultSecurityLevel, "Game security level (0 also admits sha1)")
	table := fs.String("table", "main", "Highscore table name")
	maxEntries := fs.Int("max-entries", 0, "Retention cap (0 = unbounded for admins, 100 for everyone else)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	reg, closeStore, err := openRegistry(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	secret, err := signing.GenerateSecret()
	if err != nil {
		return err
	}

	d := &domain.Developer{Name: *developer, Email: *email, IsAdmin: *admin}
	if err := reg.CreateDeveloper(ctx, d); err != nil {
		return fmt.Errorf("creating developer: %w", err)
	}
	g := &domain.Game{DeveloperID: d.ID, SecretKey: secret, Name: *game, SecurityLevel: *level}
	if err := reg.CreateGame(ctx, g); err != nil {
		return fmt.Errorf("creating game: %w", err)
	}
	t := &domain.HighscoreTable{GameID: g.ID, Name: *table}
	if *maxEntries > 0 {
		t.MaxEntries = maxEntries
	}
	if err := reg.CreateTable(ctx, t); err != nil {
		return fmt.Errorf("creating table: %w", err)
	}

	fmt.Printf("game_uuid:   %s\n", g.GameUUID)
	fmt.Printf("game_secret: %s\n", g.SecretKey)
	fmt.Printf("table_uuid:  %s\n", t.TableUUID)
	if t.MaxEntries != nil {
		fmt.Printf("max_entries: %d\n", *t.MaxEntries)
	}
	return nil
}

func invalidate(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("invalidate", flag.ExitOnError)
	gameID := fs.String("game", "", "Game UUID")
	tableID := fs.String("table", "", "Table UUID")
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, err := redis.NewClient(&cfg.Redis)
	if err != nil {
		return err
	}
	defer client.Close()

	targets := []struct{ kind, raw string }{
		{redis.KindGame, *gameID},
		{redis.KindTable, *tableID},
	}
	sent := 0
	for _, target := range targets {
		if target.raw == "" {
			continue
		}
		id, err := uuid.Parse(target.raw)
		if err != nil {
			return fmt.Errorf("parsing %s uuid: %w", target.kind, err)
		}
		if err := redis.PublishInvalidation(ctx, client, cfg.Redis.InvalidationChannel, target.kind, id); err != nil {
			return err
		}
		sent++
	}
	if sent == 0 {
		return fmt.Errorf("one of -game or -table is required")
	}
	return nil
}

func openRegistry(ctx context.Context, cfg *config.Config) (registry, func(), error) {
	if cfg.Storage.Driver == config.DriverSQLite {
		s, err := sqlite.Open(ctx, cfg.Storage.SQLitePath, sqlite.Options{})
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	}

	repo, err := postgres.NewRepository(&cfg.Postgres, cfg.Leaderboard, slog.Default())
	if err != nil {
		return nil, nil, err
	}
	if err := repo.RunMigrations(ctx); err != nil {
		repo.Close()
		return nil, nil, err
	}
	return repo, repo.Close, nil
}
