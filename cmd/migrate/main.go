package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/obsidian-market/obsidian-backend/internal/config"
	"github.com/obsidian-market/obsidian-backend/internal/repository"
	"go.uber.org/zap"
)

var (
	flags   = flag.NewFlagSet("migrate", flag.ExitOnError)
	timeout = flags.Duration("timeout", time.Minute, "overall deadline for the command")
)

func main() {
	flags.Parse(os.Args[1:])
	args := flags.Args()

	if len(args) < 1 {
		log.Fatal("Usage: migrate [-timeout 1m] COMMAND\n\nCommands:\n  up\n  down\n  status")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	// sqlite stores apply pending migrations on open
	repo, err := repository.Open(ctx, cfg.Database, zap.NewNop().Sugar())
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer repo.Close()

	provider, err := repository.NewMigrationProvider(repo.DB(), repo.Dialect())
	if err != nil {
		log.Fatalf("Failed to create migration provider: %v", err)
	}

	command := args[0]
	switch command {
	case "up":
		results, err := provider.Up(ctx)
		if err != nil {
			log.Fatalf("Migration up failed: %v", err)
		}
		for _, r := range results {
			fmt.Println(r)
		}
	case "down":
		result, err := provider.Down(ctx)
		if err != nil {
			log.Fatalf("Migration down failed: %v", err)
		}
		fmt.Println(result)
	case "status":
		statuses, err := provider.Status(ctx)
		if err != nil {
			log.Fatalf("Migration status failed: %v", err)
		}
		for _, s := range statuses {
			fmt.Printf("%-8s %s\n", s.State, s.Source.Path)
		}
	default:
		log.Fatalf("Unknown command: %s", command)
	}
}
