// Package main provides the database migration CLI tool for plantstream.
//
// All migrations are embedded with go:embed so the binary is self-contained
// and deployable without mounting SQL files into the container.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
)

func main() {
	help := flag.Bool("help", false, "Show help information")
	flag.Parse()

	if *help || flag.NArg() < 1 {
		printUsage()
		os.Exit(0)
	}

	cfg, err := LoadConfig()
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}

	runner, err := NewRunner(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize migration runner: %v", err)
	}

	defer func() {
		if err := runner.Close(); err != nil {
			log.Printf("Warning: failed to close runner: %v", err)
		}
	}()

	command := flag.Arg(0)

	switch command {
	case "up":
		err = runner.Up()
	case "down":
		err = runner.Down()
	case "status":
		err = runner.Status()
	case "version":
		err = runner.Version()
	case "drop":
		err = runner.Drop()
	default:
		printUsage()
		log.Fatalf("Unknown command: %s", command)
	}

	if err != nil {
		log.Fatalf("Command %s failed: %v", command, err)
	}
}

func printUsage() {
	fmt.Println(`plantstream migrator

Usage:
  migrator [flags] <command>

Commands:
  up       Apply all pending migrations
  down     Roll back the last migration
  status   Show current migration status
  version  Show current migration version
  drop     Drop all tables (destructive)

Environment:
  DATABASE_URL     PostgreSQL connection string (required)
  MIGRATION_TABLE  Migration tracking table (default: schema_migrations)`)
}
