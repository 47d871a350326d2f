package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/voxguard/voxguard/internal/adapters/postgres"
	"github.com/voxguard/voxguard/internal/config"
)

// Version information (set via ldflags)
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

// Shared global variables
var cfg *config.Config

// initDB opens a database connection pool for CLI commands
func initDB(ctx context.Context) (*pgxpool.Pool, error) {
	if cfg.Database.PostgresURL == "" {
		return nil, fmt.Errorf("PostgreSQL connection required. Set VOXGUARD_POSTGRES_URL")
	}
	return postgres.Connect(ctx, cfg.Database.PostgresURL)
}

// maskSecret masks a secret string for display
func maskSecret(s string) string {
	if s == "" {
		return "(not set)"
	}
	if len(s) <= 8 {
		return "(set)"
	}
	return s[:4] + "..." + s[len(s)-4:]
}

// boolStatus returns a status string for a boolean
func boolStatus(b bool) string {
	if b {
		return "enabled"
	}
	return "disabled"
}
