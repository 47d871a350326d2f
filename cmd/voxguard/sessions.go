package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/voxguard/voxguard/internal/adapters/postgres"
)

// sessionsCmd lists user sessions
func sessionsCmd() *cobra.Command {
	var user string

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List user sessions",
		Long:  `List the active sessions of a user with device binding and expiry.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if user == "" {
				return fmt.Errorf("--user is required")
			}
			ctx := context.Background()

			pool, err := initDB(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			store := postgres.NewUserSessionRepository(pool)
			sessions, err := store.ListByUser(ctx, user)
			if err != nil {
				return fmt.Errorf("failed to list sessions: %w", err)
			}

			if len(sessions) == 0 {
				fmt.Println("No sessions found.")
				return nil
			}

			fmt.Printf("%-30s %-30s %-17s %-17s %s\n", "ID", "Device", "Last Seen", "Expires", "Status")
			fmt.Println(strings.Repeat("-", 110))
			for _, s := range sessions {
				status := "ok"
				if s.Compromised {
					status = "compromised"
				} else if time.Now().After(s.ExpiresAt) {
					status = "expired"
				}
				fmt.Printf("%-30s %-30s %-17s %-17s %s\n",
					s.ID, s.DeviceID,
					s.LastSeenAt.Format("2006-01-02 15:04"),
					s.ExpiresAt.Format("2006-01-02 15:04"),
					status)
			}

			return nil
		},
	}

	cmd.Flags().StringVarP(&user, "user", "u", "", "User to list sessions for")

	return cmd
}

// devicesCmd lists trusted devices
func devicesCmd() *cobra.Command {
	var user string

	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List trusted devices",
		Long:  `List the devices a user has connected from, oldest first.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if user == "" {
				return fmt.Errorf("--user is required")
			}
			ctx := context.Background()

			pool, err := initDB(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			store := postgres.NewDeviceRepository(pool)
			devices, err := store.ListByUser(ctx, user)
			if err != nil {
				return fmt.Errorf("failed to list devices: %w", err)
			}

			if len(devices) == 0 {
				fmt.Println("No devices found.")
				return nil
			}

			fmt.Printf("%-30s %-20s %-14s %-17s %s\n", "ID", "Label", "Fingerprint", "First Seen", "Last Seen")
			fmt.Println(strings.Repeat("-", 100))
			for _, d := range devices {
				label := d.Label
				if label == "" {
					label = "(unlabeled)"
				}
				fmt.Printf("%-30s %-20s %-14s %-17s %s\n",
					d.ID, label, shortFingerprint(d.Fingerprint),
					d.FirstSeenAt.Format("2006-01-02 15:04"),
					d.LastSeenAt.Format("2006-01-02 15:04"))
			}

			return nil
		},
	}

	cmd.Flags().StringVarP(&user, "user", "u", "", "User to list devices for")

	return cmd
}

// revokeCmd revokes a user session
func revokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <session-id>",
		Short: "Revoke a user session",
		Long:  `Revoke a user session. The next validation on any of its connections fails.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			pool, err := initDB(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			store := postgres.NewUserSessionRepository(pool)
			existing, err := store.GetByID(ctx, args[0])
			if err != nil {
				return fmt.Errorf("failed to look up session: %w", err)
			}
			if existing == nil {
				return fmt.Errorf("session %s not found", args[0])
			}

			if err := store.Delete(ctx, args[0]); err != nil {
				return fmt.Errorf("failed to revoke session: %w", err)
			}

			fmt.Printf("Revoked session %s (user %s)\n", existing.ID, existing.UserID)
			return nil
		},
	}
}

// pruneCmd removes expired sessions and stale call snapshots
func pruneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Remove expired sessions and stale snapshots",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			pool, err := initDB(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			now := time.Now()

			store := postgres.NewUserSessionRepository(pool)
			removed, err := store.DeleteExpired(ctx, now)
			if err != nil {
				return fmt.Errorf("failed to prune sessions: %w", err)
			}

			snapshots := postgres.NewSnapshotRepository(pool)
			cutoff := now.Add(-seconds(cfg.Session.RecoveryWindowSec))
			purged, err := snapshots.DeleteOlderThan(ctx, cutoff)
			if err != nil {
				return fmt.Errorf("failed to prune snapshots: %w", err)
			}

			fmt.Printf("Removed %d expired sessions and %d stale snapshots\n", removed, purged)
			return nil
		},
	}
}

// shortFingerprint abbreviates a fingerprint for table display
func shortFingerprint(fp string) string {
	if len(fp) <= 12 {
		return fp
	}
	return fp[:12]
}
