package session

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/voxguard/voxguard/internal/domain"
	"github.com/voxguard/voxguard/internal/domain/models"
	"github.com/voxguard/voxguard/internal/ports"
)

// LifecycleConfig tunes the user-facing session lifecycle.
type LifecycleConfig struct {
	// MaxPerUser caps concurrent user sessions; on breach the oldest is
	// terminated.
	MaxPerUser int
	// TTL is the absolute session lifetime. Activity within the second half
	// of the TTL extends expiry by a full TTL.
	TTL time.Duration
	// IdleTimeout invalidates sessions with no activity, checked lazily at
	// validation time.
	IdleTimeout time.Duration
	// SweepInterval is the cadence of the expiry sweeper.
	SweepInterval time.Duration
}

func DefaultLifecycleConfig() LifecycleConfig {
	return LifecycleConfig{
		MaxPerUser:    3,
		TTL:           24 * time.Hour,
		IdleTimeout:   time.Hour,
		SweepInterval: time.Minute,
	}
}

// Lifecycle manages authenticated user sessions and their device bindings.
// Transport sessions authenticate against it before entering the pool.
type Lifecycle struct {
	cfg     LifecycleConfig
	store   ports.UserSessionRepository
	devices ports.DeviceRepository
	ids     ports.IDGenerator
}

func NewLifecycle(cfg LifecycleConfig, store ports.UserSessionRepository, devices ports.DeviceRepository, ids ports.IDGenerator) *Lifecycle {
	def := DefaultLifecycleConfig()
	if cfg.MaxPerUser <= 0 {
		cfg.MaxPerUser = def.MaxPerUser
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	return &Lifecycle{cfg: cfg, store: store, devices: devices, ids: ids}
}

// Establish creates a user session bound to a device fingerprint. A known
// fingerprint reuses the trusted device entry; breaching the per-user cap
// terminates the oldest session first.
func (l *Lifecycle) Establish(ctx context.Context, userID, deviceID, fingerprint string) (*models.UserSession, error) {
	if userID == "" || fingerprint == "" {
		return nil, fmt.Errorf("%w: establish needs userId and device fingerprint", domain.ErrInvalidInput)
	}

	now := time.Now()
	known, err := l.devices.GetByFingerprint(ctx, userID, fingerprint)
	if err != nil {
		return nil, fmt.Errorf("look up device for user %s: %w", userID, err)
	}
	if known != nil {
		deviceID = known.ID
		known.LastSeenAt = now
		if err := l.devices.Upsert(ctx, known); err != nil {
			log.Printf("WARNING: touch device %s: %v", known.ID, err)
		}
	} else {
		if deviceID == "" {
			deviceID = l.ids.GenerateDeviceID()
		}
		device := &models.TrustedDevice{
			ID:          deviceID,
			UserID:      userID,
			Fingerprint: fingerprint,
			FirstSeenAt: now,
			LastSeenAt:  now,
		}
		if err := l.devices.Upsert(ctx, device); err != nil {
			return nil, fmt.Errorf("register device for user %s: %w", userID, err)
		}
	}

	count, err := l.store.CountByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("count sessions for user %s: %w", userID, err)
	}
	for count >= l.cfg.MaxPerUser {
		oldest, err := l.store.OldestByUser(ctx, userID)
		if err != nil || oldest == nil {
			return nil, fmt.Errorf("user %s: %w", userID, domain.ErrSessionLimit)
		}
		if err := l.store.Delete(ctx, oldest.ID); err != nil {
			return nil, fmt.Errorf("evict session %s: %w", oldest.ID, err)
		}
		log.Printf("WARNING: user %s at session cap, terminated oldest session %s", userID, oldest.ID)
		count--
	}

	s := models.NewUserSession(l.ids.GenerateSessionID(), userID, deviceID, fingerprint, l.cfg.TTL)
	if err := l.store.Create(ctx, s); err != nil {
		return nil, fmt.Errorf("create session for user %s: %w", userID, err)
	}
	log.Printf("user session %s established: user=%s device=%s", s.ID, userID, deviceID)
	return s, nil
}

// Validate checks a session against its device fingerprint and records
// activity. A fingerprint mismatch marks the session compromised and
// invalidates it. Activity inside the second half of the TTL extends the
// expiry by a full TTL.
func (l *Lifecycle) Validate(ctx context.Context, sessionID, fingerprint string) (*models.UserSession, error) {
	s, err := l.store.GetByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	if s == nil {
		return nil, domain.ErrSessionNotFound
	}
	if s.Compromised {
		return nil, domain.ErrSessionCompromised
	}

	now := time.Now()
	if s.Expired(now) || now.Sub(s.LastSeenAt) > l.cfg.IdleTimeout {
		if err := l.store.Delete(ctx, s.ID); err != nil {
			log.Printf("WARNING: delete expired session %s: %v", s.ID, err)
		}
		return nil, domain.ErrSessionExpired
	}
	if fingerprint != s.Fingerprint {
		if err := l.store.MarkCompromised(ctx, s.ID); err != nil {
			log.Printf("ERROR: mark session %s compromised: %v", s.ID, err)
		}
		log.Printf("WARNING: fingerprint mismatch for session %s, user %s; session invalidated", s.ID, s.UserID)
		return nil, domain.ErrSessionCompromised
	}

	expires := s.ExpiresAt
	if expires.Sub(now) < l.cfg.TTL/2 {
		expires = now.Add(l.cfg.TTL)
	}
	if err := l.store.Touch(ctx, s.ID, now, expires); err != nil {
		return nil, fmt.Errorf("touch session %s: %w", s.ID, err)
	}
	s.LastSeenAt = now
	s.ExpiresAt = expires
	return s, nil
}

// Revoke terminates one user session.
func (l *Lifecycle) Revoke(ctx context.Context, sessionID string) error {
	if err := l.store.Delete(ctx, sessionID); err != nil {
		return fmt.Errorf("revoke session %s: %w", sessionID, err)
	}
	return nil
}

// Devices lists the user's trusted devices.
func (l *Lifecycle) Devices(ctx context.Context, userID string) ([]*models.TrustedDevice, error) {
	return l.devices.ListByUser(ctx, userID)
}

// Run drives the expiry sweeper until the context ends.
func (l *Lifecycle) Run(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			l.sweep(ctx, now)
		}
	}
}

func (l *Lifecycle) sweep(ctx context.Context, now time.Time) {
	n, err := l.store.DeleteExpired(ctx, now)
	if err != nil {
		log.Printf("ERROR: user session sweep: %v", err)
		return
	}
	if n > 0 {
		log.Printf("user session sweep removed %d expired sessions", n)
	}
}
