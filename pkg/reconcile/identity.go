package reconcile

import (
	"context"
	"fmt"
	"strings"
)

const (
	defaultLookupPageSize = 200
	// defaultMaxLookupPages bounds the exhaustive email scan. At the default
	// page size this covers 100k users before the scan gives up.
	defaultMaxLookupPages = 500
)

// Resolver maps an email address from an untrusted event payload to an
// internal user id, lazily creating the user when absent.
type Resolver struct {
	directory Directory
	logger    Logger
	metrics   Metrics
	pageSize  int
	maxPages  int
}

// ResolverConfig configures a Resolver. Directory is required.
type ResolverConfig struct {
	Directory Directory
	Logger    Logger
	Metrics   Metrics

	// PageSize and MaxPages bound the paginated email lookup.
	// Zero values use the package defaults.
	PageSize int
	MaxPages int
}

// NewResolver creates a new identity resolver.
func NewResolver(cfg ResolverConfig) (*Resolver, error) {
	if cfg.Directory == nil {
		return nil, ErrNotConfigured
	}
	logger := cfg.Logger
	if logger == nil {
		logger = &NoopLogger{}
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = defaultLookupPageSize
	}
	maxPages := cfg.MaxPages
	if maxPages <= 0 {
		maxPages = defaultMaxLookupPages
	}
	return &Resolver{
		directory: cfg.Directory,
		logger:    logger,
		metrics:   metrics,
		pageSize:  pageSize,
		maxPages:  maxPages,
	}, nil
}

// Resolve returns the user id for the given email, creating the user when no
// match exists. When explicitUserID is non-empty it is trusted directly (the
// event carried a known internal id). The second return reports whether the
// user was created by this call.
//
// Creation races are tolerated: if CreateUser fails because another request
// created the same user first, the lookup is re-run once before the failure
// is surfaced.
func (r *Resolver) Resolve(ctx context.Context, email, explicitUserID string) (string, bool, error) {
	if explicitUserID != "" {
		return explicitUserID, false, nil
	}

	normalized := NormalizeEmail(email)
	if normalized == "" {
		return "", false, fmt.Errorf("%w: no email to resolve user by", ErrInvalidPayload)
	}

	user, err := r.lookupByEmail(ctx, normalized)
	if err == nil {
		return user.ID, false, nil
	}
	if err != ErrUserNotFound {
		return "", false, fmt.Errorf("%w: lookup failed for %s: %v", ErrDirectoryUnavailable, normalized, err)
	}

	created, createErr := r.directory.CreateUser(ctx, normalized)
	if createErr == nil {
		r.logger.Info("user created from billing event", Field{Key: "email", Value: normalized}, Field{Key: "user_id", Value: created.ID})
		r.metrics.RecordUserCreated()
		return created.ID, true, nil
	}

	// Likely a concurrent creation race: another request inserted the same
	// email between our lookup and create. Re-run the lookup once.
	r.logger.Warn("user creation failed, retrying lookup",
		Field{Key: "email", Value: normalized},
		Field{Key: "error", Value: createErr.Error()},
	)
	user, err = r.lookupByEmail(ctx, normalized)
	if err == nil {
		return user.ID, false, nil
	}

	return "", false, fmt.Errorf("%w: create and fallback lookup both failed for %s: %v", ErrDirectoryUnavailable, normalized, createErr)
}

// lookupByEmail scans the user set page by page, stopping early on a match.
func (r *Resolver) lookupByEmail(ctx context.Context, normalized string) (*User, error) {
	for page := 0; page < r.maxPages; page++ {
		users, more, err := r.directory.ListUsers(ctx, page, r.pageSize)
		if err != nil {
			return nil, err
		}
		for i := range users {
			if NormalizeEmail(users[i].Email) == normalized {
				return &users[i], nil
			}
		}
		if !more {
			return nil, ErrUserNotFound
		}
	}

	r.logger.Warn("email lookup hit page bound without exhausting the user set",
		Field{Key: "max_pages", Value: r.maxPages},
	)
	return nil, ErrUserNotFound
}

// NormalizeEmail lowercases and trims an email address. User emails are
// stored lowercase; every comparison goes through this.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
