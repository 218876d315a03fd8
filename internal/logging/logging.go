package logging

import (
	"strings"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"basil/core/internal/domain"
)

// New builds the process logger. Format "json" gives the production encoder,
// anything else a development console encoder.
func New(format string, level string) (*zap.Logger, error) {
	lvl, err := parseLevel(level)
	if err != nil {
		return nil, err
	}

	var cfg zap.Config
	if strings.EqualFold(format, "json") {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

func parseLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "warn":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, errors.Errorf("unknown log level: %s", level)
	}
}

// IdentityTracker holds the user context attached to error reports.
type IdentityTracker struct {
	mu     sync.RWMutex
	base   *zap.Logger
	userID string
	logger *zap.Logger
}

func NewIdentityTracker(base *zap.Logger) *IdentityTracker {
	if base == nil {
		base = zap.NewNop()
	}
	return &IdentityTracker{base: base, logger: base}
}

func (t *IdentityTracker) SetUser(user domain.User) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.userID = user.ID
	t.logger = t.base.With(
		zap.String("user_id", user.ID),
		zap.String("tenant_id", user.TenantID),
		zap.String("tenant_role", user.TenantRole),
	)
}

func (t *IdentityTracker) ClearUser() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.userID = ""
	t.logger = t.base
}

func (t *IdentityTracker) UserID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.userID
}

// Logger returns a logger carrying the current user fields.
func (t *IdentityTracker) Logger() *zap.Logger {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.logger
}
