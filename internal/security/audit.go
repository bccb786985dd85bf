// Package security provides audit logging and credential masking.
package security

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"split-trader/pkg/id"
)

// AuditEventType represents the type of audit event.
type AuditEventType string

const (
	// Authentication events
	AuditLogin      AuditEventType = "LOGIN"
	AuditLogout     AuditEventType = "LOGOUT"
	AuditAuthFailed AuditEventType = "AUTH_FAILED"

	// Trading events
	AuditOrderPlaced   AuditEventType = "ORDER_PLACED"
	AuditOrderRejected AuditEventType = "ORDER_REJECTED"
	AuditManualTrade   AuditEventType = "MANUAL_TRADE"

	// Configuration events
	AuditConfigReloaded AuditEventType = "CONFIG_RELOADED"
	AuditAccountsMerged AuditEventType = "ACCOUNTS_MERGED"
)

// AuditEvent represents a single audit log entry.
type AuditEvent struct {
	Timestamp time.Time              `json:"timestamp"`
	EventType AuditEventType         `json:"event_type"`
	UserID    string                 `json:"user_id,omitempty"`
	AccountID string                 `json:"account_id,omitempty"`
	Symbol    string                 `json:"symbol,omitempty"`
	OrderID   string                 `json:"order_id,omitempty"`
	Action    string                 `json:"action,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Success   bool                   `json:"success"`
	ErrorMsg  string                 `json:"error,omitempty"`
	SessionID string                 `json:"session_id,omitempty"`
}

// AuditLogger appends audit events as JSON lines to a rotated file.
type AuditLogger struct {
	writer    *lumberjack.Logger
	mu        sync.Mutex
	sessionID string
	userID    string
	now       func() time.Time
}

// AuditConfig holds audit logger configuration.
type AuditConfig struct {
	LogDir     string
	MaxSize    int // megabytes
	MaxBackups int
	MaxAge     int // days
	Compress   bool
}

// DefaultAuditConfig returns the default audit configuration.
func DefaultAuditConfig() AuditConfig {
	home, _ := os.UserHomeDir()
	return AuditConfig{
		LogDir:     filepath.Join(home, ".config", "split-trader", "audit"),
		MaxSize:    50,
		MaxBackups: 30,
		MaxAge:     365, // Keep audit logs for 1 year
		Compress:   true,
	}
}

// NewAuditLogger creates a new audit logger.
func NewAuditLogger(cfg AuditConfig) (*AuditLogger, error) {
	if err := os.MkdirAll(cfg.LogDir, 0700); err != nil {
		return nil, fmt.Errorf("creating audit directory: %w", err)
	}

	writer := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.LogDir, "audit.log"),
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
	}

	return &AuditLogger{
		writer:    writer,
		sessionID: id.New(),
		now:       time.Now,
	}, nil
}

// Path returns the active audit file.
func (al *AuditLogger) Path() string {
	return al.writer.Filename
}

// SetUserID sets the user ID for audit events.
func (al *AuditLogger) SetUserID(userID string) {
	al.mu.Lock()
	defer al.mu.Unlock()
	al.userID = userID
}

// Log logs an audit event.
func (al *AuditLogger) Log(ctx context.Context, event AuditEvent) error {
	al.mu.Lock()
	defer al.mu.Unlock()

	event.Timestamp = al.now().UTC()
	event.SessionID = al.sessionID
	if event.UserID == "" {
		event.UserID = al.userID
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("serializing audit event: %w", err)
	}

	if _, err := al.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing audit event: %w", err)
	}

	return nil
}

// LogLogin logs a login event.
func (al *AuditLogger) LogLogin(ctx context.Context, userID string, success bool, errorMsg string) error {
	eventType := AuditLogin
	if !success {
		eventType = AuditAuthFailed
	}
	return al.Log(ctx, AuditEvent{
		EventType: eventType,
		UserID:    userID,
		Success:   success,
		ErrorMsg:  errorMsg,
	})
}

// LogLogout logs a logout event.
func (al *AuditLogger) LogLogout(ctx context.Context, userID string) error {
	return al.Log(ctx, AuditEvent{
		EventType: AuditLogout,
		UserID:    userID,
		Success:   true,
	})
}

// LogOrder logs a real order placed on behalf of a virtual account.
// A non-nil orderErr records the order as rejected.
func (al *AuditLogger) LogOrder(ctx context.Context, accountID, orderID, symbol, side string, qty int, price float64, orderErr error) error {
	event := AuditEvent{
		EventType: AuditOrderPlaced,
		AccountID: accountID,
		OrderID:   orderID,
		Symbol:    symbol,
		Action:    side,
		Success:   orderErr == nil,
		Details: map[string]interface{}{
			"quantity":       qty,
			"expected_price": price,
		},
	}
	if orderErr != nil {
		event.EventType = AuditOrderRejected
		event.ErrorMsg = MaskSensitive(orderErr.Error())
	}
	return al.Log(ctx, event)
}

// LogManualTrade logs an operator-entered trade applied directly to the ledger.
func (al *AuditLogger) LogManualTrade(ctx context.Context, accountID, symbol, side string, qty int, price, balanceAfter float64) error {
	return al.Log(ctx, AuditEvent{
		EventType: AuditManualTrade,
		AccountID: accountID,
		Symbol:    symbol,
		Action:    side,
		Success:   true,
		Details: map[string]interface{}{
			"quantity":      qty,
			"price":         price,
			"balance_after": balanceAfter,
		},
	})
}

// LogConfigReloaded logs a strategy book reload and the accounts it created.
func (al *AuditLogger) LogConfigReloaded(ctx context.Context, path string, created int, reloadErr error) error {
	event := AuditEvent{
		EventType: AuditConfigReloaded,
		Success:   reloadErr == nil,
		Details: map[string]interface{}{
			"path":             path,
			"accounts_created": created,
		},
	}
	if reloadErr != nil {
		event.ErrorMsg = reloadErr.Error()
	}
	return al.Log(ctx, event)
}

// Close closes the audit logger.
func (al *AuditLogger) Close() error {
	return al.writer.Close()
}

// MaskCredential masks a credential value for display.
func MaskCredential(value string) string {
	if len(value) == 0 {
		return ""
	}
	if len(value) <= 4 {
		return strings.Repeat("*", len(value))
	}
	if len(value) <= 8 {
		return value[:2] + strings.Repeat("*", len(value)-2)
	}
	return value[:4] + strings.Repeat("*", len(value)-8) + value[len(value)-4:]
}

// MaskSensitive masks access tokens that brokers echo back in error text.
func MaskSensitive(input string) string {
	fields := strings.Fields(input)
	for i, f := range fields {
		lower := strings.ToLower(f)
		for _, prefix := range []string{"token=", "access_token=", "api_key=", "api_secret="} {
			if strings.HasPrefix(lower, prefix) {
				fields[i] = f[:len(prefix)] + MaskCredential(f[len(prefix):])
			}
		}
	}
	return strings.Join(fields, " ")
}
