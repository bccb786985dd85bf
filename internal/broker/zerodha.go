package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	kiteconnect "github.com/zerodha/gokiteconnect/v4"

	apperrors "split-trader/internal/errors"
	"split-trader/internal/logging"
	"split-trader/internal/models"
	"split-trader/pkg/utils"
)

// ZerodhaBroker implements Broker on Kite Connect.
type ZerodhaBroker struct {
	client        *kiteconnect.Client
	apiKey        string
	apiSecret     string
	userID        string
	accessToken   string
	tokenPath     string
	authenticated bool
	logger        zerolog.Logger
	mu            sync.RWMutex
}

// ZerodhaConfig holds configuration for Zerodha broker.
type ZerodhaConfig struct {
	APIKey    string
	APISecret string
	UserID    string
	TokenPath string
	Logger    zerolog.Logger
}

// NewZerodhaBroker creates a new Zerodha broker instance.
// It loads any saved session from disk.
func NewZerodhaBroker(cfg ZerodhaConfig) *ZerodhaBroker {
	tokenPath := cfg.TokenPath
	if tokenPath == "" {
		homeDir, _ := os.UserHomeDir()
		tokenPath = filepath.Join(homeDir, ".config", "split-trader", "session.json")
	}

	zb := &ZerodhaBroker{
		client:    kiteconnect.New(cfg.APIKey),
		apiKey:    cfg.APIKey,
		apiSecret: cfg.APISecret,
		userID:    cfg.UserID,
		tokenPath: tokenPath,
		logger:    cfg.Logger.With().Str("broker", "kite").Logger(),
	}

	if err := zb.loadSession(); err != nil && !os.IsNotExist(err) {
		zb.logger.Debug().Err(err).Msg("No usable saved Kite session")
	}

	return zb
}

// sessionData represents persisted session data.
type sessionData struct {
	AccessToken string    `json:"access_token"`
	UserID      string    `json:"user_id"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// GetLoginURL returns the Kite login URL.
func (z *ZerodhaBroker) GetLoginURL() string {
	return z.client.GetLoginURL()
}

// CompleteLogin exchanges the request token for an access token and
// persists the session.
func (z *ZerodhaBroker) CompleteLogin(ctx context.Context, requestToken string) error {
	session, err := z.client.GenerateSession(requestToken, z.apiSecret)
	if err != nil {
		return apperrors.NewBrokerError("LOGIN", "failed to generate session", err)
	}

	z.mu.Lock()
	z.accessToken = session.AccessToken
	z.authenticated = true
	z.client.SetAccessToken(session.AccessToken)
	z.mu.Unlock()

	if err := z.saveSession(session.AccessToken); err != nil {
		z.logger.Warn().Err(err).Msg("Failed to persist Kite session")
	}
	return nil
}

// Logout invalidates the session and removes the saved token.
func (z *ZerodhaBroker) Logout(ctx context.Context) error {
	z.mu.Lock()
	defer z.mu.Unlock()

	if z.authenticated {
		if _, err := z.client.InvalidateAccessToken(); err != nil {
			z.logger.Warn().Err(err).Msg("Failed to invalidate Kite token")
		}
	}

	z.accessToken = ""
	z.authenticated = false

	if err := os.Remove(z.tokenPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove session file: %w", err)
	}
	return nil
}

// IsAuthenticated returns whether the broker holds an access token.
func (z *ZerodhaBroker) IsAuthenticated() bool {
	z.mu.RLock()
	defer z.mu.RUnlock()
	return z.authenticated
}

func (z *ZerodhaBroker) loadSession() error {
	data, err := os.ReadFile(z.tokenPath)
	if err != nil {
		return err
	}

	var session sessionData
	if err := json.Unmarshal(data, &session); err != nil {
		return err
	}

	// Kite tokens expire at 6 AM IST the next day
	if time.Now().After(session.ExpiresAt) {
		return fmt.Errorf("session expired at %s", session.ExpiresAt.Format(time.RFC3339))
	}

	z.mu.Lock()
	z.accessToken = session.AccessToken
	z.authenticated = true
	z.client.SetAccessToken(session.AccessToken)
	z.mu.Unlock()

	return nil
}

func (z *ZerodhaBroker) saveSession(accessToken string) error {
	dir := filepath.Dir(z.tokenPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}

	loc := utils.LoadLocation("Asia/Kolkata")
	now := time.Now().In(loc)
	expiresAt := time.Date(now.Year(), now.Month(), now.Day()+1, 6, 0, 0, 0, loc)

	data, err := json.Marshal(sessionData{
		AccessToken: accessToken,
		UserID:      z.userID,
		ExpiresAt:   expiresAt,
	})
	if err != nil {
		return err
	}

	return os.WriteFile(z.tokenPath, data, 0600)
}

// GetQuote fetches the latest quote for an instrument key such as "NSE:INFY".
func (z *ZerodhaBroker) GetQuote(ctx context.Context, symbol string) (*models.Quote, error) {
	if !z.IsAuthenticated() {
		return nil, apperrors.ErrNotAuthenticated
	}

	start := time.Now()
	quotes, err := z.client.GetQuote(symbol)
	logging.LogAPICall(z.logger, "GET", "/quote", time.Since(start), err)
	if err != nil {
		return nil, apperrors.NewBrokerError("QUOTE", "failed to get quote", err)
	}

	q, ok := quotes[symbol]
	if !ok {
		return nil, apperrors.NewBrokerError("QUOTE", "quote not found for "+symbol, nil)
	}

	return &models.Quote{
		Symbol:    symbol,
		LTP:       q.LastPrice,
		Open:      q.OHLC.Open,
		High:      q.OHLC.High,
		Low:       q.OHLC.Low,
		Close:     q.OHLC.Close,
		Volume:    int64(q.Volume),
		Timestamp: q.LastTradeTime.Time,
	}, nil
}

// PlaceOrder places a regular-variety order.
func (z *ZerodhaBroker) PlaceOrder(ctx context.Context, order *models.Order) (*OrderResult, error) {
	if !z.IsAuthenticated() {
		return nil, apperrors.ErrNotAuthenticated
	}
	if err := ValidateOrder(order); err != nil {
		return nil, err
	}

	params := kiteconnect.OrderParams{
		Exchange:        string(order.Exchange),
		Tradingsymbol:   order.Symbol,
		TransactionType: string(order.Side),
		OrderType:       string(order.Type),
		Product:         string(order.Product),
		Quantity:        order.Quantity,
		Price:           order.Price,
		Validity:        order.Validity,
		Tag:             order.Tag,
	}
	if params.Exchange == "" {
		params.Exchange = string(models.NSE)
	}
	if params.Validity == "" {
		params.Validity = "DAY"
	}

	start := time.Now()
	resp, err := z.client.PlaceOrder(kiteconnect.VarietyRegular, params)
	logging.LogAPICall(z.logger, "POST", "/orders/regular", time.Since(start), err)
	if err != nil {
		return nil, apperrors.NewBrokerError("ORDER", "failed to place order", err)
	}

	return &OrderResult{
		OrderID: resp.OrderID,
		Status:  "PLACED",
		Message: "Order placed successfully",
	}, nil
}

// GetAvailableDeposit returns the available equity cash. Kite sessions are
// bound to one user, so accountID must match the configured user when set.
func (z *ZerodhaBroker) GetAvailableDeposit(ctx context.Context, accountID string) (float64, error) {
	if !z.IsAuthenticated() {
		return 0, apperrors.ErrNotAuthenticated
	}
	if z.userID != "" && accountID != "" && accountID != z.userID {
		return 0, apperrors.NewValidationError("real_account_id", accountID, "does not match the Kite user "+z.userID)
	}

	margins, err := z.client.GetUserMargins()
	if err != nil {
		return 0, apperrors.NewBrokerError("MARGINS", "failed to get margins", err)
	}
	return margins.Equity.Available.Cash, nil
}

var (
	_ Broker        = (*ZerodhaBroker)(nil)
	_ Authenticator = (*ZerodhaBroker)(nil)
)
