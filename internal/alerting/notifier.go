package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Notification 封装运维告警上下文。
type Notification struct {
	AccountID        string
	BudgetID         string
	BudgetName       string
	Outcome          string
	Reason           string
	Attempts         int
	ThresholdPercent decimal.Decimal
	CostAmount       decimal.Decimal
	BudgetAmount     decimal.Decimal
	CurrencyCode     string
	Environment      string
	OccurredAt       time.Time
	Error            string
}

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 告警器。
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(note),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram unexpected status: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram returned ok=false")
		}
	}

	n.logger.Info().Str("account_id", note.AccountID).
		Str("outcome", note.Outcome).
		Str("reason", note.Reason).
		Msg("operator notified (Telegram)")
	return nil
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("[Budget Guard] %s", strings.ToUpper(note.Outcome)))
	if note.Reason != "" {
		builder.WriteString(fmt.Sprintf(" (%s)", note.Reason))
	}
	builder.WriteString("\n")
	if note.Environment != "" {
		builder.WriteString(fmt.Sprintf("Environment: %s\n", note.Environment))
	}
	builder.WriteString(fmt.Sprintf("Billing account: %s\n", note.AccountID))
	budget := note.BudgetID
	if note.BudgetName != "" {
		budget = fmt.Sprintf("%s (%s)", note.BudgetName, note.BudgetID)
	}
	builder.WriteString(fmt.Sprintf("Budget: %s\n", budget))
	builder.WriteString(fmt.Sprintf("Threshold: %s%%\n", note.ThresholdPercent.Mul(decimal.NewFromInt(100)).StringFixed(1)))
	if !note.BudgetAmount.IsZero() {
		builder.WriteString(fmt.Sprintf("Cost: %s / %s %s\n", note.CostAmount.StringFixed(2), note.BudgetAmount.StringFixed(2), note.CurrencyCode))
	}
	if note.Attempts > 0 {
		builder.WriteString(fmt.Sprintf("Attempts: %d\n", note.Attempts))
	}
	if !note.OccurredAt.IsZero() {
		builder.WriteString(fmt.Sprintf("At: %s UTC\n", note.OccurredAt.UTC().Format(time.RFC3339)))
	}
	if note.Error != "" {
		builder.WriteString(fmt.Sprintf("Error: %s\n", note.Error))
	}
	return builder.String()
}

var _ Notifier = (*TelegramNotifier)(nil)
