package notify

import (
	"context"
	"fmt"
	"strings"

	"voxscore/pkg/apperr"
	"voxscore/pkg/logger"
	"voxscore/pkg/model"

	"go.uber.org/zap"
	tele "gopkg.in/telebot.v4"
)

// Notifier announces finished analyses
type Notifier interface {
	Completed(ctx context.Context, result *model.AnalysisResult) error
	Failed(ctx context.Context, sessionID string, err error) error
}

// Sender is the part of a telegram bot used for notifications
type Sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

// TelegramNotifier posts analysis outcomes to a single chat
type TelegramNotifier struct {
	sender Sender
	chat   *tele.Chat
}

// NewTelegramNotifier creates an offline bot that only sends messages
func NewTelegramNotifier(token string, chatID int64) (*TelegramNotifier, error) {
	if token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}

	bot, err := tele.NewBot(tele.Settings{
		Token:   token,
		Offline: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	logger.Info("Telegram notifier initialized", zap.Int64("chat_id", chatID))
	return NewSenderNotifier(bot, chatID), nil
}

func NewSenderNotifier(sender Sender, chatID int64) *TelegramNotifier {
	return &TelegramNotifier{sender: sender, chat: &tele.Chat{ID: chatID}}
}

func (n *TelegramNotifier) Completed(ctx context.Context, result *model.AnalysisResult) error {
	if _, err := n.sender.Send(n.chat, FormatCompleted(result)); err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}
	return nil
}

func (n *TelegramNotifier) Failed(ctx context.Context, sessionID string, err error) error {
	if _, sendErr := n.sender.Send(n.chat, FormatFailed(sessionID, err)); sendErr != nil {
		return fmt.Errorf("failed to send notification: %w", sendErr)
	}
	return nil
}

// FormatCompleted renders a result as a short plain-text message
func FormatCompleted(result *model.AnalysisResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Analysis %s finished\n", result.SessionID)
	if result.UserID != "" {
		fmt.Fprintf(&b, "User: %s\n", result.UserID)
	}
	fmt.Fprintf(&b, "Level: %s (%.0f/100)\n", result.OverallLevel, result.OverallScore)
	if result.TOEFLScore != nil {
		fmt.Fprintf(&b, "TOEFL: %d/120\n", *result.TOEFLScore)
	}
	for _, c := range model.Components {
		score, ok := result.ComponentScores[c]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "%s: %s (%.0f)\n", c, score.Level, score.Score)
	}
	if result.Transcription.WordCount > 0 {
		fmt.Fprintf(&b, "Words: %d\n", result.Transcription.WordCount)
	}
	return strings.TrimRight(b.String(), "\n")
}

// FormatFailed renders a failure with its label and retry hint
func FormatFailed(sessionID string, err error) string {
	p := apperr.Present(err)
	msg := fmt.Sprintf("Analysis %s: %s\n%s", sessionID, p.Label, p.Message)
	if p.Retryable {
		msg += "\nYou can submit the recording again."
	}
	return msg
}

// NopNotifier drops every notification
type NopNotifier struct{}

func (NopNotifier) Completed(context.Context, *model.AnalysisResult) error { return nil }
func (NopNotifier) Failed(context.Context, string, error) error { return nil }
