// Package telegram sends operator alerts to a Telegram chat. It is send-only:
// no polling, no commands.
package telegram

import (
	"context"
	"errors"
	"strings"

	tele "gopkg.in/telebot.v4"

	logx "wakeworker/pkg/logx"
)

const textLimit = 4000

type Config struct {
	Token    string
	ChatID   int64
	ThreadID int
}

// poster is the subset of *tele.Bot used for sending.
type poster interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

// Sender implements logx.AlertSender.
type Sender struct {
	cfg Config
	bot poster
}

var _ logx.AlertSender = (*Sender)(nil)

func New(cfg Config) (*Sender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat id is empty")
	}
	// Offline skips the getMe round trip; the bot never polls.
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token, Offline: true})
	if err != nil {
		return nil, err
	}
	return &Sender{cfg: cfg, bot: b}, nil
}

// SendAlert posts text, split into several messages when it exceeds the Telegram limit.
func (s *Sender) SendAlert(ctx context.Context, text string) error {
	chat := &tele.Chat{ID: s.cfg.ChatID}
	for _, chunk := range splitText(text, textLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		opt := &tele.SendOptions{ThreadID: s.cfg.ThreadID, DisableWebPagePreview: true}
		if _, err := s.bot.Send(chat, chunk, opt); err != nil {
			return err
		}
	}
	return nil
}

// splitText cuts s into chunks of at most limit runes, preferring newline boundaries.
func splitText(s string, limit int) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	var out []string
	for start := 0; start < len(rs); {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i > start+limit/3; i-- {
				if rs[i] == '\n' {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
	}
	return out
}
