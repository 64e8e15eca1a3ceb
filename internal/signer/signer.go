// Package signer executes check-in tasks against Telegram. It is the concrete
// task runner wired into worker processes: resolving the account identity is
// a bot login, and running a task sends each configured chat its message.
package signer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"tgtasker/internal/store"
	"tgtasker/pkg/logx"
)

// DefaultMessage is sent to a chat whose target has no text configured.
const DefaultMessage = "打卡"

// interMessageDelay spaces sends out so a task with many chats does not burst
// against Telegram's flood limits.
const interMessageDelay = 1500 * time.Millisecond

// sender is the slice of the bot API the runner needs. *tele.Bot satisfies it.
type sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

type Options struct {
	AccountName string
	SessionsDir string
	Tasks       *store.TasksStore
	Checkins    *store.CheckinStore
	Log         logx.Logger

	// PollTimeout bounds individual bot API calls.
	PollTimeout time.Duration
}

// Signer implements the worker's Runner contract.
type Signer struct {
	opts Options
	log  logx.Logger

	mu       sync.Mutex
	bot      sender
	identity int64
}

func New(opts Options) *Signer {
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	return &Signer{opts: opts, log: opts.Log}
}

// tokenPath is where the orchestrator provisions the account's bot token.
func (s *Signer) tokenPath() string {
	return filepath.Join(s.opts.SessionsDir, s.opts.AccountName+".token")
}

// ResolveIdentity logs the account in on first use and returns its Telegram
// user ID. The login is cached for the lifetime of the process.
func (s *Signer) ResolveIdentity(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bot != nil {
		return s.identity, nil
	}

	raw, err := os.ReadFile(s.tokenPath())
	if err != nil {
		return 0, fmt.Errorf("read session token: %w", err)
	}
	token := strings.TrimSpace(string(raw))
	if token == "" {
		return 0, errors.New("session token is empty")
	}

	timeout := s.opts.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	// Send-only bot: no poller, NewBot just performs the getMe login call.
	b, err := tele.NewBot(tele.Settings{
		Token:  token,
		Client: &http.Client{Timeout: timeout},
	})
	if err != nil {
		return 0, fmt.Errorf("telegram login: %w", err)
	}
	if b.Me == nil {
		return 0, errors.New("telegram login returned no identity")
	}

	s.bot = b
	s.identity = b.Me.ID
	s.log.Info("account logged in", logx.Int64("identity", s.identity))
	return s.identity, nil
}

// Run sends the task's configured message to each of its chats, then records
// the check-in date. limit caps how many chats are processed in one run.
func (s *Signer) Run(ctx context.Context, taskName, mode string, limit int) error {
	s.mu.Lock()
	bot := s.bot
	identity := s.identity
	s.mu.Unlock()
	if bot == nil {
		id, err := s.ResolveIdentity(ctx)
		if err != nil {
			return err
		}
		identity = id
		s.mu.Lock()
		bot = s.bot
		s.mu.Unlock()
	}

	cfg, err := s.opts.Tasks.ReadConfig(taskName)
	if err != nil {
		return fmt.Errorf("read task config: %w", err)
	}
	if len(cfg.Chats) == 0 {
		return errors.New("task has no chats configured")
	}

	chats := cfg.Chats
	if limit > 0 && limit < len(chats) {
		chats = chats[:limit]
	}

	var sent int
	for i, chat := range chats {
		if err := ctx.Err(); err != nil {
			return err
		}
		text := chat.Text
		if text == "" {
			text = DefaultMessage
		}
		if _, err := bot.Send(&tele.Chat{ID: chat.ChatID}, text); err != nil {
			return fmt.Errorf("send to chat %d after %d of %d: %w", chat.ChatID, sent, len(chats), err)
		}
		sent++
		s.log.Debug("message sent",
			logx.String("task", taskName), logx.Int64("chat", chat.ChatID))

		if i < len(chats)-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(interMessageDelay):
			}
		}
	}

	if err := s.opts.Checkins.Record(taskName, identity, time.Now()); err != nil {
		// The messages went out; losing the record only risks a duplicate
		// send next period.
		s.log.Warn("check-in record not persisted", logx.String("task", taskName), logx.Err(err))
	}
	s.log.Info("task completed",
		logx.String("task", taskName), logx.String("mode", mode), logx.Int("sent", sent))
	return nil
}
