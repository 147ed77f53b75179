// Package streamer turns the folded part list into live-updating Lark
// cards. One Streamer serves one response in one chat: it owns the
// message id list, coalesces renders behind a debounce, splits oversize
// renderings into continuation cards, and survives platform rate
// limiting with bounded retries.
package streamer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/larkcode/internal/cards"
	"github.com/nextlevelbuilder/larkcode/internal/parts"
)

// Sender is the outbound card surface the streamer drives.
type Sender interface {
	SendCard(ctx context.Context, chatID, cardJSON string) (messageID string, err error)
	// UpdateCard reports rateLimited=true when the platform throttled
	// the call (Lark code 230020); the streamer backs off and retries.
	UpdateCard(ctx context.Context, messageID, cardJSON string) (rateLimited bool, err error)
	DeleteMessage(ctx context.Context, messageID string) error
}

// Options tunes one streamer.
type Options struct {
	Title      string        // card title; empty means "Response"
	Throttle   time.Duration // debounce between renders (default and floor 500ms)
	RetryDelay time.Duration // backoff after a rate-limited update (default 600ms)
	MaxRetries int           // rate-limit retries per update (default 2)

	CardBudget    int // serialized bytes per card (default 25kB)
	ReasoningCap  int // bytes per reasoning block (default 3kB)
	ToolOutputCap int // bytes per tool output (default 5kB)
	MarkdownCap   int // bytes per markdown block (default 28kB)

	// OnMessage is called for every card message the streamer sends,
	// with the platform timestamp; the recall handler records these.
	OnMessage func(messageID string, sentAt time.Time)
}

func (o *Options) applyDefaults() {
	if o.Title == "" {
		o.Title = "Response"
	}
	if o.Throttle < 500*time.Millisecond {
		o.Throttle = 500 * time.Millisecond
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 600 * time.Millisecond
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = 2
	}
	if o.CardBudget <= 0 {
		o.CardBudget = 25 * 1024
	}
	if o.ReasoningCap <= 0 {
		o.ReasoningCap = 3 * 1024
	}
	if o.ToolOutputCap <= 0 {
		o.ToolOutputCap = 5 * 1024
	}
	if o.MarkdownCap <= 0 {
		o.MarkdownCap = 28 * 1024
	}
}

// Streamer streams one response into one chat.
type Streamer struct {
	sender Sender
	chatID string
	opts   Options

	mu         sync.Mutex
	parts      []parts.OrderedPart
	appended   []string
	messageIDs []string
	lastUpdate map[string]time.Time
	timer      *time.Timer
	inFlight   bool
	pending    bool
	completed  bool

	ctx   context.Context
	sleep func(time.Duration) // test hook
}

// New creates a streamer for one chat. Call Start before feeding parts.
func New(sender Sender, chatID string, opts Options) *Streamer {
	opts.applyDefaults()
	return &Streamer{
		sender:     sender,
		chatID:     chatID,
		opts:       opts,
		lastUpdate: make(map[string]time.Time),
		sleep:      time.Sleep,
	}
}

// Start emits the initial processing card.
func (s *Streamer) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	card := cards.New(s.opts.Title, cards.TemplateProcessing).
		Add(cards.Markdown("⏳ 处理中…"))
	raw, err := card.JSON()
	if err != nil {
		return err
	}
	id, err := s.sender.SendCard(ctx, s.chatID, raw)
	if err != nil {
		return err
	}
	s.recordMessage(id)
	return nil
}

// SetParts replaces the rendering buffer and schedules an update.
func (s *Streamer) SetParts(ps []parts.OrderedPart) {
	s.mu.Lock()
	if s.completed {
		s.mu.Unlock()
		return
	}
	s.parts = ps
	s.scheduleLocked()
	s.mu.Unlock()
}

// Append adds a free-text block after the folded parts and schedules
// an update. Used for progress notes that have no backend part.
func (s *Streamer) Append(text string) {
	s.mu.Lock()
	if s.completed {
		s.mu.Unlock()
		return
	}
	s.appended = append(s.appended, text)
	s.scheduleLocked()
	s.mu.Unlock()
}

// MessageIDs returns the card messages sent so far, in order.
func (s *Streamer) MessageIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.messageIDs))
	copy(out, s.messageIDs)
	return out
}

// Complete finalizes: cancels the debounce, flushes the latest buffer
// and flips the cards to the success template.
func (s *Streamer) Complete() {
	s.finalize(cards.TemplateSuccess, "")
}

// Abort finalizes with the warning template and a visible note.
func (s *Streamer) Abort(note string) {
	if note == "" {
		note = "已中止"
	}
	s.finalize(cards.TemplateWarning, note)
}

// SendError replaces all cards with a single error card.
func (s *Streamer) SendError(msg string) {
	s.mu.Lock()
	if s.completed {
		s.mu.Unlock()
		return
	}
	s.completed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	// Terminal updates must land even if the task context is already
	// cancelled.
	ctx := context.Background()
	ids := make([]string, len(s.messageIDs))
	copy(ids, s.messageIDs)
	s.mu.Unlock()

	card := cards.New(s.opts.Title, cards.TemplateError).
		Add(cards.Markdown("❌ " + msg))
	raw, err := card.JSON()
	if err != nil {
		slog.Error("render error card", "error", err)
		return
	}
	if len(ids) == 0 {
		if id, err := s.sender.SendCard(ctx, s.chatID, raw); err == nil {
			s.recordMessage(id)
		} else {
			slog.Error("send error card", "chat", s.chatID, "error", err)
		}
		return
	}
	s.updateWithRetry(ctx, ids[0], raw)
	for _, id := range ids[1:] {
		if err := s.sender.DeleteMessage(ctx, id); err != nil {
			slog.Warn("delete surplus card", "message", id, "error", err)
		}
	}
	s.mu.Lock()
	s.messageIDs = ids[:1]
	s.mu.Unlock()
}

func (s *Streamer) finalize(template, note string) {
	s.mu.Lock()
	if s.completed {
		s.mu.Unlock()
		return
	}
	s.completed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	// Wait out an in-flight render so the terminal state lands last.
	for s.inFlight {
		s.mu.Unlock()
		s.sleep(10 * time.Millisecond)
		s.mu.Lock()
	}
	s.mu.Unlock()

	s.render(context.Background(), template, note)
}

// scheduleLocked coalesces renders: one debounce timer at a time, and
// data arriving mid-flight sets the pending flag instead.
func (s *Streamer) scheduleLocked() {
	if s.inFlight {
		s.pending = true
		return
	}
	if s.timer != nil {
		return
	}
	s.timer = time.AfterFunc(s.opts.Throttle, s.flush)
}

func (s *Streamer) flush() {
	s.mu.Lock()
	s.timer = nil
	if s.completed || s.inFlight {
		s.mu.Unlock()
		return
	}
	s.inFlight = true
	ctx := s.flushCtxLocked()
	s.mu.Unlock()

	s.render(ctx, cards.TemplateProcessing, "")

	s.mu.Lock()
	s.inFlight = false
	again := s.pending && !s.completed
	s.pending = false
	if again {
		s.scheduleLocked()
	}
	s.mu.Unlock()
}

// render converts the current buffer to cards and syncs the message
// list: update existing, send new, delete surplus.
func (s *Streamer) render(ctx context.Context, template, note string) {
	s.mu.Lock()
	ps := s.parts
	appended := s.appended
	existing := make([]string, len(s.messageIDs))
	copy(existing, s.messageIDs)
	s.mu.Unlock()

	rendered := s.renderCards(ps, appended, template, note)

	n, m := len(rendered), len(existing)
	for i := 0; i < n && i < m; i++ {
		raw, err := rendered[i].JSON()
		if err != nil {
			slog.Error("render card", "index", i, "error", err)
			continue
		}
		s.updateWithRetry(ctx, existing[i], raw)
		s.mu.Lock()
		s.lastUpdate[existing[i]] = time.Now()
		s.mu.Unlock()
	}
	for i := m; i < n; i++ {
		raw, err := rendered[i].JSON()
		if err != nil {
			slog.Error("render card", "index", i, "error", err)
			continue
		}
		id, err := s.sender.SendCard(ctx, s.chatID, raw)
		if err != nil {
			slog.Error("send continuation card", "chat", s.chatID, "error", err)
			continue
		}
		s.recordMessage(id)
	}
	if m > n {
		// Rendering shrank; drop surplus cards from the tail.
		for _, id := range existing[n:] {
			if err := s.sender.DeleteMessage(ctx, id); err != nil {
				slog.Warn("delete surplus card", "message", id, "error", err)
			}
		}
		s.mu.Lock()
		s.messageIDs = s.messageIDs[:n]
		s.mu.Unlock()
	}
}

// updateWithRetry backs off RetryDelay and retries MaxRetries times on
// rate limiting; other failures are logged and forfeited.
func (s *Streamer) updateWithRetry(ctx context.Context, messageID, cardJSON string) {
	for attempt := 0; ; attempt++ {
		rateLimited, err := s.sender.UpdateCard(ctx, messageID, cardJSON)
		if err != nil {
			slog.Warn("card update failed", "message", messageID, "error", err)
			return
		}
		if !rateLimited {
			return
		}
		if attempt >= s.opts.MaxRetries {
			slog.Warn("card update rate limited, giving up", "message", messageID, "attempts", attempt+1)
			return
		}
		s.sleep(s.opts.RetryDelay)
	}
}

func (s *Streamer) recordMessage(id string) {
	now := time.Now()
	s.mu.Lock()
	s.messageIDs = append(s.messageIDs, id)
	s.lastUpdate[id] = now
	s.mu.Unlock()
	if s.opts.OnMessage != nil {
		s.opts.OnMessage(id, now)
	}
}

func (s *Streamer) flushCtxLocked() context.Context {
	if s.ctx != nil {
		return s.ctx
	}
	return context.Background()
}
