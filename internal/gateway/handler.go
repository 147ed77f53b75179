package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/larkcode/internal/agent"
	"github.com/nextlevelbuilder/larkcode/internal/cards"
	"github.com/nextlevelbuilder/larkcode/internal/channels"
	"github.com/nextlevelbuilder/larkcode/internal/parts"
	"github.com/nextlevelbuilder/larkcode/internal/questions"
	"github.com/nextlevelbuilder/larkcode/internal/routing"
	"github.com/nextlevelbuilder/larkcode/internal/sessions"
	"github.com/nextlevelbuilder/larkcode/internal/streamer"
)

const titleMaxRunes = 30

// handleMessage is the inbound pipeline: commands and question answers
// are handled inline; everything else routes to an agent and enqueues a
// processing task on the chat's lane.
func (g *Gateway) handleMessage(ctx context.Context, ch channels.Channel, msg channels.InboundMessage) {
	// Platform redelivery dedup: the first processing of an eventId
	// wins, for the manager's dedup window.
	if msg.EventID != "" && !g.sessions.MarkEventProcessed(msg.EventID) {
		slog.Debug("duplicate platform event dropped", "event", msg.EventID)
		return
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}
	if msg.ChatType == channels.ChatTypeGroup {
		g.sessions.TrackGroup(msg.ChatID, "")
	}

	if strings.HasPrefix(text, "/") {
		g.handleCommand(ctx, ch, msg, text)
		return
	}

	// A pending question absorbs the next plain message as its answer.
	if pending, ok := g.questions.Clear(msg.ChatID); ok {
		g.answerWithText(ctx, ch, pending, text)
		return
	}

	decision := g.router.Route(routing.Context{
		ChannelID:   ch.ID(),
		ChannelType: g.chanType[ch.ID()],
		ChatType:    msg.ChatType,
		ChatID:      msg.ChatID,
		UserID:      msg.UserID,
		MessageText: text,
	})
	if decision.AgentID == "" {
		g.sendResult(ctx, ch, msg.ChatID, cards.TemplateError, "❌ 无法路由", "没有可用的 agent，请检查配置")
		return
	}

	if g.recall != nil {
		if err := g.recall.RecordUserMessage(ctx, msg.MessageID, msg.ChatID, msg.Timestamp); err != nil {
			slog.Warn("recall record failed", "message", msg.MessageID, "error", err)
		}
	}

	laneKey := ch.ID() + ":" + msg.ChatID
	msg.Text = text
	_, err := g.lanes.Enqueue(laneKey, func(taskCtx context.Context) error {
		return g.processPrompt(taskCtx, ch, msg, decision)
	})
	if err != nil {
		g.sendResult(ctx, ch, msg.ChatID, cards.TemplateWarning,
			"⚠️ 排队失败", "当前会话待处理消息过多，请稍后再试")
	}
}

// processPrompt runs one prompt end to end inside its lane slot: resolve
// the session, send the prompt, and drive the card streamer off the
// backend event stream until the session goes idle.
func (g *Gateway) processPrompt(laneCtx context.Context, ch channels.Channel, msg channels.InboundMessage, decision routing.Decision) error {
	taskID := uuid.NewString()
	spanCtx, span := g.tracer.Start(laneCtx, "gateway.prompt",
		trace.WithAttributes(
			attribute.String("task.id", taskID),
			attribute.String("agent.id", decision.AgentID),
			attribute.String("chat.id", msg.ChatID),
		))
	defer span.End()

	backend, ok := g.agents.Get(decision.AgentID)
	if !ok {
		g.sendResult(spanCtx, ch, msg.ChatID, cards.TemplateError,
			"❌ Agent 不可用", fmt.Sprintf("agent %q 未注册", decision.AgentID))
		return fmt.Errorf("agent %q not registered", decision.AgentID)
	}

	acfg := g.agentCfg[decision.AgentID]
	key := sessions.NewChatKey(ch.ID(), msg.ChatID)
	state, err := g.sessions.GetOrCreateSession(spanCtx, key, decision.AgentID, acfg.Directory, acfg.Model)
	if err != nil {
		g.sendResult(spanCtx, ch, msg.ChatID, cards.TemplateError,
			"❌ 会话创建失败", err.Error())
		return fmt.Errorf("resolve session %s: %w", key.String(), err)
	}
	keyStr := key.String()

	taskCtx, cancel := g.sessions.StartTask(keyStr, msg.MessageID)
	defer cancel()
	defer g.sessions.CompleteTask(keyStr)
	// Gateway shutdown (lane close) aborts the in-flight task too.
	stop := context.AfterFunc(laneCtx, cancel)
	defer stop()

	// Subscribe unfiltered: child session ids are only known once
	// session.created events arrive, so filtering happens in the loop.
	events, err := backend.SubscribeEvents(taskCtx, "")
	if err != nil {
		g.sendResult(spanCtx, ch, msg.ChatID, cards.TemplateError,
			"❌ 连接失败", "无法订阅 agent 事件流："+err.Error())
		g.sessions.SetStatus(keyStr, sessions.StatusError)
		return fmt.Errorf("subscribe events: %w", err)
	}

	run := &promptRun{
		g:         g,
		ch:        ch,
		backend:   backend,
		msg:       msg,
		keyStr:    keyStr,
		sessionID: state.AgentSessionID,
		folder:    parts.NewFolder(true),
		seen:      make(map[string]struct{}),
	}
	run.tracker = parts.NewTracker(run.folder)

	run.st = run.newStreamer()
	if err := run.st.Start(taskCtx); err != nil {
		slog.Warn("initial card send failed", "chat", msg.ChatID, "error", err)
	}

	if err := backend.SendPrompt(taskCtx, state.AgentSessionID, agent.TextPrompt(msg.Text), agent.SendOptions{Model: state.Model}); err != nil {
		run.st.SendError("提示词发送失败：" + err.Error())
		g.sessions.SetStatus(keyStr, sessions.StatusError)
		return fmt.Errorf("send prompt: %w", err)
	}

	slog.Info("prompt started",
		"task", taskID, "session", keyStr, "agent", decision.AgentID, "message", msg.MessageID)

	for {
		select {
		case <-taskCtx.Done():
			// Aborted via /abort, recall, a superseding prompt, or
			// shutdown. Best effort: stop the backend too.
			abortCtx, abortCancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = backend.Abort(abortCtx, run.sessionID)
			abortCancel()
			run.st.Abort("")
			return nil
		case ev, ok := <-events:
			if !ok {
				run.st.SendError("事件流中断，请重试")
				g.sessions.SetStatus(keyStr, sessions.StatusError)
				return fmt.Errorf("event stream closed")
			}
			done, err := run.handleEvent(taskCtx, ev)
			if done {
				return err
			}
		}
	}
}

// promptRun is the state of one in-flight prompt: its part folder, its
// child-session tracker, and the streamer currently rendering cards.
type promptRun struct {
	g       *Gateway
	ch      channels.Channel
	backend agent.Agent
	msg     channels.InboundMessage
	keyStr  string

	sessionID string
	folder    *parts.Folder
	tracker   *parts.Tracker
	st        *streamer.Streamer

	// needsNewCard is set after a question froze the current card; the
	// next part update rotates to a fresh streamer.
	needsNewCard bool

	// seen suppresses backend redeliveries of the same eventID. The set
	// is per run: every run subscribes to the full stream, so a shared
	// mark would let one chat's run consume another's events.
	seen map[string]struct{}
}

func (r *promptRun) newStreamer() *streamer.Streamer {
	opts := streamer.Options{
		Title:    promptTitle(r.msg.Text),
		Throttle: r.g.cfg.Gateway.Throttle(),
	}
	if r.g.recall != nil {
		userMessageID := r.msg.MessageID
		opts.OnMessage = func(messageID string, sentAt time.Time) {
			r.g.recall.RecordBotMessage(userMessageID, messageID, sentAt)
		}
	}
	return streamer.New(r.ch, r.msg.ChatID, opts)
}

// handleEvent applies one backend event. Returns done=true when the
// prompt's lifecycle ended (idle, error).
func (r *promptRun) handleEvent(ctx context.Context, ev agent.Event) (bool, error) {
	if id := ev.Properties.EventID; id != "" {
		if _, dup := r.seen[id]; dup {
			return false, nil
		}
		r.seen[id] = struct{}{}
	}
	sid := ev.SessionID()

	switch ev.Type {
	case agent.EventMessagePartUpdated:
		p := ev.Properties.Part
		if p == nil {
			return false, nil
		}
		if sid == r.sessionID {
			r.rotateStreamer(ctx)
			r.tracker.Observe(*p)
			if r.folder.Apply(*p) {
				r.push()
			}
		} else if r.tracker.IsChild(sid) {
			if r.tracker.ApplyChildPart(sid, *p) {
				r.push()
			}
		}

	case agent.EventSessionCreated:
		info := ev.Properties.Info
		if info == nil || info.ParentID != r.sessionID {
			return false, nil
		}
		childID := info.ID
		if childID == "" {
			childID = info.SessionID
		}
		partID := r.tracker.BindChild(childID, *info)
		r.g.sessions.RegisterSubtask(r.keyStr, childID, partID)
		r.push()

	case agent.EventSessionUpdated, agent.EventMessageUpdated:
		// Activity only; keeps the session from idling out mid-task.
		r.g.sessions.SetStatus(r.keyStr, sessions.StatusProcessing)

	case agent.EventSessionIdle:
		if sid == r.sessionID {
			r.st.Complete()
			slog.Info("prompt completed", "session", r.keyStr)
			return true, nil
		}
		if r.tracker.IsChild(sid) {
			detail, err := r.backend.GetSessionDetail(ctx, sid)
			if err != nil {
				slog.Warn("subtask detail fetch failed", "child", sid, "error", err)
				return false, nil
			}
			if r.tracker.CompleteChild(sid, detail) {
				r.push()
			}
		}

	case agent.EventSessionError:
		if sid != r.sessionID && sid != "" && !r.tracker.IsChild(sid) {
			return false, nil
		}
		msg := "agent 处理出错"
		if e := ev.Properties.Error; e != nil && e.Message != "" {
			msg = e.Message
		}
		r.st.SendError(msg)
		r.g.sessions.SetStatus(r.keyStr, sessions.StatusError)
		return true, nil

	case agent.EventQuestionAsked:
		if q := ev.Properties.Question; q != nil && (q.SessionID == "" || q.SessionID == r.sessionID) {
			r.handleQuestion(ctx, q)
		}

	case agent.EventQuestionReplied, agent.EventQuestionRejected:
		// Answered elsewhere (TUI, another device): retire our card.
		if q := ev.Properties.Question; q != nil {
			r.retireQuestion(ctx, q.RequestID, ev.Type == agent.EventQuestionReplied)
		}
	}
	return false, nil
}

func (r *promptRun) push() {
	r.st.SetParts(r.folder.Parts())
}

// rotateStreamer swaps in a fresh card after a question interrupted the
// previous one, so post-answer output doesn't overwrite the frozen card.
func (r *promptRun) rotateStreamer(ctx context.Context) {
	if !r.needsNewCard {
		return
	}
	r.needsNewCard = false
	r.g.sessions.UpdateSession(r.keyStr, func(s *sessions.State) { s.NeedsNewCard = false })
	r.st = r.newStreamer()
	if err := r.st.Start(ctx); err != nil {
		slog.Warn("card rotation failed", "chat", r.msg.ChatID, "error", err)
	}
	r.push()
}

// handleQuestion freezes the current card and posts an interactive
// question card. One pending question per chat: a newer one replaces
// (and rejects) the older.
func (r *promptRun) handleQuestion(ctx context.Context, req *agent.QuestionRequest) {
	r.st.Complete()

	p := questions.Pending{
		RequestID:     req.RequestID,
		ChatID:        r.msg.ChatID,
		SessionKeyStr: r.keyStr,
		AgentID:       r.backend.ID(),
		Questions:     req.Questions,
		AskedAt:       time.Now(),
	}
	cardJSON, err := questions.BuildCard(p).JSON()
	if err != nil {
		slog.Error("question card build failed", "request", req.RequestID, "error", err)
		return
	}
	messageID, err := r.ch.SendCard(ctx, r.msg.ChatID, cardJSON)
	if err != nil {
		slog.Warn("question card send failed", "request", req.RequestID, "error", err)
	}
	p.MessageID = messageID
	if r.g.recall != nil && messageID != "" {
		r.g.recall.RecordBotMessage(r.msg.MessageID, messageID, time.Now())
	}

	if replaced, ok := r.g.questions.Set(p); ok {
		if err := r.backend.RejectQuestion(ctx, replaced.RequestID); err != nil {
			slog.Debug("stale question reject failed", "request", replaced.RequestID, "error", err)
		}
		r.updateQuestionCard(ctx, replaced, questions.RejectedCard(replaced))
	}

	r.needsNewCard = true
	r.g.sessions.UpdateSession(r.keyStr, func(s *sessions.State) { s.NeedsNewCard = true })
	slog.Info("question asked", "request", req.RequestID, "chat", r.msg.ChatID, "questions", len(req.Questions))
}

// retireQuestion handles a question resolved outside this channel.
func (r *promptRun) retireQuestion(ctx context.Context, requestID string, answered bool) {
	p, ok := r.g.questions.ClearByRequest(requestID)
	if !ok {
		return
	}
	card := questions.RejectedCard(p)
	if answered {
		card = cards.New("✅ 已回答", cards.TemplateSuccess).
			Add(cards.Markdown("该问题已在其他客户端回答。"))
	}
	r.updateQuestionCard(ctx, p, card)
}

func (r *promptRun) updateQuestionCard(ctx context.Context, p questions.Pending, card *cards.Card) {
	if p.MessageID == "" {
		return
	}
	cardJSON, err := card.JSON()
	if err != nil {
		return
	}
	if _, err := r.ch.UpdateCard(ctx, p.MessageID, cardJSON); err != nil {
		slog.Debug("question card update failed", "message", p.MessageID, "error", err)
	}
}

// answerWithText resolves a pending question with a free-text reply.
// The same text answers every question in the request.
func (g *Gateway) answerWithText(ctx context.Context, ch channels.Channel, pending questions.Pending, text string) {
	backend, ok := g.agents.Get(pending.AgentID)
	if !ok {
		return
	}
	answers := questions.TextAnswers(pending, text)
	if err := backend.ReplyQuestion(ctx, pending.RequestID, answers); err != nil {
		// Restore so the user can retry; the reply never reached the
		// backend.
		g.questions.Set(pending)
		g.sendResult(ctx, ch, pending.ChatID, cards.TemplateWarning,
			"⚠️ 回答发送失败", err.Error())
		return
	}
	if pending.MessageID != "" {
		if cardJSON, err := questions.AnsweredCard(pending, answers).JSON(); err == nil {
			_, _ = ch.UpdateCard(ctx, pending.MessageID, cardJSON)
		}
	}
	slog.Info("question answered", "request", pending.RequestID, "via", "text")
}

// handleCardAction resolves a pending question from a form submit.
// Reply-once: the pending record is cleared before the backend call, so
// a second submit of the same card is a no-op.
func (g *Gateway) handleCardAction(ctx context.Context, ch channels.Channel, action channels.CardAction) {
	if action.EventID != "" && !g.sessions.MarkEventProcessed(action.EventID) {
		slog.Debug("duplicate card action dropped", "event", action.EventID)
		return
	}
	requestID := action.Value["requestId"]
	if requestID == "" {
		return
	}
	pending, ok := g.questions.ClearByRequest(requestID)
	if !ok {
		slog.Debug("card action for resolved question", "request", requestID)
		return
	}
	backend, ok := g.agents.Get(pending.AgentID)
	if !ok {
		return
	}

	answers, err := questions.MapFormValues(pending, action.FormValue)
	if err != nil {
		g.questions.Set(pending)
		g.sendResult(ctx, ch, pending.ChatID, cards.TemplateWarning,
			"⚠️ 无法解析表单", err.Error())
		return
	}
	if err := backend.ReplyQuestion(ctx, requestID, answers); err != nil {
		g.questions.Set(pending)
		g.sendResult(ctx, ch, pending.ChatID, cards.TemplateWarning,
			"⚠️ 回答发送失败", err.Error())
		return
	}

	if cardJSON, err := questions.AnsweredCard(pending, answers).JSON(); err == nil {
		if _, err := ch.UpdateCard(ctx, action.MessageID, cardJSON); err != nil {
			slog.Debug("answered card update failed", "message", action.MessageID, "error", err)
		}
	}
	slog.Info("question answered", "request", requestID, "via", "form")
}

// sendResult posts a one-shot result card (command output, errors).
func (g *Gateway) sendResult(ctx context.Context, ch channels.Channel, chatID, template, title, body string) {
	cardJSON, err := cards.New(title, template).Add(cards.Markdown(body)).JSON()
	if err != nil {
		return
	}
	if _, err := ch.SendCard(ctx, chatID, cardJSON); err != nil {
		slog.Warn("result card send failed", "chat", chatID, "error", err)
	}
}

// promptTitle derives the card title from the prompt's first line.
func promptTitle(text string) string {
	line := text
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimSpace(line)
	runes := []rune(line)
	if len(runes) > titleMaxRunes {
		line = string(runes[:titleMaxRunes]) + "…"
	}
	if line == "" {
		return "Response"
	}
	return line
}
