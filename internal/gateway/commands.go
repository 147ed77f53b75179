package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nextlevelbuilder/larkcode/internal/agent"
	"github.com/nextlevelbuilder/larkcode/internal/cards"
	"github.com/nextlevelbuilder/larkcode/internal/channels"
	"github.com/nextlevelbuilder/larkcode/internal/sessions"
)

const helpText = `**可用命令**
- /help — 显示本帮助
- /new — 开启新会话（丢弃当前上下文）
- /abort — 中止当前正在处理的任务
- /model [provider/model] — 查看或切换模型
- /models — 列出可用模型
- /project <路径> — 切换项目目录
- /agent <id> — 切换 agent 后端
- /compact — 压缩会话上下文
- /status — 查看会话与连接状态

直接发送文字即可让 agent 开始工作。`

// handleCommand dispatches slash commands. Commands run outside the
// lane queue so /abort can reach a chat whose lane is busy.
func (g *Gateway) handleCommand(ctx context.Context, ch channels.Channel, msg channels.InboundMessage, text string) {
	fields := strings.Fields(text)
	name, args := fields[0], fields[1:]
	keyStr := sessions.NewChatKey(ch.ID(), msg.ChatID).String()

	slog.Info("command received", "command", name, "chat", msg.ChatID)

	switch name {
	case "/help":
		g.sendResult(ctx, ch, msg.ChatID, cards.TemplateInfo, "📖 帮助", helpText)

	case "/new":
		g.cmdNew(ctx, ch, msg, keyStr)

	case "/abort":
		g.cmdAbort(ctx, ch, msg, keyStr)

	case "/model":
		g.cmdModel(ctx, ch, msg, keyStr, args)

	case "/models":
		g.cmdModels(ctx, ch, msg, keyStr)

	case "/project":
		if len(args) == 0 {
			g.sendResult(ctx, ch, msg.ChatID, cards.TemplateWarning, "⚠️ 用法", "/project <路径>")
			return
		}
		if err := g.sessions.SwitchProject(ctx, keyStr, args[0]); err != nil {
			g.sendResult(ctx, ch, msg.ChatID, cards.TemplateError, "❌ 切换失败", err.Error())
			return
		}
		g.sendResult(ctx, ch, msg.ChatID, cards.TemplateSuccess, "✅ 项目已切换",
			fmt.Sprintf("新目录：`%s`\n已为该目录开启新会话。", args[0]))

	case "/agent":
		if len(args) == 0 {
			g.sendResult(ctx, ch, msg.ChatID, cards.TemplateWarning, "⚠️ 用法",
				"/agent <id>\n可用 agent："+strings.Join(g.agents.List(), ", "))
			return
		}
		if _, ok := g.agents.Get(args[0]); !ok {
			g.sendResult(ctx, ch, msg.ChatID, cards.TemplateError, "❌ 未知 agent",
				fmt.Sprintf("agent %q 未注册。可用：%s", args[0], strings.Join(g.agents.List(), ", ")))
			return
		}
		if err := g.sessions.SwitchAgent(ctx, keyStr, args[0]); err != nil {
			g.sendResult(ctx, ch, msg.ChatID, cards.TemplateError, "❌ 切换失败", err.Error())
			return
		}
		g.sendResult(ctx, ch, msg.ChatID, cards.TemplateSuccess, "✅ Agent 已切换",
			fmt.Sprintf("当前 agent：`%s`\n已开启新会话。", args[0]))

	case "/compact":
		g.cmdCompact(ctx, ch, msg, keyStr)

	case "/status":
		g.cmdStatus(ctx, ch, msg, keyStr)

	default:
		g.sendResult(ctx, ch, msg.ChatID, cards.TemplateError, "❌ 未知命令",
			fmt.Sprintf("命令 `%s` 不存在，发送 /help 查看可用命令。", name))
	}
}

func (g *Gateway) cmdNew(ctx context.Context, ch channels.Channel, msg channels.InboundMessage, keyStr string) {
	g.abortBackend(ctx, keyStr)
	g.sessions.AbortTask(keyStr)
	g.sessions.DeleteSession(keyStr)
	g.questions.Clear(msg.ChatID)
	g.sendResult(ctx, ch, msg.ChatID, cards.TemplateSuccess, "🆕 新会话",
		"当前上下文已清除，下一条消息将在全新会话中处理。")
}

func (g *Gateway) cmdAbort(ctx context.Context, ch channels.Channel, msg channels.InboundMessage, keyStr string) {
	g.abortBackend(ctx, keyStr)
	if !g.sessions.AbortTask(keyStr) {
		g.sendResult(ctx, ch, msg.ChatID, cards.TemplateInfo, "ℹ️ 无任务", "当前没有正在处理的任务。")
		return
	}
	g.sendResult(ctx, ch, msg.ChatID, cards.TemplateWarning, "🛑 已中止", "当前任务已中止。")
}

// abortBackend tells the agent to stop the session's in-flight work.
// Cancelling the task context alone only stops our side of the stream.
func (g *Gateway) abortBackend(ctx context.Context, keyStr string) {
	st, ok := g.sessions.Get(keyStr)
	if !ok || st.AgentSessionID == "" {
		return
	}
	backend, ok := g.agents.Get(st.AgentID)
	if !ok {
		return
	}
	if err := backend.Abort(ctx, st.AgentSessionID); err != nil {
		slog.Debug("backend abort failed", "session", keyStr, "error", err)
	}
}

func (g *Gateway) cmdModel(ctx context.Context, ch channels.Channel, msg channels.InboundMessage, keyStr string, args []string) {
	if len(args) == 0 {
		model := "（agent 默认）"
		if st, ok := g.sessions.Get(keyStr); ok && st.Model != "" {
			model = "`" + st.Model + "`"
		}
		g.sendResult(ctx, ch, msg.ChatID, cards.TemplateInfo, "🤖 当前模型",
			model+"\n\n使用 /model provider/model 切换，/models 查看可用列表。")
		return
	}
	if err := g.sessions.SwitchModel(ctx, keyStr, args[0]); err != nil {
		g.sendResult(ctx, ch, msg.ChatID, cards.TemplateError, "❌ 切换失败", err.Error())
		return
	}
	g.sendResult(ctx, ch, msg.ChatID, cards.TemplateSuccess, "✅ 模型已切换",
		fmt.Sprintf("当前模型：`%s`", args[0]))
}

func (g *Gateway) cmdModels(ctx context.Context, ch channels.Channel, msg channels.InboundMessage, keyStr string) {
	agentID := g.cfg.Gateway.DefaultAgent
	if st, ok := g.sessions.Get(keyStr); ok {
		agentID = st.AgentID
	}
	backend, ok := g.agents.Get(agentID)
	if !ok {
		g.sendResult(ctx, ch, msg.ChatID, cards.TemplateError, "❌ Agent 不可用", agentID)
		return
	}
	models, err := backend.ListModels(ctx)
	if err != nil {
		g.sendResult(ctx, ch, msg.ChatID, cards.TemplateError, "❌ 获取模型失败", err.Error())
		return
	}
	agent.SortModels(models)

	var b strings.Builder
	const maxListed = 30
	for i, m := range models {
		if i == maxListed {
			fmt.Fprintf(&b, "… 共 %d 个模型\n", len(models))
			break
		}
		fmt.Fprintf(&b, "- `%s/%s`", m.ProviderID, m.ID)
		if m.Name != "" {
			fmt.Fprintf(&b, " — %s", m.Name)
		}
		b.WriteByte('\n')
	}
	if b.Len() == 0 {
		b.WriteString("（无可用模型）")
	}
	g.sendResult(ctx, ch, msg.ChatID, cards.TemplateInfo,
		fmt.Sprintf("🤖 可用模型 (%s)", agentID), b.String())
}

func (g *Gateway) cmdCompact(ctx context.Context, ch channels.Channel, msg channels.InboundMessage, keyStr string) {
	res := g.sessions.Compact(ctx, keyStr)
	if !res.Success {
		body := "当前没有可压缩的会话。"
		if res.Err != nil {
			body = res.Err.Error()
		}
		g.sendResult(ctx, ch, msg.ChatID, cards.TemplateError, "❌ 压缩失败", body)
		return
	}
	body := "会话上下文已压缩。"
	if res.BeforeTokens > 0 {
		body = fmt.Sprintf("会话上下文已压缩：%d → %d tokens。", res.BeforeTokens, res.AfterTokens)
	}
	g.sendResult(ctx, ch, msg.ChatID, cards.TemplateSuccess, "🗜 压缩完成", body)
}

func (g *Gateway) cmdStatus(ctx context.Context, ch channels.Channel, msg channels.InboundMessage, keyStr string) {
	var b strings.Builder

	if st, ok := g.sessions.Get(keyStr); ok {
		fmt.Fprintf(&b, "**会话**\n- 状态：%s\n- Agent：`%s`\n", st.Status, st.AgentID)
		if st.Model != "" {
			fmt.Fprintf(&b, "- 模型：`%s`\n", st.Model)
		}
		if st.ProjectPath != "" {
			fmt.Fprintf(&b, "- 项目：`%s`\n", st.ProjectPath)
		}
		fmt.Fprintf(&b, "- 消息数：%d\n- 最近活跃：%s\n",
			st.MessageCount, st.LastActiveAt.Format(time.DateTime))
		if task, ok := g.sessions.ActiveTask(keyStr); ok {
			fmt.Fprintf(&b, "- 处理中：已运行 %s\n", time.Since(task.StartTime).Round(time.Second))
		}
	} else {
		b.WriteString("**会话**\n- 尚未创建（发送一条消息即可开始）\n")
	}

	fmt.Fprintf(&b, "\n**Agent**\n")
	for _, id := range g.agents.List() {
		fmt.Fprintf(&b, "- `%s`\n", id)
	}

	if servers := g.mcp.Status(); len(servers) > 0 {
		fmt.Fprintf(&b, "\n**MCP**\n")
		for _, s := range servers {
			state := "🔴 未连接"
			if s.Connected {
				state = fmt.Sprintf("🟢 已连接 · %d 工具", s.ToolCount)
			}
			fmt.Fprintf(&b, "- %s：%s\n", s.Name, state)
		}
	}

	g.sendResult(ctx, ch, msg.ChatID, cards.TemplateInfo, "📊 状态", b.String())
}

// handleBotAdded greets a chat the bot just joined.
func (g *Gateway) handleBotAdded(ctx context.Context, ch channels.Channel, chatID, chatName string) {
	g.sessions.TrackGroup(chatID, chatName)

	card := cards.New("👋 欢迎使用 LarkCode", cards.TemplateWelcome).
		Add(
			cards.Markdown("我可以把这个群接入你的 coding agent：直接发送需求，我会实时把处理过程和结果更新到卡片上。"),
			cards.Divider(),
			cards.Markdown(helpText),
			cards.Note("提示：处理期间撤回你的消息会中止任务并删除对应的回复。"),
		)
	cardJSON, err := card.JSON()
	if err != nil {
		return
	}
	if _, err := ch.SendCard(ctx, chatID, cardJSON); err != nil {
		slog.Warn("welcome card send failed", "chat", chatID, "error", err)
	}
	slog.Info("bot added to chat", "channel", ch.ID(), "chat", chatID, "name", chatName)
}
