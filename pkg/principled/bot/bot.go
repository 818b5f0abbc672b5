// Package bot routes incoming chat messages to command handlers. It
// owns the per-user conversation state for multi-step flows (adding a
// principle, setting the reminder time, replacing the outline) and the
// empathy collection sessions.
package bot

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ryabin/principled/pkg/principled/channels"
	"github.com/ryabin/principled/pkg/principled/delivery"
	"github.com/ryabin/principled/pkg/principled/empathy"
	"github.com/ryabin/principled/pkg/principled/outline"
	"github.com/ryabin/principled/pkg/principled/scheduler"
	"github.com/ryabin/principled/pkg/principled/store"
)

// listReplyLimit keeps list replies short enough to read comfortably;
// blocks are split at line boundaries.
const listReplyLimit = 500

// state is the per-user position in a multi-step flow.
type state int

const (
	stateNone state = iota
	stateAddCategory
	stateAddTitle
	stateAddText
	stateAwaitTime
	stateAwaitOutline
	stateCollecting
)

// draft accumulates the pieces of a principle during the add flow.
type draft struct {
	category string
	title    string
}

// Bot dispatches messages from a channel to handlers.
type Bot struct {
	ch      channels.Channel
	store   *store.Store
	sched   *scheduler.Scheduler
	sender  *delivery.Sender
	buffers *empathy.Buffers
	llm     *empathy.Client
	logger  *slog.Logger

	mu     sync.Mutex
	states map[int64]state
	drafts map[int64]*draft
}

// New creates a bot wired to the given channel and services.
func New(ch channels.Channel, st *store.Store, sched *scheduler.Scheduler, sender *delivery.Sender, llm *empathy.Client, logger *slog.Logger) *Bot {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bot{
		ch:      ch,
		store:   st,
		sched:   sched,
		sender:  sender,
		buffers: empathy.NewBuffers(),
		llm:     llm,
		logger:  logger.With("component", "bot"),
		states:  make(map[int64]state),
		drafts:  make(map[int64]*draft),
	}
}

// Run consumes messages until the context is cancelled or the channel
// closes its receive stream.
func (b *Bot) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-b.ch.Receive():
			if !ok {
				return nil
			}
			if msg == nil {
				continue
			}
			b.handle(ctx, msg)
		}
	}
}

func (b *Bot) handle(ctx context.Context, msg *channels.IncomingMessage) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("panic in message handler", "user_id", msg.UserID, "panic", r)
		}
	}()

	if name, args, ok := msg.Command(); ok {
		b.handleCommand(ctx, msg, name, args)
		return
	}
	b.handleText(ctx, msg)
}

func (b *Bot) handleCommand(ctx context.Context, msg *channels.IncomingMessage, name, args string) {
	b.logger.Info("command received", "command", name, "user_id", msg.UserID)

	switch name {
	case "start", "help":
		b.reply(ctx, msg.ChatID, helpText)
	case "start_empathy":
		b.cmdStartEmpathy(ctx, msg)
	case "process":
		b.cmdProcess(ctx, msg)
	case "cancel_empathy":
		b.cmdCancelEmpathy(ctx, msg)
	case "model":
		b.cmdModel(ctx, msg, args)
	case "principles":
		b.cmdPrinciples(ctx, msg)
	case "add_principle":
		b.cmdAddPrinciple(ctx, msg)
	case "remove_principle":
		b.cmdRemovePrinciple(ctx, msg, args)
	case "update_principles":
		b.cmdUpdatePrinciples(ctx, msg)
	case "reminder":
		b.cmdReminder(ctx, msg)
	case "cancel":
		b.cmdCancel(ctx, msg)
	case "test_principle":
		b.cmdTestPrinciple(ctx, msg)
	default:
		b.reply(ctx, msg.ChatID, "Unknown command. Use /help to see what I can do.")
	}
}

const helpText = `Hello! I can do two things for you:

Principles (daily reminders):
/principles - show your principles
/add_principle - add one principle step by step
/remove_principle <id> - remove a principle
/update_principles - replace all principles from a Markdown outline
/reminder - set the daily reminder time
/test_principle - send a random principle now
/cancel - abort the current step

Empathy analysis:
/start_empathy - start collecting messages
/process - analyze the collected messages
/cancel_empathy - discard the session
/model - show or set the analysis model`

// ---------- Empathy commands ----------

func (b *Bot) cmdStartEmpathy(ctx context.Context, msg *channels.IncomingMessage) {
	b.buffers.Start(msg.UserID)
	b.setState(msg.UserID, stateCollecting)
	b.reply(ctx, msg.ChatID,
		"🧠 Empathy Analysis Session Started\n\n"+
			"Now you can:\n"+
			"• Forward messages to me\n"+
			"• Type messages directly\n"+
			"• Use /process when ready to analyze\n"+
			"• Use /cancel_empathy to cancel\n\n"+
			"I'll collect all your messages until you run /process.")
}

func (b *Bot) cmdProcess(ctx context.Context, msg *channels.IncomingMessage) {
	userID := msg.UserID
	if b.getState(userID) != stateCollecting {
		b.reply(ctx, msg.ChatID, "You need to start an empathy session first with /start_empathy")
		return
	}
	if b.buffers.Len(userID) == 0 {
		b.reply(ctx, msg.ChatID, "Your buffer is empty. Forward or type some messages first.")
		return
	}

	messages, _ := b.buffers.Take(userID)
	b.setState(userID, stateNone)
	model := b.buffers.Model(userID, b.llm.DefaultModel())
	b.reply(ctx, msg.ChatID, fmt.Sprintf("Processing %d messages with %s...", len(messages), model))

	// The LLM call can take a while; keep the dispatch loop free.
	go func() {
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error("panic in analysis", "user_id", userID, "panic", r)
			}
		}()

		analysis, err := b.llm.Process(ctx, messages, model)
		if err != nil {
			b.logger.Error("analysis failed", "user_id", userID, "error", err)
			b.reply(ctx, msg.ChatID, fmt.Sprintf("Analysis failed: %v. Start a new session with /start_empathy.", err))
			return
		}
		b.replyLong(ctx, msg.ChatID, analysis)
		b.reply(ctx, msg.ChatID, "✅ Analysis complete! Start a new session with /start_empathy if needed.")
		b.logger.Info("analysis completed", "user_id", userID, "messages", len(messages))
	}()
}

func (b *Bot) cmdCancelEmpathy(ctx context.Context, msg *channels.IncomingMessage) {
	userID := msg.UserID
	if b.getState(userID) != stateCollecting {
		b.reply(ctx, msg.ChatID, "No active empathy session to cancel.")
		return
	}
	count := b.buffers.Len(userID)
	b.buffers.Cancel(userID)
	b.setState(userID, stateNone)
	b.reply(ctx, msg.ChatID, fmt.Sprintf("❌ Empathy session cancelled. Cleared %d messages.", count))
}

func (b *Bot) cmdModel(ctx context.Context, msg *channels.IncomingMessage, args string) {
	if args != "" {
		b.buffers.SetModel(msg.UserID, args)
		b.reply(ctx, msg.ChatID, fmt.Sprintf("Model set to: %s", strings.TrimSpace(args)))
		return
	}
	current := b.buffers.Model(msg.UserID, b.llm.DefaultModel())
	b.reply(ctx, msg.ChatID, fmt.Sprintf("Current model: %s. To set a new model, use /model <modelname>.", current))
}

// ---------- Principle commands ----------

func (b *Bot) cmdPrinciples(ctx context.Context, msg *channels.IncomingMessage) {
	userID := msg.UserID
	principles := b.store.Load(userID)
	if len(principles) == 0 {
		b.reply(ctx, msg.ChatID,
			"📚 You haven't added any principles yet.\n\n"+
				"Use /add_principle to add your first principle!")
		return
	}

	// Group by category preserving first-seen order.
	var order []string
	byCategory := make(map[string][]store.Principle)
	for _, p := range principles {
		if _, ok := byCategory[p.Category]; !ok {
			order = append(order, p.Category)
		}
		byCategory[p.Category] = append(byCategory[p.Category], p)
	}

	parts := []string{fmt.Sprintf("📚 Your Principles (%d total)\n", len(principles))}
	for _, category := range order {
		parts = append(parts, fmt.Sprintf("%s:", category))
		for _, p := range byCategory[category] {
			preview := p.Text
			if len([]rune(preview)) > 100 {
				preview = string([]rune(preview)[:100]) + "..."
			}
			parts = append(parts, fmt.Sprintf("  %d. %s", p.ID, p.Title))
			parts = append(parts, fmt.Sprintf("     %s", preview))
		}
		parts = append(parts, "")
	}

	if cfg, ok := b.store.LoadReminder(userID); ok {
		parts = append(parts, fmt.Sprintf("⏰ Daily reminder set for %s (server time)", cfg.Time))
	} else {
		parts = append(parts, "⏰ No daily reminder set. Use /reminder to set one.")
	}
	parts = append(parts, "\n💡 Use /add_principle to add more or /remove_principle <id> to remove.")

	b.replyLong(ctx, msg.ChatID, strings.Join(parts, "\n"))
}

func (b *Bot) cmdAddPrinciple(ctx context.Context, msg *channels.IncomingMessage) {
	b.mu.Lock()
	b.states[msg.UserID] = stateAddCategory
	b.drafts[msg.UserID] = &draft{}
	b.mu.Unlock()

	b.reply(ctx, msg.ChatID,
		"🆕 Adding a New Principle\n\n"+
			"Step 1/3: What category should this principle belong to?\n"+
			"(e.g., 'Personal Growth', 'Work', 'Relationships', etc.)\n\n"+
			"Type /cancel to abort.")
}

func (b *Bot) cmdRemovePrinciple(ctx context.Context, msg *channels.IncomingMessage, args string) {
	userID := msg.UserID
	args = strings.TrimSpace(args)
	if args == "" {
		b.reply(ctx, msg.ChatID,
			"❗️ Please specify the principle ID to remove.\n\n"+
				"Usage: /remove_principle <id>\n"+
				"Use /principles to see all IDs.")
		return
	}
	id, err := strconv.Atoi(args)
	if err != nil {
		b.reply(ctx, msg.ChatID, "❗️ Principle ID must be a number.")
		return
	}

	principle, ok := b.store.Get(userID, id)
	if !ok {
		b.reply(ctx, msg.ChatID, fmt.Sprintf("❗️ No principle found with ID %d.", id))
		return
	}

	removed, err := b.store.Remove(userID, id)
	if err != nil || !removed {
		b.logger.Error("remove failed", "user_id", userID, "id", id, "error", err)
		b.reply(ctx, msg.ChatID, fmt.Sprintf("❗️ Failed to remove principle %d.", id))
		return
	}

	b.reply(ctx, msg.ChatID, fmt.Sprintf(
		"🗑️ Principle Removed\n\nID: %d\nTitle: %s\nCategory: %s\n\nUse /principles to see your remaining principles.",
		id, principle.Title, principle.Category))
}

func (b *Bot) cmdUpdatePrinciples(ctx context.Context, msg *channels.IncomingMessage) {
	b.setState(msg.UserID, stateAwaitOutline)
	b.reply(ctx, msg.ChatID,
		"Please send your principles in a Markdown-like outline, for example:\n\n"+
			"# General principles\n\n"+
			"## Self-improvement\n"+
			"### 5-step process\n"+
			"On every iteration:\n"+
			"1. Have clear goals\n"+
			"2. Encounter problems and don't tolerate them\n"+
			"3. Diagnose the problem's root cause\n"+
			"4. Design a way to get around the problem\n"+
			"5. Execute the designs to push through to results\n\n"+
			"### Another principle\n"+
			"Text of that principle...\n\n"+
			"I'll split it into leaf items using your headings (#, ##, ###, ...).")
}

func (b *Bot) cmdReminder(ctx context.Context, msg *channels.IncomingMessage) {
	userID := msg.UserID
	current := "not set"
	if cfg, ok := b.store.LoadReminder(userID); ok {
		current = cfg.Time
	}
	now := time.Now()
	b.setState(userID, stateAwaitTime)
	b.replyHTML(ctx, msg.ChatID, fmt.Sprintf(
		"Server time now: <b>%s</b> (%s).\n"+
			"Your current reminder time: <b>%s</b>.\n\n"+
			"Please send a time in 24h <b>HH:MM</b> (server timezone).",
		now.Format("2006-01-02 15:04"), html.EscapeString(now.Format("MST")), html.EscapeString(current)))
}

func (b *Bot) cmdCancel(ctx context.Context, msg *channels.IncomingMessage) {
	userID := msg.UserID
	b.mu.Lock()
	st := b.states[userID]
	delete(b.states, userID)
	delete(b.drafts, userID)
	b.mu.Unlock()

	switch st {
	case stateAddCategory, stateAddTitle, stateAddText:
		b.reply(ctx, msg.ChatID, "❌ Cancelled adding principle.")
	case stateAwaitTime:
		b.reply(ctx, msg.ChatID, "❌ Cancelled setting reminder time.")
	case stateAwaitOutline:
		b.reply(ctx, msg.ChatID, "❌ Cancelled updating principles.")
	case stateCollecting:
		// Collection has its own cancel command; restore the session state.
		b.setState(userID, stateCollecting)
		b.reply(ctx, msg.ChatID, "Use /cancel_empathy to cancel the empathy session.")
	default:
		b.reply(ctx, msg.ChatID, "Nothing to cancel.")
	}
}

func (b *Bot) cmdTestPrinciple(ctx context.Context, msg *channels.IncomingMessage) {
	userID := msg.UserID
	principles := b.store.Load(userID)
	if len(principles) == 0 {
		b.reply(ctx, msg.ChatID, "You haven't added any principles yet. Use /add_principle to add your first one!")
		return
	}

	p := principles[rand.Intn(len(principles))]
	header, body := scheduler.RenderItem(outline.Item{
		Path: []string{p.Category, p.Title},
		Text: p.Text,
	})
	if err := b.sender.Deliver(ctx, msg.ChatID, header, body); err != nil {
		b.logger.Error("test principle delivery failed", "user_id", userID, "error", err)
	}
}

// ---------- Plain text dispatch ----------

func (b *Bot) handleText(ctx context.Context, msg *channels.IncomingMessage) {
	userID := msg.UserID
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}

	switch b.getState(userID) {
	case stateCollecting:
		b.collectMessage(ctx, msg)
	case stateAddCategory:
		b.receiveCategory(ctx, msg, text)
	case stateAddTitle:
		b.receiveTitle(ctx, msg, text)
	case stateAddText:
		b.receiveText(ctx, msg, text)
	case stateAwaitTime:
		b.receiveTime(ctx, msg, text)
	case stateAwaitOutline:
		b.receiveOutline(ctx, msg, text)
	default:
		if msg.ForwardedFrom != "" {
			b.reply(ctx, msg.ChatID, "Start an empathy session with /start_empathy to collect forwarded messages.")
			return
		}
		b.logger.Debug("ignoring message outside any flow", "user_id", userID)
	}
}

func (b *Bot) collectMessage(ctx context.Context, msg *channels.IncomingMessage) {
	userID := msg.UserID
	if msg.ForwardedFrom != "" {
		b.buffers.Append(userID, empathy.Message{Sender: msg.ForwardedFrom, Text: msg.Text})
		b.reply(ctx, msg.ChatID, fmt.Sprintf("✅ Collected forwarded message from %s (%d total)", msg.ForwardedFrom, b.buffers.Len(userID)))
		return
	}

	sender := msg.SenderName
	if sender == "" {
		sender = fmt.Sprintf("User %d", userID)
	}
	b.buffers.Append(userID, empathy.Message{Sender: sender, Text: msg.Text})
	b.reply(ctx, msg.ChatID, fmt.Sprintf("✅ Collected your message (%d total)", b.buffers.Len(userID)))
}

func (b *Bot) receiveCategory(ctx context.Context, msg *channels.IncomingMessage, category string) {
	b.mu.Lock()
	d := b.drafts[msg.UserID]
	if d == nil {
		d = &draft{}
		b.drafts[msg.UserID] = d
	}
	d.category = category
	b.states[msg.UserID] = stateAddTitle
	b.mu.Unlock()

	b.reply(ctx, msg.ChatID, fmt.Sprintf(
		"📝 Category: %s\n\n"+
			"Step 2/3: What's the title of this principle?\n"+
			"(e.g., '5-step process', 'Daily reflection', etc.)\n\n"+
			"Type /cancel to abort.", category))
}

func (b *Bot) receiveTitle(ctx context.Context, msg *channels.IncomingMessage, title string) {
	b.mu.Lock()
	d := b.drafts[msg.UserID]
	if d == nil {
		d = &draft{}
		b.drafts[msg.UserID] = d
	}
	d.title = title
	category := d.category
	b.states[msg.UserID] = stateAddText
	b.mu.Unlock()

	b.reply(ctx, msg.ChatID, fmt.Sprintf(
		"📝 Category: %s\n📝 Title: %s\n\n"+
			"Step 3/3: What's the content of this principle?\n"+
			"(This can be multiple paragraphs, bullet points, etc.)\n\n"+
			"Type /cancel to abort.", category, title))
}

func (b *Bot) receiveText(ctx context.Context, msg *channels.IncomingMessage, text string) {
	userID := msg.UserID
	b.mu.Lock()
	d := b.drafts[userID]
	delete(b.drafts, userID)
	delete(b.states, userID)
	b.mu.Unlock()

	if d == nil {
		b.reply(ctx, msg.ChatID, "Something went wrong, please start over with /add_principle.")
		return
	}

	id, err := b.store.Add(userID, d.category, d.title, text)
	if err != nil {
		b.logger.Error("adding principle failed", "user_id", userID, "error", err)
		b.reply(ctx, msg.ChatID, fmt.Sprintf("Couldn't save the principle: %v", err))
		return
	}

	b.reply(ctx, msg.ChatID, fmt.Sprintf(
		"✅ Principle Added!\n\nID: %d\nCategory: %s\nTitle: %s\n\n"+
			"Use /principles to see all your principles or /add_principle to add another.",
		id, d.category, d.title))
}

func (b *Bot) receiveTime(ctx context.Context, msg *channels.IncomingMessage, text string) {
	userID := msg.UserID
	if _, _, err := scheduler.ParseTime(text); err != nil {
		b.reply(ctx, msg.ChatID, "❗️Please send time as HH:MM in 24h format (e.g., 07:30 or 19:05).")
		return
	}

	if err := b.store.SaveReminder(userID, text); err != nil {
		b.logger.Error("saving reminder failed", "user_id", userID, "error", err)
		b.setState(userID, stateNone)
		b.reply(ctx, msg.ChatID, "I couldn't save that time due to an internal error. Please try again.")
		return
	}
	if err := b.sched.Schedule(userID, text); err != nil {
		b.logger.Error("scheduling reminder failed", "user_id", userID, "time", text, "error", err)
		b.setState(userID, stateNone)
		b.reply(ctx, msg.ChatID, "I couldn't schedule that time due to an internal error. Please try again.")
		return
	}

	b.setState(userID, stateNone)
	b.replyHTML(ctx, msg.ChatID, fmt.Sprintf(
		"⏰ Daily reminder time set to <b>%s</b> (server timezone). "+
			"Each day I'll add a random delay up to 60 minutes.", html.EscapeString(text)))
}

func (b *Bot) receiveOutline(ctx context.Context, msg *channels.IncomingMessage, raw string) {
	userID := msg.UserID
	b.setState(userID, stateNone)

	items := outline.Parse(raw)
	if len(items) == 0 {
		b.reply(ctx, msg.ChatID,
			"I couldn't find any leaf items.\n"+
				"Make sure each principle has a heading line (like '### Principle name') "+
				"and text below it. You can /update_principles again anytime.")
		return
	}

	principles := make([]store.Principle, 0, len(items))
	for _, item := range items {
		category := item.Path[0]
		title := category
		if len(item.Path) > 1 {
			title = strings.Join(item.Path[1:], " / ")
		}
		principles = append(principles, store.Principle{
			Category: category,
			Title:    title,
			Text:     item.Text,
		})
	}
	if err := b.store.Replace(userID, principles); err != nil {
		b.logger.Error("replacing principles failed", "user_id", userID, "error", err)
		b.reply(ctx, msg.ChatID, "Couldn't save your principles due to an internal error. Please try again.")
		return
	}

	var previews []string
	for _, item := range items[:min(3, len(items))] {
		firstLine := ""
		if lines := strings.Split(strings.TrimSpace(item.Text), "\n"); len(lines) > 0 {
			firstLine = lines[0]
		}
		if len([]rune(firstLine)) > 120 {
			firstLine = string([]rune(firstLine)[:120])
		}
		previews = append(previews, fmt.Sprintf("<b>%s</b>\n%s",
			html.EscapeString(item.Breadcrumb()), html.EscapeString(firstLine)))
	}
	more := ""
	if len(items) > 3 {
		more = fmt.Sprintf("\n\n…and %d more.", len(items)-3)
	}

	b.replyHTML(ctx, msg.ChatID, fmt.Sprintf(
		"✅ Saved %d principle%s for you. You can set the daily reminder time with /reminder.\n\n"+
			"Preview of the first item%s:\n\n%s%s",
		len(items), plural(len(items)), plural(len(items)), strings.Join(previews, "\n\n"), more))
}

// ---------- Helpers ----------

func (b *Bot) reply(ctx context.Context, chatID int64, text string) {
	if err := b.sender.Notify(ctx, chatID, text); err != nil {
		b.logger.Error("reply failed", "chat_id", chatID, "error", err)
	}
}

// replyHTML sends one HTML-formatted message, chunked when oversized.
func (b *Bot) replyHTML(ctx context.Context, chatID int64, text string) {
	if err := b.sender.Deliver(ctx, chatID, "", text); err != nil {
		b.logger.Error("reply failed", "chat_id", chatID, "error", err)
	}
}

// replyLong splits a long plain reply at line boundaries.
func (b *Bot) replyLong(ctx context.Context, chatID int64, text string) {
	for _, block := range delivery.SplitLines(text, listReplyLimit) {
		b.reply(ctx, chatID, block)
	}
}

func (b *Bot) setState(userID int64, st state) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st == stateNone {
		delete(b.states, userID)
		return
	}
	b.states[userID] = st
}

func (b *Bot) getState(userID int64) state {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.states[userID]
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}
