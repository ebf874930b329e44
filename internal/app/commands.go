package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"bossbot/internal/claims"
	"bossbot/internal/config"
	"bossbot/internal/maintenance"
	"bossbot/internal/storage"
	"bossbot/internal/timers"
	"bossbot/internal/transport"
	"bossbot/internal/tts"
	"bossbot/pkg/logx"
)

// Router dispatches incoming messages and callback presses to the domain
// services and renders replies.
type Router struct {
	cfg    func() config.Config
	timers *timers.Service
	claims *claims.Service
	maint  *maintenance.Service
	tts    *tts.Pipeline
	speak  func(ctx context.Context, text string) error

	adapter transport.Adapter
	log     logx.Logger
	loc     *time.Location
}

var menuCommands = []transport.BotCommand{
	{Command: "bossadd", Description: "Add a timer: name hours credit, or name days HH:MM credit"},
	{Command: "bossdel", Description: "Remove a timer"},
	{Command: "bosslist", Description: "List configured timers"},
	{Command: "schedule", Description: "Upcoming occurrences"},
	{Command: "cut", Description: "Record a kill: name [HHMM or MMDDHHMM]"},
	{Command: "gen", Description: "Arm next spawn: name HHMM or MMDDHHMM"},
	{Command: "maintenance", Description: "Maintenance mode: MMDDHHMM or off"},
	{Command: "ranking", Description: "Credit leaderboard"},
	{Command: "speak", Description: "Voice a test announcement"},
	{Command: "ttsprovider", Description: "Show or switch the TTS provider"},
}

func (r *Router) reply(ctx context.Context, m *transport.Message, text string) {
	target := transport.ChatTarget{ChatID: m.ChatID, ThreadID: m.ThreadID}
	if _, err := r.adapter.SendText(ctx, target, text, nil); err != nil {
		r.log.Warn("reply failed", logx.Err(err))
	}
}

// HandleUpdate routes one incoming update. It never returns an error; user
// mistakes become chat replies and internal failures are logged.
func (r *Router) HandleUpdate(ctx context.Context, up transport.Update) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("handler panic", logx.Any("panic", rec))
		}
	}()
	switch up.Kind {
	case transport.UpdateMessage:
		if up.Message != nil {
			r.handleMessage(ctx, up.Message)
		}
	case transport.UpdateCallback:
		if up.Callback != nil {
			r.handleCallback(ctx, up.Callback)
		}
	}
}

func (r *Router) handleMessage(ctx context.Context, m *transport.Message) {
	text := strings.TrimSpace(m.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}
	fields := strings.Fields(text)
	cmd := strings.TrimPrefix(fields[0], "/")
	// Group chats suffix commands with the bot name.
	if i := strings.IndexByte(cmd, '@'); i >= 0 {
		cmd = cmd[:i]
	}
	args := fields[1:]

	switch cmd {
	case "bossadd":
		r.requireAdmin(ctx, m, func() { r.cmdBossAdd(ctx, m, args) })
	case "bossdel":
		r.requireAdmin(ctx, m, func() { r.cmdBossDel(ctx, m, args) })
	case "bosslist":
		r.cmdBossList(ctx, m)
	case "schedule":
		r.cmdSchedule(ctx, m)
	case "cut":
		r.cmdCut(ctx, m, args)
	case "gen":
		r.requireAdmin(ctx, m, func() { r.cmdGen(ctx, m, args) })
	case "maintenance":
		r.requireAdmin(ctx, m, func() { r.cmdMaintenance(ctx, m, args) })
	case "ranking":
		r.cmdRanking(ctx, m)
	case "speak":
		r.requireAdmin(ctx, m, func() { r.cmdSpeak(ctx, m, args) })
	case "ttsprovider":
		r.requireAdmin(ctx, m, func() { r.cmdTTSProvider(ctx, m, args) })
	}
}

func (r *Router) requireAdmin(ctx context.Context, m *transport.Message, fn func()) {
	cfg := r.cfg()
	if !cfg.IsAdmin(m.FromID) {
		r.reply(ctx, m, "This command is for operators only.")
		return
	}
	fn()
}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

func parseWeekdays(arg string) ([]time.Weekday, error) {
	var out []time.Weekday
	for _, p := range strings.Split(arg, ",") {
		p = strings.ToLower(strings.TrimSpace(p))
		if d, ok := weekdayNames[p]; ok {
			out = append(out, d)
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > 6 {
			return nil, fmt.Errorf("unknown weekday %q", p)
		}
		out = append(out, time.Weekday(n))
	}
	return out, nil
}

const bossAddUsage = "Usage: /bossadd <name> <hours> <credit> [hidden]  or  /bossadd <name> <days> <HH:MM> <credit> [hidden]\nExample: /bossadd drake 3 10  |  /bossadd raid tue,thu 21:00 30"

func (r *Router) cmdBossAdd(ctx context.Context, m *transport.Message, args []string) {
	// A trailing visibility token applies to either form. Hidden timers
	// track their schedule but are never announced.
	visible := true
	if n := len(args); n > 0 {
		switch strings.ToLower(args[n-1]) {
		case "hidden":
			visible = false
			args = args[:n-1]
		case "visible":
			args = args[:n-1]
		}
	}
	switch len(args) {
	case 3:
		hours, err1 := strconv.Atoi(args[1])
		credit, err2 := strconv.Atoi(args[2])
		if err1 != nil || err2 != nil {
			r.reply(ctx, m, bossAddUsage)
			return
		}
		t, err := r.timers.AddInterval(ctx, args[0], hours, credit, visible)
		if err != nil {
			r.reply(ctx, m, userError(err))
			return
		}
		r.reply(ctx, m, fmt.Sprintf("Added %s: every %dh, %d credit%s. Use /cut or /gen to arm it.", t.Name, t.IntervalHours, t.Credit, hiddenSuffix(t.Visible)))
	case 4:
		days, err := parseWeekdays(args[1])
		if err != nil {
			r.reply(ctx, m, userError(err))
			return
		}
		credit, err := strconv.Atoi(args[3])
		if err != nil {
			r.reply(ctx, m, bossAddUsage)
			return
		}
		t, err := r.timers.AddWeekly(ctx, args[0], days, args[2], credit, visible)
		if err != nil {
			r.reply(ctx, m, userError(err))
			return
		}
		r.reply(ctx, m, fmt.Sprintf("Added %s: %s at %s, %d credit%s.", t.Name, weekdaysLabel(t.Weekdays), t.TimeOfDay, t.Credit, hiddenSuffix(t.Visible)))
	default:
		r.reply(ctx, m, bossAddUsage)
	}
}

func hiddenSuffix(visible bool) string {
	if visible {
		return ""
	}
	return ", hidden"
}

func (r *Router) cmdBossDel(ctx context.Context, m *transport.Message, args []string) {
	if len(args) != 1 {
		r.reply(ctx, m, "Usage: /bossdel <name>")
		return
	}
	if err := r.timers.Delete(ctx, args[0]); err != nil {
		r.reply(ctx, m, userError(err))
		return
	}
	r.reply(ctx, m, fmt.Sprintf("Removed %s.", args[0]))
}

func weekdaysLabel(days []time.Weekday) string {
	parts := make([]string, len(days))
	for i, d := range days {
		parts[i] = d.String()[:3]
	}
	return strings.Join(parts, ",")
}

func (r *Router) cmdBossList(ctx context.Context, m *transport.Message) {
	all, err := r.timers.List(ctx)
	if err != nil {
		r.reply(ctx, m, userError(err))
		return
	}
	if len(all) == 0 {
		r.reply(ctx, m, "No timers configured. Add one with /bossadd.")
		return
	}
	var b strings.Builder
	b.WriteString("Configured timers:\n")
	for _, t := range all {
		switch t.Kind {
		case storage.KindInterval:
			armed := "unarmed"
			if !t.LastResetAt.IsZero() {
				armed = "last cut " + t.LastResetAt.In(r.loc).Format("01-02 15:04")
			}
			fmt.Fprintf(&b, "• %s — every %dh, %d credit%s (%s)\n", t.Name, t.IntervalHours, t.Credit, hiddenSuffix(t.Visible), armed)
		case storage.KindWeekly:
			fmt.Fprintf(&b, "• %s — %s %s, %d credit%s\n", t.Name, weekdaysLabel(t.Weekdays), t.TimeOfDay, t.Credit, hiddenSuffix(t.Visible))
		}
	}
	r.reply(ctx, m, b.String())
}

func (r *Router) cmdSchedule(ctx context.Context, m *transport.Message) {
	entries, err := r.timers.Schedule(ctx, time.Now())
	if err != nil {
		r.reply(ctx, m, userError(err))
		return
	}
	if len(entries) == 0 {
		r.reply(ctx, m, "No timers configured.")
		return
	}
	var b strings.Builder
	b.WriteString("Upcoming:\n")
	for _, e := range entries {
		if e.Next.IsZero() {
			fmt.Fprintf(&b, "• %s — unarmed\n", e.Timer.Name)
			continue
		}
		fmt.Fprintf(&b, "• %s — %s\n", e.Timer.Name, e.Next.In(r.loc).Format("Mon 01-02 15:04"))
	}
	r.reply(ctx, m, b.String())
}

func (r *Router) cmdCut(ctx context.Context, m *transport.Message, args []string) {
	if len(args) < 1 || len(args) > 2 {
		r.reply(ctx, m, "Usage: /cut <name> [HHMM|MMDDHHMM]")
		return
	}
	timeArg := ""
	if len(args) == 2 && args[1] != "now" {
		timeArg = args[1]
	}
	cutAt, err := r.timers.ParseCutTime(timeArg, time.Now())
	if err != nil {
		r.reply(ctx, m, userError(err))
		return
	}
	t, err := r.timers.Cut(ctx, args[0], cutAt)
	if err != nil {
		r.reply(ctx, m, userError(err))
		return
	}
	next := cutAt.Add(time.Duration(t.IntervalHours) * time.Hour)
	r.reply(ctx, m, fmt.Sprintf("%s cut at %s. Next spawn %s.",
		t.Name, cutAt.In(r.loc).Format("15:04"), next.In(r.loc).Format("Mon 15:04")))
}

func (r *Router) cmdGen(ctx context.Context, m *transport.Message, args []string) {
	if len(args) != 2 {
		r.reply(ctx, m, "Usage: /gen <name> <HHMM|MMDDHHMM>")
		return
	}
	genAt, err := r.timers.ParseGenTime(args[1], time.Now())
	if err != nil {
		r.reply(ctx, m, userError(err))
		return
	}
	t, err := r.timers.Gen(ctx, args[0], genAt)
	if err != nil {
		r.reply(ctx, m, userError(err))
		return
	}
	r.reply(ctx, m, fmt.Sprintf("%s armed: next spawn %s.", t.Name, genAt.In(r.loc).Format("Mon 15:04")))
}

func (r *Router) cmdMaintenance(ctx context.Context, m *transport.Message, args []string) {
	if len(args) != 1 {
		active, err := r.maint.IsActive(ctx)
		if err != nil {
			r.reply(ctx, m, userError(err))
			return
		}
		state := "off"
		if active {
			state = "on"
		}
		r.reply(ctx, m, fmt.Sprintf("Maintenance mode is %s. Usage: /maintenance <MMDDHHMM> or /maintenance off", state))
		return
	}
	if args[0] == "off" {
		if err := r.maint.Deactivate(ctx); err != nil {
			r.reply(ctx, m, userError(err))
			return
		}
		r.reply(ctx, m, "Maintenance mode off.")
		return
	}
	completeAt, err := maintenance.ParseCompleteAt(args[0], time.Now(), r.loc)
	if err != nil {
		r.reply(ctx, m, userError(err))
		return
	}
	rearmed, err := r.maint.Activate(ctx, completeAt)
	if err != nil {
		r.reply(ctx, m, userError(err))
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Maintenance mode on. %d timers rearmed for %s:\n",
		len(rearmed), completeAt.In(r.loc).Format("01-02 15:04"))
	for _, re := range rearmed {
		fmt.Fprintf(&b, "• %s\n", re.Name)
	}
	b.WriteString("The first cut or claim clears maintenance mode.")
	r.reply(ctx, m, b.String())
}

func (r *Router) cmdRanking(ctx context.Context, m *transport.Message) {
	entries, err := r.claims.Ranking(ctx, 10)
	if err != nil {
		r.reply(ctx, m, userError(err))
		return
	}
	if len(entries) == 0 {
		r.reply(ctx, m, "No claims yet.")
		return
	}
	var b strings.Builder
	b.WriteString("🏆 Ranking:\n")
	for i, e := range entries {
		name := e.DisplayName
		if name == "" {
			name = fmt.Sprintf("user%d", e.UserID)
		}
		fmt.Fprintf(&b, "%d. %s — %d credit (%d claims)\n", i+1, name, e.Total, e.Claims)
	}
	r.reply(ctx, m, b.String())
}

func (r *Router) cmdSpeak(ctx context.Context, m *transport.Message, args []string) {
	if len(args) == 0 {
		r.reply(ctx, m, "Usage: /speak <text>")
		return
	}
	if err := r.speak(ctx, strings.Join(args, " ")); err != nil {
		r.reply(ctx, m, userError(err))
	}
}

func (r *Router) cmdTTSProvider(ctx context.Context, m *transport.Message, args []string) {
	if len(args) == 0 {
		r.reply(ctx, m, fmt.Sprintf("Active TTS provider: %s (available: %s)",
			r.tts.Active(), strings.Join(r.tts.Providers(), ", ")))
		return
	}
	if err := r.tts.SetActive(args[0]); err != nil {
		r.reply(ctx, m, userError(err))
		return
	}
	r.reply(ctx, m, fmt.Sprintf("TTS provider set to %s.", args[0]))
}

// ---- callbacks ----

func (r *Router) handleCallback(ctx context.Context, cb *transport.Callback) {
	action, name, ms, ok := parseCallbackData(cb.Data)
	if !ok {
		r.answer(ctx, cb.ID, "")
		return
	}
	switch action {
	case "cut":
		r.cbCut(ctx, cb, name, ms)
	case "participate":
		r.cbParticipate(ctx, cb, name, ms)
	case "plist":
		r.cbParticipants(ctx, cb, name, ms)
	default:
		r.answer(ctx, cb.ID, "")
	}
}

// parseCallbackData splits "<action>_<timer>_<unixms>". Timer names may
// contain underscores, so the stamp is taken from the right.
func parseCallbackData(data string) (action, name string, ms int64, ok bool) {
	i := strings.IndexByte(data, '_')
	j := strings.LastIndexByte(data, '_')
	if i < 0 || j <= i {
		return "", "", 0, false
	}
	ms, err := strconv.ParseInt(data[j+1:], 10, 64)
	if err != nil {
		return "", "", 0, false
	}
	return data[:i], data[i+1 : j], ms, true
}

func (r *Router) answer(ctx context.Context, id, text string) {
	if err := r.adapter.AnswerCallback(ctx, id, text); err != nil {
		r.log.Warn("callback answer failed", logx.Err(err))
	}
}

func (r *Router) cbCut(ctx context.Context, cb *transport.Callback, name string, ms int64) {
	occurred := time.UnixMilli(ms)
	t, err := r.timers.Cut(ctx, name, occurred)
	if err != nil {
		r.answer(ctx, cb.ID, userError(err))
		return
	}
	// Record the presser's claim too; a repeat press is fine.
	if _, err := r.claims.Claim(ctx, cb.FromID, cb.FromName, name, ms); err != nil && !errors.Is(err, claims.ErrAlreadyClaimed) {
		r.log.Warn("claim on cut failed", logx.Err(err))
	}
	r.answer(ctx, cb.ID, fmt.Sprintf("%s cut.", t.Name))

	next := occurred.Add(time.Duration(t.IntervalHours) * time.Hour)
	text := fmt.Sprintf("✅ %s cut by %s. Next spawn %s.",
		t.Name, displayName(cb), next.In(r.loc).Format("Mon 15:04"))
	ref := transport.MessageRef{ChatID: cb.ChatID, ThreadID: cb.ThreadID, MessageID: cb.MessageID}
	opt := &transport.SendOptions{Buttons: []transport.Button{
		{Label: "Participate", Data: fmt.Sprintf("participate_%s_%d", name, ms)},
		{Label: "Who", Data: fmt.Sprintf("plist_%s_%d", name, ms)},
	}}
	if err := r.adapter.EditText(ctx, ref, text, opt); err != nil {
		r.log.Warn("cut message edit failed", logx.Err(err))
	}
}

func (r *Router) cbParticipate(ctx context.Context, cb *transport.Callback, name string, ms int64) {
	res, err := r.claims.Claim(ctx, cb.FromID, cb.FromName, name, ms)
	switch {
	case errors.Is(err, claims.ErrAlreadyClaimed):
		r.answer(ctx, cb.ID, "Already claimed.")
	case errors.Is(err, claims.ErrBusy):
		r.answer(ctx, cb.ID, "Busy, try again.")
	case err != nil:
		r.answer(ctx, cb.ID, userError(err))
	default:
		r.answer(ctx, cb.ID, fmt.Sprintf("+%d credit (total %d)", res.Credit, res.Total))
	}
}

func (r *Router) cbParticipants(ctx context.Context, cb *transport.Callback, name string, ms int64) {
	parts, err := r.claims.Participants(ctx, name, ms)
	if err != nil {
		r.answer(ctx, cb.ID, userError(err))
		return
	}
	if len(parts) == 0 {
		r.answer(ctx, cb.ID, "No claims yet.")
		return
	}
	r.answer(ctx, cb.ID, fmt.Sprintf("%d claimed", len(parts)))
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s participants:\n", name, time.UnixMilli(ms).In(r.loc).Format("15:04"))
	for _, p := range parts {
		label := fmt.Sprintf("user%d", p.UserID)
		if mem, err := r.claims.MemberName(ctx, p.UserID); err == nil && mem != "" {
			label = mem
		}
		fmt.Fprintf(&b, "• %s (+%d)\n", label, p.Credit)
	}
	target := transport.ChatTarget{ChatID: cb.ChatID, ThreadID: cb.ThreadID}
	if _, err := r.adapter.SendText(ctx, target, b.String(), nil); err != nil {
		r.log.Warn("participant list send failed", logx.Err(err))
	}
}

func displayName(cb *transport.Callback) string {
	if cb.FromName != "" {
		return cb.FromName
	}
	return fmt.Sprintf("user%d", cb.FromID)
}

// userError renders a service error as a chat line, keeping internal detail
// out of the chat.
func userError(err error) string {
	switch {
	case errors.Is(err, timers.ErrUnknownTimer), errors.Is(err, storage.ErrNotFound):
		return "Unknown timer. See /bosslist."
	case errors.Is(err, claims.ErrBusy):
		return "Busy, try again."
	case err != nil:
		msg := err.Error()
		// Domain validation messages carry a package prefix, drop it.
		if i := strings.Index(msg, ": "); i >= 0 && !strings.Contains(msg[:i], " ") {
			msg = msg[i+2:]
		}
		if msg == "" {
			return "Something went wrong."
		}
		return strings.ToUpper(msg[:1]) + msg[1:]
	default:
		return ""
	}
}
