// Package app wires the services together and owns the process lifecycle.
package app

import (
	"context"
	"fmt"
	"time"

	"bossbot/internal/claims"
	"bossbot/internal/config"
	"bossbot/internal/eventbus"
	"bossbot/internal/maintenance"
	"bossbot/internal/notify"
	"bossbot/internal/regen"
	"bossbot/internal/runtime/supervisor"
	"bossbot/internal/scheduler"
	"bossbot/internal/storage"
	"bossbot/internal/timers"
	"bossbot/internal/transport"
	teleadapter "bossbot/internal/transport/telegram/adapter"
	"bossbot/internal/tts"
	"bossbot/internal/voice"
	"bossbot/pkg/logx"
)

func logxConfig(c config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File:    logx.FileConfig{Enabled: c.File.Enabled, Path: c.File.Path},
		Chat: logx.ChatConfig{
			Enabled:    c.Chat.Enabled,
			MinLevel:   c.Chat.MinLevel,
			RatePerSec: c.Chat.RatePerSec,
		},
	}
}

// Run boots the bot from the config file and blocks until ctx is canceled.
func Run(ctx context.Context, cfgPath string) error {
	// Bootstrap with console logging; the configured sinks apply after load.
	logSvc, log := logx.New(logx.Config{Level: "info", Console: true})
	defer logSvc.Close()

	mgr := config.NewManager(cfgPath, log.With(logx.String("comp", "config")))
	cfg, err := mgr.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logSvc.Apply(logxConfig(cfg.Logging))
	loc := cfg.Location()

	var store storage.Store
	if cfg.Storage.Driver == "memory" {
		store = storage.NewMemStore()
	} else {
		s, err := storage.OpenSQLite(ctx, cfg.Storage.Path)
		if err != nil {
			return err
		}
		store = s
	}
	defer store.Close()

	adapter, err := teleadapter.New(teleadapter.Config{
		Token:   cfg.Telegram.Token,
		LogChat: cfg.Telegram.LogChatID,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return fmt.Errorf("telegram: %w", err)
	}
	logSvc.SetChatSink(adapter)

	bus := eventbus.New()
	calc := regen.NewCalculator(loc)
	maint := maintenance.New(store, bus, log.With(logx.String("comp", "maintenance")))
	timerSvc := timers.New(store, calc, maint, bus, log.With(logx.String("comp", "timers")), loc)
	claimSvc := claims.New(store, maint, bus, log.With(logx.String("comp", "claims")))

	providers := []tts.Provider{
		tts.NewResponsiveVoice(cfg.TTS.ResponsiveVoiceKey),
		tts.NewGoogleTranslate(),
	}
	pipeline, err := tts.NewPipeline(providers, cfg.TTS.CacheDir, log.With(logx.String("comp", "tts")))
	if err != nil {
		return err
	}
	if cfg.TTS.Provider != "" {
		if err := pipeline.SetActive(cfg.TTS.Provider); err != nil {
			log.Warn("configured tts provider unknown", logx.Err(err))
		}
	}

	session := voice.NewSession(
		voice.NewChatTransport(adapter),
		bus,
		log.With(logx.String("comp", "voice")),
		voice.WithIdleTimeout(cfg.Voice.IdleTimeout.Std()),
		voice.WithReconnectWindow(cfg.Voice.ReconnectWindow.Std()),
	)

	announceTarget := voice.Target{ChatID: cfg.Telegram.AnnounceChatID, ThreadID: cfg.Telegram.AnnounceThreadID}
	speaker := &ttsSpeaker{
		pipeline: pipeline,
		session:  session,
		target:   announceTarget,
		opts:     tts.Options{Voice: cfg.TTS.Voice, Lang: cfg.TTS.Lang, Rate: cfg.TTS.Rate},
	}

	notifier := notify.New(notify.Config{
		ChatID:            cfg.Telegram.AnnounceChatID,
		ThreadID:          cfg.Telegram.AnnounceThreadID,
		MessagesPerMinute: cfg.Notify.MessagesPerMinute,
	}, adapter, log.With(logx.String("comp", "notify")))

	sched := scheduler.New(store, calc, maint, notifier, speaker, bus,
		log.With(logx.String("comp", "scheduler")), loc)

	router := &Router{
		cfg:     mgr.Current,
		timers:  timerSvc,
		claims:  claimSvc,
		maint:   maint,
		tts:     pipeline,
		speak:   speaker.Speak,
		adapter: adapter,
		log:     log.With(logx.String("comp", "router")),
		loc:     loc,
	}

	mgr.OnChange(func(c config.Config) {
		logSvc.Apply(logxConfig(c.Logging))
	})
	if err := mgr.Watch(ctx); err != nil {
		log.Warn("config watch unavailable", logx.Err(err))
	} else {
		defer mgr.StopWatch()
	}

	sup := supervisor.New(ctx,
		supervisor.WithLogger(log.With(logx.String("comp", "supervisor"))),
		supervisor.WithCancelOnError(true),
	)

	updates := make(chan transport.Update, 256)
	if err := adapter.Start(sup.Context(), updates); err != nil {
		return err
	}
	if err := notifier.Start(sup.Context()); err != nil {
		return err
	}
	if err := sched.Start(sup.Context()); err != nil {
		return err
	}
	if menuErr := adapter.UpdateMenuCommands(ctx, menuCommands); menuErr != nil {
		log.Warn("command menu update failed", logx.Err(menuErr))
	}

	sup.Go0("updates.dispatch", func(c context.Context) {
		for {
			select {
			case <-c.Done():
				return
			case up := <-updates:
				router.HandleUpdate(c, up)
			}
		}
	})

	busEvents, unsubscribeEvents := bus.Subscribe(64)
	eventLog := log.With(logx.String("comp", "events"))
	sup.Go0("events.watch", func(c context.Context) {
		defer unsubscribeEvents()
		watchEvents(c, busEvents, func(e eventbus.Event) {
			eventLog.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
		})
	})

	log.Info("bossbot running")
	<-sup.Context().Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = session.Leave(shutdownCtx)
	if err := sched.Stop(shutdownCtx); err != nil {
		log.Warn("scheduler stop", logx.Err(err))
	}
	if err := notifier.Stop(shutdownCtx); err != nil {
		log.Warn("notifier stop", logx.Err(err))
	}
	if err := adapter.Stop(shutdownCtx); err != nil {
		log.Warn("adapter stop", logx.Err(err))
	}
	sup.Cancel()
	_ = sup.Wait(shutdownCtx)
	return sup.Err()
}

// watchEvents services a bus subscription, handing every event to fn until
// ctx is canceled or the subscription closes. Keeping the channel drained is
// what stops the non-blocking bus from shedding events.
func watchEvents(ctx context.Context, events <-chan eventbus.Event, fn func(eventbus.Event)) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			fn(e)
		}
	}
}

// ttsSpeaker synthesizes a line and queues it on the voice session, joining
// the announcement chat on first use.
type ttsSpeaker struct {
	pipeline *tts.Pipeline
	session  *voice.Session
	target   voice.Target
	opts     tts.Options
}

func (s *ttsSpeaker) Speak(ctx context.Context, text string) error {
	path, err := s.pipeline.Synthesize(ctx, text, s.opts)
	if err != nil {
		return err
	}
	if s.session.State() == voice.StateDisconnected {
		if err := s.session.Join(ctx, s.target); err != nil {
			return err
		}
	}
	_, err = s.session.Enqueue(path, text)
	return err
}
