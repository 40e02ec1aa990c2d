// Package server parses game core flags and composes the gateway process:
// domain services, persistence, background sweeps, and the transport
// boundary.
package server

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"

	entrypoint "github.com/pennyrealm/pennyrealm/internal/platform/cmd"
	"github.com/pennyrealm/pennyrealm/internal/platform/snapshot"
	"github.com/pennyrealm/pennyrealm/internal/platform/timeouts"
	chatdomain "github.com/pennyrealm/pennyrealm/internal/services/chat/domain"
	dmdomain "github.com/pennyrealm/pennyrealm/internal/services/dm/domain"
	forumdomain "github.com/pennyrealm/pennyrealm/internal/services/forum/domain"
	gateway "github.com/pennyrealm/pennyrealm/internal/services/gateway/app"
	maildomain "github.com/pennyrealm/pennyrealm/internal/services/mail/domain"
	monitordomain "github.com/pennyrealm/pennyrealm/internal/services/monitor/domain"
	playerstorage "github.com/pennyrealm/pennyrealm/internal/services/player/storage"
	"github.com/pennyrealm/pennyrealm/internal/services/player/storage/memory"
	"github.com/pennyrealm/pennyrealm/internal/services/player/storage/sqlite"
	"github.com/pennyrealm/pennyrealm/internal/services/shared/moderation"
	"github.com/pennyrealm/pennyrealm/internal/services/shared/ratelimit"
	tradedomain "github.com/pennyrealm/pennyrealm/internal/services/trade/domain"
)

// Snapshot file names under the data directory.
const (
	snapshotChat         = "chat-history.json"
	snapshotDMs          = "dms.json"
	snapshotMail         = "mail.json"
	snapshotForum        = "forum.json"
	snapshotTradesActive = "trades/active-trades.json"
	snapshotTradeHistory = "trades/trade-history.json"
)

// Config holds game core server configuration.
type Config struct {
	HTTPAddr      string `env:"PENNYREALM_HTTP_ADDR"      envDefault:":8080"`
	SessionSecret string `env:"PENNYREALM_SESSION_SECRET"`
	DataDir       string `env:"PENNYREALM_DATA_DIR"       envDefault:"data"`
	PlayerDBPath  string `env:"PENNYREALM_PLAYER_DB"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "HTTP listen address")
	fs.StringVar(&cfg.SessionSecret, "session-secret", cfg.SessionSecret, "session token signing secret")
	fs.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "snapshot data directory")
	fs.StringVar(&cfg.PlayerDBPath, "player-db", cfg.PlayerDBPath, "player sqlite database path (empty keeps players in memory)")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run composes the game core and serves it until the context ends.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceServer, func(ctx context.Context) error {
		return run(ctx, cfg)
	})
}

func run(ctx context.Context, cfg Config) error {
	snaps, err := snapshot.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open snapshot store: %w", err)
	}

	players, err := openPlayerStore(cfg.PlayerDBPath)
	if err != nil {
		return fmt.Errorf("open player store: %w", err)
	}
	defer func() {
		if err := players.Close(); err != nil {
			log.Printf("close player store: %v", err)
		}
	}()

	registry := moderation.NewRegistry(nil)
	limiter := ratelimit.NewLimiter()

	chat := chatdomain.NewService(registry, limiter, nil, nil)
	dms := dmdomain.NewService(registry, nil, nil)
	mail := maildomain.NewService(registry, nil, nil)
	forum := forumdomain.NewService(registry, nil, nil)
	trade := tradedomain.NewService(players, nil, nil)
	monitor := monitordomain.NewService(nil)

	if err := restoreState(ctx, snaps, chat, dms, mail, forum, trade); err != nil {
		return err
	}

	debouncers, err := wireSnapshots(snaps, chat, dms, mail, forum, trade)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), timeouts.Shutdown)
		defer cancel()
		for _, debouncer := range debouncers {
			if err := debouncer.Flush(flushCtx); err != nil {
				log.Printf("flush snapshot: %v", err)
			}
		}
	}()

	go mail.RunReaper(ctx)
	go trade.RunReaper(ctx)
	go monitor.RunSampler(ctx)

	return gateway.Run(ctx, gateway.Config{
		HTTPAddr:      cfg.HTTPAddr,
		SessionSecret: cfg.SessionSecret,
	}, gateway.Services{
		Chat:       chat,
		DM:         dms,
		Mail:       mail,
		Forum:      forum,
		Trade:      trade,
		Moderation: registry,
		Monitor:    monitor,
		Players:    players,
	})
}

func openPlayerStore(path string) (playerstorage.Store, error) {
	if path == "" {
		log.Printf("player store: in-memory (set PENNYREALM_PLAYER_DB for sqlite)")
		return memory.NewStore(), nil
	}
	return sqlite.Open(path)
}

// restoreState loads each subsystem snapshot. A missing file means a fresh
// subsystem, not an error.
func restoreState(ctx context.Context, snaps *snapshot.Store, chat *chatdomain.Service, dms *dmdomain.Service, mail *maildomain.Service, forum *forumdomain.Service, trade *tradedomain.Service) error {
	var chatState chatdomain.State
	if err := loadSnapshot(ctx, snaps, snapshotChat, &chatState); err != nil {
		return err
	} else if chatState != nil {
		chat.Restore(chatState)
	}

	var dmState dmdomain.State
	if err := loadSnapshot(ctx, snaps, snapshotDMs, &dmState); err != nil {
		return err
	} else if dmState.Conversations != nil || dmState.Blocklists != nil {
		dms.Restore(dmState)
	}

	var mailState maildomain.State
	if err := loadSnapshot(ctx, snaps, snapshotMail, &mailState); err != nil {
		return err
	} else if mailState != nil {
		mail.Restore(mailState)
	}

	var forumState forumdomain.State
	if err := loadSnapshot(ctx, snaps, snapshotForum, &forumState); err != nil {
		return err
	} else if forumState.Topics != nil {
		forum.Restore(forumState)
	}

	var tradeState tradedomain.State
	if err := loadSnapshot(ctx, snaps, snapshotTradesActive, &tradeState.Active); err != nil {
		return err
	}
	if err := loadSnapshot(ctx, snaps, snapshotTradeHistory, &tradeState.History); err != nil {
		return err
	}
	if tradeState.Active != nil || tradeState.History != nil {
		trade.Restore(tradeState)
	}
	return nil
}

func loadSnapshot(ctx context.Context, snaps *snapshot.Store, name string, target any) error {
	err := snaps.Load(ctx, name, target)
	if errors.Is(err, snapshot.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load snapshot %s: %w", name, err)
	}
	return nil
}

// wireSnapshots attaches a debounced writer to every mutating subsystem.
func wireSnapshots(snaps *snapshot.Store, chat *chatdomain.Service, dms *dmdomain.Service, mail *maildomain.Service, forum *forumdomain.Service, trade *tradedomain.Service) ([]*snapshot.Debouncer, error) {
	quiet := timeouts.SnapshotDebounce

	type wiring struct {
		name   string
		source func() any
		attach func(mark func())
	}
	wirings := []wiring{
		{snapshotChat, func() any { return chat.Snapshot() }, chat.SetMutationHook},
		{snapshotDMs, func() any { return dms.Snapshot() }, dms.SetMutationHook},
		{snapshotMail, func() any { return mail.Snapshot() }, mail.SetMutationHook},
		{snapshotForum, func() any { return forum.Snapshot() }, forum.SetMutationHook},
	}

	debouncers := make([]*snapshot.Debouncer, 0, len(wirings)+2)
	for _, w := range wirings {
		debouncer, err := snapshot.NewDebouncer(snaps, w.name, quiet, w.source)
		if err != nil {
			return nil, fmt.Errorf("wire snapshot %s: %w", w.name, err)
		}
		w.attach(debouncer.Mark)
		debouncers = append(debouncers, debouncer)
	}

	// Trades persist as two files: the active set and the archive.
	activeDebouncer, err := snapshot.NewDebouncer(snaps, snapshotTradesActive, quiet, func() any {
		return trade.Snapshot().Active
	})
	if err != nil {
		return nil, fmt.Errorf("wire snapshot %s: %w", snapshotTradesActive, err)
	}
	historyDebouncer, err := snapshot.NewDebouncer(snaps, snapshotTradeHistory, quiet, func() any {
		return trade.Snapshot().History
	})
	if err != nil {
		return nil, fmt.Errorf("wire snapshot %s: %w", snapshotTradeHistory, err)
	}
	trade.SetMutationHook(func() {
		activeDebouncer.Mark()
		historyDebouncer.Mark()
	})
	debouncers = append(debouncers, activeDebouncer, historyDebouncer)

	return debouncers, nil
}
