package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"chatrelay/internal/asyncqueue"
	"chatrelay/internal/cache"
	"chatrelay/internal/channels"
	"chatrelay/internal/chat"
	"chatrelay/internal/config"
	"chatrelay/internal/eventbus"
	"chatrelay/internal/identity"
	"chatrelay/internal/moderation"
	"chatrelay/internal/observability/diag"
	"chatrelay/internal/pubsub"
	"chatrelay/internal/runtime/supervisor"
	"chatrelay/internal/schedule"
	"chatrelay/internal/storage"
	"chatrelay/internal/transport"
	"chatrelay/internal/transport/gql"
	"chatrelay/internal/transport/irc"
	logx "chatrelay/pkg/logx"
)

const (
	openTimeout   = 15 * time.Second
	jobQueueSize  = 256
	loadJobName   = "channels.load"
	sweepJobName  = "chat.sweep"
	loadTimeout   = 5 * time.Minute
	sweepTimeout  = 10 * time.Second
	raidCooldown  = 10 * time.Minute
	modCooldown   = 2500 * time.Millisecond
	settingsFetch = 10 * time.Second
)

// job is a side effect of an inbound update that must not run on the
// connection's read loop.
type job func(ctx context.Context) error

type App struct {
	cfgPath string
	started time.Time

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   *eventbus.MemBus
	store storage.Store
	cache cache.Cache
	cool  *cache.Cooldown

	resolver *identity.Resolver
	irc      *irc.Client
	gql      *gql.Client
	chat     *chat.Service
	channels *channels.Manager
	pubsub   *pubsub.Client
	diag     *diag.Server
	sched    *schedule.Runner
	jobs     *asyncqueue.Queue[job]

	botID    string
	botLogin string
	autoJoin atomic.Bool

	mu         sync.Mutex
	logins     map[string]string // channel id -> login seen in room state
	privileged map[string]bool
}

// New loads the config and builds every component. Nothing connects until
// Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, root := logx.New(mapLogging(cfg))
	log := root.With(logx.Component("app"))
	cfgm.SetLogger(root.With(logx.Component("config")))

	a := &App{
		cfgPath:    cfgPath,
		cfgm:       cfgm,
		log:        log,
		logs:       logSvc,
		bus:        eventbus.New(),
		botID:      cfg.Bot.ID,
		botLogin:   cfg.Bot.Login,
		logins:     map[string]string{},
		privileged: map[string]bool{},
	}
	a.autoJoin.Store(cfg.PubSub.AutoJoinWatching)
	a.sup = supervisor.New(context.Background(), supervisor.WithLogger(log), supervisor.WithCancelOnError(true))

	if err := a.build(cfg, root); err != nil {
		a.closeResources()
		logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config, root logx.Logger) error {
	ctx, cancel := context.WithTimeout(a.sup.Context(), openTimeout)
	defer cancel()

	st, err := storage.Open(ctx, mapStorage(cfg), root)
	if err != nil {
		return err
	}
	a.store = st
	if st != nil {
		a.log.Info("storage enabled", logx.String("driver", cfg.Storage.Driver))
	}

	c, err := cache.Open(ctx, mapCache(cfg), root.With(logx.Component("cache")))
	if err != nil {
		return err
	}
	a.cache = c
	a.cool = cache.NewCooldown(c, "pubsub")

	a.resolver = identity.New(mapIdentity(cfg, root), c, root.With(logx.Component("identity")))

	a.irc = irc.New(mapIRC(cfg, root), root)
	a.irc.OnUpdate(a.onUpdate)

	var tr transport.Transport = a.irc
	if cfg.Chat.Transport == "gql" {
		a.gql = gql.New(mapGQL(cfg, root), root.With(logx.Component("gql")))
		tr = a.gql
	}

	checker, err := moderation.New(cfg.Chat.BlockedTerms)
	if err != nil {
		return fmt.Errorf("moderation: %w", err)
	}
	a.chat, err = chat.New(tr, mapChat(cfg),
		chat.WithLogger(root),
		chat.WithBus(a.bus),
		chat.WithChecker(checker),
		chat.WithContext(a.sup.Context()),
	)
	if err != nil {
		return err
	}

	chOpts := []channels.Option{
		channels.WithLogger(root),
		channels.WithBus(a.bus),
		channels.WithOnChannel(a.onChannel),
		channels.WithOnPart(a.onPart),
	}
	if st != nil {
		chOpts = append(chOpts, channels.WithStore(st, a.resolver))
	}
	a.channels, err = channels.New(a.irc, mapChannels(cfg, root), chOpts...)
	if err != nil {
		return err
	}

	if cfg.PubSub.Enabled {
		a.pubsub = pubsub.New(mapPubSub(cfg),
			pubsub.WithLogger(root),
			pubsub.WithBus(a.bus),
			pubsub.WithHandlers(a.pubsubHandlers()),
		)
	}

	if cfg.Diag.Enabled {
		a.diag = diag.New(mapDiag(cfg), a.Status, root)
	}

	a.jobs = asyncqueue.New(a.runJob,
		asyncqueue.WithName("app.jobs"),
		asyncqueue.WithCapacity(jobQueueSize),
		asyncqueue.WithLogger(root),
		asyncqueue.WithContext(a.sup.Context()),
	)

	a.sched = schedule.New(root.With(logx.Component("schedule")), cfg.Location())
	if err := a.sched.Add(loadJobName, cfg.Channels.LoadSchedule, loadTimeout, a.loadChannels); err != nil {
		return err
	}
	if err := a.sched.Add(sweepJobName, cfg.Chat.SweepSchedule, sweepTimeout, a.sweepChat); err != nil {
		return err
	}
	return nil
}

func (a *App) runJob(ctx context.Context, j job) error { return j(ctx) }

// enqueue schedules fn off the caller's goroutine. Jobs are dropped after Stop.
func (a *App) enqueue(fn job) {
	if err := a.jobs.Enqueue(fn); err != nil && !errors.Is(err, asyncqueue.ErrClosed) {
		a.log.Warn("job enqueue failed", logx.Err(err))
	}
}

// Chat exposes the outbound service for embedding callers.
func (a *App) Chat() *chat.Service { return a.chat }

// Channels exposes the channel manager for embedding callers.
func (a *App) Channels() *channels.Manager { return a.channels }

// Send queues a chat message. Privileged is filled in from the bot's badges
// in the channel when the caller left it unset.
func (a *App) Send(req chat.SendRequest) error {
	if !req.Privileged {
		req.Privileged = a.isPrivileged(req.ChannelID)
	}
	return a.chat.Send(req)
}

// Part leaves a channel and drops its pubsub feeds.
func (a *App) Part(ctx context.Context, login string) error {
	login = strings.ToLower(login)
	id := a.channelID(login)
	if err := a.channels.Part(ctx, login); err != nil {
		return err
	}
	if id != "" {
		a.onPart(ctx, id)
	}
	return nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} { return a.sup.Context().Done() }

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error { return a.sup.Err() }

func (a *App) Start(ctx context.Context) error {
	a.started = time.Now()
	if ctx != nil {
		stop := context.AfterFunc(ctx, a.sup.Cancel)
		go func() {
			<-a.sup.Context().Done()
			stop()
		}()
	}
	run := a.sup.Context()

	a.cfgm.SetCheck(a.checkReload)

	a.sup.GoRestart("irc.serve", a.irc.Serve,
		supervisor.WithRestartBackoff(time.Second, 2*time.Minute),
		supervisor.WithRestartOnCleanExit(),
	)

	if a.pubsub != nil {
		if _, err := a.pubsub.Init(run, a.botID, nil); err != nil {
			return fmt.Errorf("pubsub init: %w", err)
		}
	}

	// The first load runs in the background; joins wait for the IRC welcome.
	a.sup.Go("channels.init", func(c context.Context) error {
		if err := a.channels.Init(c); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("initial channel load failed", logx.Err(err))
		}
		return nil
	})

	a.sched.Start(run)

	if a.diag != nil {
		a.sup.GoRestart("diag.serve", func(c context.Context) error {
			err := a.diag.Serve(c)
			if errors.Is(err, diag.ErrInsecureBind) {
				a.log.Error("diagnostics disabled", logx.Err(err))
				return nil
			}
			return err
		},
			supervisor.WithRestartBackoff(time.Second, time.Minute),
			supervisor.WithMaxRestarts(10),
		)
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		a.eventLoop(c, events)
		return nil
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.startSystemd()

	a.log.Info("app started",
		logx.String("bot", a.botLogin),
		logx.String("transport", string(a.chat.Tier())+"/"+a.transportName()),
		logx.Bool("pubsub", a.pubsub != nil),
		logx.Bool("storage", a.store != nil),
	)
	return nil
}

func (a *App) transportName() string {
	if a.gql != nil {
		return a.gql.Name()
	}
	return a.irc.Name()
}

func (a *App) loadChannels(ctx context.Context) error {
	rep, err := a.channels.Load(ctx)
	if errors.Is(err, channels.ErrLoadInProgress) {
		return nil
	}
	if err != nil {
		return err
	}
	if rep.Channels > 0 {
		a.log.Debug("channels reloaded",
			logx.Int("channels", rep.Channels),
			logx.Int("suspended", rep.Suspended),
			logx.Int("renamed", rep.Renamed),
			logx.Duration("took", rep.Took),
		)
	}
	return nil
}

func (a *App) sweepChat(context.Context) error {
	a.chat.Sweep(time.Now())
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.notifySystemd(sdStopping)

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	step := a.stepper(ctx)

	step("schedule", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("chat", 2*time.Second, func(c context.Context) error {
		a.chat.Close()
		return nil
	})
	step("channels", 2*time.Second, func(context.Context) error { a.channels.Close(); return nil })
	step("pubsub", 3*time.Second, func(c context.Context) error {
		if a.pubsub != nil {
			return a.pubsub.Close(c)
		}
		return nil
	})
	step("jobs", time.Second, func(c context.Context) error {
		a.jobs.Close()
		return a.jobs.Wait(c)
	})
	step("resources", 2*time.Second, func(context.Context) error { return a.closeResources() })

	// Finally, wait for supervised goroutines (irc session, config watch/reload, diag).
	step("supervisor", 3*time.Second, a.sup.Wait)

	a.log.Info("stopped", logx.Duration("uptime", time.Since(a.started)))
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

func (a *App) closeResources() error {
	var errs []error
	if a.cache != nil {
		errs = append(errs, a.cache.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}

// stepper returns a helper that runs one shutdown step with an upper bound
// so one component can't stall the whole stop.
func (a *App) stepper(ctx context.Context) func(name string, limit time.Duration, fn func(context.Context) error) {
	return func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

		stepCtx := ctx
		if limit > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				limit = min(limit, max(time.Until(dl), 0))
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, limit)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			// Leak logging: observe when/if the step eventually finishes.
			go func() {
				err := <-done
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", time.Since(start)))
				}
			}()
		}
	}
}
