package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jmoiron/sqlx"
	"github.com/krobus00/market-bridge/internal/config"
	"github.com/krobus00/market-bridge/internal/constant"
	"github.com/krobus00/market-bridge/internal/entity"
	httpHandler "github.com/krobus00/market-bridge/internal/handler/bridge/http"
	natsHandler "github.com/krobus00/market-bridge/internal/handler/bridge/nats"
	"github.com/krobus00/market-bridge/internal/infrastructure"
	"github.com/krobus00/market-bridge/internal/repository"
	"github.com/krobus00/market-bridge/internal/service/changesource"
	"github.com/krobus00/market-bridge/internal/service/command"
	"github.com/krobus00/market-bridge/internal/service/delta"
	"github.com/krobus00/market-bridge/internal/service/hub"
	"github.com/krobus00/market-bridge/internal/service/marketdata"
	"github.com/krobus00/market-bridge/internal/service/orderentry"
	"github.com/krobus00/market-bridge/internal/service/resilience"
	"github.com/krobus00/market-bridge/internal/service/snapshot"
	"github.com/krobus00/market-bridge/internal/util"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func StartBridge(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env := config.Env

	var (
		db          *sqlx.DB
		redisClient *redis.Client
		nc          *nats.Conn
		js          nats.JetStreamContext
		err         error
	)

	bridgeDB := env.Database[constant.BridgeDatabase]
	if env.Command.Journal == constant.JournalPostgres || env.MarketData.PersistHistory {
		db, err = infrastructure.NewPostgresConnection(ctx, bridgeDB)
		util.ContinueOrFatal(err)
		infrastructure.StartPostgresHealthCheck(ctx, constant.BridgeDatabase, db, bridgeDB.PingInterval)
	}

	if env.PollCache.Backend == constant.PollCacheRedis {
		redisClient, err = infrastructure.NewRedisClient(ctx, env.Redis["poll_cache"].CacheDSN)
		util.ContinueOrFatal(err)
	}

	if env.Distribution.PublishToNats || env.Command.ConsumeFromNats {
		nc, js, err = infrastructure.NewJetstream(env.NatsJetstream)
		util.ContinueOrFatal(err)
	}

	breakerCfg := resilience.BreakerConfig{
		FailureThreshold: env.Resilience.FailureThreshold,
		FailureWindow:    env.Resilience.FailureWindow,
		Cooldown:         env.Resilience.Cooldown,
		MaxCooldown:      env.Resilience.MaxCooldown,
	}
	fileReadBreaker := resilience.NewBreaker(constant.OperationFileRead, breakerCfg)
	commandBreaker := resilience.NewBreaker(constant.OperationCommandExec, breakerCfg)

	store := snapshot.NewStore(env.MarketData.MinValidPrice)
	distributionHub := hub.NewHub(store, env.Distribution.QueueSize)
	engine := delta.NewEngine(store, env.Delta.PriceThreshold, distributionHub)

	var cache marketdata.Cache = marketdata.NewMemoryCache()
	if redisClient != nil {
		cache = marketdata.NewRedisCache(redisClient, env.PollCache.KeyPrefix)
	}
	pollService := marketdata.NewPollService(store, fileReadBreaker, cache, env.PollCache.TTL)

	var workers sync.WaitGroup
	runWorker := func(name string, fn func(ctx context.Context)) {
		workers.Add(1)
		go func() {
			defer workers.Done()
			fn(ctx)
			logrus.WithField("worker", name).Info("worker stopped")
		}()
	}

	publishers := make([]entity.Publisher, 0)
	subscribers := make([]entity.Subscriber, 0)

	if env.Distribution.PublishToNats {
		deltaPublisher := marketdata.NewDeltaPublisher(js, env.Distribution.QueueSize)
		engine.AddSink(deltaPublisher)
		publishers = append(publishers, deltaPublisher)
		runWorker("delta publisher", deltaPublisher.Run)
	}

	var snapshotRepo *repository.MarketSnapshotRepository
	if env.MarketData.PersistHistory {
		snapshotRepo = repository.NewMarketSnapshotRepository(db)
		historyWriter := marketdata.NewHistoryWriter(snapshotRepo, marketdata.HistoryConfig{
			BatchSize:     env.MarketData.HistoryBatchSize,
			FlushInterval: env.MarketData.HistoryFlushInterval,
		})
		engine.AddSink(historyWriter)
		runWorker("history writer", historyWriter.Run)
	}

	strategy, err := changesource.NewStrategy(
		env.MarketData.WatchMode,
		env.MarketData.PollInterval,
		env.MarketData.StormThreshold,
		env.MarketData.StormCooldown,
	)
	util.ContinueOrFatal(err)

	targets := make([]changesource.Target, 0, len(env.MarketData.Targets))
	for _, t := range env.MarketData.Targets {
		targets = append(targets, changesource.Target{Path: t.Path, Format: t.Format, Symbol: t.Symbol})
	}
	source, err := changesource.NewSource(changesource.Config{
		CoalesceWindow: env.MarketData.CoalesceWindow,
		RetryDelay:     env.MarketData.RetryDelay,
		ReadTimeout:    env.MarketData.ReadTimeout,
	}, targets, strategy, fileReadBreaker, engine)
	util.ContinueOrFatal(err)

	healthMonitor := resilience.NewHealthMonitor(env.Resilience.HealthInterval,
		[]*resilience.Breaker{fileReadBreaker, commandBreaker},
		resilience.HealthSources{
			Distribution: distributionHub.Stats,
			Cache:        pollService.Stats,
			ChangeSource: source.Mode,
		},
	)

	var journal command.Journal
	switch env.Command.Journal {
	case constant.JournalPostgres:
		journal = repository.NewCommandJournalRepository(db)
	case "", constant.JournalFile:
		journal, err = command.OpenFileJournal(env.Command.JournalPath, env.Command.JournalRetention)
		util.ContinueOrFatal(err)
	default:
		util.ContinueOrFatal(fmt.Errorf("unknown command journal %q", env.Command.Journal))
	}

	orderEntry, err := orderentry.New(env.Command.OrderEntry, env.Command.OrderEntryURL, env.Command.ExecutionTimeout)
	util.ContinueOrFatal(err)

	commandChannel := command.NewChannel(command.Config{
		CommandDir:       env.Command.CommandDir,
		ResponseDir:      env.Command.ResponseDir,
		PollInterval:     env.Command.PollInterval,
		ActiveSymbol:     env.Command.ActiveSymbol,
		MaxQuantity:      env.Command.MaxQuantity,
		ExecutionTimeout: env.Command.ExecutionTimeout,
		QueueSize:        env.Command.QueueSize,
	}, store, orderEntry, commandBreaker, journal, healthMonitor)

	var commandIntake *natsHandler.CommandHandler
	if env.Command.ConsumeFromNats {
		commandIntake = natsHandler.NewCommandHandler(js, commandChannel, env.NatsJetstream.TimeoutHandler["submit_command"])
		publishers = append(publishers, commandIntake)
		subscribers = append(subscribers, commandIntake)
	}

	for _, v := range publishers {
		err = v.JetstreamEventInit(ctx)
		util.ContinueOrFatal(err)
	}

	channelDone := make(chan struct{})
	go func() {
		defer close(channelDone)
		if err := commandChannel.Run(ctx); err != nil {
			logrus.WithField("component", "command_channel").Errorf("command channel stopped: %v", err)
		}
	}()

	for _, v := range subscribers {
		err = v.JetstreamEventSubscribe(ctx)
		util.ContinueOrFatal(err)
	}

	runWorker("change source", source.Run)
	runWorker("health monitor", healthMonitor.Run)

	deps := httpHandler.Dependencies{
		MarketData: pollService,
		Commands:   commandChannel,
		Hub:        distributionHub,
		Health:     healthMonitor,
	}
	if snapshotRepo != nil {
		deps.History = snapshotRepo
	}
	if db != nil {
		deps.Ready = db.PingContext
	}
	bridgeHTTPHandler := httpHandler.NewBridgeHTTPHandler(httpHandler.Config{
		HeartbeatInterval: env.Distribution.HeartbeatInterval,
		WriteTimeout:      env.Distribution.WriteTimeout,
	}, deps)

	httpPort := fmt.Sprintf(":%s", env.Port["http"])
	httpServer := infrastructure.NewHTTPServerWithConfig(infrastructure.HTTPServerConfig{
		Addr:            httpPort,
		ShutdownTimeout: env.GracefulShutdownTimeout,
	}, bridgeHTTPHandler.Router())

	go func() {
		err := httpServer.Start()
		if err != nil {
			logrus.Error(err)
		}
	}()
	logrus.Info(fmt.Sprintf("http server started on %s", httpPort))

	// Infrastructure closes only after the pipeline has drained.
	pipelineDone := make(chan struct{})

	wait := gracefulShutdown(ctx, env.GracefulShutdownTimeout, map[string]operation{
		"http": func(ctx context.Context) error {
			return httpServer.Shutdown(ctx)
		},
		"bridge pipeline": func(ctx context.Context) error {
			defer close(pipelineDone)

			var errs []error
			if commandIntake != nil {
				errs = append(errs, commandIntake.Unsubscribe())
			}
			cancel()
			<-channelDone
			distributionHub.Close()
			workers.Wait()
			errs = append(errs, journal.Close())
			return errors.Join(errs...)
		},
		"database": func(ctx context.Context) error {
			<-pipelineDone
			if db == nil {
				return nil
			}
			return db.Close()
		},
		"redis": func(ctx context.Context) error {
			<-pipelineDone
			if redisClient == nil {
				return nil
			}
			return redisClient.Close()
		},
		"nats connection": func(ctx context.Context) error {
			<-pipelineDone
			return infrastructure.CloseJetstream(nc)
		},
	})

	<-wait
}
