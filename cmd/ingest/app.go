package main

import (
	"context"
	"os"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"golang.org/x/sync/errgroup"

	"github.com/iota-uz/iota-ingest/modules/ingest/domain/document"
	"github.com/iota-uz/iota-ingest/modules/ingest/domain/record"
	"github.com/iota-uz/iota-ingest/modules/ingest/domain/validation"
	"github.com/iota-uz/iota-ingest/modules/ingest/infrastructure/persistence"
	"github.com/iota-uz/iota-ingest/modules/ingest/infrastructure/sheets"
	"github.com/iota-uz/iota-ingest/modules/ingest/infrastructure/xlsx"
	"github.com/iota-uz/iota-ingest/modules/ingest/presentation/controllers"
	"github.com/iota-uz/iota-ingest/modules/ingest/services"
	"github.com/iota-uz/iota-ingest/pkg/configuration"
	"github.com/iota-uz/iota-ingest/pkg/queue"
)

// app holds the backends selected by configuration. Components are built
// lazily so that commands only connect to what they use.
type app struct {
	conf   *configuration.Configuration
	logger *logrus.Entry

	redis     redis.UniversalClient
	queue     queue.Store
	publisher *queue.Publisher
	documents document.Backend
	hierarchy services.HierarchyStore
	ledger    services.Ledger
	pingers   map[string]controllers.Pinger

	closers []func(context.Context) error
}

func newApp(conf *configuration.Configuration) *app {
	return &app{
		conf:    conf,
		logger:  logrus.NewEntry(conf.Logger()),
		pingers: map[string]controllers.Pinger{},
	}
}

func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.WithError(err).Warn("shutdown: close failed")
		}
	}
	a.closers = nil
	a.conf.Unload()
}

func (a *app) queueNames() []string {
	return []string{a.conf.Queue.SinkQueue, a.conf.Queue.UpsertQueue}
}

func (a *app) redisClient() redis.UniversalClient {
	if a.redis == nil {
		a.redis = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{a.conf.Redis.Addr},
			Password: a.conf.Redis.Password,
			DB:       a.conf.Redis.DB,
		})
		client := a.redis
		a.closers = append(a.closers, func(context.Context) error { return client.Close() })
		a.pingers["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
	}
	return a.redis
}

func (a *app) queueStore(ctx context.Context) (queue.Store, error) {
	if a.queue != nil {
		return a.queue, nil
	}
	switch a.conf.Queue.Backend {
	case configuration.QueueBackendRedis:
		s, err := queue.NewRedisStore(a.redisClient(), a.conf.Redis.Prefix)
		if err != nil {
			return nil, withCode(exitInfra, err)
		}
		a.queue = s
	case configuration.QueueBackendPostgres:
		table, err := queue.ParseIdentifier(a.conf.Queue.PostgresTable)
		if err != nil {
			return nil, withCode(exitUsage, err)
		}
		pool, err := pgxpool.New(ctx, a.conf.Database.Opts)
		if err != nil {
			return nil, withCode(exitInfra, errors.Wrap(err, "connect postgres"))
		}
		a.closers = append(a.closers, func(context.Context) error { pool.Close(); return nil })
		a.pingers["postgres"] = pool.Ping
		s, err := queue.NewPostgresStore(pool, table)
		if err != nil {
			return nil, withCode(exitInfra, err)
		}
		if err := s.EnsureSchema(ctx); err != nil {
			return nil, withCode(exitInfra, err)
		}
		a.queue = s
	default:
		a.logger.Warn("queue: memory backend keeps jobs in this process only")
		a.queue = queue.NewMemoryStore()
	}
	return a.queue, nil
}

func (a *app) enqueuer(ctx context.Context) (*queue.Publisher, error) {
	if a.publisher != nil {
		return a.publisher, nil
	}
	store, err := a.queueStore(ctx)
	if err != nil {
		return nil, err
	}
	p, err := queue.NewPublisher(store, a.retryPolicy())
	if err != nil {
		return nil, withCode(exitInfra, err)
	}
	a.publisher = p
	return p, nil
}

func (a *app) retryPolicy() queue.EnqueueOptions {
	return queue.EnqueueOptions{
		MaxAttempts: a.conf.Queue.MaxAttempts,
		Backoff:     queue.Backoff{Type: queue.BackoffExponential, Delay: a.conf.Queue.BackoffDelay},
	}
}

func (a *app) documentBackend(ctx context.Context) (document.Backend, error) {
	if a.documents != nil {
		return a.documents, nil
	}
	switch a.conf.Ingest.Sink {
	case configuration.SinkXLSX:
		s, err := xlsx.NewStore(a.conf.Ingest.XLSXDir, a.logger)
		if err != nil {
			return nil, withCode(exitInfra, err)
		}
		a.documents = s
	default:
		g := a.conf.Google
		lim, err := sheets.NewWriteLimiter(g.WriteRate)
		if err != nil {
			return nil, withCode(exitUsage, err)
		}
		c, err := sheets.Connect(ctx, g.CredentialsFile, sheets.Options{
			TemplateID:      g.TemplateID,
			FolderID:        g.FolderID,
			ShareWithAnyone: g.ShareWithAnyone,
			WriteLimiter:    lim,
			Logger:          a.logger,
		})
		if err != nil {
			return nil, withCode(exitInfra, err)
		}
		a.documents = c
	}
	return a.documents, nil
}

func (a *app) hierarchyStore(ctx context.Context) (services.HierarchyStore, error) {
	if a.hierarchy != nil {
		return a.hierarchy, nil
	}
	if a.conf.Ingest.Store == configuration.StoreMemory {
		a.hierarchy = persistence.NewMemoryStore()
		return a.hierarchy, nil
	}

	m := a.conf.Mongo
	client, err := persistence.Connect(ctx, m.URI, m.ConnectTimeout)
	if err != nil {
		return nil, withCode(exitInfra, err)
	}
	a.closers = append(a.closers, client.Disconnect)
	a.pingers["mongo"] = func(ctx context.Context) error { return client.Ping(ctx, readpref.Primary()) }

	s, err := persistence.NewMongoStore(client, m.Database, m.ErrorLogs)
	if err != nil {
		return nil, withCode(exitInfra, err)
	}
	if err := s.EnsureIndexes(ctx); err != nil {
		return nil, withCode(exitInfra, err)
	}
	a.hierarchy = s
	return s, nil
}

func (a *app) sectionLedger() (services.Ledger, error) {
	if a.ledger != nil {
		return a.ledger, nil
	}
	if a.conf.Ingest.Ledger == configuration.LedgerMemory {
		a.ledger = persistence.NewMemoryLedger()
		return a.ledger, nil
	}
	l, err := persistence.NewRedisLedger(a.redisClient(), a.conf.Redis.Prefix, a.conf.Ingest.LedgerTTL)
	if err != nil {
		return nil, withCode(exitInfra, err)
	}
	a.ledger = l
	return l, nil
}

func (a *app) ingestService(ctx context.Context) (*services.IngestService, error) {
	pub, err := a.enqueuer(ctx)
	if err != nil {
		return nil, err
	}
	docs, err := a.documentBackend(ctx)
	if err != nil {
		return nil, err
	}
	rules := validation.DefaultRules()
	resolver, err := a.resolver(rules)
	if err != nil {
		return nil, err
	}
	svc, err := services.NewIngestService(pub, docs, docs, docs, services.IngestOptions{
		SinkQueue:   a.conf.Queue.SinkQueue,
		UpsertQueue: a.conf.Queue.UpsertQueue,
		ChunkSize:   a.conf.Ingest.ChunkSize,
		Retry:       a.retryPolicy(),
		Rules:       &rules,
		Resolver:    resolver,
		Logger:      a.logger,
	})
	if err != nil {
		return nil, withCode(exitInfra, err)
	}
	return svc, nil
}

func (a *app) resolver(rules validation.RuleSet) (*record.Resolver, error) {
	aliases := record.DefaultAliases
	if path := a.conf.Ingest.AliasesFile; path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, withCode(exitUsage, errors.Wrap(err, "open aliases file"))
		}
		defer f.Close()
		extra, err := record.LoadAliases(f)
		if err != nil {
			return nil, withCode(exitUsage, errors.Wrapf(err, "aliases file %s", path))
		}
		aliases = record.MergeAliases(aliases, extra)
	}
	return record.NewResolver(aliases, rules.Fields()...), nil
}

// relays builds the sink relay (ordered, one job at a time) and the upsert
// relay (bounded pool).
func (a *app) relays(ctx context.Context) ([]*queue.Relay, error) {
	store, err := a.queueStore(ctx)
	if err != nil {
		return nil, err
	}
	docs, err := a.documentBackend(ctx)
	if err != nil {
		return nil, err
	}
	ledger, err := a.sectionLedger()
	if err != nil {
		return nil, err
	}
	hs, err := a.hierarchyStore(ctx)
	if err != nil {
		return nil, err
	}

	writer, err := services.NewSinkWriter(docs, ledger, services.SinkWriterOptions{Logger: a.logger})
	if err != nil {
		return nil, withCode(exitInfra, err)
	}
	upserter, err := services.NewUpsertWorker(hs, services.UpsertWorkerOptions{Logger: a.logger})
	if err != nil {
		return nil, withCode(exitInfra, err)
	}

	q := a.conf.Queue
	base := queue.RelayOptions{
		PollInterval:    q.PollInterval,
		BatchSize:       q.BatchSize,
		LockTTL:         q.LockTTL,
		MaxBackoff:      q.MaxBackoff,
		LastErrorMaxLen: q.LastErrorMaxBytes,
		DispatchTimeout: q.DispatchTimeout,
		Logger:          a.logger,
	}
	sinkOpts, upsertOpts := base, base
	sinkOpts.Concurrency = q.SinkConcurrency
	upsertOpts.Concurrency = q.UpsertConcurrency

	sinkRelay, err := queue.NewRelay(store, q.SinkQueue, writer, sinkOpts)
	if err != nil {
		return nil, withCode(exitUsage, err)
	}
	upsertRelay, err := queue.NewRelay(store, q.UpsertQueue, upserter, upsertOpts)
	if err != nil {
		return nil, withCode(exitUsage, err)
	}
	return []*queue.Relay{sinkRelay, upsertRelay}, nil
}

func (a *app) cleaner(ctx context.Context) (*queue.Cleaner, error) {
	store, err := a.queueStore(ctx)
	if err != nil {
		return nil, err
	}
	q := a.conf.Queue
	c, err := queue.NewCleaner(store, a.queueNames(), queue.CleanerOptions{
		Enabled:       q.CleanerEnabled,
		Interval:      q.CleanerInterval,
		Retention:     q.CleanerRetention,
		DeadRetention: q.CleanerDeadRetention,
		Logger:        a.logger,
	})
	if err != nil {
		return nil, withCode(exitUsage, err)
	}
	return c, nil
}

// drain runs the relays in this process until no queue has pending work or
// timeout passes. It is how a single invocation completes its own jobs.
func (a *app) drain(ctx context.Context, timeout time.Duration) error {
	relays, err := a.relays(ctx)
	if err != nil {
		return err
	}
	store, err := a.queueStore(ctx)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(a.conf.Queue.PollInterval)
	defer ticker.Stop()

	for {
		g, gctx := errgroup.WithContext(ctx)
		for _, r := range relays {
			g.Go(func() error {
				_, err := r.ProcessOnce(gctx)
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return withCode(exitInfra, err)
		}

		pending := int64(0)
		for _, name := range a.queueNames() {
			d, err := store.Depth(ctx, name, time.Now())
			if err != nil {
				return withCode(exitInfra, err)
			}
			pending += d.Waiting + d.Delayed + d.Active
		}
		if pending == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return withCode(exitInfra, errors.Wrapf(ctx.Err(), "%d jobs still pending", pending))
		case <-ticker.C:
		}
	}
}
