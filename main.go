package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/openzipkin/zipkin-go"
	"github.com/openzipkin/zipkin-go/reporter"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	log "github.com/sirupsen/logrus"
	"github.com/vadiminshakov/gowal"
	"github.com/vadiminshakov/pbft/config"
	"github.com/vadiminshakov/pbft/core/node"
	"github.com/vadiminshakov/pbft/core/replica"
	"github.com/vadiminshakov/pbft/core/replica/hooks"
	"github.com/vadiminshakov/pbft/core/role"
	"github.com/vadiminshakov/pbft/io/gateway/grpc/server"
	"github.com/vadiminshakov/pbft/io/gossip"
	"github.com/vadiminshakov/pbft/io/metrics"
	"github.com/vadiminshakov/pbft/io/store"
	"github.com/vadiminshakov/pbft/io/trace"
)

func main() {
	conf := config.Get()

	level, _ := log.ParseLevel(conf.LogLevel)
	log.SetLevel(level)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := start(ctx, conf)
	if err != nil {
		log.Fatalf("failed to start node: %v", err)
	}
	defer a.stop()

	if conf.RequestFile != "" {
		go a.submitInitial(ctx, conf)
	}

	<-ctx.Done()
	log.Info("shutting down")
}

// app holds every running component of one replica process.
type app struct {
	node    *node.Node
	gossip  *gossip.Gossip
	store   *store.Store
	wal     *gowal.Wal
	api     *server.Server
	metrics *metrics.Server
	rep     reporter.Reporter

	cancel context.CancelFunc
	done   chan struct{}
}

func start(parent context.Context, conf *config.Config) (*app, error) {
	id, err := gossip.NewIdentity(conf.KeySeed)
	if err != nil {
		return nil, errors.Wrap(err, "identity")
	}
	r, err := role.New(id.PeerID(), conf.IsPrimary(), role.PeerID(conf.PrimaryID), conf.PeerCount)
	if err != nil {
		return nil, err
	}

	a := &app{done: make(chan struct{})}
	ok := false
	defer func() {
		if !ok {
			a.stop()
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New("pbft", reg)
	if conf.MetricsAddr != "" {
		a.metrics = metrics.NewServer(conf.MetricsAddr, reg)
		errc := make(chan error, 1)
		a.metrics.StartAsync(errc)
		go func() {
			if err, ok := <-errc; ok {
				log.Errorf("metrics server stopped: %v", err)
			}
		}()
	}

	a.wal, err = gowal.NewWAL(gowal.Config{
		Dir:              filepath.Join(conf.DataDir, "wal"),
		Prefix:           "msgs_",
		SegmentThreshold: 1000,
		MaxSegments:      100,
		IsInSyncDiskMode: false,
	})
	if err != nil {
		return nil, errors.Wrap(err, "open wal")
	}
	var recovery *store.RecoveryState
	a.store, recovery, err = store.New(a.wal, filepath.Join(conf.DataDir, "badger"))
	if err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{
		"entries":   recovery.Entries,
		"restored":  recovery.Restored,
		"next":      recovery.NextIndex,
		"decisions": a.store.Size(),
	}).Info("journal recovered")

	rep := replica.New(r,
		replica.WithTimeout(conf.Timeout),
		replica.WithRetention(conf.Retention),
		replica.WithJournal(a.store),
		replica.WithArchive(a.store),
		replica.WithHooks(
			hooks.NewValidationHook(conf.MaxClientLength, conf.MaxContentLength),
			hooks.NewMetricsHook(m),
			a.store,
			hooks.NewAuditHook(),
		),
	)

	a.gossip = gossip.New(id, gossip.Config{
		Listen:    conf.Listen,
		Peers:     conf.Peers,
		Topic:     conf.Topic,
		Heartbeat: conf.Heartbeat,
		PeerTTL:   conf.PeerTTL,
	})
	a.node = node.New(rep, a.gossip, node.WithMetrics(m))

	ctx, cancel := context.WithCancel(parent)
	a.cancel = cancel
	go func() {
		defer close(a.done)
		a.node.Run(ctx)
	}()

	if err := a.gossip.Start(ctx, a.node); err != nil {
		return nil, errors.Wrap(err, "start gossip")
	}

	var tracer *zipkin.Tracer
	if conf.WithTrace {
		tracer, a.rep, err = trace.Tracer(string(id.PeerID()), conf.APIAddr, conf.TraceCollector)
		if err != nil {
			return nil, err
		}
	}
	a.api, err = server.New(conf.APIAddr, a.node, tracer, server.WithWhitelist(conf.Whitelist...))
	if err != nil {
		return nil, err
	}
	if err := a.api.Run(server.WhiteListChecker, server.RequestLogger); err != nil {
		a.api = nil
		return nil, err
	}

	log.WithFields(log.Fields{
		"peer":    id.PeerID(),
		"primary": r.IsPrimary(),
		"n":       r.PeerCount(),
		"listen":  a.gossip.Addr(),
	}).Info("replica started")

	ok = true
	return a, nil
}

// submitInitial waits until the rest of the deployment is visible and submits
// the configured request once.
func (a *app) submitInitial(ctx context.Context, conf *config.Config) {
	req, err := config.LoadRequest(conf.RequestFile)
	if err != nil {
		log.Errorf("failed to load request: %v", err)
		return
	}

	want := int(conf.PeerCount) - 1
	waitCtx, cancel := context.WithTimeout(ctx, conf.PeerTTL)
	defer cancel()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for len(a.gossip.Peers()) < want {
		select {
		case <-waitCtx.Done():
			log.Warnf("submitting with %d of %d peers visible", len(a.gossip.Peers()), want)
			want = 0
		case <-ticker.C:
		}
	}

	key, err := a.node.Submit(ctx, req.Client, req.Content)
	if errors.Is(err, replica.ErrStale) {
		log.Infof("initial request not resubmitted: %v", err)
		return
	}
	if err != nil {
		log.Errorf("failed to submit request: %v", err)
		return
	}
	log.Infof("submitted request %s", key)
}

func (a *app) stop() {
	if a.api != nil {
		a.api.Stop()
	}
	if a.gossip != nil {
		a.gossip.Stop()
	}
	if a.cancel != nil {
		a.cancel()
		<-a.done
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			log.Errorf("failed to close store: %v", err)
		}
	}
	if a.wal != nil {
		if err := a.wal.Close(); err != nil {
			log.Errorf("failed to close wal: %v", err)
		}
	}
	if a.rep != nil {
		_ = a.rep.Close()
	}
	if a.metrics != nil {
		_ = a.metrics.Stop()
	}
}
