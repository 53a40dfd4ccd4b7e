// Package node assembles the bridge components into a running service.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/tos-network/gbridge"
	"github.com/tos-network/gbridge/bridgedb"
	"github.com/tos-network/gbridge/chainrpc"
	"github.com/tos-network/gbridge/consensus/aggregator"
	"github.com/tos-network/gbridge/core/rawdb"
	"github.com/tos-network/gbridge/core/types"
	"github.com/tos-network/gbridge/metrics"
	"github.com/tos-network/gbridge/monitor"
	"github.com/tos-network/gbridge/observer"
	"github.com/tos-network/gbridge/reorg"
	"github.com/tos-network/gbridge/retry"
	"github.com/tos-network/gbridge/submitter"
	"github.com/tos-network/gbridge/watcher"
	"golang.org/x/sync/errgroup"
)

var (
	ErrNodeStopped = errors.New("node not started")
	ErrNodeRunning = errors.New("node already running")
)

const (
	initializingState = iota
	runningState
	closedState
)

// chainPipeline is the per chain part of the node.
type chainPipeline struct {
	config  ChainConfig
	watcher *watcher.Watcher
	reorg   *reorg.Monitor
}

// Node is a bridge node: it watches the configured chains, runs its local
// observers over every final event, aggregates their attestations and settles
// completed sets on the destination chains.
type Node struct {
	config *Config
	db     bridgedb.KeyValueStore
	client gbridge.ChainClient
	rpc    *chainrpc.Client // set when the node dialled the chains itself
	dev    *DevNetwork

	registry   *observer.Registry
	scheduler  *retry.Scheduler
	observers  []*observer.Observer
	remote     *observer.RemotePublisher
	aggregator *aggregator.Aggregator
	submitter  *submitter.Submitter
	chains     []*chainPipeline
	monitor    *monitor.Monitor
	monitorSrv *monitor.Server
	ingress    *ingressServer

	lock        sync.Mutex
	state       int
	cancel      context.CancelFunc
	stopMetrics func()
	done        chan struct{} // closed when the components returned
	closed      chan struct{} // closed when Close released every resource
	err         error
	log         log.Logger
}

// New creates a bridge node. It opens the database, connects the chains and
// registers observers and gateways, but starts nothing.
func New(conf *Config) (*Node, error) {
	config := *conf
	if config.Dev {
		config.SetDevDefaults()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	n := &Node{
		config:    &config,
		scheduler: retry.New(config.Retry),
		done:      make(chan struct{}),
		closed:    make(chan struct{}),
		log:       log.New("component", "node"),
	}
	if err := n.openDatabase(); err != nil {
		return nil, err
	}
	if err := n.setup(); err != nil {
		n.release()
		return nil, err
	}
	return n, nil
}

func (n *Node) openDatabase() error {
	path := n.config.DatabasePath()
	if path == "" {
		n.db = rawdb.NewMemoryDatabase()
		return nil
	}
	db, err := rawdb.NewLevelDBDatabase(path, n.config.DatabaseCache, n.config.DatabaseHandles, false)
	if err != nil {
		return fmt.Errorf("node: open database: %w", err)
	}
	n.db = db
	return nil
}

func (n *Node) setup() (err error) {
	ctx := context.Background()
	config := n.config

	// Chain connections
	switch {
	case config.Client != nil:
		n.client = config.Client
	case config.Dev:
		n.dev = newDevNetwork(config)
		if n.rpc, err = n.dev.client(ctx, config.ChainRPC); err != nil {
			return err
		}
		n.client = n.rpc
	default:
		urls := make(map[uint64]string)
		for _, chain := range config.Chains {
			urls[chain.ID] = chain.URL
		}
		if n.rpc, err = chainrpc.Dial(ctx, config.ChainRPC, urls); err != nil {
			return err
		}
		n.client = n.rpc
	}

	// Observers and gateways
	if n.registry, err = observer.NewRegistry(n.db); err != nil {
		return err
	}
	signers, err := n.registerObservers()
	if err != nil {
		return err
	}
	policy, err := aggregator.PolicyByName(config.Aggregator.Policy)
	if err != nil {
		return err
	}
	n.registry.SetWeighting(policy.Weight)
	for _, chain := range config.Chains {
		if err := n.registry.Register(config.GatewayConfig(chain)); err != nil {
			return err
		}
	}

	// Aggregation and settlement, or a remote aggregator
	var jwtSecret []byte
	if config.JWTSecret != "" {
		if jwtSecret, err = obtainJWTSecret(config.ResolvePath(config.JWTSecret), config.AggregatorURL == ""); err != nil {
			return err
		}
	}
	var publisher observer.Publisher
	if config.AggregatorURL == "" {
		n.aggregator, err = aggregator.New(config.Aggregator, n.registry, n.db, n.onComplete)
		if err != nil {
			return err
		}
		n.submitter = submitter.New(config.Submitter, n.client, n.registry, n.aggregator, n.db, n.scheduler)
		publisher = n.aggregator
	} else {
		var opts []rpc.ClientOption
		if jwtSecret != nil {
			opts = append(opts, rpc.WithHTTPAuth(NewJWTAuth([32]byte(jwtSecret))))
		}
		if n.remote, err = observer.DialPublisher(ctx, config.AggregatorURL, opts...); err != nil {
			return fmt.Errorf("node: dial aggregator: %w", err)
		}
		publisher = n.remote
	}

	obsConfig := observer.Config{
		ConfirmationDepth: config.Watcher.ConfirmationDepth,
		Depths:            make(map[uint64]uint64),
		Timeout:           config.ValidationTimeout,
	}
	for _, chain := range config.Chains {
		if depth := config.WatcherConfig(chain).ConfirmationDepth; depth != 0 {
			obsConfig.Depths[chain.ID] = depth
		}
	}
	for _, signer := range signers {
		n.observers = append(n.observers, observer.New(obsConfig, signer, n.registry, n.client, n.scheduler, publisher))
	}

	// Per chain pipelines
	var (
		invalidator reorg.Invalidator
		canceller   reorg.Canceller
	)
	if n.aggregator != nil {
		invalidator, canceller = n.aggregator, n.submitter
	}
	for _, chain := range config.Chains {
		w, err := watcher.New(config.WatcherConfig(chain), n.client, n.db, n.scheduler)
		if err != nil {
			return err
		}
		rc := config.Reorg
		rc.ChainID = chain.ID
		n.chains = append(n.chains, &chainPipeline{
			config:  chain,
			watcher: w,
			reorg:   reorg.New(rc, n.client, n.db, n.scheduler, invalidator, w, canceller),
		})
	}

	n.setupMonitor()
	if endpoint := config.HTTPEndpoint(); endpoint != "" && n.aggregator != nil {
		if n.ingress, err = newIngressServer(endpoint, config.HTTPCors, n.aggregator.APIs(), jwtSecret); err != nil {
			return err
		}
	}
	return nil
}

// registerObservers adds every configured observer to the registry and returns
// the signers of the local ones.
func (n *Node) registerObservers() ([]*observer.KeySigner, error) {
	var signers []*observer.KeySigner
	if n.config.Dev && len(n.config.Observers) == 0 {
		configs, keys, err := devObserverConfigs(n.config)
		if err != nil {
			return nil, err
		}
		for _, oc := range configs {
			signer := observer.NewKeySigner(oc.ID, keys[oc.ID])
			if err := n.registry.AddObserver(signer.Info(oc.Endpoint, oc.weight())); err != nil {
				return nil, err
			}
			signers = append(signers, signer)
		}
		return signers, nil
	}
	for _, oc := range n.config.Observers {
		if !oc.Local() {
			info, err := oc.Info()
			if err != nil {
				return nil, err
			}
			if err := n.registry.AddObserver(info); err != nil {
				return nil, err
			}
			continue
		}
		signer, err := observer.LoadKeySigner(oc.ID, n.config.ResolvePath(oc.KeyFile))
		if err != nil {
			return nil, err
		}
		if err := n.registry.AddObserver(signer.Info(oc.Endpoint, oc.weight())); err != nil {
			return nil, err
		}
		signers = append(signers, signer)
	}
	return signers, nil
}

func (n *Node) setupMonitor() {
	src := monitor.Sources{
		Registry: n.registry,
		Client:   n.client,
		DB:       n.db,
	}
	for _, o := range n.observers {
		src.Observers = append(src.Observers, o)
		src.RejectionFeed = append(src.RejectionFeed, o.SubscribeRejections)
	}
	for _, c := range n.chains {
		src.Watchers = append(src.Watchers, c.watcher)
		src.RollbackFeed = append(src.RollbackFeed, c.reorg.SubscribeRollbacks)
	}
	if n.aggregator != nil {
		src.Sets = n.aggregator
		src.Settlements = n.submitter
		src.StatusFeed = n.aggregator.SubscribeStatus
		src.FailureFeed = n.submitter.SubscribeFailures
	}
	n.monitor = monitor.New(n.config.Monitor, src)
	if n.config.Monitor.Enabled {
		n.monitorSrv = monitor.NewServer(n.monitor, n.config.Monitor)
	}
}

// onComplete hands a completed round to the submitter.
func (n *Node) onComplete(set *types.AttestationSet) {
	n.log.Info("Attestation set complete", "key", set.Key, "round", set.Round, "signatures", len(set.ForDigest(set.CompletedDigest)))
	n.submitter.Enqueue(set)
}

// Start launches every component. A node can only be started once.
func (n *Node) Start() error {
	n.lock.Lock()
	defer n.lock.Unlock()

	switch n.state {
	case runningState:
		return ErrNodeRunning
	case closedState:
		return ErrNodeStopped
	}
	n.stopMetrics = metrics.Setup(n.config.Metrics)
	if n.ingress != nil {
		if err := n.ingress.start(); err != nil {
			n.stopMetrics()
			return err
		}
	}
	if n.monitorSrv != nil {
		if err := n.monitorSrv.Start(); err != nil {
			if n.ingress != nil {
				n.ingress.stop()
			}
			n.stopMetrics()
			return err
		}
	}
	if n.aggregator != nil {
		n.aggregator.Start()
	}

	ctx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel
	g, ctx := errgroup.WithContext(ctx)
	for _, c := range n.chains {
		c := c
		g.Go(func() error { return c.watcher.Run(ctx) })
		g.Go(func() error { return c.reorg.Run(ctx) })
		g.Go(func() error { return n.consume(ctx, c.watcher) })
	}
	if n.submitter != nil {
		g.Go(func() error { return n.submitter.Run(ctx) })
		g.Go(func() error { return n.redrive(ctx) })
	}
	g.Go(func() error { return n.monitor.Run(ctx) })
	if n.dev != nil {
		g.Go(func() error { return n.dev.run(ctx) })
	}
	go func() {
		err := g.Wait()
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		if err != nil {
			n.log.Error("Bridge node failed", "err", err)
		}
		n.err = err
		close(n.done)
	}()

	n.state = runningState
	n.log.Info("Bridge node started", "chains", len(n.chains), "observers", len(n.observers), "aggregator", n.aggregator != nil)
	return nil
}

// Wait blocks until the node stops and returns the error that stopped it.
func (n *Node) Wait() error {
	<-n.done
	return n.err
}

// Close stops the node and releases its resources. A node that was never
// started can be closed too. Concurrent calls wait for the first one to
// finish and return ErrNodeStopped.
func (n *Node) Close() error {
	n.lock.Lock()
	state := n.state
	n.state = closedState
	n.lock.Unlock()

	switch state {
	case closedState:
		<-n.closed
		return ErrNodeStopped
	case runningState:
		n.cancel()
		<-n.done
		if n.monitorSrv != nil {
			n.monitorSrv.Stop()
		}
		if n.aggregator != nil {
			n.aggregator.Stop()
		}
		n.stopMetrics()
	}
	n.release()
	n.log.Info("Bridge node stopped")
	close(n.closed)
	return n.err
}

// release frees the resources acquired by New.
func (n *Node) release() {
	if n.ingress != nil {
		n.ingress.stop()
	}
	if n.remote != nil {
		n.remote.Close()
	}
	if n.rpc != nil {
		n.rpc.Close()
	}
	if n.dev != nil {
		n.dev.stop()
	}
	if n.db != nil {
		n.db.Close()
	}
}

// Config returns the effective configuration.
func (n *Node) Config() *Config { return n.config }

// DB returns the node database.
func (n *Node) DB() bridgedb.KeyValueStore { return n.db }

// Client returns the chain connections.
func (n *Node) Client() gbridge.ChainClient { return n.client }

// Registry returns the observer and gateway registry.
func (n *Node) Registry() *observer.Registry { return n.registry }

// Observers returns the local observers.
func (n *Node) Observers() []*observer.Observer { return n.observers }

// Aggregator returns the aggregator, nil if the node uses a remote one.
func (n *Node) Aggregator() *aggregator.Aggregator { return n.aggregator }

// Submitter returns the submitter, nil if the node uses a remote aggregator.
func (n *Node) Submitter() *submitter.Submitter { return n.submitter }

// Monitor returns the monitor.
func (n *Node) Monitor() *monitor.Monitor { return n.monitor }

// Dev returns the developer chains, nil outside dev mode.
func (n *Node) Dev() *DevNetwork { return n.dev }

// Watcher returns the watcher of a chain.
func (n *Node) Watcher(chainID uint64) *watcher.Watcher {
	for _, c := range n.chains {
		if c.config.ID == chainID {
			return c.watcher
		}
	}
	return nil
}

// ReorgMonitor returns the reorg monitor of a chain.
func (n *Node) ReorgMonitor(chainID uint64) *reorg.Monitor {
	for _, c := range n.chains {
		if c.config.ID == chainID {
			return c.reorg
		}
	}
	return nil
}

// IngressAddr returns the listen address of the attestation ingress.
func (n *Node) IngressAddr() net.Addr {
	if n.ingress == nil {
		return nil
	}
	return n.ingress.addr()
}

// MonitorAddr returns the listen address of the monitoring server.
func (n *Node) MonitorAddr() net.Addr {
	if n.monitorSrv == nil {
		return nil
	}
	return n.monitorSrv.Addr()
}
