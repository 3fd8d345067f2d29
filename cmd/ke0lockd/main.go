package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"

	"github.com/phonghmnguyen/ke0lock/command"
	"github.com/phonghmnguyen/ke0lock/config"
	"github.com/phonghmnguyen/ke0lock/container"
	"github.com/phonghmnguyen/ke0lock/interceptor"
	"github.com/phonghmnguyen/ke0lock/lock"
	"github.com/phonghmnguyen/ke0lock/nodeserver"
	"github.com/phonghmnguyen/ke0lock/ownership"
	"github.com/phonghmnguyen/ke0lock/pipeline"
	"github.com/phonghmnguyen/ke0lock/raft"
	"github.com/phonghmnguyen/ke0lock/telemetry"
	"github.com/phonghmnguyen/ke0lock/tx"
)

var (
	configFile                                        string
	grpcAddr, raftBindAddr, raftDir, fqdn, id, joinAt string
	bootstrap                                         bool
)

func init() {
	flag.StringVar(&configFile, "config", "", "Path of the YAML configuration file")
	flag.StringVar(&grpcAddr, "grpc", "", "gRPC address, overrides node.grpc_addr")
	flag.StringVar(&raftBindAddr, "raft", "", "Raft local bind address, overrides raft.bind_addr")
	flag.StringVar(&raftDir, "raftdir", "", "Raft directory for storing logs and snapshots, overrides raft.dir")
	flag.StringVar(&fqdn, "fqdn", "", "Raft cluster address, overrides raft.advertise_addr")
	flag.StringVar(&id, "id", "", "Raft node ID, overrides node.id")
	flag.StringVar(&joinAt, "join", "", "gRPC address of a member to join through, overrides node.join")
	flag.BoolVar(&bootstrap, "bootstrap", false, "Bootstrap cluster flag, overrides raft.bootstrap when set")
}

func loadConfig() (config.Config, error) {
	cfg := config.Default()
	if configFile != "" {
		loaded, err := config.Load(configFile)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}

	override := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	override(&cfg.Node.GRPCAddr, grpcAddr)
	override(&cfg.Node.ID, id)
	override(&cfg.Node.Join, joinAt)
	override(&cfg.Raft.BindAddr, raftBindAddr)
	override(&cfg.Raft.Dir, raftDir)
	override(&cfg.Raft.AdvertiseAddr, fqdn)

	flag.Visit(func(f *flag.Flag) {
		if f.Name == "bootstrap" {
			cfg.Raft.Bootstrap = bootstrap
		}
	})

	return cfg, cfg.Validate()
}

func main() {
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	if err := run(ctx, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "node %s stopped: %v\n", cfg.Node.ID, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	level, _ := cfg.LogLevel()
	shutdown, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: "ke0lock",
		ServiceHost: cfg.Raft.AdvertiseAddr,
		LogFileName: cfg.Logger.LogPath,
		LogLevel:    level,
		ExportTo:    os.Stdout,
	})
	if err != nil {
		return err
	}
	defer shutdown(context.Background())

	logger := telemetry.Log()

	var (
		instance *raft.Instance
		chain    *pipeline.Chain
	)

	// sync evictions of the leader to the replicas
	onEvict := func(key string) {
		if instance == nil || !instance.IsLeader() {
			return
		}

		logger.Infof("Syncing eviction of key %s from leader", key)
		go chain.Invoke(context.Background(), pipeline.NewContext(), command.NewInvalidate([]string{key}, command.SkipLocking))
	}

	store := container.NewStore(ctx, container.WithCapacity(cfg.Container.Capacity), container.WithEvictionCallback(onEvict))
	owner := ownership.Func(func(key string) bool {
		return instance != nil && instance.IsPrimaryOwner(key)
	})
	executor := container.NewExecutor(store, container.NewL1(cfg.Container.L1Capacity), container.WithOracle(owner))

	fsm := raft.NewFSM(executor, logger)
	instance, err = raft.NewInstance(raft.Config{
		RaftBindAddr:     cfg.Raft.BindAddr,
		RaftDir:          cfg.Raft.Dir,
		FQDN:             cfg.Raft.AdvertiseAddr,
		ID:               cfg.Node.ID,
		BootstrapCluster: cfg.Raft.Bootstrap,
	}, fsm, logger)
	if err != nil {
		return err
	}
	defer instance.Shutdown()

	locks := lock.NewKeyLockManager(lock.WithStripeSize(cfg.Locking.Stripes))
	locking, err := interceptor.NewLockingInterceptor(locks, instance, interceptor.Config{
		LockAcquisitionTimeout: cfg.Locking.AcquisitionTimeout,
		LocalAddress:           instance.LocalAddress(),
	})
	if err != nil {
		return err
	}

	fsm.Bind(pipeline.NewChain(executor, []pipeline.Interceptor{locking}))
	chain = pipeline.NewChain(executor, []pipeline.Interceptor{locking, raft.NewReplicator(instance, executor)})

	server := nodeserver.NewNodeServer(chain, tx.NewManager(locks), grpc.NewServer(grpc.KeepaliveParams(keepalive.ServerParameters{
		MaxConnectionAge:      30 * time.Second,
		MaxConnectionAgeGrace: 10 * time.Second,
	})), nodeserver.WithJoiner(instance))

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe(cfg.Node.GRPCAddr)
	}()

	if !cfg.Raft.Bootstrap {
		if err := join(ctx, cfg.Node.Join, cfg.Raft.AdvertiseAddr, cfg.Node.ID); err != nil {
			logger.Infof("Maybe already joined if node restarts: %v", err)
		}
	}

	select {
	case <-ctx.Done():
		logger.Infof("Shutting down node %s", cfg.Node.ID)
		server.GracefulStop()
		return nil

	case err := <-errCh:
		return err
	}
}

func join(ctx context.Context, leaderAddr, fqdn, id string) error {
	conn, err := grpc.NewClient(leaderAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(ctx, raft.RaftTimeOut)
	defer cancel()

	return nodeserver.NewClient(conn).Join(ctx, fqdn, id)
}
