package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/qoollo/bob/internal/backend"
	"github.com/qoollo/bob/internal/cleaner"
	"github.com/qoollo/bob/internal/cluster"
	"github.com/qoollo/bob/internal/config"
	"github.com/qoollo/bob/internal/grinder"
	"github.com/qoollo/bob/internal/linkmanager"
	"github.com/qoollo/bob/internal/model"
	"github.com/qoollo/bob/internal/rpc"
)

func newNodeCommand() *cobra.Command {
	var clusterPath, nodePath string

	cmd := &cobra.Command{
		Use:   "node",
		Short: "Start a cluster node",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(cmd.Context(), clusterPath, nodePath)
		},
	}

	cmd.Flags().StringVar(&clusterPath, "cluster", "", "path to the cluster config YAML (required)")
	cmd.Flags().StringVar(&nodePath, "config", "", "path to the node config YAML (required)")
	_ = cmd.MarkFlagRequired("cluster")
	_ = cmd.MarkFlagRequired("config")

	return cmd
}

func runNode(ctx context.Context, clusterPath, nodePath string) error {
	logger := slog.Default()

	clusterCfg, err := config.LoadClusterConfig(clusterPath)
	if err != nil {
		return fmt.Errorf("loading cluster config: %w", err)
	}
	nodeCfg, err := config.LoadNodeConfig(nodePath, clusterCfg)
	if err != nil {
		return fmt.Errorf("loading node config: %w", err)
	}
	localNode := model.NodeName(nodeCfg.Name)

	mapper, err := cluster.NewMapper(clusterCfg, localNode)
	if err != nil {
		return fmt.Errorf("building cluster mapper: %w", err)
	}

	b, err := backend.New(ctx, backend.Config{
		Mapper:  mapper,
		Cluster: clusterCfg,
		Node:    nodeCfg,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("starting backend: %w", err)
	}

	links, err := linkmanager.New(linkmanager.Config{
		Mapper:        mapper,
		CheckInterval: nodeCfg.CheckInterval.AsDuration(),
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("starting link manager: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	links.Start(runCtx)
	defer links.Stop()

	g := grinder.New(grinder.Config{
		Mapper:           mapper,
		Backend:          b,
		Peers:            links,
		Quorum:           nodeCfg.Quorum,
		OperationTimeout: nodeCfg.OperationTimeout.AsDuration(),
		Logger:           logger,
	})

	clean := cleaner.New(cleaner.Config{
		Backend:  b,
		Replayer: links,
		Interval: nodeCfg.CleanupInterval.AsDuration(),
		Logger:   logger,
	})
	go clean.Run(runCtx)

	info, ok := mapper.Node(localNode)
	if !ok {
		return fmt.Errorf("local node %q missing from cluster config", localNode)
	}
	lis, err := net.Listen("tcp", info.Address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", info.Address, err)
	}

	server := grpc.NewServer(rpc.ServerOptions()...)
	rpc.RegisterNodeServiceServer(server, grinder.NewNodeServer(localNode, b))

	errCh := make(chan error, 2)
	go func() { errCh <- server.Serve(lis) }()

	var clientServer *grpc.Server
	if nodeCfg.ClientAddress != "" {
		clientLis, err := net.Listen("tcp", nodeCfg.ClientAddress)
		if err != nil {
			return fmt.Errorf("listening on client address %s: %w", nodeCfg.ClientAddress, err)
		}
		clientServer = grpc.NewServer(rpc.ServerOptions()...)
		rpc.RegisterNodeServiceServer(clientServer, grinder.NewClientServer(g, logger))
		go func() { errCh <- clientServer.Serve(clientLis) }()
		logger.Info("client listener started", slog.String("address", nodeCfg.ClientAddress))
	}

	logger.Info("node started", slog.String("node", string(localNode)), slog.String("address", info.Address))

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-sigCtx.Done():
		logger.Info("shutting down", slog.String("node", string(localNode)))
		server.GracefulStop()
		if clientServer != nil {
			clientServer.GracefulStop()
		}
		cancel()
		return nil
	case err := <-errCh:
		cancel()
		return err
	}
}
