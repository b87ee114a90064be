package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/qoollo/bob/internal/cluster"
	"github.com/qoollo/bob/internal/config"
	"github.com/qoollo/bob/internal/model"
)

func newMapperCheckCommand() *cobra.Command {
	var nodeName string

	cmd := &cobra.Command{
		Use:   "mapper-check <cluster-config>",
		Short: "Validate a cluster config against the Cluster Mapper's invariants",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			clusterCfg, err := config.LoadClusterConfig(args[0])
			if err != nil {
				return err
			}

			names := []string{nodeName}
			if nodeName == "" {
				names = names[:0]
				for _, n := range clusterCfg.Nodes {
					names = append(names, n.Name)
				}
			}

			for _, name := range names {
				if _, err := cluster.NewMapper(clusterCfg, model.NodeName(name)); err != nil {
					return fmt.Errorf("node %q: %w", name, err)
				}
			}

			fmt.Printf("cluster config %q is valid for %d node(s)\n", args[0], len(names))
			return nil
		},
	}

	cmd.Flags().StringVar(&nodeName, "node", "", "check the mapper as seen from a single node (defaults to every node)")

	return cmd
}
