// Copyright 2020 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cmd

import (
	"context"
	"fmt"

	"github.com/safenetwork/safenode/pkg/node"
	"github.com/spf13/cobra"
)

func (c *command) initDevCmd() (err error) {
	cmd := &cobra.Command{
		Use:   "dev",
		Short: "Start a local network of nodes in development mode",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return c.config.BindPFlags(cmd.Flags())
		},
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			if len(args) > 0 {
				return cmd.Help()
			}

			logger, err := c.newLogger(cmd)
			if err != nil {
				return fmt.Errorf("new logger: %w", err)
			}

			count := c.config.GetInt(optionNameDevNodes)
			if count < 1 {
				return fmt.Errorf("%s must be positive, got %d", optionNameDevNodes, count)
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			d, err := node.NewDevNetwork(ctx, logger, count, c.nodeOptions())
			if err != nil {
				return fmt.Errorf("dev network: %w", err)
			}

			for _, n := range d.Nodes() {
				if addr := n.APIAddr(); addr != nil {
					cmd.Printf("node %s api %s\n", n.Overlay(), addr)
				} else {
					cmd.Printf("node %s\n", n.Overlay())
				}
			}
			cmd.Println("dev network ready")

			return c.waitForShutdown(logger, d.Shutdown)
		},
	}

	c.setAllFlags(cmd, "")
	cmd.Flags().Int(optionNameDevNodes, 5, "number of nodes in the network")

	c.root.AddCommand(cmd)
	return nil
}
