// Copyright 2020 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cmd

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/safenetwork/safenode/pkg/crypto"
	"github.com/safenetwork/safenode/pkg/keystore"
	filekeystore "github.com/safenetwork/safenode/pkg/keystore/file"
	memkeystore "github.com/safenetwork/safenode/pkg/keystore/mem"
	"github.com/safenetwork/safenode/pkg/logging"
	"github.com/safenetwork/safenode/pkg/node"
	"github.com/safenetwork/safenode/pkg/p2p/inmem"
	"github.com/spf13/cobra"
)

const (
	keyName         = "safenode"
	shutdownTimeout = 15 * time.Second
)

func (c *command) initStartCmd() (err error) {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a Safe Network node",
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

			o := c.nodeOptions()

			key, err := c.nodeKey(cmd, logger, o.DataDir)
			if err != nil {
				return err
			}
			overlay, err := crypto.NewOverlayAddress(key.PublicKey)
			if err != nil {
				return fmt.Errorf("overlay address: %w", err)
			}
			logger.Infof("using overlay address %s", overlay)

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			network := inmem.NewNetwork(logger)
			transport := network.NewService(overlay)
			n, err := node.New(transport, crypto.NewDefaultSigner(key), overlay, logger, o)
			if err != nil {
				return fmt.Errorf("start node: %w", err)
			}
			if err := network.Join(ctx, transport); err != nil {
				_ = n.Shutdown(ctx)
				return fmt.Errorf("join network: %w", err)
			}
			if addr := n.APIAddr(); addr != nil {
				logger.Infof("api address: %s", addr)
			}

			return c.waitForShutdown(logger, n.Shutdown)
		},
	}

	c.setAllFlags(cmd, filepath.Join(c.homeDir, ".safenode"))
	cmd.Flags().String(optionNamePassword, "", "password for decrypting keys")
	cmd.Flags().String(optionNamePasswordFile, "", "path to a file that contains password for decrypting keys")

	c.root.AddCommand(cmd)
	return nil
}

// nodeKey loads the identity of the node from the keystore in the
// data directory, creating it on the first start. Without a data directory
// the identity lives in memory only.
func (c *command) nodeKey(cmd *cobra.Command, logger logging.Logger, dataDir string) (*ecdsa.PrivateKey, error) {
	var ks keystore.Service
	if dataDir == "" {
		ks = memkeystore.New()
		logger.Warning("data directory not provided, keys are not persisted")
	} else {
		ks = filekeystore.New(filepath.Join(dataDir, "keys"))
	}

	var password string
	if p := c.config.GetString(optionNamePassword); p != "" {
		password = p
	} else if pf := c.config.GetString(optionNamePasswordFile); pf != "" {
		b, err := os.ReadFile(pf)
		if err != nil {
			return nil, err
		}
		password = strings.TrimSpace(string(b))
	} else {
		exists, err := ks.Exists(keyName)
		if err != nil {
			return nil, fmt.Errorf("check key: %w", err)
		}
		if exists {
			password, err = terminalPromptPassword(cmd, c.passwordReader, "Password")
			if err != nil {
				return nil, err
			}
		} else {
			password, err = terminalPromptCreatePassword(cmd, c.passwordReader)
			if err != nil {
				return nil, err
			}
		}
	}

	key, created, err := ks.Key(keyName, password)
	if err != nil {
		return nil, fmt.Errorf("node key: %w", err)
	}
	if created {
		logger.Info("new node key created")
	} else {
		logger.Info("using existing node key")
	}
	return key, nil
}

// waitForShutdown blocks until an interrupt signal and runs shutdown. A
// second signal terminates the wait without waiting for the shutdown.
func (c *command) waitForShutdown(logger logging.Logger, shutdown func(context.Context) error) error {
	interruptChannel := c.interrupt
	if interruptChannel == nil {
		interruptChannel = make(chan os.Signal, 1)
		signal.Notify(interruptChannel, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(interruptChannel)
	}

	// Block main goroutine until it is interrupted
	sig := <-interruptChannel

	logger.Debugf("received signal: %v", sig)
	logger.Info("shutting down")

	// Shutdown
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("shutdown panic: %v", r)
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		done <- shutdown(ctx)
	}()

	// If shutdown function is blocking too long,
	// allow process termination by receiving another signal.
	select {
	case sig := <-interruptChannel:
		logger.Debugf("received signal: %v", sig)
		return errors.New("shutdown interrupted")
	case err := <-done:
		if err != nil {
			logger.Errorf("shutdown: %v", err)
			return err
		}
	}
	return nil
}
