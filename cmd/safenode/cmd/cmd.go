// Copyright 2020 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/safenetwork/safenode/pkg/logging"
	"github.com/safenetwork/safenode/pkg/node"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	optionNameDataDir            = "data-dir"
	optionNameDBBackend          = "db-backend"
	optionNameCacheCapacity      = "cache-capacity"
	optionNamePassword           = "password"
	optionNamePasswordFile       = "password-file"
	optionNameAPIAddr            = "api-addr"
	optionNameCloseGroupSize     = "close-group-size"
	optionNameReplicationFactor  = "replication-factor"
	optionNameSpendTimeout       = "spend-timeout"
	optionNameTentativeTTL       = "tentative-ttl"
	optionNameChurnTickInterval  = "churn-tick-interval"
	optionNameTracingEnabled     = "tracing-enable"
	optionNameTracingEndpoint    = "tracing-endpoint"
	optionNameTracingServiceName = "tracing-service-name"
	optionNameVerbosity          = "verbosity"
	optionNameLogDir             = "log-dir"
	optionNameDevNodes           = "nodes"
)

func init() {
	cobra.EnableCommandSorting = false
}

type command struct {
	root           *cobra.Command
	config         *viper.Viper
	passwordReader passwordReader
	interrupt      chan os.Signal
	cfgFile        string
	homeDir        string
}

type option func(*command)

func newCommand(opts ...option) (c *command, err error) {
	c = &command{
		root: &cobra.Command{
			Use:           "safenode",
			Short:         "Safe Network node",
			SilenceErrors: true,
			SilenceUsage:  true,
			PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
				return c.initConfig()
			},
		},
	}

	for _, o := range opts {
		o(c)
	}
	if c.passwordReader == nil {
		c.passwordReader = new(stdInPasswordReader)
	}

	// Find home directory.
	if err := c.setHomeDir(); err != nil {
		return nil, err
	}

	c.initGlobalFlags()

	if err := c.initStartCmd(); err != nil {
		return nil, err
	}

	if err := c.initDevCmd(); err != nil {
		return nil, err
	}

	c.initVersionCmd()

	return c, nil
}

func (c *command) Execute() (err error) {
	return c.root.Execute()
}

// Execute parses command line arguments and runs appropriate functions.
func Execute() (err error) {
	c, err := newCommand()
	if err != nil {
		return err
	}
	return c.Execute()
}

func (c *command) initGlobalFlags() {
	globalFlags := c.root.PersistentFlags()
	globalFlags.StringVar(&c.cfgFile, "config", "", "config file (default is $HOME/.safenode.yaml)")
}

func (c *command) initConfig() (err error) {
	config := viper.New()
	configName := ".safenode"
	if c.cfgFile != "" {
		// Use config file from the flag.
		config.SetConfigFile(c.cfgFile)
	} else {
		// Search config in home directory with name ".safenode" (without extension).
		config.AddConfigPath(c.homeDir)
		config.SetConfigName(configName)
	}

	// Environment
	config.SetEnvPrefix("safenode")
	config.AutomaticEnv() // read in environment variables that match
	config.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	if c.homeDir != "" && c.cfgFile == "" {
		c.cfgFile = filepath.Join(c.homeDir, configName+".yaml")
	}

	// If a config file is found, read it in.
	if err := config.ReadInConfig(); err != nil {
		var e viper.ConfigFileNotFoundError
		if !errors.As(err, &e) && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	c.config = config
	return nil
}

func (c *command) setHomeDir() (err error) {
	if c.homeDir != "" {
		return
	}
	dir, err := os.UserHomeDir()
	if err != nil {
		return err
	}
	c.homeDir = dir
	return nil
}

// setAllFlags defines the flags shared by the commands that run nodes.
func (c *command) setAllFlags(cmd *cobra.Command, dataDir string) {
	cmd.Flags().String(optionNameDataDir, dataDir, "data directory, state is kept in memory if empty")
	cmd.Flags().String(optionNameDBBackend, node.BackendLevelDB, "state store backend, leveldb or badger")
	cmd.Flags().Int(optionNameCacheCapacity, 1024, "number of chunks kept in the read cache")
	cmd.Flags().String(optionNameAPIAddr, ":12000", "HTTP API listen address")
	cmd.Flags().Int(optionNameCloseGroupSize, 5, "number of nodes responsible for an address")
	cmd.Flags().Int(optionNameReplicationFactor, 2, "number of peers asked to hold data when a holder leaves")
	cmd.Flags().Duration(optionNameSpendTimeout, 10*time.Second, "time to collect a quorum of spend attestations")
	cmd.Flags().Duration(optionNameTentativeTTL, 30*time.Second, "lifetime of an uncommitted spend attestation")
	cmd.Flags().Duration(optionNameChurnTickInterval, 0, "interval of the periodic close group check, 0 uses the default")
	cmd.Flags().Bool(optionNameTracingEnabled, false, "enable tracing")
	cmd.Flags().String(optionNameTracingEndpoint, "127.0.0.1:6831", "endpoint to send tracing data")
	cmd.Flags().String(optionNameTracingServiceName, "safenode", "service name identifier for tracing")
	cmd.Flags().String(optionNameVerbosity, "info", "log verbosity level 0=silent, 1=error, 2=warn, 3=info, 4=debug, 5=trace")
	cmd.Flags().String(optionNameLogDir, "", "directory to mirror logs into, disabled if empty")
}

// nodeOptions reads the node options from the configuration.
func (c *command) nodeOptions() *node.Options {
	return &node.Options{
		DataDir:            c.config.GetString(optionNameDataDir),
		DBBackend:          c.config.GetString(optionNameDBBackend),
		CacheCapacity:      c.config.GetInt(optionNameCacheCapacity),
		APIAddr:            c.config.GetString(optionNameAPIAddr),
		CloseGroupSize:     c.config.GetInt(optionNameCloseGroupSize),
		ReplicationFactor:  c.config.GetInt(optionNameReplicationFactor),
		SpendTimeout:       c.config.GetDuration(optionNameSpendTimeout),
		TentativeTTL:       c.config.GetDuration(optionNameTentativeTTL),
		ChurnTickInterval:  c.config.GetDuration(optionNameChurnTickInterval),
		TracingEnabled:     c.config.GetBool(optionNameTracingEnabled),
		TracingEndpoint:    c.config.GetString(optionNameTracingEndpoint),
		TracingServiceName: c.config.GetString(optionNameTracingServiceName),
	}
}

func (c *command) newLogger(cmd *cobra.Command) (logging.Logger, error) {
	v := strings.ToLower(c.config.GetString(optionNameVerbosity))
	level, ok, err := logging.ParseVerbosity(v)
	if err != nil {
		return nil, err
	}
	if !ok {
		return logging.New(io.Discard, 0), nil
	}

	opts := []logging.Option{logging.WithPrefixedFormatter()}
	if dir := c.config.GetString(optionNameLogDir); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("log dir: %w", err)
		}
		opts = append(opts, logging.WithLogDir(dir))
	}
	return logging.New(cmd.OutOrStdout(), level, opts...), nil
}
