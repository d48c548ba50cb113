// Copyright 2020 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cmd

import (
	"io"
	"os"
)

type (
	Command        = command
	Option         = option
	PasswordReader = passwordReader
)

var (
	NewCommand = newCommand

	ErrPasswordMismatch = errPasswordMismatch
)

func WithCfgFile(f string) func(c *Command) {
	return func(c *Command) {
		c.cfgFile = f
	}
}

func WithHomeDir(dir string) func(c *Command) {
	return func(c *Command) {
		c.homeDir = dir
	}
}

func WithArgs(a ...string) func(c *Command) {
	return func(c *Command) {
		c.root.SetArgs(a)
	}
}

func WithOutput(w io.Writer) func(c *Command) {
	return func(c *Command) {
		c.root.SetOut(w)
	}
}

func WithPasswordReader(r PasswordReader) func(c *Command) {
	return func(c *Command) {
		c.passwordReader = r
	}
}

// WithInterrupt replaces the operating system signals that stop running
// nodes.
func WithInterrupt(ch chan os.Signal) func(c *Command) {
	return func(c *Command) {
		c.interrupt = ch
	}
}
