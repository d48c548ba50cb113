// Copyright 2023 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cmd_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/safenetwork/safenode/cmd/safenode/cmd"
	"github.com/safenetwork/safenode/pkg/spinlock"
)

const waitTimeout = 10 * time.Second

// runUntil executes the command in the background, waits for the output to
// contain ready and interrupts it.
func runUntil(t *testing.T, ready string, opts ...cmd.Option) (output string) {
	t.Helper()

	var (
		out       syncBuffer
		interrupt = make(chan os.Signal, 1)
		errC      = make(chan error, 1)
	)
	c := newCommand(t, append(opts, cmd.WithOutput(&out), cmd.WithInterrupt(interrupt))...)
	go func() { errC <- c.Execute() }()

	err := spinlock.Wait(waitTimeout, func() bool {
		select {
		case err := <-errC:
			errC <- err
			return true
		default:
		}
		return strings.Contains(out.String(), ready)
	})
	if err != nil {
		t.Fatalf("command not ready, output:\n%s", out.String())
	}

	interrupt <- syscall.SIGINT
	select {
	case err := <-errC:
		if err != nil {
			t.Fatalf("command: %v, output:\n%s", err, out.String())
		}
	case <-time.After(waitTimeout):
		t.Fatal("command did not stop")
	}
	return out.String()
}

func TestStartCmd(t *testing.T) {
	t.Parallel()

	dataDir := t.TempDir()
	args := []string{"start",
		"--data-dir", dataDir,
		"--api-addr", "127.0.0.1:0",
		"--verbosity", "info",
	}

	passwords := staticPasswordReader{"secret", "secret"}
	out := runUntil(t, "api address", cmd.WithArgs(args...), cmd.WithPasswordReader(&passwords))
	if !strings.Contains(out, "new node key created") {
		t.Errorf("key not created, output:\n%s", out)
	}
	if _, err := os.Stat(filepath.Join(dataDir, "keys")); err != nil {
		t.Fatal(err)
	}

	t.Run("existing key", func(t *testing.T) {
		out := runUntil(t, "api address", cmd.WithArgs(append(args, "--password", "secret")...))
		if !strings.Contains(out, "using existing node key") {
			t.Errorf("key not reused, output:\n%s", out)
		}
	})

	t.Run("wrong password", func(t *testing.T) {
		err := newCommand(t, cmd.WithArgs(append(args, "--password", "wrong")...)).Execute()
		if err == nil {
			t.Fatal("expected an error")
		}
	})
}

func TestStartCmdPasswordMismatch(t *testing.T) {
	t.Parallel()

	passwords := staticPasswordReader{"one", "two"}
	err := newCommand(t,
		cmd.WithArgs("start", "--data-dir", t.TempDir(), "--verbosity", "silent"),
		cmd.WithPasswordReader(&passwords),
	).Execute()
	if !errors.Is(err, cmd.ErrPasswordMismatch) {
		t.Fatalf("got error %v, want %v", err, cmd.ErrPasswordMismatch)
	}
}
