// Copyright 2023 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package logging_test

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/safenetwork/safenode/pkg/logging"
	"github.com/sirupsen/logrus"
)

func TestLogger(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := logging.New(&buf, logrus.InfoLevel)

	logger.Debugf("hidden %d", 1)
	logger.Infof("shown %d", 2)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug message logged at info level: %q", out)
	}
	if !strings.Contains(out, "shown 2") {
		t.Fatalf("info message not logged: %q", out)
	}
	if got := len(logger.Metrics()); got != 5 {
		t.Fatalf("got %d metrics, want 5", got)
	}
}

func TestLoggerLogDir(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	var buf bytes.Buffer
	logger := logging.New(&buf, logrus.DebugLevel, logging.WithPrefixedFormatter(), logging.WithLogDir(dir))

	logger.WithField("prefix", "churn").Debug("mirrored")

	b, err := os.ReadFile(filepath.Join(dir, logging.LogFileName))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), "mirrored") {
		t.Fatalf("log file does not contain the message: %q", string(b))
	}
	if !strings.Contains(buf.String(), "mirrored") {
		t.Fatalf("terminal output does not contain the message: %q", buf.String())
	}
}

func TestParseVerbosity(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		v       string
		level   logrus.Level
		ok      bool
		wantErr bool
	}{
		{v: "silent"},
		{v: "0"},
		{v: "error", level: logrus.ErrorLevel, ok: true},
		{v: "2", level: logrus.WarnLevel, ok: true},
		{v: "info", level: logrus.InfoLevel, ok: true},
		{v: "4", level: logrus.DebugLevel, ok: true},
		{v: "trace", level: logrus.TraceLevel, ok: true},
		{v: "loud", wantErr: true},
	} {
		level, ok, err := logging.ParseVerbosity(tc.v)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("%s: expected error", tc.v)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s: %v", tc.v, err)
		}
		if ok != tc.ok || (ok && level != tc.level) {
			t.Fatalf("%s: got %v %v, want %v %v", tc.v, level, ok, tc.level, tc.ok)
		}
	}
}
