// Copyright 2020 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package logging provides the logger interface abstraction
// and implementation for the node. It uses logrus under the hood.
package logging

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

// LogFileName is the name of the file logs are mirrored into when a log
// directory is configured.
const LogFileName = "safenode.log"

type Logger interface {
	Tracef(format string, args ...interface{})
	Trace(args ...interface{})
	Debugf(format string, args ...interface{})
	Debug(args ...interface{})
	Infof(format string, args ...interface{})
	Info(args ...interface{})
	Warningf(format string, args ...interface{})
	Warning(args ...interface{})
	Errorf(format string, args ...interface{})
	Error(args ...interface{})
	WithField(key string, value interface{}) *logrus.Entry
	WithFields(fields logrus.Fields) *logrus.Entry
	WriterLevel(logrus.Level) *io.PipeWriter
	NewEntry() *logrus.Entry
	Metrics() []prometheus.Collector
}

// Option configures the logger created by New.
type Option func(*logrus.Logger)

// WithPrefixedFormatter formats terminal output with the prefix aware
// formatter, printing the "prefix" field of an entry before its message.
func WithPrefixedFormatter() Option {
	return func(l *logrus.Logger) {
		l.Formatter = &prefixed.TextFormatter{
			FullTimestamp: true,
		}
	}
}

// WithLogDir mirrors every log line at or above the logger level into
// LogFileName under dir.
func WithLogDir(dir string) Option {
	return func(l *logrus.Logger) {
		path := filepath.Join(dir, LogFileName)
		pathMap := lfshook.PathMap{}
		for _, level := range logrus.AllLevels {
			pathMap[level] = path
		}
		l.AddHook(lfshook.NewHook(pathMap, &logrus.JSONFormatter{}))
	}
}

type logger struct {
	*logrus.Logger
	metrics metrics
}

func New(w io.Writer, level logrus.Level, opts ...Option) Logger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetLevel(level)
	l.Formatter = &logrus.TextFormatter{
		FullTimestamp: true,
	}
	for _, o := range opts {
		o(l)
	}
	metrics := newMetrics()
	l.AddHook(metrics)
	return &logger{
		Logger:  l,
		metrics: metrics,
	}
}

func (l *logger) NewEntry() *logrus.Entry {
	return logrus.NewEntry(l.Logger)
}

// ParseVerbosity maps a verbosity name or number to a logrus level.
// Verbosity "silent" or "0" returns ok false.
func ParseVerbosity(v string) (level logrus.Level, ok bool, err error) {
	switch v {
	case "0", "silent":
		return 0, false, nil
	case "1", "error":
		return logrus.ErrorLevel, true, nil
	case "2", "warn":
		return logrus.WarnLevel, true, nil
	case "3", "info":
		return logrus.InfoLevel, true, nil
	case "4", "debug":
		return logrus.DebugLevel, true, nil
	case "5", "trace":
		return logrus.TraceLevel, true, nil
	}
	return 0, false, fmt.Errorf("unknown verbosity level %q", v)
}
