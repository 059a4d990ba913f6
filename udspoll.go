// Copyright 2025 CloudWeGo Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

//go:build linux
// +build linux

// Package udspoll provides non-blocking, readiness-multiplexed I/O over
// AF_UNIX stream and datagram sockets.
//
// Channels own one socket each. A channel in non-blocking mode can be
// registered with a Reactor, which reports through SelectionKeys which
// channels are ready to accept, connect, read or write. Server ties an accept
// reactor and a set of worker reactors together for callback driven services.
package udspoll

import (
	"context"

	"go.uber.org/zap"

	"github.com/cloudwego/udspoll/internal/runner"
)

var logger = newDefaultLogger()

func newDefaultLogger() *zap.SugaredLogger {
	l, err := zap.NewProduction()
	if err != nil {
		l = zap.NewNop()
	}
	return l.Named("udspoll").Sugar()
}

// Configure the internal behaviors of udspoll.
// Configure should be called in init(), before any reactor or server is created.
func Configure(config Config) (err error) {
	if config.ReactorNum > 0 {
		reactorNum = config.ReactorNum
	}
	if config.EventBufferSize > 0 {
		eventBufferSize = config.EventBufferSize
	}
	if config.Backlog > 0 {
		listenBacklog = config.Backlog
	}
	if config.LoadBalance >= 0 {
		if err = validLoadBalance(config.LoadBalance); err != nil {
			return err
		}
		loadBalance = config.LoadBalance
	}
	if config.Runner != nil {
		runner.RunTask = config.Runner
	}
	if config.Logger != nil {
		SetLogger(config.Logger)
	}
	return nil
}

// SetLogger replaces the logger of udspoll.
func SetLogger(l *zap.Logger) {
	logger = l.Named("udspoll").Sugar()
}

// SetRunner set the runner function for every OnAccept/OnReadable callback
//
// Deprecated: use Configure and specify config.Runner instead.
func SetRunner(f func(ctx context.Context, f func())) {
	runner.RunTask = f
}

// DisableGopool will remove gopool(the goroutine pool used to run the callbacks),
// which means that they will be run via `go f()`.
//
// Deprecated: use Configure() and specify config.Runner instead.
func DisableGopool() error {
	runner.UseGoRunTask()
	return nil
}
