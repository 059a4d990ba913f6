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

package udspoll

import (
	"context"
	"runtime"

	"go.uber.org/zap"
)

// global config
var (
	reactorNum      = runtime.GOMAXPROCS(0)/20 + 1
	eventBufferSize = defaultEventBufferSize
	listenBacklog   = defaultBacklog
	loadBalance     = RoundRobin
)

// Config expose some tuning parameters to control the internal behaviors of udspoll.
// Every parameter with the default zero value keeps the default behavior.
type Config struct {
	ReactorNum      int                                 // number of worker reactors of a Server
	EventBufferSize int                                 // events collected per poll by NewReactor
	Backlog         int                                 // listen backlog when Bind is given none
	LoadBalance     LoadBalance                         // load balance for worker reactor picker
	Runner          func(ctx context.Context, f func()) // runner for event handler, most of the time use a goroutine pool.
	Logger          *zap.Logger                         // logger
}
