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
	"time"
)

// OnAccept is called once for each accepted connection, before it is
// registered for reading. The returned context is passed to the other callbacks.
type OnAccept func(ctx context.Context, conn *ClientChannel) context.Context

// OnReadable is called when conn has become readable. The channel is
// non-blocking and readiness is edge-triggered, so OnReadable should read
// until Read returns zero bytes and a nil error.
// A non-nil error, io.EOF included, closes the connection.
type OnReadable func(ctx context.Context, conn *ClientChannel) error

// OnClose is called once when a connection of the server is closed.
type OnClose func(ctx context.Context, conn *ClientChannel)

// Option .
type Option struct {
	f func(*options)
}

type options struct {
	onAccept    OnAccept
	onReadable  OnReadable
	onClose     OnClose
	pollTimeout time.Duration
}

// WithOnAccept registers the OnAccept method to Server.
func WithOnAccept(onAccept OnAccept) Option {
	return Option{func(op *options) {
		op.onAccept = onAccept
	}}
}

// WithOnReadable registers the OnReadable method to Server.
func WithOnReadable(onReadable OnReadable) Option {
	return Option{func(op *options) {
		op.onReadable = onReadable
	}}
}

// WithOnClose registers the OnClose method to Server.
func WithOnClose(onClose OnClose) Option {
	return Option{func(op *options) {
		op.onClose = onClose
	}}
}

// WithPollTimeout bounds each wait of the server reactors, zero waits without bound.
func WithPollTimeout(timeout time.Duration) Option {
	return Option{func(op *options) {
		op.pollTimeout = timeout
	}}
}
