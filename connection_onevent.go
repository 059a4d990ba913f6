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
	"errors"
	"io"
	"runtime/debug"
	"sync/atomic"

	"github.com/cloudwego/udspoll/internal/runner"
)

// connection is an accepted channel of a server with its event processing.
//
// onReadable and close share the processing lock, which is a CAS lock and
// can only be cleared by the task running OnReadable.
type connection struct {
	svr        *server
	ch         *ClientChannel
	ctx        context.Context
	fd         int
	processing int32
	again      int32 // readiness arrived while processing
	finished   int32
}

func newConnection(svr *server, ch *ClientChannel) *connection {
	return &connection{
		svr: svr,
		ch:  ch,
		ctx: context.Background(),
		fd:  ch.FD(),
	}
}

// onAccept calls OnAccept and registers the connection with a worker reactor.
func (c *connection) onAccept(accept OnAccept, r *Reactor) (err error) {
	if accept != nil {
		func() {
			defer c.recoverPanic("OnAccept")
			if ctx := accept(c.ctx, c.ch); ctx != nil {
				c.ctx = ctx
			}
		}()
	}
	// OnAccept may close the channel.
	if !c.ch.IsOpen() {
		c.finish()
		return nil
	}
	if _, err = r.Register(c.ch, OpRead, c); err != nil {
		logger.Warnf("UDSPOLL: connection register failed: fd=%d err=%v", c.fd, err)
		c.close()
		return err
	}
	return nil
}

// onReadable starts a processing task, or asks the running one to go around again.
func (c *connection) onReadable() {
	atomic.StoreInt32(&c.again, 1)
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	runner.RunTask(c.ctx, c.process)
}

func (c *connection) process() {
	handler := c.svr.opts.onReadable
	if handler == nil {
		handler = discard
	}
START:
	// NOTE: loop processing, an edge seen while running must not be lost.
	for atomic.SwapInt32(&c.again, 0) == 1 && c.ch.IsOpen() {
		if err := c.handle(handler); err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Debugf("UDSPOLL: OnReadable failed: fd=%d err=%v", c.fd, err)
			}
			c.close()
		}
	}
	// Handling callback if connection has been closed.
	if !c.ch.IsOpen() {
		c.finish()
		return
	}
	// Double check when exiting.
	atomic.StoreInt32(&c.processing, 0)
	if atomic.LoadInt32(&c.again) == 1 {
		if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
			return
		}
		goto START
	}
}

func (c *connection) handle(handler OnReadable) (err error) {
	defer func() {
		if p := recover(); p != nil {
			c.logPanic("OnReadable", p)
			err = Exception(ErrChannelClosed, "panic in OnReadable")
		}
	}()
	return handler(c.ctx, c.ch)
}

// recoverPanic must be deferred directly.
func (c *connection) recoverPanic(where string) {
	if p := recover(); p != nil {
		c.logPanic(where, p)
	}
}

func (c *connection) logPanic(where string, p interface{}) {
	logger.Errorf("UDSPOLL: panic in %s: fd=%d panic=%v\n%s", where, c.fd, p, debug.Stack())
}

// close is the server side close, the processing task runs the close callback.
func (c *connection) close() {
	c.ch.close(poller)
}

// finish runs the close callback once.
func (c *connection) finish() {
	if !atomic.CompareAndSwapInt32(&c.finished, 0, 1) {
		return
	}
	c.svr.connections.CompareAndDelete(c.fd, c)
	if c.ch.isCloseBy(poller) {
		logger.Debugf("UDSPOLL: connection fd=%d closed by server", c.fd)
	} else {
		logger.Debugf("UDSPOLL: connection fd=%d closed by user", c.fd)
	}
	if onClose := c.svr.opts.onClose; onClose != nil {
		defer c.recoverPanic("OnClose")
		onClose(c.ctx, c.ch)
	}
}

// isIdle reports whether no task is processing the connection.
func (c *connection) isIdle() (yes bool) {
	return atomic.LoadInt32(&c.processing) == 0
}

// discard is the OnReadable of a server given none, it drops the input.
func discard(ctx context.Context, conn *ClientChannel) error {
	var buf [512]byte
	for {
		n, err := conn.Read(buf[:])
		if err != nil || n == 0 {
			return err
		}
	}
}
