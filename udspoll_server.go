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
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Server serves the connections accepted by a ServerChannel with callbacks.
// Accepting runs on a reactor of its own, the accepted connections are spread
// over the worker reactors by the configured LoadBalance.
type Server struct {
	sync.Mutex
	opts *options
	svr  *server
	stop chan error
}

// NewServer .
func NewServer(ops ...Option) (*Server, error) {
	opts := &options{}
	for _, do := range ops {
		do.f(opts)
	}
	if opts.pollTimeout < 0 {
		return nil, Exception(ErrInvalidArgument, "poll timeout "+opts.pollTimeout.String())
	}
	return &Server{
		opts: opts,
		stop: make(chan error, 1),
	}, nil
}

// Serve switches ln to non-blocking mode and serves it until Shutdown is
// called or accepting fails. ln is closed by Shutdown.
func (s *Server) Serve(ln *ServerChannel) error {
	s.Lock()
	if s.svr != nil {
		s.Unlock()
		return Exception(ErrServerRunning, ln.String())
	}
	svr := newServer(ln, s.opts, s.quit)
	if err := svr.Run(); err != nil {
		s.Unlock()
		return err
	}
	s.svr = svr
	s.Unlock()
	return s.waitQuit()
}

// Shutdown stops accepting, then closes the idle connections until all are
// closed or ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Lock()
	svr := s.svr
	s.svr = nil
	s.Unlock()

	if svr == nil {
		return nil
	}
	s.quit(nil)
	return svr.Close(ctx)
}

// waitQuit waits for a quit signal
func (s *Server) waitQuit() error {
	return <-s.stop
}

func (s *Server) quit(err error) {
	select {
	case s.stop <- err:
	default:
	}
}

// newServer wrap listener into server, quit will be invoked when server exit.
func newServer(ln *ServerChannel, opts *options, onQuit func(err error)) *server {
	return &server{
		ln:     ln,
		opts:   opts,
		onQuit: onQuit,
	}
}

type server struct {
	ln          *ServerChannel
	opts        *options
	onQuit      func(err error)
	acceptor    *Reactor
	workers     *manager
	connections sync.Map // key=fd, value=*connection
	done        sync.WaitGroup
}

// Run opens the reactors and starts accepting.
func (s *server) Run() (err error) {
	if err = s.ln.SetBlocking(false); err != nil {
		return err
	}
	if s.acceptor, err = NewReactor(); err != nil {
		return err
	}
	if s.workers, err = newManager(reactorNum, loadBalance, s.opts.pollTimeout, s.serve); err != nil {
		s.acceptor.Close()
		return err
	}
	if _, err = s.acceptor.Register(s.ln, OpAccept, s); err != nil {
		s.workers.Close()
		s.acceptor.Close()
		return err
	}
	logger.Infof("UDSPOLL: serving %s with %d reactors", s.ln, s.workers.NumLoops)
	s.done.Add(1)
	go s.acceptLoop()
	return nil
}

func (s *server) acceptLoop() {
	defer s.done.Done()
	msec := pollMillis(s.opts.pollTimeout)
	for {
		if _, err := s.acceptor.Poll(msec); err != nil {
			if !errors.Is(err, ErrReactorClosed) {
				logger.Errorf("UDSPOLL: accept reactor poll failed: %v", err)
				s.onQuit(err)
			}
			return
		}
		selected, err := s.acceptor.SelectedKeys()
		if err != nil {
			return
		}
		if len(selected.Drain()) > 0 {
			if err = s.OnRead(); err != nil && errors.Is(err, ErrChannelClosed) {
				s.onQuit(err)
				return
			}
		}
	}
}

// Close this server with deadline.
func (s *server) Close(ctx context.Context) error {
	s.acceptor.Close()
	s.done.Wait()
	s.ln.Close()

	defer s.workers.Close()
	for {
		activeConn := 0
		s.connections.Range(func(key, value interface{}) bool {
			conn := value.(*connection)
			if conn.isIdle() {
				conn.close()
				conn.finish()
			} else {
				activeConn++
			}
			return true
		})
		if activeConn == 0 { // all connections have been closed
			return nil
		}

		// smart control graceful shutdown check internal
		// we should wait for more time if there are more active connections
		waitTime := time.Millisecond * time.Duration(activeConn)
		if waitTime > time.Second { // max wait time is 1000 ms
			waitTime = time.Millisecond * 1000
		} else if waitTime < time.Millisecond*50 { // min wait time is 50 ms
			waitTime = time.Millisecond * 50
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(waitTime):
			continue
		}
	}
}

// OnRead accepts until no connection is pending, the listener is edge-triggered.
func (s *server) OnRead() error {
	for {
		conn, err := s.ln.Accept()
		if err == nil {
			if conn == nil {
				// EAGAIN if conn and err both nil
				return nil
			}
			s.onAccept(conn)
			continue
		}
		logger.Warnf("UDSPOLL: accept conn failed: %v", err)

		// delay accept when too many open files
		if isOutOfFdErr(err) {
			s.retryAccept()
		}
		return err
	}
}

// retryAccept stops watching the listener and accepts in the background with a backoff.
func (s *server) retryAccept() {
	k := s.ln.KeyFor(s.acceptor)
	if k == nil {
		return
	}
	if err := k.SetInterestOps(0); err != nil {
		logger.Warnf("UDSPOLL: detach listener fd failed: %v", err)
		return
	}
	s.done.Add(1)
	go func() {
		defer s.done.Done()
		retryTimes := []time.Duration{0, 10, 50, 100, 200, 500, 1000} // ms
		retryTimeIndex := 0
		for s.acceptor.IsOpen() {
			if retryTimeIndex > 0 {
				time.Sleep(retryTimes[retryTimeIndex] * time.Millisecond)
			}
			conn, err := s.ln.Accept()
			if err == nil {
				if conn == nil {
					// recovery accept poll loop
					if _, err = s.acceptor.Register(s.ln, OpAccept, s); err != nil {
						logger.Warnf("UDSPOLL: re-register listener fd failed: %v", err)
					}
					return
				}
				s.onAccept(conn)
				retryTimeIndex = 0
				continue
			}
			if errors.Is(err, ErrChannelClosed) {
				return
			}
			if retryTimeIndex+1 < len(retryTimes) {
				retryTimeIndex++
			}
			logger.Warnf("UDSPOLL: re-accept conn failed, err=[%s] and next retrytime=%dms", err.Error(), retryTimes[retryTimeIndex])
		}
	}()
}

func (s *server) onAccept(ch *ClientChannel) {
	if err := ch.SetBlocking(false); err != nil {
		logger.Warnf("UDSPOLL: set non-blocking fd=%d failed: %v", ch.FD(), err)
		ch.Close()
		return
	}
	conn := newConnection(s, ch)
	s.connections.Store(conn.fd, conn)
	_ = conn.onAccept(s.opts.onAccept, s.workers.Pick())
}

// serve is called by the worker reactors.
func (s *server) serve(k *SelectionKey) {
	conn, ok := k.Attachment().(*connection)
	if !ok {
		return
	}
	conn.onReadable()
}

func isOutOfFdErr(err error) bool {
	return errors.Is(err, unix.EMFILE) || errors.Is(err, unix.ENFILE)
}
