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

// udsecho is an echo server and client over a unix domain socket.
package main

import (
	"context"
	"flag"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/google/uuid"
	_ "go.uber.org/automaxprocs"
	"go.uber.org/zap"

	"github.com/cloudwego/udspoll"
)

var (
	path    = flag.String("path", "", "socket path, a fresh one under the temp dir when empty")
	mode    = flag.String("mode", "both", "server, client or both")
	message = flag.String("msg", "ping", "message sent by the client")
	debug   = flag.Bool("debug", false, "debug logging")
)

func main() {
	flag.Parse()
	logger := MustLogger(*debug)
	defer logger.Sync()
	udspoll.SetLogger(logger)
	log := logger.Sugar()

	if *path == "" {
		*path = filepath.Join(os.TempDir(), "udsecho-"+uuid.NewString()+".sock")
	}

	switch *mode {
	case "server":
		svr, ln := serve(log)
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		shutdown(log, svr, ln)
	case "client":
		MustNil(log, ping(log))
	case "both":
		svr, ln := serve(log)
		err := ping(log)
		shutdown(log, svr, ln)
		MustNil(log, err)
	default:
		log.Fatalf("unknown mode %q", *mode)
	}
}

func serve(log *zap.SugaredLogger) (*udspoll.Server, *udspoll.ServerChannel) {
	ln, err := udspoll.Listen(*path)
	MustNil(log, err)
	svr, err := udspoll.NewServer(
		udspoll.WithOnAccept(func(ctx context.Context, conn *udspoll.ClientChannel) context.Context {
			log.Infof("accepted %s", conn)
			return ctx
		}),
		udspoll.WithOnReadable(echo),
		udspoll.WithOnClose(func(ctx context.Context, conn *udspoll.ClientChannel) {
			log.Infof("closed %s", conn)
		}),
	)
	MustNil(log, err)
	go func() {
		if err := svr.Serve(ln); err != nil {
			log.Errorf("serve: %v", err)
		}
	}()
	log.Infof("listening on %s", *path)
	return svr, ln
}

func shutdown(log *zap.SugaredLogger, svr *udspoll.Server, ln *udspoll.ServerChannel) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := svr.Shutdown(ctx); err != nil {
		log.Warnf("shutdown: %v", err)
	}
	ln.Close()
	os.Remove(*path)
}

// echo writes back everything readable, the accepted channel is non-blocking.
func echo(ctx context.Context, conn *udspoll.ClientChannel) error {
	buf := udspoll.Allocate(4096)
	defer buf.Release()
	for {
		buf.Clear()
		n, err := conn.ReadBuffer(buf)
		if err != nil || n == 0 {
			return err
		}
		buf.Flip()
		for buf.HasRemaining() {
			n, err = conn.WriteBuffer(buf)
			if err != nil {
				return err
			}
			if n == 0 {
				runtime.Gosched()
			}
		}
	}
}

func ping(log *zap.SugaredLogger) error {
	addr, err := udspoll.ResolveUnixAddr(*path)
	if err != nil {
		return err
	}
	c, err := udspoll.OpenClientChannel()
	if err != nil {
		return err
	}
	defer c.Close()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err = c.ConnectContext(ctx, addr); err != nil {
		return err
	}
	if _, err = c.Write([]byte(*message)); err != nil {
		return err
	}
	reply := make([]byte, len(*message))
	if _, err = io.ReadFull(c, reply); err != nil {
		return err
	}
	log.Infof("reply: %s", reply)
	return nil
}

func MustLogger(debug bool) *zap.Logger {
	cfg := zap.NewDevelopmentConfig()
	if !debug {
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}

func MustNil(log *zap.SugaredLogger, err error) {
	if err != nil {
		log.Fatal(err)
	}
}
