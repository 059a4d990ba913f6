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
	"testing"

	"golang.org/x/sys/unix"
)

func newIovecs(bs [][]byte) []iovec {
	ivs := make([]iovec, len(bs))
	for i := range bs {
		setIovec(&ivs[i], bs[i])
	}
	return ivs
}

func TestWritev(t *testing.T) {
	r, w := testFdPair(t)
	bs := [][]byte{
		[]byte(""),            // len=0
		[]byte("first line"),  // len=10
		[]byte("second line"), // len=11
		[]byte("third line"),  // len=10
	}
	wn, err := writev(w, newIovecs(bs))
	MustNil(t, err)
	Equal(t, wn, 31)
	var p = make([]byte, 50)
	rn, err := unix.Read(r, p)
	MustNil(t, err)
	Equal(t, rn, 31)
	t.Logf("READ %s", p[:rn])
}

func TestReadv(t *testing.T) {
	r, w := testFdPair(t)
	vs := [][]byte{
		[]byte("first line"),  // len=10
		[]byte("second line"), // len=11
		[]byte("third line"),  // len=10
	}
	w1, _ := unix.Write(w, vs[0])
	w2, _ := unix.Write(w, vs[1])
	w3, _ := unix.Write(w, vs[2])
	Equal(t, w1+w2+w3, 31)

	bs := [][]byte{
		make([]byte, 0),
		make([]byte, 10),
		make([]byte, 11),
		make([]byte, 10),
	}
	rn, err := readv(r, newIovecs(bs))
	MustNil(t, err)
	Equal(t, rn, 31)
	for i, v := range bs {
		t.Logf("READ [%d] %s", i, v)
	}
	Equal(t, string(bs[2]), "second line")
}

func TestReadvWouldBlock(t *testing.T) {
	r, _ := testFdPair(t)
	_, err := readv(r, newIovecs([][]byte{make([]byte, 4)}))
	Equal(t, err, unix.EAGAIN)
	n, err := readv(r, nil)
	MustNil(t, err)
	Equal(t, n, 0)
}

func BenchmarkWritev(b *testing.B) {
	b.StopTimer()
	r, w, err := getSysFdPairs(unix.SOCK_STREAM)
	if err != nil {
		b.Fatal(err)
	}
	defer unix.Close(w)
	message := "hello, world!"
	size := 5
	bs := make([][]byte, size)
	for i := range bs {
		bs[i] = []byte(message)
	}
	ivs := newIovecs(bs)

	go func() {
		defer unix.Close(r)
		buffer := make([]byte, 1024)
		for {
			n, err := unix.Read(r, buffer)
			if (err != nil && err != unix.EAGAIN) || (err == nil && n == 0) {
				return
			}
		}
	}()

	// benchmark
	b.ReportAllocs()
	b.StartTimer()
	for i := 0; i < b.N; i++ {
		writev(w, ivs)
	}
}
