package npipe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFlushNothingBuffered(t *testing.T) {
	ioc := MustIO()
	defer ioc.Close()

	_, server, client := connectedPair(t, ioc, messagePipeConfig())
	defer server.Close()
	defer client.Close()

	done := false
	server.AsyncFlush(func(err error) {
		assert.Nil(t, err)
		done = true
	})
	assert.True(t, done, "flush with an empty backlog completes inline")
}

func TestMessageFlushCompletesOnConsumption(t *testing.T) {
	ioc := MustIO()
	defer ioc.Close()

	_, server, client := connectedPair(t, ioc, messagePipeConfig())
	defer server.Close()
	defer client.Close()

	server.AsyncWrite([]byte("first"), func(err error, n int) {})
	server.AsyncWrite([]byte("second"), func(err error, n int) {})

	done := false
	server.AsyncFlush(func(err error) {
		assert.Nil(t, err)
		done = true
	})
	assert.False(t, done)

	b := make([]byte, 16)
	client.AsyncRead(b, func(err error, n int) {
		assert.Nil(t, err)
		assert.Equal(t, 5, n)
	})
	assert.False(t, done, "one of two messages drained is not flushed")

	client.AsyncRead(b, func(err error, n int) {
		assert.Nil(t, err)
		assert.Equal(t, 6, n)
	})
	assert.True(t, done, "flush completes with the last consumed byte")
}

func TestClientFlushMessageMode(t *testing.T) {
	ioc := MustIO()
	defer ioc.Close()

	_, server, client := connectedPair(t, ioc, messagePipeConfig())
	defer server.Close()
	defer client.Close()

	client.AsyncWrite([]byte("hello"), func(err error, n int) {})

	done := false
	client.AsyncFlush(func(err error) {
		assert.Nil(t, err)
		done = true
	})
	assert.False(t, done)

	b := make([]byte, 8)
	server.AsyncRead(b, func(err error, n int) {})
	assert.True(t, done)
}

func TestByteFlushPollsUntilDrained(t *testing.T) {
	ioc := MustIO()
	defer ioc.Close()

	_, server, client := connectedPair(t, ioc, bytePipeConfig())
	defer server.Close()
	defer client.Close()

	wrote := false
	server.AsyncWrite([]byte("payload"), func(err error, n int) {
		assert.Nil(t, err)
		wrote = true
	})
	pump(t, ioc, func() bool { return wrote })

	flushed := false
	server.AsyncFlush(func(err error) {
		assert.Nil(t, err)
		flushed = true
	})
	assert.False(t, flushed, "data sits in the stream pair, flush must poll")

	read := false
	b := make([]byte, 16)
	client.AsyncRead(b, func(err error, n int) {
		assert.Nil(t, err)
		read = true
	})
	pump(t, ioc, func() bool { return read })

	// The poller re-checks on a fixed period.
	pump(t, ioc, func() bool { return flushed })
}

func TestByteFlushCompletesOnClientClose(t *testing.T) {
	ioc := MustIO()
	defer ioc.Close()

	_, server, client := connectedPair(t, ioc, bytePipeConfig())
	defer server.Close()

	wrote := false
	server.AsyncWrite([]byte("never read"), func(err error, n int) {
		wrote = true
	})
	pump(t, ioc, func() bool { return wrote })

	flushed := false
	server.AsyncFlush(func(err error) {
		flushed = true
	})
	assert.False(t, flushed)

	// Closing the client takes the unread data with it.
	client.Close()
	assert.True(t, flushed)
}

func TestClientFlushByteModeImmediate(t *testing.T) {
	ioc := MustIO()
	defer ioc.Close()

	_, server, client := connectedPair(t, ioc, bytePipeConfig())
	defer server.Close()
	defer client.Close()

	wrote := false
	client.AsyncWrite([]byte("bytes"), func(err error, n int) {
		wrote = true
	})
	pump(t, ioc, func() bool { return wrote })

	done := false
	client.AsyncFlush(func(err error) {
		assert.Nil(t, err)
		done = true
	})
	assert.True(t, done)
}

func TestByteFlushPeriod(t *testing.T) {
	ioc := MustIO()
	defer ioc.Close()

	_, server, client := connectedPair(t, ioc, bytePipeConfig())
	defer server.Close()
	defer client.Close()

	wrote := false
	server.AsyncWrite([]byte("x"), func(err error, n int) { wrote = true })
	pump(t, ioc, func() bool { return wrote })

	flushed := false
	server.AsyncFlush(func(err error) { flushed = true })

	read := false
	client.AsyncRead(make([]byte, 4), func(err error, n int) { read = true })
	pump(t, ioc, func() bool { return read })

	start := time.Now()
	pump(t, ioc, func() bool { return flushed })
	assert.Less(t, time.Since(start), time.Second)
}
