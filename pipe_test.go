package npipe

import (
	"bytes"
	"testing"
	"time"

	"github.com/pipedev/npipe/npipeerrors"

	"github.com/stretchr/testify/assert"
)

// pump runs the dispatcher until cond holds or the deadline elapses.
func pump(t *testing.T, ioc *IO, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached")
		}
		ioc.RunOneFor(10 * time.Millisecond)
	}
}

func messagePipeConfig() PipeConfig {
	return PipeConfig{
		Sharing:      ShareRead | ShareWrite,
		MaxInstances: 4,
		InSize:       4096,
		OutSize:      4096,
		Flags:        MessageStreamWrite | MessageStreamRead,
	}
}

func bytePipeConfig() PipeConfig {
	return PipeConfig{
		Sharing:      ShareRead | ShareWrite,
		MaxInstances: 4,
		InSize:       4096,
		OutSize:      4096,
	}
}

// connectedPair creates one server instance and a connected client.
func connectedPair(t *testing.T, ioc *IO, cfg PipeConfig) (*Device, *Server, *Client) {
	t.Helper()

	dev := NewDevice(ioc)
	server, err := dev.CreatePipe("test", cfg)
	if err != nil {
		t.Fatal(err)
	}

	listened := false
	server.AsyncListen(func(err error) {
		if err != nil {
			t.Fatal(err)
		}
		listened = true
	})

	client, err := dev.Connect("test", AccessRead|AccessWrite)
	if err != nil {
		t.Fatal(err)
	}
	if !listened {
		t.Fatal("listen did not complete on connect")
	}
	return dev, server, client
}

func TestMessageFramingPreserved(t *testing.T) {
	ioc := MustIO()
	defer ioc.Close()

	_, server, client := connectedPair(t, ioc, messagePipeConfig())
	defer server.Close()
	defer client.Close()

	client.AsyncWrite([]byte("hello"), func(err error, n int) {
		if err != nil {
			t.Fatal(err)
		}
		if n != 5 {
			t.Fatalf("write acknowledged %d bytes, want 5", n)
		}
	})
	client.AsyncWrite([]byte("abc"), func(err error, n int) {
		if err != nil {
			t.Fatal(err)
		}
	})

	b := make([]byte, 64)
	server.AsyncRead(b, func(err error, n int) {
		if err != nil {
			t.Fatal(err)
		}
		if n != 5 || !bytes.Equal(b[:5], []byte("hello")) {
			t.Fatalf("first read got %q, want hello", b[:n])
		}
	})
	server.AsyncRead(b, func(err error, n int) {
		if err != nil {
			t.Fatal(err)
		}
		// Never merged with the first message.
		if n != 3 || !bytes.Equal(b[:3], []byte("abc")) {
			t.Fatalf("second read got %q, want abc", b[:n])
		}
	})
}

func TestMessageReadOverflow(t *testing.T) {
	ioc := MustIO()
	defer ioc.Close()

	_, server, client := connectedPair(t, ioc, messagePipeConfig())
	defer server.Close()
	defer client.Close()

	client.AsyncWrite([]byte("0123456789"), func(err error, n int) {})

	small := make([]byte, 4)
	server.AsyncRead(small, func(err error, n int) {
		if err != npipeerrors.ErrBufferOverflow {
			t.Fatalf("expected overflow, got err=%v", err)
		}
		if n != 4 || !bytes.Equal(small, []byte("0123")) {
			t.Fatalf("overflow read got %q", small[:n])
		}
	})

	rest := make([]byte, 8)
	server.AsyncRead(rest, func(err error, n int) {
		if err != nil {
			t.Fatalf("remainder read failed: %v", err)
		}
		if n != 6 || !bytes.Equal(rest[:6], []byte("456789")) {
			t.Fatalf("remainder read got %q", rest[:n])
		}
	})
}

func TestByteReaderConcatenatesMessages(t *testing.T) {
	ioc := MustIO()
	defer ioc.Close()

	// Message-framed writes, but the server keeps its byte-typed read
	// mode: reads drain across message boundaries.
	cfg := messagePipeConfig()
	cfg.Flags = MessageStreamWrite

	_, server, client := connectedPair(t, ioc, cfg)
	defer server.Close()
	defer client.Close()

	client.AsyncWrite([]byte("hello"), func(err error, n int) {})
	client.AsyncWrite([]byte("abc"), func(err error, n int) {})

	b := make([]byte, 8)
	server.AsyncRead(b, func(err error, n int) {
		if err != nil {
			t.Fatal(err)
		}
		if n != 8 || !bytes.Equal(b, []byte("helloabc")) {
			t.Fatalf("concatenated read got %q", b[:n])
		}
	})
}

func TestByteModeConcatenation(t *testing.T) {
	ioc := MustIO()
	defer ioc.Close()

	_, server, client := connectedPair(t, ioc, bytePipeConfig())
	defer server.Close()
	defer client.Close()

	wrote := 0
	client.AsyncWrite([]byte("hello"), func(err error, n int) {
		if err != nil {
			t.Fatal(err)
		}
		wrote += n
	})
	client.AsyncWrite([]byte("abc"), func(err error, n int) {
		if err != nil {
			t.Fatal(err)
		}
		wrote += n
	})
	pump(t, ioc, func() bool { return wrote == 8 })

	b := make([]byte, 8)
	got := 0
	server.AsyncRead(b, func(err error, n int) {
		if err != nil {
			t.Fatal(err)
		}
		got = n
	})
	pump(t, ioc, func() bool { return got > 0 })

	if got != 8 || !bytes.Equal(b, []byte("helloabc")) {
		t.Fatalf("byte-mode read got %q (%d bytes)", b[:got], got)
	}
}

func TestPendingReadWokenByWrite(t *testing.T) {
	ioc := MustIO()
	defer ioc.Close()

	_, server, client := connectedPair(t, ioc, messagePipeConfig())
	defer server.Close()
	defer client.Close()

	b := make([]byte, 16)
	var completed bool
	server.AsyncRead(b, func(err error, n int) {
		if err != nil {
			t.Fatal(err)
		}
		if n != 4 {
			t.Fatalf("read %d bytes, want 4", n)
		}
		completed = true
	})
	if completed {
		t.Fatal("read completed with nothing buffered")
	}

	// The unrelated write request resumes the suspended read.
	client.AsyncWrite([]byte("ping"), func(err error, n int) {})
	if !completed {
		t.Fatal("pending read not resumed by the peer's write")
	}
}

func TestWriteFlowControl(t *testing.T) {
	ioc := MustIO()
	defer ioc.Close()

	cfg := messagePipeConfig()
	cfg.InSize = 8 // server end acknowledges writes while backlog <= 8

	_, server, client := connectedPair(t, ioc, cfg)
	defer server.Close()
	defer client.Close()

	acked := 0
	client.AsyncWrite([]byte("12345678"), func(err error, n int) {
		assert.NoError(t, err)
		acked++
	})
	assert.Equal(t, 1, acked, "write within the threshold is acknowledged immediately")

	client.AsyncWrite([]byte("abcd"), func(err error, n int) {
		assert.NoError(t, err)
		assert.Equal(t, 4, n)
		acked++
	})
	assert.Equal(t, 1, acked, "write beyond the backlog bound must suspend")

	// Draining the first message brings the backlog back within bound;
	// the suspended write completes even though its bytes are unread.
	b := make([]byte, 8)
	server.AsyncRead(b, func(err error, n int) {
		assert.NoError(t, err)
		assert.Equal(t, 8, n)
	})
	assert.Equal(t, 2, acked, "suspended write not acknowledged after drain")
}

func TestZeroLengthMessage(t *testing.T) {
	ioc := MustIO()
	defer ioc.Close()

	cfg := messagePipeConfig()
	cfg.InSize = 0 // always over threshold, except for empty payloads

	_, server, client := connectedPair(t, ioc, cfg)
	defer server.Close()
	defer client.Close()

	acked := false
	client.AsyncWrite(nil, func(err error, n int) {
		if err != nil {
			t.Fatal(err)
		}
		acked = true
	})
	if !acked {
		t.Fatal("zero-length write must always be acknowledged")
	}

	b := make([]byte, 8)
	read := false
	server.AsyncRead(b, func(err error, n int) {
		if err != nil {
			t.Fatal(err)
		}
		if n != 0 {
			t.Fatalf("read %d bytes from an empty message", n)
		}
		read = true
	})
	if !read {
		t.Fatal("empty message not consumed")
	}
}

func TestNonblockingRead(t *testing.T) {
	ioc := MustIO()
	defer ioc.Close()

	_, server, client := connectedPair(t, ioc, messagePipeConfig())
	defer server.Close()
	defer client.Close()

	if err := server.SetFlags(MessageStreamRead | Nonblocking); err != nil {
		t.Fatal(err)
	}

	b := make([]byte, 8)
	server.AsyncRead(b, func(err error, n int) {
		if err != npipeerrors.ErrWouldBlock {
			t.Fatalf("nonblocking read on empty queue expected=%v given=%v",
				npipeerrors.ErrWouldBlock, err)
		}
	})

	client.AsyncWrite([]byte("data"), func(err error, n int) {})
	server.AsyncRead(b, func(err error, n int) {
		if err != nil || n != 4 {
			t.Fatalf("read after write err=%v n=%d", err, n)
		}
	})
}

func TestPeek(t *testing.T) {
	ioc := MustIO()
	defer ioc.Close()

	_, server, client := connectedPair(t, ioc, messagePipeConfig())
	defer server.Close()
	defer client.Close()

	client.AsyncWrite([]byte("hello"), func(err error, n int) {})
	client.AsyncWrite([]byte("abc"), func(err error, n int) {})

	info, err := server.Peek(2)
	assert.NoError(t, err)
	assert.Equal(t, 8, info.Available)
	assert.Equal(t, 5, info.MessageLength)
	assert.Equal(t, []byte("he"), info.Data)

	// Non-destructive: a full read still sees the whole head message.
	b := make([]byte, 8)
	server.AsyncRead(b, func(err error, n int) {
		assert.NoError(t, err)
		assert.Equal(t, 5, n)
	})
}

func TestPeekByteModeNotSupported(t *testing.T) {
	ioc := MustIO()
	defer ioc.Close()

	_, server, client := connectedPair(t, ioc, bytePipeConfig())
	defer server.Close()
	defer client.Close()

	_, err := server.Peek(16)
	if err != npipeerrors.ErrNotSupported {
		t.Fatalf("peek on a byte-mode end expected=%v given=%v", npipeerrors.ErrNotSupported, err)
	}
}

func TestMessageTooLarge(t *testing.T) {
	ioc := MustIO()
	defer ioc.Close()

	_, server, client := connectedPair(t, ioc, messagePipeConfig())
	defer server.Close()
	defer client.Close()

	huge := make([]byte, maxMessageSize+1)
	client.AsyncWrite(huge, func(err error, n int) {
		if err != npipeerrors.ErrNoMemory {
			t.Fatalf("oversized write expected=%v given=%v", npipeerrors.ErrNoMemory, err)
		}
	})
}
