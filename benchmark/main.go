package main

import (
	"flag"
	"log"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/pipedev/npipe"
	"github.com/pipedev/npipe/npipeerrors"
)

var (
	byteMode = flag.Bool("byte", false, "benchmark a byte-stream pipe instead of a message pipe")
	size     = flag.Int("size", 64, "payload size in bytes")
	batch    = flag.Int("batch", 100_000, "round trips per histogram report")
	reports  = flag.Int("reports", 10, "number of reports before exiting")
)

func main() {
	flag.Parse()

	ioc := npipe.MustIO()
	defer ioc.Close()

	dev := npipe.NewDevice(ioc)

	cfg := npipe.PipeConfig{
		Sharing:      npipe.ShareRead | npipe.ShareWrite,
		MaxInstances: 1,
		InSize:       1 << 16,
		OutSize:      1 << 16,
	}
	if !*byteMode {
		cfg.Flags = npipe.MessageStreamWrite | npipe.MessageStreamRead
	}

	server, err := dev.CreatePipe("bench", cfg)
	if err != nil {
		log.Fatal(err)
	}

	serverBuf := make([]byte, *size)
	var serve func(error, int)
	serve = func(err error, n int) {
		if err != nil {
			log.Fatal(err)
		}
		server.AsyncWrite(serverBuf[:n], func(err error, _ int) {
			if err != nil {
				log.Fatal(err)
			}
		})
		server.AsyncRead(serverBuf, serve)
	}
	server.AsyncListen(func(err error) {
		if err != nil {
			log.Fatal(err)
		}
		server.AsyncRead(serverBuf, serve)
	})

	client, err := dev.Connect("bench", npipe.AccessRead|npipe.AccessWrite)
	if err != nil {
		log.Fatal(err)
	}
	defer client.Close()

	payload := make([]byte, *size)
	reply := make([]byte, *size)
	hist := hdrhistogram.New(1, 10_000_000_000, 1)

	var (
		start time.Time
		done  int
	)
	var roundTrip func()
	roundTrip = func() {
		start = time.Now()
		client.AsyncWrite(payload, func(err error, _ int) {
			if err != nil {
				log.Fatal(err)
			}
		})
		client.AsyncRead(reply, func(err error, n int) {
			if err != nil {
				log.Fatal(err)
			}
			hist.RecordValue(time.Since(start).Nanoseconds())

			done++
			if done%*batch == 0 {
				log.Printf(
					"round trip min/avg/p50/p99/max = %d/%d/%d/%d/%dns",
					hist.Min(),
					int64(hist.Mean()),
					hist.ValueAtQuantile(50.0),
					hist.ValueAtQuantile(99.0),
					hist.Max(),
				)
				hist.Reset()
				if done/(*batch) >= *reports {
					return
				}
			}
			// Posted rather than called: message-mode completions are
			// inline and direct recursion would grow the stack.
			ioc.Post(roundTrip)
		})
	}
	roundTrip()

	for done/(*batch) < *reports {
		if err := ioc.PollOne(); err != nil && err != npipeerrors.ErrTimeout {
			log.Fatal(err)
		}
	}
}
