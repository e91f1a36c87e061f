package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"

	"github.com/memlab/memsim/httpapi"
	"github.com/memlab/memsim/sim"
	"golang.org/x/exp/slog"
)

func main() {
	listenAddr := flag.String("listen", ":8080", "address to serve the simulation API on")
	memorySize := flag.Int("memory-size", sim.DefaultMemorySize, "initial memory size in bytes for every scheme")
	frameSize := flag.Int("frame-size", sim.DefaultFrameSize, "initial frame size in bytes for the paging scheme")
	logJSON := flag.Bool("log-json", false, "emit logs as JSON instead of text")
	logDebug := flag.Bool("log-debug", false, "log every engine operation")
	flag.Parse()

	if *memorySize < 1 || *frameSize < 1 {
		fmt.Fprintln(os.Stderr, "memory-size and frame-size must be positive")
		os.Exit(2)
	}

	level := slog.LevelInfo
	if *logDebug {
		level = slog.LevelDebug
	}
	handlerOptions := slog.HandlerOptions{Level: level}

	var logger *slog.Logger
	if *logJSON {
		logger = slog.New(handlerOptions.NewJSONHandler(os.Stderr))
	} else {
		logger = slog.New(handlerOptions.NewTextHandler(os.Stderr))
	}

	state := sim.New(logger, sim.CreateOptions{
		MemorySize: *memorySize,
		FrameSize:  *frameSize,
	})

	logger.Info("serving memory simulation",
		slog.String("listen", *listenAddr),
		slog.Int("memorySize", *memorySize),
		slog.Int("frameSize", *frameSize),
	)

	err := http.ListenAndServe(*listenAddr, httpapi.NewHandler(state, logger))
	if err != nil {
		logger.Error("server stopped", slog.Any("err", err))
		os.Exit(1)
	}
}
