package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"syscall"
	"time"

	nbd "github.com/VladikNeVladik/NBD-Server"
	"github.com/VladikNeVladik/NBD-Server/internal/logging"
)

func main() {
	var (
		exportPath = flag.String("export", "", "path to the backing file (required)")
		listenAddr = flag.String("listen", fmt.Sprintf(":%d", nbd.DefaultPort), "address to listen on")
		exportName = flag.String("name", "default", "advertised export name")
		readOnly   = flag.Bool("readonly", false, "export is read-only")
		verbose    = flag.Bool("v", false, "verbose (debug) logging")
	)
	flag.Parse()

	if *exportPath == "" {
		fmt.Fprintln(os.Stderr, "nbd-server: -export is required")
		os.Exit(1)
	}

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	logger.Info("starting nbd-server", "export", *exportPath, "listen", *listenAddr, "name", *exportName, "readonly", *readOnly)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	options := &nbd.Options{ExportName: *exportName, Logger: logger}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- nbd.Serve(ctx, *listenAddr, *exportPath, *readOnly, options)
	}()

	stackDumpCh := make(chan os.Signal, 1)
	signal.Notify(stackDumpCh, syscall.SIGUSR1)
	go func() {
		for range stackDumpCh {
			buf := make([]byte, 1<<20)
			n := runtime.Stack(buf, true)
			fmt.Fprintf(os.Stderr, "\n=== GOROUTINE STACK DUMP ===\n%s\n=== END ===\n\n", buf[:n])

			filename := fmt.Sprintf("nbd-server-stacks-%d.txt", time.Now().Unix())
			if f, err := os.Create(filename); err == nil {
				f.Write(buf[:n])
				fmt.Fprintf(f, "\n\n=== GOROUTINE PROFILE ===\n")
				pprof.Lookup("goroutine").WriteTo(f, 2)
				f.Close()
				logger.Info("stack trace written to file", "file", filename)
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		if err != nil {
			logger.Error("server exited", "error", err)
			os.Exit(1)
		}
	case <-sigCh:
		logger.Info("received shutdown signal")
		cancel()
		<-serveErr
	}
}
