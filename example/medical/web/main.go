// Command web serves the medical chatbot over HTTP. It owns one long-lived session with the
// chatbot server, shared by every request, and closes it on shutdown.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"

	"github.com/MegaGrindStone/go-mcp-medbot/servers/medical"
)

type options struct {
	medical.Target

	Addr string `long:"addr" description:"listen address" default:":5000"`
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(2)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	if err := run(opts, logger); err != nil {
		logger.Error("web server failed", slog.String("err", err.Error()))
		os.Exit(1)
	}
}

func run(opts options, logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	sess, err := medical.Connect(ctx, opts.Target, logger)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to open session: %w", err)
	}
	defer sess.Close()
	logger.Info("MCP client session initialized once", slog.String("sessionID", sess.ID()))

	a := app{
		assistant: medical.NewAssistant(sess, medical.WithAssistantLogger(logger)),
		renderer:  JSONRenderer{},
		logger:    logger,
	}

	srv := &http.Server{
		Addr:              opts.Addr,
		Handler:           a.routes(),
		ReadHeaderTimeout: 15 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("web server starting", slog.String("addr", opts.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigs:
		logger.Info("shutting down")
	case err := <-errs:
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	return srv.Shutdown(shutdownCtx)
}
