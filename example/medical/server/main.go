// Command server runs the medical chatbot MCP server. By default it speaks over its standard
// input and output, so clients launch it as a subprocess; with --transport=sse it serves
// Server-Sent Events over HTTP instead.
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

	mcp "github.com/MegaGrindStone/go-mcp-medbot"
	"github.com/MegaGrindStone/go-mcp-medbot/servers/medical"
)

type options struct {
	Transport string `long:"transport" description:"transport to serve on" choice:"stdio" choice:"sse" default:"stdio"`
	Addr      string `long:"addr" description:"listen address of the SSE transport" default:":8080"`
	BaseURL   string `long:"base-url" description:"public base URL announced to SSE clients" default:"http://localhost:8080"`
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

	if err := run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "medbot-server: %v\n", err)
		os.Exit(1)
	}
}

func run(opts options) error {
	cfg, err := medical.LoadConfig()
	if err != nil {
		return err
	}

	// Stdout carries the protocol, so logs always go to stderr.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))

	med := medical.NewServer(medical.OfflineGenerator{ModelID: cfg.ModelID}, cfg, medical.WithLogger(logger))
	registry, err := med.Registry()
	if err != nil {
		return err
	}
	logger.Info("initialized model", slog.String("model", cfg.ModelID))

	info := mcp.Info{Name: medical.ServerName, Version: "0.1.0"}

	if opts.Transport == "stdio" {
		logger.Info("starting MCP server on stdio transport")
		srv := mcp.NewServer(info, mcp.NewStdIO(os.Stdin, os.Stdout, mcp.WithStdIOLogger(logger)), registry,
			mcp.WithServerLogger(logger))
		srv.Serve()
		return nil
	}

	return serveSSE(opts, info, registry, logger)
}

func serveSSE(opts options, info mcp.Info, registry *mcp.Registry, logger *slog.Logger) error {
	sse := mcp.NewSSEServer(opts.BaseURL+"/message", mcp.WithSSEServerLogger(logger))
	srv := mcp.NewServer(info, sse, registry, mcp.WithServerLogger(logger))

	mux := http.NewServeMux()
	mux.Handle("/sse", sse.HandleSSE())
	mux.Handle("/message", sse.HandleMessage())

	httpSrv := &http.Server{
		Addr:              opts.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
	}

	served := make(chan struct{})
	go func() {
		defer close(served)
		srv.Serve()
	}()

	errs := make(chan error, 1)
	go func() {
		logger.Info("starting MCP server on SSE transport", slog.String("addr", opts.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case <-sigs:
		logger.Info("shutting down")
	case runErr = <-errs:
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("failed to shutdown MCP server", slog.String("err", err.Error()))
	}
	<-served
	if err := httpSrv.Shutdown(ctx); err != nil {
		logger.Error("failed to shutdown HTTP server", slog.String("err", err.Error()))
	}

	return runErr
}
