package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dotcommander/yagent/internal/errs"
	"github.com/dotcommander/yagent/internal/server"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 15 * time.Second
)

func newServeCmd(rt *runtime) *cobra.Command {
	var addr string
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve conversations over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if rt.cfgErr != nil {
				return rt.cfgErr
			}
			if addr != "" {
				rt.cfg.Serve.Addr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			e, err := rt.newEngine(nil)
			if err != nil {
				return err
			}
			defer e.Close() //nolint:errcheck

			if err := e.Connect(ctx, nil); err != nil {
				e.Logger.Warn("serving without some mcp servers", zap.Error(err))
			}

			ln, err := net.Listen("tcp", rt.cfg.Serve.Addr)
			if err != nil {
				return errs.Wrapf(err, "Could not listen on %s.", rt.cfg.Serve.Addr)
			}
			if !rt.cfg.Quiet {
				fmt.Fprintln(cmd.ErrOrStderr(), "Listening on", "http://"+ln.Addr().String())
			}
			return serve(ctx, ln, server.New(e, e.Registry, e.Logger), e.Logger)
		},
	}
	serveCmd.Flags().StringVar(&addr, "addr", "", "Address to listen on")
	return serveCmd
}

// serve runs the API on ln until ctx is done, then shuts down gracefully.
func serve(ctx context.Context, ln net.Listener, h http.Handler, logger *zap.Logger) error {
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: readHeaderTimeout,
		ErrorLog:          zap.NewStdLog(logger.Named("http")),
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	logger.Info("serving", zap.String("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errs.Wrap(err, "The HTTP server stopped.")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errs.Wrap(err, "Could not shut down the HTTP server.")
	}
	logger.Info("stopped serving")
	return nil
}
