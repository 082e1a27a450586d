package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/bounceback/backend/cmd/desktop/handlers"
	"github.com/kimhsiao/bounceback/backend/internal/engine"
	"github.com/kimhsiao/bounceback/backend/internal/logging"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, status feed and background sync",
	Long: `Serve the local REST API and the /ws status feed, and run sync passes in
the background: periodically while online, and right after connectivity
returns. Pending queue operations are drained between passes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := engine.Open(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		return serve(ctx, a, cfg.Server.Addr)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// newMux registers every route served by the daemon.
func newMux(a *engine.Engine) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", healthHandler)
	handlers.NewSyncHandler(a.Coordinator, a.Scheduler, a.Dispatcher, a.UserID).Register(mux)
	handlers.NewRecordHandler(a.Records).Register(mux)
	mux.Handle("GET /ws", a.Hub.Handler())
	return mux
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok","service":"bounceback-desktop"}`))
}

// serve runs the HTTP server and the scheduler until ctx is done.
func serve(ctx context.Context, a *engine.Engine, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           newMux(a),
		ReadHeaderTimeout: 10 * time.Second,
	}

	a.Scheduler.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		logging.Info("Desktop server starting", map[string]interface{}{"addr": addr})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logging.Info("Shutting down desktop server", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
