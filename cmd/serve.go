package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/enrich-cli/internal/model"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP enrichment server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		// Background probe loop; stops with the server context.
		go env.Monitor.Run(ctx)

		// Hourly sweep of expired cached results.
		go func() {
			ticker := time.NewTicker(time.Hour)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					n, err := env.Store.DeleteExpiredResults(ctx)
					if err != nil {
						zap.L().Warn("result sweep failed", zap.Error(err))
						continue
					}
					if n > 0 {
						zap.L().Info("swept expired results", zap.Int("deleted", n))
					}
				}
			}
		}()

		r := chi.NewRouter()
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type", "Authorization"},
		}))

		r.Post("/enrich", func(w http.ResponseWriter, req *http.Request) {
			var er model.EnrichmentRequest
			if err := json.NewDecoder(req.Body).Decode(&er); err != nil {
				writeError(w, http.StatusBadRequest, "invalid request body")
				return
			}
			if err := er.Validate(); err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}

			result, err := env.Orchestrator.Enrich(req.Context(), er)
			if err != nil {
				zap.L().Error("enrichment failed",
					zap.String("entity", er.TargetEntityID),
					zap.Error(err),
				)
				writeError(w, http.StatusInternalServerError, "enrichment failed")
				return
			}
			writeJSON(w, http.StatusOK, result)
		})

		r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{
				"status":    "ok",
				"providers": env.Monitor.Snapshot(),
			})
		})

		r.Get("/providers", func(w http.ResponseWriter, req *http.Request) {
			writeJSON(w, http.StatusOK, providerStatus(env))
		})

		r.Get("/costs", func(w http.ResponseWriter, req *http.Request) {
			writeJSON(w, http.StatusOK, costSummary(env))
		})

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: r,
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			_ = srv.Shutdown(ctx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
