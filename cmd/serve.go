package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/crestline-labs/dealflow/internal/model"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the ingest and progress-stream server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		mux := http.NewServeMux()

		mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
		})

		mux.HandleFunc("POST /documents", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Filename string `json:"filename"`
				FilePath string `json:"file_path"`
				Subject  string `json:"subject"`
				Sender   string `json:"sender"`
				BodyText string `json:"body_text"`
				OwnerID  string `json:"owner_id"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
				return
			}
			if req.Filename == "" {
				http.Error(w, `{"error":"filename is required"}`, http.StatusBadRequest)
				return
			}
			owner := req.OwnerID
			if owner == "" {
				owner = cfg.Pipeline.OwnerID
			}

			doc, err := env.Store.CreateDocument(r.Context(), model.Document{
				OwnerID:  owner,
				Filename: req.Filename,
				FilePath: req.FilePath,
				Subject:  req.Subject,
				Sender:   req.Sender,
				BodyText: req.BodyText,
			})
			if err != nil {
				zap.L().Error("document create failed", zap.Error(err))
				http.Error(w, `{"error":"create failed"}`, http.StatusInternalServerError)
				return
			}

			// Process asynchronously; progress flows over the event stream.
			go func() {
				outcome, err := env.Orchestrator.Process(ctx, doc.ID)
				if err != nil {
					zap.L().Error("document processing rejected",
						zap.String("document_id", doc.ID),
						zap.Error(err),
					)
					return
				}
				zap.L().Info("document processed",
					zap.String("document_id", doc.ID),
					zap.String("status", string(outcome.Status)),
				)
			}()

			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusAccepted)
			json.NewEncoder(w).Encode(map[string]string{
				"status":      "accepted",
				"document_id": doc.ID,
			})
		})

		mux.HandleFunc("GET /progress", func(w http.ResponseWriter, r *http.Request) {
			flusher, ok := w.(http.Flusher)
			if !ok {
				http.Error(w, "streaming unsupported", http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("Connection", "keep-alive")

			// Replay buffered history so late clients see earlier stages. The
			// snapshot and subscription are atomic, so no frame arrives twice.
			history, events, cancel := env.Bus.SubscribeWithReplay()
			defer cancel()

			for _, event := range history {
				fmt.Fprint(w, event.SSE())
			}
			flusher.Flush()

			for {
				select {
				case <-r.Context().Done():
					return
				case event, ok := <-events:
					if !ok {
						return
					}
					fmt.Fprint(w, event.SSE())
					flusher.Flush()
				}
			}
		})

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: mux,
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			srv.Shutdown(ctx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
