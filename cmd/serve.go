package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sinodata/fundreports/internal/model"
	"github.com/sinodata/fundreports/internal/search"
	"github.com/sinodata/fundreports/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API for search, batch ingestion and report queries",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initApp(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		mux := http.NewServeMux()

		mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})

		mux.HandleFunc("POST /api/search", func(w http.ResponseWriter, r *http.Request) {
			var criteria search.Criteria
			if err := json.NewDecoder(r.Body).Decode(&criteria); err != nil {
				writeError(w, model.WrapKind(model.ErrKindValidation, eris.Wrap(err, "invalid request body")))
				return
			}
			page, err := env.Service.Search(r.Context(), &criteria)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, page)
		})

		mux.HandleFunc("POST /api/tasks", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Refs []model.ReportRef `json:"refs"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, model.WrapKind(model.ErrKindValidation, eris.Wrap(err, "invalid request body")))
				return
			}
			taskID, err := env.Service.EnqueueBatch(r.Context(), req.Refs)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID})
		})

		mux.HandleFunc("GET /api/tasks/{id}", func(w http.ResponseWriter, r *http.Request) {
			task, err := env.Service.TaskStatus(r.Context(), r.PathValue("id"))
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, task)
		})

		mux.HandleFunc("POST /api/tasks/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
			if err := env.Service.CancelTask(r.Context(), r.PathValue("id")); err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
		})

		mux.HandleFunc("GET /api/reports", func(w http.ResponseWriter, r *http.Request) {
			q := r.URL.Query()
			year, _ := strconv.Atoi(q.Get("year"))
			limit, _ := strconv.Atoi(q.Get("limit"))
			records, err := env.Service.ListReports(r.Context(), store.ReportFilter{
				FundCode:   q.Get("fund_code"),
				ReportType: model.ReportType(q.Get("report_type")),
				Year:       year,
				Limit:      limit,
			})
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, records)
		})

		mux.HandleFunc("GET /api/reports/{id}", func(w http.ResponseWriter, r *http.Request) {
			rec, err := env.Service.GetReport(r.Context(), r.PathValue("id"))
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, rec)
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

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case model.KindOf(err) == model.ErrKindValidation:
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
