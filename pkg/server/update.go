package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/enocoosync/enocoosync/pkg/coordinator"
	"github.com/enocoosync/enocoosync/pkg/log"
	"github.com/enocoosync/enocoosync/pkg/statistics"
	"github.com/enocoosync/enocoosync/pkg/types"
)

const (
	defaultStatisticPoints = 24
	maxStatisticPoints     = 24 * 31
)

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	data, ok := s.poller.Data()
	if !ok {
		writeJSONError(w, "no dashboard data yet", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, data)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	data, err := s.poller.Update(ctx)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "update failed", slog.Any("error", err))
		if errors.Is(err, coordinator.ErrReauthRequired) {
			writeJSONError(w, "enocoo rejected the configured credentials", http.StatusBadGateway)
			return
		}
		writeJSONError(w, "failed to update dashboard data", http.StatusBadGateway)
		return
	}
	writeJSON(w, data)
}

func (s *Server) handleStatisticsStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.inserter.Status())
}

func (s *Server) handleInsertStatistics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	start := time.Now()
	if err := s.inserter.InsertStatistics(ctx); err != nil {
		if errors.Is(err, statistics.ErrInsertionInProgress) {
			writeJSONError(w, "statistics insertion already in progress", http.StatusConflict)
			return
		}
		log.Ctx(ctx).ErrorContext(ctx, "statistics insertion failed", slog.Any("error", err))
		writeJSONError(w, "statistics insertion failed", http.StatusInternalServerError)
		return
	}
	log.Ctx(ctx).InfoContext(ctx, "statistics inserted", slog.Duration("duration", time.Since(start)))
	writeJSON(w, s.inserter.Status())
}

func (s *Server) handleGetStatistic(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	n := defaultStatisticPoints
	if v := r.URL.Query().Get("n"); v != "" {
		var err error
		n, err = strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSONError(w, "invalid n", http.StatusBadRequest)
			return
		}
		n = min(n, maxStatisticPoints)
	}

	meta, err := s.store.GetMetadata(ctx, id)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get statistic metadata", slog.String("statisticID", id), slog.Any("error", err))
		writeJSONError(w, "failed to get statistic", http.StatusInternalServerError)
		return
	}
	if meta == nil {
		writeJSONError(w, "statistic not found", http.StatusNotFound)
		return
	}
	points, err := s.store.LastStatistics(ctx, id, n)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get statistics", slog.String("statisticID", id), slog.Any("error", err))
		writeJSONError(w, "failed to get statistic", http.StatusInternalServerError)
		return
	}
	writeJSON(w, struct {
		Metadata types.StatisticMetadata `json:"metadata"`
		Points   []types.StatisticPoint  `json:"points"`
	}{
		Metadata: *meta,
		Points:   points,
	})
}
