// internal/app/handlers.go
package app

import (
	"net/http"

	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"

	"github.com/YaganovValera/analytics-system/services/ohlcv-collector/internal/pipeline"
	"github.com/YaganovValera/analytics-system/services/ohlcv-collector/pkg/logger"
)

// streamsHandler отдаёт снимок состояния запросов в JSON.
func streamsHandler(snapshot func() []pipeline.StreamStatus, log *logger.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(snapshot()); err != nil {
			log.WithContext(r.Context()).Warn("streams: encode failed", zap.Error(err))
		}
	})
}
