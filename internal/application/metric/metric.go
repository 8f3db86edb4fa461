package metric

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP метрики - количество запросов
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Общее количество HTTP запросов",
		},
		[]string{"method", "endpoint", "status"},
	)

	// HTTP метрики - время обработки запросов
	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Время обработки HTTP запросов в секундах",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)

	// HTTP метрики - количество ошибок
	httpErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Общее количество HTTP ошибок",
		},
		[]string{"method", "endpoint", "status"},
	)

	// WS метрики - количество активных соединений
	wsActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ws_active_connections",
			Help: "Количество активных WebSocket соединений",
		},
	)

	presenceMembers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "voice_presence_members",
			Help: "Participants currently subscribed to voice topics",
		},
	)

	// delivery: direct | stored | replayed
	signalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voice_signals_total",
			Help: "Signaling messages handled by the relay",
		},
		[]string{"delivery"},
	)

	signalsPrunedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "voice_signals_pruned_total",
			Help: "Expired signaling rows removed by the janitor",
		},
	)
)

// RecordHTTPMetrics записывает метрики HTTP запроса
func RecordHTTPMetrics(method, endpoint string, status int, duration time.Duration) {
	strStatus := strconv.Itoa(status)

	httpRequestsTotal.WithLabelValues(method, endpoint, strStatus).Inc()
	httpRequestDuration.WithLabelValues(method, endpoint, strStatus).Observe(duration.Seconds())

	// Записываем ошибки (статус >= 400)
	if status >= 400 {
		httpErrorsTotal.WithLabelValues(method, endpoint, strStatus).Inc()
	}
}

func IncrementWSActiveConnections() {
	wsActiveConnections.Inc()
}

func DecrementWSActiveConnections() {
	wsActiveConnections.Dec()
}

func IncrementPresenceMembers() {
	presenceMembers.Inc()
}

func DecrementPresenceMembers() {
	presenceMembers.Dec()
}

func RecordSignal(delivery string) {
	signalsTotal.WithLabelValues(delivery).Inc()
}

func AddSignalsPruned(n int64) {
	signalsPrunedTotal.Add(float64(n))
}
