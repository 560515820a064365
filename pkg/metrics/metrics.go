package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	operations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "circulation_operations_total",
		Help: "Circulation engine operations by outcome.",
	}, []string{"operation", "result"})

	notifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notifications_total",
		Help: "Notification delivery attempts by outcome.",
	}, []string{"result"})
)

// ObserveOperation records one engine call. result is "ok" for a nil error
// and the classified error name otherwise.
func ObserveOperation(operation, result string) {
	operations.WithLabelValues(operation, result).Inc()
}

func ObserveNotification(result string) {
	notifications.WithLabelValues(result).Inc()
}

func Handler() http.Handler {
	return promhttp.Handler()
}
