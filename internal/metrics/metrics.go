// Package metrics exposes Prometheus collectors for the sync service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	connectionsCurrent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "synckit_connections_current",
		Help: "Currently open WebSocket connections",
	})

	connectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "synckit_connections_total",
		Help: "Total WebSocket connections accepted",
	})

	connectionsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "synckit_connections_rejected_total",
		Help: "Connections rejected at capacity",
	})

	framesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "synckit_frames_received_total",
		Help: "Frames received from clients by type",
	}, []string{"type"})

	framesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "synckit_frames_sent_total",
		Help: "Frames sent to clients",
	})

	protocolErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "synckit_protocol_errors_total",
		Help: "Malformed or unknown frames received",
	})

	authFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "synckit_auth_failures_total",
		Help: "Failed authentication attempts",
	})

	writesApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "synckit_writes_applied_total",
		Help: "Field writes applied by operation",
	}, []string{"op"})

	deltasBroadcast = promauto.NewCounter(prometheus.CounterOpts{
		Name: "synckit_deltas_broadcast_total",
		Help: "Delta frames broadcast to subscribers",
	})

	ackRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "synckit_ack_retries_total",
		Help: "Delta frames resent after ACK timeout",
	})

	deliveryExhausted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "synckit_delivery_exhausted_total",
		Help: "Deltas abandoned after exhausting retries",
	})

	pendingAcks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "synckit_pending_acks",
		Help: "Outstanding unacknowledged deltas",
	})

	documentsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "synckit_documents_active",
		Help: "Documents held in memory",
	})
)

func IncConnections()           { connectionsCurrent.Inc(); connectionsTotal.Inc() }
func DecConnections()           { connectionsCurrent.Dec() }
func IncConnectionsRejected()   { connectionsRejected.Inc() }
func IncFrameReceived(t string) { framesReceived.WithLabelValues(t).Inc() }
func IncFramesSent()            { framesSent.Inc() }
func IncProtocolErrors()        { protocolErrors.Inc() }
func IncAuthFailures()          { authFailures.Inc() }
func IncWriteApplied(op string) { writesApplied.WithLabelValues(op).Inc() }
func IncDeltasBroadcast()       { deltasBroadcast.Inc() }
func IncAckRetries()            { ackRetries.Inc() }
func IncDeliveryExhausted()     { deliveryExhausted.Inc() }
func SetPendingAcks(n int)      { pendingAcks.Set(float64(n)) }
func SetDocumentsActive(n int)  { documentsActive.Set(float64(n)) }

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
