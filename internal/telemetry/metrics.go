package telemetry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Registry = prometheus.NewRegistry()

	HandshakesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "p2ptest",
			Name:      "handshakes_total",
			Help:      "Connection upgrade outcomes by stage.",
		},
		[]string{"stage", "result"},
	)

	GossipMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "p2ptest",
			Name:      "gossip_messages_total",
			Help:      "Gossip messages by direction and result.",
		},
		[]string{"direction", "result"},
	)

	ConnectedPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "p2ptest",
			Name:      "connected_peers",
			Help:      "Peers with a live upgraded connection.",
		},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "p2ptest",
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(HandshakesTotal, GossipMessagesTotal, ConnectedPeers, uptime)
}

// ObserveHandshake records one stage outcome; a nil err counts as "ok".
func ObserveHandshake(stage string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	HandshakesTotal.WithLabelValues(stage, result).Inc()
}

// ObserveGossip records one message passing in or out.
func ObserveGossip(direction, result string) {
	GossipMessagesTotal.WithLabelValues(direction, result).Inc()
}

// MetricsHandler exposes the registry in the Prometheus text format.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// ServeMetrics serves /metrics on addr until ctx is done.
func ServeMetrics(ctx context.Context, addr string, log Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", MetricsHandler())

	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()
	log.Infof("metrics on http://%s/metrics", l.Addr())
	go func() {
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warnf("metrics server: %v", err)
		}
	}()
	return nil
}
