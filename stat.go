package mqtt

import (
	"context"
	"encoding/json"
	"github.com/golang-io/requests"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"log"
	"net/http"
	"sync"
	"time"
)

type Stat struct {
	Uptime            prometheus.Counter
	ActiveConnections prometheus.Gauge
	PacketReceived    prometheus.Counter
	ByteReceived      prometheus.Counter
	PacketSent        prometheus.Counter
	ByteSent          prometheus.Counter
}

var (
	stat = Stat{
		Uptime:            prometheus.NewCounter(prometheus.CounterOpts{Name: "mqtt_uptime_seconds", Help: "The uptime in seconds"}),
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{Name: "mqtt_active_client_count", Help: "The active number of MQTT clients"}),
		PacketReceived:    prometheus.NewCounter(prometheus.CounterOpts{Name: "mqtt_received_packets", Help: "The total number of received MQTT packets"}),
		ByteReceived:      prometheus.NewCounter(prometheus.CounterOpts{Name: "mqtt_received_bytes", Help: "The total number of received MQTT bytes"}),
		PacketSent:        prometheus.NewCounter(prometheus.CounterOpts{Name: "mqtt_send_packets", Help: "The total number of send MQTT packets"}),
		ByteSent:          prometheus.NewCounter(prometheus.CounterOpts{Name: "mqtt_send_bytes", Help: "The total number of send MQTT bytes"}),
	}
)

func ServerLog(ctx context.Context, stat *requests.Stat) {
	b, err := json.Marshal(stat.Request.Body)
	log.Printf("%s # body=%s, resp=%v, err=%v", stat.Print(), b, stat.Response.Body, err)
}

func Httpd() error {
	stat.Register()
	stat.RefreshUptime()
	mux := requests.NewServeMux(requests.URL(CONFIG.HTTP.URL), requests.Logf(ServerLog))
	mux.Route("/metrics", promhttp.Handler())
	mux.Pprof()
	s := requests.NewServer(context.Background(), mux, requests.OnStart(func(s *http.Server) {
		log.Printf("http serve: %s", s.Addr)
	}))
	return s.ListenAndServe()
}

func (s *Stat) RefreshUptime() {
	go func() {
		tick := time.NewTicker(time.Second)
		for {
			select {
			case <-tick.C:
				s.Uptime.Inc()
			}
		}
	}()
}

func (s *Stat) Register() {
	prometheus.MustRegister(s.Uptime)
	prometheus.MustRegister(s.ActiveConnections)
	prometheus.MustRegister(s.PacketReceived)
	prometheus.MustRegister(s.ByteReceived)
	prometheus.MustRegister(s.PacketSent)
	prometheus.MustRegister(s.ByteSent)
}

// BrokerMetrics are the session/dispatch-engine gauges the dispatch
// components (D, E, F) update as they run. Kept distinct from Stat,
// which tracks transport-level counters the connection layer owns.
type BrokerMetrics struct {
	SessionsOnline  prometheus.Gauge
	SessionsOffline prometheus.Gauge
	RetainedEntries prometheus.Gauge
	InflightTotal   prometheus.Gauge
	QoS2Pending     prometheus.Gauge
	WillsDispatched prometheus.Counter
	TimersExpired   prometheus.Counter
}

// brokerMetrics is process-global, matching Stat's single package-level
// instance; every Broker created in a process (including across tests)
// reports into the same collectors, registered exactly once.
var brokerMetrics = BrokerMetrics{
	SessionsOnline:  prometheus.NewGauge(prometheus.GaugeOpts{Name: "mqtt_sessions_online", Help: "Sessions with a live connection"}),
	SessionsOffline: prometheus.NewGauge(prometheus.GaugeOpts{Name: "mqtt_sessions_offline", Help: "Sessions persisted without a live connection"}),
	RetainedEntries: prometheus.NewGauge(prometheus.GaugeOpts{Name: "mqtt_retained_entries", Help: "Retained messages currently stored"}),
	InflightTotal:   prometheus.NewGauge(prometheus.GaugeOpts{Name: "mqtt_inflight_total", Help: "Outbound QoS1/2 deliveries awaiting acknowledgment"}),
	QoS2Pending:     prometheus.NewGauge(prometheus.GaugeOpts{Name: "mqtt_qos2_pending", Help: "Received QoS2 packet-ids awaiting PUBREL"}),
	WillsDispatched: prometheus.NewCounter(prometheus.CounterOpts{Name: "mqtt_wills_dispatched", Help: "Will messages published on connection loss"}),
	TimersExpired:   prometheus.NewCounter(prometheus.CounterOpts{Name: "mqtt_timers_expired", Help: "Expiry timers (session, queued message, retained message) that fired"}),
}

var registerBrokerMetricsOnce sync.Once

func newBrokerMetrics() *BrokerMetrics {
	registerBrokerMetricsOnce.Do(func() {
		prometheus.MustRegister(brokerMetrics.SessionsOnline, brokerMetrics.SessionsOffline,
			brokerMetrics.RetainedEntries, brokerMetrics.InflightTotal, brokerMetrics.QoS2Pending,
			brokerMetrics.WillsDispatched, brokerMetrics.TimersExpired)
	})
	return &brokerMetrics
}
