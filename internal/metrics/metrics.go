package metrics

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the pipeline statistics exported to prometheus.
//
// All methods are safe to call on a nil *Metrics, which records nothing.
type Metrics struct {
	reg *prometheus.Registry

	capturedBytes *prometheus.GaugeVec
	droppedBytes  *prometheus.GaugeVec
	capturing     *prometheus.GaugeVec
	captureStops  *prometheus.CounterVec
	volume        *prometheus.GaugeVec

	framesWritten prometheus.Gauge
	paddedBytes   prometheus.Gauge
	peakLevel     prometheus.Gauge
	gain          prometheus.Gauge

	chunksEmitted prometheus.Counter
	droppedChunks prometheus.Gauge
	relayedChunks prometheus.Counter
	relayErrors   prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	return &Metrics{
		reg: reg,

		capturedBytes: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "livecaption_captured_bytes",
			Help: "Total bytes delivered by the capture device",
		}, []string{"source"}),
		droppedBytes: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "livecaption_dropped_bytes",
			Help: "Total captured bytes discarded because the consumer fell behind",
		}, []string{"source"}),
		capturing: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "livecaption_capturing",
			Help: "1 while the capture device is running",
		}, []string{"source"}),
		captureStops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "livecaption_capture_stops",
			Help: "Count of capture devices that stopped without being asked to",
		}, []string{"source"}),
		volume: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "livecaption_branch_volume",
			Help: "Current mix volume of each source",
		}, []string{"source"}),
		framesWritten: f.NewGauge(prometheus.GaugeOpts{
			Name: "livecaption_frames_written",
			Help: "Frames written to the recording",
		}),
		paddedBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "livecaption_padded_bytes",
			Help: "Bytes of silence inserted into the recording on underrun",
		}),
		peakLevel: f.NewGauge(prometheus.GaugeOpts{
			Name: "livecaption_peak_level",
			Help: "Peak absolute sample value of the mix since the last report",
		}),
		gain: f.NewGauge(prometheus.GaugeOpts{
			Name: "livecaption_autogain",
			Help: "Current automatic gain multiplier",
		}),
		chunksEmitted: f.NewCounter(prometheus.CounterOpts{
			Name: "livecaption_chunks_emitted",
			Help: "Total stream chunks handed to consumers",
		}),
		droppedChunks: f.NewGauge(prometheus.GaugeOpts{
			Name: "livecaption_dropped_chunks",
			Help: "Total stream chunks discarded by full disk queues",
		}),
		relayedChunks: f.NewCounter(prometheus.CounterOpts{
			Name: "livecaption_relayed_chunks",
			Help: "Total chunks sent to the relay endpoint",
		}),
		relayErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "livecaption_relay_errors",
			Help: "Count of failed relay connections and writes",
		}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Snapshot of one capture source.
func (m *Metrics) SetCapture(source string, captured, dropped uint64, capturing bool, volume float32) {
	if m == nil {
		return
	}
	m.capturedBytes.WithLabelValues(source).Set(float64(captured))
	m.droppedBytes.WithLabelValues(source).Set(float64(dropped))
	running := 0.0
	if capturing {
		running = 1
	}
	m.capturing.WithLabelValues(source).Set(running)
	m.volume.WithLabelValues(source).Set(float64(volume))
}

func (m *Metrics) CaptureStopped(source string) {
	if m == nil {
		return
	}
	m.captureStops.WithLabelValues(source).Inc()
}

func (m *Metrics) SetWriter(framesWritten, paddedBytes uint64) {
	if m == nil {
		return
	}
	m.framesWritten.Set(float64(framesWritten))
	m.paddedBytes.Set(float64(paddedBytes))
}

func (m *Metrics) SetLevels(peak float32, gain float64) {
	if m == nil {
		return
	}
	m.peakLevel.Set(float64(peak))
	m.gain.Set(gain)
}

func (m *Metrics) ChunkEmitted() {
	if m == nil {
		return
	}
	m.chunksEmitted.Inc()
}

func (m *Metrics) SetDroppedChunks(n uint64) {
	if m == nil {
		return
	}
	m.droppedChunks.Set(float64(n))
}

func (m *Metrics) ChunkRelayed() {
	if m == nil {
		return
	}
	m.relayedChunks.Inc()
}

func (m *Metrics) RelayError() {
	if m == nil {
		return
	}
	m.relayErrors.Inc()
}

// Serve the /metrics endpoint on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	promHandler := promhttp.InstrumentMetricHandler(
		m.reg, promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{}),
	)
	mux.Handle("/metrics", promHandler)
	hs := http.Server{
		Addr:              addr,
		BaseContext:       func(net.Listener) context.Context { return ctx },
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	slog.Info("exposing prometheus metrics", "addr", addr)
	go func() {
		<-ctx.Done()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		hs.Shutdown(ctx)
	}()
	if err := hs.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}
