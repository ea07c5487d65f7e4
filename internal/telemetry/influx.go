// Package telemetry fans sync-loop ticks out to optional time-series
// and snapshot-cache backends. Both sinks are best-effort: a telemetry
// error is logged and never fails a tick. The Influx sink writes through
// the client's non-blocking async API; the snapshot cache's Redis calls
// run inside the tick, so a slow Redis delays it.
package telemetry

import (
	"context"
	"fmt"
	"time"

	aldsync "github.com/Albaraazain/ald-control-system-phase-5-sub000/internal/sync"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"go.uber.org/zap"
)

// InfluxConfig configures the time-series sink.
type InfluxConfig struct {
	URL         string
	Token       string
	Org         string
	Bucket      string
	Measurement string
}

// InfluxSink writes one point per readable parameter per sync tick. It
// implements internal/sync.TelemetrySink.
type InfluxSink struct {
	client      influxdb2.Client
	writeAPI    api.WriteAPI
	measurement string
	log         *zap.Logger
}

// NewInfluxSink connects to InfluxDB and verifies reachability. The
// writer uses the non-blocking async API so a slow bucket never stalls
// the sync loop.
func NewInfluxSink(cfg InfluxConfig, log *zap.Logger) (*InfluxSink, error) {
	if log == nil {
		log = zap.NewNop()
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	health, err := client.Health(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to influxdb: %w", err)
	}
	if health.Status != "pass" {
		client.Close()
		return nil, fmt.Errorf("influxdb health check failed: %s", health.Status)
	}

	measurement := cfg.Measurement
	if measurement == "" {
		measurement = "ald_parameters"
	}

	sink := &InfluxSink{
		client:      client,
		writeAPI:    client.WriteAPI(cfg.Org, cfg.Bucket),
		measurement: measurement,
		log:         log,
	}

	errCh := sink.writeAPI.Errors()
	go func() {
		for err := range errCh {
			log.Warn("influxdb async write error", zap.Error(err))
		}
	}()

	return sink, nil
}

// RecordTick writes one point per sample, tagged by parameter and
// component, plus a tick-level point summarizing read/error/duration.
func (s *InfluxSink) RecordTick(_ context.Context, samples []aldsync.Sample, summary aldsync.TickSummary) {
	for _, sample := range samples {
		p := write.NewPoint(s.measurement,
			map[string]string{"parameter_id": sample.ParameterID, "component": sample.Component},
			map[string]interface{}{"value": sample.Value},
			summary.At)
		s.writeAPI.WritePoint(p)
	}

	tickPoint := write.NewPoint(s.measurement+"_tick",
		map[string]string{},
		map[string]interface{}{
			"params_read": summary.ParamsRead,
			"errors":      summary.Errors,
			"duration_ms": summary.Duration.Milliseconds(),
			"reconciled":  summary.Reconciled,
		},
		summary.At)
	s.writeAPI.WritePoint(tickPoint)
}

// Close flushes pending writes and closes the client.
func (s *InfluxSink) Close() error {
	s.writeAPI.Flush()
	s.client.Close()
	return nil
}
