// Package influx publishes finished scan positions to InfluxDB.
package influx

import (
	"context"
	"fmt"

	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/influxdata/influxdb-client-go/api"
	"github.com/influxdata/influxdb-client-go/api/write"
	"github.com/w1xm/mumasp/internal/config"
	"github.com/w1xm/mumasp/measurement"
	"go.uber.org/zap"
)

const Measurement = "mumasp.scan"

// Publisher writes one point per record. Writes are batched and
// asynchronous; write errors are logged, not returned.
type Publisher struct {
	client   influxdb2.Client
	writeApi api.WriteApi
}

func New(cfg config.Influx, log *zap.Logger) *Publisher {
	client := influxdb2.NewClient(cfg.Server, cfg.Token)
	writeApi := client.WriteApi(cfg.Org, cfg.Bucket)
	p := &Publisher{client: client, writeApi: writeApi}
	errorsCh := writeApi.Errors()
	go func() {
		for err := range errorsCh {
			log.Warn("InfluxDB write error", zap.Error(err))
		}
	}()
	return p
}

// Point converts a record. Angles are tags so positions can be grouped.
func Point(rec measurement.Record) *write.Point {
	fields := map[string]interface{}{
		"n_triggers":  rec.NTriggers,
		"t_elapsed_s": rec.TElapsedS,
	}
	if rec.TElapsedS > 0 {
		fields["rate_hz"] = float64(rec.NTriggers) / rec.TElapsedS
	}
	return influxdb2.NewPoint(Measurement,
		map[string]string{
			"theta_deg": fmt.Sprintf("%.2f", rec.ThetaDeg),
			"phi_deg":   fmt.Sprintf("%.2f", rec.PhiDeg),
			"version":   rec.Version,
		},
		fields,
		rec.Start(),
	)
}

func (p *Publisher) Publish(ctx context.Context, rec measurement.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.writeApi.WritePoint(Point(rec))
	return nil
}

// Close flushes pending points and releases the client.
func (p *Publisher) Close() {
	p.writeApi.Flush()
	p.client.Close()
}
