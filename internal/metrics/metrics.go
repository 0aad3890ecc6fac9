package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"tankwatch/internal/models"
	"tankwatch/internal/telemetry"
)

// Collectors holds every pipeline metric. It satisfies telemetry.Observer.
type Collectors struct {
	batches       *prometheus.CounterVec
	readings      *prometheus.CounterVec
	parseErrors   *prometheus.CounterVec
	connection    *prometheus.GaugeVec
	tanks         prometheus.Gauge
	tankVolume    *prometheus.GaugeVec
	tankFlow      *prometheus.GaugeVec
	totalVolume   prometheus.Gauge
	totalMass     prometheus.Gauge
	transitions   *prometheus.CounterVec
	alarmState    prometheus.Gauge
	fallbacks     prometheus.Counter
	notifications *prometheus.CounterVec
	storageErrors *prometheus.CounterVec
	cycle         prometheus.Histogram
}

var connectionStates = []models.ConnectionStatus{models.StatusConnected, models.StatusDisconnected, models.StatusError}

var alarmLevels = map[models.AlarmState]float64{
	models.AlarmNormal:           0,
	models.AlarmPreAlarm:         1,
	models.AlarmTargetReached:    2,
	models.AlarmOvershootWarning: 3,
	models.AlarmOvershootAlarm:   4,
}

func New(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tankwatch_telemetry_batches_total",
			Help: "Telemetry batches received, by source.",
		}, []string{"source"}),
		readings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tankwatch_telemetry_readings_total",
			Help: "Tank readings received, by source.",
		}, []string{"source"}),
		parseErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tankwatch_telemetry_parse_errors_total",
			Help: "Malformed telemetry messages dropped, by source.",
		}, []string{"source"}),
		connection: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tankwatch_telemetry_connection",
			Help: "1 for the current telemetry connection status.",
		}, []string{"status"}),
		tanks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tankwatch_tanks_monitored",
			Help: "Tanks in the latest snapshot.",
		}),
		tankVolume: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tankwatch_tank_volume_liters",
			Help: "Observed tank volume.",
		}, []string{"tank"}),
		tankFlow: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tankwatch_tank_flow_liters_per_hour",
			Help: "Estimated tank flow rate; positive while filling.",
		}, []string{"tank"}),
		totalVolume: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tankwatch_total_volume_liters",
			Help: "Sum of all tank volumes.",
		}),
		totalMass: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tankwatch_total_mass_tons",
			Help: "Sum of all corrected tank masses.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tankwatch_alarm_transitions_total",
			Help: "Committed alarm state transitions.",
		}, []string{"from", "to"}),
		alarmState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tankwatch_alarm_state",
			Help: "Alarm state: 0 normal, 1 pre-alarm, 2 target reached, 3 overshoot warning, 4 overshoot alarm.",
		}),
		fallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tankwatch_volume_corrector_fallbacks_total",
			Help: "Mass calculations that used the linear fallback.",
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tankwatch_notifications_total",
			Help: "Alarm notifications by outcome.",
		}, []string{"status"}),
		storageErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tankwatch_storage_errors_total",
			Help: "Failed repository writes by operation.",
		}, []string{"op"}),
		cycle: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tankwatch_pipeline_cycle_seconds",
			Help:    "Time to process one telemetry batch.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
	}
	reg.MustRegister(c.batches, c.readings, c.parseErrors, c.connection, c.tanks, c.tankVolume, c.tankFlow,
		c.totalVolume, c.totalMass, c.transitions, c.alarmState, c.fallbacks, c.notifications, c.storageErrors, c.cycle)
	return c
}

func (c *Collectors) ObserveBatch(source telemetry.Source, readings int) {
	c.batches.WithLabelValues(string(source)).Inc()
	c.readings.WithLabelValues(string(source)).Add(float64(readings))
}

func (c *Collectors) ObserveParseError(source telemetry.Source) {
	c.parseErrors.WithLabelValues(string(source)).Inc()
}

func (c *Collectors) ObserveStatus(status models.ConnectionStatus) {
	for _, s := range connectionStates {
		v := 0.0
		if s == status {
			v = 1
		}
		c.connection.WithLabelValues(string(s)).Set(v)
	}
}

// SetTanks publishes per-tank gauges. Tanks missing from the snapshot are removed.
func (c *Collectors) SetTanks(volumes, flows map[string]float64) {
	c.tankVolume.Reset()
	c.tankFlow.Reset()
	for id, v := range volumes {
		c.tankVolume.WithLabelValues(id).Set(v)
	}
	for id, f := range flows {
		c.tankFlow.WithLabelValues(id).Set(f)
	}
	c.tanks.Set(float64(len(volumes)))
}

func (c *Collectors) SetTotals(volumeLiters, massTons float64) {
	c.totalVolume.Set(volumeLiters)
	c.totalMass.Set(massTons)
}

func (c *Collectors) ObserveTransition(from, to models.AlarmState) {
	c.transitions.WithLabelValues(string(from), string(to)).Inc()
	c.alarmState.Set(alarmLevels[to])
}

func (c *Collectors) AddFallbacks(n int) {
	if n > 0 {
		c.fallbacks.Add(float64(n))
	}
}

func (c *Collectors) ObserveNotification(status string) {
	c.notifications.WithLabelValues(status).Inc()
}

func (c *Collectors) IncStorageError(op string) {
	c.storageErrors.WithLabelValues(op).Inc()
}

func (c *Collectors) ObserveCycle(d time.Duration) {
	c.cycle.Observe(d.Seconds())
}
