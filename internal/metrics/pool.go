package metrics

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// PoolStatter is satisfied by *pgxpool.Pool.
type PoolStatter interface {
	Stat() *pgxpool.Stat
}

type poolStat struct {
	desc  *prometheus.Desc
	kind  prometheus.ValueType
	value func(*pgxpool.Stat) float64
}

// poolCollector reads a fresh pgxpool snapshot on every scrape, so the
// exported values never go stale between requests.
type poolCollector struct {
	pool  PoolStatter
	stats []poolStat
}

func poolGauge(name, help string, value func(*pgxpool.Stat) float64) poolStat {
	return poolStat{desc: prometheus.NewDesc("promoz_db_pool_"+name, help, nil, nil), kind: prometheus.GaugeValue, value: value}
}

func poolCounter(name, help string, value func(*pgxpool.Stat) float64) poolStat {
	return poolStat{desc: prometheus.NewDesc("promoz_db_pool_"+name, help, nil, nil), kind: prometheus.CounterValue, value: value}
}

// RegisterPoolMetrics exports connection pool statistics for the rule store.
func RegisterPoolMetrics(reg prometheus.Registerer, pool PoolStatter) {
	reg.MustRegister(&poolCollector{
		pool: pool,
		stats: []poolStat{
			poolGauge("acquired", "Database connections currently checked out by rule queries.",
				func(s *pgxpool.Stat) float64 { return float64(s.AcquiredConns()) }),
			poolGauge("idle", "Idle database connections in the pool.",
				func(s *pgxpool.Stat) float64 { return float64(s.IdleConns()) }),
			poolGauge("constructing", "Database connections currently being opened.",
				func(s *pgxpool.Stat) float64 { return float64(s.ConstructingConns()) }),
			poolGauge("total", "Database connections held by the pool in any state.",
				func(s *pgxpool.Stat) float64 { return float64(s.TotalConns()) }),
			poolGauge("max", "Configured pool size limit.",
				func(s *pgxpool.Stat) float64 { return float64(s.MaxConns()) }),
			poolCounter("acquires_total", "Successful connection acquires.",
				func(s *pgxpool.Stat) float64 { return float64(s.AcquireCount()) }),
			poolCounter("empty_acquires_total", "Acquires that had to wait because no idle connection was available.",
				func(s *pgxpool.Stat) float64 { return float64(s.EmptyAcquireCount()) }),
			poolCounter("canceled_acquires_total", "Acquires abandoned because the request context ended first.",
				func(s *pgxpool.Stat) float64 { return float64(s.CanceledAcquireCount()) }),
			poolCounter("acquire_wait_seconds_total", "Time spent waiting to acquire a connection.",
				func(s *pgxpool.Stat) float64 { return s.AcquireDuration().Seconds() }),
		},
	})
}

func (c *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, s := range c.stats {
		ch <- s.desc
	}
}

func (c *poolCollector) Collect(ch chan<- prometheus.Metric) {
	snapshot := c.pool.Stat()
	for _, s := range c.stats {
		ch <- prometheus.MustNewConstMetric(s.desc, s.kind, s.value(snapshot))
	}
}
