package tanks

import (
	"math"
	"sort"
	"sync/atomic"
	"time"

	"tankwatch/internal/config"
	"tankwatch/internal/models"
)

const (
	// TrendThresholdMm is the smallest level change reported as movement.
	TrendThresholdMm = 3.0
	// DefaultSampleInterval is the nominal telemetry cadence used to scale trend values.
	DefaultSampleInterval = 3 * time.Second
)

// Store keeps the latest state of every monitored tank. Merge is the only writer;
// readers get the last fully built snapshot.
type Store struct {
	catalogue *config.Catalogue
	interval  time.Duration
	snap      atomic.Pointer[snapshot]
}

type snapshot struct {
	tanks []models.Tank
	byIdx map[int]int
}

type Option func(*Store)

// WithSampleInterval overrides the interval used to convert level deltas to mm/min.
func WithSampleInterval(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.interval = d
		}
	}
}

func NewStore(catalogue *config.Catalogue, opts ...Option) *Store {
	s := &Store{catalogue: catalogue, interval: DefaultSampleInterval}
	for _, o := range opts {
		o(s)
	}
	s.snap.Store(&snapshot{byIdx: map[int]int{}})
	return s
}

// Merge applies a complete batch and replaces the snapshot with the tanks it contains.
func (s *Store) Merge(batch []models.TelemetryReading) []models.Tank {
	prev := s.snap.Load()
	next := &snapshot{
		tanks: make([]models.Tank, 0, len(batch)),
		byIdx: make(map[int]int, len(batch)),
	}
	for _, r := range batch {
		// A repeated channel within one batch is measured against the earlier reading.
		if i, dup := next.byIdx[r.SourceIndex]; dup {
			next.tanks[i] = s.apply(&next.tanks[i], r)
			continue
		}
		var old *models.Tank
		if i, ok := prev.byIdx[r.SourceIndex]; ok {
			old = &prev.tanks[i]
		}
		next.byIdx[r.SourceIndex] = len(next.tanks)
		next.tanks = append(next.tanks, s.apply(old, r))
	}
	s.order(next)
	s.snap.Store(next)
	return cloneTanks(next.tanks)
}

func (s *Store) apply(old *models.Tank, r models.TelemetryReading) models.Tank {
	spec, _ := s.catalogue.Lookup(r.SourceIndex)
	temp := r.TemperatureC
	t := models.Tank{
		ID:             spec.ID,
		Name:           spec.Name,
		Group:          spec.Group,
		SourceIndex:    r.SourceIndex,
		CurrentLevelMm: r.LevelMm,
		MaxCapacityMm:  spec.MaxLevelMm,
		TemperatureC:   &temp,
		LastUpdated:    r.Timestamp,
	}
	if old == nil {
		t.PreviousLevelMm = r.LevelMm
	} else {
		t.PreviousLevelMm = old.CurrentLevelMm
	}
	t.Trend, t.TrendValue = Classify(t.CurrentLevelMm-t.PreviousLevelMm, s.interval)
	return t
}

// Classify maps a level delta over one sample interval to a trend and a rate in mm/min.
func Classify(deltaMm float64, interval time.Duration) (models.Trend, float64) {
	if math.Abs(deltaMm) < TrendThresholdMm {
		return models.TrendStable, 0
	}
	if interval <= 0 {
		interval = DefaultSampleInterval
	}
	rate := math.Abs(deltaMm) / interval.Seconds() * 60
	if deltaMm > 0 {
		return models.TrendLoading, rate
	}
	return models.TrendUnloading, rate
}

func (s *Store) order(sn *snapshot) {
	sort.SliceStable(sn.tanks, func(i, j int) bool {
		pi, pj := s.catalogue.Position(sn.tanks[i].SourceIndex), s.catalogue.Position(sn.tanks[j].SourceIndex)
		if pi < 0 {
			pi = math.MaxInt32
		}
		if pj < 0 {
			pj = math.MaxInt32
		}
		if pi != pj {
			return pi < pj
		}
		return sn.tanks[i].SourceIndex < sn.tanks[j].SourceIndex
	})
	for i, t := range sn.tanks {
		sn.byIdx[t.SourceIndex] = i
	}
}

// Snapshot returns a copy of the current tank set.
func (s *Store) Snapshot() []models.Tank {
	return cloneTanks(s.snap.Load().tanks)
}

func (s *Store) Get(id string) (models.Tank, bool) {
	for _, t := range s.snap.Load().tanks {
		if t.ID == id {
			return cloneTank(t), true
		}
	}
	return models.Tank{}, false
}

// Reset drops every tank. Used when a full reconnect cycle starts over.
func (s *Store) Reset() {
	s.snap.Store(&snapshot{byIdx: map[int]int{}})
}

func cloneTanks(in []models.Tank) []models.Tank {
	out := make([]models.Tank, len(in))
	for i, t := range in {
		out[i] = cloneTank(t)
	}
	return out
}

func cloneTank(t models.Tank) models.Tank {
	if t.TemperatureC != nil {
		v := *t.TemperatureC
		t.TemperatureC = &v
	}
	return t
}
