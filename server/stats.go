package server

import (
	"expvar"
	"time"
)

// serverVars is published at /debug/vars under "arcrepo".
var serverVars = expvar.NewMap("arcrepo")

// expvarStats is a stats.Client which keeps its counters in an expvar.Map.
// Averages and histograms are kept as a running total and a count.
type expvarStats struct {
	m *expvar.Map
}

func (e expvarStats) BumpSum(key string, val float64) {
	e.m.AddFloat(key, val)
}

func (e expvarStats) BumpAvg(key string, val float64) {
	e.m.AddFloat(key+".total", val)
	e.m.Add(key+".count", 1)
}

func (e expvarStats) BumpHistogram(key string, val float64) {
	e.BumpAvg(key, val)
}

func (e expvarStats) BumpTime(key string) interface {
	End()
} {
	return &timer{c: e, key: key, start: time.Now()}
}

type timer struct {
	c     expvarStats
	key   string
	start time.Time
}

func (t *timer) End() {
	t.c.BumpHistogram(t.key, float64(time.Since(t.start)/time.Millisecond))
}
