package api

import (
	"net/http"
	"strconv"

	"github.com/golang/glog"
	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
)

var (
	routeKey  = tag.MustNewKey("route")
	statusKey = tag.MustNewKey("status")
)

// Metrics wraps a ServeMux, counting requests by matched route pattern and
// response status.
type Metrics struct {
	requestCount     *stats.Int64Measure
	requestCountView *view.View

	inner *http.ServeMux
}

func NewMetrics(inner *http.ServeMux) *Metrics {
	m := &Metrics{}

	m.requestCount = stats.Int64("api/requests", "", stats.UnitDimensionless)
	m.requestCountView = &view.View{
		Name:        "api/requests",
		Description: "Counter of requests that have been handled",

		TagKeys: []tag.Key{routeKey, statusKey},

		Measure:     m.requestCount,
		Aggregation: view.Count(),
	}

	m.inner = inner

	return m
}

func (m *Metrics) RegisterMetrics() error {
	return view.Register(m.requestCountView)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (m *Metrics) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

	// Tag with the pattern rather than the path so IDs don't blow up
	// cardinality.
	_, route := m.inner.Handler(r)
	m.inner.ServeHTTP(rec, r)

	glog.V(1).Infof("Served %s %s route=%q status=%d", r.Method, r.URL.Path, route, rec.status)

	stats.RecordWithOptions(
		r.Context(),
		stats.WithTags(
			tag.Insert(routeKey, route),
			tag.Insert(statusKey, strconv.Itoa(rec.status)),
		),
		stats.WithMeasurements(m.requestCount.M(1)))
}
