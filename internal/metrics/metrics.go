// Package metrics exposes enforcerd status snapshots to Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"pathguard.enforcer/pkg/ipc"
)

const namespace = "pathguard"

var (
	decisionsDesc = prometheus.NewDesc(namespace+"_openat_decisions_total",
		"Enforcement decisions per action and reason.", []string{"action", "reason"}, nil)
	stagedDesc = prometheus.NewDesc(namespace+"_openat_staged_total",
		"Open attempts staged at syscall entry.", nil, nil)
	userReadDesc = prometheus.NewDesc(namespace+"_user_read_failures_total",
		"Failed copies of syscall arguments out of user memory.", nil, nil)
	execDesc = prometheus.NewDesc(namespace+"_exec_events_total",
		"Exec audit events per outcome.", []string{"outcome"}, nil)
	policyEntriesDesc = prometheus.NewDesc(namespace+"_policy_entries",
		"Entries currently in the policy table.", nil, nil)
	policyLinesDesc = prometheus.NewDesc(namespace+"_policy_lines_total",
		"Policy lines processed per result.", []string{"result"}, nil)
	bufferDesc = prometheus.NewDesc(namespace+"_policy_buffer_bytes",
		"Bytes held in the policy text buffer.", nil, nil)
	scrapeErrorDesc = prometheus.NewDesc(namespace+"_scrape_error",
		"1 if the last status snapshot failed.", nil, nil)
)

// Source returns the current daemon status.
type Source func() (ipc.StatusResponse, error)

// Collector converts a status snapshot into metrics on every scrape.
type Collector struct {
	source Source
	log    *logrus.Entry
}

func NewCollector(source Source, log *logrus.Logger) *Collector {
	return &Collector{source: source, log: log.WithField("component", "metrics")}
}

// Describe returns all descriptions of the collector
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		decisionsDesc, stagedDesc, userReadDesc, execDesc,
		policyEntriesDesc, policyLinesDesc, bufferDesc, scrapeErrorDesc,
	} {
		ch <- d
	}
}

// Collect returns the current state of all metrics of the collector
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	st, err := c.source()
	if err != nil {
		c.log.WithError(err).Warn("Status snapshot failed")
		ch <- prometheus.MustNewConstMetric(scrapeErrorDesc, prometheus.GaugeValue, 1)
		return
	}
	ch <- prometheus.MustNewConstMetric(scrapeErrorDesc, prometheus.GaugeValue, 0)

	for _, d := range st.Decisions {
		ch <- prometheus.MustNewConstMetric(decisionsDesc, prometheus.CounterValue, float64(d.Count), d.Action, d.Reason)
	}
	ch <- prometheus.MustNewConstMetric(stagedDesc, prometheus.CounterValue, float64(st.Staged))
	ch <- prometheus.MustNewConstMetric(userReadDesc, prometheus.CounterValue, float64(st.UserReadFailures))

	ch <- prometheus.MustNewConstMetric(execDesc, prometheus.CounterValue, float64(st.ExecReceived), "received")
	ch <- prometheus.MustNewConstMetric(execDesc, prometheus.CounterValue, float64(st.ExecLost), "lost")
	ch <- prometheus.MustNewConstMetric(execDesc, prometheus.CounterValue, float64(st.ExecDropped), "dropped")

	ch <- prometheus.MustNewConstMetric(policyEntriesDesc, prometheus.GaugeValue, float64(st.PolicyEntries))
	ch <- prometheus.MustNewConstMetric(policyLinesDesc, prometheus.CounterValue, float64(st.PolicyLoaded), "loaded")
	ch <- prometheus.MustNewConstMetric(policyLinesDesc, prometheus.CounterValue, float64(st.PolicySkipped), "skipped")
	ch <- prometheus.MustNewConstMetric(bufferDesc, prometheus.GaugeValue, float64(st.BufferUsed))
}

// Serve exposes reg on addr under /metrics until ctx is done.
func Serve(ctx context.Context, addr string, reg *prometheus.Registry, log *logrus.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	})
	defer stop()

	log.WithFields(logrus.Fields{"component": "metrics", "addr": addr}).Info("Metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
