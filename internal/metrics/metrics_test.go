package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gateway-fm/doc-certificate-registry/internal/certificate"
)

func TestReporterCountsIssuances(t *testing.T) {
	r := NewPrometheusReporter()
	var hooked int
	r.OnIssued(func() { hooked++ })

	issuedBefore := testutil.ToFloat64(issuanceTotal.WithLabelValues("issued"))
	conflictBefore := testutil.ToFloat64(issuanceTotal.WithLabelValues("already_issued"))

	r.ObserveIssuance("issued", 120*time.Millisecond)
	r.ObserveIssuance("already_issued", time.Millisecond)
	r.ObserveIssuance("issued", 80*time.Millisecond)

	assert.Equal(t, issuedBefore+2, testutil.ToFloat64(issuanceTotal.WithLabelValues("issued")))
	assert.Equal(t, conflictBefore+1, testutil.ToFloat64(issuanceTotal.WithLabelValues("already_issued")))
	assert.Equal(t, 2, hooked)
}

func TestReporterGauges(t *testing.T) {
	r := NewPrometheusReporter()

	r.ObserveListing(7)
	r.ObserveReconcile(3, 1)

	assert.Equal(t, 7.0, testutil.ToFloat64(listedCertificates))
	assert.Equal(t, 3.0, testutil.ToFloat64(pendingIssuances))
	assert.Equal(t, 1.0, testutil.ToFloat64(duplicateFingerprints))
}

func TestReporterHandler(t *testing.T) {
	r := NewPrometheusReporter()
	r.ObserveListing(2)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "certificate_listed_count 2"))
}

type listerFunc func(ctx context.Context) ([]certificate.EnrichedRecord, error)

func (f listerFunc) List(ctx context.Context) ([]certificate.EnrichedRecord, error) {
	return f(ctx)
}

func TestUpdaterRunsOnTrigger(t *testing.T) {
	calls := make(chan struct{}, 10)
	u := NewUpdater(listerFunc(func(ctx context.Context) ([]certificate.EnrichedRecord, error) {
		calls <- struct{}{}
		return nil, nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	u.Start(ctx)

	u.Trigger()
	select {
	case <-calls:
	case <-time.After(time.Second):
		t.Fatal("updater did not refresh after trigger")
	}
}

func TestUpdaterTriggerDoesNotBlock(t *testing.T) {
	u := NewUpdater(listerFunc(func(ctx context.Context) ([]certificate.EnrichedRecord, error) {
		return nil, nil
	}))

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			u.Trigger()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("trigger blocked without a running updater")
	}
}
