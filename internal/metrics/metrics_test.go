package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryCountsAndExposes(t *testing.T) {
	r := NewRegistry()
	r.OTPRequests.WithLabelValues("register", "issued").Inc()
	r.OTPRequests.WithLabelValues("register", "issued").Inc()
	r.SubscriptionTransitions.WithLabelValues("hotels", "active").Inc()

	assert.Equal(t, 2.0, testutil.ToFloat64(r.OTPRequests.WithLabelValues("register", "issued")))

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `otp_requests_total{purpose="register",result="issued"} 2`))
	assert.True(t, strings.Contains(body, `subscription_transitions_total{category="hotels",to="active"} 1`))
}

func TestRegistriesAreIndependent(t *testing.T) {
	a, b := NewRegistry(), NewRegistry()
	a.SMSDispatchFailures.Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.SMSDispatchFailures))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.SMSDispatchFailures))
}
