package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smshub-agent/internal/model"
)

func TestDomainMetrics(t *testing.T) {
	r := New()

	r.SetModemStatus("/dev/ttyUSB0", model.ModemBusy)
	r.SetSignalQuality("/dev/ttyUSB0", 52)
	r.ActivationStatus(model.ActivationWaiting)
	r.ActivationStatus(model.ActivationWaiting)
	r.MessageReceived()
	r.MessageDelivered(1500 * time.Millisecond)
	r.MessageFailed()

	assert.Equal(t, 2.0, testutil.ToFloat64(r.modemStatus.WithLabelValues("/dev/ttyUSB0")))
	assert.Equal(t, 52.0, testutil.ToFloat64(r.modemSignal.WithLabelValues("/dev/ttyUSB0")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.activations.WithLabelValues("waiting")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.messages.WithLabelValues(SMSDelivered)))
	assert.Equal(t, 1, testutil.CollectAndCount(r.deliveryTime))

	r.ForgetModem("/dev/ttyUSB0")
	assert.Equal(t, 0, testutil.CollectAndCount(r.modemStatus))
}

func TestNilRecorderIsSafe(t *testing.T) {
	var r *Recorder
	assert.NotPanics(t, func() {
		r.SetModemStatus("p", model.ModemActive)
		r.SetSignalQuality("p", 10)
		r.ForgetModem("p")
		r.ActivationStatus(model.ActivationCompleted)
		r.MessageReceived()
		r.MessageDelivered(time.Second)
		r.MessageFailed()
	})
}

func TestHandlerAndMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := New()
	router := gin.New()
	router.Use(r.GinMiddleware())
	router.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	router.GET("/metrics", gin.WrapH(r.Handler()))

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `http_requests_total{method="GET",route="/healthz",status="204"} 1`))
}
