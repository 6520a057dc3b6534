package observability

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestObserveSettlement(t *testing.T) {
	before := testutil.ToFloat64(settlementsTotal.WithLabelValues("approve", "pass"))
	ObserveSettlement("approve", "pass", time.Now().Add(-time.Second))
	assert.Equal(t, before+1, testutil.ToFloat64(settlementsTotal.WithLabelValues("approve", "pass")))
}

func TestObserveGateway(t *testing.T) {
	okBefore := testutil.ToFloat64(gatewayCalls.WithLabelValues("capture", "ok"))
	errBefore := testutil.ToFloat64(gatewayCalls.WithLabelValues("capture", "error"))
	ObserveGateway("capture", nil)
	ObserveGateway("capture", errors.New("declined"))
	assert.Equal(t, okBefore+1, testutil.ToFloat64(gatewayCalls.WithLabelValues("capture", "ok")))
	assert.Equal(t, errBefore+1, testutil.ToFloat64(gatewayCalls.WithLabelValues("capture", "error")))
}

func TestObserveTransactionAndHeld(t *testing.T) {
	before := testutil.ToFloat64(transactionsSettled.WithLabelValues("cancel", "ledger_error"))
	ObserveTransaction("cancel", "ledger_error")
	assert.Equal(t, before+1, testutil.ToFloat64(transactionsSettled.WithLabelValues("cancel", "ledger_error")))

	held := testutil.ToFloat64(stakesHeld)
	AddHeld(2500)
	AddHeld(-1)
	assert.Equal(t, held+2500, testutil.ToFloat64(stakesHeld))
}

func TestObserveRequest(t *testing.T) {
	before := testutil.ToFloat64(httpRequests.WithLabelValues("unmatched", "GET", "NotFound"))
	ObserveRequest("", "GET", "NotFound", time.Now())
	assert.Equal(t, before+1, testutil.ToFloat64(httpRequests.WithLabelValues("unmatched", "GET", "NotFound")))
}
