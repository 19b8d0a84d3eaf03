package broker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryDelayGrowsExponentially(t *testing.T) {
	base := time.Second
	prev := time.Duration(0)
	for n := 0; n < 5; n++ {
		d := RetryDelay(base, n)
		lo := time.Duration(float64(base) * float64(int64(1)<<n) * 0.75)
		hi := time.Duration(float64(base) * float64(int64(1)<<n) * 1.25)
		assert.GreaterOrEqual(t, d, lo, "attempt %d below jitter floor", n)
		assert.LessOrEqual(t, d, hi, "attempt %d above jitter ceiling", n)
		assert.Greater(t, d, prev/2, "attempt %d should not collapse", n)
		prev = d
	}
}

func TestRetryDelayCapped(t *testing.T) {
	for i := 0; i < 100; i++ {
		d := RetryDelay(time.Second, 30)
		assert.LessOrEqual(t, d, 5*time.Minute)
		assert.GreaterOrEqual(t, d, time.Duration(float64(5*time.Minute)*0.75))
	}
}

func TestRetryDelayZeroBaseDefaults(t *testing.T) {
	d := RetryDelay(0, 0)
	assert.GreaterOrEqual(t, d, 750*time.Millisecond)
	assert.LessOrEqual(t, d, 1250*time.Millisecond)
}

func TestRetryQueueNaming(t *testing.T) {
	assert.Equal(t, "payments.validation.retry", RetryQueue(QueueValidation))
	assert.Equal(t, "q.crm.email.v1.retry", RetryQueue(QueueCRMEmail))
}

func TestEveryBindingHasDLX(t *testing.T) {
	for _, b := range bindings {
		assert.NotEmpty(t, b.dlx, "queue %s missing dead-letter exchange", b.queue)
		assert.NotEmpty(t, b.keys, "queue %s has no routing keys", b.queue)
	}
}

func TestDecisionString(t *testing.T) {
	assert.Equal(t, "ack", Ack.String())
	assert.Equal(t, "retry", Retry.String())
	assert.Equal(t, "dead", Dead.String())
}

func TestRetryCountHeaderRoundTrip(t *testing.T) {
	assert.Equal(t, 3, retryCountFrom(map[string]interface{}{headerRetryCount: int32(3)}))
	assert.Equal(t, 7, retryCountFrom(map[string]interface{}{headerRetryCount: int64(7)}))
	assert.Equal(t, 0, retryCountFrom(nil))
	assert.Equal(t, 0, retryCountFrom(map[string]interface{}{headerRetryCount: "junk"}))
}
