package respond

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"sentinel/core"
	"sentinel/notify"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestStore(t *testing.T) (*core.CounterStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	store := core.NewCounterStore(mr.Addr(), "", 0, 10, zaptest.NewLogger(t).Sugar())
	t.Cleanup(func() { store.Close() })
	return store, mr
}

type recordingDenylist struct {
	mu  sync.Mutex
	ips []string
}

func (r *recordingDenylist) Deny(ip string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ips = append(r.ips, ip)
}

func TestBlockIPExecutor(t *testing.T) {
	store, mr := newTestStore(t)
	denylist := &recordingDenylist{}
	x := NewBlockIPExecutor(denylist, store, zaptest.NewLogger(t).Sugar())

	action := core.NewAutomatedAction("inc-1", "thr-1", core.ActionBlockIP, map[string]interface{}{
		"ip":       "203.0.113.9",
		"duration": "1h",
	})
	result, err := x.Execute(context.Background(), action)
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.9", result["blocked_ip"])
	assert.Equal(t, []string{"203.0.113.9"}, denylist.ips)

	assert.True(t, mr.Exists("blocked:203.0.113.9"))
	ttl := mr.TTL("blocked:203.0.113.9")
	assert.InDelta(t, time.Hour.Seconds(), ttl.Seconds(), 5)
}

func TestBlockIPExecutor_MissingIPIsPermanent(t *testing.T) {
	store, _ := newTestStore(t)
	x := NewBlockIPExecutor(nil, store, zaptest.NewLogger(t).Sugar())

	action := core.NewAutomatedAction("inc-1", "thr-1", core.ActionBlockIP, nil)
	_, err := x.Execute(context.Background(), action)
	require.Error(t, err)
	assert.False(t, ShouldRetry(err), "configuration errors must not be retried")
}

func TestSuspendUserExecutor(t *testing.T) {
	store, mr := newTestStore(t)
	x := NewSuspendUserExecutor(store, zaptest.NewLogger(t).Sugar())

	action := core.NewAutomatedAction("inc-1", "thr-1", core.ActionSuspendUser, map[string]interface{}{
		"user_id": "mallory",
	})
	result, err := x.Execute(context.Background(), action)
	require.NoError(t, err)
	assert.Equal(t, "mallory", result["suspended_user"])
	assert.True(t, mr.Exists("suspended:mallory"))
}

func TestRevokeTokensExecutor(t *testing.T) {
	store, mr := newTestStore(t)
	x := NewRevokeTokensExecutor(store, zaptest.NewLogger(t).Sugar())

	action := core.NewAutomatedAction("inc-1", "thr-1", core.ActionRevokeTokens, map[string]interface{}{
		"user_id": "mallory",
	})
	result, err := x.Execute(context.Background(), action)
	require.NoError(t, err)
	assert.NotEmpty(t, result["watermark"])
	assert.True(t, mr.Exists("revoked:mallory"))
}

type fixedChannel struct {
	name string
	err  error
}

func (c *fixedChannel) Name() string                         { return c.name }
func (c *fixedChannel) Send(context.Context, notify.Alert) error { return c.err }

func TestSendAlertExecutor_PartialDeliverySucceeds(t *testing.T) {
	notifier := notify.NewNotifier([]notify.Channel{
		&fixedChannel{name: "email"},
		&fixedChannel{name: "pager", err: assert.AnError},
	}, zaptest.NewLogger(t).Sugar())
	x := NewSendAlertExecutor(notifier, zaptest.NewLogger(t).Sugar())

	action := core.NewAutomatedAction("inc-1", "thr-1", core.ActionSendAlert, map[string]interface{}{
		"title":    "containment alert",
		"severity": "high",
	})
	result, err := x.Execute(context.Background(), action)
	require.NoError(t, err, "one delivered channel is a success")
	assert.Equal(t, 1, result["delivered"])

	channels := result["channels"].(map[string]interface{})
	assert.Equal(t, "delivered", channels["email"])
	assert.NotEqual(t, "delivered", channels["pager"])
}

func TestSendAlertExecutor_AllChannelsFailing(t *testing.T) {
	notifier := notify.NewNotifier([]notify.Channel{
		&fixedChannel{name: "email", err: assert.AnError},
	}, zaptest.NewLogger(t).Sugar())
	x := NewSendAlertExecutor(notifier, zaptest.NewLogger(t).Sugar())

	action := core.NewAutomatedAction("inc-1", "thr-1", core.ActionSendAlert, map[string]interface{}{})
	_, err := x.Execute(context.Background(), action)
	assert.Error(t, err)
}

func TestWebhookExecutor(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	x := NewWebhookExecutor(zaptest.NewLogger(t).Sugar())
	action := core.NewAutomatedAction("inc-1", "thr-1", core.ActionWebhook, map[string]interface{}{
		"url": srv.URL + "/hooks/contain",
	})
	result, err := x.Execute(context.Background(), action)
	require.NoError(t, err)
	assert.Equal(t, "/hooks/contain", gotPath)
	assert.Equal(t, http.StatusOK, result["status"])
}

func TestWebhookExecutor_RateLimitedResponseClassifies(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	x := NewWebhookExecutor(zaptest.NewLogger(t).Sugar())
	action := core.NewAutomatedAction("inc-1", "thr-1", core.ActionWebhook, map[string]interface{}{
		"url": srv.URL,
	})
	_, err := x.Execute(context.Background(), action)
	require.Error(t, err)
	assert.Equal(t, ErrorTypeRateLimit, ClassifyError(err))
}

func TestWebhookExecutor_BreakerOpensPerURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	x := NewWebhookExecutor(zaptest.NewLogger(t).Sugar())
	action := core.NewAutomatedAction("inc-1", "thr-1", core.ActionWebhook, map[string]interface{}{
		"url": srv.URL,
	})

	for i := 0; i < 5; i++ {
		_, err := x.Execute(context.Background(), action)
		require.Error(t, err)
	}
	_, err := x.Execute(context.Background(), action)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrCircuitOpen)
}
