package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"barkd/internal/eventbus"
	"barkd/internal/storage"
	logx "barkd/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig() Config {
	return Config{RatePerSec: 1000, RetryMax: 2, RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond, AttemptTimeout: time.Second}
}

func barkServer(t *testing.T, handler func(w http.ResponseWriter, r *http.Request, p Payload)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p Payload
		_ = json.NewDecoder(r.Body).Decode(&p)
		handler(w, r, p)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestBarkSendSuccess(t *testing.T) {
	var gotPath string
	var got Payload
	srv := barkServer(t, func(w http.ResponseWriter, r *http.Request, p Payload) {
		gotPath = r.URL.Path
		got = p
		_, _ = w.Write([]byte(`{"code":200,"message":"success","timestamp":1700000000}`))
	})

	gw, err := NewBark(srv.URL+"/", "devkey123", nil)
	require.NoError(t, err)
	sound := "alarm"
	ack, err := gw.Send(context.Background(), Payload{Title: "hi", Body: "there", Sound: &sound})
	require.NoError(t, err)

	assert.Equal(t, "/devkey123", gotPath)
	assert.Equal(t, "hi", got.Title)
	require.NotNil(t, got.Sound)
	assert.Equal(t, "alarm", *got.Sound)
	assert.Nil(t, got.Group)
	assert.Equal(t, 200, ack.Code)
	assert.Equal(t, int64(1700000000), ack.Timestamp)
}

func TestBarkLogicalErrorIsPermanent(t *testing.T) {
	srv := barkServer(t, func(w http.ResponseWriter, r *http.Request, p Payload) {
		_, _ = w.Write([]byte(`{"code":400,"message":"failed to get device token"}`))
	})
	gw, err := NewBark(srv.URL, "k", nil)
	require.NoError(t, err)

	_, err = gw.Send(context.Background(), Payload{Title: "a", Body: "b"})
	var de *DeliveryError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, 400, de.Code)
	assert.ErrorIs(t, err, ErrPermanent)
}

func TestBarkServerErrorIsRetryable(t *testing.T) {
	srv := barkServer(t, func(w http.ResponseWriter, r *http.Request, p Payload) {
		http.Error(w, "boom", http.StatusBadGateway)
	})
	gw, err := NewBark(srv.URL, "k", nil)
	require.NoError(t, err)
	_, err = gw.Send(context.Background(), Payload{Title: "a", Body: "b"})
	var de *DeliveryError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, http.StatusBadGateway, de.Status)
	assert.False(t, errors.Is(err, ErrPermanent))
}

func TestNewBarkRequiresKey(t *testing.T) {
	_, err := NewBark("https://api.day.app", " ", nil)
	assert.Error(t, err)
	_, err = NewBark("", "k", nil)
	assert.Error(t, err)
}

func TestMaskKey(t *testing.T) {
	assert.Equal(t, "abcd...mnop", MaskKey("abcdefghmnop"))
	assert.Equal(t, "***", MaskKey("abcd"))
}

type fakeGateway struct {
	mu    sync.Mutex
	errs  []error
	calls atomic.Int32
}

func (f *fakeGateway) Name() string { return "fake" }

func (f *fakeGateway) Send(ctx context.Context, p Payload) (Ack, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return Ack{}, err
		}
	}
	return Ack{Code: 200, Message: "success"}, nil
}

type countingObserver struct{ ok, fail atomic.Int32 }

func (c *countingObserver) ObserveDelivery(gateway string, ok bool, took time.Duration) {
	if ok {
		c.ok.Add(1)
	} else {
		c.fail.Add(1)
	}
}

func TestDeliverRetriesTransientFailures(t *testing.T) {
	gw := &fakeGateway{errs: []error{&DeliveryError{Gateway: "fake", Status: 503}, &DeliveryError{Gateway: "fake"}}}
	obs := &countingObserver{}
	s := New(fastConfig(), gw, logx.Nop(), nil, nil, WithObserver(obs))

	ack, err := s.Deliver(context.Background(), Payload{Title: "t", Body: "b"})
	require.NoError(t, err)
	assert.Equal(t, 3, ack.Attempts)
	assert.Equal(t, "fake", ack.Gateway)
	assert.Equal(t, int32(3), gw.calls.Load())
	assert.Equal(t, int32(1), obs.ok.Load())
}

func TestDeliverGivesUpAfterRetryMax(t *testing.T) {
	transient := &DeliveryError{Gateway: "fake", Status: 500}
	gw := &fakeGateway{errs: []error{transient, transient, transient, transient}}
	s := New(fastConfig(), gw, logx.Nop(), nil, nil)

	_, err := s.Deliver(context.Background(), Payload{Title: "t", Body: "b"})
	require.Error(t, err)
	assert.Equal(t, int32(3), gw.calls.Load())
}

func TestDeliverDoesNotRetryPermanent(t *testing.T) {
	gw := &fakeGateway{errs: []error{&DeliveryError{Gateway: "fake", Status: 400, Code: 400}}}
	s := New(fastConfig(), gw, logx.Nop(), nil, nil)

	_, err := s.Deliver(context.Background(), Payload{Title: "t", Body: "b"})
	assert.ErrorIs(t, err, ErrPermanent)
	assert.Equal(t, int32(1), gw.calls.Load())
}

func TestDeliverValidatesPayload(t *testing.T) {
	gw := &fakeGateway{}
	s := New(fastConfig(), gw, logx.Nop(), nil, nil)

	_, err := s.Deliver(context.Background(), Payload{Title: "", Body: "b"})
	assert.ErrorIs(t, err, ErrInvalidPayload)
	_, err = s.Deliver(context.Background(), Payload{Title: "t", Body: "  "})
	assert.ErrorIs(t, err, ErrInvalidPayload)
	assert.Equal(t, int32(0), gw.calls.Load())
}

func TestDeliverRecordsHistoryAuditAndEvents(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "audit")}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	gw := &fakeGateway{errs: []error{nil, &DeliveryError{Gateway: "fake", Status: 401, Message: "nope"}}}
	s := New(fastConfig(), gw, logx.Nop(), bus, st)

	ctx := WithJobID(context.Background(), "job-9")
	_, err = s.Deliver(ctx, Payload{Title: "first", Body: "b"})
	require.NoError(t, err)
	_, err = s.Deliver(ctx, Payload{Title: "second", Body: "b"})
	require.Error(t, err)

	recs, err := s.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "second", recs[0].Title)
	assert.False(t, recs[0].OK)
	assert.Equal(t, "job-9", recs[1].JobID)
	assert.True(t, recs[1].OK)

	ev := <-events
	assert.Equal(t, eventbus.DeliverySent, ev.Type)
	ev = <-events
	assert.Equal(t, eventbus.DeliveryFailed, ev.Type)
}

func TestRecentWithoutStore(t *testing.T) {
	s := New(Config{HistorySize: 2, RatePerSec: 1000}, &fakeGateway{}, logx.Nop(), nil, nil)
	for _, title := range []string{"a", "b", "c"} {
		_, err := s.Deliver(context.Background(), Payload{Title: title, Body: "x"})
		require.NoError(t, err)
	}
	recs, err := s.Recent(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "c", recs[0].Title)
	assert.Equal(t, "b", recs[1].Title)
}

func TestTelegramGatewaySends(t *testing.T) {
	var hits atomic.Int32
	var text string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		if v, ok := req["text"].(string); ok {
			text = v
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":7,"date":1700000000,"chat":{"id":42,"type":"private"}}}`))
	}))
	defer srv.Close()

	gw, err := NewTelegram(TelegramConfig{Token: "123:abc", ChatID: 42, APIURL: srv.URL})
	require.NoError(t, err)
	ack, err := gw.Send(context.Background(), Payload{Title: "Deploy", Body: "done"})
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load())
	assert.Equal(t, "Deploy\ndone", text)
	assert.Equal(t, "message_id=7", ack.Message)
}

func TestNewTelegramValidates(t *testing.T) {
	_, err := NewTelegram(TelegramConfig{ChatID: 1})
	assert.Error(t, err)
	_, err = NewTelegram(TelegramConfig{Token: "x"})
	assert.Error(t, err)
}
