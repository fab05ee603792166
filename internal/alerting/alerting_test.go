package alerting

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lfrfrfr/beon-guard/pkg/models"
)

type mockChannel struct {
	name string
	err  error
	mu   sync.Mutex
	sent []models.Alert
}

func (m *mockChannel) Name() string {
	return m.name
}

func (m *mockChannel) Send(_ context.Context, alert *models.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, *alert)
	return m.err
}

func (m *mockChannel) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

func newTestDispatcher(channels ...Channel) (*Dispatcher, *time.Time) {
	cfg := DefaultConfig()
	cfg.RatePerSecond = 0
	d := New(cfg, channels...)
	clock := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return clock }
	return d, &clock
}

func TestTriggerCooldown(t *testing.T) {
	ch := &mockChannel{name: "mock"}
	d, clock := newTestDispatcher(ch)
	start := *clock

	if _, ok := d.Trigger("HIGH_ERROR_RATE", models.SeverityHigh, map[string]interface{}{"value": 12.5}); !ok {
		t.Fatal("first Trigger() suppressed")
	}

	*clock = start.Add(4 * time.Minute)
	if _, ok := d.Trigger("HIGH_ERROR_RATE", models.SeverityHigh, nil); ok {
		t.Error("second Trigger() inside cooldown fired")
	}

	// Other types are independent
	if _, ok := d.Trigger("HIGH_REQUEST_VOLUME", models.SeverityMedium, nil); !ok {
		t.Error("different type suppressed")
	}

	*clock = start.Add(5*time.Minute + time.Second)
	if _, ok := d.Trigger("HIGH_ERROR_RATE", models.SeverityHigh, nil); !ok {
		t.Error("Trigger() after cooldown suppressed")
	}

	d.Wait()
	if got := len(d.All()); got != 3 {
		t.Errorf("len(All()) = %d, want 3", got)
	}
	if ch.count() != 3 {
		t.Errorf("channel received %d alerts, want 3", ch.count())
	}
}

func TestAcknowledge(t *testing.T) {
	d, clock := newTestDispatcher()

	a, _ := d.Trigger("HIGH_FAILED_LOGINS", models.SeverityHigh, nil)
	if len(d.Active()) != 1 {
		t.Fatalf("Active() = %d alerts, want 1", len(d.Active()))
	}

	acked, err := d.Acknowledge(a.ID, "ops")
	if err != nil {
		t.Fatalf("Acknowledge() error = %v", err)
	}
	if !acked.Acknowledged || acked.AcknowledgedBy != "ops" || acked.AcknowledgedAt == nil {
		t.Errorf("Acknowledge() = %+v", acked)
	}
	if len(d.Active()) != 0 {
		t.Error("acknowledged alert still active")
	}

	// A second acknowledgement keeps the first one
	*clock = clock.Add(time.Minute)
	again, _ := d.Acknowledge(a.ID, "someone-else")
	if again.AcknowledgedBy != "ops" {
		t.Errorf("AcknowledgedBy = %s, want ops", again.AcknowledgedBy)
	}

	if _, err := d.Acknowledge("missing", "ops"); !errors.Is(err, ErrAlertNotFound) {
		t.Errorf("Acknowledge(missing) error = %v, want ErrAlertNotFound", err)
	}
}

func TestActiveWindowAndOrder(t *testing.T) {
	d, clock := newTestDispatcher()
	start := *clock

	d.Trigger("A", models.SeverityLow, nil)
	*clock = start.Add(30 * time.Minute)
	d.Trigger("B", models.SeverityLow, nil)
	*clock = start.Add(40 * time.Minute)
	d.Trigger("C", models.SeverityLow, nil)

	*clock = start.Add(61 * time.Minute)
	active := d.Active()
	if len(active) != 2 || active[0].Type != "C" || active[1].Type != "B" {
		t.Errorf("Active() = %+v, want [C B]", active)
	}

	st := d.Stats()
	if st.Total != 3 || st.Active != 2 || st.Unacknowledged != 3 {
		t.Errorf("Stats() = %+v", st)
	}
}

func TestPurge(t *testing.T) {
	d, clock := newTestDispatcher()
	start := *clock

	d.Trigger("OLD", models.SeverityLow, nil)
	*clock = start.Add(23 * time.Hour)
	d.Trigger("NEW", models.SeverityLow, nil)

	*clock = start.Add(25 * time.Hour)
	if removed := d.Purge(); removed != 1 {
		t.Errorf("Purge() = %d, want 1", removed)
	}
	all := d.All()
	if len(all) != 1 || all[0].Type != "NEW" {
		t.Errorf("All() = %+v", all)
	}
}

func TestMaxAlertsBound(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxAlerts = 3
	d := New(cfg)

	for _, typ := range []string{"A", "B", "C", "D", "E"} {
		d.Trigger(typ, models.SeverityLow, nil)
	}
	if got := len(d.All()); got != 3 {
		t.Errorf("len(All()) = %d, want 3", got)
	}
}

func TestThrottledNotifications(t *testing.T) {
	ch := &mockChannel{name: "mock"}
	cfg := DefaultConfig()
	cfg.RatePerSecond = 0.001
	cfg.Burst = 2
	d := New(cfg, ch)

	for _, typ := range []string{"A", "B", "C", "D"} {
		if _, ok := d.Trigger(typ, models.SeverityLow, nil); !ok {
			t.Fatalf("Trigger(%s) suppressed", typ)
		}
	}
	d.Wait()

	if ch.count() != 2 {
		t.Errorf("channel received %d alerts, want 2", ch.count())
	}
	if len(d.All()) != 4 {
		t.Error("throttling must not drop the alert records")
	}
}

func TestChannelFailureDoesNotPropagate(t *testing.T) {
	failing := &mockChannel{name: "broken", err: errors.New("boom")}
	ok := &mockChannel{name: "ok"}
	d, _ := newTestDispatcher(failing, ok)

	if _, fired := d.Trigger("X", models.SeverityHigh, nil); !fired {
		t.Fatal("Trigger() suppressed")
	}
	d.Wait()
	if ok.count() != 1 {
		t.Error("healthy channel did not receive the alert")
	}
}

func TestWebhookChannel(t *testing.T) {
	var got struct {
		Source string       `json:"source"`
		Alert  models.Alert `json:"alert"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("Content-Type = %s", r.Header.Get("Content-Type"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	ch := NewWebhookChannel(srv.URL, time.Second)
	alert := &models.Alert{ID: "a1", Type: "HIGH_ERROR_RATE", Severity: models.SeverityHigh}
	if err := ch.Send(context.Background(), alert); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if got.Source != "beon-guard" || got.Alert.ID != "a1" || got.Alert.Type != "HIGH_ERROR_RATE" {
		t.Errorf("payload = %+v", got)
	}
}

func TestWebhookChannelErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	ch := NewWebhookChannel(srv.URL, time.Second)
	if err := ch.Send(context.Background(), &models.Alert{ID: "a2"}); err == nil {
		t.Error("Send() expected error on 502")
	}
}

func TestWebhookChannelTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	ch := NewWebhookChannel(srv.URL, 50*time.Millisecond)
	start := time.Now()
	if err := ch.Send(context.Background(), &models.Alert{ID: "a3"}); err == nil {
		t.Error("Send() expected timeout error")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Send() took %v, want bounded by the client timeout", elapsed)
	}
}

func TestFileChannel(t *testing.T) {
	dir := t.TempDir()
	ch := NewFileChannel(dir)
	ts := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	for _, id := range []string{"a", "b"} {
		if err := ch.Send(context.Background(), &models.Alert{ID: id, Type: "T", Timestamp: ts}); err != nil {
			t.Fatalf("Send() error = %v", err)
		}
	}

	path := ch.Path(ts)
	if want := dir + "/alerts-2024-03-01.log"; path != want {
		t.Errorf("Path() = %s, want %s", path, want)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	var ids []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var a models.Alert
		if err := json.Unmarshal(sc.Bytes(), &a); err != nil {
			t.Fatalf("line %q: %v", sc.Text(), err)
		}
		ids = append(ids, a.ID)
	}
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Errorf("ids = %v, want [a b]", ids)
	}
}

func TestEmailMessage(t *testing.T) {
	ch := NewEmailChannel(EmailConfig{
		Host:       "smtp.example.com",
		From:       "guard@example.com",
		Recipients: []string{"a@example.com", "b@example.com"},
	})
	msg := string(ch.message(&models.Alert{ID: "x", Type: "HIGH_MEMORY_USAGE", Severity: models.SeverityHigh}))

	for _, want := range []string{
		"To: a@example.com, b@example.com\r\n",
		"Subject: [HIGH] Security alert: HIGH_MEMORY_USAGE\r\n",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("message missing %q:\n%s", want, msg)
		}
	}
	if ch.config.Port != 587 {
		t.Errorf("default port = %d, want 587", ch.config.Port)
	}
}
