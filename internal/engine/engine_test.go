package engine

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/controlmyspa-bridge/internal/entity"
	"github.com/nerrad567/controlmyspa-bridge/internal/scheduler"
	"github.com/nerrad567/controlmyspa-bridge/internal/spa"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const settle = 5 * time.Second

// fakeAPI is a scripted DeviceAPI recording every call.
type fakeAPI struct {
	mu sync.Mutex

	state    spa.RawState
	lifetime time.Duration

	authErr  error
	fetchErr error
	sendErr  error

	// ackValues is echoed as Ack.Values for every accepted command.
	ackValues map[string]string

	// applyOnSend mutates the device state when a command is accepted.
	applyOnSend func(*spa.RawState, spa.Command)

	// onFetch runs before the nth fetch (1-based) returns.
	onFetch func(n int, s *spa.RawState)

	authCalls  int
	fetchCalls int
	sent       []spa.Command
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{state: baseState(), lifetime: time.Hour}
}

func (f *fakeAPI) Authenticate(context.Context) (spa.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authCalls++
	if f.authErr != nil {
		return spa.Credential{}, f.authErr
	}
	return spa.Credential{AccessToken: "token", TokenType: "bearer", ExpiresIn: f.lifetime}, nil
}

func (f *fakeAPI) FetchState(context.Context) (spa.RawState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchCalls++
	if f.fetchErr != nil {
		return spa.RawState{}, f.fetchErr
	}
	if f.onFetch != nil {
		f.onFetch(f.fetchCalls, &f.state)
	}
	raw := f.state
	raw.Components = slices.Clone(f.state.Components)
	return raw, nil
}

func (f *fakeAPI) SendCommand(_ context.Context, cmd spa.Command) (spa.Ack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return spa.Ack{}, f.sendErr
	}
	f.sent = append(f.sent, cmd)
	if f.applyOnSend != nil {
		f.applyOnSend(&f.state, cmd)
	}
	return spa.Ack{Status: 202, Values: f.ackValues}, nil
}

func (f *fakeAPI) counts() (auth, fetch, sent int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authCalls, f.fetchCalls, len(f.sent)
}

func (f *fakeAPI) set(fn func(f *fakeAPI)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func intPtr(i int) *int { return &i }

func baseState() spa.RawState {
	return spa.RawState{
		SpaID:             "spa-1",
		CurrentTemp:       "100",
		DesiredTemp:       "102",
		TargetDesiredTemp: "102",
		HeaterMode:        "REST",
		TempRange:         "HIGH",
		RangeLimits:       spa.RangeLimits{HighRangeLow: 80, HighRangeHigh: 104, LowRangeLow: 50, LowRangeHigh: 99},
		Online:            true,
		Components: []spa.RawComponent{
			{Type: "LIGHT", Port: 0, Value: "OFF"},
			{Type: "PUMP", Port: 0, Value: "OFF"},
			{Type: "PUMP", Port: 1, Value: "OFF"},
			{Type: "BLOWER", Port: 0, Value: "OFF"},
			{Type: "CIRCULATION_PUMP", Port: 0, Value: "HIGH"},
			{Type: "OZONE", Port: 0, Value: "ON"},
			{Type: "FILTER", Port: 0, Value: "ON", Hour: intPtr(20), Minute: intPtr(0), DurationMinutes: intPtr(120)},
			{Type: "FILTER", Port: 1, Value: "DISABLED", Hour: intPtr(8), Minute: intPtr(0), DurationMinutes: intPtr(0)},
		},
	}
}

type engineOpts struct {
	celsius         bool
	refreshInterval time.Duration
}

func startEngine(t *testing.T, api *fakeAPI, o engineOpts) (*Engine, *scheduler.FakeClock) {
	t.Helper()
	clock := scheduler.NewFakeClock(epoch)
	e, err := New(Options{
		API:             api,
		Clock:           clock,
		Celsius:         o.celsius,
		RefreshInterval: o.refreshInterval,
		SettleDelay:     settle,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(e.Stop)
	return e, clock
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func waitOutcome(t *testing.T, o Outcome) Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	final := o.Wait(ctx)
	if final.State == StatePending {
		t.Fatalf("outcome %s still pending: %v", o.CommandID, final.Err)
	}
	return final
}

func TestNew_RequiresAPI(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Error("New() without API should fail")
	}
}

func TestEngine_Start(t *testing.T) {
	api := newFakeAPI()
	e, clock := startEngine(t, api, engineOpts{})

	auth, fetch, _ := api.counts()
	if auth != 1 || fetch != 1 {
		t.Errorf("auth=%d fetch=%d, want 1 and 1", auth, fetch)
	}
	snap, ok := e.Current()
	if !ok {
		t.Fatal("no snapshot after Start")
	}
	if snap.Version != 1 || snap.SpaID != "spa-1" {
		t.Errorf("snapshot version=%d spa=%q", snap.Version, snap.SpaID)
	}
	if clock.ActiveTimers() != 2 || !e.sched.Has(timerRefresh) || !e.sched.Has(timerRenewal) {
		t.Errorf("timers = %d, want refresh and renewal", clock.ActiveTimers())
	}

	select {
	case got := <-e.Changes():
		if got.Version != 1 {
			t.Errorf("change version = %d, want 1", got.Version)
		}
	default:
		t.Error("initial snapshot not delivered on Changes()")
	}
	if !e.Running() {
		t.Error("Running() = false after Start")
	}
}

func TestEngine_StartInvalidCredentials(t *testing.T) {
	api := newFakeAPI()
	api.authErr = spa.ErrInvalidCredentials

	e, err := New(Options{API: api, Clock: scheduler.NewFakeClock(epoch)})
	if err != nil {
		t.Fatal(err)
	}
	err = e.Start(context.Background())
	if !errors.Is(err, ErrCredentialInvalid) {
		t.Fatalf("Start() error = %v, want ErrCredentialInvalid", err)
	}
	if _, fetch, _ := api.counts(); fetch != 0 {
		t.Errorf("fetch calls = %d, want 0", fetch)
	}
	if e.Running() {
		t.Error("Running() = true after failed Start")
	}
}

func TestEngine_StartFetchFailure(t *testing.T) {
	api := newFakeAPI()
	api.fetchErr = errors.New("connection refused")

	e, _ := New(Options{API: api, Clock: scheduler.NewFakeClock(epoch)})
	if err := e.Start(context.Background()); !errors.Is(err, ErrTransport) {
		t.Fatalf("Start() error = %v, want ErrTransport", err)
	}
}

func TestStore_NormalizesAbsentReadingsAndHeaters(t *testing.T) {
	api := newFakeAPI()
	api.state.CurrentTemp = "NaN"
	api.state.DesiredTemp = "0"
	api.state.TargetDesiredTemp = "-1"

	e, _ := startEngine(t, api, engineOpts{})
	snap, _ := e.Current()

	if snap.CurrentTemp != nil || snap.DesiredTemp != nil || snap.TargetDesiredTemp != nil {
		t.Errorf("absent readings surfaced: %v %v %v", snap.CurrentTemp, snap.DesiredTemp, snap.TargetDesiredTemp)
	}
	heaters := snap.ComponentsOf(spa.Heater)
	if len(heaters) != 2 || heaters[0].Port != 0 || heaters[1].Port != 1 {
		t.Fatalf("heaters = %+v, want ports 0 and 1", heaters)
	}
	for _, h := range heaters {
		if h.Value != spa.ValueOff {
			t.Errorf("heater %d = %q, want OFF", h.Port, h.Value)
		}
	}
}

func TestStore_RefreshFailureKeepsSnapshot(t *testing.T) {
	api := newFakeAPI()
	e, _ := startEngine(t, api, engineOpts{})
	before, _ := e.Current()

	api.set(func(f *fakeAPI) { f.fetchErr = errors.New("timeout") })
	_, err := e.Refresh(context.Background())
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("Refresh() error = %v, want ErrTransport", err)
	}

	after, _ := e.Current()
	if after.Version != before.Version {
		t.Errorf("version changed on failed refresh: %d -> %d", before.Version, after.Version)
	}
	if s := e.Stats(); s.RefreshFailures != 1 {
		t.Errorf("RefreshFailures = %d, want 1", s.RefreshFailures)
	}
}

func TestEngine_ChangesCoalesce(t *testing.T) {
	api := newFakeAPI()
	e, _ := startEngine(t, api, engineOpts{})

	for i := 0; i < 3; i++ {
		if _, err := e.Refresh(context.Background()); err != nil {
			t.Fatal(err)
		}
	}

	got := <-e.Changes()
	if got.Version != 4 {
		t.Errorf("latest change version = %d, want 4", got.Version)
	}
	select {
	case extra := <-e.Changes():
		t.Errorf("stale change %d still queued", extra.Version)
	default:
	}
}

func TestEngine_PeriodicRefresh(t *testing.T) {
	api := newFakeAPI()
	_, clock := startEngine(t, api, engineOpts{refreshInterval: 10 * time.Minute})

	clock.Advance(10 * time.Minute)
	waitFor(t, "periodic refresh", func() bool {
		_, fetch, _ := api.counts()
		return fetch == 2
	})
	if !clock.WaitForTimers(2, time.Second) {
		t.Error("refresh timer not re-armed")
	}
}

func TestDispatch_NotReady(t *testing.T) {
	api := newFakeAPI()
	e, _ := New(Options{API: api, Clock: scheduler.NewFakeClock(epoch)})

	out := e.Dispatch(context.Background(), entity.ComponentKey(spa.Light, 0), "HIGH")
	if out.State != StateRejected || !errors.Is(out.Err, ErrNotReady) {
		t.Errorf("Dispatch() = %s %v, want rejected ErrNotReady", out.State, out.Err)
	}
	if _, _, sent := api.counts(); sent != 0 {
		t.Errorf("sent = %d, want 0", sent)
	}
}

func TestDispatch_InvalidValueMakesNoCalls(t *testing.T) {
	tests := []struct {
		name  string
		key   entity.Key
		value string
	}{
		{name: "light colour", key: entity.ComponentKey(spa.Light, 0), value: "PURPLE"},
		{name: "light ON is not a device value", key: entity.ComponentKey(spa.Light, 0), value: "ON"},
		{name: "missing light", key: entity.ComponentKey(spa.Light, 7), value: "HIGH"},
		{name: "heater not commandable", key: entity.ComponentKey(spa.Heater, 0), value: "ON"},
		{name: "ozone not commandable", key: entity.ComponentKey(spa.Ozone, 0), value: "ON"},
		{name: "temp not numeric", key: entity.SettingKey(entity.SettingDesiredTemp), value: "warm"},
		{name: "temp NaN", key: entity.SettingKey(entity.SettingDesiredTemp), value: "NaN"},
		{name: "temp infinite", key: entity.SettingKey(entity.SettingDesiredTemp), value: "+Inf"},
		{name: "temp negative", key: entity.SettingKey(entity.SettingDesiredTemp), value: "-3"},
		{name: "temp above range", key: entity.SettingKey(entity.SettingDesiredTemp), value: "104.5"},
		{name: "temp below range", key: entity.SettingKey(entity.SettingDesiredTemp), value: "79.9"},
		{name: "heater mode", key: entity.SettingKey(entity.SettingHeaterMode), value: "SLEEP"},
		{name: "temp range", key: entity.SettingKey(entity.SettingTempRange), value: "MEDIUM"},
		{name: "panel lock", key: entity.SettingKey(entity.SettingPanelLock), value: "OPEN"},
		{name: "filter bad hour", key: entity.ComponentKey(spa.Filter, 0), value: "25:00/60"},
		{name: "filter no duration", key: entity.ComponentKey(spa.Filter, 0), value: "10:00"},
		{name: "filter step", key: entity.ComponentKey(spa.Filter, 0), value: "10:00/17"},
		{name: "filter too long", key: entity.ComponentKey(spa.Filter, 0), value: "10:00/1455"},
		{name: "primary filter disabled", key: entity.ComponentKey(spa.Filter, 0), value: "10:00/0"},
		{name: "zero key", key: entity.Key{}, value: "HIGH"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newFakeAPI()
			e, clock := startEngine(t, api, engineOpts{})

			out := e.Dispatch(context.Background(), tt.key, tt.value)
			if out.State != StateRejected || !errors.Is(out.Err, ErrInvalidValue) {
				t.Errorf("Dispatch() = %s %v, want rejected ErrInvalidValue", out.State, out.Err)
			}
			auth, fetch, sent := api.counts()
			if sent != 0 || fetch != 1 || auth != 1 {
				t.Errorf("network calls after invalid value: auth=%d fetch=%d sent=%d", auth, fetch, sent)
			}
			if clock.ActiveTimers() != 2 {
				t.Errorf("timers = %d, want 2", clock.ActiveTimers())
			}
		})
	}
}

func TestDispatch_InlineConfirmsWithoutTimer(t *testing.T) {
	api := newFakeAPI()
	api.ackValues = map[string]string{"LIGHT_0": "HIGH"}
	e, clock := startEngine(t, api, engineOpts{})

	out := e.Dispatch(context.Background(), entity.ComponentKey(spa.Light, 0), "high")
	if out.State != StateConfirmed || out.Err != nil {
		t.Fatalf("Dispatch() = %s %v, want confirmed", out.State, out.Err)
	}

	snap, _ := e.Current()
	if c, _ := snap.Component(spa.Light, 0); c.Value != spa.ValueHigh {
		t.Errorf("light 0 = %q immediately after Dispatch, want HIGH", c.Value)
	}
	if snap.Version != 2 {
		t.Errorf("version = %d, want 2 after inline patch", snap.Version)
	}
	if clock.ActiveTimers() != 2 || e.PendingCount() != 0 {
		t.Errorf("timers=%d pending=%d, want no confirm timer", clock.ActiveTimers(), e.PendingCount())
	}
	if _, fetch, sent := api.counts(); fetch != 1 || sent != 1 {
		t.Errorf("fetch=%d sent=%d, want 1 and 1", fetch, sent)
	}
}

func TestDispatch_HeaterModeReadyInline(t *testing.T) {
	api := newFakeAPI()
	api.ackValues = map[string]string{"HEATERMODE": "READY"}
	e, _ := startEngine(t, api, engineOpts{})
	<-e.Changes()

	out := e.Dispatch(context.Background(), entity.SettingKey(entity.SettingHeaterMode), "READY")
	if out.State != StateConfirmed {
		t.Fatalf("Dispatch() = %s %v, want confirmed", out.State, out.Err)
	}

	select {
	case snap := <-e.Changes():
		if snap.HeaterMode != spa.HeaterReady {
			t.Errorf("changed snapshot heaterMode = %q, want READY", snap.HeaterMode)
		}
	case <-time.After(time.Second):
		t.Fatal("no change emitted after inline patch")
	}

	api.mu.Lock()
	defer api.mu.Unlock()
	if len(api.sent) != 1 || api.sent[0].Kind != spa.CommandToggleHeaterMode {
		t.Errorf("sent = %v, want one toggle", api.sent)
	}
}

func TestDispatch_HeaterModeAlreadySatisfied(t *testing.T) {
	api := newFakeAPI()
	e, _ := startEngine(t, api, engineOpts{})

	out := e.Dispatch(context.Background(), entity.SettingKey(entity.SettingHeaterMode), "rest")
	if out.State != StateConfirmed {
		t.Errorf("Dispatch() = %s, want confirmed", out.State)
	}
	if _, _, sent := api.counts(); sent != 0 {
		t.Errorf("sent = %d, want 0 (toggle would flip the mode)", sent)
	}
}

// toggleHeater makes the fake behave like the device: every toggle flips
// the mode regardless of the requested value.
func toggleHeater(s *spa.RawState, cmd spa.Command) {
	if cmd.Kind != spa.CommandToggleHeaterMode {
		return
	}
	if s.HeaterMode == "READY" {
		s.HeaterMode = "REST"
	} else {
		s.HeaterMode = "READY"
	}
}

func TestDispatch_HeaterModeRepeatedWhilePending(t *testing.T) {
	api := newFakeAPI()
	api.applyOnSend = toggleHeater
	e, clock := startEngine(t, api, engineOpts{})
	key := entity.SettingKey(entity.SettingHeaterMode)

	first := e.Dispatch(context.Background(), key, "READY")
	second := e.Dispatch(context.Background(), key, "READY")
	if first.State != StatePending || second.State != StatePending {
		t.Fatalf("states = %s, %s, want both pending", first.State, second.State)
	}
	if _, _, sent := api.counts(); sent != 1 {
		t.Fatalf("sent = %d, want one toggle", sent)
	}

	clock.Advance(settle)
	for _, o := range []Outcome{first, second} {
		if final := waitOutcome(t, o); final.State != StateConfirmed {
			t.Errorf("%s final = %s %v, want confirmed", o.CommandID, final.State, final.Err)
		}
	}
	api.mu.Lock()
	mode := api.state.HeaterMode
	api.mu.Unlock()
	if mode != "READY" {
		t.Errorf("device heaterMode = %s, want READY", mode)
	}

	third := e.Dispatch(context.Background(), key, "READY")
	if third.State != StateConfirmed {
		t.Errorf("after confirmation Dispatch() = %s, want confirmed", third.State)
	}
	if _, _, sent := api.counts(); sent != 1 {
		t.Errorf("sent = %d after satisfied command, want 1", sent)
	}
}

func TestDispatch_HeaterModeReversedWhilePending(t *testing.T) {
	api := newFakeAPI()
	api.applyOnSend = toggleHeater
	e, _ := startEngine(t, api, engineOpts{})
	key := entity.SettingKey(entity.SettingHeaterMode)

	// The snapshot still says REST, but the in-flight toggle will leave the
	// heater READY, so asking for REST must toggle again.
	e.Dispatch(context.Background(), key, "READY")
	back := e.Dispatch(context.Background(), key, "REST")
	if back.State != StatePending {
		t.Fatalf("Dispatch(REST) = %s %v, want pending", back.State, back.Err)
	}
	api.mu.Lock()
	defer api.mu.Unlock()
	if len(api.sent) != 2 || api.state.HeaterMode != "REST" {
		t.Errorf("sent = %d device = %s, want 2 toggles ending at REST", len(api.sent), api.state.HeaterMode)
	}
}

func TestDispatch_HeaterToggleReleasedOnSendFailure(t *testing.T) {
	api := newFakeAPI()
	api.sendErr = errors.New("HTTP 500")
	e, _ := startEngine(t, api, engineOpts{})
	key := entity.SettingKey(entity.SettingHeaterMode)

	if out := e.Dispatch(context.Background(), key, "READY"); out.State != StateRejected {
		t.Fatalf("Dispatch() = %s, want rejected", out.State)
	}

	api.set(func(f *fakeAPI) { f.sendErr = nil })
	if out := e.Dispatch(context.Background(), key, "READY"); out.State != StatePending {
		t.Errorf("retry Dispatch() = %s %v, want pending (toggle sent)", out.State, out.Err)
	}
	if _, _, sent := api.counts(); sent != 1 {
		t.Errorf("sent = %d, want 1", sent)
	}
}

func TestDispatch_AsyncMismatchUsesSingleFallback(t *testing.T) {
	api := newFakeAPI()
	e, clock := startEngine(t, api, engineOpts{})

	out := e.Dispatch(context.Background(), entity.ComponentKey(spa.Pump, 1), "HIGH")
	if out.State != StatePending {
		t.Fatalf("Dispatch() = %s %v, want pending", out.State, out.Err)
	}
	if !e.sched.Has(confirmTimerPrefix + out.CommandID) {
		t.Fatal("confirm timer not armed")
	}
	if clock.ActiveTimers() != 3 {
		t.Fatalf("timers = %d, want 3", clock.ActiveTimers())
	}

	clock.Advance(settle)
	if !clock.WaitForTimers(3, 2*time.Second) {
		t.Fatal("fallback timer not armed after first mismatch")
	}
	if _, fetch, _ := api.counts(); fetch != 2 {
		t.Fatalf("fetch = %d after deferred refresh, want 2", fetch)
	}

	clock.Advance(settle)
	final := waitOutcome(t, out)
	if final.State != StateReported || !errors.Is(final.Err, ErrReconciliationMismatch) {
		t.Fatalf("final = %s %v, want reported ErrReconciliationMismatch", final.State, final.Err)
	}

	if _, fetch, sent := api.counts(); fetch != 3 || sent != 1 {
		t.Errorf("fetch=%d sent=%d, want exactly one fallback refresh and no retry", fetch, sent)
	}
	if !clock.WaitForTimers(2, time.Second) {
		t.Errorf("timers = %d after resolution, want 2", clock.ActiveTimers())
	}
	if e.PendingCount() != 0 {
		t.Errorf("PendingCount() = %d, want 0", e.PendingCount())
	}

	select {
	case r := <-e.Resolutions():
		if r.CommandID != out.CommandID || r.State != StateReported {
			t.Errorf("resolution = %+v", r)
		}
	case <-time.After(time.Second):
		t.Error("no resolution delivered")
	}
}

func TestDispatch_AsyncConfirmedByDeferredRefresh(t *testing.T) {
	api := newFakeAPI()
	api.applyOnSend = func(s *spa.RawState, cmd spa.Command) {
		s.TempRange = cmd.Value
	}
	e, clock := startEngine(t, api, engineOpts{})

	out := e.Dispatch(context.Background(), entity.SettingKey(entity.SettingTempRange), "LOW")
	if out.State != StatePending {
		t.Fatalf("Dispatch() = %s, want pending", out.State)
	}

	clock.Advance(settle)
	final := waitOutcome(t, out)
	if final.State != StateConfirmed {
		t.Fatalf("final = %s %v, want confirmed", final.State, final.Err)
	}
	if _, fetch, _ := api.counts(); fetch != 2 {
		t.Errorf("fetch = %d, want 2 (no fallback)", fetch)
	}
	snap, _ := e.Current()
	if snap.TempRange != spa.RangeLow {
		t.Errorf("TempRange = %q, want LOW", snap.TempRange)
	}
}

func TestDispatch_AsyncConfirmedByFallback(t *testing.T) {
	api := newFakeAPI()
	api.onFetch = func(n int, s *spa.RawState) {
		if n == 3 {
			s.PanelLocked = true
		}
	}
	e, clock := startEngine(t, api, engineOpts{})

	out := e.Dispatch(context.Background(), entity.SettingKey(entity.SettingPanelLock), "LOCK")
	clock.Advance(settle)
	if !clock.WaitForTimers(3, 2*time.Second) {
		t.Fatal("fallback timer not armed")
	}
	clock.Advance(settle)

	final := waitOutcome(t, out)
	if final.State != StateConfirmed {
		t.Fatalf("final = %s %v, want confirmed", final.State, final.Err)
	}
	if s := e.Stats(); s.Fallbacks != 1 || s.Confirmed != 1 {
		t.Errorf("stats = %+v", s)
	}
}

func TestDispatch_FilterSchedule(t *testing.T) {
	api := newFakeAPI()
	api.applyOnSend = func(s *spa.RawState, cmd spa.Command) {
		for i := range s.Components {
			c := &s.Components[i]
			if c.Type == "FILTER" && c.Port == cmd.Port {
				c.Hour, c.Minute, c.DurationMinutes = intPtr(6), intPtr(30), intPtr(cmd.FilterDuration)
			}
		}
	}
	e, clock := startEngine(t, api, engineOpts{})

	out := e.Dispatch(context.Background(), entity.ComponentKey(spa.Filter, 1), "06:30/45")
	if out.State != StatePending {
		t.Fatalf("Dispatch() = %s %v, want pending", out.State, out.Err)
	}

	api.mu.Lock()
	cmd := api.sent[0]
	api.mu.Unlock()
	if cmd.FilterStart != "06:30" || cmd.FilterIntervals() != 3 || cmd.Port != 1 {
		t.Errorf("sent %+v", cmd)
	}

	clock.Advance(settle)
	if final := waitOutcome(t, out); final.State != StateConfirmed {
		t.Errorf("final = %s %v, want confirmed", final.State, final.Err)
	}
}

func TestDispatch_SecondaryFilterCanBeDisabled(t *testing.T) {
	api := newFakeAPI()
	e, _ := startEngine(t, api, engineOpts{})

	out := e.Dispatch(context.Background(), entity.ComponentKey(spa.Filter, 1), "08:00/0")
	if out.State == StateRejected {
		t.Errorf("Dispatch() rejected: %v", out.Err)
	}
}

func TestDispatch_InlineClampedTemperatureFallsBack(t *testing.T) {
	api := newFakeAPI()
	api.ackValues = map[string]string{"DESIREDTEMP": "103.0"}
	e, clock := startEngine(t, api, engineOpts{})

	out := e.Dispatch(context.Background(), entity.SettingKey(entity.SettingDesiredTemp), "104")
	if out.State != StatePending {
		t.Fatalf("Dispatch() = %s, want pending after mismatched inline value", out.State)
	}
	snap, _ := e.Current()
	if snap.DesiredTemp == nil || *snap.DesiredTemp != 103 {
		t.Errorf("DesiredTemp = %v, want inline 103", snap.DesiredTemp)
	}

	clock.Advance(settle)
	final := waitOutcome(t, out)
	if final.State != StateReported || !errors.Is(final.Err, ErrReconciliationMismatch) {
		t.Fatalf("final = %s %v, want reported", final.State, final.Err)
	}
	if _, fetch, _ := api.counts(); fetch != 2 {
		t.Errorf("fetch = %d, want 2 (one fallback only)", fetch)
	}
}

func TestDispatch_CelsiusTemperature(t *testing.T) {
	api := newFakeAPI()
	api.ackValues = map[string]string{"DESIREDTEMP": "101.3"}
	e, _ := startEngine(t, api, engineOpts{celsius: true})

	out := e.Dispatch(context.Background(), entity.SettingKey(entity.SettingDesiredTemp), " 38.5 ")
	if out.State != StateConfirmed {
		t.Fatalf("Dispatch() = %s %v, want confirmed", out.State, out.Err)
	}

	api.mu.Lock()
	sent := api.sent[0].TemperatureF
	api.mu.Unlock()
	if sent != 101.3 {
		t.Errorf("sent %.2fF, want 101.3F", sent)
	}
	snap, _ := e.Current()
	if snap.DesiredTemp == nil || *snap.DesiredTemp != 38.5 {
		t.Errorf("DesiredTemp = %v, want 38.5", snap.DesiredTemp)
	}

	if out := e.Dispatch(context.Background(), entity.SettingKey(entity.SettingDesiredTemp), "41"); !errors.Is(out.Err, ErrInvalidValue) {
		t.Errorf("41C accepted, want out of range (max 40)")
	}
}

func TestDispatch_TransportRejection(t *testing.T) {
	api := newFakeAPI()
	e, clock := startEngine(t, api, engineOpts{})
	before, _ := e.Current()

	api.set(func(f *fakeAPI) { f.sendErr = errors.New("502 bad gateway") })
	out := e.Dispatch(context.Background(), entity.ComponentKey(spa.Blower, 0), "HIGH")
	if out.State != StateRejected || !errors.Is(out.Err, ErrTransport) {
		t.Fatalf("Dispatch() = %s %v, want rejected ErrTransport", out.State, out.Err)
	}
	if errors.Is(out.Err, ErrCredentialExpired) {
		t.Error("plain transport failure classified as credential expiry")
	}

	after, _ := e.Current()
	if after.Version != before.Version {
		t.Error("snapshot changed after transport rejection")
	}
	if clock.ActiveTimers() != 2 {
		t.Errorf("timers = %d, want 2", clock.ActiveTimers())
	}
}

func TestDispatch_UnauthorizedTriggersRenewal(t *testing.T) {
	api := newFakeAPI()
	e, clock := startEngine(t, api, engineOpts{})

	api.set(func(f *fakeAPI) { f.sendErr = spa.ErrUnauthorized })
	out := e.Dispatch(context.Background(), entity.ComponentKey(spa.Light, 0), "HIGH")
	if !errors.Is(out.Err, ErrCredentialExpired) || !errors.Is(out.Err, ErrTransport) {
		t.Fatalf("Dispatch() error = %v, want ErrCredentialExpired and ErrTransport", out.Err)
	}

	clock.Advance(0)
	waitFor(t, "renewal and follow-up refresh", func() bool {
		auth, fetch, _ := api.counts()
		return auth == 2 && fetch == 2
	})
	if s := e.Stats(); s.Renewals != 1 {
		t.Errorf("Renewals = %d, want 1", s.Renewals)
	}
}

func TestCredentials_RenewBeforeExpiry(t *testing.T) {
	api := newFakeAPI()
	e, clock := startEngine(t, api, engineOpts{refreshInterval: 24 * time.Hour})

	clock.Advance(58 * time.Minute)
	if auth, _, _ := api.counts(); auth != 1 {
		t.Fatalf("renewed early: auth = %d", auth)
	}

	clock.Advance(time.Minute)
	waitFor(t, "renewal", func() bool {
		auth, fetch, _ := api.counts()
		return auth == 2 && fetch == 2
	})
	if !clock.WaitForTimers(2, time.Second) {
		t.Error("next renewal not scheduled")
	}
	if !e.sched.Has(timerRenewal) {
		t.Error("renewal timer missing")
	}
}

func TestCredentials_RenewalFailureRetries(t *testing.T) {
	api := newFakeAPI()
	e, clock := startEngine(t, api, engineOpts{refreshInterval: 24 * time.Hour})

	api.set(func(f *fakeAPI) { f.authErr = errors.New("dns failure") })
	clock.Advance(59 * time.Minute)
	waitFor(t, "failed renewal", func() bool {
		return e.Stats().RenewalFailures == 1
	})
	if !clock.WaitForTimers(2, time.Second) {
		t.Fatal("retry not scheduled")
	}
	if !e.Running() {
		t.Fatal("engine stopped after renewal failure")
	}

	api.set(func(f *fakeAPI) { f.authErr = nil })
	clock.Advance(DefaultRenewalRetry)
	waitFor(t, "successful retry", func() bool {
		auth, fetch, _ := api.counts()
		return auth == 3 && fetch == 2
	})
}

func TestEngine_StopResolvesPending(t *testing.T) {
	api := newFakeAPI()
	e, clock := startEngine(t, api, engineOpts{})

	out := e.Dispatch(context.Background(), entity.ComponentKey(spa.Pump, 0), "HIGH")
	if out.State != StatePending {
		t.Fatalf("Dispatch() = %s, want pending", out.State)
	}

	e.Stop()
	final := waitOutcome(t, out)
	if final.State != StateReported || !errors.Is(final.Err, ErrStopped) {
		t.Errorf("final = %s %v, want reported ErrStopped", final.State, final.Err)
	}
	if clock.ActiveTimers() != 0 {
		t.Errorf("timers = %d after Stop, want 0", clock.ActiveTimers())
	}
	e.Stop()
}

func TestDispatch_OverlappingCommandsOwnTimers(t *testing.T) {
	api := newFakeAPI()
	e, clock := startEngine(t, api, engineOpts{})

	a := e.Dispatch(context.Background(), entity.ComponentKey(spa.Light, 0), "HIGH")
	b := e.Dispatch(context.Background(), entity.ComponentKey(spa.Light, 0), "OFF")
	if a.CommandID == b.CommandID {
		t.Fatal("command IDs collide")
	}
	// Neither is cancelled by the other; the last refresh decides both.
	if a.State != StatePending || b.State != StatePending {
		t.Fatalf("states = %s, %s, want both pending", a.State, b.State)
	}
	if clock.ActiveTimers() != 4 || e.PendingCount() != 2 {
		t.Errorf("timers=%d pending=%d, want a confirm timer each", clock.ActiveTimers(), e.PendingCount())
	}
}
