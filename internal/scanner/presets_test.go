package scanner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"candle-aggregator/internal/filter"
	"candle-aggregator/internal/model"
)

// memBackend stores JSON like the Redis cache does.
type memBackend struct {
	mu   sync.Mutex
	data map[string][]byte
	fail bool
}

func newMemBackend() *memBackend { return &memBackend{data: make(map[string][]byte)} }

func (m *memBackend) Get(_ context.Context, key string, dst any) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.data[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, dst)
}

func (m *memBackend) Set(_ context.Context, key string, v any, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("connection refused")
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	m.data[key] = raw
	return nil
}

func (m *memBackend) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.data, k)
	}
	return nil
}

func defaultRequest() Request {
	conds := map[int]string{200: "above"}
	set, _ := filter.ParseSet(conds)
	return Request{Timeframe: model.Hour4, Periods: []int{200}, Conditions: conds, Filter: set, SortBy: "symbol"}
}

func swingRequest() Request {
	return Request{
		Timeframe:  model.Hour1,
		Periods:    []int{20, 50},
		Conditions: map[int]string{50: "above_by:2:5"},
		SortBy:     "percent_50",
	}
}

func TestPresets_DefaultIsActiveAndReadOnly(t *testing.T) {
	p := NewPresets(model.Minute15, defaultRequest(), nil, nil)
	ctx := context.Background()

	active, applied := p.Active()
	assert.Equal(t, DefaultPreset, active.Name)
	assert.True(t, active.System)
	assert.False(t, applied)
	assert.Equal(t, model.Hour4, p.Defaults().Timeframe)

	_, err := p.Update(ctx, DefaultPreset, swingRequest())
	assert.ErrorIs(t, err, ErrPresetReadOnly)
	_, err = p.Create(ctx, DefaultPreset, swingRequest())
	assert.ErrorIs(t, err, ErrPresetReadOnly)
	assert.ErrorIs(t, p.Delete(ctx, DefaultPreset), ErrPresetReadOnly)
}

func TestPresets_CreateUpdateDelete(t *testing.T) {
	p := NewPresets(model.Minute15, defaultRequest(), nil, nil)
	ctx := context.Background()

	pr, err := p.Create(ctx, "Swing", swingRequest())
	require.NoError(t, err)
	assert.Equal(t, "swing", pr.Name)
	assert.Equal(t, []int{50}, pr.Request.Filter.Periods())

	_, err = p.Create(ctx, "swing", swingRequest())
	assert.ErrorIs(t, err, ErrPresetExists)

	upd := swingRequest()
	upd.Timeframe = model.Hour4
	pr, err = p.Update(ctx, "swing", upd)
	require.NoError(t, err)
	assert.Equal(t, model.Hour4, pr.Request.Timeframe)

	_, err = p.Update(ctx, "missing", upd)
	assert.ErrorIs(t, err, ErrPresetNotFound)

	names := []string{}
	for _, pr := range p.List() {
		names = append(names, pr.Name)
	}
	assert.Equal(t, []string{DefaultPreset, "swing"}, names)

	require.NoError(t, p.Delete(ctx, "swing"))
	_, err = p.Get("swing")
	assert.ErrorIs(t, err, ErrPresetNotFound)
	assert.ErrorIs(t, p.Delete(ctx, "swing"), ErrPresetNotFound)
}

func TestPresets_RejectsInvalid(t *testing.T) {
	p := NewPresets(model.Minute15, defaultRequest(), nil, nil)
	ctx := context.Background()

	_, err := p.Create(ctx, "bad name!", swingRequest())
	assert.ErrorIs(t, err, ErrInvalidPreset)

	req := swingRequest()
	req.Conditions = map[int]string{50: "sideways"}
	_, err = p.Create(ctx, "swing", req)
	assert.ErrorIs(t, err, ErrInvalidPreset)

	assert.ErrorIs(t, p.Apply(Request{Timeframe: 20, Periods: []int{5}}), ErrInvalidPreset)
}

func TestPresets_ActiveFeedsDefaults(t *testing.T) {
	p := NewPresets(model.Minute15, defaultRequest(), nil, nil)
	ctx := context.Background()

	_, err := p.Create(ctx, "swing", swingRequest())
	require.NoError(t, err)
	assert.ErrorIs(t, p.SetActive(ctx, "missing"), ErrPresetNotFound)
	require.NoError(t, p.SetActive(ctx, "swing"))
	assert.Equal(t, model.Hour1, p.Defaults().Timeframe)
	assert.Equal(t, []int{50}, p.Defaults().Filter.Periods())

	// applied override wins until the active preset changes
	require.NoError(t, p.Apply(Request{Timeframe: model.Day1, Periods: []int{10}}))
	_, applied := p.Active()
	assert.True(t, applied)
	assert.Equal(t, model.Day1, p.Defaults().Timeframe)

	require.NoError(t, p.SetActive(ctx, "swing"))
	assert.Equal(t, model.Hour1, p.Defaults().Timeframe)

	// deleting the active preset falls back to the default
	require.NoError(t, p.Delete(ctx, "swing"))
	active, _ := p.Active()
	assert.Equal(t, DefaultPreset, active.Name)
	assert.Equal(t, model.Hour4, p.Defaults().Timeframe)
}

func TestPresets_WriteThroughAndLoad(t *testing.T) {
	be := newMemBackend()
	ctx := context.Background()

	p := NewPresets(model.Minute15, defaultRequest(), be, nil)
	_, err := p.Create(ctx, "swing", swingRequest())
	require.NoError(t, err)
	_, err = p.Create(ctx, "scalp", Request{Timeframe: model.Minute15, Periods: []int{9}})
	require.NoError(t, err)
	require.NoError(t, p.SetActive(ctx, "swing"))
	require.NoError(t, p.Delete(ctx, "scalp"))

	// a stale entry whose timeframe no longer fits the base is skipped
	be.data[presetKeyPrefix+"old"], _ = json.Marshal(Preset{Name: "old", Request: Request{Timeframe: 20, Periods: []int{5}}})
	be.data[presetIndexKey], _ = json.Marshal([]string{"old", "swing"})

	restored := NewPresets(model.Minute15, defaultRequest(), be, nil)
	require.NoError(t, restored.Load(ctx))
	assert.Len(t, restored.List(), 2)
	active, _ := restored.Active()
	assert.Equal(t, "swing", active.Name)
	assert.Equal(t, []int{50}, restored.Defaults().Filter.Periods())
	_, err = restored.Get("old")
	assert.ErrorIs(t, err, ErrPresetNotFound)
}

func TestPresets_BackendFailureKeepsMemory(t *testing.T) {
	be := newMemBackend()
	be.fail = true
	p := NewPresets(model.Minute15, defaultRequest(), be, nil)

	_, err := p.Create(context.Background(), "swing", swingRequest())
	require.NoError(t, err)
	_, err = p.Get("swing")
	assert.NoError(t, err)
}

func TestValidateRequest(t *testing.T) {
	assert.Empty(t, ValidateRequest(model.Minute15, swingRequest()))

	errs := ValidateRequest(model.Minute15, Request{
		Timeframe:  10,
		Periods:    []int{0},
		Conditions: map[int]string{50: "abovee"},
		SortBy:     "percent_x",
		Symbols:    []string{"btcusdt"},
	})
	assert.Len(t, errs, 5)

	assert.Len(t, ValidateRequest(model.Minute15, Request{Timeframe: model.Hour1}), 1)
}

func TestTimeframeOptions(t *testing.T) {
	opts := TimeframeOptions(model.Minute15)
	mins := make([]int, len(opts))
	for i, o := range opts {
		mins[i] = o.Minutes
	}
	assert.Equal(t, []int{15, 30, 60, 120, 240, 360, 720, 1440}, mins)
	assert.Equal(t, model.Hour1.Label(), opts[2].Label)
}
