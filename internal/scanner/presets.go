package scanner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"candle-aggregator/internal/filter"
	"candle-aggregator/internal/marketdata/resample"
	"candle-aggregator/internal/model"
)

// DefaultPreset names the system preset built from configuration.
const DefaultPreset = "default"

const (
	presetKeyPrefix = "scan:preset:"
	presetIndexKey  = "scan:presets"
	presetActiveKey = "scan:preset:active"
)

var (
	ErrPresetNotFound = errors.New("scan preset not found")
	ErrPresetExists   = errors.New("scan preset already exists")
	ErrPresetReadOnly = errors.New("scan preset is read-only")
	ErrInvalidPreset  = errors.New("invalid scan preset")
)

var presetName = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// timeframeChoices are the timeframes offered to clients, in minutes.
var timeframeChoices = []model.Resolution{1, 5, 15, 30, 60, 120, 240, 360, 720, 1440}

// Preset is a named, saved scan request.
type Preset struct {
	Name      string    `json:"name"`
	Request   Request   `json:"request"`
	System    bool      `json:"system"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PresetBackend persists presets across restarts. The Redis JSONCache
// satisfies it.
type PresetBackend interface {
	Get(ctx context.Context, key string, dst any) (bool, error)
	Set(ctx context.Context, key string, v any, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// Presets holds named scan requests and which one feeds scan defaults.
// Memory is authoritative; the backend, when set, is written through.
type Presets struct {
	base    model.Resolution
	backend PresetBackend
	log     *slog.Logger

	Now func() time.Time

	mu      sync.RWMutex
	items   map[string]Preset
	active  string
	applied *Request
}

// NewPresets creates a store holding only the system default preset.
// backend may be nil.
func NewPresets(base model.Resolution, defaults Request, backend PresetBackend, log *slog.Logger) *Presets {
	if log == nil {
		log = slog.Default()
	}
	p := &Presets{
		base:    base,
		backend: backend,
		log:     log.With("component", "presets"),
		Now:     time.Now,
		items:   make(map[string]Preset),
		active:  DefaultPreset,
	}
	p.items[DefaultPreset] = Preset{Name: DefaultPreset, Request: defaults, System: true, UpdatedAt: p.Now().UTC()}
	return p
}

// Load restores saved presets and the active name from the backend.
// Entries that no longer validate are skipped.
func (p *Presets) Load(ctx context.Context) error {
	if p.backend == nil {
		return nil
	}
	var names []string
	if _, err := p.backend.Get(ctx, presetIndexKey, &names); err != nil {
		return fmt.Errorf("load preset index: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, name := range names {
		var pr Preset
		ok, err := p.backend.Get(ctx, presetKeyPrefix+name, &pr)
		if err != nil {
			return fmt.Errorf("load preset %s: %w", name, err)
		}
		if !ok || pr.Name != name || name == DefaultPreset {
			continue
		}
		if errs := ValidateRequest(p.base, pr.Request); len(errs) > 0 {
			p.log.Warn("skipping stored preset", "name", name, "errors", errs)
			continue
		}
		pr.Request.Filter, _ = filter.ParseSet(pr.Request.Conditions)
		pr.System = false
		p.items[name] = pr
	}

	var active string
	if ok, err := p.backend.Get(ctx, presetActiveKey, &active); err != nil {
		return fmt.Errorf("load active preset: %w", err)
	} else if ok {
		if _, exists := p.items[active]; exists {
			p.active = active
		}
	}
	p.log.Info("presets loaded", "count", len(p.items), "active", p.active)
	return nil
}

// List returns every preset ordered by name, the default first.
func (p *Presets) List() []Preset {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Preset, 0, len(p.items))
	for _, pr := range p.items {
		out = append(out, pr)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].System != out[j].System {
			return out[i].System
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Get returns the named preset.
func (p *Presets) Get(name string) (Preset, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pr, ok := p.items[name]
	if !ok {
		return Preset{}, fmt.Errorf("%w: %s", ErrPresetNotFound, name)
	}
	return pr, nil
}

// Create saves a new preset. The name must be unused.
func (p *Presets) Create(ctx context.Context, name string, req Request) (Preset, error) {
	return p.save(ctx, name, req, false)
}

// Update replaces an existing user preset.
func (p *Presets) Update(ctx context.Context, name string, req Request) (Preset, error) {
	return p.save(ctx, name, req, true)
}

func (p *Presets) save(ctx context.Context, name string, req Request, replace bool) (Preset, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if !presetName.MatchString(name) {
		return Preset{}, fmt.Errorf("%w: name %q must be 1-64 of [a-z0-9_-]", ErrInvalidPreset, name)
	}
	if errs := ValidateRequest(p.base, req); len(errs) > 0 {
		return Preset{}, fmt.Errorf("%w: %s", ErrInvalidPreset, strings.Join(errs, "; "))
	}
	req.Filter, _ = filter.ParseSet(req.Conditions)

	p.mu.Lock()
	defer p.mu.Unlock()
	cur, exists := p.items[name]
	switch {
	case cur.System:
		return Preset{}, fmt.Errorf("%w: %s", ErrPresetReadOnly, name)
	case exists && !replace:
		return Preset{}, fmt.Errorf("%w: %s", ErrPresetExists, name)
	case !exists && replace:
		return Preset{}, fmt.Errorf("%w: %s", ErrPresetNotFound, name)
	}

	pr := Preset{Name: name, Request: req, UpdatedAt: p.Now().UTC()}
	p.items[name] = pr
	if p.active == name {
		p.applied = nil
	}
	p.persist(ctx, func(b PresetBackend) error {
		if err := b.Set(ctx, presetKeyPrefix+name, pr, 0); err != nil {
			return err
		}
		return b.Set(ctx, presetIndexKey, p.userNames(), 0)
	})
	p.log.Info("preset saved", "name", name, "replaced", exists)
	return pr, nil
}

// Delete removes a user preset. Deleting the active preset makes the
// default active again.
func (p *Presets) Delete(ctx context.Context, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	cur, ok := p.items[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPresetNotFound, name)
	}
	if cur.System {
		return fmt.Errorf("%w: %s", ErrPresetReadOnly, name)
	}
	delete(p.items, name)
	wasActive := p.active == name
	if wasActive {
		p.active = DefaultPreset
		p.applied = nil
	}
	p.persist(ctx, func(b PresetBackend) error {
		if err := b.Delete(ctx, presetKeyPrefix+name); err != nil {
			return err
		}
		if wasActive {
			if err := b.Set(ctx, presetActiveKey, DefaultPreset, 0); err != nil {
				return err
			}
		}
		return b.Set(ctx, presetIndexKey, p.userNames(), 0)
	})
	p.log.Info("preset deleted", "name", name)
	return nil
}

// Active returns the active preset and whether an applied request
// currently overrides it.
func (p *Presets) Active() (Preset, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.items[p.active], p.applied != nil
}

// SetActive makes name the active preset and drops any applied override.
func (p *Presets) SetActive(ctx context.Context, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.items[name]; !ok {
		return fmt.Errorf("%w: %s", ErrPresetNotFound, name)
	}
	p.active = name
	p.applied = nil
	p.persist(ctx, func(b PresetBackend) error {
		return b.Set(ctx, presetActiveKey, name, 0)
	})
	p.log.Info("active preset changed", "name", name)
	return nil
}

// Apply overrides the scan defaults with req until the active preset
// changes. Nothing is saved.
func (p *Presets) Apply(req Request) error {
	if errs := ValidateRequest(p.base, req); len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidPreset, strings.Join(errs, "; "))
	}
	req.Filter, _ = filter.ParseSet(req.Conditions)
	p.mu.Lock()
	p.applied = &req
	p.mu.Unlock()
	return nil
}

// Defaults is the request that fills fields a scan leaves empty.
func (p *Presets) Defaults() Request {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.applied != nil {
		return *p.applied
	}
	return p.items[p.active].Request
}

// userNames lists saved user presets. Callers hold p.mu.
func (p *Presets) userNames() []string {
	out := make([]string, 0, len(p.items))
	for name, pr := range p.items {
		if !pr.System {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func (p *Presets) persist(ctx context.Context, fn func(PresetBackend) error) {
	if p.backend == nil {
		return
	}
	if err := fn(p.backend); err != nil {
		p.log.Warn("preset write-through failed", "error", err)
	}
}

// ValidateRequest lists every problem with req as a scan definition. An
// empty result means req is valid.
func ValidateRequest(base model.Resolution, req Request) []string {
	var errs []string
	if err := resample.Validate(base, req.Timeframe); err != nil {
		errs = append(errs, err.Error())
	}
	if len(req.Periods) == 0 {
		errs = append(errs, "at least one EMA period is required")
	}
	for _, p := range req.Periods {
		if p < 1 || p > 2000 {
			errs = append(errs, fmt.Sprintf("EMA period %d out of range 1-2000", p))
		}
	}
	if _, err := filter.ParseSet(req.Conditions); err != nil {
		errs = append(errs, err.Error())
	}
	if !validSortKey(req.SortBy) {
		errs = append(errs, fmt.Sprintf("invalid sort_by %q", req.SortBy))
	}
	for _, s := range req.Symbols {
		if s == "" || s != strings.ToUpper(s) {
			errs = append(errs, fmt.Sprintf("invalid symbol %q", s))
		}
	}
	return errs
}

func validSortKey(key string) bool {
	switch key {
	case "", "symbol", "price", "volume":
		return true
	}
	if rest, ok := strings.CutPrefix(key, "percent_"); ok {
		n, err := strconv.Atoi(rest)
		return err == nil && n > 0
	}
	return false
}

// TimeframeOption is a selectable scan timeframe.
type TimeframeOption struct {
	Minutes int    `json:"minutes"`
	Label   string `json:"label"`
}

// TimeframeOptions lists the standard timeframes base can be resampled to.
func TimeframeOptions(base model.Resolution) []TimeframeOption {
	var out []TimeframeOption
	for _, tf := range timeframeChoices {
		if resample.Validate(base, tf) == nil {
			out = append(out, TimeframeOption{Minutes: int(tf), Label: tf.Label()})
		}
	}
	return out
}
