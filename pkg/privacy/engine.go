package privacy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// DisclosureStore tracks which entities have already been disclosed inside a
// workspace context, so a repeat disclosure can be handled differently from a
// first one.
type DisclosureStore interface {
	Seen(ctx context.Context, contextID, entity string) (bool, error)
	Record(ctx context.Context, contextID string, entities []string) error
}

// TokenVault records the mapping behind tokenize-masked spans so an
// authorized operator can reverse them later.
type TokenVault interface {
	Record(ctx context.Context, token, value string) error
	Reveal(ctx context.Context, token string) (string, error)
}

// Request describes one text to process.
type Request struct {
	Text      string
	Mode      Mode
	ContextID string
	Choice    Choice
}

// Options tune the engine. Zero values select defaults.
type Options struct {
	Preset     string
	CacheTTL   time.Duration
	CacheSize  int
	Disclosure DisclosureStore
	Vault      TokenVault
}

// Engine orchestrates detector, preset and masking strategy into an action.
type Engine struct {
	detector *Detector

	mu     sync.RWMutex
	preset Preset

	cache      *detectionCache
	disclosure DisclosureStore
	vault      TokenVault
}

// NewEngine wires a detector to the named preset.
func NewEngine(detector *Detector, opts Options) (*Engine, error) {
	preset, err := LookupPreset(opts.Preset)
	if err != nil {
		return nil, err
	}
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	size := opts.CacheSize
	if size <= 0 {
		size = 2048
	}
	return &Engine{
		detector:   detector,
		preset:     preset,
		cache:      newDetectionCache(size, ttl),
		disclosure: opts.Disclosure,
		vault:      opts.Vault,
	}, nil
}

// SetPreset switches the active preset. Cached detections survive a preset
// change; policy is re-applied on every hit, so stale actions cannot leak.
func (e *Engine) SetPreset(name string) error {
	preset, err := LookupPreset(name)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.preset = preset
	e.mu.Unlock()
	return nil
}

// PresetName returns the active preset name.
func (e *Engine) PresetName() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.preset.Name
}

// Process scans the text and resolves the preset's directives into one
// result. A detector failure resolves to BLOCK: unmasked PII is never
// forwarded because a worker died.
func (e *Engine) Process(ctx context.Context, req Request) Result {
	e.mu.RLock()
	preset := e.preset
	e.mu.RUnlock()

	detections, ok := e.detect(ctx, req, preset)
	if !ok {
		return Result{
			Action:      ActionBlock,
			Matches:     nil,
			Preset:      preset.Name,
			ProcessedAt: time.Now().UTC(),
		}
	}

	return e.resolve(ctx, req, preset, detections)
}

// detect returns cached detections when fresh, otherwise dispatches a scan.
// The scan always covers the full pattern set so cached detections stay valid
// across preset changes; the preset decides actions, not what was found.
func (e *Engine) detect(ctx context.Context, req Request, _ Preset) ([]Detection, bool) {
	key := cacheKey(req.Text, req.ContextID)
	if detections, hit := e.cache.Get(key); hit {
		return detections, true
	}

	detections, err := e.detector.Scan(ctx, req.Text, nil)
	if err != nil {
		return nil, false
	}
	e.cache.Add(key, detections)
	return detections, true
}

// resolve applies the current preset, collaborative downgrades and any prior
// caller choice to raw detections.
func (e *Engine) resolve(ctx context.Context, req Request, preset Preset, detections []Detection) Result {
	result := Result{
		Action:      ActionLog,
		MaskedText:  req.Text,
		Preset:      preset.Name,
		ProcessedAt: time.Now().UTC(),
	}
	if len(detections) == 0 {
		return result
	}

	collaborative := req.Mode == ModeCollaborative && req.ContextID != "" && e.disclosure != nil

	type resolved struct {
		det    Detection
		action Action
		redisc bool
	}
	items := make([]resolved, 0, len(detections))
	overall := ActionLog

	for _, det := range detections {
		action := preset.actionFor(det.Kind)
		redisc := false
		if collaborative {
			seen, err := e.disclosure.Seen(ctx, req.ContextID, entityHash(det))
			if err == nil && seen {
				// Already disclosed in this workspace: audit, don't re-gate.
				action = ActionLog
				redisc = true
			}
		}
		if action == ActionAsk && req.Choice != ChoiceNone {
			action = choiceAction(req.Choice)
		}
		items = append(items, resolved{det: det, action: action, redisc: redisc})
		if action.rank() > overall.rank() {
			overall = action
		}
	}

	result.Action = overall
	for _, item := range items {
		result.Matches = append(result.Matches, Match{
			Kind:       item.det.Kind,
			Action:     item.action,
			Redisclose: item.redisc,
		})
	}

	switch overall {
	case ActionBlock:
		result.MaskedText = ""
		return result
	case ActionAsk:
		// The caller may admit under a log-and-confirm policy, so the
		// rendition handed back must already be safe to forward. ASK spans
		// get the full redact strategy; MASK spans keep the preset's.
		result.RequiresUserInput = true
		askKinds := make(map[Kind]struct{})
		pending := make([]Detection, 0, len(items))
		for _, item := range items {
			switch item.action {
			case ActionAsk:
				askKinds[item.det.Kind] = struct{}{}
				pending = append(pending, item.det)
			case ActionMask:
				pending = append(pending, item.det)
			}
		}
		result.MaskedText = applyMask(req.Text, pending, func(k Kind) MaskStrategy {
			if _, ask := askKinds[k]; ask {
				return MaskRedact
			}
			return preset.strategyFor(k)
		})
		return result
	}

	toMask := make([]Detection, 0, len(items))
	for _, item := range items {
		if item.action == ActionMask {
			toMask = append(toMask, item.det)
		}
	}
	if len(toMask) > 0 {
		result.MaskedText = applyMask(req.Text, toMask, preset.strategyFor)
		if e.vault != nil {
			for _, det := range toMask {
				if preset.strategyFor(det.Kind) != MaskTokenize {
					continue
				}
				token := maskValue(MaskTokenize, det.Kind, det.Value)
				// Vault recording is advisory like disclosure below.
				_ = e.vault.Record(ctx, token, det.Value)
			}
		}
	}

	if collaborative {
		entities := make([]string, 0, len(items))
		for _, item := range items {
			entities = append(entities, entityHash(item.det))
		}
		// Disclosure recording is advisory; failure must not fail the request
		// that already passed policy.
		_ = e.disclosure.Record(ctx, req.ContextID, entities)
	}

	return result
}

func choiceAction(c Choice) Action {
	switch c {
	case ChoiceMask:
		return ActionMask
	case ChoiceAllow:
		return ActionLog
	default:
		return ActionBlock
	}
}

func entityHash(det Detection) string {
	sum := sha256.Sum256([]byte(string(det.Kind) + "\x00" + det.Value))
	return hex.EncodeToString(sum[:])
}

func cacheKey(text, contextID string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:]) + "\x00" + contextID
}

// detectionCache is a TTL-bound map of raw detections keyed by
// (text hash, context id). Policy is never cached, only detections, so a hit
// after a preset change still reflects current policy.
type detectionCache struct {
	mu      sync.Mutex
	max     int
	ttl     time.Duration
	entries map[string]detectionEntry
}

type detectionEntry struct {
	detections []Detection
	expires    time.Time
}

func newDetectionCache(max int, ttl time.Duration) *detectionCache {
	return &detectionCache{
		max:     max,
		ttl:     ttl,
		entries: make(map[string]detectionEntry, max),
	}
}

func (c *detectionCache) Get(key string) ([]Detection, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expires) {
		delete(c.entries, key)
		return nil, false
	}
	out := make([]Detection, len(entry.detections))
	copy(out, entry.detections)
	return out, true
}

func (c *detectionCache) Add(key string, detections []Detection) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= c.max {
		// Evict expired entries first; fall back to dropping an arbitrary one.
		now := time.Now()
		evicted := false
		for k, entry := range c.entries {
			if now.After(entry.expires) {
				delete(c.entries, k)
				evicted = true
			}
		}
		if !evicted {
			for k := range c.entries {
				delete(c.entries, k)
				break
			}
		}
	}

	stored := make([]Detection, len(detections))
	copy(stored, detections)
	c.entries[key] = detectionEntry{detections: stored, expires: time.Now().Add(c.ttl)}
}
