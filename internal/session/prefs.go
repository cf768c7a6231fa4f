package session

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// Fixed key names.
const (
	KeyCart          = "cart"
	KeySchemaVersion = "schema-version"
)

// Preference flags accepted by Prefs.
const (
	FlagAutoSave      = "auto-save"
	FlagCartShown     = "cart-shown"
	FlagFiltersShown  = "filters-shown"
	FlagReduceFlicker = "search-reduce-flashing"
	FlagVersionLocked = "version-select-locked"
)

const hasSeenPrefix = "has-seen-"

var ErrUnknownFlag = errors.New("session: unknown preference flag")

var knownFlags = map[string]bool{
	FlagAutoSave:      true,
	FlagCartShown:     true,
	FlagFiltersShown:  true,
	FlagReduceFlicker: true,
	FlagVersionLocked: true,
}

// IsFlag reports whether name is a preference flag or a has-seen flag.
func IsFlag(name string) bool {
	if knownFlags[name] {
		return true
	}
	return strings.HasPrefix(name, hasSeenPrefix) && len(name) > len(hasSeenPrefix)
}

// SeenTopic returns what a has-seen flag name records, e.g. "intro" for
// "has-seen-intro".
func SeenTopic(name string) (string, bool) {
	what, ok := strings.CutPrefix(name, hasSeenPrefix)
	return what, ok && what != ""
}

// Prefs reads and writes boolean UI flags. Every flag is absent-tolerant:
// a missing or malformed value reads as false.
type Prefs struct {
	kv     KV
	logger *zap.Logger
}

func NewPrefs(kv KV, logger *zap.Logger) *Prefs {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Prefs{kv: kv, logger: logger}
}

func (p *Prefs) Flag(ctx context.Context, name string) bool {
	raw, err := p.kv.Get(ctx, name)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			p.logger.Warn("session: read flag", zap.String("flag", name), zap.Error(err))
		}
		return false
	}
	switch string(raw) {
	case "true", "yes", "on":
		return true
	default:
		return false
	}
}

func (p *Prefs) SetFlag(ctx context.Context, name string, value bool) error {
	if !IsFlag(name) {
		return ErrUnknownFlag
	}
	return p.kv.Set(ctx, name, []byte(strconv.FormatBool(value)))
}

// HasSeen reports whether this session already showed what.
func (p *Prefs) HasSeen(ctx context.Context, what string) bool {
	return p.Flag(ctx, hasSeenPrefix+what)
}

func (p *Prefs) MarkSeen(ctx context.Context, what string) error {
	return p.SetFlag(ctx, hasSeenPrefix+what, true)
}

// EnsureSchema clears the whole session when its stored schema version
// differs from version, then records version. reset reports whether a clear
// happened.
func (p *Prefs) EnsureSchema(ctx context.Context, version int) (reset bool, err error) {
	want := strconv.Itoa(version)
	raw, err := p.kv.Get(ctx, KeySchemaVersion)
	switch {
	case err == nil && string(raw) == want:
		return false, nil
	case err != nil && !errors.Is(err, ErrNotFound):
		return false, err
	}

	if err := p.kv.Clear(ctx); err != nil {
		return false, err
	}
	if err := p.kv.Set(ctx, KeySchemaVersion, []byte(want)); err != nil {
		return true, err
	}
	p.logger.Info("session: schema version changed, storage reset",
		zap.String("from", string(raw)),
		zap.String("to", want),
	)
	return true, nil
}
