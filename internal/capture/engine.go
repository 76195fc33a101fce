package capture

import (
	"context"
	"strings"

	"github.com/bryanchriswhite/framegrab/internal/geometry"
)

// Kind names one of the two capture backends.
type Kind string

const (
	// KindModern is the portal/PipeWire streaming backend.
	KindModern Kind = "modern"
	// KindLegacy is the X11 enumeration backend.
	KindLegacy Kind = "legacy"
)

// Engine is the contract both backends implement. All four operations
// return the same result shape; index arguments use -1 for "unspecified"
// (main display, or auto-selected window).
type Engine interface {
	Kind() Kind
	CaptureScreen(ctx context.Context, displayIndex int, pref ScalePref) (*Result, error)
	CaptureWindow(ctx context.Context, app string, windowIndex int, pref ScalePref) (*Result, error)
	CaptureWindowByID(ctx context.Context, id uint32, pref ScalePref) (*Result, error)
	CaptureArea(ctx context.Context, rect geometry.Rect, pref ScalePref) (*Result, error)
}

// EngineSet holds the two backend implementations. The set is closed:
// resolution produces Kinds, and lookup is by Kind, never by open-ended
// registration. A nil slot means the backend is unavailable in this build
// or environment.
type EngineSet struct {
	Modern Engine
	Legacy Engine
}

// ForKind returns the implementation for k, if present.
func (s EngineSet) ForKind(k Kind) (Engine, bool) {
	switch k {
	case KindModern:
		return s.Modern, s.Modern != nil
	case KindLegacy:
		return s.Legacy, s.Legacy != nil
	}
	return nil, false
}

// Select maps resolved kinds onto their implementations, skipping kinds
// with no backing engine.
func (s EngineSet) Select(kinds []Kind) []Engine {
	engines := make([]Engine, 0, len(kinds))
	for _, k := range kinds {
		if eng, ok := s.ForKind(k); ok {
			engines = append(engines, eng)
		}
	}
	return engines
}

// ResolveEngines maps a configuration token onto the ordered engine list to
// attempt. Unrecognized tokens get the default order rather than an error:
// capture should degrade, not refuse, on a stale config value. The
// boolean-ish tokens are accepted because the selection key historically
// was a "use modern capture?" boolean. disableLegacy strips the legacy
// engine but never empties the list.
func ResolveEngines(token string, disableLegacy bool) []Kind {
	var kinds []Kind
	switch strings.ToLower(strings.TrimSpace(token)) {
	case "", "auto":
		kinds = []Kind{KindModern, KindLegacy}
	case "modern", "sckit", "sck", "pipewire", "portal", "true", "1", "yes":
		kinds = []Kind{KindModern}
	case "classic", "cg", "legacy", "x11", "false", "0", "no":
		kinds = []Kind{KindLegacy}
	default:
		kinds = []Kind{KindModern, KindLegacy}
	}

	if disableLegacy {
		kept := make([]Kind, 0, len(kinds))
		for _, k := range kinds {
			if k != KindLegacy {
				kept = append(kept, k)
			}
		}
		if len(kept) == 0 {
			kept = []Kind{KindModern}
		}
		kinds = kept
	}
	return kinds
}
