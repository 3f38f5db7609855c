package pipeline

import (
	"fmt"
	"strings"

	"github.com/twquant/tvgateway/internal/domain"
)

// closeHeld marks an action that closes whatever is held, long or short.
const closeHeld = domain.Direction("close_held")

// lexicon maps normalized strategy tokens onto canonical directions. Tokens
// are matched longest-first so "closelong" wins over "long".
var lexicon = []struct {
	token string
	dir   domain.Direction
}{
	{"closelong", domain.CloseLong},
	{"exitlong", domain.CloseLong},
	{"平多", domain.CloseLong},
	{"closeshort", domain.CloseShort},
	{"exitshort", domain.CloseShort},
	{"平空", domain.CloseShort},
	{"openlong", domain.OpenLong},
	{"開多", domain.OpenLong},
	{"做多", domain.OpenLong},
	{"openshort", domain.OpenShort},
	{"開空", domain.OpenShort},
	{"做空", domain.OpenShort},
	{"平倉", closeHeld},
	{"close", closeHeld},
	{"exit", closeHeld},
	{"flat", closeHeld},
	{"long", domain.OpenLong},
	{"buy", domain.OpenLong},
	{"short", domain.OpenShort},
	{"sell", domain.OpenShort},
}

// normalizeAction lowercases and strips separators so "Open Long",
// "OPEN_LONG" and "open-long" all compare equal.
func normalizeAction(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	return strings.NewReplacer(" ", "", "_", "", "-", "").Replace(s)
}

// ParseDirection maps a strategy action string onto the canonical direction.
// heldSide resolves bare close actions ("CLOSE", "平倉", "0") to the side of
// the current position; it may be nil when the caller has no position
// context, in which case a bare close fails like an unknown action would not:
// it maps to close_long and the no-position precondition produces the
// operator-facing rejection.
func ParseDirection(raw string, heldSide func() (domain.Side, bool)) (domain.Direction, error) {
	s := normalizeAction(raw)
	if s == "" {
		return "", fmt.Errorf("empty action: %w", domain.ErrUnknownAction)
	}

	dir, ok := matchSigned(s)
	if !ok {
		dir, ok = matchToken(s)
	}
	if !ok {
		return "", fmt.Errorf("action %q: %w", raw, domain.ErrUnknownAction)
	}

	if dir == closeHeld {
		if heldSide != nil {
			if side, has := heldSide(); has {
				if side == domain.Buy {
					return domain.CloseLong, nil
				}
				return domain.CloseShort, nil
			}
		}
		return domain.CloseLong, nil
	}
	return dir, nil
}

// matchSigned handles the +1/-1/0 encoding.
func matchSigned(s string) (domain.Direction, bool) {
	switch s {
	case "1", "+1":
		return domain.OpenLong, true
	case "-1", "−1":
		return domain.OpenShort, true
	case "0":
		return closeHeld, true
	}
	return "", false
}

// matchToken tries an exact token match first, then scans the string as free
// text for an embedded token. Table order encodes priority.
func matchToken(s string) (domain.Direction, bool) {
	for _, entry := range lexicon {
		if s == entry.token {
			return entry.dir, true
		}
	}
	for _, entry := range lexicon {
		if strings.Contains(s, entry.token) {
			return entry.dir, true
		}
	}
	return "", false
}
