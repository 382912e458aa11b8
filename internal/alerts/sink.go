package alerts

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"rwa-exposure-bundle/internal/events"
)

// Sink forwards selected bundle events to Telegram. With no types given it
// forwards emergency transitions only.
type Sink struct {
	telegram *Telegram
	types    map[events.Type]struct{}
}

func NewSink(t *Telegram, types ...events.Type) *Sink {
	if len(types) == 0 {
		types = []events.Type{events.EmergencyActivated, events.EmergencyCleared}
	}
	set := make(map[events.Type]struct{}, len(types))
	for _, typ := range types {
		set[typ] = struct{}{}
	}
	return &Sink{telegram: t, types: set}
}

func (s *Sink) Publish(ctx context.Context, ev events.Event) error {
	if s.telegram == nil {
		return nil
	}
	if _, ok := s.types[ev.Type]; !ok {
		return nil
	}
	return s.telegram.Send(ctx, FormatEvent(ev))
}

func FormatEvent(ev events.Event) string {
	var b strings.Builder
	switch ev.Type {
	case events.EmergencyActivated:
		b.WriteString("EMERGENCY MODE ACTIVATED")
	case events.EmergencyCleared:
		b.WriteString("emergency mode cleared")
	default:
		b.WriteString(string(ev.Type))
	}
	if ev.Strategy != "" {
		fmt.Fprintf(&b, "\nstrategy: %s", ev.Strategy)
	}
	if !ev.Amount.IsZero() {
		fmt.Fprintf(&b, "\namount: %s", ev.Amount.String())
	}
	keys := make([]string, 0, len(ev.Data))
	for k := range ev.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n%s: %s", k, ev.Data[k])
	}
	if !ev.Time.IsZero() {
		fmt.Fprintf(&b, "\ntime: %s", ev.Time.UTC().Format("2006-01-02T15:04:05Z"))
	}
	return b.String()
}
