package health

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/MrWong99/fieldscribe/internal/resilience"
)

// Pinger is satisfied by the postgres store and *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Database reports whether the database answers a ping.
func Database(p Pinger) Checker {
	return Checker{Name: "database", Check: p.Ping}
}

// Decoder reports whether the external audio decoder can be found. It is
// optional: without a decoder WAV input is still transcribed.
func Decoder(d interface{ Available() error }) Checker {
	return Checker{Name: "decoder", Optional: true, Check: func(context.Context) error { return d.Available() }}
}

// Backends fails when every transcription backend has an open circuit
// breaker, since no request could then be served. states is usually
// [resilience.STTGateway.States].
func Backends(states func() map[string]resilience.State) Checker {
	return Checker{Name: "transcription", Check: func(context.Context) error {
		s := states()
		if len(s) == 0 {
			return errors.New("no backends configured")
		}
		var open []string
		for name, st := range s {
			if st == resilience.StateOpen {
				open = append(open, name)
			}
		}
		if len(open) < len(s) {
			return nil
		}
		sort.Strings(open)
		return fmt.Errorf("all backends unavailable: %s", strings.Join(open, ", "))
	}}
}
