package relay

import (
	"strconv"

	"github.com/rs/zerolog"

	"github.com/lexiqai/speech-relay/internal/callevents"
	"github.com/lexiqai/speech-relay/internal/rendezvous"
	"github.com/lexiqai/speech-relay/internal/session"
)

// Dialer starts an outbound dial in the background.
type Dialer interface {
	Trigger(callID string) bool
}

// RendezvousHandler wires announcements to the connector and the registry.
// REGISTER hands dialing to the connector's workers. BYE detaches the
// outbound socket on the receive loop, so a BYE followed by a fresh REGISTER
// is applied in order, and sends the end-of-call marker in the background.
func RendezvousHandler(registry *session.Registry, dialer Dialer, events callevents.Publisher, logger zerolog.Logger) rendezvous.Handler {
	if events == nil {
		events = callevents.Nop()
	}
	return rendezvous.Handler{
		OnRegister: func(callID string) {
			started := dialer.Trigger(callID)
			if !started {
				logger.Debug().Str("call_id", callID).Msg("Already connected or dialing, ignoring REGISTER")
			}
			events.Publish(callevents.New(callevents.RendezvousRegister, callID, map[string]string{
				"dialing": strconv.FormatBool(started),
			}))
		},
		OnBye: func(callID string) {
			finish := registry.Teardown(callID)
			if finish != nil {
				go func() {
					if err := finish(); err != nil {
						logger.Warn().Err(err).Str("call_id", callID).Msg("End-of-call marker not delivered on BYE")
					}
				}()
			}
			events.Publish(callevents.New(callevents.RendezvousBye, callID, map[string]string{
				"outbound_closed": strconv.FormatBool(finish != nil),
			}))
		},
	}
}
