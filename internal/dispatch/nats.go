package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

const busCommandTimeout = 5 * time.Second

// BusReply is the JSON answer to a request-reply command.
type BusReply struct {
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
	Result Result `json:"result"`
}

// SubscribeCommands feeds JSON commands published on subject into d. Commands
// sent with a reply subject get a BusReply. Bind and unbind need a live sink
// and are refused here.
func SubscribeCommands(conn *nats.Conn, subject string, d *Dispatcher, logger zerolog.Logger) (*nats.Subscription, error) {
	sub, err := conn.Subscribe(subject, func(msg *nats.Msg) {
		reply := handleBusCommand(d, msg.Data, logger)
		if msg.Reply == "" {
			return
		}
		data, err := json.Marshal(reply)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to encode bus reply")
			return
		}
		if err := msg.Respond(data); err != nil {
			logger.Warn().Err(err).Msg("Failed to send bus reply")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	logger.Info().Str("subject", subject).Msg("Listening for bus commands")
	return sub, nil
}

func handleBusCommand(d *Dispatcher, data []byte, logger zerolog.Logger) BusReply {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		logger.Warn().Err(err).Msg("Malformed bus command")
		return BusReply{Error: fmt.Errorf("%w: %v", ErrInvalidCommand, err).Error()}
	}
	if cmd.Type == CmdBind || cmd.Type == CmdUnbind {
		return BusReply{Error: fmt.Sprintf("%s is not available over the bus", cmd.Type)}
	}

	ctx, cancel := context.WithTimeout(context.Background(), busCommandTimeout)
	defer cancel()

	result, err := d.Do(ctx, cmd)
	if err != nil {
		if !errors.Is(err, ErrUnknownTenant) {
			logger.Warn().Err(err).Str("type", string(cmd.Type)).Str("tenant_id", cmd.TenantID).Msg("Bus command failed")
		}
		return BusReply{Error: err.Error()}
	}
	return BusReply{OK: true, Result: result}
}
