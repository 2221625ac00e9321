package payment

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"

	"github.com/robertarktes/ticketing-checkout/internal/domain"
)

// HandleGatewayMessage applies one gateway notification taken off the
// broker. Malformed bodies are marked invalid so they are not redelivered.
func (r *Reconciler) HandleGatewayMessage(ctx context.Context, body []byte) error {
	var ev GatewayEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return errors.Mark(errors.Wrap(err, "decode gateway message"), domain.ErrInvalidEvent)
	}
	res, err := r.RecordGatewayEvent(ctx, ev)
	if err != nil {
		return err
	}
	r.logger.WithField("external_tx_id", ev.ExternalTxID).
		WithField("settlement", string(res.Settlement)).
		Debug("gateway message applied")
	return nil
}
