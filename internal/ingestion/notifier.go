package ingestion

import (
	"encoding/json"
	"fmt"
	"time"

	"TrancheVault/internal/ledger"
	"TrancheVault/internal/observability"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// ControllerSubject is where settlement notifications for the upstream
// controller are published.
const ControllerSubject = "vault.controller.schedule"

// NATSControllerNotifier delivers scheduleSettlement notifications over core
// NATS. Delivery is fire-and-forget: the notification is an optimization,
// and a missed one leaves the interaction settleable by a later direct call
// or the next sweep.
type NATSControllerNotifier struct {
	nc      *nats.Conn
	metrics *observability.Metrics
	log     zerolog.Logger
}

type scheduleNotification struct {
	Nonce       uint64 `json:"nonce"`
	TimestampUs int64  `json:"timestamp_us"`
}

func NewNATSControllerNotifier(nc *nats.Conn, metrics *observability.Metrics) *NATSControllerNotifier {
	return &NATSControllerNotifier{
		nc:      nc,
		metrics: metrics,
		log:     observability.NewLogger("notifier"),
	}
}

// ScheduleSettlement publishes a settlement instruction for the controller.
func (n *NATSControllerNotifier) ScheduleSettlement(nonce ledger.Nonce) {
	data, err := json.Marshal(scheduleNotification{
		Nonce:       uint64(nonce),
		TimestampUs: time.Now().UnixMicro(),
	})
	if err != nil {
		panic(fmt.Sprintf("FATAL: cannot marshal schedule notification: %v", err))
	}

	if err := n.nc.Publish(ControllerSubject, data); err != nil {
		n.log.Warn().Err(err).Uint64("nonce", uint64(nonce)).Msg("schedule notification failed")
		if n.metrics != nil {
			n.metrics.NotifyErrors.Inc()
		}
		return
	}
	if n.metrics != nil {
		n.metrics.NotifyPublished.Inc()
	}
}
