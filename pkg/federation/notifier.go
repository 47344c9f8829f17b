package federation

import "github.com/rs/zerolog"

// LogNotifier is the devmode payment observer: it records payment session
// closure without settling anything.
type LogNotifier struct {
	Logger zerolog.Logger
}

func (n LogNotifier) PaymentSessionClosed(paymentSessionID string) {
	n.Logger.Info().Str("payment_session", paymentSessionID).Msg("payment session closed")
}
