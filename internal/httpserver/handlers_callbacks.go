package httpserver

import (
	"errors"
	"net/http"
	"time"

	"github.com/campusmart/server/internal/logger"
	"github.com/campusmart/server/internal/mpesa"
	"github.com/campusmart/server/internal/payments"
	"github.com/campusmart/server/pkg/responders"
)

// callbackAck is the acknowledgement body the provider expects.
type callbackAck struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

var (
	ackAccepted = callbackAck{ResultCode: 0, ResultDesc: "Accepted"}
	ackRejected = callbackAck{ResultCode: 1, ResultDesc: "Rejected"}
)

// mpesaCallback receives STK results for one ledger. The provider is always answered
// with 200; only a structurally invalid payload is rejected.
func (h *handlers) mpesaCallback(kind payments.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		log := logger.FromContext(r.Context()).With().Str("kind", string(kind)).Logger()

		cb, err := mpesa.ParseCallback(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			log.Warn().Err(err).Msg("mpesa.callback.malformed")
			h.metrics.ObserveCallback(string(kind), "rejected", time.Since(start))
			responders.JSON(w, http.StatusOK, ackRejected)
			return
		}

		status := "accepted"
		if err := h.payments.HandleCallback(r.Context(), kind, cb); err != nil {
			// Unknown ids are acknowledged so the provider stops retrying. A failed
			// transition leaves the entry pending for the status poll to settle.
			status = "error"
			if errors.Is(err, payments.ErrPaymentNotFound) {
				status = "unknown"
			}
		}
		h.metrics.ObserveCallback(string(kind), status, time.Since(start))
		responders.JSON(w, http.StatusOK, ackAccepted)
	}
}
