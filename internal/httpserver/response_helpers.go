package httpserver

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"

	apierrors "github.com/campusmart/server/internal/errors"
	"github.com/campusmart/server/internal/logger"
	"github.com/campusmart/server/internal/marketplace"
	"github.com/campusmart/server/internal/mpesa"
	"github.com/campusmart/server/internal/payments"
	"github.com/campusmart/server/internal/storage"
)

// writeServiceError translates a domain error into the API error envelope.
// Unexpected errors are logged under event and reported as internal errors.
func writeServiceError(w http.ResponseWriter, r *http.Request, event string, err error) {
	var verrs validator.ValidationErrors
	var initErr *payments.InitiationError

	switch {
	case errors.As(err, &verrs):
		apierrors.WriteValidationError(w, err)
	case errors.Is(err, payments.ErrInvalidPhone):
		apierrors.WriteErrorWithDetail(w, apierrors.ErrCodeInvalidPhone,
			"Phone number must be a Kenyan mobile number such as 0712345678", "field", "phone")
	case errors.As(err, &initErr):
		code := apierrors.ErrCodePaymentInitiationFailed
		if errors.Is(initErr, mpesa.ErrGatewayUnavailable) {
			code = apierrors.ErrCodeGatewayUnavailable
		}
		log := logger.FromContext(r.Context())
		log.Warn().Err(err).Msg(event)
		apierrors.WriteSimpleError(w, code, initErr.Message)
	case errors.Is(err, payments.ErrProductNotFound), errors.Is(err, marketplace.ErrProductNotFound):
		apierrors.WriteSimpleError(w, apierrors.ErrCodeProductNotFound, "product not found")
	case errors.Is(err, payments.ErrCategoryNotFound), errors.Is(err, marketplace.ErrCategoryNotFound):
		apierrors.WriteSimpleError(w, apierrors.ErrCodeCategoryNotFound, "category not found")
	case errors.Is(err, marketplace.ErrNotificationNotFound):
		apierrors.WriteSimpleError(w, apierrors.ErrCodeNotificationNotFound, "notification not found")
	case errors.Is(err, payments.ErrPaymentNotFound):
		apierrors.WriteSimpleError(w, apierrors.ErrCodeResourceNotFound, "payment not found")
	case errors.Is(err, payments.ErrNotOwner), errors.Is(err, marketplace.ErrNotOwner):
		apierrors.WriteSimpleError(w, apierrors.ErrCodeNotOwner, "product belongs to another seller")
	case errors.Is(err, payments.ErrProductUnavailable):
		apierrors.WriteSimpleError(w, apierrors.ErrCodeProductUnavailable, "product is sold or not yet published")
	case errors.Is(err, marketplace.ErrPaymentPending):
		apierrors.WriteSimpleError(w, apierrors.ErrCodePaymentConflict, "a payment for this product is still pending")
	case errors.Is(err, storage.ErrConflict):
		apierrors.WriteSimpleError(w, apierrors.ErrCodePaymentConflict, "a concurrent payment changed this product, retry")
	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful to write.
	default:
		log := logger.FromContext(r.Context())
		log.Error().Err(err).Msg(event)
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInternalError, "internal error")
	}
}
