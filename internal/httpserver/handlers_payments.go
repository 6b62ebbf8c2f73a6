package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/campusmart/server/internal/errors"
	"github.com/campusmart/server/internal/logger"
	"github.com/campusmart/server/internal/payments"
	"github.com/campusmart/server/pkg/responders"
)

// unlockRequestBody is the client payload for POST /products/{id}/unlock.
type unlockRequestBody struct {
	Phone string `json:"phone"`
}

// contactResponse is returned once a viewer may see the seller's contact details.
type contactResponse struct {
	ProductID   int64  `json:"product_id"`
	SellerID    int64  `json:"seller_id"`
	ContactInfo string `json:"contact_info"`
}

// initiateListing creates (or resumes) a listing and pushes the listing fee.
func (h *handlers) initiateListing(w http.ResponseWriter, r *http.Request) {
	sellerID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req payments.ListingRequest
	if err := decodeJSON(http.MaxBytesReader(w, r.Body, maxBodyBytes), &req); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, "invalid JSON body")
		return
	}
	req.SellerID = sellerID

	result, err := h.payments.InitiateListing(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, "listings.initiate_failed", err)
		return
	}
	responders.JSON(w, initiationStatus(result), result)
}

// initiateUnlock pushes the unlock fee for a product's contact details.
func (h *handlers) initiateUnlock(w http.ResponseWriter, r *http.Request) {
	buyerID, ok := requireUser(w, r)
	if !ok {
		return
	}
	productID, ok := pathID(w, r, "productID")
	if !ok {
		return
	}

	var body unlockRequestBody
	if err := decodeJSON(http.MaxBytesReader(w, r.Body, maxBodyBytes), &body); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, "invalid JSON body")
		return
	}

	result, err := h.payments.InitiateUnlock(r.Context(), payments.UnlockRequest{
		BuyerID:   buyerID,
		ProductID: productID,
		Phone:     body.Phone,
	})
	if err != nil {
		writeServiceError(w, r, "unlocks.initiate_failed", err)
		return
	}
	responders.JSON(w, initiationStatus(result), result)
}

// initiationStatus is 202 while the payer still has to confirm on their phone.
func initiationStatus(result payments.InitiationResult) int {
	if result.AlreadyPaid || result.Active {
		return http.StatusOK
	}
	return http.StatusAccepted
}

// paymentStatus answers a client poll, reconciling with the provider when still pending.
func (h *handlers) paymentStatus(w http.ResponseWriter, r *http.Request) {
	kind, ok := payments.ParseKind(chi.URLParam(r, "kind"))
	if !ok {
		apierrors.WriteErrorWithDetail(w, apierrors.ErrCodeInvalidField, "kind must be listing or unlock", "param", "kind")
		return
	}
	checkoutID := chi.URLParam(r, "checkoutRequestID")

	result, err := h.payments.CheckStatus(r.Context(), kind, checkoutID)
	if err != nil {
		writeServiceError(w, r, "payments.status_failed", err)
		return
	}
	if result.Status == payments.StatusNotFound {
		log := logger.FromContext(r.Context())
		log.Debug().
			Str("checkout_request_id", logger.TruncateID(checkoutID)).
			Msg("payments.status.not_found")
	}
	responders.JSON(w, http.StatusOK, result)
}

// productContact releases the seller's contact details to the seller or an unlocked buyer.
func (h *handlers) productContact(w http.ResponseWriter, r *http.Request) {
	viewer, err := viewerID(r)
	if err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, err.Error())
		return
	}
	productID, ok := pathID(w, r, "productID")
	if !ok {
		return
	}

	access, err := h.payments.ContactAccess(r.Context(), productID, viewer)
	if err != nil {
		writeServiceError(w, r, "products.contact_failed", err)
		return
	}
	if !access.Allowed {
		apierrors.WriteError(w, apierrors.ErrCodeUnlockRequired, "Pay the unlock fee to see the seller's contact details", map[string]any{
			"product_id": productID,
			"unlock_fee": access.UnlockFee,
		})
		return
	}
	responders.PrivateJSON(w, http.StatusOK, contactResponse{
		ProductID:   productID,
		SellerID:    access.SellerID,
		ContactInfo: access.ContactInfo,
	})
}
