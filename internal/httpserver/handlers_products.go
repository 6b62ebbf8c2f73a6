package httpserver

import (
	"net/http"

	apierrors "github.com/campusmart/server/internal/errors"
	"github.com/campusmart/server/internal/marketplace"
	"github.com/campusmart/server/internal/storage"
	"github.com/campusmart/server/pkg/responders"
)

// ProductsListResponse wraps a page of the catalog.
type ProductsListResponse struct {
	Products []storage.Product `json:"products"`
	Limit    int               `json:"limit,omitempty"`
	Offset   int               `json:"offset"`
}

// listCategories returns every category.
func (h *handlers) listCategories(w http.ResponseWriter, r *http.Request) {
	categories, err := h.marketplace.ListCategories(r.Context())
	if err != nil {
		writeServiceError(w, r, "categories.list.fetch_failed", err)
		return
	}
	responders.JSON(w, http.StatusOK, map[string]any{"categories": categories})
}

// listProducts returns live products, optionally by category or fast-moving only.
func (h *handlers) listProducts(w http.ResponseWriter, r *http.Request) {
	q, err := productQuery(r)
	if err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, err.Error())
		return
	}
	h.writeProducts(w, r, q)
}

// listFastMoving is the fast-moving shelf of the catalog.
func (h *handlers) listFastMoving(w http.ResponseWriter, r *http.Request) {
	q, err := productQuery(r)
	if err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, err.Error())
		return
	}
	q.FastMovingOnly = true
	h.writeProducts(w, r, q)
}

func (h *handlers) writeProducts(w http.ResponseWriter, r *http.Request, q marketplace.ProductQuery) {
	products, err := h.marketplace.ListProducts(r.Context(), q)
	if err != nil {
		writeServiceError(w, r, "products.list.fetch_failed", err)
		return
	}
	if products == nil {
		products = []storage.Product{}
	}
	responders.JSON(w, http.StatusOK, ProductsListResponse{Products: products, Limit: q.Limit, Offset: q.Offset})
}

func productQuery(r *http.Request) (marketplace.ProductQuery, error) {
	var q marketplace.ProductQuery
	category, err := queryInt(r, "category_id")
	if err != nil {
		return q, err
	}
	q.CategoryID = int64(category)
	if q.FastMovingOnly, err = queryBool(r, "fast_moving"); err != nil {
		return q, err
	}
	if q.Limit, err = queryInt(r, "limit"); err != nil {
		return q, err
	}
	if q.Offset, err = queryInt(r, "offset"); err != nil {
		return q, err
	}
	return q, nil
}

// getProduct returns a product's public fields. Contact details are never included.
func (h *handlers) getProduct(w http.ResponseWriter, r *http.Request) {
	viewer, err := viewerID(r)
	if err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, err.Error())
		return
	}
	productID, ok := pathID(w, r, "productID")
	if !ok {
		return
	}
	product, err := h.marketplace.GetProduct(r.Context(), productID, viewer)
	if err != nil {
		writeServiceError(w, r, "products.get_failed", err)
		return
	}
	responders.JSON(w, http.StatusOK, product)
}

// myProducts lists the caller's own products, including provisional and sold ones.
func (h *handlers) myProducts(w http.ResponseWriter, r *http.Request) {
	sellerID, ok := requireUser(w, r)
	if !ok {
		return
	}
	products, err := h.marketplace.SellerProducts(r.Context(), sellerID)
	if err != nil {
		writeServiceError(w, r, "products.mine.fetch_failed", err)
		return
	}
	if products == nil {
		products = []storage.Product{}
	}
	responders.JSON(w, http.StatusOK, ProductsListResponse{Products: products})
}

func (h *handlers) markSold(w http.ResponseWriter, r *http.Request) {
	sellerID, ok := requireUser(w, r)
	if !ok {
		return
	}
	productID, ok := pathID(w, r, "productID")
	if !ok {
		return
	}
	if err := h.marketplace.MarkSold(r.Context(), productID, sellerID); err != nil {
		writeServiceError(w, r, "products.mark_sold_failed", err)
		return
	}
	responders.JSON(w, http.StatusOK, map[string]any{"product_id": productID, "is_sold": true})
}

// editProduct applies a partial update to the caller's product, contact details included.
func (h *handlers) editProduct(w http.ResponseWriter, r *http.Request) {
	sellerID, ok := requireUser(w, r)
	if !ok {
		return
	}
	productID, ok := pathID(w, r, "productID")
	if !ok {
		return
	}

	var edit marketplace.ProductEdit
	if err := decodeJSON(http.MaxBytesReader(w, r.Body, maxBodyBytes), &edit); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, "invalid JSON body")
		return
	}

	product, err := h.marketplace.EditProduct(r.Context(), productID, sellerID, edit)
	if err != nil {
		writeServiceError(w, r, "products.edit_failed", err)
		return
	}
	responders.PrivateJSON(w, http.StatusOK, product)
}

func (h *handlers) deleteProduct(w http.ResponseWriter, r *http.Request) {
	sellerID, ok := requireUser(w, r)
	if !ok {
		return
	}
	productID, ok := pathID(w, r, "productID")
	if !ok {
		return
	}
	if err := h.marketplace.DeleteProduct(r.Context(), productID, sellerID); err != nil {
		writeServiceError(w, r, "products.delete_failed", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
