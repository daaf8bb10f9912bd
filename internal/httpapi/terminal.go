package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"pharmapos/backend/internal/cart"
	"pharmapos/backend/internal/domain"
	"pharmapos/backend/internal/service"
)

type sessionStartRequest struct {
	ShopID     string `json:"shop_id"`
	TerminalID string `json:"terminal_id"`
}

type itemAddRequest struct {
	SKU string `json:"sku"`
}

type quantityRequest struct {
	Delta int `json:"delta"`
}

type overrideRequest struct {
	PriceCents int64 `json:"price_cents"`
}

type terminalCreditRequest struct {
	InvoiceID string `json:"invoice_id"`
	Notes     string `json:"notes"`
}

func (a *API) handleTerminalSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		a.writeMethodNotAllowed(w)
		return
	}
	var req sessionStartRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	shopID := strings.TrimSpace(req.ShopID)
	if shopID == "" {
		shopID = a.service.DefaultShopID()
	}
	writeJSON(w, http.StatusCreated, a.terminals.Start(shopID, strings.TrimSpace(req.TerminalID), caller(r).Username))
}

// caller is the authenticated actor; a zero Actor owns no session.
func caller(r *http.Request) domain.Actor {
	actor, _ := service.ActorFromContext(r.Context())
	return actor
}

// handleTerminalSessionActions routes everything under a session id:
//
//	GET/DELETE  {id}
//	POST        {id}/items
//	PATCH/DELETE {id}/items/{sku}
//	PUT/DELETE  {id}/items/{sku}/price
//	POST        {id}/checkout
func (a *API) handleTerminalSessionActions(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(pathTail(r, "/api/v1/terminal/sessions/"), "/")
	id := strings.TrimSpace(parts[0])
	if id == "" {
		a.writeError(w, http.StatusBadRequest, errors.New("session id required"))
		return
	}

	switch {
	case len(parts) == 1:
		a.handleSession(w, r, id)
	case len(parts) == 2 && parts[1] == "items":
		a.handleSessionItems(w, r, id)
	case len(parts) == 2 && parts[1] == "checkout":
		a.handleSessionCheckout(w, r, id)
	case len(parts) == 3 && parts[1] == "items":
		a.handleSessionItem(w, r, id, parts[2])
	case len(parts) == 4 && parts[1] == "items" && parts[3] == "price":
		a.handleSessionItemPrice(w, r, id, parts[2])
	default:
		a.writeError(w, http.StatusNotFound, errors.New("unknown session action"))
	}
}

func (a *API) handleSession(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodGet:
		view, err := a.terminals.View(id, caller(r))
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	case http.MethodDelete:
		if err := a.terminals.Abandon(id, caller(r)); err != nil {
			a.writeServiceError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		a.writeMethodNotAllowed(w)
	}
}

func (a *API) handleSessionItems(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		a.writeMethodNotAllowed(w)
		return
	}
	var req itemAddRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.SKU) == "" {
		a.writeError(w, http.StatusBadRequest, errors.New("sku is required"))
		return
	}
	view, err := a.terminals.AddItem(r.Context(), id, caller(r), req.SKU)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) handleSessionItem(w http.ResponseWriter, r *http.Request, id string, sku string) {
	switch r.Method {
	case http.MethodPatch:
		var req quantityRequest
		if err := decodeJSON(r, &req); err != nil {
			a.writeError(w, http.StatusBadRequest, err)
			return
		}
		view, err := a.terminals.UpdateQuantity(r.Context(), id, caller(r), sku, req.Delta)
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	case http.MethodDelete:
		view, err := a.terminals.RemoveItem(id, caller(r), sku)
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	default:
		a.writeMethodNotAllowed(w)
	}
}

func (a *API) handleSessionItemPrice(w http.ResponseWriter, r *http.Request, id string, sku string) {
	switch r.Method {
	case http.MethodPut:
		var req overrideRequest
		if err := decodeJSON(r, &req); err != nil {
			a.writeError(w, http.StatusBadRequest, err)
			return
		}
		view, err := a.terminals.SetOverridePrice(id, caller(r), sku, req.PriceCents)
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	case http.MethodDelete:
		view, err := a.terminals.ClearOverridePrice(id, caller(r), sku)
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	default:
		a.writeMethodNotAllowed(w)
	}
}

func (a *API) handleSessionCheckout(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		a.writeMethodNotAllowed(w)
		return
	}
	var checkout cart.Checkout
	if err := decodeJSON(r, &checkout); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	inv, err := a.terminals.Checkout(r.Context(), id, caller(r), checkout)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, inv)
}

func (a *API) handleTerminalCredit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		a.writeMethodNotAllowed(w)
		return
	}
	var req terminalCreditRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.InvoiceID) == "" {
		a.writeError(w, http.StatusBadRequest, errors.New("invoice_id is required"))
		return
	}
	cn, err := a.terminals.CreditInvoice(r.Context(), req.InvoiceID, req.Notes)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, cn)
}
