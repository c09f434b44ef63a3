package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/example/ec-order-pipeline/internal/api/middleware"
	"github.com/example/ec-order-pipeline/internal/notification"
	"github.com/example/ec-order-pipeline/internal/order"
	"github.com/example/ec-order-pipeline/internal/payment"
	"github.com/example/ec-order-pipeline/internal/reconcile"
	"github.com/example/ec-order-pipeline/internal/webhook"
)

// SignatureHeader carries the payment provider's event signature.
const SignatureHeader = "X-Payment-Signature"

// maxWebhookBody bounds how much of a webhook payload is read.
const maxWebhookBody = 1 << 20

// OrderReader is the read-only slice of the store the handlers need.
type OrderReader interface {
	GetOrder(ctx context.Context, orderID string) (*order.Order, bool, error)
	FindOrderBySession(ctx context.Context, sessionID string) (*order.Order, bool, error)
}

type Handlers struct {
	ingress *webhook.Ingress
	poller  *reconcile.Poller
	gate    *notification.Gate
	orders  OrderReader
}

func NewHandlers(ingress *webhook.Ingress, poller *reconcile.Poller, gate *notification.Gate, orders OrderReader) *Handlers {
	return &Handlers{
		ingress: ingress,
		poller:  poller,
		gate:    gate,
		orders:  orders,
	}
}

// PaymentWebhook receives the provider's signed event. Signature or payload
// failures are rejected; everything else is acknowledged so the provider
// does not redeliver an event that already succeeded.
func (h *Handlers) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	ack, err := h.ingress.Handle(r.Context(), body, r.Header.Get(SignatureHeader))
	if err != nil {
		switch {
		case errors.Is(err, payment.ErrInvalidSignature),
			errors.Is(err, payment.ErrMalformedPayload),
			errors.Is(err, webhook.ErrMissingUser),
			errors.Is(err, webhook.ErrMissingSession):
			http.Error(w, err.Error(), http.StatusBadRequest)
		default:
			// Transient failure: a non-2xx tells the provider to retry.
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	respondJSON(w, http.StatusOK, ack)
}

type reconcileRequest struct {
	SessionID string           `json:"session_id"`
	Items     []order.CartLine `json:"items"`
	Total     int64            `json:"total"`
}

type reconcileResponse struct {
	Success      bool         `json:"success"`
	Order        *order.Order `json:"order,omitempty"`
	WasDuplicate bool         `json:"was_duplicate,omitempty"`
	Error        string       `json:"error,omitempty"`
}

// Reconcile runs the fallback creation flow for one checkout landing.
func (h *Handlers) Reconcile(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	var req reconcileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.SessionID == "" {
		http.Error(w, "session_id is required", http.StatusBadRequest)
		return
	}
	if req.Total > 0 {
		var sum int64
		for _, line := range req.Items {
			sum += line.Price * int64(line.Quantity)
		}
		if sum != req.Total {
			log.Printf("[API] Client total %d does not match items total %d for session %s",
				req.Total, sum, req.SessionID)
		}
	}

	outcome, err := h.poller.Run(r.Context(), userID, req.SessionID, req.Items)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// Client went away mid-backoff; nothing to report.
			return
		}
		respondJSON(w, http.StatusInternalServerError, reconcileResponse{
			Success: false,
			Error:   "We could not confirm your order. Please contact support with your payment reference.",
		})
		return
	}

	respondJSON(w, http.StatusOK, reconcileResponse{
		Success:      true,
		Order:        outcome.Order,
		WasDuplicate: outcome.WasDuplicate,
	})
}

type notifyResponse struct {
	Success        bool `json:"success"`
	WasAlreadySent bool `json:"was_already_sent"`
}

// SendNotification dispatches one order email through the gate.
func (h *Handlers) SendNotification(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	orderID, kind := notificationParams(r.URL.Path)

	var result *notification.Result
	var err error
	switch kind {
	case "confirmation":
		result, err = h.gate.SendConfirmation(r.Context(), orderID, userID)
	case "shipped":
		result, err = h.gate.SendShipped(r.Context(), orderID, userID)
	case "delivered":
		result, err = h.gate.SendDelivered(r.Context(), orderID, userID)
	default:
		http.Error(w, "unknown notification kind", http.StatusNotFound)
		return
	}
	if err != nil {
		switch {
		case errors.Is(err, notification.ErrOrderNotFound):
			http.Error(w, "Order not found", http.StatusNotFound)
		case errors.Is(err, notification.ErrNotOwner):
			http.Error(w, "Forbidden", http.StatusForbidden)
		case errors.Is(err, notification.ErrWrongStatus):
			http.Error(w, err.Error(), http.StatusConflict)
		case errors.Is(err, notification.ErrNoItems),
			errors.Is(err, notification.ErrNoRecipient):
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	respondJSON(w, http.StatusOK, notifyResponse{
		Success:        result.Sent || result.AlreadySent,
		WasAlreadySent: result.AlreadySent,
	})
}

// GetOrder returns one order; users can only read their own.
func (h *Handlers) GetOrder(w http.ResponseWriter, r *http.Request) {
	id := extractPathParam(r.URL.Path, "/orders/")
	h.respondOrder(w, r, func(ctx context.Context) (*order.Order, bool, error) {
		return h.orders.GetOrder(ctx, id)
	})
}

// GetOrderBySession looks an order up by payment session id. The success
// page uses this to show what the pipeline produced.
func (h *Handlers) GetOrderBySession(w http.ResponseWriter, r *http.Request) {
	sessionID := extractPathParam(r.URL.Path, "/orders/session/")
	h.respondOrder(w, r, func(ctx context.Context) (*order.Order, bool, error) {
		return h.orders.FindOrderBySession(ctx, sessionID)
	})
}

func (h *Handlers) respondOrder(w http.ResponseWriter, r *http.Request, fetch func(context.Context) (*order.Order, bool, error)) {
	o, found, err := fetch(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !found {
		http.Error(w, "Order not found", http.StatusNotFound)
		return
	}
	if o.UserID != middleware.GetUserID(r.Context()) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	respondJSON(w, http.StatusOK, o)
}

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func extractPathParam(path, prefix string) string {
	return strings.TrimPrefix(path, prefix)
}

// notificationParams splits /orders/{id}/notifications/{kind}.
func notificationParams(path string) (orderID, kind string) {
	rest := strings.TrimPrefix(path, "/orders/")
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[1] != "notifications" {
		return "", ""
	}
	return parts[0], parts[2]
}
