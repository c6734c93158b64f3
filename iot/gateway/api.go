package gateway

import (
	"log"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
)

// API is the HTTP authorization hook for external brokers. The broker
// posts connection attempts and receives an allow/deny verdict. The
// endpoint always answers 200; a malformed request is a deny, not an
// error, so that a confused broker cannot fall through to allow.
type API struct {
	gateway *Gateway
}

// APIBuilder is a builder helper for the API
type APIBuilder struct {
	// Gateway makes the decisions. This is mandatory.
	Gateway *Gateway
	// Router is a mux router. This is mandatory.
	Router *mux.Router
}

// NewAPI realizes the authorization hook.
func NewAPI(b *APIBuilder) *API {
	if b.Gateway == nil {
		panic("Gateway is missing")
	}
	if b.Router == nil {
		panic("Router is missing")
	}
	a := &API{gateway: b.Gateway}
	a.handleRoutes(b.Router)
	return a
}

type hookResponse struct {
	Result      string `json:"result"`
	IsSuperuser bool   `json:"is_superuser"`
}

func (a *API) handleRoutes(router *mux.Router) {
	log.Println("gateway: handle route /mqtt/auth POST")

	router.HandleFunc("/mqtt/auth",
		func(w http.ResponseWriter, r *http.Request) {
			var req AuthRequest
			response := hookResponse{Result: "deny"}
			if err := json.NewDecoder(r.Body).Decode(&req); err == nil {
				decision := a.gateway.Authorize(r.Context(), req)
				if decision.Allow {
					response.Result = "allow"
					response.IsSuperuser = decision.IsSuperuser
				}
			}
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			json.NewEncoder(w).Encode(response)
		}).Methods(http.MethodOptions, http.MethodPost)
}
