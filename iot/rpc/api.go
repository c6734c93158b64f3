package rpc

import (
	"log"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/verdant-tech/iothub/iot"
)

// API pushes fire-and-forget commands to devices through an in-process
// broker. Unlike Client it needs no MQTT session of its own; the hub
// hands requests straight to its embedded broker's publish service.
// Responses come back on the device's response topic for whoever
// subscribes there.
type API struct {
	publisher iot.MessagePublisher
}

// APIBuilder is a builder helper for the API
type APIBuilder struct {
	// Publisher publishes into the broker. This is mandatory.
	Publisher iot.MessagePublisher
	// Router is a mux router. This is mandatory.
	Router *mux.Router
}

// NewAPI realizes the command service. It adds the rpc route to the
// router.
func NewAPI(b *APIBuilder) *API {
	if b.Publisher == nil {
		panic("Publisher is missing")
	}
	if b.Router == nil {
		panic("Router is missing")
	}
	a := &API{publisher: b.Publisher}
	a.handleRoutes(b.Router)
	return a
}

type commandBody struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

func (a *API) handleRoutes(router *mux.Router) {
	log.Println("rpc: handle route /users/{user_id}/devices/{device_id}/rpc POST")

	router.HandleFunc("/users/{user_id}/devices/{device_id}/rpc",
		func(w http.ResponseWriter, r *http.Request) {
			params := mux.Vars(r)
			userID := params["user_id"]
			deviceID := params["device_id"]

			var body commandBody
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body.Method) == 0 {
				http.Error(w, "method missing", http.StatusBadRequest)
				return
			}
			if err := ValidateParams(body.Method, body.Params); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}

			request := Request{ID: uuid.NewString(), Method: body.Method, Params: body.Params}
			payload, _ := json.Marshal(request)
			a.publisher.PublishMessageQ1(RequestTopic(userID, deviceID), payload)

			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.WriteHeader(http.StatusAccepted)
			json.NewEncoder(w).Encode(map[string]string{"id": request.ID})
		}).Methods(http.MethodOptions, http.MethodPost)
}
