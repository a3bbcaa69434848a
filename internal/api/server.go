package api

import (
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
)

// HTTPHandler wraps the routes with CORS and request logging. CORS runs
// outside the router so preflight requests need no route of their own.
func (h *Handler) HTTPHandler() http.Handler {
	return corsMiddleware(loggingMiddleware(h.logger)(h.Routes()))
}

// Routes configures all HTTP routes
func (h *Handler) Routes() *mux.Router {
	r := mux.NewRouter()
	api := r.PathPrefix(fmt.Sprintf("/v%d", h.opts.MajorVersion)).Subrouter()

	api.HandleFunc("/renderoutput/{filename}", h.ServeRenderOutput).Methods(http.MethodGet)
	api.HandleFunc("/renderoutput", h.UploadRenderOutput).Methods(http.MethodPost)
	api.HandleFunc("/convertoutput/{filename}", h.ServeConvertOutput).Methods(http.MethodGet)
	api.HandleFunc("/convertoutput", h.UploadConvertOutput).Methods(http.MethodPost)

	// Client endpoints are rate limited; output files are fetched and
	// uploaded by workers and are not.
	client := api.PathPrefix("").Subrouter()
	if h.deps.Limiter != nil {
		client.Use(RateLimitMiddleware(h.deps.Limiter, h.deps.Limiter.RequestsPerHour()))
	}

	client.HandleFunc("/session", h.CreateSession).Methods(http.MethodPost)
	client.HandleFunc("/session/{guid}", h.GetSession).Methods(http.MethodGet)
	client.HandleFunc("/session/{guid}", h.CloseSession).Methods(http.MethodDelete)
	client.HandleFunc("/session/{guid}/fail", h.FailSession).Methods(http.MethodPost)

	client.HandleFunc("/worker", h.ListWorkers).Methods(http.MethodGet)

	client.HandleFunc("/job", h.ListJobs).Methods(http.MethodGet)
	client.HandleFunc("/job", h.CreateRenderJob).Methods(http.MethodPost)
	client.HandleFunc("/job/convert", h.CreateConvertJob).Methods(http.MethodPost)
	client.HandleFunc("/job/{guid}", h.GetJob).Methods(http.MethodGet)
	client.HandleFunc("/job/{guid}", h.UpdateJob).Methods(http.MethodPut)

	client.HandleFunc("/task", h.ListTasks).Methods(http.MethodGet)
	client.HandleFunc("/task", h.CreateTask).Methods(http.MethodPost)
	client.HandleFunc("/task/{guid}", h.GetTask).Methods(http.MethodGet)
	client.HandleFunc("/task/{guid}", h.CancelTask).Methods(http.MethodPut)

	client.HandleFunc("/three/{kind}", h.StoreAsset).Methods(http.MethodPost)
	client.HandleFunc("/three/{kind}/cache/{hash}", h.HasCachedAsset).Methods(http.MethodGet)
	client.HandleFunc("/three/{kind}/cache/{hash}/file", h.GetCachedAssetFile).Methods(http.MethodGet)
	client.HandleFunc("/three/{kind}/{uuid}", h.UpdateAsset).Methods(http.MethodPut)
	client.HandleFunc("/three/{kind}/{uuid}", h.DeleteAsset).Methods(http.MethodDelete)
	client.HandleFunc("/three/{kind}/{uuid}/file", h.GetAssetFile).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeMessage(w, http.StatusNotFound, "route not found")
	})
	return r
}
