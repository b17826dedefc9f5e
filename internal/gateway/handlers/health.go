package handlers

import "net/http"

type healthBody struct {
	Status    string   `json:"status"`
	Version   string   `json:"version"`
	Endpoints []string `json:"endpoints"`
}

// Health returns the unauthenticated health handler.
func Health(version string) http.HandlerFunc {
	body := healthBody{
		Status:  "ok",
		Version: version,
		Endpoints: []string{
			"POST /chat",
			"GET /chat",
		},
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, body)
	}
}
