// Package handlers implements the submission API: creating jobs, confirming
// uploads, and reading job state and results. The API never advances a
// running job; it only hands work to the router by emitting JOB_STARTED.
package handlers

import (
	"encoding/json"
	"net/http"

	"speechflow/internal/domain"
	"speechflow/internal/infra"
	"speechflow/internal/messaging"
	"speechflow/internal/storage"
)

type App struct {
	Store  domain.JobStore
	Blobs  storage.BlobStore
	Broker messaging.Broker

	RouterQueue       string
	RawAudioContainer string
	ResultsContainer  string

	Logger infra.Logger
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, code int, errCode, message string) {
	a.json(w, code, map[string]any{
		"error": map[string]string{"code": errCode, "message": message},
	})
}
