// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/thfree/jcl/pkg/stanza"
)

const maxFeedBodySize = 1 << 20

// StateReporter exposes the run loop state on the admin API.
type StateReporter interface {
	State() SupervisorState
}

// AdminAPI is the local HTTP surface used by operators and by the settings
// tooling.
type AdminAPI struct {
	gw    *Gateway
	state StateReporter
	queue *QueueFeeder
	log   zerolog.Logger
}

func NewAdminAPI(gw *Gateway, state StateReporter, queue *QueueFeeder) *AdminAPI {
	return &AdminAPI{
		gw:    gw,
		state: state,
		queue: queue,
		log:   gw.Log.With().Str("component", "admin_api").Logger(),
	}
}

// Handler builds the chi router of the API.
func (api *AdminAPI) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.Recoverer)
	r.Route("/api", func(r chi.Router) {
		r.Get("/status", api.handleStatus)
		r.Post("/reload-settings", api.handleReloadSettings)
		r.Post("/feed/{owner}/{account}", api.handleFeed)
	})
	return r
}

type statusResponse struct {
	State     string `json:"state"`
	Component string `json:"component"`
	Users     int    `json:"users"`
	Accounts  int    `json:"accounts"`
	Uptime    int64  `json:"uptime_seconds"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (api *AdminAPI) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	users, err := api.gw.Store.UsersMatching(ctx, nil)
	if err != nil {
		api.log.Err(err).Msg("Failed to list users")
		http.Error(w, "failed to list users", http.StatusInternalServerError)
		return
	}
	accounts, err := api.gw.Store.AllAccounts(ctx)
	if err != nil {
		api.log.Err(err).Msg("Failed to list accounts")
		http.Error(w, "failed to list accounts", http.StatusInternalServerError)
		return
	}
	state := StateDisconnected
	if api.state != nil {
		state = api.state.State()
	}
	writeJSON(w, http.StatusOK, statusResponse{
		State:     state.String(),
		Component: api.gw.JID.String(),
		Users:     len(users),
		Accounts:  len(accounts),
		Uptime:    int64(time.Since(api.gw.startedAt).Seconds()),
	})
}

func (api *AdminAPI) handleReloadSettings(w http.ResponseWriter, r *http.Request) {
	api.log.Info().Str("remote_addr", r.RemoteAddr).Msg("Settings reload requested")
	if err := api.gw.Settings.Reload(); err != nil {
		api.log.Err(err).Msg("Failed to reload settings")
		http.Error(w, "failed to reload settings", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"admins": api.gw.Settings.Admins(),
		"motd":   api.gw.Settings.MOTD() != "",
	})
}

func (api *AdminAPI) handleFeed(w http.ResponseWriter, r *http.Request) {
	if api.queue == nil {
		http.Error(w, "no queue feeder configured", http.StatusNotImplemented)
		return
	}
	owner, err := stanza.ParseJID(chi.URLParam(r, "owner"))
	if err != nil {
		http.Error(w, "invalid owner", http.StatusBadRequest)
		return
	}
	name := chi.URLParam(r, "account")
	acc, err := api.gw.Store.GetAccount(r.Context(), owner.Bare(), name)
	if err != nil {
		api.log.Err(err).Msg("Failed to get account")
		http.Error(w, "failed to get account", http.StatusInternalServerError)
		return
	} else if acc == nil {
		http.Error(w, "account not found", http.StatusNotFound)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxFeedBodySize))
	if err != nil {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}
	var item Item
	if err = json.Unmarshal(body, &item); err != nil || item.Body == "" && item.Subject == "" {
		http.Error(w, "invalid item", http.StatusBadRequest)
		return
	}
	api.queue.Push(acc.Owner, acc.Name, item)
	api.log.Debug().Stringer("owner", acc.Owner).Str("account", acc.Name).Msg("Queued feed item")
	writeJSON(w, http.StatusAccepted, map[string]int{"pending": api.queue.Pending(acc.Owner, acc.Name)})
}

// ServeAdminAPI serves handler on addr until ctx is done.
func ServeAdminAPI(ctx context.Context, addr string, handler http.Handler, log zerolog.Logger) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	log.Info().Str("addr", addr).Msg("Starting admin API")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
