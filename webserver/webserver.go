// Package webserver exposes the thin operator surface: liveness, round
// status, notifier settings, and Prometheus metrics.
package webserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/stakewise/oracle/notifications"
	"github.com/stakewise/oracle/storage"
)

type WebServer struct {
	httpSvr *http.Server

	storage       *storage.Storage
	notifications *notifications.NotificationHandler
}

type WebServerArgs struct {
	Network             string
	Storage             *storage.Storage
	NotificationHandler *notifications.NotificationHandler
	BindAddr            string
	BindPort            int
	ShutdownChannel     <-chan interface{}
	WG                  *sync.WaitGroup
}

// Start launches the operator HTTP server in the background and wires its
// shutdown to the process shutdown channel.
func Start(args WebServerArgs) (*WebServer, error) {

	ws := &WebServer{
		storage:       args.Storage,
		notifications: args.NotificationHandler,
	}

	router := mux.NewRouter()
	router.HandleFunc("/api/health", ws.health)
	router.HandleFunc("/api/status", ws.status)
	router.HandleFunc("/api/settings/notifications", ws.getNotificationsConfig).Methods(http.MethodGet)
	router.HandleFunc("/api/settings/notifications", ws.setNotificationsConfig).Methods(http.MethodPost)
	router.Handle("/metrics", promhttp.Handler())

	httpAddr := fmt.Sprintf("%s:%d", args.BindAddr, args.BindPort)
	ws.httpSvr = &http.Server{
		Handler:      handlers.CombinedLoggingHandler(log.StandardLogger().WriterLevel(log.DebugLevel), router),
		Addr:         httpAddr,
		WriteTimeout: 15 * time.Second,
		ReadTimeout:  15 * time.Second,
	}

	log.WithField("Addr", httpAddr).Info("Operator API listening")

	go func() {
		if err := ws.httpSvr.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("Httpserver: ListenAndServe()")
		}
		log.Info("Httpserver: Shutdown")
	}()

	go func() {
		<-args.ShutdownChannel

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := ws.httpSvr.Shutdown(ctx); err != nil {
			log.WithError(err).Error("Httpserver: Shutdown()")
		}

		args.WG.Done()
	}()

	return ws, nil
}

func (ws *WebServer) health(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]bool{"ok": true})
}

func (ws *WebServer) status(w http.ResponseWriter, r *http.Request) {

	finalizedNonce, err := ws.storage.GetFinalizedNonce()
	if err != nil {
		apiError(w, err)
		return
	}

	lastVoteAt, err := ws.storage.GetLastVoteTimestamp()
	if err != nil {
		apiError(w, err)
		return
	}

	json.NewEncoder(w).Encode(map[string]uint64{
		"finalized_nonce": finalizedNonce,
		"last_vote_at":    lastVoteAt,
	})
}

func (ws *WebServer) getNotificationsConfig(w http.ResponseWriter, r *http.Request) {

	config, err := ws.notifications.GetConfig()
	if err != nil {
		apiError(w, err)
		return
	}

	json.NewEncoder(w).Encode(config)
}

func (ws *WebServer) setNotificationsConfig(w http.ResponseWriter, r *http.Request) {

	body, err := io.ReadAll(r.Body)
	if err != nil {
		apiError(w, err)
		return
	}

	notifier := r.URL.Query().Get("notifier")
	if notifier == "" {
		notifier = "telegram"
	}

	if err := ws.notifications.Configure(notifier, body, true); err != nil {
		log.WithError(err).WithField("Notifier", notifier).Error("API set notifications config")
		apiError(w, err)
		return
	}

	json.NewEncoder(w).Encode(map[string]bool{"ok": true})
}

func apiError(w http.ResponseWriter, err error) {
	w.WriteHeader(http.StatusInternalServerError)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
