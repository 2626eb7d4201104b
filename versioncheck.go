package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/stakewise/oracle/notifications"
)

const (
	VERSION_URL = "https://stakewise.github.io/oracle/version.json"
)

type Versions []Version

type Version struct {
	Date    time.Time `json:"date"`
	Version string    `json:"version"`
	Notes   string    `json:"notes"`
}

// RunVersionCheck polls for newer releases every 12hrs and notifies the
// operator once per discovered version.
func (s *OracleServer) RunVersionCheck(shutdown <-chan interface{}) {

	ticker := time.NewTicker(12 * time.Hour)
	defer ticker.Stop()

	notified := make(map[string]bool)

	for {

		versions := Versions{}

		log.Info("Checking version...")

		// HTTP client 10s timeout
		client := &http.Client{
			Timeout: time.Second * 10,
		}

		resp, err := client.Get(VERSION_URL)
		if err != nil {
			log.WithError(err).Error("Unable to get version update")
		} else {
			if err := json.NewDecoder(resp.Body).Decode(&versions); err != nil {
				log.WithError(err).Error("Unable to decode version update")
			}
			resp.Body.Close()
		}

		for _, v := range versions {
			log.WithFields(log.Fields{
				"Date": v.Date, "Version": v.Version, "Notes": v.Notes,
			}).Info("Version Update")

			if v.Version != version && !notified[v.Version] {
				notified[v.Version] = true
				s.SendNotification(
					fmt.Sprintf("Oracle %s is available (running %s): %s", v.Version, version, v.Notes),
					notifications.VERSION)
			}
		}

		// wait here for next iteration
		select {
		case <-ticker.C:
		case <-shutdown:
			return
		}
	}
}
