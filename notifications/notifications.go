package notifications

import (
	"encoding/json"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/stakewise/oracle/storage"
)

// Kinds of operator notifications.
const (
	VOTING  = "voting"
	KEEPER  = "keeper"
	BALANCE = "balance"
	VERSION = "version"
)

type Notifier interface {
	Send(msg string)
	IsEnabled() bool
}

type NotificationHandler struct {
	Notifiers map[string]Notifier
	Storage   *storage.Storage
}

// NewHandler loads notifier configs from the DB and constructs each enabled
// notifier. A broken notifier config is logged and skipped, never fatal.
func NewHandler(db *storage.Storage) (*NotificationHandler, error) {

	nh := &NotificationHandler{
		Notifiers: make(map[string]Notifier, 1),
		Storage:   db,
	}

	tConfig, err := db.GetNotifiersConfig("telegram")
	if err != nil {
		return nil, errors.Wrap(err, "Unable to load telegram config")
	}

	if err := nh.Configure("telegram", tConfig, false); err != nil {
		log.WithError(err).Error("Unable to init telegram notifier")
	}

	return nh, nil
}

// Configure (re)builds a notifier from a JSON config coming from the DB or
// the settings API. saveConfig persists it when it arrived from the API.
func (nh *NotificationHandler) Configure(notifier string, config []byte, saveConfig bool) error {

	switch notifier {
	case "telegram":
		nt, err := nh.NewTelegram(config, saveConfig)
		if err != nil {
			return err
		}
		nh.Notifiers["telegram"] = nt

	default:
		return errors.Errorf("Unknown notification type: %s", notifier)
	}

	return nil
}

// SendNotification fans msg out to every enabled notifier.
func (nh *NotificationHandler) SendNotification(msg, kind string) {

	for name, notifier := range nh.Notifiers {
		if !notifier.IsEnabled() {
			continue
		}

		log.WithFields(log.Fields{"Notifier": name, "Kind": kind}).Debug("Sending notification")
		notifier.Send(msg)
	}
}

func (nh *NotificationHandler) GetConfig() (json.RawMessage, error) {

	// Return RawMessage so as not to double Marshal
	bts, err := json.Marshal(nh.Notifiers)
	return json.RawMessage(bts), err
}
