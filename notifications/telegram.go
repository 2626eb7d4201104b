package notifications

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/stakewise/oracle/storage"
)

type NotifyTelegram struct {
	ChatIDs []int  `json:"chatids"`
	APIKey  string `json:"apikey"`
	Enabled bool   `json:"enabled"`
	Storage *storage.Storage `json:"-"`
}

// NewTelegram creates a NotifyTelegram from a JSON byte-stream provided by
// either DB lookup or the settings API.
//
// If saveConfig is true, persist the new config to DB. Not wanted when we
// just loaded the config from DB at startup; wanted after receiving a new
// config over the API.
func (nh *NotificationHandler) NewTelegram(config []byte, saveConfig bool) (*NotifyTelegram, error) {
	nt := &NotifyTelegram{
		Enabled: false,
		Storage: nh.Storage,
	}

	// empty config from db?
	if config != nil {
		if err := json.Unmarshal(config, nt); err != nil {
			return nt, errors.Wrap(err, "Unable to unmarshal telegram config")
		}
	} else {
		log.Debug("No telegram config in DB; notifier disabled")
	}

	if saveConfig {
		if err := nt.SaveConfig(); err != nil {
			return nt, err
		}
	}

	return nt, nil
}

func (n *NotifyTelegram) IsEnabled() bool {
	return n.Enabled && n.APIKey != ""
}

func (n *NotifyTelegram) Send(msg string) {

	req, err := http.NewRequest(http.MethodGet, fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", n.APIKey), nil)
	if err != nil {
		log.WithError(err).Error("Unable to make telegram request")
		return
	}

	req.Header.Add("Content-type", "application/x-www-form-urlencoded")

	q := req.URL.Query()
	q.Add("text", msg)

	client := &http.Client{
		Timeout: time.Second * 10,
	}

	for _, id := range n.ChatIDs {
		sendMessage(client, req, q, id)
	}

	log.WithField("MSG", msg).Info("Sent Telegram Message(s)")
}

func sendMessage(client *http.Client, req *http.Request, queryParams url.Values, chatID int) {
	queryParams.Set("chat_id", strconv.Itoa(chatID))
	req.URL.RawQuery = queryParams.Encode()

	resp, err := client.Do(req)
	if err != nil {
		log.WithField("ChatId", chatID).WithError(err).Error("Unable to send telegram message")
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		log.WithField("ChatId", chatID).WithError(err).Error("Unable to read telegram message response")
		return
	}

	log.WithField("Resp", string(body)).Debug("Telegram Reply")
}

func (n *NotifyTelegram) SaveConfig() error {
	config, err := json.Marshal(n)
	if err != nil {
		return errors.Wrap(err, "Unable to marshal telegram config")
	}

	if err := n.Storage.SaveNotifiersConfig("telegram", config); err != nil {
		return errors.Wrap(err, "Unable to save telegram config")
	}

	return nil
}
