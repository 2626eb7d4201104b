// Package ipfs talks to an IPFS node over its HTTP API for immutable,
// content-addressed storage of vote and proof bundles, plus mutable name
// resolution used as the oracle discovery pointer.
package ipfs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/stakewise/oracle/retry"
)

type Client struct {
	apiURL      string
	gatewayURLs []string
	httpClient  *http.Client
	retryPolicy retry.Policy
}

func NewClient(apiURL string, gatewayURLs []string, policy retry.Policy) *Client {

	return &Client{
		apiURL:      strings.TrimRight(apiURL, "/"),
		gatewayURLs: gatewayURLs,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		retryPolicy: policy,
	}
}

// AddJSON marshals v, adds it to IPFS with pinning enabled, and returns the
// content identifier. Identical content always yields an identical CID,
// which is what makes cross-oracle publication comparable.
func (c *Client) AddJSON(ctx context.Context, v interface{}) (string, error) {

	data, err := json.Marshal(v)
	if err != nil {
		return "", errors.Wrap(err, "Unable to marshal content")
	}

	var cid string

	err = c.retryPolicy.Do(ctx, "ipfs add", func() error {
		var err error
		cid, err = c.add(ctx, data)
		return err
	})
	if err != nil {
		return "", err
	}

	log.WithFields(log.Fields{"CID": cid, "Bytes": len(data)}).Debug("Added content to IPFS")

	return cid, nil
}

func (c *Client) add(ctx context.Context, data []byte) (string, error) {

	var body bytes.Buffer

	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "content.json")
	if err != nil {
		return "", errors.Wrap(err, "Unable to create multipart body")
	}

	if _, err := part.Write(data); err != nil {
		return "", errors.Wrap(err, "Unable to write multipart body")
	}

	if err := mw.Close(); err != nil {
		return "", errors.Wrap(err, "Unable to finish multipart body")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+"/api/v0/add?pin=true", &body)
	if err != nil {
		return "", errors.Wrap(err, "Unable to build add request")
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "IPFS add request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", errors.Errorf("IPFS add returned status %d", resp.StatusCode)
	}

	var addResp struct {
		Hash string `json:"Hash"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&addResp); err != nil {
		return "", errors.Wrap(err, "Unable to decode add response")
	}

	if addResp.Hash == "" {
		return "", errors.New("IPFS add returned empty hash")
	}

	return addResp.Hash, nil
}

// FetchJSON retrieves the content behind cid and unmarshals it into v.
// The local node is tried first, then each public gateway in order.
func (c *Client) FetchJSON(ctx context.Context, cid string, v interface{}) error {

	cid = StripPrefix(cid)

	return c.retryPolicy.Do(ctx, "ipfs fetch "+cid, func() error {

		data, err := c.fetchRaw(ctx, c.apiURL+"/api/v0/cat?arg="+url.QueryEscape(cid), http.MethodPost)
		if err == nil {
			return json.Unmarshal(data, v)
		}

		for _, gateway := range c.gatewayURLs {
			data, gwErr := c.fetchRaw(ctx, strings.TrimRight(gateway, "/")+"/ipfs/"+cid, http.MethodGet)
			if gwErr != nil {
				log.WithError(gwErr).WithField("Gateway", gateway).Debug("Gateway fetch failed")
				continue
			}

			return json.Unmarshal(data, v)
		}

		return errors.Wrapf(err, "Unable to fetch %s from node or gateways", cid)
	})
}

func (c *Client) fetchRaw(ctx context.Context, fetchURL, method string) ([]byte, error) {

	req, err := http.NewRequestWithContext(ctx, method, fetchURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "Unable to build fetch request")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("fetch returned status %d", resp.StatusCode)
	}

	return io.ReadAll(resp.Body)
}

// PublishName points the node's mutable name record (the oracle's discovery
// pointer) at cid. Keepers resolve this name to find our latest vote.
func (c *Client) PublishName(ctx context.Context, keyName, cid string) error {

	return c.retryPolicy.Do(ctx, "ipfs name publish", func() error {

		publishURL := fmt.Sprintf("%s/api/v0/name/publish?arg=/ipfs/%s&key=%s&allow-offline=true",
			c.apiURL, url.QueryEscape(StripPrefix(cid)), url.QueryEscape(keyName))

		_, err := c.fetchRaw(ctx, publishURL, http.MethodPost)

		return err
	})
}

// ResolveName resolves a peer's discovery pointer to its latest CID.
func (c *Client) ResolveName(ctx context.Context, name string) (string, error) {

	var cid string

	err := c.retryPolicy.Do(ctx, "ipfs name resolve", func() error {

		data, err := c.fetchRaw(ctx, c.apiURL+"/api/v0/name/resolve?arg="+url.QueryEscape(name), http.MethodPost)
		if err != nil {
			return err
		}

		var resolveResp struct {
			Path string `json:"Path"`
		}
		if err := json.Unmarshal(data, &resolveResp); err != nil {
			return errors.Wrap(err, "Unable to decode resolve response")
		}

		cid = StripPrefix(resolveResp.Path)
		if cid == "" {
			return errors.Errorf("name %s resolved to empty path", name)
		}

		return nil
	})

	return cid, err
}

// StripPrefix normalizes "ipfs://Qm..." and "/ipfs/Qm..." to a bare CID.
func StripPrefix(cid string) string {
	cid = strings.TrimPrefix(cid, "ipfs://")
	cid = strings.TrimPrefix(cid, "/ipfs/")

	return strings.Trim(cid, "/")
}
