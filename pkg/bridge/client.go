// Package bridge implements the client<->server RPC path: a client-side
// module's Helper.Request builds an Envelope and POSTs it to the remote
// runtime's /module/<name>/ endpoint; server-side, Ingress stands up a
// per-request ephemeral Unix-socket listener so the module's own HTTP
// app can answer exactly as if it were serving a normal request.
package bridge

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/vlad-pbr/kiwi/pkg/apperror"
)

// ClientConfig controls how the Bridge's client leg reaches the remote
// runtime.
type ClientConfig struct {
	RemoteBaseURL string
	TLSEnabled    bool
	TLSCACertPath string
	Timeout       time.Duration
	MaxRetries    uint64
}

// Client is the client-side half of the Bridge: it satisfies
// helper.Requester.
type Client struct {
	cfg        ClientConfig
	httpClient *http.Client
}

// NewClient builds a Client, configuring TLS verification against the
// configured CA chain when enabled.
func NewClient(cfg ClientConfig) (*Client, error) {
	transport := &http.Transport{}

	if cfg.TLSEnabled && cfg.TLSCACertPath != "" {
		pem, err := os.ReadFile(cfg.TLSCACertPath)
		if err != nil {
			return nil, apperror.Wrap(err, apperror.KindIOFailed, "reading bridge TLS CA chain")
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, apperror.New(apperror.KindConfigMalformed, "bridge TLS CA chain contains no usable certificates")
		}
		transport.TLSClientConfig = &tls.Config{RootCAs: pool}
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Transport: transport, Timeout: timeout},
	}, nil
}

// Request implements helper.Requester: it serializes body into an
// Envelope's Data field, POSTs it to ${remote}/module/<name>/, and
// returns the raw HTTP response for the caller to decode.
func (c *Client) Request(moduleName string, body any) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.KindRPCApplication, "encoding bridge request body")
	}

	env := Envelope{Method: http.MethodPost, URL: "/", Data: data}
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.KindRPCApplication, "encoding bridge envelope")
	}

	endpoint := fmt.Sprintf("%s/module/%s/", c.cfg.RemoteBaseURL, moduleName)

	var resp *http.Response
	operation := func() error {
		req, err := http.NewRequest(http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		r, err := c.httpClient.Do(req)
		if err != nil {
			return err // transient: retry
		}
		resp = r
		return nil
	}

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.retries())
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, apperror.Wrap(err, apperror.KindRPCTransport, fmt.Sprintf("requesting module %q", moduleName))
	}
	return resp, nil
}

func (c *Client) retries() uint64 {
	if c.cfg.MaxRetries > 0 {
		return c.cfg.MaxRetries
	}
	return 3
}

// DecodeEnvelope reads and parses an Envelope from an HTTP response
// body, the client-side counterpart of the server's JSON encoding.
func DecodeEnvelope(resp *http.Response) (*Envelope, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.KindRPCTransport, "reading bridge response")
	}
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, apperror.Wrap(err, apperror.KindRPCApplication, "decoding bridge response envelope")
	}
	return &env, nil
}
