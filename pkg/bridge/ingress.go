package bridge

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/vlad-pbr/kiwi/pkg/apperror"
)

// ingressState tracks an Ingress through its prepared -> listening ->
// answered -> finalized lifecycle (spec invariant: every Ingress reaches
// finalized on every exit path, including error).
type ingressState int

const (
	statePrepared ingressState = iota
	stateListening
	stateAnswered
	stateFinalized
)

// Ingress is a one-shot, per-request transport object: it stands up an
// ephemeral Unix-domain socket, hands it to the module's own http.Handler
// via Handle, and forwards the originating Envelope's request through
// that socket exactly as if it were a normal inbound HTTP request.
type Ingress struct {
	Request     *Envelope
	Environment map[string]string
	Response    *Envelope // populated by Handle once the module has answered

	socketPath string
	listener   net.Listener
	state      ingressState
}

// NewIngress creates an Ingress in the "prepared" state: it allocates a
// unique socket path via os.CreateTemp (closing the fd immediately, since
// only the path is needed — net.Listen binds it) without yet listening.
func NewIngress(req *Envelope, environment map[string]string) (*Ingress, error) {
	f, err := os.CreateTemp("", "kiwi-ingress-*.sock")
	if err != nil {
		return nil, apperror.Wrap(err, apperror.KindIOFailed, "allocating ingress socket path")
	}
	path := f.Name()
	f.Close()
	os.Remove(path) // net.Listen requires the path to not exist yet

	return &Ingress{
		Request:     req,
		Environment: environment,
		socketPath:  path,
		state:       statePrepared,
	}, nil
}

// Handle serves app on the ephemeral Unix socket, forwards the Ingress's
// Request through it, and returns the module's response as an Envelope.
// It always reaches the finalized state before returning, even on error.
func (ing *Ingress) Handle(app http.Handler) (*Envelope, error) {
	defer ing.finalize()

	listener, err := net.Listen("unix", ing.socketPath)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.KindIOFailed, "listening on ingress socket")
	}
	ing.listener = listener
	ing.state = stateListening

	srv := &http.Server{Handler: app}
	go srv.Serve(listener) //nolint:errcheck // listener close below ends Serve's accept loop

	resp, err := ing.forward()
	if err != nil {
		srv.Close()
		return nil, err
	}
	srv.Close()

	ing.Response = resp
	ing.state = stateAnswered
	return resp, nil
}

// forward dials the Unix socket and replays the Ingress's request
// through it, polling with bounded backoff until the module's app begins
// accepting connections (it may still be starting its goroutine), capped
// at a 5s internal deadline per the Bridge's timeout contract.
func (ing *Ingress) forward() (*Envelope, error) {
	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", ing.socketPath)
			},
		},
		Timeout: 5 * time.Second,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reqURL := "http://unix" + ing.Request.URL
	if len(ing.Request.Params) > 0 {
		q := url.Values{}
		for k, v := range ing.Request.Params {
			q.Set(k, v)
		}
		sep := "?"
		if strings.Contains(reqURL, "?") {
			sep = "&"
		}
		reqURL += sep + q.Encode()
	}

	var body io.Reader
	if len(ing.Request.Data) > 0 {
		body = bytes.NewReader(ing.Request.Data)
	}
	req, err := http.NewRequestWithContext(ctx, ing.Request.Method, reqURL, body)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.KindRPCApplication, "building forwarded request")
	}
	for k, v := range ing.Request.Headers {
		req.Header.Set(k, v)
	}

	var resp *http.Response
	operation := func() error {
		r, err := client.Do(req)
		if err != nil {
			return err // transient: module's listener may not be up yet
		}
		resp = r
		return nil
	}

	policy := backoff.WithContext(backoff.NewConstantBackOff(100*time.Millisecond), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, apperror.Wrap(err, apperror.KindRPCTransport, "forwarding request into ingress")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.KindIOFailed, "reading ingress response body")
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	return &Envelope{Status: resp.StatusCode, Headers: headers, Data: data}, nil
}

// finalize unlinks the socket file and marks the Ingress finalized,
// satisfying the cleanup invariant regardless of how Handle exited.
func (ing *Ingress) finalize() {
	if ing.listener != nil {
		ing.listener.Close()
	}
	os.Remove(ing.socketPath)
	ing.state = stateFinalized
}

// SocketPath exposes the allocated path, mainly for tests asserting
// cleanup.
func (ing *Ingress) SocketPath() string { return ing.socketPath }

// Describe is a small debug helper used in log lines.
func (ing *Ingress) Describe() string {
	return fmt.Sprintf("ingress(%s)", ing.socketPath)
}
