package network

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	appcrypto "sumchat/crypto"
	"sumchat/models"
)

// DefaultSendTimeout bounds one message delivery end to end.
const DefaultSendTimeout = 15 * time.Second

// DeliveryError wraps a failed delivery with the peer it was meant for, so
// the caller can surface who did not get the message. Deliveries are never
// retried.
type DeliveryError struct {
	Username string
	Address  string
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver to %s (%s): %v", e.Username, e.Address, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Client delivers sealed envelopes to peers over HTTP.
type Client struct {
	send   *http.Client
	stream *http.Client
}

// NewClient creates a Client. timeout bounds message deliveries; file
// streams are bounded by their context instead, since a large transfer has
// no useful overall deadline.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultSendTimeout
	}

	return &Client{
		send: &http.Client{Timeout: timeout},
		stream: &http.Client{
			Transport: &http.Transport{
				ResponseHeaderTimeout: timeout,
			},
		},
	}
}

// Send seals a message for the peer's public key and posts it to the
// peer's endpoint. Any failure comes back as a *DeliveryError.
func (c *Client) Send(ctx context.Context, peer models.PeerEntry, message models.Message) error {
	response, err := c.post(ctx, c.send, peer, message)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	_, _ = io.Copy(io.Discard, response.Body)
	if response.StatusCode != http.StatusOK {
		return c.deliveryError(peer, fmt.Errorf("unexpected status %s", response.Status))
	}

	return nil
}

// OpenFileStream posts a sealed file request and returns the response body
// carrying the encoded file stream. The caller owns closing the body.
func (c *Client) OpenFileStream(ctx context.Context, peer models.PeerEntry, request models.Message) (io.ReadCloser, error) {
	response, err := c.post(ctx, c.stream, peer, request)
	if err != nil {
		return nil, err
	}

	if response.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, response.Body)
		_ = response.Body.Close()
		return nil, c.deliveryError(peer, fmt.Errorf("unexpected status %s", response.Status))
	}

	return response.Body, nil
}

func (c *Client) post(ctx context.Context, client *http.Client, peer models.PeerEntry, message models.Message) (*http.Response, error) {
	recipientKey, err := appcrypto.ParsePublicKeyPEM(peer.Key)
	if err != nil {
		return nil, c.deliveryError(peer, err)
	}

	sealed, err := appcrypto.Seal(recipientKey, message)
	if err != nil {
		return nil, c.deliveryError(peer, err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, peerURL(peer), bytes.NewReader(sealed))
	if err != nil {
		return nil, c.deliveryError(peer, err)
	}
	request.Header.Set("Content-Type", "application/octet-stream")

	response, err := client.Do(request)
	if err != nil {
		return nil, c.deliveryError(peer, err)
	}

	return response, nil
}

func (c *Client) deliveryError(peer models.PeerEntry, err error) *DeliveryError {
	return &DeliveryError{
		Username: peer.Username,
		Address:  peerAddress(peer),
		Err:      err,
	}
}

func peerAddress(peer models.PeerEntry) string {
	return net.JoinHostPort(peer.IP, strconv.Itoa(peer.Port))
}

func peerURL(peer models.PeerEntry) string {
	return "http://" + peerAddress(peer) + "/"
}
