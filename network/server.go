package network

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"

	appcrypto "sumchat/crypto"
	"sumchat/models"
)

const (
	// maxEnvelopeSize bounds inbound envelope bodies. Chat messages are
	// small; file payloads travel as response streams, never as requests.
	maxEnvelopeSize = 1 << 20

	serveFileChunkSize = 32 * 1024

	shutdownTimeout = 5 * time.Second
)

// FileSource serves offered files for inbound file requests.
type FileSource interface {
	// OpenOffered returns the content of the offered file named by the
	// request, or an error when the offer is unknown or canceled.
	OpenOffered(request models.Message) (io.ReadCloser, error)
	// OfferServed is called once the whole file went out successfully.
	// An aborted or truncated stream never reports.
	OfferServed(request models.Message)
}

// ServerOptions configures a Server.
type ServerOptions struct {
	PrivateKey *rsa.PrivateKey
	Handler    Handler
	Files      FileSource

	// Port is the preferred listen port. With FallbackToFreePort set an
	// occupied port falls back to an ephemeral one.
	Port               int
	FallbackToFreePort bool
}

// Server accepts sealed envelopes over HTTP, opens them with the local
// private key and routes them by kind.
type Server struct {
	options  ServerOptions
	listener net.Listener
	http     *http.Server

	errs      chan error
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen binds the chat endpoint and starts serving.
func Listen(options ServerOptions) (*Server, error) {
	if options.PrivateKey == nil {
		return nil, errors.New("network: private key is required")
	}
	if options.Handler == nil {
		return nil, errors.New("network: handler is required")
	}

	listener, err := net.Listen("tcp", ":"+strconv.Itoa(options.Port))
	if err != nil {
		if !options.FallbackToFreePort {
			return nil, fmt.Errorf("listen on port %d: %w", options.Port, err)
		}
		listener, err = net.Listen("tcp", ":0")
		if err != nil {
			return nil, fmt.Errorf("listen on fallback port: %w", err)
		}
	}

	server := &Server{
		options:  options,
		listener: listener,
		errs:     make(chan error, 16),
	}

	router := mux.NewRouter()
	router.HandleFunc("/", server.handleEnvelope).Methods(http.MethodPost)
	router.HandleFunc("/health", server.handleHealth).Methods(http.MethodGet)
	server.http = &http.Server{Handler: router}

	server.wg.Add(1)
	go server.serve()

	return server, nil
}

// Port returns the bound listen port.
func (s *Server) Port() int {
	addr, ok := s.listener.Addr().(*net.TCPAddr)
	if !ok {
		return 0
	}
	return addr.Port
}

// Errors returns asynchronous server errors.
func (s *Server) Errors() <-chan error {
	return s.errs
}

// Close stops the server and waits for in-flight requests.
func (s *Server) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		closeErr = s.http.Shutdown(ctx)
		s.wg.Wait()
		close(s.errs)
	})
	return closeErr
}

func (s *Server) serve() {
	defer s.wg.Done()

	if err := s.http.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.reportError(fmt.Errorf("serve chat endpoint: %w", err))
	}
}

func (s *Server) handleEnvelope(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxEnvelopeSize))
	if err != nil {
		http.Error(w, "read envelope", http.StatusBadRequest)
		return
	}

	plaintext, err := appcrypto.Open(s.options.PrivateKey, body)
	if err != nil {
		// Both undecryptable and malformed envelopes are the sender's
		// fault; nothing is logged about their content.
		http.Error(w, "invalid envelope", http.StatusBadRequest)
		return
	}

	var message models.Message
	if err := json.Unmarshal(plaintext, &message); err != nil {
		http.Error(w, "invalid envelope", http.StatusBadRequest)
		return
	}

	if message.Kind == models.KindFileRequest {
		s.serveFile(w, message)
		return
	}

	if err := Route(s.options.Handler, message); err != nil {
		http.Error(w, "unknown message kind", http.StatusBadRequest)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// serveFile streams an offered file as the response body, encrypted and
// encoded for the requesting side's stream reader.
func (s *Server) serveFile(w http.ResponseWriter, request models.Message) {
	if s.options.Files == nil {
		http.Error(w, "file requests not supported", http.StatusNotFound)
		return
	}

	file, err := s.options.Files.OpenOffered(request)
	if err != nil {
		http.Error(w, "unknown file", http.StatusNotFound)
		return
	}
	defer file.Close()

	encoder, err := appcrypto.NewFileStreamWriter(w, request.FileID)
	if err != nil {
		s.reportError(fmt.Errorf("open file stream %q: %w", request.FileID, err))
		http.Error(w, "file stream failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := io.CopyBuffer(encoder, file, make([]byte, serveFileChunkSize)); err != nil {
		// Headers are already out; the receiver notices the truncation.
		s.reportError(fmt.Errorf("stream file %q: %w", request.FileID, err))
		return
	}
	if err := encoder.Close(); err != nil {
		s.reportError(fmt.Errorf("flush file stream %q: %w", request.FileID, err))
		return
	}

	s.options.Files.OfferServed(request)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) reportError(err error) {
	if err == nil {
		return
	}

	select {
	case s.errs <- err:
	default:
	}
}
