package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	appcrypto "sumchat/crypto"
	"sumchat/models"
)

const (
	downloadChunkSize   = 32 * 1024
	downloadChunkBuffer = 8

	progressStepPercent = 5
)

var (
	// ErrUnknownOffer indicates a file request for a file that was never
	// offered or whose offer was withdrawn.
	ErrUnknownOffer = errors.New("network: unknown file offer")
	// ErrOfferCanceled indicates a file request for a canceled offer.
	ErrOfferCanceled = errors.New("network: file offer canceled")
	// ErrTransferActive indicates a download for this file is already running.
	ErrTransferActive = errors.New("network: transfer already active")
	// ErrTransferCanceled indicates the local user canceled the download.
	ErrTransferCanceled = errors.New("network: transfer canceled")
)

// TransferUpdate reports a state or progress change of one file transfer.
type TransferUpdate struct {
	MessageID string
	FileID    string
	Sender    string
	State     models.TransferState
	Progress  models.FileProgress
	Path      string
	Err       error
}

type offeredFile struct {
	path     string
	canceled bool
}

type activeDownload struct {
	cancel chan struct{}
	once   sync.Once
}

func (d *activeDownload) requestCancel() {
	d.once.Do(func() { close(d.cancel) })
}

func (d *activeDownload) canceled() bool {
	select {
	case <-d.cancel:
		return true
	default:
		return false
	}
}

// TransferEngine tracks offered files on the sending side and runs
// streaming downloads on the receiving side. Downloads run as a bounded
// pipeline: a producer reads decrypted chunks into a small buffer, the
// consumer writes them out and checks for cancellation between chunks.
type TransferEngine struct {
	username    string
	client      *Client
	downloadDir string

	mu        sync.Mutex
	offers    map[string]*offeredFile
	downloads map[string]*activeDownload

	updates chan TransferUpdate
	wg      sync.WaitGroup
}

// NewTransferEngine creates a TransferEngine writing downloads under
// downloadDir.
func NewTransferEngine(username string, client *Client, downloadDir string) *TransferEngine {
	return &TransferEngine{
		username:    username,
		client:      client,
		downloadDir: downloadDir,
		offers:      make(map[string]*offeredFile),
		downloads:   make(map[string]*activeDownload),
		updates:     make(chan TransferUpdate, 256),
	}
}

// Updates reports transfer state changes and progress steps.
func (e *TransferEngine) Updates() <-chan TransferUpdate {
	return e.updates
}

// OfferFile registers a local file behind a file-invite so inbound file
// requests can be served.
func (e *TransferEngine) OfferFile(invite models.Message) error {
	if invite.FileID == "" {
		return errors.New("network: file invite without file id")
	}

	info, err := os.Stat(invite.Path)
	if err != nil {
		return fmt.Errorf("stat offered file: %w", err)
	}
	if info.IsDir() {
		return errors.New("network: offered path must be a file")
	}

	e.mu.Lock()
	e.offers[invite.FileID] = &offeredFile{path: invite.Path}
	e.mu.Unlock()
	return nil
}

// CancelOffer withdraws an offer. Later file requests for it are refused;
// a stream already running is unaffected.
func (e *TransferEngine) CancelOffer(fileID string) {
	e.mu.Lock()
	if offer, ok := e.offers[fileID]; ok {
		offer.canceled = true
	}
	e.mu.Unlock()
}

// OpenOffered implements FileSource for the Server.
func (e *TransferEngine) OpenOffered(request models.Message) (io.ReadCloser, error) {
	e.mu.Lock()
	offer, ok := e.offers[request.FileID]
	e.mu.Unlock()

	if !ok {
		return nil, ErrUnknownOffer
	}
	if offer.canceled {
		return nil, ErrOfferCanceled
	}

	file, err := os.Open(offer.path)
	if err != nil {
		return nil, fmt.Errorf("open offered file: %w", err)
	}

	return file, nil
}

// OfferServed tells the owner which peer fetched an offer, called only
// after the full stream went out. State stays "offered" on this side;
// only the downloader walks the full state machine.
func (e *TransferEngine) OfferServed(request models.Message) {
	e.emit(TransferUpdate{
		FileID: request.FileID,
		Sender: request.Sender,
		State:  models.TransferOffered,
	})
}

// Download starts fetching the file behind a received file-invite from its
// sender. It returns once the transfer is underway; completion, progress
// and failure arrive on Updates.
func (e *TransferEngine) Download(ctx context.Context, peer models.PeerEntry, invite models.Message) error {
	if invite.FileID == "" {
		return errors.New("network: file invite without file id")
	}

	download := &activeDownload{cancel: make(chan struct{})}

	e.mu.Lock()
	if _, running := e.downloads[invite.FileID]; running {
		e.mu.Unlock()
		return ErrTransferActive
	}
	e.downloads[invite.FileID] = download
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			e.mu.Lock()
			delete(e.downloads, invite.FileID)
			e.mu.Unlock()
		}()

		e.runDownload(ctx, peer, invite, download)
	}()

	return nil
}

// Cancel requests cooperative cancellation of a running download and
// withdraws any matching outbound offer.
func (e *TransferEngine) Cancel(fileID string) {
	e.mu.Lock()
	download := e.downloads[fileID]
	if offer, ok := e.offers[fileID]; ok {
		offer.canceled = true
	}
	e.mu.Unlock()

	if download != nil {
		download.requestCancel()
	}
}

// Close waits for running downloads and closes the updates channel.
// Callers wanting a fast shutdown cancel the download contexts first.
func (e *TransferEngine) Close() {
	e.wg.Wait()
	close(e.updates)
}

func (e *TransferEngine) runDownload(ctx context.Context, peer models.PeerEntry, invite models.Message, download *activeDownload) {
	e.emit(TransferUpdate{
		MessageID: invite.ID,
		FileID:    invite.FileID,
		Sender:    invite.Sender,
		State:     models.TransferRequested,
	})

	request := models.Message{
		ID:       uuid.NewString(),
		Kind:     models.KindFileRequest,
		Sender:   e.username,
		Receiver: peer.Username,
		FileID:   invite.FileID,
		Datetime: time.Now().UnixMilli(),
	}

	body, err := e.client.OpenFileStream(ctx, peer, request)
	if err != nil {
		e.fail(invite, err)
		return
	}
	defer body.Close()

	reader, err := appcrypto.NewFileStreamReader(body, invite.FileID)
	if err != nil {
		e.fail(invite, err)
		return
	}

	destPath, err := e.createDestination(invite)
	if err != nil {
		e.fail(invite, err)
		return
	}

	e.emit(TransferUpdate{
		MessageID: invite.ID,
		FileID:    invite.FileID,
		Sender:    invite.Sender,
		State:     models.TransferStreaming,
	})

	err = e.writeStream(ctx, invite, download, reader, destPath)
	if err != nil {
		// A canceled or failed transfer never leaves a partial file.
		_ = os.Remove(destPath)

		if errors.Is(err, ErrTransferCanceled) {
			e.emit(TransferUpdate{
				MessageID: invite.ID,
				FileID:    invite.FileID,
				Sender:    invite.Sender,
				State:     models.TransferCanceled,
			})
			return
		}
		e.fail(invite, err)
		return
	}

	e.emit(TransferUpdate{
		MessageID: invite.ID,
		FileID:    invite.FileID,
		Sender:    invite.Sender,
		State:     models.TransferCompleted,
		Path:      destPath,
	})
}

type downloadChunk struct {
	data []byte
	err  error
}

// writeStream copies the decrypted stream to destPath. The producer stage
// fills a bounded chunk buffer; this consumer stage drains it, reporting
// progress at five-percent steps and honoring cancellation at chunk
// boundaries.
func (e *TransferEngine) writeStream(ctx context.Context, invite models.Message, download *activeDownload, reader io.Reader, destPath string) (err error) {
	out, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("create download file: %w", err)
	}
	defer func() {
		if closeErr := out.Close(); err == nil && closeErr != nil {
			err = fmt.Errorf("close download file: %w", closeErr)
		}
	}()

	// The producer is not waited for: a cancel can leave it blocked in a
	// network read, which only returns once the response body is closed
	// by the caller. The abort channel stops it from leaking on sends.
	abort := make(chan struct{})
	defer close(abort)

	chunks := make(chan downloadChunk, downloadChunkBuffer)
	go func() {
		defer close(chunks)

		for {
			buf := make([]byte, downloadChunkSize)
			n, readErr := reader.Read(buf)
			if n > 0 {
				select {
				case chunks <- downloadChunk{data: buf[:n]}:
				case <-abort:
					return
				}
			}
			if readErr != nil {
				if readErr != io.EOF {
					select {
					case chunks <- downloadChunk{err: readErr}:
					case <-abort:
					}
				}
				return
			}
		}
	}()

	var written int64
	lastStep := -1

	for {
		if download.canceled() {
			return ErrTransferCanceled
		}

		select {
		case chunk, ok := <-chunks:
			if !ok {
				return nil
			}
			if chunk.err != nil {
				return fmt.Errorf("read file stream: %w", chunk.err)
			}
			if _, writeErr := out.Write(chunk.data); writeErr != nil {
				return fmt.Errorf("write download file: %w", writeErr)
			}
			written += int64(len(chunk.data))
			lastStep = e.reportProgress(invite, written, lastStep)
		case <-download.cancel:
			return ErrTransferCanceled
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// reportProgress emits a progress update whenever the transfer crosses
// another five-percent boundary.
func (e *TransferEngine) reportProgress(invite models.Message, written int64, lastStep int) int {
	if invite.Size <= 0 {
		return lastStep
	}

	percent := int(written * 100 / invite.Size)
	if percent > 100 {
		percent = 100
	}

	step := percent / progressStepPercent
	if step <= lastStep {
		return lastStep
	}

	e.emit(TransferUpdate{
		MessageID: invite.ID,
		FileID:    invite.FileID,
		Sender:    invite.Sender,
		State:     models.TransferStreaming,
		Progress: models.FileProgress{
			FileID:       invite.FileID,
			Sender:       invite.Sender,
			BytesWritten: written,
			TotalBytes:   invite.Size,
			Percent:      step * progressStepPercent,
		},
	})
	return step
}

// createDestination picks a collision-free path under the download dir.
// Only the basename of the offered path is trusted.
func (e *TransferEngine) createDestination(invite models.Message) (string, error) {
	if err := os.MkdirAll(e.downloadDir, 0o755); err != nil {
		return "", fmt.Errorf("create download directory: %w", err)
	}

	name := filepath.Base(invite.Path)
	if name == "" || name == "." || name == string(filepath.Separator) {
		name = invite.FileID
	}

	candidate := filepath.Join(e.downloadDir, name)
	ext := filepath.Ext(name)
	stem := name[:len(name)-len(ext)]

	for i := 1; ; i++ {
		if _, err := os.Stat(candidate); errors.Is(err, os.ErrNotExist) {
			return candidate, nil
		}
		candidate = filepath.Join(e.downloadDir, fmt.Sprintf("%s (%d)%s", stem, i, ext))
	}
}

func (e *TransferEngine) fail(invite models.Message, err error) {
	e.emit(TransferUpdate{
		MessageID: invite.ID,
		FileID:    invite.FileID,
		Sender:    invite.Sender,
		State:     models.TransferFailed,
		Err:       err,
	})
}

func (e *TransferEngine) emit(update TransferUpdate) {
	select {
	case e.updates <- update:
	default:
	}
}
