package network

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"sumchat/models"
)

func waitForTransferState(t *testing.T, updates <-chan TransferUpdate, want models.TransferState) TransferUpdate {
	t.Helper()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case update, ok := <-updates:
			if !ok {
				t.Fatalf("updates channel closed while waiting for %q", want)
			}
			if update.State == want {
				return update
			}
			if update.State == models.TransferFailed && want != models.TransferFailed {
				t.Fatalf("transfer failed while waiting for %q: %v", want, update.Err)
			}
		case <-deadline:
			t.Fatalf("timed out waiting for transfer state %q", want)
		}
	}
}

func writeTempFile(t *testing.T, size int) (string, []byte) {
	t.Helper()

	content := make([]byte, size)
	if _, err := rand.Read(content); err != nil {
		t.Fatalf("random content: %v", err)
	}

	path := filepath.Join(t.TempDir(), "payload.bin")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path, content
}

func transferRoundTrip(t *testing.T, size int) {
	t.Helper()

	sourcePath, content := writeTempFile(t, size)

	client := NewClient(5 * time.Second)
	sender := NewTransferEngine("alice", client, t.TempDir())
	_, _, peer := startTestServer(t, newRecordingHandler(), sender)
	peer.Username = "alice"

	invite := models.Message{
		ID:       uuid.NewString(),
		Kind:     models.KindFileInvite,
		Sender:   "alice",
		Receiver: "bob",
		Datetime: time.Now().UnixMilli(),
		FileID:   uuid.NewString(),
		Size:     int64(size),
		Path:     sourcePath,
	}
	if err := sender.OfferFile(invite); err != nil {
		t.Fatalf("offer file: %v", err)
	}

	downloadDir := t.TempDir()
	receiver := NewTransferEngine("bob", client, downloadDir)

	// The receiver only ever sees the basename.
	received := invite
	received.Path = filepath.Base(sourcePath)

	if err := receiver.Download(context.Background(), peer, received); err != nil {
		t.Fatalf("download: %v", err)
	}

	done := waitForTransferState(t, receiver.Updates(), models.TransferCompleted)
	if done.Path == "" {
		t.Fatal("completed transfer without a destination path")
	}

	saved, err := os.ReadFile(done.Path)
	if err != nil {
		t.Fatalf("read downloaded file: %v", err)
	}
	if !bytes.Equal(saved, content) {
		t.Fatalf("downloaded content mismatch at %d bytes", size)
	}
}

func TestFileTransferRoundTrip(t *testing.T) {
	cases := map[string]int{
		"empty":       0,
		"single byte": 1,
		"multichunk":  300*1024 + 7,
	}
	for name, size := range cases {
		t.Run(name, func(t *testing.T) {
			transferRoundTrip(t, size)
		})
	}
}

func TestFileTransferProgressSteps(t *testing.T) {
	sourcePath, _ := writeTempFile(t, 400*1024)

	client := NewClient(5 * time.Second)
	sender := NewTransferEngine("alice", client, t.TempDir())
	_, _, peer := startTestServer(t, newRecordingHandler(), sender)

	invite := models.Message{
		ID:     uuid.NewString(),
		Kind:   models.KindFileInvite,
		Sender: "alice",
		FileID: uuid.NewString(),
		Size:   int64(400 * 1024),
		Path:   sourcePath,
	}
	if err := sender.OfferFile(invite); err != nil {
		t.Fatalf("offer file: %v", err)
	}

	receiver := NewTransferEngine("bob", client, t.TempDir())
	if err := receiver.Download(context.Background(), peer, invite); err != nil {
		t.Fatalf("download: %v", err)
	}

	lastPercent := 0
	deadline := time.After(5 * time.Second)
	for {
		select {
		case update := <-receiver.Updates():
			if update.State == models.TransferCompleted {
				if lastPercent == 0 {
					t.Fatal("no progress reported for a multichunk transfer")
				}
				return
			}
			if update.State == models.TransferFailed {
				t.Fatalf("transfer failed: %v", update.Err)
			}
			if percent := update.Progress.Percent; percent > 0 {
				if percent%5 != 0 {
					t.Fatalf("progress %d%% is not a multiple of 5", percent)
				}
				if percent <= lastPercent {
					t.Fatalf("progress went from %d%% to %d%%", lastPercent, percent)
				}
				lastPercent = percent
			}
		case <-deadline:
			t.Fatal("timed out waiting for progress")
		}
	}
}

// pipeSource lets the test control the pace of a served file stream.
type pipeSource struct {
	reader *io.PipeReader
}

func (s *pipeSource) OpenOffered(models.Message) (io.ReadCloser, error) {
	return s.reader, nil
}

func (s *pipeSource) OfferServed(models.Message) {}

func TestDownloadCancelLeavesNoPartialFile(t *testing.T) {
	pipeReader, pipeWriter := io.Pipe()
	defer pipeWriter.Close()

	_, _, peer := startTestServer(t, newRecordingHandler(), &pipeSource{reader: pipeReader})

	client := NewClient(5 * time.Second)
	downloadDir := t.TempDir()
	receiver := NewTransferEngine("bob", client, downloadDir)

	invite := models.Message{
		ID:     uuid.NewString(),
		Kind:   models.KindFileInvite,
		Sender: "alice",
		FileID: uuid.NewString(),
		Size:   10 << 20,
		Path:   "big.bin",
	}
	if err := receiver.Download(context.Background(), peer, invite); err != nil {
		t.Fatalf("download: %v", err)
	}

	// Feed a little data so the stream is underway, then cancel.
	if _, err := pipeWriter.Write(make([]byte, 64*1024)); err != nil {
		t.Fatalf("feed pipe: %v", err)
	}
	waitForTransferState(t, receiver.Updates(), models.TransferStreaming)
	receiver.Cancel(invite.FileID)

	waitForTransferState(t, receiver.Updates(), models.TransferCanceled)

	entries, err := os.ReadDir(downloadDir)
	if err != nil {
		t.Fatalf("read download dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("canceled download left %d file(s) behind", len(entries))
	}
}

func TestOfferLifecycle(t *testing.T) {
	sourcePath, _ := writeTempFile(t, 128)
	engine := NewTransferEngine("alice", NewClient(time.Second), t.TempDir())

	invite := models.Message{FileID: "f1", Path: sourcePath}
	if err := engine.OfferFile(invite); err != nil {
		t.Fatalf("offer: %v", err)
	}

	request := models.Message{Kind: models.KindFileRequest, Sender: "bob", FileID: "f1"}
	file, err := engine.OpenOffered(request)
	if err != nil {
		t.Fatalf("open offered: %v", err)
	}
	file.Close()

	// Opening alone records nothing; the stream has not gone out yet.
	select {
	case update := <-engine.Updates():
		t.Fatalf("notification before the stream finished: %+v", update)
	default:
	}

	// Once the full stream went out, the engine reports who fetched it.
	engine.OfferServed(request)
	select {
	case update := <-engine.Updates():
		if update.State != models.TransferOffered || update.Sender != "bob" {
			t.Fatalf("served notification: %+v", update)
		}
	case <-time.After(time.Second):
		t.Fatal("no served notification")
	}

	engine.CancelOffer("f1")
	if _, err := engine.OpenOffered(request); !errors.Is(err, ErrOfferCanceled) {
		t.Fatalf("expected ErrOfferCanceled, got %v", err)
	}

	if _, err := engine.OpenOffered(models.Message{FileID: "unknown"}); !errors.Is(err, ErrUnknownOffer) {
		t.Fatalf("expected ErrUnknownOffer, got %v", err)
	}
}
