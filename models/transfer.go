package models

// TransferState tracks one file transfer, keyed by the originating
// file-invite message id.
type TransferState string

const (
	TransferOffered   TransferState = "offered"
	TransferRequested TransferState = "requested"
	TransferStreaming TransferState = "streaming"
	TransferCompleted TransferState = "completed"
	TransferCanceled  TransferState = "canceled"
	TransferFailed    TransferState = "failed"
)

// FileProgress reports download progress in 5% steps.
type FileProgress struct {
	FileID       string
	Sender       string
	BytesWritten int64
	TotalBytes   int64
	Percent      int
}
