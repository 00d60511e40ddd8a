package types

// PullStatus is one stage of an image pull's lifecycle (§4.4). A consumer
// sees a per-id monotonic sequence: Resolving -> Resolved -> Pulling ->
// PullComplete, then per-layer Exists|(Downloading->Downloaded->Stored), then
// a terminal Digest and Status.
type PullStatus string

const (
	PullResolving     PullStatus = "Resolving"
	PullResolved      PullStatus = "Resolved"
	PullPulling       PullStatus = "Pulling"
	PullComplete      PullStatus = "Pull complete"
	PullExists        PullStatus = "Exists"
	PullDownloading   PullStatus = "Downloading"
	PullDownloaded    PullStatus = "Downloaded"
	PullStored        PullStatus = "Stored"
	PullError         PullStatus = "Error"
	PullDigest        PullStatus = "Digest"
	PullUpToDate      PullStatus = "Image is up to date"
	PullDownloadedNew PullStatus = "Downloaded newer image"
)

// PullEvent is one progress event emitted during Pull (§4.4). ID identifies
// the stream the event belongs to: "config" for the config blob, the full
// layer digest string for layer events, or the image reference for the terminal
// Digest/Status events.
type PullEvent struct {
	ID       string     `json:"id"`
	Status   PullStatus `json:"status"`
	Progress string     `json:"progress,omitempty"`
	Current  int64      `json:"current,omitempty"`
	Total    int64      `json:"total,omitempty"`
	Error    string     `json:"error,omitempty"`
}
