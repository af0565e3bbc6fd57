package core

import (
	"context"
	"io"
)

// RemoteEntry describes one entry of a remote directory listing.
type RemoteEntry struct {
	Name string
	Dir  bool
	Size int64
}

// RemoteClient is the per-client session contract against the remote API.
// Implementations must be safe for concurrent use: one session is shared by
// every calcjob targeting the same client.
type RemoteClient interface {
	// Mkdir creates remotePath; with parents it creates missing ancestors
	// and tolerates the directory already existing.
	Mkdir(ctx context.Context, remotePath string, parents bool) error

	// Upload writes content to remotePath. size is the content length in
	// bytes, or -1 when unknown.
	Upload(ctx context.Context, remotePath string, content io.Reader, size int64) error

	// List returns the entries directly under remoteDir.
	List(ctx context.Context, remoteDir string) ([]RemoteEntry, error)

	// Download opens remotePath for reading.
	Download(ctx context.Context, remotePath string) (io.ReadCloser, error)

	// Submit schedules the job script at scriptPath and returns the remote
	// scheduler's job id.
	Submit(ctx context.Context, scriptPath string) (string, error)

	// Poll reports the scheduler's current status for jobID.
	Poll(ctx context.Context, jobID string) (RemoteState, error)
}

// RemoteHub hands out one long-lived RemoteClient per client, so sessions
// and their underlying connections are reused across calcjobs.
type RemoteHub interface {
	SessionFor(client *Client) (RemoteClient, error)
}
