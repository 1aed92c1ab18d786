// Package types holds the wire and persistence data model shared across the
// sync coordinator, transport, streamer, and upload packages.
package types

import (
	"time"

	"github.com/google/uuid"
)

// NewID mints a random identifier for sessions and devices.
func NewID() string { return uuid.NewString() }

// Action identifies the kind of Command Envelope sent from master to client.
type Action string

const (
	ActionLoad      Action = "load"
	ActionStart     Action = "start"
	ActionPlay      Action = "play"
	ActionPause     Action = "pause"
	ActionSeek      Action = "seek"
	ActionSyncCheck Action = "sync_check"
)

// CommandEnvelope is sent master -> client over the transport channel.
//
// targetStartTime is populated iff Action == ActionStart; seekPosition iff
// Action == ActionSeek. Commands are not globally ordered across clients, but
// a single client observes them in channel-arrival order.
type CommandEnvelope struct {
	Action          Action            `json:"action"`
	Timestamp       int64             `json:"timestamp"`
	TargetStartTime *int64            `json:"targetStartTime,omitempty"`
	VideoPosition   *int64            `json:"videoPosition,omitempty"`
	SeekPosition    *int64            `json:"seekPosition,omitempty"`
	MovieID         string            `json:"movieId,omitempty"`
	SenderID        string            `json:"senderId"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// StatusReport is sent client -> master, unsolicited at >= 1 Hz while playing
// and on demand in response to a sync_check.
type StatusReport struct {
	ClientID         string `json:"clientId"`
	VideoPosition    int64  `json:"videoPosition"`
	IsPlaying        bool   `json:"isPlaying"`
	Drift            int64  `json:"drift"`
	BufferPercentage int    `json:"bufferPercentage"`
	IsReady          bool   `json:"isReady"`
	Timestamp        int64  `json:"timestamp"`
}

// DeviceDescriptor identifies one device in a session's roster.
type DeviceDescriptor struct {
	DeviceID    string    `json:"deviceId"`
	DisplayName string    `json:"displayName"`
	IPv4        string    `json:"ipv4"`
	ConnectedAt time.Time `json:"connectedAt"`
	Ready       bool      `json:"ready"`
	Drift       int64     `json:"drift"`
	Degraded    bool      `json:"degraded"`
	LastSeen    time.Time `json:"lastSeen"`
}

// RegisteredVideo is a local file the range streamer publishes under
// /video/{MovieID}.
type RegisteredVideo struct {
	MovieID     string
	Path        string
	Length      int64
	ContentType string
}

// Session is the master-rooted tuple created by a "host" action.
type Session struct {
	ID         string             `json:"id"`
	PIN        string             `json:"pin"`
	Master     DeviceDescriptor   `json:"master"`
	Clients    []DeviceDescriptor `json:"clients"`
	MovieID    string             `json:"movieId"`
	StreamURL  string             `json:"streamUrl"`
	CommandURL string             `json:"commandUrl"`
	CreatedAt  time.Time          `json:"createdAt"`
}

// UploadStatus is the lifecycle state of an UploadSession.
type UploadStatus string

const (
	UploadInProgress UploadStatus = "in_progress"
	UploadCompleted  UploadStatus = "completed"
	UploadFailed     UploadStatus = "failed"
	UploadCancelled  UploadStatus = "cancelled"
)

// UploadSession is the durable record of one TUS upload, persisted by
// internal/uploadstore.
type UploadSession struct {
	UploadID      string       `gorm:"column:upload_id;primaryKey"`
	UploadURL     string       `gorm:"column:upload_url"`
	ExpectedBytes int64        `gorm:"column:expected_bytes"`
	BytesReceived int64        `gorm:"column:bytes_received"`
	Filename      string       `gorm:"column:filename"`
	MimeType      string       `gorm:"column:mime_type"`
	StorageHandle string       `gorm:"column:storage_handle;uniqueIndex"`
	CreatedAt     time.Time    `gorm:"column:created_at"`
	UpdatedAt     time.Time    `gorm:"column:last_updated_at"`
	Status        UploadStatus `gorm:"column:status"`
	PINScope      string       `gorm:"column:pin_scope"`
}

func (UploadSession) TableName() string { return "upload_sessions" }
