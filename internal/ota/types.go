package ota

import (
	"fmt"
	"time"

	"github.com/RoanBrand/gota/internal/jobdoc"
	"github.com/RoanBrand/gota/internal/mqtt"
)

// AgentState is the lifecycle state of the agent.
type AgentState uint8

const (
	AgentNotReady AgentState = iota
	AgentReady
	AgentActive
	AgentShuttingDown
)

func (s AgentState) String() string {
	switch s {
	case AgentNotReady:
		return "NotReady"
	case AgentReady:
		return "Ready"
	case AgentActive:
		return "Active"
	case AgentShuttingDown:
		return "ShuttingDown"
	}
	return "Invalid"
}

// ImageState is the agent's view of the image a job delivered.
type ImageState uint8

const (
	ImageUnknown ImageState = iota
	ImageTesting
	ImageAccepted
	ImageRejected
	ImageAborted
)

func (s ImageState) String() string {
	switch s {
	case ImageUnknown:
		return "Unknown"
	case ImageTesting:
		return "Testing"
	case ImageAccepted:
		return "Accepted"
	case ImageRejected:
		return "Rejected"
	case ImageAborted:
		return "Aborted"
	}
	return "Invalid"
}

// PALImageState is the image state the platform observes.
type PALImageState uint8

const (
	PALImageUnknown PALImageState = iota
	PALImagePendingCommit
	PALImageValid
	PALImageInvalid
)

func (s PALImageState) String() string {
	switch s {
	case PALImageUnknown:
		return "Unknown"
	case PALImagePendingCommit:
		return "PendingCommit"
	case PALImageValid:
		return "Valid"
	case PALImageInvalid:
		return "Invalid"
	}
	return "Invalid"
}

// JobEvent is passed to the CompleteCallback.
type JobEvent uint8

const (
	JobActivate  JobEvent = iota // the new image was received and verified
	JobFail                      // the transfer failed
	JobStartTest                 // the new image booted and should run its self test
)

func (e JobEvent) String() string {
	switch e {
	case JobActivate:
		return "Activate"
	case JobFail:
		return "Fail"
	case JobStartTest:
		return "StartTest"
	}
	return "Invalid"
}

// TransferState is the state of the single transfer slot.
type TransferState uint8

const (
	TransferIdle TransferState = iota
	TransferRequesting
	TransferReceiving
	TransferClosing
	TransferDoneSuccess
	TransferDoneAborted
)

func (s TransferState) String() string {
	switch s {
	case TransferIdle:
		return "Idle"
	case TransferRequesting:
		return "Requesting"
	case TransferReceiving:
		return "Receiving"
	case TransferClosing:
		return "Closing"
	case TransferDoneSuccess:
		return "DoneSuccess"
	case TransferDoneAborted:
		return "DoneAborted"
	}
	return "Invalid"
}

// Version is a firmware version.
type Version struct {
	Major uint8
	Minor uint8
	Build uint16
}

// Packed returns major<<24 | minor<<16 | build, the form job documents carry.
func (v Version) Packed() uint32 {
	return uint32(v.Major)<<24 | uint32(v.Minor)<<16 | uint32(v.Build)
}

func (v Version) String() string {
	return fmt.Sprintf("v%d.%d.%d", v.Major, v.Minor, v.Build)
}

// UnpackVersion is the inverse of Version.Packed.
func UnpackVersion(p uint32) Version {
	return Version{Major: uint8(p >> 24), Minor: uint8(p >> 16), Build: uint16(p)}
}

// Client is the MQTT connection the agent talks through. *mqtt.Connection implements it.
type Client interface {
	TimedSubscribe(subs []mqtt.SubscriptionInfo, timeout time.Duration) error
	TimedUnsubscribe(filters []string, timeout time.Duration) error
	TimedPublish(info mqtt.PublishInfo, timeout time.Duration) error
}

// PAL is the platform layer storing the received image.
// Errors should be Err values; the sub code is reported with the job status.
type PAL interface {
	// CreateFileForRx opens f for writing and sets f.Handle.
	CreateFileForRx(f *File) error
	// WriteBlock writes data at offset and returns the number of bytes written.
	WriteBlock(f *File, offset uint32, data []byte) (int, error)
	// CloseFile closes f and verifies its signature. A failed verification is
	// ErrSignatureCheckFailed.
	CloseFile(f *File) error
	// Abort closes and discards f.
	Abort(f *File) error

	GetPlatformImageState(serverFileID uint32) PALImageState
	SetPlatformImageState(serverFileID uint32, s ImageState) error
	ActivateNewImage(serverFileID uint32) error
	ResetDevice(serverFileID uint32) error
}

// File is the transfer context of one job: the file described by the job
// document and the progress of receiving it.
type File struct {
	JobName        string
	ClientToken    string
	StreamName     string
	Path           string
	CertFile       string
	Size           uint32
	ServerFileID   uint32
	Attributes     uint32
	Signature      []byte
	UpdaterVersion uint32
	SelfTest       bool

	// Handle belongs to the PAL.
	Handle interface{}

	state     TransferState
	blockSize uint32
	blocks    uint32
	remaining uint32
	bitmap    bitmap
	momentum  uint32
	timer     *time.Timer
}

// State returns the transfer state.
func (f *File) State() TransferState {
	return f.state
}

// BlocksRemaining returns the number of blocks not received yet.
func (f *File) BlocksRemaining() uint32 {
	return f.remaining
}

// CompleteCallback is told the outcome of a job.
type CompleteCallback func(a *Agent, e JobEvent)

// CustomJobCallback gets documents the OTA job model rejected. job holds what
// the model extracted; a callback that handles the document sets job.ID if it is empty.
type CustomJobCallback func(doc []byte, job *jobdoc.Job) error

// Statistics are packet counters of the agent.
type Statistics struct {
	Received        uint32 // messages delivered by the MQTT client
	Queued          uint32 // messages queued for the agent task
	Processed       uint32 // messages the agent task handled
	Dropped         uint32 // messages lost to a full queue or buffer pool
	PublishFailures uint32 // status and request publishes that failed
}
