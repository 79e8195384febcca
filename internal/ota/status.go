package ota

import (
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/RoanBrand/gota/internal/mqtt"
	json "github.com/goccy/go-json"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// JobStatus is the status reported to the job service.
type JobStatus uint8

const (
	StatusInProgress JobStatus = iota
	StatusFailed
	StatusSucceeded
	StatusRejected
	StatusFailedWithVal // FAILED with a numeric main and sub code
)

func (s JobStatus) String() string {
	switch s {
	case StatusInProgress:
		return "IN_PROGRESS"
	case StatusSucceeded:
		return "SUCCEEDED"
	case StatusRejected:
		return "REJECTED"
	}
	return "FAILED"
}

// JobReason qualifies a status.
type JobReason uint8

const (
	ReasonReceiving JobReason = iota
	ReasonSigCheckPassed
	ReasonSelfTestActive
	ReasonAccepted
	ReasonRejected
	ReasonAborted
)

func (r JobReason) String() string {
	switch r {
	case ReasonSigCheckPassed:
		return "ready"
	case ReasonSelfTestActive:
		return "active"
	case ReasonAccepted:
		return "accepted"
	case ReasonRejected:
		return "rejected"
	case ReasonAborted:
		return "aborted"
	}
	return ""
}

const (
	subscribeWait   = 30 * time.Second
	unsubscribeWait = time.Second
	publishWait     = 10 * time.Second
	publishRetries  = 3
	publishRetry    = time.Second
)

type statusDetails struct {
	Receive   string `json:"receive,omitempty"`
	SelfTest  string `json:"self_test,omitempty"`
	UpdatedBy string `json:"updatedBy,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

type statusUpdate struct {
	Status        string        `json:"status"`
	StatusDetails statusDetails `json:"statusDetails"`
}

type getNextRequest struct {
	ClientToken string `json:"clientToken"`
}

// statusBody builds the job execution update document.
func statusBody(f *File, status JobStatus, reason JobReason, sub uint32, app Version) ([]byte, byte) {
	var u statusUpdate
	qos := byte(1)

	switch {
	case status == StatusInProgress && reason == ReasonReceiving:
		u.Status = status.String()
		u.StatusDetails.Receive = fmt.Sprintf("%d/%d", f.blocks-f.remaining, f.blocks)
		qos = 0
	case status == StatusInProgress:
		u.Status = status.String()
		u.StatusDetails.SelfTest = reason.String()
		u.StatusDetails.UpdatedBy = "0x" + strconv.FormatUint(uint64(app.Packed()), 16)
	case status == StatusSucceeded:
		u.Status = status.String()
		u.StatusDetails.Reason = fmt.Sprintf("%s %s", ReasonAccepted, app)
	default:
		u.Status = status.String()
		u.StatusDetails.Reason = fmt.Sprintf("%s: 0x%08x", reason, sub)
	}

	b, _ := json.Marshal(&u)
	return b, qos
}

// updateJobStatus reports the status of the active job. Receiving progress is
// only reported every StatusFrequency blocks.
func (a *Agent) updateJobStatus(f *File, status JobStatus, reason JobReason, sub uint32) error {
	if status == StatusInProgress && reason == ReasonReceiving {
		if f == nil || f.blocks == f.remaining || (f.blocks-f.remaining)%a.opts.StatusFrequency != 0 {
			return nil
		}
	}
	return a.jobStatus(a.JobName(), f, status, reason, sub)
}

func (a *Agent) jobStatus(job string, f *File, status JobStatus, reason JobReason, sub uint32) error {
	if job == "" {
		return ErrNoActiveJob
	}
	t, err := topic(topicJobStatus, a.opts.ThingName, job)
	if err != nil {
		return err
	}

	body, qos := statusBody(f, status, reason, sub, a.opts.AppVersion)
	return a.publish(t, body, qos)
}

// jobStatusWithVal reports a failure of job carrying a raw main and sub code.
func (a *Agent) jobStatusWithVal(job string, code Err, sub uint32) error {
	if job == "" {
		return ErrNoActiveJob
	}
	t, err := topic(topicJobStatus, a.opts.ThingName, job)
	if err != nil {
		return err
	}

	var u statusUpdate
	u.Status = StatusFailedWithVal.String()
	u.StatusDetails.Reason = fmt.Sprintf("0x%08x: 0x%08x", uint32(code), sub)
	body, err := json.Marshal(&u)
	if err != nil {
		return errors.Wrap(err, "encode job status")
	}
	return a.publish(t, body, 1)
}

func (a *Agent) publish(t string, body []byte, qos byte) error {
	info := mqtt.PublishInfo{Topic: t, Payload: body, QoS: qos}
	if qos > 0 {
		info.RetryLimit, info.RetryPeriod = publishRetries, publishRetry
	}
	if err := a.client.TimedPublish(info, publishWait); err != nil {
		atomic.AddUint32(&a.stats.PublishFailures, 1)
		log.WithFields(log.Fields{
			"topic": t,
			"qos":   qos,
		}).WithError(err).Warn("OTA publish failed")
		return errors.WithMessage(ErrPublishFailed, err.Error())
	}
	log.WithFields(log.Fields{
		"topic": t,
		"body":  string(body),
	}).Debug("OTA published")
	return nil
}
