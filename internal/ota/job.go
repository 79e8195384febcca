package ota

import (
	"strconv"

	"github.com/RoanBrand/gota/internal/jobdoc"
	log "github.com/sirupsen/logrus"
)

func defaultCustomJob(doc []byte, job *jobdoc.Job) error {
	return jobdoc.ErrNonConformingJobDoc
}

// acceptJob validates a parsed job against the agent state. It returns the
// file to transfer, or nil when there is nothing to transfer: a rejected job,
// a self test or a job handled by the custom callback.
func (a *Agent) acceptJob(doc []byte, job *jobdoc.Job, perr error) *File {
	var jerr error

	if perr == nil {
		jerr = a.checkJob(job)
		if jerr == nil && job.SelfTest {
			a.selfTestJob(job)
			return nil
		}
		if jerr == nil {
			log.WithField("job", job.ID).Info("OTA job accepted")
			return &File{
				JobName:        job.ID,
				ClientToken:    job.ClientToken,
				StreamName:     job.StreamName,
				Path:           job.FilePath,
				CertFile:       job.CertFile,
				Size:           job.FileSize,
				ServerFileID:   job.FileID,
				Attributes:     job.Attributes,
				Signature:      job.Signature,
				UpdaterVersion: job.UpdatedBy,
			}
		}
	} else {
		log.WithError(perr).Debug("Trying custom job callback")
		jerr = a.opts.CustomJob(doc, job)
		if jerr == nil {
			if job.ID == "" {
				jerr = jobdoc.ErrNonConformingJobDoc
			} else {
				a.jobStatus(job.ID, nil, StatusSucceeded, ReasonAccepted, 0)
				return nil
			}
		} else if jobdoc.Code(jerr) == 0 {
			jerr = perr
		}
	}

	if job.ID == "" || jobdoc.Code(jerr) == jobdoc.ErrBusyWithSameJob {
		log.WithError(jerr).Warn("Ignoring OTA job")
		return nil
	}

	log.WithFields(log.Fields{
		"job": job.ID,
	}).WithError(jerr).Error("Rejecting OTA job")

	// reported on the rejected job, the active one is left alone
	a.jobStatusWithVal(job.ID, ErrJobParserError, uint32(jobdoc.Code(jerr)))
	return nil
}

// checkJob applies the job acceptance rules and takes the job as active.
func (a *Agent) checkJob(job *jobdoc.Job) error {
	if job.FileSize == 0 {
		return jobdoc.ErrZeroFileSize
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	switch {
	case a.jobName == "":
		a.jobName = job.ID
	case job.ID == "":
		return jobdoc.ErrNullJob
	case job.ID != a.jobName:
		return jobdoc.ErrBusyWithExistingJob
	default:
		return jobdoc.ErrBusyWithSameJob
	}
	a.serverFileID = job.FileID
	return nil
}

// selfTestJob handles the job document the new image sees after rebooting.
func (a *Agent) selfTestJob(job *jobdoc.Job) {
	l := log.WithFields(log.Fields{
		"job":       job.ID,
		"updatedBy": UnpackVersion(job.UpdatedBy),
		"running":   a.opts.AppVersion,
	})
	l.Info("OTA job in self test")

	if job.FileID != 0 {
		a.setImageStateWithReason(ImageTesting, ErrNone)
		return
	}

	running := a.opts.AppVersion.Packed()
	switch {
	case job.UpdatedBy < running:
		a.setImageStateWithReason(ImageTesting, ErrNone)
		return
	case job.UpdatedBy > running:
		l.Error("Rejecting OTA image, downgrade not allowed")
		a.setImageStateWithReason(ImageRejected, ErrDowngradeNotAllowed)
	default:
		if tok, err := strconv.ParseUint(leadingNumber(job.ClientToken), 0, 32); err != nil || tok == 0 {
			l.Error("Rejecting OTA image, version unchanged after reboot")
			a.setImageStateWithReason(ImageRejected, ErrSameFirmwareVersion)
		} else {
			l.Warn("Ignoring OTA job, device must reboot first")
		}
	}
	a.resetDevice()
}

// leadingNumber returns the digits the client token starts with. Tokens look
// like "<count>:<thing>".
func leadingNumber(token string) string {
	for i := 0; i < len(token); i++ {
		if token[i] < '0' || token[i] > '9' {
			return token[:i]
		}
	}
	return token
}
