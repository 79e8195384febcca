package ota

import (
	"time"

	"github.com/RoanBrand/gota/internal/mqtt"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// IngestResult is the outcome of one received data block. Negative results
// end the transfer.
type IngestResult int8

const (
	IngestFileComplete     IngestResult = -1
	IngestSigCheckFail     IngestResult = -2
	IngestFileCloseFail    IngestResult = -3
	IngestBadFileHandle    IngestResult = -5
	IngestUnexpectedBlock  IngestResult = -6
	IngestBlockOutOfRange  IngestResult = -7
	IngestBadData          IngestResult = -8
	IngestWriteBlockFailed IngestResult = -9

	IngestAcceptedContinue  IngestResult = 0
	IngestDuplicateContinue IngestResult = 1
)

func (r IngestResult) String() string {
	switch r {
	case IngestFileComplete:
		return "FileComplete"
	case IngestSigCheckFail:
		return "SigCheckFail"
	case IngestFileCloseFail:
		return "FileCloseFail"
	case IngestBadFileHandle:
		return "BadFileHandle"
	case IngestUnexpectedBlock:
		return "UnexpectedBlock"
	case IngestBlockOutOfRange:
		return "BlockOutOfRange"
	case IngestBadData:
		return "BadData"
	case IngestWriteBlockFailed:
		return "WriteBlockFailed"
	case IngestAcceptedContinue:
		return "AcceptedContinue"
	case IngestDuplicateContinue:
		return "DuplicateContinue"
	}
	return "Unknown"
}

// beginTransfer prepares f for receiving: bitmap, stream subscription,
// request timer and the PAL receive file.
func (a *Agent) beginTransfer(f *File) error {
	f.blockSize = 1 << a.opts.BlockSizeLog2
	f.blocks = (f.Size + f.blockSize - 1) / f.blockSize
	if bitmapLen(f.blocks) > a.opts.MaxBitmapBytes {
		return errors.WithMessagef(ErrRxFileTooLarge, "%d blocks", f.blocks)
	}
	f.bitmap = newBitmap(f.blocks)
	f.remaining = f.blocks

	t, err := topic(topicStreamData, a.opts.ThingName, f.StreamName)
	if err != nil {
		return err
	}
	if err = a.client.TimedSubscribe([]mqtt.SubscriptionInfo{{
		Filter:   t,
		QoS:      0,
		Callback: a.onPublish(msgStream),
	}}, subscribeWait); err != nil {
		return errors.WithMessage(ErrPublishFailed, err.Error())
	}

	f.state = TransferRequesting
	a.startRequestTimer(f)

	if err = a.pal.CreateFileForRx(f); err != nil {
		return a.palErr(ErrRxFileCreateFailed, err)
	}

	log.WithFields(log.Fields{
		"job":    f.JobName,
		"stream": f.StreamName,
		"size":   f.Size,
		"blocks": f.blocks,
	}).Info("OTA transfer started")
	return nil
}

// palErr returns err if it is an agent code, or code carrying nothing otherwise.
func (a *Agent) palErr(code Err, err error) Err {
	if e, ok := errors.Cause(err).(Err); ok {
		return e
	}
	log.WithError(err).Warn("OTA PAL error")
	return code
}

func (a *Agent) startRequestTimer(f *File) {
	if f.timer == nil {
		f.timer = time.NewTimer(a.opts.RequestWait)
		return
	}
	if !f.timer.Stop() {
		select {
		case <-f.timer.C:
		default:
		}
	}
	f.timer.Reset(a.opts.RequestWait)
}

func stopTimer(t *time.Timer) {
	if t != nil && !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

// requestBlocks asks the stream service for every block still missing.
// Failed publishes are left to the momentum limit.
func (a *Agent) requestBlocks(f *File) error {
	if f.momentum >= a.opts.MaxMomentum {
		stopTimer(f.timer)
		return ErrMomentumAbort.WithSub(a.opts.MaxMomentum)
	}

	b, err := encodeGetStream(f)
	if err != nil {
		return err
	}
	f.momentum++

	t, err := topic(topicGetStream, a.opts.ThingName, f.StreamName)
	if err != nil {
		return err
	}
	if err = a.publish(t, b, 0); err == nil {
		log.WithFields(log.Fields{
			"job":       f.JobName,
			"remaining": f.remaining,
			"momentum":  f.momentum,
		}).Debug("OTA requested blocks")
	}
	a.startRequestTimer(f)
	return nil
}

// ingest stores one data block. Once the last block is written the file is
// closed and closeErr holds the PAL close result.
func (a *Agent) ingest(f *File, msg []byte) (res IngestResult, closeErr Err) {
	if f.bitmap == nil || f.remaining == 0 {
		return IngestUnexpectedBlock, ErrNone
	}
	a.startRequestTimer(f)

	_, block, data, err := decodeStreamBlock(msg)
	if err != nil {
		log.WithError(err).Warn("OTA stream block decode failed")
		return IngestBadData, ErrNone
	}

	last := f.blocks - 1
	if block < 0 || uint32(block) > last ||
		(uint32(block) < last && uint32(len(data)) != f.blockSize) ||
		(uint32(block) == last && uint32(len(data)) != f.Size-last*f.blockSize) {
		log.WithFields(log.Fields{
			"block": block,
			"size":  len(data),
		}).Warn("OTA block out of range")
		return IngestBlockOutOfRange, ErrNone
	}

	i := uint32(block)
	if !f.bitmap.missing(i) {
		log.WithField("block", i).Debug("OTA duplicate block")
		return IngestDuplicateContinue, ErrNone
	}

	if f.Handle == nil {
		return IngestBadFileHandle, ErrNone
	}
	n, err := a.pal.WriteBlock(f, i*f.blockSize, data)
	if err != nil || n != len(data) {
		log.WithFields(log.Fields{
			"block":   i,
			"written": n,
		}).WithError(err).Error("OTA block write failed")
		return IngestWriteBlockFailed, ErrNone
	}

	f.state = TransferReceiving
	f.bitmap.clear(i)
	f.remaining--
	if f.remaining > 0 {
		return IngestAcceptedContinue, ErrNone
	}

	f.state = TransferClosing
	stopTimer(f.timer)
	f.bitmap = nil
	log.WithField("job", f.JobName).Info("OTA file received, closing")

	err = a.pal.CloseFile(f)
	f.Handle = nil
	if err != nil {
		f.state = TransferDoneAborted
		closeErr = a.palErr(ErrFileClose, err)
		if closeErr.Main() == ErrSignatureCheckFailed {
			return IngestSigCheckFail, closeErr
		}
		return IngestFileCloseFail, closeErr
	}
	f.state = TransferDoneSuccess
	return IngestFileComplete, ErrNone
}

// closeTransfer releases the stream subscription, the request timer and the
// receive file. A file still open is aborted through the PAL.
func (a *Agent) closeTransfer(f *File) {
	stopTimer(f.timer)
	f.timer = nil
	f.bitmap = nil

	if f.StreamName != "" {
		if t, err := topic(topicStreamData, a.opts.ThingName, f.StreamName); err == nil {
			if err = a.client.TimedUnsubscribe([]string{t}, unsubscribeWait); err != nil {
				log.WithError(err).Warn("OTA stream unsubscribe failed")
			}
		}
	}

	if f.Handle != nil {
		if err := a.pal.Abort(f); err != nil {
			log.WithError(err).Warn("OTA PAL abort failed")
		}
		f.Handle = nil
	}

	if f.state != TransferDoneSuccess {
		f.state = TransferDoneAborted
	}
}
