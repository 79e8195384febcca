// Package ota implements the over-the-air update agent: it follows the job
// service for update jobs, receives the image from a data stream in blocks and
// drives the image through test and acceptance.
package ota

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RoanBrand/gota/internal/jobdoc"
	"github.com/RoanBrand/gota/internal/mqtt"
	"github.com/RoanBrand/gota/internal/queue"
	json "github.com/goccy/go-json"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/temoto/alive/v2"
)

const (
	defaultBlockSizeLog2   = 10
	defaultRequestWait     = 10 * time.Second
	defaultSelfTestWait    = 16 * time.Second
	defaultMaxMomentum     = 32
	defaultStatusFrequency = 64
	defaultMaxBitmapBytes  = 128
	defaultQueueDepth      = 6

	maxThingNameLength = 128
	minBufferSize      = 2048
	blockOverhead      = 64 // CBOR framing around a block
)

// Options configure an Agent.
type Options struct {
	ThingName  string
	AppVersion Version // version of the running firmware

	BlockSizeLog2   uint          // block size is 1<<BlockSizeLog2 bytes
	RequestWait     time.Duration // stream request timer
	SelfTestWait    time.Duration // time the new image has to accept itself
	MaxMomentum     uint32        // requests without an answer before the transfer is aborted
	StatusFrequency uint32        // progress status every this many blocks
	MaxBitmapBytes  int           // bounds the file size to MaxBitmapBytes*8 blocks
	QueueDepth      int           // messages waiting for the agent task

	OnComplete CompleteCallback  // DefaultComplete if nil
	CustomJob  CustomJobCallback // rejects everything if nil
}

func (o *Options) setDefaults() {
	if o.BlockSizeLog2 == 0 {
		o.BlockSizeLog2 = defaultBlockSizeLog2
	}
	if o.RequestWait <= 0 {
		o.RequestWait = defaultRequestWait
	}
	if o.SelfTestWait <= 0 {
		o.SelfTestWait = defaultSelfTestWait
	}
	if o.MaxMomentum == 0 {
		o.MaxMomentum = defaultMaxMomentum
	}
	if o.StatusFrequency == 0 {
		o.StatusFrequency = defaultStatusFrequency
	}
	if o.MaxBitmapBytes <= 0 {
		o.MaxBitmapBytes = defaultMaxBitmapBytes
	}
	if o.QueueDepth <= 0 {
		o.QueueDepth = defaultQueueDepth
	}
	if o.OnComplete == nil {
		o.OnComplete = DefaultComplete
	}
	if o.CustomJob == nil {
		o.CustomJob = defaultCustomJob
	}
}

type msgKind uint8

const (
	msgJob msgKind = iota
	msgStream
)

type message struct {
	kind msgKind
	buf  []byte
}

// Agent is the OTA update agent. It has a single transfer slot.
type Agent struct {
	client Client
	pal    PAL
	opts   Options

	alive *alive.Alive
	ready chan struct{} // a message was queued
	abort chan struct{}
	pool  *queue.Pool
	msgs  queue.Basic

	mu            sync.Mutex
	started       bool
	state         AgentState
	imageState    ImageState
	jobName       string
	serverFileID  uint32
	inSelfTest    bool
	selfTestTimer *time.Timer

	file     *File // agent task only
	requests uint32
	stats    Statistics
}

// NewAgent returns an agent using client for MQTT and pal for storage.
func NewAgent(client Client, pal PAL, opts Options) (*Agent, error) {
	if client == nil || pal == nil {
		return nil, errors.New("ota: client and PAL required")
	}
	if opts.ThingName == "" || len(opts.ThingName) > maxThingNameLength {
		return nil, errors.Errorf("ota: invalid thing name %q", opts.ThingName)
	}
	if opts.BlockSizeLog2 != 0 && (opts.BlockSizeLog2 < 4 || opts.BlockSizeLog2 > 17) {
		return nil, errors.Errorf("ota: block size 2^%d out of range", opts.BlockSizeLog2)
	}
	opts.setDefaults()

	bufSize := 1<<opts.BlockSizeLog2 + blockOverhead
	if bufSize < minBufferSize {
		bufSize = minBufferSize
	}

	a := &Agent{
		client: client,
		pal:    pal,
		opts:   opts,
		alive:  alive.NewAlive(),
		ready:  make(chan struct{}, 1),
		abort:  make(chan struct{}, 1),
		pool:   queue.NewPool(opts.QueueDepth, bufSize),
	}
	a.msgs.Init(opts.QueueDepth)
	return a, nil
}

// Start subscribes to the job topics, starts the agent task and asks for the
// next job. The task runs until Shutdown or ctx is done.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return errors.New("ota: agent already started")
	}
	a.started = true
	a.mu.Unlock()

	if err := a.subscribeJobs(); err != nil {
		return err
	}

	if a.CheckForSelfTest() {
		log.WithField("wait", a.opts.SelfTestWait).Info("OTA image pending commit, starting self test timer")
		a.mu.Lock()
		a.inSelfTest = true
		a.selfTestTimer = time.AfterFunc(a.opts.SelfTestWait, a.selfTestExpired)
		a.mu.Unlock()
	}

	if !a.alive.Add(1) {
		return errors.New("ota: agent stopped")
	}
	a.setState(AgentReady)
	go a.run(ctx)

	if err := a.CheckForUpdate(); err != nil {
		log.WithError(err).Warn("OTA check for update failed")
	}
	log.WithFields(log.Fields{
		"thing":   a.opts.ThingName,
		"version": a.opts.AppVersion,
	}).Info("OTA agent started")
	return nil
}

// Shutdown stops the agent task and waits up to timeout for it to clean up.
// It returns the agent state, AgentNotReady once the task is gone.
func (a *Agent) Shutdown(timeout time.Duration) AgentState {
	a.alive.Stop()
	select {
	case <-a.alive.WaitChan():
	case <-time.After(timeout):
		log.Warn("OTA agent shutdown timed out")
	}
	return a.State()
}

func (a *Agent) State() AgentState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Agent) setState(s AgentState) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

// Statistics returns a snapshot of the packet counters.
func (a *Agent) Statistics() Statistics {
	return Statistics{
		Received:        atomic.LoadUint32(&a.stats.Received),
		Queued:          atomic.LoadUint32(&a.stats.Queued),
		Processed:       atomic.LoadUint32(&a.stats.Processed),
		Dropped:         atomic.LoadUint32(&a.stats.Dropped),
		PublishFailures: atomic.LoadUint32(&a.stats.PublishFailures),
	}
}

// JobName returns the name of the active job, or "".
func (a *Agent) JobName() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.jobName
}

func (a *Agent) setJobName(n string) {
	a.mu.Lock()
	a.jobName = n
	a.mu.Unlock()
}

func (a *Agent) GetImageState() ImageState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.imageState
}

// SetImageState is how the application ends a job: ImageAccepted commits the
// running image after its self test, ImageRejected fails it and ImageAborted
// cancels the transfer in progress.
func (a *Agent) SetImageState(s ImageState) error {
	switch s {
	case ImageAborted:
		select {
		case a.abort <- struct{}{}:
		default:
		}
		return nil
	case ImageRejected:
		return a.setImageStateWithReason(s, ErrNone)
	case ImageAccepted:
		err := a.setImageStateWithReason(s, ErrNone)
		a.mu.Lock()
		a.inSelfTest = false
		a.mu.Unlock()
		return err
	}
	return ErrBadImageState
}

// setImageStateWithReason moves the platform and the agent to s and reports
// it on the active job. The job ends unless s is ImageTesting.
func (a *Agent) setImageStateWithReason(s ImageState, reason Err) error {
	if s == ImageUnknown || s > ImageAborted {
		return ErrBadImageState
	}

	a.mu.Lock()
	fileID := a.serverFileID
	a.mu.Unlock()

	err := a.pal.SetPlatformImageState(fileID, s)
	if err != nil {
		log.WithField("state", s).WithError(err).Error("Setting platform image state failed")
		code := imageStateErr(s)
		if s != ImageAborted {
			if reason == ErrNone {
				reason = a.palErr(code, err)
			}
			s = ImageRejected
		}
		err = errors.WithMessage(code, err.Error())
	}

	a.mu.Lock()
	a.imageState = s
	job := a.jobName
	if s != ImageTesting {
		a.jobName = ""
	}
	a.mu.Unlock()

	if s == ImageAccepted {
		a.stopSelfTestTimer()
	}
	if job == "" {
		log.WithField("state", s).Debug("No active OTA job to report image state on")
		if err == nil {
			err = ErrNoActiveJob
		}
		return err
	}

	switch s {
	case ImageTesting:
		a.jobStatus(job, nil, StatusInProgress, ReasonSelfTestActive, 0)
	case ImageAccepted:
		a.jobStatus(job, nil, StatusSucceeded, ReasonAccepted, 0)
	case ImageRejected:
		a.jobStatus(job, nil, StatusFailed, ReasonRejected, uint32(reason))
	default:
		a.jobStatus(job, nil, StatusFailed, ReasonAborted, uint32(reason))
	}
	return err
}

func imageStateErr(s ImageState) Err {
	switch s {
	case ImageAccepted:
		return ErrCommitFailed
	case ImageRejected:
		return ErrRejectFailed
	case ImageAborted:
		return ErrAbortFailed
	}
	return ErrBadImageState
}

// CheckForSelfTest reports whether the platform runs an image pending commit.
func (a *Agent) CheckForSelfTest() bool {
	a.mu.Lock()
	fileID := a.serverFileID
	a.mu.Unlock()
	return a.pal.GetPlatformImageState(fileID) == PALImagePendingCommit
}

// selfTestExpired rejects the image under test so the platform boots the
// previous one after the reset.
func (a *Agent) selfTestExpired() {
	log.WithField("wait", a.opts.SelfTestWait).Error("OTA self test did not complete in time")
	a.mu.Lock()
	a.inSelfTest = false
	a.selfTestTimer = nil
	a.mu.Unlock()

	if err := a.setImageStateWithReason(ImageRejected, ErrSelfTestTimeout); err != nil && err != ErrNoActiveJob {
		log.WithError(err).Error("Rejecting OTA image after self test timeout failed")
	}
	a.resetDevice()
}

func (a *Agent) stopSelfTestTimer() {
	a.mu.Lock()
	if a.selfTestTimer != nil {
		a.selfTestTimer.Stop()
		a.selfTestTimer = nil
	}
	a.mu.Unlock()
}

func (a *Agent) resetDevice() {
	a.mu.Lock()
	fileID := a.serverFileID
	a.mu.Unlock()
	if err := a.pal.ResetDevice(fileID); err != nil {
		log.WithError(err).Error("Device reset failed")
	}
}

// ActivateNewImage hands the received image to the platform to boot.
func (a *Agent) ActivateNewImage() error {
	a.mu.Lock()
	fileID := a.serverFileID
	a.mu.Unlock()
	if err := a.pal.ActivateNewImage(fileID); err != nil {
		return errors.WithMessage(a.palErr(ErrActivateFailed, err), err.Error())
	}
	return nil
}

// CheckForUpdate asks the job service for the next pending job.
func (a *Agent) CheckForUpdate() error {
	n := atomic.AddUint32(&a.requests, 1) - 1
	body, err := json.Marshal(&getNextRequest{ClientToken: fmt.Sprintf("%d:%s", n, a.opts.ThingName)})
	if err != nil {
		return errors.Wrap(err, "encode get next job")
	}
	t, err := topic(topicJobsGetNext, a.opts.ThingName)
	if err != nil {
		return err
	}
	return a.publish(t, body, 1)
}

// DefaultComplete activates a received image and accepts an image that
// started its self test.
func DefaultComplete(a *Agent, e JobEvent) {
	switch e {
	case JobActivate:
		log.Info("OTA received new image, activating")
		if err := a.ActivateNewImage(); err != nil {
			log.WithError(err).Error("OTA image activation failed")
		}
	case JobFail:
		log.Warn("OTA job failed")
	case JobStartTest:
		log.Info("OTA self test started, accepting image")
		if err := a.SetImageState(ImageAccepted); err != nil {
			log.WithError(err).Error("OTA image accept failed")
		}
	}
}

func (a *Agent) jobTopics() ([]string, error) {
	accepted, err := topic(topicJobsGetAccepted, a.opts.ThingName)
	if err != nil {
		return nil, err
	}
	next, err := topic(topicJobsNotifyNext, a.opts.ThingName)
	if err != nil {
		return nil, err
	}
	return []string{accepted, next}, nil
}

func (a *Agent) subscribeJobs() error {
	filters, err := a.jobTopics()
	if err != nil {
		return err
	}
	subs := make([]mqtt.SubscriptionInfo, len(filters))
	for i, f := range filters {
		subs[i] = mqtt.SubscriptionInfo{Filter: f, QoS: 1, Callback: a.onPublish(msgJob)}
	}
	if err = a.client.TimedSubscribe(subs, subscribeWait); err != nil {
		return errors.Wrap(err, "ota: subscribe to job topics")
	}
	return nil
}

func (a *Agent) unsubscribeJobs() {
	filters, err := a.jobTopics()
	if err == nil {
		err = a.client.TimedUnsubscribe(filters, unsubscribeWait)
	}
	if err != nil {
		log.WithError(err).Warn("OTA job topics unsubscribe failed")
	}
}

// onPublish copies an incoming message into the agent queue. It never blocks:
// a message that finds the queue full or no free buffer is dropped.
func (a *Agent) onPublish(kind msgKind) mqtt.Callback {
	return func(p mqtt.CallbackParam) {
		pr, ok := p.(mqtt.PublishReceived)
		if !ok {
			return
		}
		atomic.AddUint32(&a.stats.Received, 1)

		payload := pr.Message.Payload
		if len(payload) > a.pool.BufferSize() {
			a.drop(pr.Message.Topic, "message too large")
			return
		}
		buf, err := a.pool.Acquire()
		if err != nil {
			a.drop(pr.Message.Topic, err.Error())
			return
		}
		n := copy(buf, payload)

		i := queue.GetItem(message{kind: kind, buf: buf[:n]})
		if !a.msgs.TryAdd(i) {
			queue.ReturnItem(i)
			a.pool.Release(buf)
			a.drop(pr.Message.Topic, "queue full")
			return
		}
		atomic.AddUint32(&a.stats.Queued, 1)

		select {
		case a.ready <- struct{}{}:
		default:
		}
	}
}

func (a *Agent) drop(t, reason string) {
	atomic.AddUint32(&a.stats.Dropped, 1)
	log.WithFields(log.Fields{
		"topic":  t,
		"reason": reason,
	}).Warn("OTA message dropped")
}

// run is the agent task. Everything touching the transfer slot happens here.
func (a *Agent) run(ctx context.Context) {
	defer a.alive.Done()
	stop := a.alive.StopChan()

	for {
		var timeout <-chan time.Time
		if a.file != nil && a.file.timer != nil {
			timeout = a.file.timer.C
		}

		select {
		case <-ctx.Done():
			a.alive.Stop()
			a.cleanup()
			return
		case <-stop:
			a.cleanup()
			return
		case <-a.abort:
			if a.file != nil {
				log.WithField("job", a.file.JobName).Info("OTA transfer aborted by user")
				a.setImageStateWithReason(ImageAborted, ErrUserAbort)
				a.endTransfer()
			}
		case <-timeout:
			if a.file.remaining > 0 {
				if err := a.requestBlocks(a.file); err != nil {
					log.WithError(err).Error("OTA transfer aborted")
					a.setImageStateWithReason(ImageAborted, Code(err))
					a.endTransfer()
				}
			}
		case <-a.ready:
			a.drain()
		}

		if a.file == nil && a.State() == AgentActive {
			a.setState(AgentReady)
		}
	}
}

func (a *Agent) drain() {
	for i := a.msgs.Pop(); i != nil; i = a.msgs.Pop() {
		m := i.V.(message)
		if s := a.State(); s == AgentReady || s == AgentActive {
			switch m.kind {
			case msgJob:
				a.handleJob(m.buf)
			case msgStream:
				a.handleStream(m.buf)
			}
		}
		atomic.AddUint32(&a.stats.Processed, 1)
		a.pool.Release(m.buf)
		queue.ReturnItem(i)
	}
}

func (a *Agent) endTransfer() {
	a.closeTransfer(a.file)
	a.file = nil
}

func (a *Agent) handleJob(doc []byte) {
	job, perr := jobdoc.ParseJob(doc)

	if a.file != nil {
		if perr == nil && job.ID == a.file.JobName {
			log.WithField("job", job.ID).Debug("Superfluous report of current OTA job")
			return
		}
		log.WithField("job", a.file.JobName).Warn("OTA transfer superseded by new job document")
		a.setImageStateWithReason(ImageAborted, ErrFileAbort)
		a.endTransfer()
	}

	f := a.acceptJob(doc, job, perr)
	if f == nil {
		switch {
		case a.GetImageState() == ImageTesting:
			if a.CheckForSelfTest() {
				a.opts.OnComplete(a, JobStartTest)
			} else {
				log.Error("OTA job in self test but platform image is not")
				a.setImageStateWithReason(ImageRejected, ErrImageStateMismatch)
				a.resetDevice()
			}
		case a.JobName() != "":
			a.setImageStateWithReason(ImageAborted, ErrJobParserError)
		}
		return
	}

	a.file = f
	if err := a.beginTransfer(f); err != nil {
		log.WithField("job", f.JobName).WithError(err).Error("OTA transfer could not start")
		a.setImageStateWithReason(ImageAborted, Code(err))
		a.endTransfer()
		return
	}
	a.setState(AgentActive)
}

func (a *Agent) handleStream(msg []byte) {
	a.mu.Lock()
	selfTest := a.inSelfTest
	a.mu.Unlock()
	if a.file == nil || selfTest {
		return
	}

	f := a.file
	res, closeErr := a.ingest(f, msg)
	switch {
	case res == IngestAcceptedContinue:
		f.momentum = 0
		a.updateJobStatus(f, StatusInProgress, ReasonReceiving, 0)
		return
	case res > IngestAcceptedContinue:
		return
	}

	ev := JobActivate
	if res == IngestFileComplete {
		a.updateJobStatus(f, StatusInProgress, ReasonSigCheckPassed, 0)
	} else {
		ev = JobFail
		log.WithFields(log.Fields{
			"job":    f.JobName,
			"result": res,
		}).WithError(closeErr).Error("OTA transfer failed")
		if err := a.pal.SetPlatformImageState(f.ServerFileID, ImageRejected); err != nil {
			log.WithError(err).Warn("Setting platform image state failed")
		}
		a.mu.Lock()
		a.imageState = ImageRejected
		a.mu.Unlock()
		a.jobStatusWithVal(a.JobName(), closeErr, uint32(int32(res)))
	}

	a.endTransfer()
	a.opts.OnComplete(a, ev)
	a.setJobName("")
}

// cleanup releases everything the agent holds once the task is told to stop.
func (a *Agent) cleanup() {
	a.setState(AgentShuttingDown)
	a.stopSelfTestTimer()
	a.unsubscribeJobs()
	if a.file != nil {
		a.endTransfer()
	}
	a.setJobName("")
	a.msgs.Reset(func(i *queue.Item) {
		a.pool.Release(i.V.(message).buf)
		queue.ReturnItem(i)
	})
	a.setState(AgentNotReady)
	log.Info("OTA agent stopped")
}
