package ota

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/RoanBrand/gota/internal/codec"
	"github.com/RoanBrand/gota/internal/jobdoc"
	"github.com/RoanBrand/gota/internal/mqtt"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 3 * time.Second

var testVersion = Version{Major: 1, Minor: 2, Build: 3}

type fakeClient struct {
	mu     sync.Mutex
	subs   map[string]mqtt.Callback
	unsubs []string
	pubs   chan mqtt.PublishInfo
	pubErr error
}

func newFakeClient() *fakeClient {
	return &fakeClient{subs: make(map[string]mqtt.Callback), pubs: make(chan mqtt.PublishInfo, 4096)}
}

func (c *fakeClient) TimedSubscribe(subs []mqtt.SubscriptionInfo, timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range subs {
		c.subs[s.Filter] = s.Callback
	}
	return nil
}

func (c *fakeClient) TimedUnsubscribe(filters []string, timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range filters {
		delete(c.subs, f)
		c.unsubs = append(c.unsubs, f)
	}
	return nil
}

func (c *fakeClient) TimedPublish(info mqtt.PublishInfo, timeout time.Duration) error {
	c.mu.Lock()
	err := c.pubErr
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.pubs <- info
	return nil
}

func (c *fakeClient) subscribed(filter string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[filter]
	return ok
}

func (c *fakeClient) unsubscribed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.unsubs...)
}

// deliver hands payload to the subscription of topic, waiting for it to exist.
func (c *fakeClient) deliver(t *testing.T, topic string, payload []byte) {
	t.Helper()
	require.Eventually(t, func() bool { return c.subscribed(topic) }, waitFor, time.Millisecond, "no subscription for %s", topic)
	c.mu.Lock()
	cb := c.subs[topic]
	c.mu.Unlock()
	cb(mqtt.PublishReceived{Filter: topic, Message: codec.Publish{Topic: topic, Payload: payload}})
}

// published waits for a publish to topic, skipping others.
func (c *fakeClient) published(t *testing.T, topic string) mqtt.PublishInfo {
	t.Helper()
	timeout := time.After(waitFor)
	for {
		select {
		case p := <-c.pubs:
			if p.Topic == topic {
				return p
			}
		case <-timeout:
			t.Fatalf("nothing published to %s", topic)
		}
	}
}

type fakePAL struct {
	mu        sync.Mutex
	data      []byte
	state     PALImageState
	states    []ImageState
	closeErr  error
	createErr error
	created   int
	closed    int
	aborted   int
	resets    int
	active    int
}

func (p *fakePAL) CreateFileForRx(f *File) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.createErr != nil {
		return p.createErr
	}
	p.created++
	p.data = make([]byte, f.Size)
	f.Handle = p
	return nil
}

func (p *fakePAL) WriteBlock(f *File, offset uint32, data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return copy(p.data[offset:], data), nil
}

func (p *fakePAL) CloseFile(f *File) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed++
	return p.closeErr
}

func (p *fakePAL) Abort(f *File) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.aborted++
	return nil
}

func (p *fakePAL) GetPlatformImageState(uint32) PALImageState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *fakePAL) SetPlatformImageState(_ uint32, s ImageState) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.states = append(p.states, s)
	return nil
}

func (p *fakePAL) ActivateNewImage(uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active++
	return nil
}

func (p *fakePAL) ResetDevice(uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resets++
	return nil
}

func (p *fakePAL) snapshot() fakePAL {
	p.mu.Lock()
	defer p.mu.Unlock()
	return fakePAL{
		data:    append([]byte(nil), p.data...),
		states:  append([]ImageState(nil), p.states...),
		created: p.created,
		closed:  p.closed,
		aborted: p.aborted,
		resets:  p.resets,
		active:  p.active,
	}
}

type harness struct {
	thing  string
	client *fakeClient
	pal    *fakePAL
	agent  *Agent
	events chan JobEvent
}

func newHarness(t *testing.T, pal *fakePAL, mod func(*Options)) *harness {
	h := &harness{
		thing:  "thing-" + uuid.New().String()[:8],
		client: newFakeClient(),
		pal:    pal,
		events: make(chan JobEvent, 8),
	}
	opts := Options{
		AppVersion:    testVersion,
		BlockSizeLog2: 7,
		RequestWait:   20 * time.Millisecond,
		OnComplete: func(a *Agent, e JobEvent) {
			h.events <- e
		},
	}
	opts.ThingName = h.thing
	if mod != nil {
		mod(&opts)
	}

	var err error
	h.agent, err = NewAgent(h.client, pal, opts)
	require.NoError(t, err)
	return h
}

func (h *harness) start(t *testing.T) {
	require.NoError(t, h.agent.Start(context.Background()))
	t.Cleanup(func() { h.agent.Shutdown(waitFor) })

	get := h.client.published(t, fmt.Sprintf("$aws/things/%s/jobs/$next/get", h.thing))
	require.Equal(t, `{"clientToken":"0:`+h.thing+`"}`, string(get.Payload))
	require.Equal(t, byte(1), get.QoS)
}

func (h *harness) topic(format string, args ...interface{}) string {
	return fmt.Sprintf(format, append([]interface{}{h.thing}, args...)...)
}

func (h *harness) sendJob(t *testing.T, doc string) {
	h.client.deliver(t, h.topic("$aws/things/%s/jobs/$next/get/accepted"), []byte(doc))
}

func (h *harness) status(t *testing.T, job string) string {
	return string(h.client.published(t, h.topic("$aws/things/%s/jobs/%s/update", job)).Payload)
}

func (h *harness) event(t *testing.T) JobEvent {
	select {
	case e := <-h.events:
		return e
	case <-time.After(waitFor):
		t.Fatal("no job event")
	}
	return 0
}

func otaJob(id string, size int, statusDetails string) string {
	if statusDetails != "" {
		statusDetails = `"statusDetails":` + statusDetails + `,`
	}
	return fmt.Sprintf(`{"clientToken":"0:thing","execution":{"jobId":"%s",%s`+
		`"jobDocument":{"afr_ota":{"protocols":["MQTT"],"streamname":"stream1","files":[`+
		`{"filepath":"/fw.bin","filesize":%d,"fileid":0,"certfile":"cert.pem","sig-sha256-ecdsa":"c2ln"}]}}}}`,
		id, statusDetails, size)
}

func image(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i * 7)
	}
	return b
}

func TestTransfer(t *testing.T) {
	t.Parallel()

	pal := &fakePAL{}
	h := newHarness(t, pal, nil)
	h.start(t)
	require.Equal(t, AgentReady, h.agent.State())

	img := image(300) // 3 blocks, the last one 44 bytes
	h.sendJob(t, otaJob("job1", len(img), ""))

	req := h.client.published(t, h.topic("$aws/things/%s/streams/stream1/get/cbor"))
	require.Equal(t, byte(0), req.QoS)
	var r getStreamRequest
	require.NoError(t, cbor.Unmarshal(req.Payload, &r))
	assert.Equal(t, "rdy", r.ClientToken)
	assert.Equal(t, uint32(128), r.BlockSize)
	assert.Equal(t, []byte{0xe0}, r.Bitmap)
	require.Equal(t, AgentActive, h.agent.State())
	require.Equal(t, "job1", h.agent.JobName())

	data := h.topic("$aws/things/%s/streams/stream1/data/cbor")
	h.client.deliver(t, data, block(t, 2, img[256:]))
	h.client.deliver(t, data, block(t, 1, img[128:256]))
	h.client.deliver(t, data, block(t, 1, img[128:256]))
	h.client.deliver(t, data, block(t, 0, img[:128]))

	require.Equal(t, `{"status":"IN_PROGRESS","statusDetails":{"self_test":"ready","updatedBy":"0x1020003"}}`, h.status(t, "job1"))
	require.Equal(t, JobActivate, h.event(t))

	require.Eventually(t, func() bool { return h.agent.State() == AgentReady }, waitFor, time.Millisecond)
	require.Eventually(t, func() bool { return !h.client.subscribed(data) }, waitFor, time.Millisecond)
	s := pal.snapshot()
	require.True(t, bytes.Equal(img, s.data))
	require.Equal(t, 1, s.created)
	require.Equal(t, 1, s.closed)
	require.Equal(t, 0, s.aborted)
	require.Equal(t, "", h.agent.JobName())

	st := h.agent.Statistics()
	require.Equal(t, uint32(5), st.Received)
	require.Equal(t, uint32(5), st.Processed)
	require.Equal(t, uint32(0), st.Dropped)
}

func TestTransferSignatureCheckFails(t *testing.T) {
	t.Parallel()

	pal := &fakePAL{closeErr: ErrSignatureCheckFailed}
	h := newHarness(t, pal, nil)
	h.start(t)

	h.sendJob(t, otaJob("job1", 100, ""))
	h.client.deliver(t, h.topic("$aws/things/%s/streams/stream1/data/cbor"), block(t, 0, image(100)))

	require.Equal(t, `{"status":"FAILED","statusDetails":{"reason":"0x01000000: 0xfffffffe"}}`, h.status(t, "job1"))
	require.Equal(t, JobFail, h.event(t))
	require.Equal(t, []ImageState{ImageRejected}, pal.snapshot().states)
	require.Equal(t, ImageRejected, h.agent.GetImageState())
}

func TestTransferBlockOutOfRange(t *testing.T) {
	t.Parallel()

	pal := &fakePAL{}
	h := newHarness(t, pal, nil)
	h.start(t)

	h.sendJob(t, otaJob("job1", 300, ""))
	h.client.deliver(t, h.topic("$aws/things/%s/streams/stream1/data/cbor"), block(t, 3, image(128)))

	require.Equal(t, `{"status":"FAILED","statusDetails":{"reason":"0x00000000: 0xfffffff9"}}`, h.status(t, "job1"))
	require.Equal(t, JobFail, h.event(t))
	s := pal.snapshot()
	require.Equal(t, 1, s.aborted)
	require.Equal(t, 0, s.closed)
}

func TestMomentumAbort(t *testing.T) {
	t.Parallel()

	pal := &fakePAL{}
	h := newHarness(t, pal, func(o *Options) {
		o.RequestWait = 5 * time.Millisecond
		o.MaxMomentum = 3
	})
	h.start(t)

	h.sendJob(t, otaJob("job1", 300, ""))
	require.Equal(t, `{"status":"FAILED","statusDetails":{"reason":"aborted: 0x21000003"}}`, h.status(t, "job1"))

	require.Eventually(t, func() bool { return pal.snapshot().aborted == 1 }, waitFor, time.Millisecond)
	require.Equal(t, []ImageState{ImageAborted}, pal.snapshot().states)
	require.Equal(t, ImageAborted, h.agent.GetImageState())
	require.Eventually(t, func() bool { return h.agent.State() == AgentReady }, waitFor, time.Millisecond)
}

func TestMomentumResetByBlock(t *testing.T) {
	t.Parallel()

	pal := &fakePAL{}
	h := newHarness(t, pal, func(o *Options) {
		o.RequestWait = 50 * time.Millisecond
		o.MaxMomentum = 3
	})
	h.start(t)

	img := image(300)
	h.sendJob(t, otaJob("job1", len(img), ""))
	get := h.topic("$aws/things/%s/streams/stream1/get/cbor")
	data := h.topic("$aws/things/%s/streams/stream1/data/cbor")
	h.client.published(t, get)
	h.client.published(t, get)

	h.client.deliver(t, data, block(t, 0, img[:128]))

	// two more unanswered requests would have hit the limit without the block
	h.client.published(t, get)
	h.client.published(t, get)
	h.client.deliver(t, data, block(t, 1, img[128:256]))
	h.client.deliver(t, data, block(t, 2, img[256:]))

	require.Equal(t, `{"status":"IN_PROGRESS","statusDetails":{"self_test":"ready","updatedBy":"0x1020003"}}`, h.status(t, "job1"))
	require.Equal(t, JobActivate, h.event(t))
	require.Equal(t, 0, pal.snapshot().aborted)
	require.Empty(t, pal.snapshot().states)
}

func TestMomentumCountsFailedRequests(t *testing.T) {
	t.Parallel()

	pal := &fakePAL{}
	h := newHarness(t, pal, func(o *Options) {
		o.RequestWait = 5 * time.Millisecond
		o.MaxMomentum = 3
	})
	h.start(t)

	h.client.mu.Lock()
	h.client.pubErr = mqtt.ErrNotConnected
	h.client.mu.Unlock()

	h.sendJob(t, otaJob("job1", 300, ""))
	require.Eventually(t, func() bool { return pal.snapshot().aborted == 1 }, waitFor, time.Millisecond)
	require.Equal(t, []ImageState{ImageAborted}, pal.snapshot().states)
	require.Equal(t, ImageAborted, h.agent.GetImageState())
	require.GreaterOrEqual(t, h.agent.Statistics().PublishFailures, uint32(3))
}

func TestProgressStatusFrequency(t *testing.T) {
	t.Parallel()

	pal := &fakePAL{}
	h := newHarness(t, pal, func(o *Options) {
		o.RequestWait = time.Minute
		o.StatusFrequency = 2
	})
	h.start(t)

	img := image(600) // 5 blocks
	h.sendJob(t, otaJob("job1", len(img), ""))
	data := h.topic("$aws/things/%s/streams/stream1/data/cbor")
	for _, id := range []int{0, 1, 1, 0, 2, 3, 3, 2, 4} {
		end := (id + 1) * 128
		if end > len(img) {
			end = len(img)
		}
		h.client.deliver(t, data, block(t, id, img[id*128:end]))
	}

	require.Equal(t, `{"status":"IN_PROGRESS","statusDetails":{"receive":"2/5"}}`, h.status(t, "job1"))
	require.Equal(t, `{"status":"IN_PROGRESS","statusDetails":{"receive":"4/5"}}`, h.status(t, "job1"))
	require.Equal(t, `{"status":"IN_PROGRESS","statusDetails":{"self_test":"ready","updatedBy":"0x1020003"}}`, h.status(t, "job1"))
	require.Equal(t, JobActivate, h.event(t))
	require.True(t, bytes.Equal(img, pal.snapshot().data))
}

func TestUserAbort(t *testing.T) {
	t.Parallel()

	pal := &fakePAL{}
	h := newHarness(t, pal, func(o *Options) { o.RequestWait = time.Minute })
	h.start(t)

	h.sendJob(t, otaJob("job1", 300, ""))
	require.Eventually(t, func() bool { return pal.snapshot().created == 1 }, waitFor, time.Millisecond)

	require.NoError(t, h.agent.SetImageState(ImageAborted))
	require.Equal(t, `{"status":"FAILED","statusDetails":{"reason":"aborted: 0x28000000"}}`, h.status(t, "job1"))
	require.Eventually(t, func() bool { return pal.snapshot().aborted == 1 }, waitFor, time.Millisecond)
}

func TestSupersededJob(t *testing.T) {
	t.Parallel()

	pal := &fakePAL{}
	h := newHarness(t, pal, func(o *Options) { o.RequestWait = time.Minute })
	h.start(t)

	h.sendJob(t, otaJob("job1", 300, ""))
	require.Eventually(t, func() bool { return pal.snapshot().created == 1 }, waitFor, time.Millisecond)

	// repeated notification of the same job keeps the transfer
	h.sendJob(t, otaJob("job1", 300, ""))
	h.sendJob(t, otaJob("job2", 200, ""))

	require.Equal(t, `{"status":"FAILED","statusDetails":{"reason":"aborted: 0x10000000"}}`, h.status(t, "job1"))
	require.Eventually(t, func() bool { return pal.snapshot().created == 2 }, waitFor, time.Millisecond)
	require.Equal(t, "job2", h.agent.JobName())
	require.Equal(t, 1, pal.snapshot().aborted)
}

func TestJobRejected(t *testing.T) {
	t.Parallel()

	pal := &fakePAL{}
	h := newHarness(t, pal, nil)
	h.start(t)

	h.sendJob(t, otaJob("job1", 0, ""))
	require.Equal(t, `{"status":"FAILED","statusDetails":{"reason":"0x24000000: 0x00000023"}}`, h.status(t, "job1"))

	// missing file size: the custom callback does not handle it either
	h.sendJob(t, strings.Replace(otaJob("job2", 10, ""), `"filesize":10,`, "", 1))
	require.Equal(t, `{"status":"FAILED","statusDetails":{"reason":"0x24000000: 0x00000024"}}`, h.status(t, "job2"))

	require.Equal(t, 0, pal.snapshot().created)
	require.Equal(t, "", h.agent.JobName())
}

func TestCustomJob(t *testing.T) {
	t.Parallel()

	pal := &fakePAL{}
	h := newHarness(t, pal, func(o *Options) {
		o.CustomJob = func(doc []byte, job *jobdoc.Job) error {
			if !bytes.Contains(doc, []byte(`"reboot"`)) {
				return jobdoc.ErrNonConformingJobDoc
			}
			return nil
		}
	})
	h.start(t)

	h.sendJob(t, `{"execution":{"jobId":"custom-1","jobDocument":{"operation":"reboot"}}}`)
	require.Equal(t, `{"status":"SUCCEEDED","statusDetails":{"reason":"accepted v1.2.3"}}`, h.status(t, "custom-1"))
	require.Equal(t, 0, pal.snapshot().created)
}

func TestSelfTestAccepted(t *testing.T) {
	t.Parallel()

	pal := &fakePAL{state: PALImagePendingCommit}
	h := newHarness(t, pal, func(o *Options) { o.OnComplete = nil })
	h.start(t)

	h.sendJob(t, otaJob("job1", 300, `{"self_test":"ready","updatedBy":"0x1010000"}`))
	require.Equal(t, `{"status":"IN_PROGRESS","statusDetails":{"self_test":"active","updatedBy":"0x1020003"}}`, h.status(t, "job1"))
	require.Equal(t, `{"status":"SUCCEEDED","statusDetails":{"reason":"accepted v1.2.3"}}`, h.status(t, "job1"))

	require.Eventually(t, func() bool { return h.agent.GetImageState() == ImageAccepted }, waitFor, time.Millisecond)
	require.Equal(t, []ImageState{ImageTesting, ImageAccepted}, pal.snapshot().states)
	require.Equal(t, 0, pal.snapshot().created)
	require.Equal(t, 0, pal.snapshot().resets)
}

func TestSelfTestRejected(t *testing.T) {
	t.Parallel()

	for name, tc := range map[string]struct {
		updatedBy string
		token     string
		status    string
	}{
		"downgrade": {"0x2000000", "1:thing", `{"status":"FAILED","statusDetails":{"reason":"rejected: 0x22000000"}}`},
		"same":      {"0x1020003", "0:thing", `{"status":"FAILED","statusDetails":{"reason":"rejected: 0x23000000"}}`},
	} {
		name, tc := name, tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			pal := &fakePAL{state: PALImagePendingCommit}
			h := newHarness(t, pal, nil)
			h.start(t)

			doc := otaJob("job1", 300, `{"self_test":"ready","updatedBy":"`+tc.updatedBy+`"}`)
			h.sendJob(t, strings.Replace(doc, `"0:thing"`, `"`+tc.token+`"`, 1))
			require.Equal(t, tc.status, h.status(t, "job1"))
			require.Eventually(t, func() bool { return pal.snapshot().resets == 1 }, waitFor, time.Millisecond)
			require.Equal(t, ImageRejected, h.agent.GetImageState())
		})
	}
}

func TestSelfTestTimeout(t *testing.T) {
	t.Parallel()

	pal := &fakePAL{state: PALImagePendingCommit}
	h := newHarness(t, pal, func(o *Options) { o.SelfTestWait = 10 * time.Millisecond })
	h.start(t)

	require.Eventually(t, func() bool { return pal.snapshot().resets == 1 }, waitFor, time.Millisecond)
	require.Equal(t, []ImageState{ImageRejected}, pal.snapshot().states)
	require.Equal(t, ImageRejected, h.agent.GetImageState())
}

func TestSelfTestTimeoutFailsJob(t *testing.T) {
	t.Parallel()

	pal := &fakePAL{state: PALImagePendingCommit}
	h := newHarness(t, pal, func(o *Options) { o.SelfTestWait = 300 * time.Millisecond })
	h.start(t)

	// the application starts its test but never accepts the image
	h.sendJob(t, otaJob("job1", 300, `{"self_test":"ready","updatedBy":"0x1010000"}`))
	require.Equal(t, `{"status":"IN_PROGRESS","statusDetails":{"self_test":"active","updatedBy":"0x1020003"}}`, h.status(t, "job1"))
	require.Equal(t, JobStartTest, h.event(t))

	require.Equal(t, `{"status":"FAILED","statusDetails":{"reason":"rejected: 0x2d000000"}}`, h.status(t, "job1"))
	require.Eventually(t, func() bool { return pal.snapshot().resets == 1 }, waitFor, time.Millisecond)
	require.Equal(t, []ImageState{ImageTesting, ImageRejected}, pal.snapshot().states)
	require.Equal(t, ImageRejected, h.agent.GetImageState())
	require.Equal(t, "", h.agent.JobName())
}

func TestSetImageState(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &fakePAL{}, nil)
	require.Equal(t, ErrBadImageState, h.agent.SetImageState(ImageTesting))
	require.Equal(t, ErrNoActiveJob, h.agent.SetImageState(ImageRejected))
	require.Equal(t, ImageRejected, h.agent.GetImageState())
}

func TestQueueFull(t *testing.T) {
	t.Parallel()

	// not started: nothing drains the queue
	h := newHarness(t, &fakePAL{}, nil)
	cb := h.agent.onPublish(msgJob)
	for i := 0; i < defaultQueueDepth+2; i++ {
		cb(mqtt.PublishReceived{Message: codec.Publish{Topic: "t", Payload: []byte("{}")}})
	}
	cb(mqtt.OperationComplete{})
	cb(mqtt.PublishReceived{Message: codec.Publish{Topic: "t", Payload: make([]byte, 4096)}})

	s := h.agent.Statistics()
	require.Equal(t, uint32(defaultQueueDepth+3), s.Received)
	require.Equal(t, uint32(defaultQueueDepth), s.Queued)
	require.Equal(t, uint32(3), s.Dropped)
}

func TestShutdown(t *testing.T) {
	t.Parallel()

	pal := &fakePAL{}
	h := newHarness(t, pal, func(o *Options) { o.RequestWait = time.Minute })
	h.start(t)
	h.sendJob(t, otaJob("job1", 300, ""))
	require.Eventually(t, func() bool { return pal.snapshot().created == 1 }, waitFor, time.Millisecond)

	require.Equal(t, AgentNotReady, h.agent.Shutdown(waitFor))
	require.Equal(t, 1, pal.snapshot().aborted)
	require.Subset(t, h.client.unsubscribed(), []string{
		h.topic("$aws/things/%s/jobs/$next/get/accepted"),
		h.topic("$aws/things/%s/jobs/notify-next"),
		h.topic("$aws/things/%s/streams/stream1/data/cbor"),
	})
	require.Error(t, h.agent.Start(context.Background()))
}

func TestNewAgentValidation(t *testing.T) {
	t.Parallel()

	_, err := NewAgent(newFakeClient(), &fakePAL{}, Options{})
	require.Error(t, err)
	_, err = NewAgent(newFakeClient(), &fakePAL{}, Options{ThingName: "t", BlockSizeLog2: 30})
	require.Error(t, err)
	_, err = NewAgent(nil, &fakePAL{}, Options{ThingName: "t"})
	require.Error(t, err)
}
