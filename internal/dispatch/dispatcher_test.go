package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/HsiangNianian/pacs-bridge/internal/broker"
	"github.com/HsiangNianian/pacs-bridge/internal/db"
	"github.com/HsiangNianian/pacs-bridge/internal/protocol"
	"github.com/HsiangNianian/pacs-bridge/internal/session"
	"github.com/HsiangNianian/pacs-bridge/internal/store"
	"github.com/HsiangNianian/pacs-bridge/internal/workflow"
)

type sentCommand struct {
	req   protocol.Request
	at    time.Time
	stage workflow.Stage
}

type fakeController struct {
	mu         sync.Mutex
	table      *workflow.Table
	sent       []sentCommand
	sendErr    error
	frames     chan []byte
	recvErrs   []error
	reconnects int
	reconnErr  error
}

func newFakeController(table *workflow.Table) *fakeController {
	return &fakeController{table: table, frames: make(chan []byte, 16)}
}

func (c *fakeController) SendCommand(v any) error {
	req := v.(protocol.Request)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	s := sentCommand{req: req, at: time.Now()}
	if w, ok := c.table.Get(req.ID); ok {
		s.stage = w.Stage
	}
	c.sent = append(c.sent, s)
	return nil
}

func (c *fakeController) ReceiveFrame(timeout time.Duration) ([]byte, error) {
	c.mu.Lock()
	if len(c.recvErrs) > 0 {
		err := c.recvErrs[0]
		c.recvErrs = c.recvErrs[1:]
		c.mu.Unlock()
		return nil, err
	}
	c.mu.Unlock()
	select {
	case f := <-c.frames:
		return f, nil
	case <-time.After(timeout):
		return nil, nil
	}
}

func (c *fakeController) Reconnect(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconnects++
	return c.reconnErr
}

func (c *fakeController) commands() []sentCommand {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sentCommand(nil), c.sent...)
}

func (c *fakeController) names() []string {
	var out []string
	for _, s := range c.commands() {
		out = append(out, s.req.Command)
	}
	return out
}

type fakePublisher struct {
	mu        sync.Mutex
	messages  []any
	dest      []string
	failFirst int
}

func (p *fakePublisher) Publish(_ context.Context, destination string, message any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failFirst > 0 {
		p.failFirst--
		return broker.ErrPublishFailed
	}
	p.messages = append(p.messages, message)
	p.dest = append(p.dest, destination)
	return nil
}

type fakeRepo struct {
	mu           sync.Mutex
	nextID       int64
	events       []db.Event
	accessPoints map[int64]string
	owners       map[int64]db.CardOwner
	insertErr    error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{nextID: 100, accessPoints: make(map[int64]string), owners: make(map[int64]db.CardOwner)}
}

func (r *fakeRepo) InsertEvent(_ context.Context, ev db.Event) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.insertErr != nil {
		return 0, r.insertErr
	}
	r.nextID++
	r.events = append(r.events, ev)
	return r.nextID, nil
}

func (r *fakeRepo) UpsertAccessPoint(_ context.Context, ap db.AccessPoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accessPoints[ap.SystemID] = ap.Name
	return nil
}

func (r *fakeRepo) UpsertCardOwner(_ context.Context, o db.CardOwner) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.owners[o.SystemID] = o
	return nil
}

type recordingNotifier struct {
	mu    sync.Mutex
	types []string
}

func (n *recordingNotifier) Broadcast(msgType string, _ any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.types = append(n.types, msgType)
}

func (n *recordingNotifier) count(msgType string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, t := range n.types {
		if t == msgType {
			c++
		}
	}
	return c
}

type harness struct {
	d        *Dispatcher
	ctrl     *fakeController
	pub      *fakePublisher
	repo     *fakeRepo
	table    *workflow.Table
	store    *store.MemoryStore
	notifier *recordingNotifier
	logs     *observer.ObservedLogs
}

func testOptions() Options {
	return Options{
		EventsDestination: "pacs_client.events",
		PollTimeout:       10 * time.Millisecond,
		SettleDelay:       50 * time.Millisecond,
		Backdate:          time.Hour,
		ValidFor:          8 * time.Hour,
		ProcessedTTL:      time.Hour,
		StaleAfter:        10 * time.Minute,
		EvictEvery:        time.Minute,
		Location:          time.UTC,
	}
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)
	table := workflow.NewTable(logger)
	h := &harness{
		ctrl:     newFakeController(table),
		pub:      &fakePublisher{},
		repo:     newFakeRepo(),
		table:    table,
		store:    store.NewMemoryStore(),
		notifier: &recordingNotifier{},
		logs:     logs,
	}
	h.d = New(opts, Deps{
		Controller: h.ctrl,
		Publisher:  h.pub,
		Repository: h.repo,
		Table:      table,
		Store:      h.store,
		Builder:    protocol.NewBuilder(protocol.Constants{Version: 1, TemplateID: 16, DataID: 293, ActionIssue: 1, ActionWithdraw: 0}),
		Notifier:   h.notifier,
	}, logger)
	return h
}

func frameJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestRunSendsStartupAndStopsOnCancel(t *testing.T) {
	h := newHarness(t, testOptions())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.d.Run(ctx) }()

	h.ctrl.frames <- []byte(`{"Command":"ping","Id":1,"Version":1}`)
	require.Eventually(t, func() bool { return len(h.ctrl.commands()) == 4 }, time.Second, 5*time.Millisecond)
	cancel()

	require.NoError(t, <-done)
	assert.Equal(t, []string{"filterevents", "userlist", "aplist", "ping"}, h.ctrl.names())
	assert.Equal(t, 1, h.ctrl.commands()[0].req.Filter)
}

func TestRunReconnectsAndResendsStartup(t *testing.T) {
	h := newHarness(t, testOptions())
	h.ctrl.recvErrs = []error{session.ErrConnectionClosed}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.d.Run(ctx) }()

	require.Eventually(t, func() bool { return len(h.ctrl.commands()) == 6 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, 1, h.ctrl.reconnects)
	assert.Equal(t, []string{"filterevents", "userlist", "aplist", "filterevents", "userlist", "aplist"}, h.ctrl.names())
}

func TestRunFailsWhenReconnectExhausted(t *testing.T) {
	h := newHarness(t, testOptions())
	h.ctrl.recvErrs = []error{session.ErrConnectionClosed}
	h.ctrl.reconnErr = session.ErrConnectFailed

	err := h.d.Run(context.Background())
	assert.ErrorIs(t, err, session.ErrConnectFailed)
}

func TestEventsBatchSkipsInvalidItem(t *testing.T) {
	h := newHarness(t, testOptions())
	payload := `{"Command":"events","Data":[
		{"EvTime":"01.03.2024 10:15:00","EvAddr":3,"EvUser":0,"EvCard":1234,"EvCode":17},
		{"EvTime":"01.03.2024 10:16:00","EvUser":5,"EvCard":1234,"EvCode":17}
	]}`

	h.d.HandleFrame(context.Background(), []byte(payload))

	require.Len(t, h.repo.events, 1)
	assert.Equal(t, 1, h.logs.FilterLevelExact(zapcore.WarnLevel).Len())
	assert.Equal(t, 1, h.logs.FilterMessage("skipping invalid event").Len())

	ev := h.repo.events[0]
	assert.Nil(t, ev.OwnerID)
	assert.Equal(t, int64(3), ev.APID)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 15, 0, 0, time.UTC), ev.Created)

	require.Len(t, h.pub.messages, 1)
	assert.Equal(t, "pacs_client.events", h.pub.dest[0])
	assert.Equal(t, protocol.EventNotification{NewPacsEventID: "101"}, h.pub.messages[0])
	assert.Equal(t, 1, h.notifier.count("event"))
}

func TestEventsBatchSurvivesMistypedItem(t *testing.T) {
	for name, bad := range map[string]string{
		"string item":      `"garbage"`,
		"string field":     `{"EvTime":"01.03.2024 10:16:00","EvAddr":"3","EvUser":1}`,
		"null item":        `null`,
		"fractional field": `{"EvTime":"01.03.2024 10:16:00","EvAddr":3.5,"EvUser":1}`,
	} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, testOptions())
			h.d.HandleFrame(context.Background(), []byte(`{"Command":"events","Data":[
				{"EvTime":"01.03.2024 10:15:00","EvAddr":3,"EvUser":0},`+bad+`
			]}`))

			require.Len(t, h.repo.events, 1)
			assert.Equal(t, int64(3), h.repo.events[0].APID)
			assert.Equal(t, 1, h.logs.FilterMessage("skipping invalid event").Len())
			assert.Len(t, h.pub.messages, 1)
		})
	}
}

func TestEventOwnerMapping(t *testing.T) {
	h := newHarness(t, testOptions())
	h.d.HandleFrame(context.Background(), []byte(`{"Command":"events","Data":[
		{"EvTime":"01.03.2024 10:15:00","EvAddr":3,"EvUser":0},
		{"EvTime":"01.03.2024 10:15:01","EvAddr":3,"EvUser":42}
	]}`))

	require.Len(t, h.repo.events, 2)
	assert.Nil(t, h.repo.events[0].OwnerID)
	require.NotNil(t, h.repo.events[1].OwnerID)
	assert.Equal(t, int64(42), *h.repo.events[1].OwnerID)
	assert.Len(t, h.pub.messages, 2)
}

func TestEventInvalidTimeIsSkipped(t *testing.T) {
	h := newHarness(t, testOptions())
	h.d.HandleFrame(context.Background(), []byte(`{"Command":"events","Data":[{"EvTime":"2024-03-01","EvAddr":3,"EvUser":1}]}`))

	assert.Empty(t, h.repo.events)
	assert.Equal(t, 1, h.logs.FilterMessage("skipping invalid event").Len())
}

func TestEventPersistenceAndPublishFailuresAreIsolated(t *testing.T) {
	h := newHarness(t, testOptions())
	h.pub.failFirst = 1
	h.d.HandleFrame(context.Background(), []byte(`{"Command":"events","Data":[
		{"EvTime":"01.03.2024 10:15:00","EvAddr":3,"EvUser":1},
		{"EvTime":"01.03.2024 10:15:01","EvAddr":3,"EvUser":2}
	]}`))

	assert.Len(t, h.repo.events, 2)
	assert.Len(t, h.pub.messages, 1)
	assert.Equal(t, 1, h.logs.FilterMessage("publish event notification failed").Len())

	h.repo.insertErr = errors.New("connection refused")
	h.d.HandleFrame(context.Background(), []byte(`{"Command":"events","Data":[{"EvTime":"01.03.2024 10:15:02","EvAddr":3,"EvUser":1}]}`))
	assert.Equal(t, 1, h.logs.FilterMessage("store event failed").Len())
	assert.Len(t, h.pub.messages, 1)
}

func TestAccessPointUpsertKeepsLatestName(t *testing.T) {
	h := newHarness(t, testOptions())
	h.d.HandleFrame(context.Background(), []byte(`{"Command":"aplist","Data":[{"Id":1,"Name":"Lobby"}]}`))
	h.d.HandleFrame(context.Background(), []byte(`{"Command":"aplist","Data":[{"Id":1,"Name":"Main Lobby"}]}`))

	assert.Len(t, h.repo.accessPoints, 1)
	assert.Equal(t, "Main Lobby", h.repo.accessPoints[1])
}

func TestUserListUpsertsAndSkipsMissingID(t *testing.T) {
	h := newHarness(t, testOptions())
	h.d.HandleFrame(context.Background(), []byte(`{"Command":"userlist","Data":[
		{"Id":5,"FirstName":"Anna","SecondName":"S.","LastName":"Ivanova"},
		{"FirstName":"Ghost"}
	]}`))

	require.Len(t, h.repo.owners, 1)
	assert.Equal(t, "Ivanova", h.repo.owners[5].LastName)
	assert.Equal(t, 1, h.logs.FilterMessage("skipping card owner without Id").Len())
}

func TestUserListSurvivesMistypedItem(t *testing.T) {
	h := newHarness(t, testOptions())
	h.d.HandleFrame(context.Background(), []byte(`{"Command":"userlist","Data":[
		{"Id":5,"FirstName":"Anna","LastName":"Ivanova"},
		"garbage",
		{"Id":"x","FirstName":"Typo"},
		{"Id":6,"FirstName":"Boris","LastName":"Petrov"}
	]}`))

	require.Len(t, h.repo.owners, 2)
	assert.Equal(t, "Ivanova", h.repo.owners[5].LastName)
	assert.Equal(t, "Petrov", h.repo.owners[6].LastName)
	assert.Equal(t, 2, h.logs.FilterMessage("skipping malformed card owner").Len())
}

func TestAccessPointListSurvivesMistypedItem(t *testing.T) {
	h := newHarness(t, testOptions())
	h.d.HandleFrame(context.Background(), []byte(`{"Command":"aplist","Data":[
		{"Id":1,"Name":"Lobby"},
		{"Id":"two","Name":"Gate"}
	]}`))

	require.Len(t, h.repo.accessPoints, 1)
	assert.Equal(t, "Lobby", h.repo.accessPoints[1])
	assert.Equal(t, 1, h.logs.FilterMessage("skipping malformed access point").Len())
}

func TestMalformedAndUnknownFramesAreNotFatal(t *testing.T) {
	h := newHarness(t, testOptions())
	h.d.HandleFrame(context.Background(), []byte(`{not json`))
	h.d.HandleFrame(context.Background(), []byte(`{"Command":"reboot"}`))
	h.d.HandleFrame(context.Background(), []byte(`{"Command":"events","Data":{"oops":1}}`))

	assert.Equal(t, 1, h.logs.FilterMessage("malformed controller frame").Len())
	assert.Equal(t, 1, h.logs.FilterMessage("unknown controller command").Len())
	assert.Equal(t, 1, h.logs.FilterMessage("malformed events payload").Len())
	assert.Empty(t, h.ctrl.commands())
}

func TestIssueWorkflow(t *testing.T) {
	h := newHarness(t, testOptions())

	require.NoError(t, h.d.HandleCommand(context.Background(), []byte(`{"event_id":7,"card_number":12345,"event_type":"issue"}`)))

	sent := h.ctrl.commands()
	require.Len(t, sent, 1)
	req := sent[0].req
	assert.Equal(t, "addcard", req.Command)
	assert.Equal(t, int64(7), req.ID)

	w, ok := h.table.Get(7)
	require.True(t, ok)
	assert.Equal(t, workflow.StageAddCard, w.Stage)
	assert.Equal(t, workflow.KindIssue, w.Kind)

	data := req.Data.(protocol.CardData)
	assert.Equal(t, protocol.NativeCardNumber(12345), data.CardNum)
	assert.Equal(t, protocol.FormatDate(w.CreatedAt.Add(-time.Hour)), data.StartDate)
	assert.Equal(t, protocol.FormatDate(w.CreatedAt.Add(8*time.Hour)), data.EndDate)
	assert.Equal(t, 16, data.TemplateID)
	assert.Equal(t, 1, data.Action)
}

func TestIssueCompletedByControllerAck(t *testing.T) {
	h := newHarness(t, testOptions())
	require.NoError(t, h.d.HandleCommand(context.Background(), []byte(`{"event_id":7,"card_number":12345,"event_type":"issue"}`)))

	h.d.HandleFrame(context.Background(), []byte(`{"Command":"addcard","Id":7,"Version":1}`))

	assert.Equal(t, 0, h.table.Len())
	assert.Equal(t, 1, h.logs.FilterMessage("workflow completed").Len())
	assert.Equal(t, 2, h.notifier.count("workflow"))
}

func TestWithdrawWorkflow(t *testing.T) {
	opts := testOptions()
	h := newHarness(t, opts)

	require.NoError(t, h.d.HandleCommand(context.Background(), []byte(`{"event_id":9,"card_number":12345,"event_type":"wdraw"}`)))

	sent := h.ctrl.commands()
	require.Len(t, sent, 2)
	assert.Equal(t, "loadcard", sent[0].req.Command)
	assert.Equal(t, "delcard", sent[1].req.Command)
	assert.GreaterOrEqual(t, sent[1].at.Sub(sent[0].at), opts.SettleDelay)

	// the stage moved between the two sends
	assert.Equal(t, workflow.StageLoadCard, sent[0].stage)
	assert.Equal(t, workflow.StageDelCard, sent[1].stage)

	load := sent[0].req.Data.(protocol.LoadCardData)
	assert.Equal(t, protocol.NativeCardNumber(12345), load.CardNum)
	assert.Equal(t, 0, load.Action)
	assert.Equal(t, protocol.NativeCardNumber(12345), sent[1].req.CardNum)

	h.d.HandleFrame(context.Background(), []byte(`{"Command":"loadcard","Id":9}`))
	assert.Equal(t, 1, h.table.Len())
	h.d.HandleFrame(context.Background(), []byte(`{"Command":"delcard","Id":9}`))
	assert.Equal(t, 0, h.table.Len())
}

func TestWithdrawCancelledDuringSettle(t *testing.T) {
	opts := testOptions()
	opts.SettleDelay = time.Hour
	h := newHarness(t, opts)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := h.d.HandleCommand(ctx, []byte(`{"event_id":9,"card_number":1,"event_type":"wdraw"}`))

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, []string{"loadcard"}, h.ctrl.names())
	assert.Equal(t, 0, h.table.Len())
}

func TestWithdrawEvictedDuringSettle(t *testing.T) {
	h := newHarness(t, testOptions())
	h.d.sleep = func(context.Context, time.Duration) error {
		h.table.Remove(9)
		return nil
	}

	require.NoError(t, h.d.HandleCommand(context.Background(), []byte(`{"event_id":9,"card_number":1,"event_type":"wdraw"}`)))

	assert.Equal(t, []string{"loadcard", "delcard"}, h.ctrl.names())
	assert.Equal(t, 0, h.table.Len())
	assert.Equal(t, 1, h.logs.FilterMessage("workflow no longer tracked, deleting card untracked").Len())
	assert.Equal(t, 2, h.notifier.count("workflow"))

	// the late acknowledgement finds nothing to complete
	h.d.HandleFrame(context.Background(), []byte(`{"Command":"delcard","Id":9}`))
	assert.Equal(t, 0, h.logs.FilterMessage("workflow completed").Len())
}

func TestSendFailureRemovesWorkflowForRedelivery(t *testing.T) {
	h := newHarness(t, testOptions())
	h.ctrl.sendErr = session.ErrNotConnected

	err := h.d.HandleCommand(context.Background(), []byte(`{"event_id":7,"card_number":1,"event_type":"issue"}`))
	assert.ErrorIs(t, err, session.ErrNotConnected)
	assert.NotErrorIs(t, err, broker.ErrDiscard)
	assert.Equal(t, 0, h.table.Len())

	h.ctrl.sendErr = nil
	require.NoError(t, h.d.HandleCommand(context.Background(), []byte(`{"event_id":7,"card_number":1,"event_type":"issue"}`)))
	assert.Equal(t, 1, h.table.Len())
}

func TestRedeliveredCommandIsNotRepeated(t *testing.T) {
	h := newHarness(t, testOptions())
	body := []byte(`{"event_id":7,"card_number":1,"event_type":"issue"}`)

	require.NoError(t, h.d.HandleCommand(context.Background(), body))
	h.d.HandleFrame(context.Background(), []byte(`{"Command":"addcard","Id":7}`))
	require.NoError(t, h.d.HandleCommand(context.Background(), body))

	assert.Equal(t, []string{"addcard"}, h.ctrl.names())
	assert.Equal(t, 1, h.logs.FilterMessage("card command already processed").Len())
}

func TestInFlightDuplicateIsAcked(t *testing.T) {
	h := newHarness(t, testOptions())
	require.NoError(t, h.table.Add(workflow.Workflow{EventID: 7, Kind: workflow.KindIssue, Stage: workflow.StageAddCard}))

	require.NoError(t, h.d.HandleCommand(context.Background(), []byte(`{"event_id":7,"card_number":1,"event_type":"issue"}`)))
	assert.Empty(t, h.ctrl.commands())
	assert.Equal(t, 1, h.logs.FilterMessage("card command already in flight").Len())
}

func TestInvalidCommandsAreDiscarded(t *testing.T) {
	h := newHarness(t, testOptions())
	for _, body := range []string{
		`not json`,
		`{"event_id":7,"card_number":1,"event_type":"teleport"}`,
		`{"card_number":1,"event_type":"issue"}`,
	} {
		err := h.d.HandleCommand(context.Background(), []byte(body))
		assert.ErrorIs(t, err, broker.ErrDiscard, body)
	}
	assert.Empty(t, h.ctrl.commands())
}

func TestExtendAndStateCommands(t *testing.T) {
	h := newHarness(t, testOptions())
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	h.d.now = func() time.Time { return now }

	require.NoError(t, h.d.HandleCommand(context.Background(), []byte(`{"event_id":11,"card_number":12345,"event_type":"extend"}`)))
	require.NoError(t, h.d.HandleCommand(context.Background(), []byte(`{"event_id":12,"card_number":12345,"event_type":"state"}`)))

	sent := h.ctrl.commands()
	require.Len(t, sent, 2)
	assert.Equal(t, "editcard", sent[0].req.Command)
	edit := sent[0].req.Data.(protocol.CardData)
	assert.Equal(t, "01.03.2024 11:00:00", edit.StartDate)
	assert.Equal(t, "01.03.2024 20:00:00", edit.EndDate)

	assert.Equal(t, "cardstatelist", sent[1].req.Command)
	assert.Equal(t, []int64{protocol.NativeCardNumber(12345)}, sent[1].req.CardNum)
	assert.Equal(t, 0, h.table.Len())
}

func TestEvictStale(t *testing.T) {
	opts := testOptions()
	opts.StaleAfter = time.Nanosecond
	h := newHarness(t, opts)
	require.NoError(t, h.d.HandleCommand(context.Background(), []byte(`{"event_id":7,"card_number":1,"event_type":"issue"}`)))
	time.Sleep(time.Millisecond)

	h.d.evictStale()

	assert.Equal(t, 0, h.table.Len())
	assert.Equal(t, 1, h.logs.FilterMessage("evicted unacknowledged workflow").Len())
}

func TestRunEvictorStopsOnCancel(t *testing.T) {
	h := newHarness(t, testOptions())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, h.d.RunEvictor(ctx))
}
