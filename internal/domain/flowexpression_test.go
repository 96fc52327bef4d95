package domain_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rojkov/bureaucrat/internal/condition"
	"github.com/rojkov/bureaucrat/internal/domain"
	"github.com/rojkov/bureaucrat/internal/xmlsurface"
)

// loopChannel is an in-test domain.Channel that queues control messages
// for synchronous redelivery into one process tree, and records every
// external effect (elaborations, schedules, subscriptions, launches).
type loopChannel struct {
	pending       []domain.Message
	external      []domain.Message
	elaborations  []elaboration
	schedules     []scheduleReq
	subscriptions []subscriptionReq
	launches      []launchReq
}

type elaboration struct {
	participant string
	origin      string
	ctx         map[string]any
}

type scheduleReq struct {
	target  string
	code    string
	instant int64
}

type subscriptionReq struct {
	event  string
	target string
}

type launchReq struct {
	defXML    string
	pid       string
	parentFEI string
}

func (c *loopChannel) Send(msg domain.Message) error {
	c.pending = append(c.pending, msg)
	return nil
}

func (c *loopChannel) Elaborate(participant, originFEI string, ctx map[string]any) error {
	c.elaborations = append(c.elaborations, elaboration{participant: participant, origin: originFEI, ctx: ctx})
	return nil
}

func (c *loopChannel) ScheduleEvent(target, code string, instant int64) error {
	c.schedules = append(c.schedules, scheduleReq{target: target, code: code, instant: instant})
	return nil
}

func (c *loopChannel) Subscribe(event, target string) error {
	c.subscriptions = append(c.subscriptions, subscriptionReq{event: event, target: target})
	return nil
}

func (c *loopChannel) Launch(defXML, pid, parentFEI string) error {
	c.launches = append(c.launches, launchReq{defXML: defXML, pid: pid, parentFEI: parentFEI})
	return nil
}

// pump delivers queued control messages into root one at a time until the
// queue runs dry, the way the engine's control consumer would. Messages
// addressed outside the tree are collected instead.
func (c *loopChannel) pump(t *testing.T, root domain.Node) {
	t.Helper()
	for len(c.pending) > 0 {
		msg := c.pending[0]
		c.pending = c.pending[1:]
		if !domain.TargetsSubtree(root.ID(), msg.Target) {
			c.external = append(c.external, msg)
			continue
		}
		require.NoError(t, root.Handle(c, msg))
	}
}

func buildProcess(t *testing.T, pid, defXML string) *domain.Process {
	t.Helper()
	proc, err := xmlsurface.Build(pid, "", defXML, condition.New())
	require.NoError(t, err)
	return proc
}

// start launches the tree and pumps until quiescent.
func start(t *testing.T, ch *loopChannel, proc *domain.Process) {
	t.Helper()
	require.NoError(t, proc.Handle(ch, domain.NewMessage(domain.MsgStart, proc.ID(), "", nil)))
	ch.pump(t, proc)
}

// respond feeds a participant response for the oldest unanswered
// elaboration and pumps.
func respond(t *testing.T, ch *loopChannel, proc *domain.Process, payload map[string]any) elaboration {
	t.Helper()
	require.NotEmpty(t, ch.elaborations, "no pending elaboration to respond to")
	el := ch.elaborations[0]
	ch.elaborations = ch.elaborations[1:]
	require.NoError(t, proc.Handle(ch, domain.NewMessage(domain.MsgResponse, el.origin, el.participant, payload)))
	ch.pump(t, proc)
	return el
}

func TestChildFEIsFollowDeclarationOrder(t *testing.T) {
	proc := buildProcess(t, "wf", `<process>
  <sequence>
    <action participant="a"/>
    <all>
      <action participant="b"/>
      <action participant="c"/>
    </all>
  </sequence>
</process>`)

	assert.Equal(t, "wf", proc.ID())
	seq := proc.Children()[0]
	assert.Equal(t, "wf_0", seq.ID())
	assert.Equal(t, "wf_0_0", seq.Children()[0].ID())
	all := seq.Children()[1]
	assert.Equal(t, "wf_0_1", all.ID())
	assert.Equal(t, "wf_0_1_0", all.Children()[0].ID())
	assert.Equal(t, "wf_0_1_1", all.Children()[1].ID())
}

func TestSwitchPicksSecondCase(t *testing.T) {
	proc := buildProcess(t, "wf", `<process>
  <switch>
    <case>
      <condition>false</condition>
      <action participant="first"/>
    </case>
    <case>
      <condition>true</condition>
      <action participant="second"/>
    </case>
  </switch>
</process>`)
	ch := &loopChannel{}
	start(t, ch, proc)

	require.Len(t, ch.elaborations, 1)
	assert.Equal(t, "second", ch.elaborations[0].participant)

	respond(t, ch, proc, map[string]any{})
	assert.Equal(t, domain.StateCompleted, proc.GetState())
}

func TestSwitchWithNoMatchingCaseCompletes(t *testing.T) {
	proc := buildProcess(t, "wf", `<process>
  <switch>
    <case>
      <condition>false</condition>
      <action participant="never"/>
    </case>
  </switch>
</process>`)
	ch := &loopChannel{}
	start(t, ch, proc)

	assert.Empty(t, ch.elaborations)
	assert.Equal(t, domain.StateCompleted, proc.GetState())
}

func TestWhileRunsExactlyThreeIterations(t *testing.T) {
	proc := buildProcess(t, "wf", `<process>
  <context>
    <property name="counter" type="int">0</property>
  </context>
  <while>
    <condition>context["counter"] &lt; 3</condition>
    <assign property="counter">context["counter"] + 1</assign>
    <action participant="worker"/>
  </while>
</process>`)
	ch := &loopChannel{}
	start(t, ch, proc)

	iterations := 0
	for proc.GetState() != domain.StateCompleted {
		respond(t, ch, proc, map[string]any{})
		iterations++
		require.Less(t, iterations, 10, "while loop did not terminate")
	}
	assert.Equal(t, 3, iterations)

	v, err := proc.Ctx().Get("counter")
	require.NoError(t, err)
	assert.EqualValues(t, 3, v)
}

func TestForeachInjectsCurrentPerIteration(t *testing.T) {
	proc := buildProcess(t, "wf", `<process>
  <context>
    <property name="items" type="json">["red","green","blue"]</property>
  </context>
  <foreach select="context['items']">
    <action participant="painter"/>
  </foreach>
</process>`)
	ch := &loopChannel{}
	start(t, ch, proc)

	var seen []any
	for i := 0; i < 3; i++ {
		require.Len(t, ch.elaborations, 1)
		seen = append(seen, ch.elaborations[0].ctx["inst:current"])
		respond(t, ch, proc, map[string]any{})
	}
	assert.Equal(t, []any{"red", "green", "blue"}, seen)
	assert.Equal(t, domain.StateCompleted, proc.GetState())
}

func TestForeachOverEmptySelectionCompletesImmediately(t *testing.T) {
	proc := buildProcess(t, "wf", `<process>
  <context>
    <property name="items" type="json">[]</property>
  </context>
  <foreach select="context['items']">
    <action participant="painter"/>
  </foreach>
</process>`)
	ch := &loopChannel{}
	start(t, ch, proc)

	assert.Empty(t, ch.elaborations)
	assert.Equal(t, domain.StateCompleted, proc.GetState())
}

func TestAllStartsChildrenConcurrentlyAndJoins(t *testing.T) {
	proc := buildProcess(t, "wf", `<process>
  <all>
    <action participant="a"/>
    <action participant="b"/>
  </all>
</process>`)
	ch := &loopChannel{}
	start(t, ch, proc)

	// Both children were elaborated before either responded.
	require.Len(t, ch.elaborations, 2)

	// Answer out of order: b first, then a.
	b := ch.elaborations[1]
	ch.elaborations = ch.elaborations[:1]
	require.NoError(t, proc.Handle(ch, domain.NewMessage(domain.MsgResponse, b.origin, b.participant, map[string]any{})))
	ch.pump(t, proc)
	assert.Equal(t, domain.StateActive, proc.GetState())

	respond(t, ch, proc, map[string]any{})
	assert.Equal(t, domain.StateCompleted, proc.GetState())
}

func TestDelayRegistersTimerAndCompletesOnTimeout(t *testing.T) {
	proc := buildProcess(t, "wf", `<process><delay duration="2"/></process>`)
	ch := &loopChannel{}
	start(t, ch, proc)

	require.Len(t, ch.schedules, 1)
	sched := ch.schedules[0]
	assert.Equal(t, "wf_0", sched.target)
	assert.Equal(t, domain.MsgTimeout, sched.code)

	require.NoError(t, proc.Handle(ch, domain.NewMessage(domain.MsgTimeout, sched.target, "", nil)))
	ch.pump(t, proc)
	assert.Equal(t, domain.StateCompleted, proc.GetState())
}

func TestAwaitGuardFalseStaysActive(t *testing.T) {
	proc := buildProcess(t, "wf", `<process>
  <context>
    <property name="armed" type="bool">0</property>
  </context>
  <await event="go">
    <condition>context["armed"]</condition>
  </await>
</process>`)
	ch := &loopChannel{}
	start(t, ch, proc)

	require.Len(t, ch.subscriptions, 1)
	assert.Equal(t, "go", ch.subscriptions[0].event)

	await := proc.Children()[0]
	require.NoError(t, proc.Handle(ch, domain.NewMessage(domain.MsgTriggered, await.ID(), "", nil)))
	ch.pump(t, proc)

	// Guard failed: the node stays active and does not re-subscribe.
	assert.Equal(t, domain.StateActive, await.GetState())
	assert.Len(t, ch.subscriptions, 1)
}

func TestAwaitCompletesWhenGuardHolds(t *testing.T) {
	proc := buildProcess(t, "wf", `<process><await event="go"/></process>`)
	ch := &loopChannel{}
	start(t, ch, proc)

	await := proc.Children()[0]
	payload := map[string]any{"event": map[string]any{"event": "go", "ok": true}}
	require.NoError(t, proc.Handle(ch, domain.NewMessage(domain.MsgTriggered, await.ID(), "", payload)))
	ch.pump(t, proc)

	assert.Equal(t, domain.StateCompleted, proc.GetState())
	v, err := proc.Ctx().Get("event")
	require.NoError(t, err)
	assert.NotNil(t, v)
}

func TestFaultRecoveryViaHandler(t *testing.T) {
	proc := buildProcess(t, "wf", `<process>
  <sequence>
    <faults>
      <case codes="TestError">
        <action participant="p2"/>
      </case>
    </faults>
    <action participant="p1"/>
    <fault code="TestError"/>
  </sequence>
</process>`)
	ch := &loopChannel{}
	start(t, ch, proc)

	// p1 runs and responds.
	el := respond(t, ch, proc, map[string]any{})
	assert.Equal(t, "p1", el.participant)

	// The fault activity tripped the handler: p2 is now elaborated.
	require.Len(t, ch.elaborations, 1)
	el = respond(t, ch, proc, map[string]any{})
	assert.Equal(t, "p2", el.participant)

	// The sequence recovered and the whole process completed.
	assert.Equal(t, domain.StateCompleted, proc.GetState())
	_, faulted := proc.Ctx().Fault()
	assert.False(t, faulted, "inst:fault must be cleared after recovery")
}

func TestUnhandledFaultAbortsToOutside(t *testing.T) {
	proc := buildProcess(t, "wf", `<process>
  <sequence>
    <fault code="Unrecoverable" message="gave up"/>
  </sequence>
</process>`)
	ch := &loopChannel{}
	start(t, ch, proc)

	assert.Equal(t, domain.StateAborted, proc.GetState())
	require.NotEmpty(t, ch.external)
	last := ch.external[len(ch.external)-1]
	assert.Equal(t, domain.MsgFault, last.Name)
	assert.Equal(t, "", last.Target)
	assert.Equal(t, "Unrecoverable", last.Payload["code"])
}

func TestTerminateCascadesToCancellation(t *testing.T) {
	proc := buildProcess(t, "wf", `<process>
  <sequence>
    <action participant="p1"/>
    <action participant="p2"/>
  </sequence>
</process>`)
	ch := &loopChannel{}
	start(t, ch, proc)

	require.NoError(t, proc.Handle(ch, domain.NewMessage(domain.MsgTerminate, proc.ID(), "", nil)))
	ch.pump(t, proc)

	seq := proc.Children()[0]
	// p1 was active: aborted. p2 never started: canceled.
	assert.Equal(t, domain.StateAborted, seq.Children()[0].GetState())
	assert.Equal(t, domain.StateCanceled, seq.Children()[1].GetState())
	assert.Equal(t, domain.StateAborted, proc.GetState())
}

func TestTerminateBeforeStartCancels(t *testing.T) {
	proc := buildProcess(t, "wf", `<process><action participant="p"/></process>`)
	ch := &loopChannel{}

	require.NoError(t, proc.Handle(ch, domain.NewMessage(domain.MsgTerminate, proc.ID(), "", nil)))
	ch.pump(t, proc)

	assert.Equal(t, domain.StateCanceled, proc.GetState())
	assert.Equal(t, domain.StateCanceled, proc.Children()[0].GetState())
}

func TestLateResponseAfterTerminationIsSpurious(t *testing.T) {
	proc := buildProcess(t, "wf", `<process><action participant="p"/></process>`)
	ch := &loopChannel{}
	start(t, ch, proc)

	require.NoError(t, proc.Handle(ch, domain.NewMessage(domain.MsgTerminate, proc.ID(), "", nil)))
	ch.pump(t, proc)
	assert.Equal(t, domain.StateAborted, proc.GetState())

	// The participant's response arrives after the tree wound down.
	el := ch.elaborations[0]
	require.NoError(t, proc.Handle(ch, domain.NewMessage(domain.MsgResponse, el.origin, el.participant, map[string]any{"late": true})))
	ch.pump(t, proc)
	assert.Equal(t, domain.StateAborted, proc.GetState())
}

func TestCallLaunchesSubProcessAndAwaitsCompletion(t *testing.T) {
	proc := buildProcess(t, "wf", `<process>
  <context>
    <property name="subdef" type="str">&lt;process/&gt;</property>
  </context>
  <call process="$subdef"/>
</process>`)
	ch := &loopChannel{}
	start(t, ch, proc)

	require.Len(t, ch.launches, 1)
	assert.Equal(t, "<process/>", ch.launches[0].defXML)
	assert.Equal(t, "wf_0", ch.launches[0].parentFEI)
	assert.NotEmpty(t, ch.launches[0].pid)

	// The sub-process reports completion to the call leaf.
	require.NoError(t, proc.Handle(ch, domain.NewMessage(domain.MsgCompleted, "wf_0", ch.launches[0].pid, nil)))
	ch.pump(t, proc)
	assert.Equal(t, domain.StateCompleted, proc.GetState())
}

func TestAssignWritesProperty(t *testing.T) {
	proc := buildProcess(t, "wf", `<process>
  <context>
    <property name="total" type="int">40</property>
  </context>
  <assign property="total">context["total"] + 2</assign>
</process>`)
	ch := &loopChannel{}
	start(t, ch, proc)

	assert.Equal(t, domain.StateCompleted, proc.GetState())
	v, err := proc.Ctx().Get("total")
	require.NoError(t, err)
	assert.EqualValues(t, 42, v)
}

func TestActionResponseUpdatesParentContext(t *testing.T) {
	proc := buildProcess(t, "wf", `<process>
  <sequence>
    <action participant="fetch"/>
    <action participant="use"/>
  </sequence>
</process>`)
	ch := &loopChannel{}
	start(t, ch, proc)

	respond(t, ch, proc, map[string]any{"order_id": "o-17"})

	require.Len(t, ch.elaborations, 1)
	assert.Equal(t, "o-17", ch.elaborations[0].ctx["order_id"])
}

func TestMessagesOutsideSubtreeAreIgnored(t *testing.T) {
	proc := buildProcess(t, "wf", `<process><action participant="p"/></process>`)
	ch := &loopChannel{}
	start(t, ch, proc)

	before := proc.GetState()
	// "wfx" shares a string prefix with "wf" but is not in the subtree.
	require.NoError(t, proc.Handle(ch, domain.NewMessage(domain.MsgCompleted, "wfx_0", "", nil)))
	assert.Equal(t, before, proc.GetState())
}

func snapshotStates(n domain.Node, out map[string]domain.State) {
	out[n.ID()] = n.GetState()
	for _, c := range n.Children() {
		snapshotStates(c, out)
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	def := `<process>
  <context>
    <property name="counter" type="int">0</property>
  </context>
  <sequence>
    <assign property="counter">context["counter"] + 1</assign>
    <action participant="worker"/>
    <delay duration="5"/>
  </sequence>
</process>`
	proc := buildProcess(t, "wf", def)
	ch := &loopChannel{}
	start(t, ch, proc)

	// Mid-flight: assign done, action active, delay ready.
	snap := proc.Snapshot()
	raw, err := json.Marshal(snap)
	require.NoError(t, err)
	var decoded domain.NodeSnapshot
	require.NoError(t, json.Unmarshal(raw, &decoded))

	restored := buildProcess(t, "wf", def)
	require.NoError(t, domain.RestoreTree(restored, decoded))

	want := map[string]domain.State{}
	got := map[string]domain.State{}
	snapshotStates(proc, want)
	snapshotStates(restored, got)
	assert.Equal(t, want, got)

	v, err := restored.Ctx().Get("counter")
	require.NoError(t, err)
	assert.EqualValues(t, 1, v)

	// The restored tree keeps executing where the original left off.
	action := restored.Children()[0].Children()[1]
	require.NoError(t, restored.Handle(ch, domain.NewMessage(domain.MsgResponse, action.ID(), "worker", map[string]any{})))
	ch.pump(t, restored)
	assert.Equal(t, domain.StateActive, restored.Children()[0].Children()[2].GetState())
}

func TestSnapshotRestoreMidFaultHandler(t *testing.T) {
	def := `<process>
  <sequence>
    <faults>
      <case codes="TestError">
        <action participant="p2"/>
      </case>
    </faults>
    <fault code="TestError"/>
  </sequence>
</process>`
	proc := buildProcess(t, "wf", def)
	ch := &loopChannel{}
	start(t, ch, proc)

	// The handler is mid-flight: p2 has been elaborated, nothing answered.
	require.Len(t, ch.elaborations, 1)

	raw, err := json.Marshal(proc.Snapshot())
	require.NoError(t, err)
	var snap domain.NodeSnapshot
	require.NoError(t, json.Unmarshal(raw, &snap))

	restored := buildProcess(t, "wf", def)
	require.NoError(t, domain.RestoreTree(restored, snap))

	// The restored tree routes the participant response into the handler
	// subtree and recovers.
	el := ch.elaborations[0]
	require.NoError(t, restored.Handle(ch, domain.NewMessage(domain.MsgResponse, el.origin, el.participant, map[string]any{})))
	ch.pump(t, restored)
	assert.Equal(t, domain.StateCompleted, restored.GetState())
}

func TestRestoreRejectsMismatchedSnapshot(t *testing.T) {
	proc := buildProcess(t, "wf", `<process><action participant="p"/></process>`)
	other := buildProcess(t, "wf", `<process><delay duration="1"/></process>`)
	err := domain.RestoreTree(other, proc.Snapshot())
	assert.Error(t, err)
}
