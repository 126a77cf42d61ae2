package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/example/commute-pool/internal/apperr"
	"github.com/example/commute-pool/internal/feed"
	"github.com/example/commute-pool/internal/models"
)

var base = time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC)

// fakeRemote stores messages and lets a test run code between the commit and
// the response of a send.
type fakeRemote struct {
	mu          sync.Mutex
	rows        map[string]models.MessageView
	n           int
	stripToken  bool
	sendErr     error
	afterCommit func(m models.Message)
	fetches     int
}

func newRemote() *fakeRemote {
	return &fakeRemote{rows: make(map[string]models.MessageView)}
}

func (r *fakeRemote) put(sender, content, token string, at time.Time) models.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.n++
	if at.IsZero() {
		at = base.Add(time.Duration(r.n) * time.Second)
	}
	m := models.Message{
		ID: fmt.Sprintf("m%d", r.n), ConversationID: "C1", SenderID: sender,
		Content: content, CreatedAt: at, ClientToken: token,
	}
	if r.stripToken {
		m.ClientToken = ""
	}
	r.rows[m.ID] = models.MessageView{Message: m, Sender: models.Sender{Name: "user " + sender}}
	return m
}

func (r *fakeRemote) Send(_ context.Context, _, content, token string) (models.Message, error) {
	if r.sendErr != nil && r.afterCommit == nil {
		return models.Message{}, r.sendErr
	}
	m := r.put("p1", content, token, time.Time{})
	if r.afterCommit != nil {
		r.afterCommit(m)
	}
	if r.sendErr != nil {
		return models.Message{}, r.sendErr
	}
	return m, nil
}

func (r *fakeRemote) Fetch(_ context.Context, id string) (models.MessageView, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetches++
	m, ok := r.rows[id]
	if !ok {
		return models.MessageView{}, apperr.Denied()
	}
	return m, nil
}

func echo(m models.Message, withToken bool) feed.Event {
	ev := feed.MessageInserted(m)
	if !withToken {
		ev.ClientToken = ""
	}
	return ev
}

func newView(r *fakeRemote) *View {
	v := NewView("C1", "p1", r)
	v.Now = func() time.Time { return base }
	return v
}

func assertSingleConfirmed(t *testing.T, v *View, id string) {
	t.Helper()
	got := v.Messages()
	if len(got) != 1 {
		t.Fatalf("expected exactly one message, got %+v", got)
	}
	if got[0].Pending || got[0].ID != id {
		t.Fatalf("expected confirmed %s, got %+v", id, got[0])
	}
}

func TestEchoAfterSend(t *testing.T) {
	r := newRemote()
	v := newView(r)
	v.SetInput("Salut")
	item, err := v.Send(context.Background())
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if item.Pending || item.ID != "m1" {
		t.Fatalf("send should confirm, got %+v", item)
	}
	if v.Input() != "" {
		t.Fatalf("input should be cleared, got %q", v.Input())
	}
	m := r.rows["m1"].Message
	if err := v.Apply(context.Background(), echo(m, true)); err != nil {
		t.Fatalf("apply: %v", err)
	}
	assertSingleConfirmed(t, v, "m1")
	if r.fetches != 0 {
		t.Fatalf("known id must not be fetched, got %d fetches", r.fetches)
	}
}

func TestEchoBeforeSendReturns(t *testing.T) {
	r := newRemote()
	v := newView(r)
	r.afterCommit = func(m models.Message) {
		if err := v.Apply(context.Background(), echo(m, true)); err != nil {
			t.Errorf("apply: %v", err)
		}
	}
	v.SetInput("Salut")
	if _, err := v.Send(context.Background()); err != nil {
		t.Fatalf("send: %v", err)
	}
	assertSingleConfirmed(t, v, "m1")
}

func TestEchoWithoutTokenFetchedRowCarriesIt(t *testing.T) {
	r := newRemote()
	v := newView(r)
	r.afterCommit = func(m models.Message) {
		if err := v.Apply(context.Background(), echo(m, false)); err != nil {
			t.Errorf("apply: %v", err)
		}
	}
	v.SetInput("Salut")
	if _, err := v.Send(context.Background()); err != nil {
		t.Fatalf("send: %v", err)
	}
	assertSingleConfirmed(t, v, "m1")
	if got := v.Messages()[0].Sender.Name; got != "user p1" {
		t.Fatalf("sender projection not taken from fetched row: %q", got)
	}
}

func TestEchoWithoutAnyTokenCorrelatesOnContent(t *testing.T) {
	r := newRemote()
	r.stripToken = true
	v := newView(r)
	r.afterCommit = func(m models.Message) {
		if err := v.Apply(context.Background(), echo(m, false)); err != nil {
			t.Errorf("apply: %v", err)
		}
	}
	v.SetInput("Salut")
	if _, err := v.Send(context.Background()); err != nil {
		t.Fatalf("send: %v", err)
	}
	assertSingleConfirmed(t, v, "m1")
}

func TestSendFailureRollsBack(t *testing.T) {
	r := newRemote()
	r.sendErr = errors.New("network down")
	v := newView(r)
	var snaps [][]Item
	v.OnChange = func(items []Item) { snaps = append(snaps, items) }
	v.SetInput("  Salut ")

	if _, err := v.Send(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if len(v.Messages()) != 0 {
		t.Fatalf("provisional should be removed, got %+v", v.Messages())
	}
	if v.Input() != "  Salut " {
		t.Fatalf("input should be restored, got %q", v.Input())
	}
	if len(snaps) != 2 || len(snaps[0]) != 1 || !snaps[0][0].Pending {
		t.Fatalf("expected optimistic then rollback snapshots, got %+v", snaps)
	}
}

func TestSendErrorAfterEchoKeepsMessage(t *testing.T) {
	r := newRemote()
	r.sendErr = errors.New("response lost")
	v := newView(r)
	r.afterCommit = func(m models.Message) {
		_ = v.Apply(context.Background(), echo(m, true))
	}
	v.SetInput("Salut")
	if _, err := v.Send(context.Background()); err != nil {
		t.Fatalf("echo proved delivery, got %v", err)
	}
	assertSingleConfirmed(t, v, "m1")
	if v.Input() != "" {
		t.Fatalf("input must stay cleared, got %q", v.Input())
	}
}

func TestSendEmptyInput(t *testing.T) {
	v := newView(newRemote())
	v.SetInput("   ")
	if _, err := v.Send(context.Background()); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation, got %v", err)
	}
}

func TestIdenticalMessagesBothKept(t *testing.T) {
	r := newRemote()
	v := newView(r)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		v.SetInput("ok")
		if _, err := v.Send(ctx); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	for _, id := range []string{"m1", "m2"} {
		if err := v.Apply(ctx, echo(r.rows[id].Message, true)); err != nil {
			t.Fatalf("apply: %v", err)
		}
	}
	got := v.Messages()
	if len(got) != 2 || got[0].ID != "m1" || got[1].ID != "m2" {
		t.Fatalf("expected both messages in order, got %+v", got)
	}
}

func TestOtherSenderAndOtherTab(t *testing.T) {
	r := newRemote()
	v := newView(r)
	ctx := context.Background()
	fromDriver := r.put("d1", "J'arrive", "", base.Add(3*time.Second))
	fromOtherTab := r.put("p1", "Je suis là", "tok-other-tab", base.Add(2*time.Second))

	for _, ev := range []feed.Event{echo(fromDriver, false), echo(fromOtherTab, true), echo(fromDriver, false)} {
		if err := v.Apply(ctx, ev); err != nil {
			t.Fatalf("apply: %v", err)
		}
	}
	got := v.Messages()
	if len(got) != 2 {
		t.Fatalf("expected two messages, got %+v", got)
	}
	if got[0].ID != fromOtherTab.ID || got[1].ID != fromDriver.ID {
		t.Fatalf("expected server order, got %s then %s", got[0].ID, got[1].ID)
	}
}

func TestOrderStableUnderOutOfOrderDelivery(t *testing.T) {
	r := newRemote()
	v := newView(r)
	ctx := context.Background()
	var ms []models.Message
	for i := 0; i < 5; i++ {
		ms = append(ms, r.put("d1", fmt.Sprintf("n%d", i), "", base.Add(time.Duration(i)*time.Second)))
	}
	v.Load([]models.MessageView{r.rows[ms[1].ID]})
	for _, i := range []int{4, 0, 3, 1, 2} {
		if err := v.Apply(ctx, echo(ms[i], false)); err != nil {
			t.Fatalf("apply: %v", err)
		}
	}
	got := v.Messages()
	if len(got) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(got))
	}
	for i, it := range got {
		if it.Content != fmt.Sprintf("n%d", i) {
			t.Fatalf("position %d holds %q", i, it.Content)
		}
	}
}

func TestLoadKeepsInFlightSend(t *testing.T) {
	r := newRemote()
	v := newView(r)
	release := make(chan struct{})
	done := make(chan struct{})
	r.afterCommit = func(models.Message) { <-release }

	v.SetInput("Salut")
	go func() {
		defer close(done)
		if _, err := v.Send(context.Background()); err != nil {
			t.Errorf("send: %v", err)
		}
	}()
	waitFor(t, func() bool { return len(v.Messages()) == 1 })

	v.Load(nil)
	if got := v.Messages(); len(got) != 1 || !got[0].Pending {
		t.Fatalf("pending send should survive a reload, got %+v", got)
	}
	close(release)
	<-done
	assertSingleConfirmed(t, v, "m1")
}

func TestRunStopsWhenChannelCloses(t *testing.T) {
	r := newRemote()
	v := newView(r)
	m := r.put("d1", "hello", "", base)
	ch := make(chan feed.Event, 3)
	ch <- echo(m, false)
	ch <- feed.Event{Type: feed.TypeInsert, ConversationID: "C1", MessageID: "missing"}
	ch <- feed.Event{Type: feed.TypeInsert, ConversationID: "other", MessageID: m.ID}
	close(ch)

	if err := v.Run(context.Background(), ch); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := v.Messages(); len(got) != 1 || got[0].ID != m.ID {
		t.Fatalf("unexpected view %+v", got)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
