package chat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/onnwee/chatroom/identity"
	"github.com/onnwee/chatroom/session"
	"github.com/onnwee/chatroom/store"
	"github.com/onnwee/chatroom/testutil"
)

const browser = identity.ClientID("browser-1")

func user(uid string) *identity.User {
	return &identity.User{UID: uid, DisplayName: "User " + uid}
}

func startApp(t *testing.T, p *testutil.FakeProvider, st *testutil.FakeStore) *App {
	t.Helper()
	a := NewApp(p, browser, st, AppOptions{})
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(a.Close)
	return a
}

func waitApp(t *testing.T, a *App, cond func(AppView) bool, msg string) AppView {
	t.Helper()
	var v AppView
	testutil.Eventually(t, func() bool { v = a.View(); return cond(v) }, msg)
	return v
}

func TestAppScreens(t *testing.T) {
	p := testutil.NewFakeProvider()
	p.HoldInitial = true
	a := startApp(t, p, testutil.NewFakeStore())

	if s := a.View().Screen(); s != ScreenLoading {
		t.Fatalf("screen before first push = %v", s)
	}
	p.Push(browser, identity.State{})
	if s := a.View().Screen(); s != ScreenSignIn {
		t.Fatalf("screen signed out = %v", s)
	}
	p.Push(browser, identity.State{User: user("ada")})
	if s := a.View().Screen(); s != ScreenChat {
		t.Fatalf("screen signed in = %v", s)
	}
	p.Push(browser, identity.State{Err: errors.New("stream broke")})
	if s := a.View().Screen(); s != ScreenFatal {
		t.Fatalf("screen after stream error = %v", s)
	}
}

// The chat surface is shown iff the latest push is authenticated, and a
// feed subscription is open exactly while it is.
func TestAppFollowsLatestPush(t *testing.T) {
	seqs := [][]*identity.User{
		{user("ada")},
		{nil},
		{user("ada"), nil, user("ada")},
		{user("ada"), user("bob")},
		{user("ada"), user("ada"), nil},
		{nil, user("bob"), nil, nil},
	}
	for i, seq := range seqs {
		p := testutil.NewFakeProvider()
		st := testutil.NewFakeStore()
		a := startApp(t, p, st)
		for _, u := range seq {
			p.Push(browser, identity.State{User: u})
		}
		last := seq[len(seq)-1]
		v := a.View()
		if (v.Screen() == ScreenChat) != (last != nil) {
			t.Errorf("case %d: screen = %v, last push authenticated = %v", i, v.Screen(), last != nil)
		}
		wantSubs := 0
		if last != nil {
			wantSubs = 1
			if v.Room.User.UID != last.UID {
				t.Errorf("case %d: room uid = %q, want %q", i, v.Room.User.UID, last.UID)
			}
		}
		if n := st.Subscriptions(); n != wantSubs {
			t.Errorf("case %d: live subscriptions = %d, want %d", i, n, wantSubs)
		}
	}
}

func TestAppKeepsRoomForSameUser(t *testing.T) {
	p := testutil.NewFakeProvider()
	st := testutil.NewFakeStore()
	a := startApp(t, p, st)
	p.SetUser(browser, user("ada"))
	p.SetUser(browser, user("ada"))
	if st.Opened() != 1 {
		t.Fatalf("subscriptions opened = %d, want 1", st.Opened())
	}
	if a.View().Screen() != ScreenChat {
		t.Fatal("room not mounted")
	}
}

func TestAppRoomActionsWithoutSession(t *testing.T) {
	a := startApp(t, testutil.NewFakeProvider(), testutil.NewFakeStore())
	if err := a.UpdateDraft("hi"); !errors.Is(err, ErrNoSession) {
		t.Fatalf("UpdateDraft = %v", err)
	}
	if err := a.Submit(context.Background()); !errors.Is(err, ErrNoSession) {
		t.Fatalf("Submit = %v", err)
	}
}

func TestAppComposerErrorKeepsFeed(t *testing.T) {
	p := testutil.NewFakeProvider()
	st := testutil.NewFakeStore()
	a := startApp(t, p, st)
	p.SetUser(browser, user("ada"))
	st.Publish(testutil.Msg("m1", "bob", "hey", t0))
	waitApp(t, a, func(v AppView) bool { return v.Room != nil && v.Room.Feed.Batch == 1 }, "feed not ready")

	st.AddErr = errors.New("unavailable")
	_ = a.UpdateDraft("hello")
	if err := a.Submit(context.Background()); err == nil {
		t.Fatal("expected submit error")
	}
	v := a.View()
	if v.Room.Feed.State != FeedReady || st.Subscriptions() != 1 {
		t.Fatal("composer error disturbed the feed")
	}
	if v.Room.Composer.Draft != "hello" || v.Room.Composer.Err != SendFailedMessage {
		t.Fatalf("composer = %+v", v.Room.Composer)
	}
}

func TestAppFeedErrorDoesNotBlockSignOut(t *testing.T) {
	p := testutil.NewFakeProvider()
	st := testutil.NewFakeStore()
	a := startApp(t, p, st)
	p.SetUser(browser, user("ada"))
	st.FailAll(errors.New("permission denied"))
	waitApp(t, a, func(v AppView) bool { return v.Room != nil && v.Room.Feed.State == FeedError }, "feed error not shown")

	if err := a.SignOut(context.Background()); err != nil {
		t.Fatal(err)
	}
	if s := a.View().Screen(); s != ScreenSignIn {
		t.Fatalf("screen after sign-out = %v", s)
	}
}

func TestAppRemount(t *testing.T) {
	tests := []struct {
		name        string
		fail        func(p *testutil.FakeProvider, st *testutil.FakeStore)
		wantRemount bool
		wantOpened  int
	}{
		{"healthy app", func(*testutil.FakeProvider, *testutil.FakeStore) {}, false, 1},
		{"fatal session", func(p *testutil.FakeProvider, _ *testutil.FakeStore) {
			p.Push(browser, identity.State{Err: errors.New("stream broke")})
		}, true, 2},
		{"failed feed", func(_ *testutil.FakeProvider, st *testutil.FakeStore) {
			st.FailAll(errors.New("missing index"))
		}, true, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := testutil.NewFakeProvider()
			st := testutil.NewFakeStore()
			p.SetUser(browser, user("ada"))
			a := startApp(t, p, st)
			waitApp(t, a, func(v AppView) bool { return v.Room != nil }, "room never mounted")

			tt.fail(p, st)
			if tt.wantRemount {
				waitApp(t, a, func(v AppView) bool {
					return v.Screen() == ScreenFatal || (v.Room != nil && v.Room.Feed.State == FeedError)
				}, "failure never shown")
			}
			if got := a.Remount(); got != tt.wantRemount {
				t.Fatalf("Remount() = %v, want %v", got, tt.wantRemount)
			}
			v := a.View()
			if v.Screen() != ScreenChat || v.Room.Feed.State != FeedLoading {
				t.Fatalf("after remount: screen %v feed %+v", v.Screen(), v.Room.Feed)
			}
			if st.Opened() != tt.wantOpened || st.Subscriptions() != 1 {
				t.Fatalf("opened = %d live = %d, want %d and 1", st.Opened(), st.Subscriptions(), tt.wantOpened)
			}
			if n := p.Watchers(browser); n != 1 {
				t.Fatalf("watchers = %d, want 1", n)
			}
			if a.Remount() {
				t.Fatal("second Remount replaced a healthy app")
			}
		})
	}
}

func TestAppCancelSignIn(t *testing.T) {
	p := testutil.NewFakeProvider()
	a := startApp(t, p, testutil.NewFakeStore())

	done := make(chan error, 1)
	go func() { done <- a.SignIn(context.Background(), func(context.Context, string) error { return nil }) }()
	p.WaitPending(t, browser)
	if err := a.SignIn(context.Background(), nil); !errors.Is(err, session.ErrSignInPending) {
		t.Fatalf("duplicate SignIn = %v", err)
	}
	if !a.CancelSignIn() {
		t.Fatal("CancelSignIn found nothing pending")
	}
	if err := <-done; !errors.Is(err, identity.ErrSignInCancelled) {
		t.Fatalf("SignIn = %v, want ErrSignInCancelled", err)
	}
	v := a.View()
	if v.Session.SigningIn || v.Session.AuthError != identity.ErrSignInCancelled.Error() {
		t.Fatalf("session view = %+v", v.Session)
	}
	if a.CancelSignIn() {
		t.Fatal("nothing should be pending after cancel")
	}
}

func TestAppCloseTearsDown(t *testing.T) {
	p := testutil.NewFakeProvider()
	st := testutil.NewFakeStore()
	a := NewApp(p, browser, st, AppOptions{})
	if err := a.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	p.SetUser(browser, user("ada"))
	a.Close()
	a.Close()
	if st.Subscriptions() != 0 || p.Watchers(browser) != 0 {
		t.Fatal("Close left subscriptions open")
	}
}

func TestEndToEndScenario(t *testing.T) {
	p := testutil.NewFakeProvider()
	st := testutil.NewFakeStore()
	a := startApp(t, p, st)

	renders := make(chan struct{}, 64)
	a.Subscribe(func() {
		select {
		case renders <- struct{}{}:
		default:
		}
	})

	// unauthenticated load shows the sign-in screen only
	if v := a.View(); v.Screen() != ScreenSignIn || v.Room != nil {
		t.Fatalf("initial view = %+v", v)
	}
	if st.Opened() != 0 {
		t.Fatal("feed opened without a session")
	}

	// sign in; provider resolves with U
	opened := make(chan string, 1)
	signInDone := make(chan error, 1)
	go func() {
		signInDone <- a.SignIn(context.Background(), func(_ context.Context, u string) error {
			opened <- u
			return nil
		})
	}()
	select {
	case <-opened:
	case <-time.After(2 * time.Second):
		t.Fatal("sign-in page never opened")
	}
	waitApp(t, a, func(v AppView) bool { return v.Session.SigningIn }, "signing-in state not shown")
	p.Resolve(browser, user("u1"), nil)
	if err := <-signInDone; err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	v := a.View()
	if v.Screen() != ScreenChat || st.Subscriptions() != 1 {
		t.Fatalf("chat not mounted after sign-in: %v, subs=%d", v.Screen(), st.Subscriptions())
	}

	// backend pushes 3 ordered messages
	three := []struct{ id, uid, text string }{
		{"m1", "u2", "hey"},
		{"m2", "u1", "hello there"},
		{"m3", "u2", "how are you"},
	}
	var feed []store.Message
	for i, m := range three {
		feed = append(feed, testutil.Msg(m.id, m.uid, m.text, t0.Add(time.Duration(i)*time.Second)))
	}
	st.Publish(feed...)
	v = waitApp(t, a, func(v AppView) bool { return v.Room.Feed.Batch == 1 }, "first batch not applied")
	if len(v.Room.Items) != 3 {
		t.Fatalf("items = %d, want 3", len(v.Room.Items))
	}
	for i, m := range three {
		if v.Room.Items[i].ID != m.id {
			t.Fatalf("item %d = %q, want %q", i, v.Room.Items[i].ID, m.id)
		}
	}
	if v.Room.Items[1].Class() != "sent" || v.Room.Items[0].Class() != "received" {
		t.Fatal("sent/received styling wrong")
	}
	scrollAfterBatch := v.Room.Scroll

	// submit "hi": one insert, draft clears before the feed reflects it
	if err := a.UpdateDraft("hi"); err != nil {
		t.Fatal(err)
	}
	if err := a.Submit(context.Background()); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	added := st.Added()
	if len(added) != 1 || added[0].Text != "hi" || added[0].UID != "u1" {
		t.Fatalf("inserts = %+v", added)
	}
	v = a.View()
	if v.Room.Composer.Draft != "" {
		t.Fatalf("draft = %q after submit", v.Room.Composer.Draft)
	}
	if len(v.Room.Items) != 3 {
		t.Fatal("feed changed without a backend push")
	}
	if v.Room.Scroll != scrollAfterBatch+1 {
		t.Fatalf("scroll = %d, want %d", v.Room.Scroll, scrollAfterBatch+1)
	}

	// backend pushes the 4th message
	feed = append(feed, testutil.Msg("m4", "u1", "hi", t0.Add(3*time.Second)))
	st.Publish(feed...)
	v = waitApp(t, a, func(v AppView) bool { return v.Room.Feed.Batch == 2 }, "second batch not applied")
	if len(v.Room.Items) != 4 || v.Room.Items[3].Text != "hi" {
		t.Fatalf("items after 4th push = %+v", v.Room.Items)
	}

	// sign out: back to sign-in, feed subscription torn down
	if err := a.SignOut(context.Background()); err != nil {
		t.Fatal(err)
	}
	v = a.View()
	if v.Screen() != ScreenSignIn || v.Room != nil {
		t.Fatalf("view after sign-out = %v", v.Screen())
	}
	if st.Subscriptions() != 0 {
		t.Fatal("feed subscription not torn down")
	}
	if len(renders) == 0 {
		t.Fatal("no render notifications delivered")
	}
}
