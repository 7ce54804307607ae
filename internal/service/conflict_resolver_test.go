package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/Strob0t/CodePair/internal/domain"
	"github.com/Strob0t/CodePair/internal/domain/collab"
	"github.com/Strob0t/CodePair/internal/domain/conflict"
	cpcontext "github.com/Strob0t/CodePair/internal/domain/context"
	"github.com/Strob0t/CodePair/internal/service"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func change(participant string, offset time.Duration, desc, content string) conflict.Change {
	ch := conflict.Change{ParticipantID: participant, Timestamp: t0.Add(offset), Description: desc}
	if content != "" {
		ch.Content = json.RawMessage(content)
	}
	return ch
}

func people(roles ...collab.Role) []collab.Participant {
	out := make([]collab.Participant, len(roles))
	for i, r := range roles {
		out[i] = collab.Participant{ID: string(rune('a' + i)), Role: r, IsOnline: true}
	}
	return out
}

func TestConflictResolver_DetectWindow(t *testing.T) {
	r := service.NewConflictResolver(0, 0)
	changes := []conflict.Change{
		change("a", 0, "edit file:a.ts", `"x"`),
		change("b", 5*time.Second, "edit file:a.ts", `"y"`),
		change("a", 15*time.Second, "edit file:a.ts", `"z"`),
	}
	got := r.DetectConflicts(context.Background(), "s1", changes, nil)
	if len(got) != 1 {
		t.Fatalf("expected 1 conflict, got %d", len(got))
	}
	c := got[0]
	if len(c.Changes) != 2 {
		t.Fatalf("expected the 15s change to be excluded, got %d changes", len(c.Changes))
	}
	if c.Type != conflict.TypeCodeEdit || c.Location != "file:a.ts" || c.Status != conflict.StatusPending {
		t.Errorf("unexpected conflict %+v", c)
	}
	if len(r.ActiveConflicts("s1")) != 1 {
		t.Error("detected conflict should be stored")
	}
}

func TestConflictResolver_Within(t *testing.T) {
	r := service.NewConflictResolver(0, 0)
	at := t0.Add(20 * time.Second)
	tests := []struct {
		name string
		ch   conflict.Change
		want bool
	}{
		{"code edit inside", change("a", 12*time.Second, "edit file:a.ts", ""), true},
		{"code edit outside", change("a", 5*time.Second, "edit file:a.ts", ""), false},
		{"context uses the longer window", change("a", 0, "update context:plan", ""), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := r.Within(&tt.ch, at); got != tt.want {
				t.Errorf("Within = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestConflictResolver_DetectTypesAndLocations(t *testing.T) {
	tests := []struct {
		name     string
		changes  []conflict.Change
		wantType conflict.Type
		wantLoc  string
	}{
		{
			"explicit location field",
			[]conflict.Change{
				change("a", 0, "anything", `{"location":"workspace:main"}`),
				change("b", time.Second, "else", `{"location":"workspace:main"}`),
			},
			conflict.TypeWorkspace, "workspace:main",
		},
		{
			"context marker uses wide window",
			[]conflict.Change{
				change("a", 0, "update context:plan", ""),
				change("b", 25*time.Second, "update context:plan", ""),
			},
			conflict.TypeContext, "context:plan",
		},
		{
			"unparseable descriptions share the unknown bucket",
			[]conflict.Change{
				change("a", 0, "tweak something", ""),
				change("b", time.Second, "unrelated tweak", ""),
			},
			conflict.TypeCodeEdit, conflict.UnknownLocation,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := service.NewConflictResolver(0, 0)
			got := r.DetectConflicts(context.Background(), "s1", tt.changes, nil)
			if len(got) != 1 {
				t.Fatalf("expected 1 conflict, got %d", len(got))
			}
			if got[0].Type != tt.wantType || got[0].Location != tt.wantLoc {
				t.Errorf("got %s at %s, want %s at %s", got[0].Type, got[0].Location, tt.wantType, tt.wantLoc)
			}
		})
	}
}

func TestConflictResolver_DetectIgnoresNonParticipants(t *testing.T) {
	r := service.NewConflictResolver(0, 0)
	changes := []conflict.Change{
		change("a", 0, "file:x.go", ""),
		change("stranger", time.Second, "file:x.go", ""),
	}
	if got := r.DetectConflicts(context.Background(), "s1", changes, people(collab.RoleDriver)); len(got) != 0 {
		t.Fatalf("expected no conflict, got %d", len(got))
	}
}

func TestConflictResolver_RolePriority(t *testing.T) {
	r := service.NewConflictResolver(0, 0)
	ps := []collab.Participant{
		{ID: "nav", Role: collab.RoleNavigator, IsOnline: true},
		{ID: "drv", Role: collab.RoleDriver, IsOnline: true},
	}
	changes := []conflict.Change{
		change("drv", 0, "file:a.go", `"driver"`),
		change("nav", 2*time.Second, "file:a.go", `"navigator"`),
	}
	c := r.DetectConflicts(context.Background(), "s1", changes, ps)[0]

	res, err := r.ResolveConflict(context.Background(), c.ID, conflict.StrategyRolePriority, "nav", nil)
	if err != nil {
		t.Fatal(err)
	}
	if string(res.ResolvedContent) != `"driver"` || res.SelectedParticipant != "drv" {
		t.Errorf("driver should win regardless of timestamp, got %+v", res)
	}
	if res.ResolvedBy != "nav" {
		t.Errorf("resolved by = %q", res.ResolvedBy)
	}
	if _, err := r.Get(c.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Error("resolved conflict should leave active storage")
	}
}

func TestConflictResolver_Strategies(t *testing.T) {
	changes := []conflict.Change{
		change("a", 0, "file:a.go", `"first"`),
		change("b", 3*time.Second, "file:a.go", `"second"`),
		change("a", 4*time.Second, "file:a.go", `"third"`),
	}
	tests := []struct {
		name     string
		strategy conflict.Strategy
		data     json.RawMessage
		check    func(t *testing.T, res *conflict.Resolution)
	}{
		{"last write wins", conflict.StrategyLastWriteWins, nil, func(t *testing.T, res *conflict.Resolution) {
			if string(res.ResolvedContent) != `"third"` {
				t.Errorf("content = %s", res.ResolvedContent)
			}
		}},
		{"most active without activity falls back", conflict.StrategyMostActiveWins, nil, func(t *testing.T, res *conflict.Resolution) {
			if string(res.ResolvedContent) != `"third"` {
				t.Errorf("content = %s", res.ResolvedContent)
			}
		}},
		{"version branching keeps every change", conflict.StrategyVersionBranching, nil, func(t *testing.T, res *conflict.Resolution) {
			var b conflict.Branches
			if err := json.Unmarshal(res.ResolvedContent, &b); err != nil {
				t.Fatal(err)
			}
			if len(b.Branches) != 3 || !b.MergeRequired || b.Branches[2].Name != "branch_2" {
				t.Errorf("unexpected branches %+v", b)
			}
		}},
		{"manual uses caller data", conflict.StrategyManual, json.RawMessage(`"merged"`), func(t *testing.T, res *conflict.Resolution) {
			if string(res.ResolvedContent) != `"merged"` {
				t.Errorf("content = %s", res.ResolvedContent)
			}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := service.NewConflictResolver(0, 0)
			c := r.DetectConflicts(context.Background(), "s1", changes, nil)[0]
			res, err := r.ResolveConflict(context.Background(), c.ID, tt.strategy, "", tt.data)
			if err != nil {
				t.Fatal(err)
			}
			if res.ResolvedBy != conflict.SystemResolver || res.Strategy != tt.strategy {
				t.Errorf("unexpected resolution header %+v", res)
			}
			tt.check(t, res)
		})
	}
}

func TestConflictResolver_MostActiveWithActivity(t *testing.T) {
	r := service.NewConflictResolver(0, 0)
	r.SetActivitySource(func(string) map[string]int { return map[string]int{"a": 1, "b": 9} })
	changes := []conflict.Change{
		change("b", 0, "file:a.go", `"busy"`),
		change("a", time.Second, "file:a.go", `"quiet"`),
	}
	c := r.DetectConflicts(context.Background(), "s1", changes, nil)[0]
	res, err := r.ResolveConflict(context.Background(), c.ID, conflict.StrategyMostActiveWins, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.SelectedParticipant != "b" {
		t.Errorf("most active participant should win, got %s", res.SelectedParticipant)
	}
}

func TestConflictResolver_ResolveErrors(t *testing.T) {
	r := service.NewConflictResolver(0, 0)
	ctx := context.Background()
	c := r.DetectConflicts(ctx, "s1", []conflict.Change{
		change("a", 0, "file:a.go", ""),
		change("b", time.Second, "file:a.go", ""),
	}, nil)[0]

	if _, err := r.ResolveConflict(ctx, "missing", conflict.StrategyLastWriteWins, "", nil); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("unknown conflict: %v", err)
	}
	if _, err := r.ResolveConflict(ctx, c.ID, "bogus", "", nil); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("unknown strategy: %v", err)
	}
	if _, err := r.ResolveConflict(ctx, c.ID, conflict.StrategyManual, "", nil); !errors.Is(err, domain.ErrConfiguration) {
		t.Errorf("manual without data: %v", err)
	}
	got, err := r.Get(c.ID)
	if err != nil || got.Status != conflict.StatusPending {
		t.Fatalf("rejected request must leave the conflict pending: %v %+v", err, got)
	}
	if _, err := r.ResolveConflict(ctx, c.ID, conflict.StrategyLastWriteWins, "", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := r.ResolveConflict(ctx, c.ID, conflict.StrategyLastWriteWins, "", nil); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("double resolution must fail, got %v", err)
	}
}

func TestConflictResolver_StrategyFailureMarksFailed(t *testing.T) {
	r := service.NewConflictResolver(0, 0)
	ctx := context.Background()
	// A tracked conflict without changes makes every selecting strategy fail.
	broken := &conflict.Conflict{ID: "c-broken", SessionID: "s1", Type: conflict.TypeSync, Status: conflict.StatusPending}
	if err := r.Track(ctx, broken, nil); err != nil {
		t.Fatal(err)
	}
	_, err := r.ResolveConflict(ctx, "c-broken", conflict.StrategyLastWriteWins, "", nil)
	if !errors.Is(err, domain.ErrConflictResolutionFailed) {
		t.Fatalf("expected ErrConflictResolutionFailed, got %v", err)
	}
	if _, err := r.Get("c-broken"); !errors.Is(err, domain.ErrNotFound) {
		t.Error("failed conflict should leave active storage")
	}
}

func TestConflictResolver_AutoResolve(t *testing.T) {
	r := service.NewConflictResolver(0, 0)
	ctx := context.Background()
	ps := people(collab.RoleNavigator, collab.RoleDriver)
	r.DetectConflicts(ctx, "s1", []conflict.Change{
		change("a", 0, "file:a.go", `"a"`),
		change("b", time.Second, "file:a.go", `"b"`),
		change("a", 0, "file:b.go", `"a2"`),
		change("b", time.Second, "file:b.go", `"b2"`),
	}, ps)
	_ = r.Track(ctx, &conflict.Conflict{ID: "empty", SessionID: "s1", Status: conflict.StatusPending, DetectedAt: t0}, ps)

	res := r.AutoResolveConflicts(ctx, "s1", conflict.StrategyRolePriority, ps)
	if len(res) != 2 {
		t.Fatalf("expected 2 resolutions with one failure skipped, got %d", len(res))
	}
	for _, x := range res {
		if x.ResolvedBy != "b" {
			t.Errorf("online driver should resolve, got %q", x.ResolvedBy)
		}
	}
	if n := len(r.ActiveConflicts("s1")); n != 0 {
		t.Errorf("expected no active conflicts, got %d", n)
	}
}

func TestAutoResolver(t *testing.T) {
	offlineDriver := []collab.Participant{
		{ID: "d", Role: collab.RoleDriver},
		{ID: "m", Role: collab.RoleModerator, IsOnline: true},
	}
	tests := []struct {
		name     string
		strategy conflict.Strategy
		ps       []collab.Participant
		want     string
	}{
		{"role priority online driver", conflict.StrategyRolePriority, people(collab.RoleObserver, collab.RoleDriver), "b"},
		{"role priority moderator fallback", conflict.StrategyRolePriority, offlineDriver, "m"},
		{"role priority system", conflict.StrategyRolePriority, people(collab.RoleObserver), conflict.SystemResolver},
		{"most active first participant", conflict.StrategyMostActiveWins, people(collab.RoleObserver, collab.RoleDriver), "a"},
		{"most active empty", conflict.StrategyMostActiveWins, nil, conflict.SystemResolver},
		{"other strategies", conflict.StrategyLastWriteWins, people(collab.RoleDriver), conflict.SystemResolver},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := service.AutoResolver(tt.strategy, tt.ps); got != tt.want {
				t.Errorf("AutoResolver = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestConflictResolver_CheckContextConflict(t *testing.T) {
	r := service.NewConflictResolver(0, 0)
	now := t0.Add(time.Minute)
	r.SetClock(func() time.Time { return now })

	recent := []cpcontext.Version{
		{ParticipantID: "a", Content: json.RawMessage(`1`), Timestamp: now.Add(-20 * time.Second)},
		{ParticipantID: "b", Content: json.RawMessage(`2`), Timestamp: now.Add(-5 * time.Second)},
	}
	c := r.CheckContextConflict("s1", "plan", "c", json.RawMessage(`3`), recent)
	if c == nil {
		t.Fatal("expected context conflict")
	}
	if len(c.Changes) != 3 || c.Type != conflict.TypeContext || c.Status != conflict.StatusPending {
		t.Errorf("unexpected conflict %+v", c)
	}

	stale := []cpcontext.Version{recent[1], {ParticipantID: "a", Timestamp: now.Add(-time.Minute)}}
	if c := r.CheckContextConflict("s1", "plan", "c", json.RawMessage(`3`), stale); c != nil {
		t.Errorf("only one recent version should not conflict")
	}
}

func TestConflictResolver_CleanupSession(t *testing.T) {
	r := service.NewConflictResolver(0, 0)
	ctx := context.Background()
	r.DetectConflicts(ctx, "s1", []conflict.Change{
		change("a", 0, "file:a.go", ""),
		change("b", time.Second, "file:a.go", ""),
	}, nil)
	r.CleanupSession("s1")
	if n := len(r.ActiveConflicts("s1")); n != 0 {
		t.Errorf("expected no conflicts after cleanup, got %d", n)
	}
}
