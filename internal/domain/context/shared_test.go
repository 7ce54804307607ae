package context_test

import (
	"encoding/json"
	"testing"
	"time"

	cpcontext "github.com/Strob0t/CodePair/internal/domain/context"
)

func TestItemValidate(t *testing.T) {
	tests := []struct {
		name    string
		item    cpcontext.Item
		wantErr bool
	}{
		{"valid", cpcontext.Item{ID: "a", Type: cpcontext.ItemCode, Priority: cpcontext.PriorityHigh}, false},
		{"missing id", cpcontext.Item{Type: cpcontext.ItemCode, Priority: cpcontext.PriorityHigh}, true},
		{"bad type", cpcontext.Item{ID: "a", Type: "documentation", Priority: cpcontext.PriorityHigh}, true},
		{"bad priority", cpcontext.Item{ID: "a", Type: cpcontext.ItemFile, Priority: "urgent"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.item.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestPriority(t *testing.T) {
	if cpcontext.PriorityCritical.Rank() >= cpcontext.PriorityCached.Rank() {
		t.Error("critical should rank before cached")
	}
	if cpcontext.Priority("unknown").Rank() <= cpcontext.PriorityCached.Rank() {
		t.Error("unknown priority should sort last")
	}
	if !cpcontext.PriorityHigh.Urgent() || cpcontext.PriorityMedium.Urgent() {
		t.Error("only critical and high are urgent")
	}
}

func TestSameContent(t *testing.T) {
	if !cpcontext.SameContent(json.RawMessage(`{"a": 1}`), json.RawMessage(`{"a":1}`)) {
		t.Error("whitespace should not matter")
	}
	if cpcontext.SameContent(json.RawMessage(`{"a":1}`), json.RawMessage(`{"a":2}`)) {
		t.Error("different values reported equal")
	}
	if !cpcontext.SameContent(json.RawMessage(`not json`), json.RawMessage(`not json`)) {
		t.Error("identical invalid payloads should compare equal")
	}
}

func TestSharedContextApply(t *testing.T) {
	sc := cpcontext.New("s1", time.Now())
	item := &cpcontext.Item{ID: "a", Type: cpcontext.ItemCode, Priority: cpcontext.PriorityLow, Content: json.RawMessage(`"v1"`)}

	if !sc.Apply(cpcontext.Change{Type: cpcontext.ChangeAdd, ItemID: "a", Item: item}) {
		t.Fatal("add not applied")
	}
	item.Content[1] = 'X'
	if string(sc.Items["a"].Content) != `"v1"` {
		t.Errorf("stored item shares content with caller: %s", sc.Items["a"].Content)
	}

	if sc.Apply(cpcontext.Change{Type: cpcontext.ChangeUpdate, ItemID: "a"}) {
		t.Error("update without item should not apply")
	}
	if sc.Apply(cpcontext.Change{Type: "rename", ItemID: "a"}) {
		t.Error("unknown change type should not apply")
	}
	if !sc.Apply(cpcontext.Change{Type: cpcontext.ChangeRemove, ItemID: "a"}) {
		t.Error("remove not applied")
	}
	if len(sc.Items) != 0 {
		t.Errorf("expected empty context, got %d items", len(sc.Items))
	}
}

func TestSharedContextSnapshotIsDeep(t *testing.T) {
	sc := cpcontext.New("s1", time.Now())
	sc.Items["a"] = cpcontext.Item{ID: "a", Type: cpcontext.ItemFile, Priority: cpcontext.PriorityLow, Metadata: map[string]string{"path": "main.go"}}
	sc.Sync.PendingChanges = []cpcontext.Change{{Type: cpcontext.ChangeAdd, ItemID: "a"}}

	snap := sc.Snapshot()
	snap.Items["a"].Metadata["path"] = "other.go"
	snap.Sync.PendingChanges[0].ItemID = "b"

	if sc.Items["a"].Metadata["path"] != "main.go" {
		t.Error("snapshot shares item metadata")
	}
	if sc.Sync.PendingChanges[0].ItemID != "a" {
		t.Error("snapshot shares pending changes")
	}
}

func TestSharedContextOrdered(t *testing.T) {
	now := time.Now()
	sc := cpcontext.New("s1", now)
	sc.Items["low"] = cpcontext.Item{ID: "low", Priority: cpcontext.PriorityLow, LastAccessed: now.Add(time.Hour)}
	sc.Items["old"] = cpcontext.Item{ID: "old", Priority: cpcontext.PriorityHigh, LastAccessed: now}
	sc.Items["new"] = cpcontext.Item{ID: "new", Priority: cpcontext.PriorityHigh, LastAccessed: now.Add(time.Minute)}
	sc.Items["crit"] = cpcontext.Item{ID: "crit", Priority: cpcontext.PriorityCritical}

	got := sc.Ordered()
	want := []string{"crit", "new", "old", "low"}
	if len(got) != len(want) {
		t.Fatalf("expected %d items, got %d", len(want), len(got))
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Errorf("position %d: expected %s, got %s", i, id, got[i].ID)
		}
	}
}
