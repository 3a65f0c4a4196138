package notes

import (
	"errors"
	"testing"

	"github.com/MarcoPoloResearchLab/notepad/internal/kv"
)

type staticSnapshot Documents

func (s staticSnapshot) Snapshot() (Documents, error) {
	return Documents(s).Clone(), nil
}

func TestReconcileLastWriteWins(t *testing.T) {
	tests := []struct {
		name        string
		localSaved  int64
		remoteSaved int64
		wantTitle   string
		wantChanged bool
	}{
		{name: "remote-newer", localSaved: 100, remoteSaved: 200, wantTitle: "remote", wantChanged: true},
		{name: "remote-older-still-adopted", localSaved: 100, remoteSaved: 50, wantTitle: "remote", wantChanged: true},
		{name: "equal", localSaved: 100, remoteSaved: 100, wantTitle: "local"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			local := Documents{"doc": {ID: "doc", Title: "local", LastSaved: tt.localSaved}}
			remote := staticSnapshot{"doc": {ID: "doc", Title: "remote", LastSaved: tt.remoteSaved}}

			result, _ := Reconcile(remote, local, "", 0, ReconcileHooks{})

			if local["doc"].Title != tt.wantTitle {
				t.Fatalf("expected title %q, got %q", tt.wantTitle, local["doc"].Title)
			}
			if result.Changed != tt.wantChanged {
				t.Fatalf("expected changed=%v, got %v", tt.wantChanged, result.Changed)
			}
		})
	}
}

func TestReconcilePropagatesDeletionsAndAdditions(t *testing.T) {
	local := Documents{
		"kept":    {ID: "kept", LastSaved: 1},
		"deleted": {ID: "deleted", LastSaved: 2},
	}
	remote := staticSnapshot{
		"kept":  {ID: "kept", LastSaved: 1},
		"added": {ID: "added", LastSaved: 3},
	}
	changes := 0

	if _, err := Reconcile(remote, local, "", 0, ReconcileHooks{OnChange: func() { changes++ }}); err != nil {
		t.Fatalf("unexpected reconcile error: %v", err)
	}

	if _, ok := local["deleted"]; ok {
		t.Fatalf("expected deleted document to be removed locally")
	}
	if _, ok := local["added"]; !ok {
		t.Fatalf("expected added document to appear locally")
	}
	if changes != 1 {
		t.Fatalf("expected one change notification, got %d", changes)
	}
}

func TestReconcileWithoutChangesIsSilent(t *testing.T) {
	local := Documents{"doc": {ID: "doc", LastSaved: 5}}
	remote := staticSnapshot{"doc": {ID: "doc", LastSaved: 5}}
	called := false

	result, _ := Reconcile(remote, local, "doc", 5, ReconcileHooks{
		OnChange:  func() { called = true },
		OnReplace: func(Document) { called = true },
	})

	if called || result.Changed || result.WatermarkAdvanced {
		t.Fatalf("expected no callbacks, got %+v", result)
	}
}

func TestReconcileReplacesOpenDocumentOnlyWhenNewer(t *testing.T) {
	tests := []struct {
		name        string
		remoteSaved int64
		watermark   int64
		wantReplace bool
	}{
		{name: "newer", remoteSaved: 300, watermark: 200, wantReplace: true},
		{name: "same", remoteSaved: 200, watermark: 200},
		{name: "older", remoteSaved: 150, watermark: 200},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			local := Documents{"open": {ID: "open", Title: "mine", LastSaved: 200}}
			remote := staticSnapshot{"open": {ID: "open", Title: "theirs", LastSaved: tt.remoteSaved}}
			var replaced *Document

			result, _ := Reconcile(remote, local, "open", tt.watermark, ReconcileHooks{
				OnReplace: func(document Document) { replaced = &document },
			})

			if (replaced != nil) != tt.wantReplace {
				t.Fatalf("expected replace=%v, got %v", tt.wantReplace, replaced != nil)
			}
			if result.WatermarkAdvanced != tt.wantReplace {
				t.Fatalf("expected watermark advanced=%v", tt.wantReplace)
			}
			if tt.wantReplace {
				if replaced.Title != "theirs" || result.Watermark != tt.remoteSaved {
					t.Fatalf("unexpected replacement %+v result %+v", replaced, result)
				}
			} else if result.Watermark != tt.watermark {
				t.Fatalf("expected watermark to stay at %d, got %d", tt.watermark, result.Watermark)
			}
		})
	}
}

func TestReconcileAgainstSharedStore(t *testing.T) {
	stores := newTestStores(t)
	stores.documents.SetCurrentVersion(CurrentVersion)
	stores.documents.SaveAll(Documents{"doc": {ID: "doc", Title: "remote", LastSaved: 900}})
	local := Documents{"doc": {ID: "doc", Title: "local", LastSaved: 800}}

	result, err := Reconcile(stores.documents, local, "doc", 800, ReconcileHooks{})

	if err != nil || local["doc"].Title != "remote" || !result.WatermarkAdvanced || result.Watermark != 900 {
		t.Fatalf("unexpected reconcile outcome %+v local=%+v", result, local["doc"])
	}
}

func TestReconcileLeavesLocalUntouchedWhenStoreUnavailable(t *testing.T) {
	stores := newTestStores(t)
	local := Documents{
		"a": {ID: "a", LastSaved: 1},
		"b": {ID: "b", LastSaved: 2},
		"c": {ID: "c", LastSaved: 3},
	}
	stores.documents.SaveAll(local)
	called := false

	stores.origin.SetUnavailable(true)
	result, err := Reconcile(stores.documents, local, "c", 3, ReconcileHooks{
		OnChange:  func() { called = true },
		OnReplace: func(Document) { called = true },
	})
	stores.origin.SetUnavailable(false)

	if !errors.Is(err, kv.ErrUnavailable) {
		t.Fatalf("expected unavailable error, got %v", err)
	}
	if called || result.Changed || result.WatermarkAdvanced || result.Watermark != 3 {
		t.Fatalf("expected no change during the fault, got %+v called=%v", result, called)
	}
	if len(local) != 3 {
		t.Fatalf("expected local collection to survive, got %v", local)
	}
}

func TestReconcileAdoptsEmptySnapshot(t *testing.T) {
	local := Documents{"doc": {ID: "doc", LastSaved: 1}}

	result, err := Reconcile(staticSnapshot{}, local, "", 0, ReconcileHooks{})

	if err != nil || !result.Changed || len(local) != 0 {
		t.Fatalf("expected a readable empty snapshot to delete locally, got %+v err=%v local=%v", result, err, local)
	}
}
