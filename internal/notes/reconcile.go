package notes

// SnapshotLoader reads the authoritative document collection. A store fault
// is returned as an error, never as an empty collection.
type SnapshotLoader interface {
	Snapshot() (Documents, error)
}

// ReconcileHooks are invoked by Reconcile. Either may be nil.
type ReconcileHooks struct {
	// OnReplace receives a newer remote copy of the open document.
	OnReplace func(remote Document)
	// OnChange runs once whenever the local collection changed.
	OnChange func()
}

// ReconcileResult reports what Reconcile did to the local collection.
type ReconcileResult struct {
	Changed bool
	// Watermark is the LastSaved the caller adopts for the open document
	// when WatermarkAdvanced is set.
	Watermark         int64
	WatermarkAdvanced bool
}

// Reconcile pulls writes made by other sessions into local. Remote copies
// replace local ones whose LastSaved differs and local documents missing
// remotely are deleted. The open document is handed to OnReplace only when
// its remote LastSaved is strictly newer than watermark. There is no merge:
// the later write wins for the whole document. When the snapshot cannot be
// read local is left untouched and the error is returned.
func Reconcile(loader SnapshotLoader, local Documents, currentID DocumentID, watermark int64, hooks ReconcileHooks) (ReconcileResult, error) {
	result := ReconcileResult{Watermark: watermark}
	remote, err := loader.Snapshot()
	if err != nil {
		return result, err
	}

	for id, remoteDocument := range remote {
		localDocument, ok := local[id]
		if ok && localDocument.LastSaved == remoteDocument.LastSaved {
			continue
		}
		local[id] = remoteDocument
		result.Changed = true
	}
	for id := range local {
		if _, ok := remote[id]; !ok {
			delete(local, id)
			result.Changed = true
		}
	}

	if result.Changed && hooks.OnChange != nil {
		hooks.OnChange()
	}

	if currentID == "" {
		return result, nil
	}
	remoteCurrent, ok := remote[currentID]
	if !ok || remoteCurrent.LastSaved <= watermark {
		return result, nil
	}
	if hooks.OnReplace != nil {
		hooks.OnReplace(remoteCurrent)
	}
	result.Watermark = remoteCurrent.LastSaved
	result.WatermarkAdvanced = true
	return result, nil
}
