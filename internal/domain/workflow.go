package domain

import (
	"encoding/json"
)

// Workflow ties a persisted process definition and its live flow
// expression tree to Storage: create, load, save and delete a running
// instance by its pid. Every operation that touches storage runs under
// the storage-wide lock.
//
// xmlsurface owns parsing; Workflow only knows how to persist and
// restore whatever domain.Process the builder handed it, so it has no
// import-cycle dependency on the XML layer.
type Workflow struct {
	PID    string
	Root   *Process
	DefXML string
}

// NewWorkflow wraps an already-built process tree together with the
// definition XML it was built from.
func NewWorkflow(pid string, root *Process, defXML string) *Workflow {
	return &Workflow{PID: pid, Root: root, DefXML: defXML}
}

// Save persists the definition XML (unchanged, for later rebuilds after
// a crash) under definition/<pid> and the current snapshot of the live
// tree under process/<pid>.
func (w *Workflow) Save(storage Storage) error {
	snap := w.Root.Snapshot()
	body, err := json.Marshal(snap)
	if err != nil {
		return NewBureaucratError(ErrCodeParse, "failed to marshal process snapshot", err)
	}
	release, err := storage.Lock()
	if err != nil {
		return err
	}
	defer release()
	if err := storage.Put("definition", w.PID, []byte(w.DefXML)); err != nil {
		return err
	}
	return storage.Put("process", w.PID, body)
}

// LoadInstance reads the persisted definition and snapshot for pid in one
// locked section. The caller rebuilds the tree from the definition and
// applies the snapshot via RestoreTree.
func LoadInstance(storage Storage, pid string) (defXML string, snap NodeSnapshot, err error) {
	release, err := storage.Lock()
	if err != nil {
		return "", NodeSnapshot{}, err
	}
	defer release()
	rawDef, err := storage.Get("definition", pid)
	if err != nil {
		return "", NodeSnapshot{}, err
	}
	rawSnap, err := storage.Get("process", pid)
	if err != nil {
		return "", NodeSnapshot{}, err
	}
	if err := json.Unmarshal(rawSnap, &snap); err != nil {
		return "", NodeSnapshot{}, NewBureaucratError(ErrCodeParse, "corrupt process snapshot", err)
	}
	return string(rawDef), snap, nil
}

// Delete removes both the definition and the last snapshot for pid.
func Delete(storage Storage, pid string) error {
	release, err := storage.Lock()
	if err != nil {
		return err
	}
	defer release()
	if err := storage.Delete("process", pid); err != nil {
		return err
	}
	return storage.Delete("definition", pid)
}

// RestoreTree recursively applies a snapshot to an already-built tree
// (same shape: the builder constructs the tree from the same definition
// XML that produced the snapshot, then this walks it in lockstep).
func RestoreTree(n Node, snap NodeSnapshot) error {
	if err := n.Restore(snap); err != nil {
		return err
	}
	children := n.Children()
	if len(children) != len(snap.Children) {
		return NewBureaucratError(ErrCodeInvariantViolated, "snapshot child count does not match rebuilt tree", nil)
	}
	for i, c := range children {
		if err := RestoreTree(c, snap.Children[i]); err != nil {
			return err
		}
	}
	return nil
}
