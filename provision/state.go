package provision

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
)

// State tracks how far the provisioner has progressed for a run. It advances
// strictly forward; Failed is terminal for the run.
type State int

const (
	Uninitialized State = iota
	Partitioned
	Encrypted
	Formatted
	Mounted
	BaseInstalled
	Configured
	Failed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Partitioned:
		return "partitioned"
	case Encrypted:
		return "encrypted"
	case Formatted:
		return "formatted"
	case Mounted:
		return "mounted"
	case BaseInstalled:
		return "base-installed"
	case Configured:
		return "configured"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// recordRelPath lives under the installed root so the record is visible at
// /var/lib/crucible/state.json after the reboot into the new system.
const recordRelPath = "var/lib/crucible/state.json"

// Record is the durable per-run state, written at every transition so the
// orchestrator can resume on the far side of the reboot boundary.
type Record struct {
	RunID     string    `json:"run_id"`
	State     State     `json:"state"`
	StateName string    `json:"state_name"`
	Device    string    `json:"device"`
	RootDev   string    `json:"root_device"`
	Encrypted bool      `json:"encrypted"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SaveRecord persists the record under root. Failures are non-fatal for the
// live phase (the disk may not be mounted yet) but the caller should log
// them.
func SaveRecord(root string, rec Record) error {
	rec.StateName = rec.State.String()
	rec.UpdatedAt = time.Now().UTC()
	dir := filepath.Join(root, filepath.Dir(recordRelPath))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "creating %s", dir)
	}
	raw, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding state record")
	}
	path := filepath.Join(root, recordRelPath)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return errors.Wrapf(err, "writing %s", path)
	}
	return nil
}

// LoadRecord reads the durable state under root. A missing record returns
// ok=false, not an error.
func LoadRecord(root string) (Record, bool, error) {
	path := filepath.Join(root, recordRelPath)
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Record{}, false, nil
		}
		return Record{}, false, errors.Wrapf(err, "reading %s", path)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, false, errors.Wrapf(err, "parsing %s", path)
	}
	return rec, true, nil
}
