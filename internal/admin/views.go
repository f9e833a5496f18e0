package admin

import (
	"fmt"
	"time"

	"github.com/danmuck/camlink/internal/capture"
	"github.com/danmuck/camlink/internal/storage"
)

// ResultView is the JSON shape of a finished cycle.
type ResultView struct {
	Cycle     uint64            `json:"cycle"`
	State     string            `json:"state"`
	Outcome   string            `json:"outcome"`
	Expected  int               `json:"expected"`
	Received  int               `json:"received"`
	Checksum  string            `json:"checksum,omitempty"`
	Declared  string            `json:"declared,omitempty"`
	Warning   string            `json:"warning,omitempty"`
	Error     string            `json:"error,omitempty"`
	Artifact  *storage.Artifact `json:"artifact,omitempty"`
	StartedAt time.Time         `json:"started_at"`
	Duration  string            `json:"duration"`
}

func viewResult(r capture.Result) ResultView {
	v := ResultView{
		Cycle:     r.Cycle,
		State:     r.State.String(),
		Outcome:   string(r.Outcome),
		Expected:  r.Expected,
		Received:  r.Received,
		Artifact:  r.Artifact,
		StartedAt: r.StartedAt,
		Duration:  r.Duration.String(),
	}
	if r.State >= capture.StateVerified {
		v.Checksum = fmt.Sprintf("%02X", r.Checksum)
	}
	if r.HasDeclared {
		v.Declared = fmt.Sprintf("%02X", r.Declared)
	}
	if r.Warning != nil {
		v.Warning = capture.WarningKind(r.Warning)
	}
	if r.Err != nil {
		v.Error = r.Err.Error()
	}
	return v
}
