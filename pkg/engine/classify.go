package engine

import (
	"fmt"
	"strings"

	"github.com/chrisjsewell/fireflow/pkg/core"
)

// Classifier decides, after download, whether a calcjob finished
// successfully. It returns nil to finish the calcjob or an error
// (conventionally a *core.ParseError) to except it. Classifiers must be
// pure: they see the calcjob and its processing record but perform no I/O.
type Classifier func(calc *core.CalcJob, proc *core.Processing) error

// ExpectedOutputs is the default classifier. A calcjob finishes when the
// remote job completed and every literal download glob was actually
// retrieved. Globs containing metacharacters are exempt: a pattern may
// legitimately match nothing.
func ExpectedOutputs(calc *core.CalcJob, proc *core.Processing) error {
	if proc.RemoteState != core.RemoteStateCompleted {
		return &core.ParseError{
			Reason: fmt.Sprintf("remote job %s ended %s", proc.JobID, proc.RemoteState),
		}
	}
	for _, glob := range calc.DownloadGlobs {
		if strings.ContainsAny(glob, "*?[") {
			continue
		}
		if _, ok := proc.RetrievedPaths[glob]; !ok {
			return &core.ParseError{
				Reason: fmt.Sprintf("expected output %q was not retrieved", glob),
			}
		}
	}
	return nil
}
