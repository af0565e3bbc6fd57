// Package script renders job script templates.
//
// A code's Script field is a pongo2 (jinja-style) template. Rendering
// substitutes the calcjob's parameters plus a small set of identity fields,
// so a single code can drive many calcjobs:
//
//	#!/bin/bash
//	#SBATCH --job-name={{ calc.label }}
//	pw.x -in aiida.in -ecutwfc {{ parameters.ecutwfc }}
//
// The engine treats the rendered text as opaque bytes; it is stored in the
// object store and uploaded to the remote working directory verbatim.
package script

import (
	"fmt"

	"github.com/flosch/pongo2/v6"

	"github.com/chrisjsewell/fireflow/pkg/core"
)

// Context builds the template context for one calcjob. Keys are lowercase so
// templates read naturally: {{ calc.uuid }}, {{ client.work_dir }},
// {{ parameters.ecutwfc }}.
func Context(calc *core.CalcJob, code *core.Code, client *core.Client) pongo2.Context {
	return pongo2.Context{
		"calc": map[string]any{
			"pk":    calc.PK,
			"uuid":  calc.UUID,
			"label": calc.Label,
		},
		"code": map[string]any{
			"pk":    code.PK,
			"label": code.Label,
		},
		"client": map[string]any{
			"pk":           client.PK,
			"label":        client.Label,
			"machine_name": client.MachineName,
			"work_dir":     client.WorkDir,
		},
		"parameters": calc.Parameters,
	}
}

// Render renders the code's script template for one calcjob. Template errors
// are permanent: a script that does not render will never render, so the
// caller should except the calcjob rather than retry.
func Render(calc *core.CalcJob, code *core.Code, client *core.Client) (string, error) {
	tmpl, err := pongo2.FromString(code.Script)
	if err != nil {
		return "", fmt.Errorf("parse script template for code %q: %w", code.Label, err)
	}
	out, err := tmpl.Execute(Context(calc, code, client))
	if err != nil {
		return "", fmt.Errorf("render script for calcjob %q: %w", calc.Label, err)
	}
	return out, nil
}
