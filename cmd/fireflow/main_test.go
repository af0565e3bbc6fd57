package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chrisjsewell/fireflow/pkg/core"
	"github.com/chrisjsewell/fireflow/pkg/project"
)

const testBundle = `
objects:
  script:
    content: "#!/bin/bash\necho hello\n"
    extension: sh
clients:
  - label: daint
    base_url: https://firecrest.example.org
    client_id: fireflow-client
    client_secret: sekret
    token_url: https://auth.example.org/token
    machine_name: daint
    work_dir: /scratch/user
codes:
  - label: echo
    client_label: daint
    script: "echo {{ parameters.message }}"
    upload_paths:
      run.sh: {label: script}
calcjobs:
  - label: run-1
    code_label: echo
    parameters:
      message: hello
    download_globs: ["*.out"]
`

func writeBundle(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bundle.yml")
	require.NoError(t, os.WriteFile(path, []byte(testBundle), 0o644))
	return path
}

// runCLI invokes the dispatcher the way main does and returns what it wrote.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	err := run(args, &buf)
	return buf.String(), err
}

// initProject creates an empty project in a fresh temp directory.
func initProject(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "proj")
	out, err := runCLI(t, "init", "-p", dir)
	require.NoError(t, err)
	require.Contains(t, out, "Project initialized")
	return dir
}

// seededProject creates a project and imports the test bundle into it.
func seededProject(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "proj")
	out, err := runCLI(t, "init", "-p", dir, "-a", writeBundle(t))
	require.NoError(t, err)
	require.Contains(t, out, "Added:")
	return dir
}

// ─────────────────────────────────────────────────────────────────────────────
// Dispatch
// ─────────────────────────────────────────────────────────────────────────────

func TestRun_NoArgsPrintsUsage(t *testing.T) {
	out, err := runCLI(t)
	assert.NoError(t, err)
	assert.Contains(t, out, "fireflow <command>", "bare invocation should print usage")
}

func TestRun_HelpPrintsUsage(t *testing.T) {
	out, err := runCLI(t, "help")
	assert.NoError(t, err)
	assert.Contains(t, out, "Entity commands")
}

func TestRun_UnknownCommand(t *testing.T) {
	out, err := runCLI(t, "frobnicate")
	assert.ErrorContains(t, err, `unknown command "frobnicate"`)
	assert.Contains(t, out, "Usage:", "unknown commands should still show usage")
}

// ─────────────────────────────────────────────────────────────────────────────
// init / add / status
// ─────────────────────────────────────────────────────────────────────────────

func TestInit_CreatesProjectLayout(t *testing.T) {
	dir := initProject(t)

	assert.DirExists(t, filepath.Join(dir, project.ObjectsDir))
	assert.FileExists(t, filepath.Join(dir, project.DatabaseFile))
}

func TestInit_ImportsBundle(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "proj")
	out, err := runCLI(t, "init", "-p", dir, "-a", writeBundle(t))
	require.NoError(t, err)

	assert.Contains(t, out, "1 object")
	assert.Contains(t, out, "1 client")
	assert.Contains(t, out, "1 code")
	assert.Contains(t, out, "1 calcjob")
}

func TestAdd_RequiresInitializedProject(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "missing")
	_, err := runCLI(t, "add", "-p", dir, writeBundle(t))
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.ErrorContains(t, err, "fireflow init")
}

func TestAdd_ImportsBundle(t *testing.T) {
	dir := initProject(t)
	out, err := runCLI(t, "add", "-p", dir, writeBundle(t))
	require.NoError(t, err)
	assert.Contains(t, out, "Added:")
}

func TestAdd_DuplicateBundleRollsBack(t *testing.T) {
	dir := seededProject(t)
	_, err := runCLI(t, "add", "-p", dir, writeBundle(t))
	assert.ErrorIs(t, err, core.ErrDuplicateLabel, "re-importing the same labels must fail")
}

func TestAdd_WithoutArgument(t *testing.T) {
	dir := initProject(t)
	_, err := runCLI(t, "add", "-p", dir)
	assert.ErrorContains(t, err, "usage: fireflow add")
}

func TestStatus_Counts(t *testing.T) {
	dir := seededProject(t)
	out, err := runCLI(t, "status", "-p", dir)
	require.NoError(t, err)

	assert.Contains(t, out, "1 object")
	assert.Contains(t, out, "1 client")
	assert.Contains(t, out, "1 code")
	assert.Contains(t, out, "1 calcjob")
	assert.Contains(t, out, "playing", "the imported calcjob starts out playing")
}

func TestStatus_HonorsProjectEnv(t *testing.T) {
	dir := seededProject(t)
	t.Setenv("FIREFLOW_PROJECT", dir)

	out, err := runCLI(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "1 calcjob")
}

// ─────────────────────────────────────────────────────────────────────────────
// client
// ─────────────────────────────────────────────────────────────────────────────

func TestClientList(t *testing.T) {
	dir := seededProject(t)
	out, err := runCLI(t, "client", "list", "-p", dir)
	require.NoError(t, err)

	assert.Contains(t, out, "Clients 1-1 of 1")
	assert.Contains(t, out, "daint")
	assert.Contains(t, out, "https://firecrest.example.org")
}

func TestClientList_Empty(t *testing.T) {
	dir := initProject(t)
	out, err := runCLI(t, "client", "list", "-p", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "No Clients to list")
}

func TestClientShow_RedactsSecret(t *testing.T) {
	dir := seededProject(t)
	out, err := runCLI(t, "client", "show", "-p", dir, "1")
	require.NoError(t, err)

	assert.Contains(t, out, "daint")
	assert.Contains(t, out, "/scratch/user")
	assert.Contains(t, out, "********")
	assert.NotContains(t, out, "sekret", "client secrets must never reach the terminal")
}

func TestClientShow_Missing(t *testing.T) {
	dir := seededProject(t)
	_, err := runCLI(t, "client", "show", "-p", dir, "99")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestClientShow_BadPK(t *testing.T) {
	dir := seededProject(t)
	_, err := runCLI(t, "client", "show", "-p", dir, "nope")
	assert.ErrorContains(t, err, "pk must be an integer")
}

func TestClientGroup_UnknownSubcommand(t *testing.T) {
	_, err := runCLI(t, "client", "frob")
	assert.ErrorContains(t, err, `unknown client command "frob"`)
}

// ─────────────────────────────────────────────────────────────────────────────
// code
// ─────────────────────────────────────────────────────────────────────────────

func TestCodeList(t *testing.T) {
	dir := seededProject(t)
	out, err := runCLI(t, "code", "list", "-p", dir)
	require.NoError(t, err)

	assert.Contains(t, out, "Codes 1-1 of 1")
	assert.Contains(t, out, "echo")
	assert.Contains(t, out, "daint", "code rows should name their client")
}

func TestCodeShow(t *testing.T) {
	dir := seededProject(t)
	out, err := runCLI(t, "code", "show", "-p", dir, "1")
	require.NoError(t, err)

	assert.Contains(t, out, "echo {{ parameters.message }}")
	assert.Contains(t, out, "daint (pk=1)")
	assert.Contains(t, out, "run.sh <- ", "upload paths should show their object key")
}

func TestCodeTree(t *testing.T) {
	dir := seededProject(t)
	out, err := runCLI(t, "code", "tree", "-p", dir)
	require.NoError(t, err)

	assert.Contains(t, out, "daint (pk=1)")
	assert.Contains(t, out, "echo (pk=1)")
}

// ─────────────────────────────────────────────────────────────────────────────
// calcjob
// ─────────────────────────────────────────────────────────────────────────────

func TestCalcJobList(t *testing.T) {
	dir := seededProject(t)
	out, err := runCLI(t, "calcjob", "list", "-p", dir)
	require.NoError(t, err)

	assert.Contains(t, out, "CalcJobs 1-1 of 1")
	assert.Contains(t, out, "run-1")
	assert.Contains(t, out, "created")
	assert.Contains(t, out, "▶ playing")
}

func TestCalcJobList_WhereFilter(t *testing.T) {
	dir := seededProject(t)

	out, err := runCLI(t, "calcjob", "list", "-p", dir, "--where", "state == 'playing'")
	require.NoError(t, err)
	assert.Contains(t, out, "run-1")

	out, err = runCLI(t, "calcjob", "list", "-p", dir, "--where", "state == 'finished'")
	require.NoError(t, err)
	assert.Contains(t, out, "No CalcJobs to list")
}

func TestCalcJobList_BadFilter(t *testing.T) {
	dir := seededProject(t)
	_, err := runCLI(t, "calcjob", "list", "-p", dir, "--where", "state ~~ huh")
	assert.ErrorContains(t, err, "invalid filter")
}

func TestCalcJobShow(t *testing.T) {
	dir := seededProject(t)
	out, err := runCLI(t, "calcjob", "show", "-p", dir, "1")
	require.NoError(t, err)

	assert.Contains(t, out, "run-1")
	assert.Contains(t, out, "message = hello")
	assert.Contains(t, out, "*.out")
	assert.Contains(t, out, "created")
	assert.NotContains(t, out, "Job ID", "processing detail needs --process")
}

func TestCalcJobShow_WithProcess(t *testing.T) {
	dir := seededProject(t)
	out, err := runCLI(t, "calcjob", "show", "-p", dir, "--process", "1")
	require.NoError(t, err)

	assert.Contains(t, out, "Processing:")
	assert.Contains(t, out, "Job ID")
	assert.Contains(t, out, "Updated")
}

func TestCalcJobTree(t *testing.T) {
	dir := seededProject(t)
	out, err := runCLI(t, "calcjob", "tree", "-p", dir)
	require.NoError(t, err)

	assert.Contains(t, out, "daint (pk=1)")
	assert.Contains(t, out, "echo (pk=1)")
	assert.Contains(t, out, "run-1 (pk=1)")
	assert.Contains(t, out, "▶")
}

// ─────────────────────────────────────────────────────────────────────────────
// run
// ─────────────────────────────────────────────────────────────────────────────

func TestRunCommand_DrainsEmptyProject(t *testing.T) {
	dir := initProject(t)
	out, err := runCLI(t, "run", "-p", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "Run complete: 0 finished, 0 excepted, 0 playing")
}

func TestRunCommand_BadLogLevel(t *testing.T) {
	dir := initProject(t)
	_, err := runCLI(t, "run", "-p", dir, "--log-level", "loud")
	assert.ErrorContains(t, err, `unknown log level "loud"`)
}

// ─────────────────────────────────────────────────────────────────────────────
// Rendering helpers
// ─────────────────────────────────────────────────────────────────────────────

func TestPlural(t *testing.T) {
	assert.Equal(t, "1 client", plural(1, "client"))
	assert.Equal(t, "0 clients", plural(0, "client"))
	assert.Equal(t, "3 codes", plural(3, "code"))
}

func TestRangeTitle(t *testing.T) {
	title := rangeTitle("Clients", core.Page{Number: 1, Size: 100}, 3, 7)
	assert.Contains(t, title, "Clients 1-3 of 7")

	title = rangeTitle("CalcJobs", core.Page{Number: 2, Size: 2}, 2, 5)
	assert.Contains(t, title, "CalcJobs 3-4 of 5")
}

func TestRedact(t *testing.T) {
	assert.Equal(t, "(unset)", redact(""))
	assert.Equal(t, "********", redact("hunter2"))
}
