package importer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/chrisjsewell/fireflow/pkg/core"
	"github.com/chrisjsewell/fireflow/pkg/objectstore"
	"github.com/chrisjsewell/fireflow/pkg/storage"
)

func newTestStore(t *testing.T) (*storage.GormStorage, *objectstore.MemoryStore) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err, "open in-memory sqlite")
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	store := storage.NewGormStorage(db)
	require.NoError(t, store.Migrate(context.Background()), "migrate test db")

	return store, objectstore.NewMemoryStore()
}

func digest(data string) string {
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}

// ─────────────────────────────────────────────────────────────────────────────
// Happy path
// ─────────────────────────────────────────────────────────────────────────────

func TestImport_FullBundle(t *testing.T) {
	ctx := context.Background()
	store, objects := newTestStore(t)

	pseudoPath := filepath.Join(t.TempDir(), "si.upf")
	require.NoError(t, os.WriteFile(pseudoPath, []byte("pseudo data\n"), 0o644))

	bundle := fmt.Sprintf(`
objects:
  script:
    content: "#!/bin/bash\npw.x < input.in > output.out\n"
    extension: sh
  pseudo:
    path: %s

clients:
  - label: daint
    base_url: https://firecrest.example.org
    client_id: fireflow
    client_secret: sekret
    token_url: https://auth.example.org/token
    machine_name: daint
    work_dir: /scratch/user
    small_file_size_mb: 2

codes:
  - label: pw
    client_label: daint
    script: |
      #!/bin/bash
      pw.x {{ parameters.message }}
    upload_paths:
      pseudo/si.upf: {label: pseudo}

calcjobs:
  - label: silicon
    code_label: pw
    parameters:
      message: hello
    upload_paths:
      input.in: {label: script}
      results:
    download_globs:
      - "*.out"
`, pseudoPath)

	res, err := Import(ctx, store, objects, []byte(bundle))
	require.NoError(t, err)

	require.Len(t, res.ClientPKs, 1)
	require.Len(t, res.CodePKs, 1)
	require.Len(t, res.CalcJobPKs, 1)

	scriptKey := digest("#!/bin/bash\npw.x < input.in > output.out\n")
	pseudoKey := digest("pseudo data\n")
	assert.Equal(t, scriptKey, res.ObjectKeys["script"], "inline object keyed by content digest")
	assert.Equal(t, pseudoKey, res.ObjectKeys["pseudo"], "file object keyed by content digest")

	ext, err := objects.Extension(scriptKey)
	require.NoError(t, err)
	assert.Equal(t, "sh", ext, "inline object keeps declared extension")
	ext, err = objects.Extension(pseudoKey)
	require.NoError(t, err)
	assert.Equal(t, "upf", ext, "file object takes extension from the file name")

	client, err := store.GetClientByLabel(ctx, "daint")
	require.NoError(t, err)
	assert.Equal(t, "https://firecrest.example.org", client.BaseURL)
	assert.Equal(t, "/scratch/user", client.WorkDir)
	assert.Equal(t, 2, client.SmallFileSizeMB)

	code, err := store.GetCode(ctx, res.CodePKs[0])
	require.NoError(t, err)
	assert.Equal(t, client.PK, code.ClientPK)
	assert.Contains(t, code.Script, "pw.x")
	require.Contains(t, code.UploadPaths, "pseudo/si.upf")
	require.NotNil(t, code.UploadPaths["pseudo/si.upf"])
	assert.Equal(t, pseudoKey, *code.UploadPaths["pseudo/si.upf"])

	calc, err := store.GetCalcJob(ctx, res.CalcJobPKs[0])
	require.NoError(t, err)
	assert.Equal(t, "silicon", calc.Label)
	assert.NotEmpty(t, calc.UUID, "uuid assigned on creation")
	assert.Equal(t, "hello", calc.Parameters["message"])
	assert.Equal(t, []string{"*.out"}, calc.DownloadGlobs)
	require.Contains(t, calc.UploadPaths, "input.in")
	require.NotNil(t, calc.UploadPaths["input.in"])
	assert.Equal(t, scriptKey, *calc.UploadPaths["input.in"])
	require.Contains(t, calc.UploadPaths, "results")
	assert.Nil(t, calc.UploadPaths["results"], "null upload path kept as a directory entry")

	require.NotNil(t, calc.Processing, "calcjob created with a processing record")
	assert.Equal(t, core.StepCreated, calc.Processing.Step)
	assert.Equal(t, core.StatePlaying, calc.Processing.State)
}

func TestImport_EmptyDocumentIsNoOp(t *testing.T) {
	ctx := context.Background()
	store, objects := newTestStore(t)

	res, err := Import(ctx, store, objects, []byte(""))
	require.NoError(t, err)
	assert.Empty(t, res.ClientPKs)
	assert.Empty(t, res.CodePKs)
	assert.Empty(t, res.CalcJobPKs)
}

func TestImport_CodeLabelResolvesAcrossImports(t *testing.T) {
	ctx := context.Background()
	store, objects := newTestStore(t)

	_, err := Import(ctx, store, objects, []byte(`
clients:
  - label: daint
    base_url: https://firecrest.example.org
codes:
  - label: echo
    client_label: daint
    script: "echo hi\n"
`))
	require.NoError(t, err)

	res, err := Import(ctx, store, objects, []byte(`
calcjobs:
  - label: run-1
    code_label: echo
`))
	require.NoError(t, err)
	require.Len(t, res.CalcJobPKs, 1)

	calc, err := store.GetCalcJob(ctx, res.CalcJobPKs[0])
	require.NoError(t, err)
	assert.Equal(t, "echo", calc.Code.Label)
}

// ─────────────────────────────────────────────────────────────────────────────
// Rollback and reference errors
// ─────────────────────────────────────────────────────────────────────────────

func TestImport_BadCalcJobRollsBackEverything(t *testing.T) {
	ctx := context.Background()
	store, objects := newTestStore(t)

	_, err := Import(ctx, store, objects, []byte(`
clients:
  - label: daint
    base_url: https://firecrest.example.org
codes:
  - label: echo
    client_label: daint
    script: "echo hi\n"
calcjobs:
  - label: run-1
    code_label: no-such-code
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "calcjobs[0]")
	assert.ErrorIs(t, err, core.ErrNotFound)

	clients, err := store.CountClients(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, clients, "client row rolled back")
	codes, err := store.CountCodes(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, codes, "code row rolled back")
}

func TestImport_UnknownClientLabel(t *testing.T) {
	ctx := context.Background()
	store, objects := newTestStore(t)

	_, err := Import(ctx, store, objects, []byte(`
codes:
  - label: echo
    client_label: ghost
    script: "echo hi\n"
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "codes[0]")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestImport_MissingRefKeys(t *testing.T) {
	ctx := context.Background()
	store, objects := newTestStore(t)

	_, err := Import(ctx, store, objects, []byte(`
codes:
  - label: echo
    script: "echo hi\n"
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "codes[0]: missing client_label")

	_, err = Import(ctx, store, objects, []byte(`
calcjobs:
  - label: run-1
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "calcjobs[0]: missing code_label")
}

func TestImport_UndeclaredObjectLabel(t *testing.T) {
	ctx := context.Background()
	store, objects := newTestStore(t)

	_, err := Import(ctx, store, objects, []byte(`
clients:
  - label: daint
    base_url: https://firecrest.example.org
codes:
  - label: echo
    client_label: daint
    script: "echo hi\n"
    upload_paths:
      input.in: {label: ghost}
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `object "ghost" not declared`)

	clients, err := store.CountClients(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, clients, "client row rolled back with the bad code")
}

func TestImport_KeyNotInStore(t *testing.T) {
	ctx := context.Background()
	store, objects := newTestStore(t)

	_, err := Import(ctx, store, objects, []byte(`
clients:
  - label: daint
    base_url: https://firecrest.example.org
codes:
  - label: echo
    client_label: daint
    script: "echo hi\n"
    upload_paths:
      input.in: {key: deadbeef}
`))
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.Contains(t, err.Error(), `upload path "input.in"`)
}

func TestImport_RefNeedsLabelOrKey(t *testing.T) {
	ctx := context.Background()
	store, objects := newTestStore(t)

	_, err := Import(ctx, store, objects, []byte(`
clients:
  - label: daint
    base_url: https://firecrest.example.org
codes:
  - label: echo
    client_label: daint
    script: "echo hi\n"
    upload_paths:
      input.in: {}
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "needs either label or key")
}

func TestImport_DuplicateLabelRollsBack(t *testing.T) {
	ctx := context.Background()
	store, objects := newTestStore(t)

	_, err := Import(ctx, store, objects, []byte(`
clients:
  - label: daint
    base_url: https://one.example.org
  - label: daint
    base_url: https://two.example.org
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "clients[1]")
	assert.ErrorIs(t, err, core.ErrDuplicateLabel)

	clients, err := store.CountClients(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, clients, "first client rolled back with the duplicate")
}

// ─────────────────────────────────────────────────────────────────────────────
// Objects
// ─────────────────────────────────────────────────────────────────────────────

func TestImport_ObjectContentEncodings(t *testing.T) {
	ctx := context.Background()
	store, objects := newTestStore(t)

	res, err := Import(ctx, store, objects, []byte(`
objects:
  plain:
    content: "hello\n"
  binary:
    content: "AAEC"
    encoding: base64
    extension: bin
`))
	require.NoError(t, err)

	data, err := objects.Get(res.ObjectKeys["plain"])
	require.NoError(t, err)
	assert.Equal(t, []byte("hello\n"), data)
	ext, err := objects.Extension(res.ObjectKeys["plain"])
	require.NoError(t, err)
	assert.Equal(t, "txt", ext, "extension defaults to txt")

	data, err = objects.Get(res.ObjectKeys["binary"])
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 1, 2}, data)
}

func TestImport_ObjectErrors(t *testing.T) {
	ctx := context.Background()
	store, objects := newTestStore(t)

	_, err := Import(ctx, store, objects, []byte(`
objects:
  bad:
    content: "hi"
    encoding: utf16
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `object "bad"`)
	assert.Contains(t, err.Error(), `unsupported content encoding "utf16"`)

	_, err = Import(ctx, store, objects, []byte(`
objects:
  empty: {}
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "needs either content or path")

	_, err = Import(ctx, store, objects, []byte(`
objects:
  missing:
    path: /no/such/file.txt
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `object "missing"`)
}

func TestImport_ExtensionConflictSurfaces(t *testing.T) {
	ctx := context.Background()
	store, objects := newTestStore(t)

	_, err := objects.Put([]byte("same bytes"), "txt")
	require.NoError(t, err)

	_, err = Import(ctx, store, objects, []byte(`
objects:
  clash:
    content: "same bytes"
    extension: sh
`))
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrExtensionConflict)
}

// ─────────────────────────────────────────────────────────────────────────────
// Entry points
// ─────────────────────────────────────────────────────────────────────────────

func TestImportFile(t *testing.T) {
	ctx := context.Background()
	store, objects := newTestStore(t)

	path := filepath.Join(t.TempDir(), "bundle.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
clients:
  - label: daint
    base_url: https://firecrest.example.org
`), 0o644))

	res, err := ImportFile(ctx, store, objects, path)
	require.NoError(t, err)
	assert.Len(t, res.ClientPKs, 1)

	_, err = ImportFile(ctx, store, objects, filepath.Join(t.TempDir(), "nope.yml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read bundle")
}

func TestParse_BadYAML(t *testing.T) {
	_, err := Parse([]byte("clients: {not: a list}"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode bundle")
}
