package ui

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/chrisjsewell/fireflow/pkg/core"
	"github.com/chrisjsewell/fireflow/pkg/storage"
)

func newTestStore(t *testing.T) *storage.GormStorage {
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
	return store
}

// seed creates one client, one code and n calcjobs, all at step created.
func seed(t *testing.T, store *storage.GormStorage, n int) []*core.CalcJob {
	t.Helper()
	ctx := context.Background()

	client := &core.Client{
		Label:        "daint",
		BaseURL:      "https://firecrest.example.org",
		ClientSecret: "sekret",
		WorkDir:      "/scratch/user",
	}
	require.NoError(t, store.CreateClient(ctx, client))

	code := &core.Code{Label: "echo", ClientPK: client.PK, Script: "echo hi\n"}
	require.NoError(t, store.CreateCode(ctx, code))

	calcs := make([]*core.CalcJob, 0, n)
	for i := 0; i < n; i++ {
		calc := &core.CalcJob{
			Label:      fmt.Sprintf("run-%d", i),
			CodePK:     code.PK,
			Parameters: map[string]any{"message": "hello"},
		}
		require.NoError(t, store.CreateCalcJob(ctx, calc))
		calcs = append(calcs, calc)
	}
	return calcs
}

// setStep moves a calcjob's processing record directly, bypassing the
// step-order guard; fixtures only.
func setStep(t *testing.T, store *storage.GormStorage, pk uint, step core.Step) {
	t.Helper()
	err := store.DB().Model(&core.Processing{}).
		Where("calc_job_pk = ?", pk).
		Updates(map[string]any{"step": string(step), "state": string(core.StateForStep(step))}).Error
	require.NoError(t, err)
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, req)
	return rw
}

func decode[T any](t *testing.T, rw *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rw.Body.Bytes(), &v), "decode %s", rw.Body.String())
	return v
}

// ─────────────────────────────────────────────────────────────────────────────
// Routes
// ─────────────────────────────────────────────────────────────────────────────

func TestHandler_Index(t *testing.T) {
	h := Handler(newTestStore(t))

	rw := get(t, h, "/")
	require.Equal(t, http.StatusOK, rw.Code)
	assert.Contains(t, rw.Body.String(), "fireflow")
	assert.Contains(t, rw.Body.String(), "/api/v1/status")
}

func TestStatus_CountsByStateAndStep(t *testing.T) {
	store := newTestStore(t)
	calcs := seed(t, store, 3)
	setStep(t, store, calcs[0].PK, core.StepFinished)
	setStep(t, store, calcs[1].PK, core.StepExcepted)

	rw := get(t, Handler(store), "/api/v1/status")
	require.Equal(t, http.StatusOK, rw.Code)
	assert.Equal(t, "application/json", rw.Header().Get("Content-Type"))

	resp := decode[statusResponse](t, rw)
	assert.EqualValues(t, 1, resp.Clients)
	assert.EqualValues(t, 1, resp.Codes)
	assert.EqualValues(t, 3, resp.CalcJobs)
	assert.EqualValues(t, 1, resp.ByState["playing"])
	assert.EqualValues(t, 1, resp.ByState["finished"])
	assert.EqualValues(t, 1, resp.ByState["excepted"])
	assert.EqualValues(t, 1, resp.ByStep["created"])
	assert.EqualValues(t, 1, resp.ByStep["finished"])
}

func TestListCalcJobs_Unfiltered(t *testing.T) {
	store := newTestStore(t)
	seed(t, store, 3)

	rw := get(t, Handler(store), "/api/v1/calcjobs")
	require.Equal(t, http.StatusOK, rw.Code)

	resp := decode[calcJobList](t, rw)
	assert.EqualValues(t, 3, resp.Total)
	require.Len(t, resp.Items, 3)
	assert.Equal(t, "run-0", resp.Items[0].Label)
	assert.Equal(t, "created", resp.Items[0].Step)
	assert.Equal(t, "playing", resp.Items[0].State)
	assert.Equal(t, 1, resp.Page)
}

func TestListCalcJobs_WhereFilter(t *testing.T) {
	store := newTestStore(t)
	calcs := seed(t, store, 3)
	setStep(t, store, calcs[2].PK, core.StepFinished)

	target := "/api/v1/calcjobs?" + url.Values{
		"where": {"state == 'finished'"},
	}.Encode()
	rw := get(t, Handler(store), target)
	require.Equal(t, http.StatusOK, rw.Code)

	resp := decode[calcJobList](t, rw)
	assert.EqualValues(t, 1, resp.Total)
	require.Len(t, resp.Items, 1)
	assert.Equal(t, calcs[2].PK, resp.Items[0].PK)
}

func TestListCalcJobs_BadFilterIs400(t *testing.T) {
	store := newTestStore(t)
	seed(t, store, 1)

	target := "/api/v1/calcjobs?" + url.Values{
		"where": {"nope == 'x'"},
	}.Encode()
	rw := get(t, Handler(store), target)
	require.Equal(t, http.StatusBadRequest, rw.Code)

	resp := decode[errorResponse](t, rw)
	assert.Contains(t, resp.Error, "invalid filter")
	assert.Contains(t, resp.Error, "nope")
}

func TestListCalcJobs_Pagination(t *testing.T) {
	store := newTestStore(t)
	seed(t, store, 5)

	rw := get(t, Handler(store), "/api/v1/calcjobs?page=2&pageSize=2")
	require.Equal(t, http.StatusOK, rw.Code)

	resp := decode[calcJobList](t, rw)
	assert.EqualValues(t, 5, resp.Total)
	require.Len(t, resp.Items, 2)
	assert.Equal(t, "run-2", resp.Items[0].Label, "second page starts at the third row")
	assert.Equal(t, 2, resp.Page)
	assert.Equal(t, 2, resp.PageSize)
}

func TestGetCalcJob_Detail(t *testing.T) {
	store := newTestStore(t)
	calcs := seed(t, store, 1)

	rw := get(t, Handler(store), fmt.Sprintf("/api/v1/calcjobs/%d", calcs[0].PK))
	require.Equal(t, http.StatusOK, rw.Code)

	resp := decode[calcJobDetail](t, rw)
	assert.Equal(t, calcs[0].PK, resp.PK)
	assert.Equal(t, "run-0", resp.Label)
	assert.NotEmpty(t, resp.UUID)
	assert.Equal(t, "hello", resp.Parameters["message"])
	assert.Equal(t, "created", resp.Step)
}

func TestGetCalcJob_NeverExposesClientSecret(t *testing.T) {
	store := newTestStore(t)
	calcs := seed(t, store, 1)

	rw := get(t, Handler(store), fmt.Sprintf("/api/v1/calcjobs/%d", calcs[0].PK))
	require.Equal(t, http.StatusOK, rw.Code)
	assert.NotContains(t, rw.Body.String(), "sekret")
}

func TestGetCalcJob_Missing(t *testing.T) {
	store := newTestStore(t)

	rw := get(t, Handler(store), "/api/v1/calcjobs/999")
	require.Equal(t, http.StatusNotFound, rw.Code)

	resp := decode[errorResponse](t, rw)
	assert.Contains(t, resp.Error, "not found")
}

func TestGetCalcJob_BadPK(t *testing.T) {
	store := newTestStore(t)

	rw := get(t, Handler(store), "/api/v1/calcjobs/abc")
	require.Equal(t, http.StatusBadRequest, rw.Code)
}

func TestHandler_Middleware(t *testing.T) {
	store := newTestStore(t)

	var seen []string
	mw := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = append(seen, r.URL.Path)
			next.ServeHTTP(w, r)
		})
	}

	rw := get(t, Handler(store, WithMiddleware(mw)), "/api/v1/status")
	require.Equal(t, http.StatusOK, rw.Code)
	assert.Equal(t, []string{"/api/v1/status"}, seen)
}
