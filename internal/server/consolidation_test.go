package server

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsolidationWithoutScheduler(t *testing.T) {
	srv := testServer(t)

	for _, tc := range []struct{ method, path string }{
		{"GET", "/api/consolidation"},
		{"POST", "/api/consolidation/run"},
	} {
		w := do(t, srv, tc.method, tc.path, "")
		assert.Equal(t, http.StatusServiceUnavailable, w.Code, "%s %s", tc.method, tc.path)
	}
}

func TestConsolidationRun(t *testing.T) {
	sched := &fakeConsolidator{}
	srv := newTestEnv(t, sched).srv

	w := do(t, srv, "POST", "/api/consolidation/run", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 1, sched.runs)

	var st struct {
		State  string `json:"state"`
		Cycles int    `json:"cycles"`
	}
	decodeBody(t, do(t, srv, "GET", "/api/consolidation", ""), &st)
	assert.Equal(t, "idle", st.State)
	assert.Equal(t, 1, st.Cycles)
}

func TestRunPhase(t *testing.T) {
	srv := testServer(t)
	addRecord(t, srv, "go/context", "Use contexts for cancellation in Go services", 9)

	w := do(t, srv, "POST", "/api/consolidation/phases/fade", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var rep struct {
		Phase    string `json:"phase"`
		Examined int    `json:"examined"`
	}
	decodeBody(t, w, &rep)
	assert.Equal(t, "fade", rep.Phase)
	assert.Equal(t, 1, rep.Examined)

	w = do(t, srv, "POST", "/api/consolidation/phases/dream", "")
	assert.Equal(t, http.StatusBadRequest, w.Code, "unknown phase")
}

func TestReflectionEndpoints(t *testing.T) {
	srv := testServer(t)
	for _, content := range []string{
		"Use contexts for cancellation in Go services",
		"Wrap errors with fmt.Errorf and the %w verb",
		"Goroutines leak when nobody reads their channel",
		"Close channels from the sending side only",
		"Prefer small interfaces defined by the consumer",
	} {
		addRecord(t, srv, "go", content, 9)
	}

	var cands struct {
		Candidates []struct {
			Topic   string `json:"topic"`
			Records int    `json:"records"`
		} `json:"candidates"`
	}
	decodeBody(t, do(t, srv, "GET", "/api/reflections/candidates", ""), &cands)
	require.Len(t, cands.Candidates, 1)
	assert.Equal(t, "go", cands.Candidates[0].Topic)
	assert.Equal(t, 5, cands.Candidates[0].Records)

	w := do(t, srv, "POST", "/api/reflections", `{"topic":"go"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var rec struct {
		Origin      string   `json:"origin"`
		DerivedFrom []string `json:"derived_from"`
	}
	decodeBody(t, w, &rec)
	assert.Equal(t, "reflection", rec.Origin)
	assert.Len(t, rec.DerivedFrom, 5)

	w = do(t, srv, "POST", "/api/reflections", `{"topic":"erlang"}`)
	assert.Equal(t, http.StatusNotFound, w.Code, "unknown topic")
}

func TestDuplicates(t *testing.T) {
	srv := testServer(t)
	addRecord(t, srv, "go", "Use contexts for cancellation in Go services", 9)

	var resp struct {
		Groups   []any `json:"groups"`
		Examined int   `json:"examined"`
	}
	decodeBody(t, do(t, srv, "GET", "/api/duplicates", ""), &resp)
	assert.Empty(t, resp.Groups)
	assert.Equal(t, 1, resp.Examined)
}
