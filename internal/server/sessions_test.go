package server

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startSession(t *testing.T, srv *Server) string {
	t.Helper()
	w := do(t, srv, "POST", "/api/sessions", `{"topic":"go/concurrency","goal":"understand channels"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var sess struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	decodeBody(t, w, &sess)
	require.Equal(t, "active", sess.Status)
	return sess.ID
}

func TestSessionLifecycle(t *testing.T) {
	srv := testServer(t)
	id := startSession(t, srv)

	w := do(t, srv, "POST", "/api/sessions/"+id+"/notes", `{"content":"Goroutines leak when nobody reads their channel","quality":9}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var note struct {
		Buffered bool `json:"buffered"`
		Preview  struct {
			Admit bool `json:"admit"`
		} `json:"preview"`
	}
	decodeBody(t, w, &note)
	assert.True(t, note.Buffered)
	assert.True(t, note.Preview.Admit)

	w = do(t, srv, "POST", "/api/sessions/"+id+"/notes", `{"content":"channels are neat","quality":4}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = do(t, srv, "POST", "/api/sessions/"+id+"/checkpoints", `{"topic":"channels","understanding":4,"sources_verified":true}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = do(t, srv, "GET", "/api/sessions/"+id, "")
	var sess struct {
		Notes       []any `json:"notes"`
		Checkpoints []any `json:"checkpoints"`
	}
	decodeBody(t, w, &sess)
	assert.Len(t, sess.Notes, 2)
	assert.Len(t, sess.Checkpoints, 1)

	w = do(t, srv, "POST", "/api/sessions/"+id+"/consolidate", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res struct {
		Session struct {
			Status  string `json:"status"`
			Summary struct {
				Admitted int `json:"admitted"`
				Rejected int `json:"rejected"`
			} `json:"summary"`
		} `json:"session"`
		Outcomes []struct {
			Status   string `json:"status"`
			RecordID string `json:"record_id"`
		} `json:"outcomes"`
	}
	decodeBody(t, w, &res)
	assert.Equal(t, "closed", res.Session.Status)
	assert.Equal(t, 1, res.Session.Summary.Admitted)
	assert.Equal(t, 1, res.Session.Summary.Rejected)
	require.Len(t, res.Outcomes, 2)
	require.NotEmpty(t, res.Outcomes[0].RecordID)

	w = do(t, srv, "GET", "/api/records/"+res.Outcomes[0].RecordID, "")
	assert.Equal(t, http.StatusOK, w.Code, "admitted note stored")

	w = do(t, srv, "POST", "/api/sessions/"+id+"/notes", `{"content":"too late","quality":9}`)
	assert.Equal(t, http.StatusConflict, w.Code, "note on closed session")
}

func TestSessionValidation(t *testing.T) {
	srv := testServer(t)

	w := do(t, srv, "POST", "/api/sessions", `{"topic":"  "}`)
	assert.Equal(t, http.StatusBadRequest, w.Code, "blank topic")
	w = do(t, srv, "GET", "/api/sessions/01HZZZZZZZZZZZZZZZZZZZZZZZ", "")
	assert.Equal(t, http.StatusNotFound, w.Code, "unknown session")
	for _, body := range []string{
		`{"topic":"go","duration_min":-5}`,
		`{"topic":"go","duration_min":0.5}`,
		`{"topic":"go","duration_min":100000}`,
	} {
		w = do(t, srv, "POST", "/api/sessions", body)
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
	}

	id := startSession(t, srv)
	w = do(t, srv, "POST", "/api/sessions/"+id+"/checkpoints", `{"topic":"channels","understanding":9}`)
	assert.Equal(t, http.StatusBadRequest, w.Code, "understanding out of range")
}

func TestSessionTimeCheck(t *testing.T) {
	srv := testServer(t)

	w := do(t, srv, "POST", "/api/sessions", `{"topic":"go/sched","duration_min":45}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var sess struct {
		ID      string        `json:"id"`
		Planned time.Duration `json:"planned_duration"`
	}
	decodeBody(t, w, &sess)
	assert.Equal(t, 45*time.Minute, sess.Planned)

	w = do(t, srv, "GET", "/api/sessions/"+sess.ID+"/time", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var tc struct {
		Planned         time.Duration `json:"planned_duration"`
		Remaining       time.Duration `json:"remaining"`
		ProgressPercent float64       `json:"progress_percent"`
		TargetReached   bool          `json:"target_reached"`
	}
	decodeBody(t, w, &tc)
	assert.Equal(t, 45*time.Minute, tc.Planned)
	assert.Greater(t, tc.Remaining, 44*time.Minute)
	assert.Less(t, tc.ProgressPercent, 1.0)
	assert.False(t, tc.TargetReached)

	w = do(t, srv, "GET", "/api/sessions/01HZZZZZZZZZZZZZZZZZZZZZZZ/time", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListSessions(t *testing.T) {
	srv := testServer(t)
	startSession(t, srv)
	closed := startSession(t, srv)
	do(t, srv, "POST", "/api/sessions/"+closed+"/consolidate", "")

	var resp struct {
		Count int `json:"count"`
	}
	decodeBody(t, do(t, srv, "GET", "/api/sessions?status=active", ""), &resp)
	assert.Equal(t, 1, resp.Count, "active sessions")
	decodeBody(t, do(t, srv, "GET", "/api/sessions", ""), &resp)
	assert.Equal(t, 2, resp.Count, "all sessions")
}
