package runs

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/courier-ops/courier/internal/shared"
	"github.com/courier-ops/courier/internal/workflow"
)

func (f *fixture) router() http.Handler {
	r := chi.NewRouter()
	NewHandler(nil, f.svc).MountRoutes(r)
	return r
}

func serveRuns(h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandlerInvokeForbidden(t *testing.T) {
	f := newFixture(t, newStep("a"))
	body := `{"user_id":"` + shared.NewUserID().String() + `"}`

	rec := serveRuns(f.router(), http.MethodPost, "/workflows/"+f.workflowID.String()+"/invoke", body)
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Empty(t, f.repo.execs)
}

func TestHandlerInvokeThenComplete(t *testing.T) {
	f := newFixture(t, newStep("a"), newStep("b", "a"))
	user := shared.NewUserID()
	f.allow(user)
	h := f.router()

	rec := serveRuns(h, http.MethodPost, "/workflows/"+f.workflowID.String()+"/invoke", `{"user_id":"`+user.String()+`"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var started executionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &started))
	require.Equal(t, workflow.Progress{"a": workflow.StepDispatched}, started.Progress)
	require.Len(t, started.Dispatched, 1)

	rec = serveRuns(h, http.MethodPost, "/executions/"+started.ID.String()+"/steps/b/complete", "")
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = serveRuns(h, http.MethodPost, "/executions/"+started.ID.String()+"/steps/a/complete", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var advanced executionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &advanced))
	require.Equal(t, workflow.StepCompleted, advanced.Progress["a"])
	require.Equal(t, workflow.StepDispatched, advanced.Progress["b"])

	rec = serveRuns(h, http.MethodGet, "/executions/"+started.ID.String(), "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"b":"dispatched"`)
}

func TestHandlerUnknownExecution(t *testing.T) {
	f := newFixture(t, newStep("a"))

	rec := serveRuns(f.router(), http.MethodGet, "/executions/"+shared.NewExecutionID().String(), "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = serveRuns(f.router(), http.MethodPost, "/executions/"+shared.NewExecutionID().String()+"/steps/a/complete", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}
