package recurrence

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/courier-ops/courier/internal/shared"
)

func serveRecurrences(h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandlerApprovalFlow(t *testing.T) {
	r := chi.NewRouter()
	NewHandler(nil, NewService(newMemoryRepo(), nil, nil)).MountRoutes(r)

	body := `{"workflow_id":"` + shared.NewWorkflowID().String() + `","approvers_required":2,"interval_seconds":3600}`
	res := serveRecurrences(r, http.MethodPost, "/recurrences", body)
	require.Equal(t, http.StatusCreated, res.Code, res.Body.String())
	var created recurrenceResponse
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &created))
	require.Equal(t, StateQuorumPending, created.State)
	require.Equal(t, int64(3600), created.IntervalSeconds)

	approve := func(user shared.UserID) recurrenceResponse {
		res := serveRecurrences(r, http.MethodPost, "/recurrences/"+created.ID.String()+"/approvals", `{"user_id":"`+user.String()+`"}`)
		require.Equal(t, http.StatusOK, res.Code, res.Body.String())
		var out recurrenceResponse
		require.NoError(t, json.Unmarshal(res.Body.Bytes(), &out))
		return out
	}
	u1, u2 := shared.NewUserID(), shared.NewUserID()
	require.Len(t, approve(u1).Approvers, 1)
	require.Len(t, approve(u1).Approvers, 1)
	final := approve(u2)
	require.Len(t, final.Approvers, 2)
	require.Equal(t, StateDueAndApproved, final.State)

	res = serveRecurrences(r, http.MethodGet, "/recurrences", "")
	require.Equal(t, http.StatusOK, res.Code)
	var list []recurrenceResponse
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &list))
	require.Len(t, list, 1)
}

func TestHandlerRecurrenceErrors(t *testing.T) {
	r := chi.NewRouter()
	NewHandler(nil, NewService(newMemoryRepo(), nil, nil)).MountRoutes(r)

	both := `{"workflow_id":"` + shared.NewWorkflowID().String() + `","interval_seconds":60,"cron":"@hourly"}`
	res := serveRecurrences(r, http.MethodPost, "/recurrences", both)
	require.Equal(t, http.StatusBadRequest, res.Code)

	res = serveRecurrences(r, http.MethodGet, "/recurrences/"+shared.NewRecurrenceID().String(), "")
	require.Equal(t, http.StatusNotFound, res.Code)

	res = serveRecurrences(r, http.MethodPost, "/recurrences/"+shared.NewRecurrenceID().String()+"/approvals", `{"user_id":"`+shared.NewUserID().String()+`"}`)
	require.Equal(t, http.StatusNotFound, res.Code)
}
