package access

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

func newTestRouter(repo RepositoryPort) http.Handler {
	r := chi.NewRouter()
	NewHandler(nil, newTestService(repo, nil)).MountRoutes(r)
	return r
}

func doRequest(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandlerAccessRuleLifecycle(t *testing.T) {
	h := newTestRouter(newMemoryRepo())
	pkg, user := shared.NewPackageID(), shared.NewUserID()
	body := `{"package_id":"` + pkg.String() + `","user_id":"` + user.String() + `"}`
	check := "/access/rules/check?package_id=" + pkg.String() + "&user_id=" + user.String()

	rec := doRequest(t, h, http.MethodPost, "/access/rules", body)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doRequest(t, h, http.MethodGet, check, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"authorized":true}`, rec.Body.String())

	rec = doRequest(t, h, http.MethodDelete, "/access/rules", body)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doRequest(t, h, http.MethodGet, check, "")
	require.JSONEq(t, `{"authorized":false}`, rec.Body.String())
}

func TestHandlerRejectsMalformedIDs(t *testing.T) {
	h := newTestRouter(newMemoryRepo())

	rec := doRequest(t, h, http.MethodPost, "/access/rules", `{"package_id":"nope","user_id":"nope"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "package_id")

	rec = doRequest(t, h, http.MethodGet, "/privileges/check?package_id=bad", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerPrivilegeDeduplication(t *testing.T) {
	h := newTestRouter(newMemoryRepo())
	a, b := shared.NewPackageID(), shared.NewPackageID()
	granter := shared.NewUserID()

	grant := func(pkg shared.PackageID) map[string]any {
		body := `{"access_requirement":"root on db hosts","package_ids":["` + pkg.String() + `"],"granter_id":"` + granter.String() + `"}`
		rec := doRequest(t, h, http.MethodPost, "/privileges", body)
		require.Equal(t, http.StatusOK, rec.Code)
		var out map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
		return out
	}
	first := grant(a)
	second := grant(b)
	require.Equal(t, first["id"], second["id"])
	require.Len(t, second["package_ids"], 2)

	rec := doRequest(t, h, http.MethodGet, "/privileges", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)

	rec = doRequest(t, h, http.MethodGet, "/privileges/check?package_id="+b.String(), "")
	require.JSONEq(t, `{"privileged":true}`, rec.Body.String())
}

func TestHandlerRevokeUnknownPrivilege(t *testing.T) {
	h := newTestRouter(newMemoryRepo())
	body := `{"access_requirement":"never granted","revoker_id":"` + shared.NewUserID().String() + `"}`

	rec := doRequest(t, h, http.MethodDelete, "/privileges", body)
	require.Equal(t, http.StatusNotFound, rec.Code)
}
