package tests

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hermit-sh/hermit/internal/api/http/dto"
)

func TestMachineEnrollment(t *testing.T, router *gin.Engine) {
	tokens := loginUser(t, router, "machines@example.com")

	t.Run("create returns one-time token", func(t *testing.T) {
		rr := doJSONWithAuth(router, "POST", "/api/machines", dto.CreateMachineRequest{Name: "laptop"}, tokens.AccessToken)
		assert.Equal(t, http.StatusCreated, rr.Code)

		var resp dto.CreateMachineResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.True(t, strings.HasPrefix(resp.Token, "hmt_"), "token %q lacks prefix", resp.Token)
		assert.Equal(t, "laptop", resp.Machine.Name)
		assert.False(t, resp.Machine.Online)
		assert.NotEmpty(t, resp.Machine.ID)
	})

	t.Run("duplicate name", func(t *testing.T) {
		rr := doJSONWithAuth(router, "POST", "/api/machines", dto.CreateMachineRequest{Name: "laptop"}, tokens.AccessToken)
		assert.Equal(t, http.StatusConflict, rr.Code)
	})

	t.Run("list", func(t *testing.T) {
		rr := doJSONWithAuth(router, "GET", "/api/machines", nil, tokens.AccessToken)
		assert.Equal(t, http.StatusOK, rr.Code)

		var resp dto.ListMachinesResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		require.Len(t, resp.Machines, 1)
		assert.Equal(t, "laptop", resp.Machines[0].Name)
	})

	t.Run("get", func(t *testing.T) {
		rr := doJSONWithAuth(router, "GET", "/api/machines", nil, tokens.AccessToken)
		require.Equal(t, http.StatusOK, rr.Code)
		var list dto.ListMachinesResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
		require.NotEmpty(t, list.Machines)

		rr = doJSONWithAuth(router, "GET", "/api/machines/"+list.Machines[0].ID, nil, tokens.AccessToken)
		assert.Equal(t, http.StatusOK, rr.Code)
	})

	t.Run("other users machines are invisible", func(t *testing.T) {
		rr := doJSONWithAuth(router, "GET", "/api/machines", nil, tokens.AccessToken)
		require.Equal(t, http.StatusOK, rr.Code)
		var list dto.ListMachinesResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
		require.NotEmpty(t, list.Machines)

		other := loginUser(t, router, "othermachines@example.com")
		rr = doJSONWithAuth(router, "GET", "/api/machines/"+list.Machines[0].ID, nil, other.AccessToken)
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("unauthenticated", func(t *testing.T) {
		rr := doJSON(router, "GET", "/api/machines", nil)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})
}
