package toolexec

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInstalledPackagesLowercased(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/packages/installed", r.URL.Path)
		json.NewEncoder(w).Encode(InstalledPackagesResponse{Packages: []string{"numpy", "requests"}})
	}))
	defer srv.Close()

	c := New(srv.URL, ModeAuto, nil)
	resp, err := c.InstalledPackages(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"numpy", "requests"}, resp.Packages)
}

func TestCreateSkillFallsBackToCompatInAutoMode(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if _, ok := body["skill"]; !ok {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(SkillResult{Success: true, Message: "created"})
	}))
	defer srv.Close()

	c := New(srv.URL, ModeAuto, nil)
	result, err := c.CreateSkill(context.Background(), "demo-skill", "desc", "code")
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, 2, calls)
}

func TestCreateSkillModernModeNoFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, ModeModern, nil)
	_, err := c.CreateSkill(context.Background(), "demo-skill", "desc", "code")
	require.Error(t, err)
}
