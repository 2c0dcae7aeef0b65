package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Conclave/internal/event/eventtest"
	"Conclave/internal/kerr"
	"Conclave/internal/opmon"
)

func serve(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	return NewClient(srv.URL)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func TestInceptFinal(t *testing.T) {
	icp := eventtest.Incept(t, eventtest.Inception{Seed: 1})

	c := serve(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/identifiers", r.URL.Path)

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "alice", body["name"])
		assert.Len(t, body["signatures"], 1)

		writeJSON(w, http.StatusOK, icp)
	})

	res, err := c.Incept(context.Background(), "alice", icp, eventtest.Sigs(t, 0))
	require.NoError(t, err)
	require.True(t, res.Final())
	assert.Equal(t, icp.Said(), res.Event.Said())
}

func TestRotatePending(t *testing.T) {
	rot := eventtest.Rotate(t, "Eprefix", 1, "Eprior", eventtest.Rotation{})
	op := opmon.Operation{Name: "witness.Eprefix.1", Kind: opmon.KindWitness, Prefix: "Eprefix", Status: opmon.Pending}

	c := serve(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/identifiers/alice", r.URL.Path)
		assert.Equal(t, "rot", r.URL.Query().Get("type"))

		writeJSON(w, http.StatusAccepted, op)
	})

	res, err := c.Rotate(context.Background(), "alice", rot, eventtest.Sigs(t, 0))
	require.NoError(t, err)
	require.False(t, res.Final())
	assert.Equal(t, op.Name, res.Operation.Name)
}

func TestAPIErrorUnwraps(t *testing.T) {
	c := serve(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/identifiers/nobody":
			writeJSON(w, http.StatusNotFound, map[string]string{"error": kerr.NotFound("identifier %q", "nobody").Error()})
		default:
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": kerr.Missing("name").Error(), "field": "name"})
		}
	})

	_, err := c.Identifier(context.Background(), "nobody")
	assert.ErrorIs(t, err, kerr.ErrNotFound)

	_, err = c.Incept(context.Background(), "", eventtest.Incept(t, eventtest.Inception{Seed: 2}), eventtest.Sigs(t, 0))

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Equal(t, "name", apiErr.Field)
	assert.ErrorIs(t, err, kerr.ErrMalformedRequest)
}

func TestWaitPollsUntilTerminal(t *testing.T) {
	var calls atomic.Int32

	c := serve(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/operations/group.Eg.0", r.URL.Path)

		status := opmon.Pending
		if calls.Add(1) >= 3 {
			status = opmon.Done
		}

		writeJSON(w, http.StatusOK, opmon.Operation{Name: "group.Eg.0", Status: status})
	})

	op, err := c.Wait(context.Background(), "group.Eg.0", time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, opmon.Done, op.Status)
	assert.Equal(t, int32(3), calls.Load())
}

func TestWaitGivesUpWithContext(t *testing.T) {
	c := serve(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, opmon.Operation{Name: "witness.Eb.0", Status: opmon.Pending})
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	op, err := c.Wait(ctx, "witness.Eb.0", 5*time.Millisecond)
	assert.ErrorIs(t, err, ErrStillPending)
	require.NotNil(t, op)
	assert.Equal(t, opmon.Pending, op.Status)
}

func TestRemoveNoContent(t *testing.T) {
	c := serve(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusNoContent)
	})

	assert.NoError(t, c.Remove(context.Background(), "alice"))
	assert.NoError(t, c.RemoveOperation(context.Background(), "witness.Eb.0"))
}

func TestNewClientAddsScheme(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:3901", NewClient("127.0.0.1:3901").baseURL)
	assert.Equal(t, "https://agent.example", NewClient("https://agent.example/").baseURL)
}
