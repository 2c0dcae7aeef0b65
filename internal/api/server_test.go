package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Conclave/internal/courier"
	"Conclave/internal/delegation"
	"Conclave/internal/event"
	"Conclave/internal/event/eventtest"
	"Conclave/internal/exchange"
	"Conclave/internal/group"
	"Conclave/internal/kel"
	"Conclave/internal/lifecycle"
	"Conclave/internal/metrics"
	"Conclave/internal/opmon"
	"Conclave/internal/pending"
	"Conclave/internal/storage"
	"Conclave/internal/witness"
)

// discard accepts every delivery.
type discard struct {
	mu sync.Mutex
	n  int
}

func (d *discard) Deliver(context.Context, courier.Message) error {
	d.mu.Lock()
	d.n++
	d.mu.Unlock()

	return nil
}

// newTestServer wires a server over an in-memory agent.
func newTestServer(t *testing.T) (*Server, http.Handler) {
	t.Helper()

	db, err := storage.NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ex, err := exchange.New(db)
	require.NoError(t, err)

	out := &discard{}
	d := courier.NewDispatcher(out, 2)
	t.Cleanup(d.Close)

	reg := kel.New(db)
	mon := opmon.New(db)
	set := pending.NewSet(db)
	col := metrics.New()
	mon.SetObserver(col)

	groups := group.New(group.Config{Registry: reg, Monitor: mon, Pending: set.Group, Exchanges: ex, Courier: out})
	receipter := witness.New(db, reg, mon, set.Witness, d)
	approver := delegation.New(reg, mon, set.Delegation, d)
	requests := delegation.NewRequests(db, reg, d)

	s := New(Config{
		Addr:      ":0",
		Registry:  reg,
		Groups:    groups,
		Monitor:   mon,
		Receipter: receipter,
		Approver:  approver,
		Requests:  requests,
		Metrics:   col,
		Lifecycle: lifecycle.New(lifecycle.Config{
			Registry:   reg,
			Groups:     groups,
			Witness:    receipter,
			Delegation: approver,
			Requests:   requests,
			Monitor:    mon,
			Pending:    set,
		}),
	})

	return s, s.Handler()
}

// do sends body as JSON and returns the recorder.
func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()

	h.ServeHTTP(w, req)

	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()

	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())

	return v
}

func bundle(name string, ev *event.Event, sigs []string) map[string]any {
	b := map[string]any{"event": ev.Fields(), "signatures": sigs}
	if name != "" {
		b["name"] = name
	}

	return b
}

func TestHealthEndpoint(t *testing.T) {
	_, h := newTestServer(t)

	w := do(t, h, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	resp := decodeBody[map[string]string](t, w)
	assert.Equal(t, "ok", resp["status"])
}

func TestInceptAndRotateFinal(t *testing.T) {
	_, h := newTestServer(t)

	icp := eventtest.Incept(t, eventtest.Inception{Seed: 1})

	w := do(t, h, http.MethodPost, "/identifiers", bundle("alice", icp, eventtest.Sigs(t, 0)))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, icp.Said(), decodeBody[map[string]any](t, w)["d"])

	rot := eventtest.Rotate(t, icp.Prefix(), 1, icp.Said(), eventtest.Rotation{})

	w = do(t, h, http.MethodPut, "/identifiers/alice?type=rot", bundle("", rot, eventtest.Sigs(t, 0)))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, rot.Said(), decodeBody[map[string]any](t, w)["d"])

	w = do(t, h, http.MethodGet, "/identifiers/alice", nil)
	require.Equal(t, http.StatusOK, w.Code)

	hab := decodeBody[kel.Hab](t, w)
	assert.Equal(t, icp.Prefix(), hab.Prefix)
	assert.Equal(t, uint64(1), hab.Sn)

	w = do(t, h, http.MethodGet, "/operations", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decodeBody[[]opmon.Operation](t, w))
}

func TestInceptRejects(t *testing.T) {
	_, h := newTestServer(t)

	icp := eventtest.Incept(t, eventtest.Inception{Seed: 2})

	w := do(t, h, http.MethodPost, "/identifiers", bundle("", icp, eventtest.Sigs(t, 0)))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "name", decodeBody[map[string]string](t, w)["field"])

	w = do(t, h, http.MethodPost, "/identifiers", map[string]any{"name": "alice", "event": icp.Fields()})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "signatures", decodeBody[map[string]string](t, w)["field"])

	w = do(t, h, http.MethodPost, "/identifiers", bundle("alice", icp, []string{"not-a-signature"}))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, h, http.MethodPost, "/identifiers", bundle("alice", icp, eventtest.Sigs(t, 0)))
	require.Equal(t, http.StatusOK, w.Code)

	other := eventtest.Incept(t, eventtest.Inception{Seed: 3})
	w = do(t, h, http.MethodPost, "/identifiers", bundle("alice", other, eventtest.Sigs(t, 0)))
	assert.Equal(t, http.StatusConflict, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/identifiers", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWitnessedInceptionOverHTTP(t *testing.T) {
	_, h := newTestServer(t)

	wits := []string{"BWit1", "BWit2", "BWit3"}
	icp := eventtest.Incept(t, eventtest.Inception{Seed: 4, Witnesses: wits, WitnessThreshold: 2})

	w := do(t, h, http.MethodPost, "/identifiers", bundle("bob", icp, eventtest.Sigs(t, 0)))
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	op := decodeBody[opmon.Operation](t, w)
	assert.Equal(t, opmon.KindWitness, op.Kind)
	assert.Equal(t, opmon.Pending, op.Status)

	for _, wit := range wits {
		w = do(t, h, http.MethodPost, "/receipts", witness.Receipt{Prefix: icp.Prefix(), Sn: 0, Said: icp.Said(), Witness: wit})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}

	w = do(t, h, http.MethodGet, "/operations/"+op.Name, nil)
	require.Equal(t, http.StatusOK, w.Code)

	done := decodeBody[opmon.Operation](t, w)
	assert.Equal(t, opmon.Done, done.Status)

	var artifact struct {
		Event    map[string]any    `json:"event"`
		Receipts []witness.Receipt `json:"receipts"`
	}
	require.NoError(t, json.Unmarshal(done.Response, &artifact))
	assert.Equal(t, icp.Said(), artifact.Event["d"])
	assert.Len(t, artifact.Receipts, 2)

	w = do(t, h, http.MethodGet, "/operations?type=witness", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeBody[[]opmon.Operation](t, w), 1)

	w = do(t, h, http.MethodDelete, "/operations/"+op.Name, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = do(t, h, http.MethodGet, "/operations/"+op.Name, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestReceiptRejects(t *testing.T) {
	_, h := newTestServer(t)

	w := do(t, h, http.MethodPost, "/receipts", map[string]any{"i": "Eunknown", "s": 0, "d": "Esaid"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "witness", decodeBody[map[string]string](t, w)["field"])

	w = do(t, h, http.MethodPost, "/receipts", witness.Receipt{Prefix: "Eunknown", Said: "Esaid", Witness: "BWit1"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDelegatedInceptionAnchored(t *testing.T) {
	_, h := newTestServer(t)

	dip := eventtest.Incept(t, eventtest.Inception{Seed: 5, Delegator: "EDelegator"})

	w := do(t, h, http.MethodPost, "/identifiers", bundle("dave", dip, eventtest.Sigs(t, 0)))
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	op := decodeBody[opmon.Operation](t, w)
	assert.Equal(t, opmon.KindDelegation, op.Kind)

	seal := event.Seal{Prefix: dip.Prefix(), Sn: 0, Digest: dip.Said()}
	ixn := eventtest.Interact(t, "EDelegator", 4, "Eprior", seal.Map())

	w = do(t, h, http.MethodPost, "/anchors", map[string]any{"event": ixn.Fields()})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	ops := decodeBody[[]opmon.Operation](t, w)
	require.Len(t, ops, 1)
	assert.Equal(t, opmon.Done, ops[0].Status)
	assert.Equal(t, op.Name, ops[0].Name)
}

func TestDelegationRejected(t *testing.T) {
	_, h := newTestServer(t)

	dip := eventtest.Incept(t, eventtest.Inception{Seed: 6, Delegator: "EDelegator"})

	w := do(t, h, http.MethodPost, "/identifiers", bundle("dave", dip, eventtest.Sigs(t, 0)))
	require.Equal(t, http.StatusAccepted, w.Code)

	w = do(t, h, http.MethodPost, "/anchors/reject", map[string]any{"i": dip.Prefix(), "s": 0, "reason": "unknown delegate"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	op := decodeBody[opmon.Operation](t, w)
	assert.Equal(t, opmon.Failed, op.Status)
	require.NotNil(t, op.Error)
	assert.Equal(t, http.StatusForbidden, op.Error.Code)
}

func TestUpdateRejects(t *testing.T) {
	_, h := newTestServer(t)

	icp := eventtest.Incept(t, eventtest.Inception{Seed: 7})
	require.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/identifiers", bundle("alice", icp, eventtest.Sigs(t, 0))).Code)

	ixn := eventtest.Interact(t, icp.Prefix(), 1, icp.Said())

	w := do(t, h, http.MethodPut, "/identifiers/alice?type=bogus", bundle("", ixn, eventtest.Sigs(t, 0)))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "type", decodeBody[map[string]string](t, w)["field"])

	w = do(t, h, http.MethodPut, "/identifiers/nobody", bundle("", ixn, eventtest.Sigs(t, 0)))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, h, http.MethodPut, "/identifiers/alice", bundle("", ixn, eventtest.Sigs(t, 0)))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	other := eventtest.Interact(t, icp.Prefix(), 1, icp.Said(), map[string]any{"x": "y"})
	w = do(t, h, http.MethodPut, "/identifiers/alice?type=ixn", bundle("", other, eventtest.Sigs(t, 0)))
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestRemoveIdentifier(t *testing.T) {
	_, h := newTestServer(t)

	icp := eventtest.Incept(t, eventtest.Inception{Seed: 8})
	require.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/identifiers", bundle("alice", icp, eventtest.Sigs(t, 0))).Code)

	w := do(t, h, http.MethodGet, "/identifiers", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeBody[[]kel.Hab](t, w), 1)

	assert.Equal(t, http.StatusNoContent, do(t, h, http.MethodDelete, "/identifiers/alice", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/identifiers/alice", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodDelete, "/identifiers/alice", nil).Code)
}

func TestGroupInceptionRequiresParticipant(t *testing.T) {
	_, h := newTestServer(t)

	member := eventtest.Incept(t, eventtest.Inception{Seed: 9})
	require.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/identifiers", bundle("alice", member, eventtest.Sigs(t, 0))).Code)

	keys := append(member.Keys(), eventtest.Keys(t, 50, 1)...)
	icp := eventtest.Incept(t, eventtest.Inception{Keys: keys, Threshold: 2})

	body := bundle("pair", icp, eventtest.Sigs(t, 0))
	body["memberHab"] = map[string]any{"name": "alice"}
	body["memberKeys"] = member.Keys()
	body["memberNextDigests"] = member.NextDigests()
	body["signingMemberIds"] = []string{"EBob", "ECarol"}
	body["rotationMemberIds"] = []string{}

	w := do(t, h, http.MethodPost, "/identifiers", body)
	assert.Equal(t, http.StatusForbidden, w.Code, w.Body.String())

	body["signingMemberIds"] = []string{member.Prefix(), "EBob"}

	w = do(t, h, http.MethodPost, "/identifiers", body)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	op := decodeBody[opmon.Operation](t, w)
	assert.Equal(t, opmon.KindGroup, op.Kind)
	assert.Equal(t, icp.Prefix(), op.Prefix)

	delete(body, "memberKeys")
	w = do(t, h, http.MethodPost, "/identifiers", body)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "memberKeys", decodeBody[map[string]string](t, w)["field"])
}

func TestMultisigRoutes(t *testing.T) {
	_, h := newTestServer(t)

	w := do(t, h, http.MethodGet, "/multisig/request/Enever", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	icp := eventtest.Incept(t, eventtest.Inception{Seed: 10})
	require.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/identifiers", bundle("alice", icp, eventtest.Sigs(t, 0))).Code)

	exn := eventtest.Exchange(t, icp.Prefix(), "/multisig/ixn", map[string]any{"gid": "Egroup"}, nil)

	w = do(t, h, http.MethodPost, "/identifiers/alice/multisig/request", map[string]any{"exn": exn.Fields(), "sigs": eventtest.Sigs(t, 0)})
	assert.Equal(t, http.StatusBadRequest, w.Code, "alice is not a group")

	w = do(t, h, http.MethodPost, "/identifiers/alice/multisig/request", map[string]any{"exn": exn.Fields()})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "sigs", decodeBody[map[string]string](t, w)["field"])
}

func TestMetricsEndpoint(t *testing.T) {
	_, h := newTestServer(t)

	dip := eventtest.Incept(t, eventtest.Inception{Seed: 11, Witnesses: []string{"BWit1"}, WitnessThreshold: 1})
	require.Equal(t, http.StatusAccepted, do(t, h, http.MethodPost, "/identifiers", bundle("bob", dip, eventtest.Sigs(t, 0))).Code)

	w := do(t, h, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `conclave_operations_submitted_total{kind="witness"} 1`)
	assert.Contains(t, w.Body.String(), "conclave_http_request_duration_seconds")
}
