package httpapi_test

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/memlab/memsim/httpapi"
	"github.com/memlab/memsim/sim"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"
)

func newTestHandler(t *testing.T) *httpapi.Handler {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard))
	return httpapi.NewHandler(sim.New(logger, sim.CreateOptions{}), logger)
}

func post(t *testing.T, handler http.Handler, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	return decoded
}

func TestAllocateContiguousEndpoint(t *testing.T) {
	handler := newTestHandler(t)

	rec := post(t, handler, "/api/contiguous/allocate", `{"processSize": 300, "strategy": "firstFit"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	decoded := decodeResponse(t, rec)
	require.Equal(t, true, decoded["success"])
	require.Equal(t, float64(0), decoded["processId"])
	require.Equal(t, "process-color-0", decoded["color"])

	state := decoded["state"].(map[string]any)
	require.Equal(t, float64(1024), state["memory_size"])
	memory := state["memory"].([]any)
	require.Len(t, memory, 2)
	first := memory[0].(map[string]any)
	require.Equal(t, "allocated", first["status"])
	require.Equal(t, float64(300), first["size"])
}

func TestAllocateContiguousRejectsBadInput(t *testing.T) {
	handler := newTestHandler(t)

	rec := post(t, handler, "/api/contiguous/allocate", `{"processSize": 0, "strategy": "firstFit"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	decoded := decodeResponse(t, rec)
	require.Equal(t, false, decoded["success"])

	rec = post(t, handler, "/api/contiguous/allocate", `{"processSize": 10, "strategy": "quickestFit"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = post(t, handler, "/api/contiguous/allocate", `not json`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAllocateContiguousInsufficientMemory(t *testing.T) {
	handler := newTestHandler(t)

	rec := post(t, handler, "/api/contiguous/allocate", `{"processSize": 4096, "strategy": "bestFit"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	decoded := decodeResponse(t, rec)
	require.Equal(t, false, decoded["success"])
	require.Contains(t, decoded["message"], "4096")
}

func TestDeallocateEndpointIsIdempotent(t *testing.T) {
	handler := newTestHandler(t)

	rec := post(t, handler, "/api/contiguous/allocate", `{"processSize": 100, "strategy": "firstFit"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = post(t, handler, "/api/contiguous/deallocate", `{"processId": 0}`)
	require.Equal(t, http.StatusOK, rec.Code)
	decoded := decodeResponse(t, rec)
	require.Equal(t, true, decoded["success"])

	// A second deallocate of the same id still succeeds with unchanged state.
	rec = post(t, handler, "/api/contiguous/deallocate", `{"processId": 0}`)
	require.Equal(t, http.StatusOK, rec.Code)
	decoded = decodeResponse(t, rec)
	state := decoded["state"].(map[string]any)
	memory := state["memory"].([]any)
	require.Len(t, memory, 1)
}

func TestResetContiguousEndpoint(t *testing.T) {
	handler := newTestHandler(t)

	rec := post(t, handler, "/api/contiguous/allocate", `{"processSize": 100, "strategy": "firstFit"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = post(t, handler, "/api/contiguous/reset", `{"memorySize": 2048}`)
	require.Equal(t, http.StatusOK, rec.Code)

	decoded := decodeResponse(t, rec)
	state := decoded["state"].(map[string]any)
	require.Equal(t, float64(2048), state["memory_size"])
	require.Len(t, state["memory"].([]any), 1)
	require.Equal(t, float64(0), state["process_id_counter"])

	// Omitting memorySize falls back to the default.
	rec = post(t, handler, "/api/contiguous/reset", `{}`)
	require.Equal(t, http.StatusOK, rec.Code)
	decoded = decodeResponse(t, rec)
	state = decoded["state"].(map[string]any)
	require.Equal(t, float64(1024), state["memory_size"])

	rec = post(t, handler, "/api/contiguous/reset", `{"memorySize": -5}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAllocatePagingEndpoint(t *testing.T) {
	handler := newTestHandler(t)

	rec := post(t, handler, "/api/paging/allocate", `{"processSize": 40}`)
	require.Equal(t, http.StatusOK, rec.Code)

	decoded := decodeResponse(t, rec)
	state := decoded["state"].(map[string]any)
	require.Equal(t, float64(16), state["page_size"])
	require.Len(t, state["frames"].([]any), 64)

	processes := state["processes"].([]any)
	require.Len(t, processes, 1)
	pageTable := processes[0].(map[string]any)["pageTable"].([]any)
	require.Len(t, pageTable, 3)
}

func TestResetPagingEndpoint(t *testing.T) {
	handler := newTestHandler(t)

	rec := post(t, handler, "/api/paging/reset", `{"memorySize": 512, "pageSize": 32}`)
	require.Equal(t, http.StatusOK, rec.Code)

	decoded := decodeResponse(t, rec)
	state := decoded["state"].(map[string]any)
	require.Equal(t, float64(32), state["page_size"])
	require.Len(t, state["frames"].([]any), 16)
}

func TestAllocateSegmentationEndpointAtomicFailure(t *testing.T) {
	handler := newTestHandler(t)

	rec := post(t, handler, "/api/segmentation/allocate", `{"segmentSizes": [100, 5000]}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	decoded := decodeResponse(t, rec)
	require.Equal(t, false, decoded["success"])
	require.Contains(t, decoded["message"], "5000")

	// The failure left no partial claim behind.
	rec = post(t, handler, "/api/segmentation/deallocate", `{"processId": 0}`)
	require.Equal(t, http.StatusOK, rec.Code)
	decoded = decodeResponse(t, rec)
	state := decoded["state"].(map[string]any)
	require.Len(t, state["memory"].([]any), 1)
	require.Empty(t, state["processes"])
}

func TestAllocateSegmentationEndpoint(t *testing.T) {
	handler := newTestHandler(t)

	rec := post(t, handler, "/api/segmentation/allocate", `{"segmentSizes": [100, 50]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	decoded := decodeResponse(t, rec)
	state := decoded["state"].(map[string]any)
	processes := state["processes"].([]any)
	require.Len(t, processes, 1)
	segments := processes[0].(map[string]any)["segments"].([]any)
	require.Len(t, segments, 2)

	rec = post(t, handler, "/api/segmentation/allocate", `{"segmentSizes": [10, -1]}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = post(t, handler, "/api/segmentation/allocate", `{"segmentSizes": []}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMethodNotAllowed(t *testing.T) {
	handler := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/api/contiguous/allocate", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestStatusEndpoint(t *testing.T) {
	handler := newTestHandler(t)

	rec := post(t, handler, "/api/paging/allocate", `{"processSize": 40}`)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = post(t, handler, "/api/contiguous/allocate", `{"processSize": 300, "strategy": "firstFit"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	statusRec := httptest.NewRecorder()
	handler.ServeHTTP(statusRec, req)
	require.Equal(t, http.StatusOK, statusRec.Code)

	decoded := decodeResponse(t, statusRec)
	schemes := decoded["schemes"].(map[string]any)
	paging := schemes["paging"].(map[string]any)
	require.Equal(t, float64(1), paging["processCount"])
	require.Equal(t, float64(3), paging["allocationCount"])
	require.Equal(t, float64(16), paging["largestFreeRegion"])

	contiguous := schemes["contiguous"].(map[string]any)
	require.Equal(t, float64(724), contiguous["largestFreeRegion"])

	// The combined view keeps the widest hole across schemes: the untouched
	// segmentation space still has all 1024 bytes in one region.
	combined := decoded["combined"].(map[string]any)
	require.Equal(t, float64(1024), combined["largestFreeRegion"])
	require.Equal(t, "ok", combined["pressure"])
}

func TestProcessColorCycles(t *testing.T) {
	require.Equal(t, "process-color-0", httpapi.ProcessColor(0))
	require.Equal(t, "process-color-6", httpapi.ProcessColor(6))
	require.Equal(t, "process-color-0", httpapi.ProcessColor(7))
	require.Equal(t, "process-color-3", httpapi.ProcessColor(10))
}
