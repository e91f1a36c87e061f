package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/mux"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/memlab/memsim/memutils"
	"github.com/memlab/memsim/memutils/region"
	"github.com/memlab/memsim/sim"
	"golang.org/x/exp/slog"
)

// processColorCount is the number of display color classes the front end cycles through.
const processColorCount = 7

// ProcessColor assigns a consistent display color class to a process id.
func ProcessColor(id region.ProcessID) string {
	return fmt.Sprintf("process-color-%d", int(id)%processColorCount)
}

// Handler is the thin request adapter in front of a SimulationState. It validates and
// decodes request primitives, invokes exactly one engine operation, and writes back the
// scheme's serialized state. All simulation semantics live in the engine.
type Handler struct {
	state  *sim.SimulationState
	logger *slog.Logger
	router *mux.Router
}

// NewHandler builds the HTTP surface for the provided simulation state.
func NewHandler(state *sim.SimulationState, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		state:  state,
		logger: logger,
		router: mux.NewRouter(),
	}

	api := h.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/contiguous/allocate", h.allocateContiguous).Methods(http.MethodPost)
	api.HandleFunc("/contiguous/deallocate", h.deallocate(state.Contiguous())).Methods(http.MethodPost)
	api.HandleFunc("/contiguous/reset", h.resetContiguous).Methods(http.MethodPost)
	api.HandleFunc("/paging/allocate", h.allocatePaging).Methods(http.MethodPost)
	api.HandleFunc("/paging/deallocate", h.deallocate(state.Paging())).Methods(http.MethodPost)
	api.HandleFunc("/paging/reset", h.resetPaging).Methods(http.MethodPost)
	api.HandleFunc("/segmentation/allocate", h.allocateSegmentation).Methods(http.MethodPost)
	api.HandleFunc("/segmentation/deallocate", h.deallocate(state.Segmentation())).Methods(http.MethodPost)
	api.HandleFunc("/segmentation/reset", h.resetSegmentation).Methods(http.MethodPost)
	api.HandleFunc("/status", h.status).Methods(http.MethodGet)

	return h
}

// status reports usage statistics per scheme plus a combined summary.
func (h *Handler) status(w http.ResponseWriter, _ *http.Request) {
	writer := jwriter.NewWriter()
	obj := writer.Object()
	obj.Name("success").Bool(true)

	var combined memutils.DetailedStatistics
	combined.Clear()

	schemesObj := obj.Name("schemes").Object()
	for _, scheme := range h.state.Schemes() {
		var stats memutils.DetailedStatistics
		stats.Clear()
		scheme.AddDetailedStatistics(&stats)
		combined.AddDetailedStatistics(&stats)

		schemeObj := schemesObj.Name(scheme.Name()).Object()
		statisticsJson(&schemeObj, &stats)
		schemeObj.End()
	}
	schemesObj.End()

	combinedObj := obj.Name("combined").Object()
	statisticsJson(&combinedObj, &combined)
	combinedObj.Name("pressure").String(memoryPressureStatus(&combined))
	combinedObj.End()

	obj.End()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(writer.Bytes())
}

func statisticsJson(obj *jwriter.ObjectState, stats *memutils.DetailedStatistics) {
	obj.Name("processCount").Int(stats.ProcessCount)
	obj.Name("allocationCount").Int(stats.AllocationCount)
	obj.Name("totalBytes").Int(stats.TotalBytes)
	obj.Name("allocationBytes").Int(stats.AllocationBytes)
	obj.Name("freeRegionCount").Int(stats.FreeRegionCount)
	// The largest free region bounds the biggest request that can still
	// succeed without a reset, so surface it even when counts look healthy.
	obj.Name("largestFreeRegion").Int(stats.FreeRegionSizeMax)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h.router.ServeHTTP(w, req)
}

type allocateContiguousRequest struct {
	ProcessSize int    `json:"processSize"`
	Strategy    string `json:"strategy"`
}

type allocatePagingRequest struct {
	ProcessSize int `json:"processSize"`
}

type allocateSegmentationRequest struct {
	SegmentSizes []int `json:"segmentSizes"`
}

type deallocateRequest struct {
	ProcessID int `json:"processId"`
}

type resetRequest struct {
	MemorySize *int `json:"memorySize"`
	PageSize   *int `json:"pageSize"`
}

func (h *Handler) allocateContiguous(w http.ResponseWriter, req *http.Request) {
	var body allocateContiguousRequest
	if !h.decode(w, req, &body) {
		return
	}
	if err := memutils.CheckPositive(body.ProcessSize, "processSize"); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	strategy, err := sim.ParseStrategy(body.Strategy)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	id, err := h.state.Contiguous().Allocate(body.ProcessSize, strategy)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	h.writeState(w, h.state.Contiguous(), &id)
}

func (h *Handler) allocatePaging(w http.ResponseWriter, req *http.Request) {
	var body allocatePagingRequest
	if !h.decode(w, req, &body) {
		return
	}
	if err := memutils.CheckPositive(body.ProcessSize, "processSize"); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	id, err := h.state.Paging().Allocate(body.ProcessSize)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	h.writeState(w, h.state.Paging(), &id)
}

func (h *Handler) allocateSegmentation(w http.ResponseWriter, req *http.Request) {
	var body allocateSegmentationRequest
	if !h.decode(w, req, &body) {
		return
	}
	if len(body.SegmentSizes) == 0 {
		h.writeError(w, http.StatusBadRequest, errors.New("segmentSizes must not be empty"))
		return
	}
	for _, size := range body.SegmentSizes {
		if err := memutils.CheckPositive(size, "segment size"); err != nil {
			h.writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	id, err := h.state.Segmentation().Allocate(body.SegmentSizes)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	h.writeState(w, h.state.Segmentation(), &id)
}

func (h *Handler) deallocate(scheme sim.Scheme) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var body deallocateRequest
		if !h.decode(w, req, &body) {
			return
		}

		removed := scheme.Deallocate(region.ProcessID(body.ProcessID))
		if !removed {
			h.logger.Debug("deallocate of unknown process ignored",
				slog.String("scheme", scheme.Name()),
				slog.Int("processId", body.ProcessID),
			)
		}

		h.writeState(w, scheme, nil)
	}
}

func (h *Handler) resetContiguous(w http.ResponseWriter, req *http.Request) {
	var body resetRequest
	if !h.decode(w, req, &body) {
		return
	}
	memorySize, ok := h.memorySize(w, body)
	if !ok {
		return
	}

	h.state.Contiguous().Reset(memorySize)
	h.writeState(w, h.state.Contiguous(), nil)
}

func (h *Handler) resetPaging(w http.ResponseWriter, req *http.Request) {
	var body resetRequest
	if !h.decode(w, req, &body) {
		return
	}
	memorySize, ok := h.memorySize(w, body)
	if !ok {
		return
	}

	pageSize := sim.DefaultFrameSize
	if body.PageSize != nil {
		pageSize = *body.PageSize
	}

	h.state.Paging().Reset(memorySize, pageSize)
	h.writeState(w, h.state.Paging(), nil)
}

func (h *Handler) resetSegmentation(w http.ResponseWriter, req *http.Request) {
	var body resetRequest
	if !h.decode(w, req, &body) {
		return
	}
	memorySize, ok := h.memorySize(w, body)
	if !ok {
		return
	}

	h.state.Segmentation().Reset(memorySize)
	h.writeState(w, h.state.Segmentation(), nil)
}

func (h *Handler) memorySize(w http.ResponseWriter, body resetRequest) (int, bool) {
	if body.MemorySize == nil {
		return sim.DefaultMemorySize, true
	}
	if err := memutils.CheckPositive(*body.MemorySize, "memorySize"); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return 0, false
	}

	return *body.MemorySize, true
}

func (h *Handler) decode(w http.ResponseWriter, req *http.Request, out any) bool {
	payload, err := io.ReadAll(req.Body)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, errors.Wrap(err, "unable to read request body"))
		return false
	}

	err = json.Unmarshal(payload, out)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, errors.Wrap(err, "unable to unmarshal request body"))
		return false
	}

	return true
}

// writeState writes the canonical success envelope: a success flag, the allocated
// process's id and display color when one was just created, and the scheme's full state.
func (h *Handler) writeState(w http.ResponseWriter, scheme sim.Scheme, allocated *region.ProcessID) {
	writer := jwriter.NewWriter()
	obj := writer.Object()
	obj.Name("success").Bool(true)
	if allocated != nil {
		obj.Name("processId").Int(int(*allocated))
		obj.Name("color").String(ProcessColor(*allocated))
	}

	stateObj := obj.Name("state").Object()
	scheme.StateJson(&stateObj)
	stateObj.End()
	obj.End()

	if err := writer.Error(); err != nil {
		h.writeError(w, http.StatusInternalServerError, errors.Wrap(err, "unable to serialize scheme state"))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if n, err := w.Write(writer.Bytes()); err != nil {
		h.logger.Error("error writing response", slog.Int("bytesWritten", n), slog.Any("err", err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, statusCode int, err error) {
	if statusCode >= http.StatusInternalServerError {
		h.logger.Error("request failed", slog.Any("err", err))
	} else {
		h.logger.Debug("request rejected", slog.Any("err", err))
	}

	writer := jwriter.NewWriter()
	obj := writer.Object()
	obj.Name("success").Bool(false)
	obj.Name("message").String(err.Error())
	obj.End()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(writer.Bytes())
}

// memoryPressureStatus classifies overall usage for the status summary.
func memoryPressureStatus(stats *memutils.DetailedStatistics) string {
	if stats.TotalBytes == 0 || stats.AllocationBytes*2 < stats.TotalBytes {
		return "ok"
	}
	return "high"
}
