package dto

import (
	"time"

	"incident-detector-service/internal/core/domain"
)

// ============================================================================
// Response DTOs
// ============================================================================

// PredictionResponse is the verdict returned by POST /predict
type PredictionResponse struct {
	Label      string   `json:"label"`
	Confidence *float64 `json:"confidence,omitempty"`
	Status     string   `json:"status"`
	Action     string   `json:"action"`
	Reason     string   `json:"reason"`
	Caption    string   `json:"caption"`
}

// SyncReportResponse describes one artifact sync
type SyncReportResponse struct {
	Artifact   string `json:"artifact"`
	LocalPath  string `json:"local_path"`
	RemotePath string `json:"remote_path"`
	Outcome    string `json:"outcome"`
	Reason     string `json:"reason,omitempty"`
}

// SyncResponse wraps every artifact's report
type SyncResponse struct {
	Artifacts []SyncReportResponse `json:"artifacts"`
	Failed    int                  `json:"failed"`
}

// TensorResponse describes one model tensor
type TensorResponse struct {
	Name     string  `json:"name"`
	Shape    []int64 `json:"shape"`
	DataType string  `json:"datatype"`
}

// ModelStatusResponse is the lifecycle snapshot returned by GET /admin/model
type ModelStatusResponse struct {
	Loaded     bool             `json:"loaded"`
	LoadedAt   *time.Time       `json:"loaded_at,omitempty"`
	Labels     []string         `json:"labels"`
	Inputs     []TensorResponse `json:"inputs,omitempty"`
	Outputs    []TensorResponse `json:"outputs,omitempty"`
	Digest     string           `json:"digest,omitempty"`
	Loads      int64            `json:"loads"`
	Generation uint64           `json:"generation"`
	LastError  string           `json:"last_error,omitempty"`
}

// ============================================================================
// Mappers
// ============================================================================

func ToPredictionResponse(v *domain.Verdict) PredictionResponse {
	return PredictionResponse{
		Label:      v.Label,
		Confidence: v.Confidence,
		Status:     string(v.Status),
		Action:     string(v.Action),
		Reason:     v.Reason,
		Caption:    v.Caption,
	}
}

func ToSyncResponse(reports []domain.SyncReport) SyncResponse {
	resp := SyncResponse{Artifacts: make([]SyncReportResponse, 0, len(reports))}
	for _, r := range reports {
		if r.Outcome.Status == domain.SyncFailed {
			resp.Failed++
		}
		resp.Artifacts = append(resp.Artifacts, SyncReportResponse{
			Artifact:   r.Artifact.Key,
			LocalPath:  r.Artifact.LocalPath,
			RemotePath: r.Artifact.RemotePath,
			Outcome:    string(r.Outcome.Status),
			Reason:     r.Outcome.Reason,
		})
	}
	return resp
}

func ToModelStatusResponse(st domain.ModelStatus) ModelStatusResponse {
	resp := ModelStatusResponse{
		Loaded:     st.Loaded,
		LoadedAt:   st.LoadedAt,
		Labels:     st.Labels,
		Digest:     st.Digest,
		Loads:      st.Loads,
		Generation: st.Generation,
		LastError:  st.LastError,
	}
	if resp.Labels == nil {
		resp.Labels = []string{}
	}
	if st.Schema != nil {
		resp.Inputs = toTensorResponses(st.Schema.Inputs)
		resp.Outputs = toTensorResponses(st.Schema.Outputs)
	}
	return resp
}

func toTensorResponses(specs []domain.TensorSpec) []TensorResponse {
	out := make([]TensorResponse, 0, len(specs))
	for _, s := range specs {
		out = append(out, TensorResponse{Name: s.Name, Shape: s.Shape, DataType: string(s.DataType)})
	}
	return out
}
