package domain

const LabelNoneAccident = "none-accident"

// ClassificationResult is the classifier output for one image.
type ClassificationResult struct {
	Label      string    `json:"label"`
	Confidence float64   `json:"confidence"`
	RawScores  []float64 `json:"raw_scores"`
}

type VerdictStatus string

const (
	VerdictValid   VerdictStatus = "valid"
	VerdictInvalid VerdictStatus = "invalid"
)

type VerdictAction string

const (
	ActionAccept    VerdictAction = "accept"
	ActionReject    VerdictAction = "reject"
	ActionUncertain VerdictAction = "uncertain"
)

// Verdict is the fused decision returned to API callers.
type Verdict struct {
	Label      string        `json:"label"`
	Confidence *float64      `json:"confidence,omitempty"`
	Status     VerdictStatus `json:"status"`
	Action     VerdictAction `json:"action"`
	Reason     string        `json:"reason"`
	Caption    string        `json:"caption"`
}
