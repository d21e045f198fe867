package detector

import "time"

type PromptKind string

const (
	KindYesNo             PromptKind = "yes_no"
	KindNumberedSelection PromptKind = "numbered"
	KindBinarySelection   PromptKind = "binary"
	KindTrustWorkspace    PromptKind = "trust_workspace"
	KindContinuation      PromptKind = "continuation"
	KindLogin             PromptKind = "login"
	KindUnknown           PromptKind = "unknown"
)

func (k PromptKind) Valid() bool {
	switch k {
	case KindYesNo, KindNumberedSelection, KindBinarySelection,
		KindTrustWorkspace, KindContinuation, KindLogin, KindUnknown:
		return true
	}
	return false
}

// Option is one selectable answer. Index is 0-based even when the source
// prompt numbers from 1.
type Option struct {
	Index int    `json:"index"`
	Label string `json:"label"`
}

type Prompt struct {
	Kind        PromptKind `json:"kind"`
	Raw         string     `json:"raw"`
	Options     []Option   `json:"options,omitempty"`
	Fingerprint string     `json:"fingerprint"`
	DetectedAt  time.Time  `json:"detectedAt"`
	PaneTarget  string     `json:"paneTarget,omitempty"`
}
