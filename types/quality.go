package types

import "strings"

// QualityOption maps a user-facing label to a target bitrate in kbps
type QualityOption struct {
	Label   string `json:"label"`
	Bitrate int    `json:"bitrate"`
}

// QualitySet is an ordered list of quality options
type QualitySet []QualityOption

// DefaultQualities mirrors the stock HIGH/MEDIUM/LOW ladder
func DefaultQualities() QualitySet {
	return QualitySet{
		{Label: "HIGH", Bitrate: 256},
		{Label: "MEDIUM", Bitrate: 128},
		{Label: "LOW", Bitrate: 64},
	}
}

// Lookup finds an option by label, ignoring case
func (qs QualitySet) Lookup(label string) (QualityOption, bool) {
	for _, q := range qs {
		if strings.EqualFold(q.Label, strings.TrimSpace(label)) {
			return q, true
		}
	}
	return QualityOption{}, false
}

// Labels returns the labels in order
func (qs QualitySet) Labels() []string {
	labels := make([]string, len(qs))
	for i, q := range qs {
		labels[i] = q.Label
	}
	return labels
}
