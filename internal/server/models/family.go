package models

import "time"

// Family is a registry entry: where a family's pod file lives. It holds no
// family data.
type Family struct {
	ID          string    `json:"-"`
	Provider    string    `json:"provider"`
	FileID      string    `json:"fileId,omitempty"`
	DisplayPath string    `json:"displayPath"`
	FamilyName  string    `json:"familyName"`
	UpdatedAt   time.Time `json:"updatedAt"`
}
