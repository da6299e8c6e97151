package models

import "strings"

// UpdateProfileSignalsRequest is sent by the profile service whenever the
// completeness of a profile changes. Nil fields are left as they are.
type UpdateProfileSignalsRequest struct {
	HasPhoto   *bool `json:"has_photo"`
	HasBio     *bool `json:"has_bio"`
	HasPrompts *bool `json:"has_prompts"`
}

// Apply merges the request into existing signals.
func (r *UpdateProfileSignalsRequest) Apply(p ProfileSignals) ProfileSignals {
	if r.HasPhoto != nil {
		p.HasPhoto = *r.HasPhoto
	}
	if r.HasBio != nil {
		p.HasBio = *r.HasBio
	}
	if r.HasPrompts != nil {
		p.HasPrompts = *r.HasPrompts
	}
	return p
}

// VisibilityResponse is what discovery and messaging consumers read.
type VisibilityResponse struct {
	AccountID   string            `json:"account_id"`
	State       VerificationState `json:"state"`
	Weight      float64           `json:"weight"`
	CanInteract bool              `json:"can_interact"`
}

// ScreenPhotoRequest asks for a stored profile photo to be screened.
type ScreenPhotoRequest struct {
	PhotoURI string `json:"photo_uri"`
}

func (r *ScreenPhotoRequest) Validate() map[string]string {
	errors := make(map[string]string)
	if !strings.HasPrefix(r.PhotoURI, "gs://") {
		errors["photo_uri"] = "Photo URI must be a gs:// object"
	}
	return errors
}

// PhotoScreenResult is the outcome of a profile photo screen.
type PhotoScreenResult struct {
	Flagged bool     `json:"flagged"`
	Reasons []string `json:"reasons,omitempty"`
}
