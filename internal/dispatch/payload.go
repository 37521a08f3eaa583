// Package dispatch delivers a completed submission to the downstream
// authentication report endpoint.
package dispatch

import (
	"time"

	"reportwatch/internal/artifact"
)

// Multipart field names understood by the report endpoint.
const (
	FieldDate             = "date"
	FieldAction           = "action"
	FieldDoor             = "door"
	FieldDetails          = "details"
	FieldWiegandID        = "wiegand_id"
	FieldUserEnrollmentID = "user_enrollment_id"

	FileAuthPhoto   = "auth_photo"
	FileEnrollPhoto = "enroll_photo"
)

const dateLayout = "2006-01-02T15:04:05Z"

// Profile carries the endpoint and the fixed report labels.
type Profile struct {
	URL              string
	Action           string
	Door             string
	Details          string
	WiegandID        string
	UserEnrollmentID string
}

// DefaultProfile returns the labels used when configuration leaves them unset.
func DefaultProfile() Profile {
	return Profile{
		Action:           "ALLOWED",
		Door:             "Door 1A",
		Details:          "Some description",
		WiegandID:        "0293204",
		UserEnrollmentID: "1",
	}
}

// File names an artifact on disk. The client opens it when sending.
type File struct {
	Path string
}

// Payload is assembled once per completed directory and consumed once.
type Payload struct {
	Fields map[string]string
	Files  map[string]File
}

// BuildPayload stamps now in UTC and attaches the auth and enroll artifacts.
func BuildPayload(profile Profile, set artifact.Set, now time.Time) Payload {
	payload := Payload{
		Fields: map[string]string{
			FieldDate:             now.UTC().Format(dateLayout),
			FieldAction:           profile.Action,
			FieldDoor:             profile.Door,
			FieldDetails:          profile.Details,
			FieldWiegandID:        profile.WiegandID,
			FieldUserEnrollmentID: profile.UserEnrollmentID,
		},
		Files: make(map[string]File, 2),
	}
	if set.Auth != "" {
		payload.Files[FileAuthPhoto] = File{Path: set.Auth}
	}
	if set.Enroll != "" {
		payload.Files[FileEnrollPhoto] = File{Path: set.Enroll}
	}
	return payload
}
