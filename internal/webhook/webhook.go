// Package webhook interprets provider push notifications. It verifies the
// HMAC-SHA256 signature GitHub attaches to webhook deliveries and extracts
// the repository, branch, and head commit from the push payload.
//
// The interpreter is a pure parser: it does not know which services are
// configured. Matching the extracted (repository, branch) pair to a service
// is the caller's job.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Signature header format: "sha256=<hex digest>".
const signaturePrefix = "sha256="

// Error kinds surfaced to the HTTP layer. BadSignature maps to 401,
// everything else to 400.
var (
	ErrEmptyBody    = errors.New("request body is empty")
	ErrBadSignature = errors.New("webhook signature mismatch")
	ErrBadJSON      = errors.New("payload is not valid JSON")
)

// BadShapeError reports a structurally invalid payload: a required field is
// missing or has the wrong type.
type BadShapeError struct {
	Field  string
	Reason string
}

func (e *BadShapeError) Error() string {
	return fmt.Sprintf("invalid payload: field %q %s", e.Field, e.Reason)
}

// Push is the interpreted content of a provider push payload.
type Push struct {
	Repository    string // "owner/repo"
	Branch        string // ref with "refs/heads/" stripped
	CommitSHA     string // head commit, empty if the payload had no commits
	CommitMessage string
}

// VerifySignature checks the X-Hub-Signature-256 header against the HMAC of
// the raw request body under secret. An empty secret disables verification
// and accepts everything. The comparison is constant time.
func VerifySignature(body []byte, signatureHeader, secret string) bool {
	if secret == "" {
		return true
	}
	if !strings.HasPrefix(signatureHeader, signaturePrefix) {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(strings.TrimPrefix(signatureHeader, signaturePrefix)))
}

// pushPayload mirrors the subset of the GitHub push event we read.
// json.RawMessage keeps repository untyped until we know it is an object.
type pushPayload struct {
	Ref        string          `json:"ref"`
	Repository json.RawMessage `json:"repository"`
	Commits    []pushCommit    `json:"commits"`
}

type pushRepository struct {
	FullName string    `json:"full_name"`
	Name     string    `json:"name"`
	Owner    pushOwner `json:"owner"`
}

type pushOwner struct {
	Login string `json:"login"`
	Name  string `json:"name"`
}

type pushCommit struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

// Interpret parses a raw push payload. It returns ErrBadJSON for malformed
// JSON and *BadShapeError for structurally invalid payloads (missing
// repository object, missing or non-branch ref).
func Interpret(body []byte) (*Push, error) {
	if len(body) == 0 {
		return nil, ErrEmptyBody
	}

	var payload pushPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBadJSON, err)
	}

	if len(payload.Repository) == 0 || string(payload.Repository) == "null" {
		return nil, &BadShapeError{Field: "repository", Reason: "is missing"}
	}
	var repo pushRepository
	if err := json.Unmarshal(payload.Repository, &repo); err != nil {
		return nil, &BadShapeError{Field: "repository", Reason: "is not an object"}
	}

	fullName := repo.FullName
	if fullName == "" {
		// Some providers omit full_name; reconstruct it from owner + name.
		owner := repo.Owner.Login
		if owner == "" {
			owner = repo.Owner.Name
		}
		if owner != "" && repo.Name != "" {
			fullName = owner + "/" + repo.Name
		}
	}
	if fullName == "" {
		return nil, &BadShapeError{Field: "repository.full_name", Reason: "cannot be derived"}
	}

	if payload.Ref == "" {
		return nil, &BadShapeError{Field: "ref", Reason: "is missing"}
	}
	if !strings.HasPrefix(payload.Ref, "refs/heads/") {
		return nil, &BadShapeError{Field: "ref", Reason: fmt.Sprintf("%q is not a branch ref", payload.Ref)}
	}

	push := &Push{
		Repository: fullName,
		Branch:     strings.TrimPrefix(payload.Ref, "refs/heads/"),
	}

	// GitHub lists commits oldest first; the last entry is the head.
	if n := len(payload.Commits); n > 0 {
		push.CommitSHA = payload.Commits[n-1].ID
		push.CommitMessage = payload.Commits[n-1].Message
	}

	return push, nil
}
