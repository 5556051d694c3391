package calls

import "time"

// Call is one video session with a single host.
//
// Status is monotonic: once completed it never returns to active.
// The call id doubles as the provider session key and the invite link token.
type Call struct {
	ID     string  `json:"id" db:"id"`
	HostID string  `json:"host_id" db:"host_id"`
	Name   *string `json:"name" db:"name"`
	Status Status  `json:"status" db:"status"`

	// Provisioned records whether the provider session is known to exist.
	// It is internal bookkeeping for lazy provisioning and is not part of the API shape.
	Provisioned bool `json:"-" db:"provisioned"`

	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty" db:"ended_at"`
}

const untitledCallName = "Untitled Video Call"

// DisplayName is the label shown to participants.
func (c Call) DisplayName() string {
	if c.Name == nil || *c.Name == "" {
		return untitledCallName
	}
	return *c.Name
}

func (c Call) IsCompleted() bool {
	return c.Status == StatusCompleted
}

type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"

	// StatusProcessing is reserved for post-call work. Nothing produces it and the
	// store refuses to write it.
	StatusProcessing Status = "processing"
)

// Participant is a join record, unique per (call, user).
type Participant struct {
	CallID   string    `json:"call_id" db:"call_id"`
	UserID   string    `json:"user_id" db:"user_id"`
	JoinedAt time.Time `json:"joined_at" db:"joined_at"`
}

// ParticipantView is a participant joined with the user directory.
// Name and Image are empty when no profile is known.
type ParticipantView struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	Image  string `json:"image"`
}

// User is the directory entry used for participant display.
type User struct {
	ID    string `json:"id" db:"id"`
	Name  string `json:"name" db:"name"`
	Image string `json:"image" db:"image"`
}

// Requester is the authenticated caller of a lifecycle operation.
type Requester struct {
	ID    string
	Name  string
	Image string
}

func (r Requester) user() User {
	return User{ID: r.ID, Name: r.Name, Image: r.Image}
}

// AccessToken is a provider join credential scoped to one call and user.
type AccessToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}
