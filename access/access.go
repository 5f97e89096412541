// Package access decides whether a user may download a shared file. Decisions
// are pure functions of the file descriptor and the requesting user: the same
// inputs always produce the same answer, and evaluation performs no I/O.
package access

// Visibility classifies who may download a shared file.
type Visibility string

const (
	// VisibilityPublic allows any authenticated user.
	VisibilityPublic Visibility = "PUBLIC"
	// VisibilityPrivate restricts downloads to the owner, explicitly
	// permitted users, and admins.
	VisibilityPrivate Visibility = "PRIVATE"
)

// FileDescriptor is the access-relevant view of a shared file.
type FileDescriptor struct {
	FileID      string
	OwnerUserID string
	Visibility  Visibility
	// Permitted holds the user IDs granted access to a private file.
	Permitted map[string]struct{}
}

// Requester identifies the user asking to download.
type Requester struct {
	UserID  string
	IsAdmin bool
}

// Reason explains a decision.
type Reason string

const (
	ReasonPublic        Reason = "public_file"
	ReasonOwner         Reason = "owner"
	ReasonPermitted     Reason = "explicitly_permitted"
	ReasonAdmin         Reason = "admin_override"
	ReasonNotPermitted  Reason = "not_permitted"
	ReasonUnknownUser   Reason = "unknown_user"
	ReasonBadVisibility Reason = "unknown_visibility"
)

// Decision is the outcome of one authorization check.
type Decision struct {
	Allowed bool
	Reason  Reason
}

// Authorize evaluates whether requester may download file.
//
// Public files are downloadable by any authenticated user. Private files are
// downloadable only by their owner, users in the permitted set, and admins.
// An unrecognized visibility denies, so a corrupted descriptor can never
// widen access.
func Authorize(file FileDescriptor, requester Requester) Decision {
	if requester.UserID == "" {
		return Decision{Allowed: false, Reason: ReasonUnknownUser}
	}

	switch file.Visibility {
	case VisibilityPublic:
		return Decision{Allowed: true, Reason: ReasonPublic}
	case VisibilityPrivate:
		if requester.UserID == file.OwnerUserID {
			return Decision{Allowed: true, Reason: ReasonOwner}
		}
		if _, ok := file.Permitted[requester.UserID]; ok {
			return Decision{Allowed: true, Reason: ReasonPermitted}
		}
		if requester.IsAdmin {
			return Decision{Allowed: true, Reason: ReasonAdmin}
		}
		return Decision{Allowed: false, Reason: ReasonNotPermitted}
	default:
		return Decision{Allowed: false, Reason: ReasonBadVisibility}
	}
}
