package access

import "testing"

func privateFile(owner string, permitted ...string) FileDescriptor {
	set := make(map[string]struct{}, len(permitted))
	for _, user := range permitted {
		set[user] = struct{}{}
	}
	return FileDescriptor{
		FileID:      "file-1",
		OwnerUserID: owner,
		Visibility:  VisibilityPrivate,
		Permitted:   set,
	}
}

func TestAuthorize(t *testing.T) {
	tests := []struct {
		name      string
		file      FileDescriptor
		requester Requester
		allowed   bool
		reason    Reason
	}{
		{
			name:      "public file allows any user",
			file:      FileDescriptor{FileID: "file-1", OwnerUserID: "owner", Visibility: VisibilityPublic},
			requester: Requester{UserID: "stranger"},
			allowed:   true,
			reason:    ReasonPublic,
		},
		{
			name:      "private file allows owner",
			file:      privateFile("owner"),
			requester: Requester{UserID: "owner"},
			allowed:   true,
			reason:    ReasonOwner,
		},
		{
			name:      "private file allows permitted user",
			file:      privateFile("owner", "friend"),
			requester: Requester{UserID: "friend"},
			allowed:   true,
			reason:    ReasonPermitted,
		},
		{
			name:      "private file allows admin",
			file:      privateFile("owner"),
			requester: Requester{UserID: "ops", IsAdmin: true},
			allowed:   true,
			reason:    ReasonAdmin,
		},
		{
			name:      "private file denies everyone else",
			file:      privateFile("owner", "friend"),
			requester: Requester{UserID: "stranger"},
			allowed:   false,
			reason:    ReasonNotPermitted,
		},
		{
			name:      "empty user ID is denied even for public files",
			file:      FileDescriptor{FileID: "file-1", Visibility: VisibilityPublic},
			requester: Requester{},
			allowed:   false,
			reason:    ReasonUnknownUser,
		},
		{
			name:      "unknown visibility denies",
			file:      FileDescriptor{FileID: "file-1", OwnerUserID: "owner", Visibility: "SECRET"},
			requester: Requester{UserID: "owner"},
			allowed:   false,
			reason:    ReasonBadVisibility,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			decision := Authorize(tc.file, tc.requester)
			if decision.Allowed != tc.allowed {
				t.Fatalf("Allowed = %v, want %v", decision.Allowed, tc.allowed)
			}
			if decision.Reason != tc.reason {
				t.Fatalf("Reason = %q, want %q", decision.Reason, tc.reason)
			}
		})
	}
}

func TestAuthorizeIsDeterministic(t *testing.T) {
	file := privateFile("owner", "friend")
	requester := Requester{UserID: "friend"}

	first := Authorize(file, requester)
	for i := 0; i < 100; i++ {
		if got := Authorize(file, requester); got != first {
			t.Fatalf("decision changed between evaluations: %+v vs %+v", got, first)
		}
	}
}
