package access

import "fmt"

type (
	// Intent is a closed set of allow-list commands. The unexported
	// marker method prevents types outside this package from satisfying it.
	Intent interface {
		intent()
		String() string
	}

	GrantIntent  struct{ Target UserID }
	RevokeIntent struct{ Target UserID }
	ListIntent   struct{}

	// IntentResult carries the data produced by applying an intent. Only
	// ListIntent populates Members.
	IntentResult struct {
		Members []UserID
	}
)

func (GrantIntent) intent()  {}
func (RevokeIntent) intent() {}
func (ListIntent) intent()   {}

func (i GrantIntent) String() string  { return fmt.Sprintf("GRANT[%s]", i.Target) }
func (i RevokeIntent) String() string { return fmt.Sprintf("REVOKE[%s]", i.Target) }
func (ListIntent) String() string     { return "LIST" }

// Apply executes the allow-list intent on behalf of the requester. All
// intents are owner-only.
func (gate *Gate) Apply(requester UserID, intent Intent) (IntentResult, error) {
	if !gate.IsOwner(requester) {
		return IntentResult{}, ErrNotOwner
	}

	switch i := intent.(type) {
	case GrantIntent:
		return IntentResult{}, gate.Grant(requester, i.Target)
	case RevokeIntent:
		return IntentResult{}, gate.Revoke(requester, i.Target)
	case ListIntent:
		members, err := gate.ListMembers()
		return IntentResult{Members: members}, err
	}

	return IntentResult{}, fmt.Errorf("unknown allow-list intent %T", intent)
}
