package index

// Desired-access masks passed to the access-control collaborator.
const (
	AccessRead  = 1 << iota
	AccessWrite
	AccessReadFreeBusy
)

// AccessDecision is the collaborator's answer for one entity.
type AccessDecision struct {
	Allowed bool
	Desired int
}

// AccessChecker is the access-control collaborator. The decision logic
// itself is external to this module; the indexer only consumes decisions.
// A nil result with returnResult set means the caller should treat the
// entity as inaccessible.
type AccessChecker interface {
	CheckAccess(shareable AccessTarget, desiredAccess int, returnResult bool) (*AccessDecision, error)
}

// AccessTarget is the subset of an entity the checker needs.
type AccessTarget struct {
	Href        string
	OwnerHref   string
	CreatorHref string
	Public      bool
	ACL         string
}

// AllowAll is a permissive AccessChecker for tests and single-user
// deployments.
type AllowAll struct{}

func (AllowAll) CheckAccess(_ AccessTarget, desiredAccess int, _ bool) (*AccessDecision, error) {
	return &AccessDecision{Allowed: true, Desired: desiredAccess}, nil
}
